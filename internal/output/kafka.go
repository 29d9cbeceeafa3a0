package output

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"mevwatch/internal/errors"
	"mevwatch/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// DefaultTopicKey 未按类型配置topic时使用的键
const DefaultTopicKey = "default"

// KafkaSink 基于异步生产者的Kafka输出，按告警类型选择topic，消息键为告警ID
type KafkaSink struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.AsyncProducer
	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup // 成功与失败处理器
	wg       sync.WaitGroup // 统计报告器

	// closed 由mu保护，关闭后不再向Input写入
	mu     sync.RWMutex
	closed bool

	// 统计信息
	statsMu    sync.RWMutex
	sentCount  int64
	errorCount int64
}

// NewKafkaSink 创建Kafka输出
func NewKafkaSink(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaSink, error) {
	logger.Infof("初始化Kafka输出，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	producer, err := sarama.NewAsyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, errors.ErrKafkaProduceFailed.Wrap(fmt.Errorf("创建异步Kafka生产者失败: %w", err)).WithComponent(SinkKafka)
	}

	sink := newKafkaSink(producer, topics, logger)
	logger.Info("异步Kafka生产者已创建并启动")
	return sink, nil
}

// NewProducerConfig 异步生产者配置
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()

	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Version = sarama.V2_8_0_0

	// 告警量小但对延迟敏感，批量窗口保持较短
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Flush.Bytes = 1024 * 1024
	config.Producer.Compression = sarama.CompressionSnappy
	// 同一告警ID落在同一分区，保证修订顺序
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.ChannelBufferSize = 1000
	return config
}

func newKafkaSink(producer sarama.AsyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaSink {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &KafkaSink{
		logger:   logger,
		topics:   topics,
		producer: producer,
		ctx:      ctx,
		cancel:   cancel,
	}
	sink.startBackgroundHandlers()
	return sink
}

// startBackgroundHandlers 启动后台处理程序
func (k *KafkaSink) startBackgroundHandlers() {
	k.handlers.Add(2)
	go func() {
		defer k.handlers.Done()
		k.handleSuccesses()
	}()
	go func() {
		defer k.handlers.Done()
		k.handleErrors()
	}()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.reportStats()
	}()
}

// handleSuccesses 处理成功发送的消息，生产者关闭后通道关闭时退出
func (k *KafkaSink) handleSuccesses() {
	for success := range k.producer.Successes() {
		k.statsMu.Lock()
		k.sentCount++
		k.statsMu.Unlock()

		k.logger.Debugf("告警成功发送到 topic %s, partition %d, offset %d",
			success.Topic, success.Partition, success.Offset)
	}
	k.logger.Debug("成功消息处理器停止")
}

// handleErrors 处理发送失败的消息
func (k *KafkaSink) handleErrors() {
	for perr := range k.producer.Errors() {
		k.statsMu.Lock()
		k.errorCount++
		k.statsMu.Unlock()

		k.logger.Errorf("Kafka发送失败: topic=%s, partition=%d, error=%v",
			perr.Msg.Topic, perr.Msg.Partition, perr.Err)
	}
	k.logger.Debug("错误消息处理器停止")
}

// reportStats 定期报告统计信息
func (k *KafkaSink) reportStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent, failed := k.counts()
			if sent > 0 || failed > 0 {
				successRate := float64(sent) / float64(sent+failed) * 100
				k.logger.Infof("Kafka统计: 已发送 %d 条告警, 失败 %d 条, 成功率 %.2f%%",
					sent, failed, successRate)
			}
		case <-k.ctx.Done():
			k.logger.Debug("统计报告器停止")
			return
		}
	}
}

func (k *KafkaSink) counts() (int64, int64) {
	k.statsMu.RLock()
	defer k.statsMu.RUnlock()
	return k.sentCount, k.errorCount
}

func (k *KafkaSink) Name() string { return SinkKafka }

// TopicFor 告警类型对应的topic
func (k *KafkaSink) TopicFor(kind models.OpportunityKind) (string, bool) {
	if topic, ok := k.topics[string(kind)]; ok && topic != "" {
		return topic, true
	}
	topic, ok := k.topics[DefaultTopicKey]
	return topic, ok && topic != ""
}

// Send 异步发送，输入通道满时立即返回错误而不阻塞分发线程
func (k *KafkaSink) Send(ctx context.Context, op *models.Opportunity) error {
	topic, ok := k.TopicFor(op.Kind)
	if !ok {
		k.logger.Debugf("告警类型 %s 未配置topic，跳过", op.Kind)
		return nil
	}

	msg, err := buildMessage(topic, op)
	if err != nil {
		return err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return errors.ErrSinkFailed.New().WithComponent(SinkKafka).WithContext("reason", "Kafka生产者已关闭")
	}

	select {
	case k.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.ErrKafkaProduceFailed.New().WithComponent(SinkKafka).WithContext("reason", "Kafka生产者输入通道已满")
	}
}

// buildMessage 告警序列化为Kafka消息
func buildMessage(topic string, op *models.Opportunity) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, errors.ErrSerializationFailed.Wrap(err).WithComponent(SinkKafka)
	}

	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(op.ID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(op.Kind)},
			{Key: []byte("revision"), Value: []byte(strconv.Itoa(op.Revision))},
		},
		Timestamp: op.CreatedAt,
	}, nil
}

// Close 刷新缓冲区并关闭生产者
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.logger.Info("正在关闭Kafka输出...")

	_, failedBefore := k.counts()

	// AsyncClose发送完缓冲区中的消息后关闭Successes和Errors通道，处理器随之退出
	k.producer.AsyncClose()
	k.handlers.Wait()
	k.cancel()
	k.wg.Wait()

	sent, failed := k.counts()
	k.logger.Infof("Kafka输出已关闭，最终统计: 发送 %d 条, 失败 %d 条", sent, failed)

	if failed > failedBefore {
		return errors.ErrKafkaProduceFailed.New().WithComponent(SinkKafka).
			WithContext("failed_on_close", failed-failedBefore)
	}
	return nil
}

// GetStats 获取统计信息
func (k *KafkaSink) GetStats() map[string]interface{} {
	sent, failed := k.counts()
	return map[string]interface{}{
		"sent_count":  sent,
		"error_count": failed,
		"topics":      k.topics,
	}
}
