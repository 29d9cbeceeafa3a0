package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"mevwatch/internal/errors"
	"mevwatch/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	fileChannelSize = 1000
	fileBatchSize   = 100
)

// FileSink 异步JSON Lines文件输出，每种告警类型一个文件
type FileSink struct {
	outputDir     string
	timestamp     string
	logger        *logrus.Logger
	flushInterval time.Duration

	// writers只在写入goroutine中访问，files另由filesMu保护供查询
	filesMu sync.Mutex
	files   map[models.OpportunityKind]*os.File
	writers map[models.OpportunityKind]*bufio.Writer

	opChan chan *models.Opportunity
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	dropped atomic.Int64
}

// NewFileSink 创建文件输出
func NewFileSink(outputDir string, flushInterval time.Duration, logger *logrus.Logger) (*FileSink, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, errors.ErrSinkFailed.Wrap(fmt.Errorf("创建输出目录失败: %w", err)).WithComponent(SinkFile)
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	sink := &FileSink{
		outputDir:     outputDir,
		timestamp:     time.Now().Format("20060102_150405"),
		logger:        logger,
		flushInterval: flushInterval,
		files:         make(map[models.OpportunityKind]*os.File),
		writers:       make(map[models.OpportunityKind]*bufio.Writer),
		opChan:        make(chan *models.Opportunity, fileChannelSize),
	}

	sink.wg.Add(1)
	go sink.writer()

	logger.Infof("文件输出已初始化，目录: %s", outputDir)
	return sink, nil
}

func (o *FileSink) Name() string { return SinkFile }

// Send 放入写入通道，通道满时返回错误
func (o *FileSink) Send(_ context.Context, op *models.Opportunity) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return errors.ErrSinkFailed.New().WithComponent(SinkFile).WithContext("reason", "文件输出已关闭")
	}

	select {
	case o.opChan <- op:
		return nil
	default:
		o.dropped.Add(1)
		return errors.ErrSinkFailed.New().WithComponent(SinkFile).WithContext("reason", "文件写入通道已满")
	}
}

// writer 批量写入，定时刷新，通道关闭后写完剩余数据退出
func (o *FileSink) writer() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	pending := 0
	for {
		select {
		case op, ok := <-o.opChan:
			if !ok {
				o.flush()
				return
			}
			if err := o.write(op); err != nil {
				o.logger.WithError(err).Errorf("写入告警 %s 失败", op.ID)
				continue
			}
			pending++
			if pending >= fileBatchSize {
				o.flush()
				pending = 0
			}

		case <-ticker.C:
			if pending > 0 {
				o.flush()
				pending = 0
			}
		}
	}
}

// write 追加一行JSON
func (o *FileSink) write(op *models.Opportunity) error {
	w, err := o.writerFor(op.Kind)
	if err != nil {
		return err
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return err
	}

	o.written.Add(1)
	return nil
}

// writerFor 按需创建类型对应的文件
func (o *FileSink) writerFor(kind models.OpportunityKind) (*bufio.Writer, error) {
	if w, ok := o.writers[kind]; ok {
		return w, nil
	}

	name := fmt.Sprintf("%s_%s.jsonl", kind, o.timestamp)
	file, err := os.OpenFile(filepath.Join(o.outputDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建文件 %s 失败: %w", name, err)
	}

	w := bufio.NewWriter(file)
	o.filesMu.Lock()
	o.files[kind] = file
	o.filesMu.Unlock()
	o.writers[kind] = w
	return w, nil
}

// flush 刷新缓冲区并同步到磁盘
func (o *FileSink) flush() {
	for kind, w := range o.writers {
		if err := w.Flush(); err != nil {
			o.logger.Errorf("写入%s文件失败: %v", kind, err)
			continue
		}
		if err := o.files[kind].Sync(); err != nil {
			o.logger.Errorf("刷新%s文件失败: %v", kind, err)
		}
	}
}

// Close 写完通道中剩余告警后关闭文件
func (o *FileSink) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.opChan)
	o.mu.Unlock()

	o.logger.Info("正在关闭文件输出...")
	o.wg.Wait()

	var firstErr error
	for kind, file := range o.files {
		if err := file.Close(); err != nil {
			o.logger.Errorf("关闭%s文件失败: %v", kind, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	o.logger.Info("文件输出已关闭")
	if firstErr != nil {
		return errors.ErrSinkFailed.Wrap(firstErr).WithComponent(SinkFile)
	}
	return nil
}

// Files 已创建的文件路径
func (o *FileSink) Files() []string {
	o.filesMu.Lock()
	defer o.filesMu.Unlock()

	paths := make([]string, 0, len(o.files))
	for _, file := range o.files {
		paths = append(paths, file.Name())
	}
	return paths
}

// GetStats 获取统计信息
func (o *FileSink) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"output_dir":    o.outputDir,
		"written_count": o.written.Load(),
		"dropped_count": o.dropped.Load(),
		"queued":        len(o.opChan),
	}
}
