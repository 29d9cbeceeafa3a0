package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"mevwatch/internal/errors"
	"mevwatch/internal/metrics"
	"mevwatch/internal/output"
	"mevwatch/internal/queue"
	"mevwatch/pkg/models"

	"github.com/sirupsen/logrus"
)

// QueueName 分发队列在指标中的名称
const QueueName = "dispatch"

// DefaultQueueSize 分发队列默认容量
const DefaultQueueSize = 10000

// Stats 分发统计
type Stats struct {
	Submitted  uint64 `json:"submitted"`
	Evicted    uint64 `json:"evicted"`
	Forwarded  uint64 `json:"forwarded"`
	Superseded uint64 `json:"superseded"`
	Duplicates uint64 `json:"duplicates"`
	SinkErrors uint64 `json:"sink_errors"`
	QueueDepth int    `json:"queue_depth"`
	DedupSize  int    `json:"dedup_size"`
}

// Dispatcher 去重后把告警交给分发目标
//
// Submit不阻塞，队列满时挤掉最旧的告警。单个worker顺序消费，分发目标慢时只影响分发队列。
type Dispatcher struct {
	sink    output.Sink
	dedup   *Deduper
	queue   *queue.Ring[*models.Opportunity]
	logger  *logrus.Entry
	metrics *metrics.Metrics
	errors  *errors.ErrorHandler

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	submitted  atomic.Uint64
	evicted    atomic.Uint64
	forwarded  atomic.Uint64
	superseded atomic.Uint64
	duplicates atomic.Uint64
	sinkErrors atomic.Uint64
}

// NewDispatcher 创建分发器
func NewDispatcher(sink output.Sink, dedup *Deduper, queueSize int, logger *logrus.Logger, m *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		sink:    sink,
		dedup:   dedup,
		queue:   queue.NewRing[*models.Opportunity](queueSize),
		logger:  logger.WithField("component", "dispatch"),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// SetErrorHandler 设置错误处理器，需在Start之前调用
func (d *Dispatcher) SetErrorHandler(eh *errors.ErrorHandler) {
	d.errors = eh
}

// Submit 提交告警，不阻塞
func (d *Dispatcher) Submit(op *models.Opportunity) error {
	if op == nil {
		return nil
	}

	evicted, err := d.queue.Push(op)
	if err != nil {
		return err
	}

	d.submitted.Add(1)
	d.metrics.IncOpportunity(string(op.Kind))
	if evicted > 0 {
		d.evicted.Add(uint64(evicted))
		d.metrics.AddQueueDropped(QueueName, evicted)
		d.logger.WithField("evicted", evicted).Warn("分发队列已满，丢弃最旧的告警")
	}
	d.metrics.SetQueueDepth(QueueName, d.queue.Len())
	return nil
}

// SubmitMatch 规则命中转换为告警后提交
func (d *Dispatcher) SubmitMatch(match *models.RuleMatch) error {
	if match == nil {
		return nil
	}
	return d.Submit(models.FromRuleMatch(match))
}

// Start 启动分发worker
//
// worker的上下文与ctx的取消解耦，停机时由Stop负责排空队列。
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel

	d.dedup.Start()
	go d.run(runCtx)
	d.logger.Info("分发器已启动")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	for {
		op, err := d.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, errors.ErrQueueClosed) {
				d.logger.WithError(err).Debug("分发worker退出")
			}
			return
		}
		d.metrics.SetQueueDepth(QueueName, d.queue.Len())
		d.process(ctx, op)
	}
}

// process 去重后发送
func (d *Dispatcher) process(ctx context.Context, op *models.Opportunity) {
	decision := d.dedup.Check(op)
	d.metrics.IncDedupOutcome(decision.String())

	switch decision {
	case Drop:
		d.duplicates.Add(1)
		d.logger.WithFields(logrus.Fields{"id": op.ID, "kind": op.Kind}).Debug("重复告警已丢弃")
		return
	case Supersede:
		d.superseded.Add(1)
		d.logger.WithFields(logrus.Fields{
			"id":       op.ID,
			"kind":     op.Kind,
			"revision": op.Revision,
		}).Info("发现更优的同源告警，分发新修订")
	}

	if err := d.sink.Send(ctx, op); err != nil {
		d.sinkErrors.Add(1)
		for _, name := range output.FailedSinks(err) {
			d.metrics.IncSinkError(name)
		}
		d.logger.WithError(err).WithField("id", op.ID).Error("告警分发失败")
		if d.errors != nil {
			_ = d.errors.HandleError(ctx, errors.ErrSinkFailed.Wrap(err).WithContext("opportunity_id", op.ID))
		}
		return
	}

	d.forwarded.Add(1)
	d.metrics.IncDispatched(string(op.Kind))
}

// Stop 关闭队列并等待剩余告警分发完毕，ctx到期时放弃剩余告警
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		d.queue.Close()
		if d.cancel == nil {
			// 未启动
			close(d.done)
			return
		}

		select {
		case <-d.done:
		case <-ctx.Done():
			d.cancel()
			<-d.done
			err = ctx.Err()
			d.logger.WithField("remaining", d.queue.Len()).Warn("分发队列未排空即停止")
		}
		d.cancel()
		d.dedup.Stop()
		d.logger.Info("分发器已停止")
	})
	return err
}

// Deduper 去重器
func (d *Dispatcher) Deduper() *Deduper {
	return d.dedup
}

// Stats 当前统计
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:  d.submitted.Load(),
		Evicted:    d.evicted.Load(),
		Forwarded:  d.forwarded.Load(),
		Superseded: d.superseded.Load(),
		Duplicates: d.duplicates.Load(),
		SinkErrors: d.sinkErrors.Load(),
		QueueDepth: d.queue.Len(),
		DedupSize:  d.dedup.Len(),
	}
}
