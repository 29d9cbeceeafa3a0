package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mevwatch/internal/detector"
	"mevwatch/internal/errors"
	"mevwatch/internal/gas"
	"mevwatch/internal/metrics"
	"mevwatch/internal/normalizer"
	"mevwatch/internal/queue"
	"mevwatch/internal/rules"
	"mevwatch/pkg/models"

	"github.com/sirupsen/logrus"
)

// 队列在指标中的名称
const (
	IngestQueueName = "ingest"
	EvalQueueName   = "eval"
)

// 默认参数
const (
	DefaultIngestQueueSize = 10000
	DefaultEvalQueueSize   = 10000
	DefaultTxTimeout       = 5 * time.Millisecond
)

// skipTimeout 检测器超出单笔预算时结果被丢弃
const skipTimeout = "timeout"

// Config 流水线参数
type Config struct {
	IngestQueueSize int
	EvalQueueSize   int
	EvalWorkers     int
	TxTimeout       time.Duration // 单笔交易的评估预算
}

// Submitter 告警去重分发入口
type Submitter interface {
	Submit(op *models.Opportunity) error
	SubmitMatch(match *models.RuleMatch) error
}

// Stats 流水线统计
type Stats struct {
	Received        uint64         `json:"received"`
	Rejected        uint64         `json:"rejected"`
	Normalized      uint64         `json:"normalized"`
	Evaluated       uint64         `json:"evaluated"`
	SlowEvaluations uint64         `json:"slow_evaluations"`
	RuleMatches     uint64         `json:"rule_matches"`
	Opportunities   uint64         `json:"opportunities"`
	IngestDropped   uint64         `json:"ingest_dropped"`
	EvalDropped     uint64         `json:"eval_dropped"`
	IngestDepth     map[string]int `json:"ingest_depth"`
	EvalDepth       int            `json:"eval_depth"`
	EvalWorkers     int            `json:"eval_workers"`
}

// Pipeline 规范化、规则评估与机会检测的处理流水线
//
// 每条链一个摄入goroutine，保证链内顺序进入评估队列；评估worker并发消费，
// 每笔交易的规则引擎和各检测器并行执行，受单笔预算约束。
type Pipeline struct {
	config     Config
	normalizer *normalizer.Normalizer
	engine     *rules.Engine
	gas        *gas.Tracker
	detectors  []detector.Detector
	submitter  Submitter
	logger     *logrus.Entry
	metrics    *metrics.Metrics
	errors     *errors.ErrorHandler

	ingest map[uint64]*queue.Ring[normalizer.RawPayload]
	eval   *queue.Ring[*models.Transaction]

	cancel   context.CancelFunc
	ingestWg sync.WaitGroup
	evalWg   sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once

	received      atomic.Uint64
	rejected      atomic.Uint64
	normalized    atomic.Uint64
	evaluated     atomic.Uint64
	slow          atomic.Uint64
	ruleMatches   atomic.Uint64
	opportunities atomic.Uint64
}

// SetErrorHandler 设置错误处理器，需在Start之前调用
func (p *Pipeline) SetErrorHandler(eh *errors.ErrorHandler) {
	p.errors = eh
}

func (p *Pipeline) handleError(ctx context.Context, err error) {
	if p.errors != nil {
		_ = p.errors.HandleError(context.WithoutCancel(ctx), err)
	}
}

// New 创建流水线
func New(config Config, n *normalizer.Normalizer, engine *rules.Engine, tracker *gas.Tracker,
	detectors []detector.Detector, submitter Submitter, logger *logrus.Logger, m *metrics.Metrics) *Pipeline {
	if config.IngestQueueSize <= 0 {
		config.IngestQueueSize = DefaultIngestQueueSize
	}
	if config.EvalQueueSize <= 0 {
		config.EvalQueueSize = DefaultEvalQueueSize
	}
	if config.EvalWorkers <= 0 {
		config.EvalWorkers = runtime.NumCPU()
	}
	if config.TxTimeout <= 0 {
		config.TxTimeout = DefaultTxTimeout
	}

	p := &Pipeline{
		config:     config,
		normalizer: n,
		engine:     engine,
		gas:        tracker,
		detectors:  detectors,
		submitter:  submitter,
		logger:     logger.WithField("component", "pipeline"),
		metrics:    m,
		ingest:     make(map[uint64]*queue.Ring[normalizer.RawPayload]),
		eval:       queue.NewRing[*models.Transaction](config.EvalQueueSize),
	}
	for _, chainID := range n.Chains() {
		p.ingest[chainID] = queue.NewRing[normalizer.RawPayload](config.IngestQueueSize)
	}
	return p
}

// Ingest 接收一条原始载荷，不阻塞。摄入队列满时挤掉该链最旧的载荷
func (p *Pipeline) Ingest(raw normalizer.RawPayload) error {
	p.received.Add(1)

	ring, ok := p.ingest[raw.ChainID]
	if !ok {
		p.rejected.Add(1)
		err := errors.ErrUnknownChain.New().WithChain(raw.ChainID)
		p.metrics.IncNormalizeError(strings.ToLower(err.Code))
		return err
	}

	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now()
	}

	evicted, err := ring.Push(raw)
	if err != nil {
		p.rejected.Add(1)
		return err
	}
	if evicted > 0 {
		p.metrics.AddQueueDropped(IngestQueueName, evicted)
		p.logger.WithField("chain_id", raw.ChainID).Warn("摄入队列已满，丢弃最旧的交易")
	}
	return nil
}

// Start 启动摄入与评估worker
//
// worker的上下文与ctx的取消解耦，停机时由Stop负责排空队列。
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	for chainID, ring := range p.ingest {
		p.ingestWg.Add(1)
		go p.ingestWorker(runCtx, chainID, ring)
	}
	for i := 0; i < p.config.EvalWorkers; i++ {
		p.evalWg.Add(1)
		go p.evalWorker(runCtx, i)
	}

	p.logger.WithFields(logrus.Fields{
		"chains":       len(p.ingest),
		"eval_workers": p.config.EvalWorkers,
		"tx_timeout":   p.config.TxTimeout.String(),
	}).Info("处理流水线已启动")
}

// ingestWorker 单链摄入，顺序规范化后进入评估队列
func (p *Pipeline) ingestWorker(ctx context.Context, chainID uint64, ring *queue.Ring[normalizer.RawPayload]) {
	defer p.ingestWg.Done()

	for {
		raw, err := ring.Pop(ctx)
		if err != nil {
			return
		}
		p.metrics.SetQueueDepth(fmt.Sprintf("%s_%d", IngestQueueName, chainID), ring.Len())

		tx, err := p.normalizer.Normalize(raw)
		if err != nil {
			p.handleError(ctx, err)
			continue
		}
		p.normalized.Add(1)

		evicted, err := p.eval.Push(tx)
		if err != nil {
			return
		}
		if evicted > 0 {
			p.metrics.AddQueueDropped(EvalQueueName, evicted)
			p.logger.Warn("评估队列已满，丢弃最旧的交易")
		}
		p.metrics.SetQueueDepth(EvalQueueName, p.eval.Len())
	}
}

// evalWorker 评估worker
func (p *Pipeline) evalWorker(ctx context.Context, id int) {
	defer p.evalWg.Done()

	for {
		tx, err := p.eval.Pop(ctx)
		if err != nil {
			p.logger.WithField("worker", id).Debug("评估worker退出")
			return
		}
		p.Evaluate(ctx, tx)
	}
}

// Evaluate 对单笔交易执行规则引擎和全部检测器
//
// 超出单笔预算时不再等待，已返回的规则命中照常分发，超时后才返回的检测结果被丢弃。
func (p *Pipeline) Evaluate(ctx context.Context, tx *models.Transaction) {
	start := time.Now()
	if p.gas != nil {
		p.gas.RecordTransaction(tx)
	}

	txCtx, cancel := context.WithTimeout(ctx, p.config.TxTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1 + len(p.detectors))

	go func() {
		defer wg.Done()
		p.evaluateRules(txCtx, tx)
	}()
	for _, d := range p.detectors {
		go func(d detector.Detector) {
			defer wg.Done()
			p.runDetector(txCtx, d, tx)
		}(d)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-txCtx.Done():
		timedOut = true
	}

	elapsed := time.Since(start)
	p.evaluated.Add(1)
	p.metrics.ObserveEvaluation(elapsed)
	if timedOut || elapsed > p.config.TxTimeout {
		p.slow.Add(1)
		p.metrics.IncSlowEvaluation()
		p.logger.WithFields(logrus.Fields{
			"chain_id": tx.ChainID,
			"tx_hash":  tx.Hash.Hex(),
			"elapsed":  elapsed.String(),
		}).Debug("交易评估超出预算")
	}
}

// evaluateRules 规则命中填写时间后提交
func (p *Pipeline) evaluateRules(ctx context.Context, tx *models.Transaction) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", fmt.Sprint(r)).Error("规则评估panic")
		}
	}()

	matches := p.engine.Evaluate(ctx, tx)
	if len(matches) == 0 {
		return
	}

	now := time.Now()
	for i := range matches {
		matches[i].MatchedAt = now
		p.ruleMatches.Add(1)
		if err := p.submitter.SubmitMatch(&matches[i]); err != nil {
			p.logger.WithError(err).Debug("提交规则命中失败")
		}
	}
}

// runDetector 执行单个检测器，panic只影响该检测器对该交易的结果
func (p *Pipeline) runDetector(ctx context.Context, d detector.Detector, tx *models.Transaction) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.IncDetectorError(d.Name())
			p.logger.WithFields(logrus.Fields{
				"detector": d.Name(),
				"tx_hash":  tx.Hash.Hex(),
				"panic":    fmt.Sprint(r),
			}).Error("检测器panic，已跳过")
		}
	}()

	ops, err := d.Detect(ctx, tx)
	if err != nil {
		p.metrics.IncDetectorError(d.Name())
		p.logger.WithField("detector", d.Name()).WithError(err).Debug("检测器返回错误")
		p.handleError(ctx, err)
		return
	}
	if len(ops) == 0 {
		return
	}
	if ctx.Err() != nil {
		p.metrics.IncDetectorSkip(d.Name(), skipTimeout)
		return
	}

	for _, op := range ops {
		if op.ObservedAt.IsZero() {
			op.ObservedAt = tx.FirstSeen
		}
		p.opportunities.Add(1)
		if err := p.submitter.Submit(op); err != nil {
			p.logger.WithError(err).Debug("提交机会失败")
		}
	}
}

// Stop 依次排空摄入队列和评估队列，ctx到期时放弃剩余交易
func (p *Pipeline) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		for _, ring := range p.ingest {
			ring.Close()
		}
		if !p.started.Load() {
			p.eval.Close()
			return
		}

		err = p.wait(ctx, &p.ingestWg)
		p.eval.Close()
		if err == nil {
			err = p.wait(ctx, &p.evalWg)
		}

		p.cancel()
		p.ingestWg.Wait()
		p.evalWg.Wait()

		if err != nil {
			p.logger.WithError(err).Warn("流水线未排空即停止")
		}
		p.logger.Info("处理流水线已停止")
	})
	return err
}

func (p *Pipeline) wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 当前统计
func (p *Pipeline) Stats() Stats {
	stats := Stats{
		Received:        p.received.Load(),
		Rejected:        p.rejected.Load(),
		Normalized:      p.normalized.Load(),
		Evaluated:       p.evaluated.Load(),
		SlowEvaluations: p.slow.Load(),
		RuleMatches:     p.ruleMatches.Load(),
		Opportunities:   p.opportunities.Load(),
		EvalDropped:     p.eval.Dropped(),
		IngestDepth:     make(map[string]int, len(p.ingest)),
		EvalDepth:       p.eval.Len(),
		EvalWorkers:     p.config.EvalWorkers,
	}
	for chainID, ring := range p.ingest {
		stats.IngestDropped += ring.Dropped()
		stats.IngestDepth[fmt.Sprint(chainID)] = ring.Len()
	}
	return stats
}

// Chains 已配置摄入队列的链，升序
func (p *Pipeline) Chains() []uint64 {
	ids := make([]uint64, 0, len(p.ingest))
	for id := range p.ingest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
