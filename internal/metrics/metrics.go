package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 流水线指标，注册在独立的registry上
type Metrics struct {
	registry *prometheus.Registry

	ingestedCount       *prometheus.CounterVec
	normalizeErrorCount *prometheus.CounterVec
	queueDroppedCount   *prometheus.CounterVec
	queueDepthGauge     *prometheus.GaugeVec
	ruleMatchCount      *prometheus.CounterVec
	ruleErrorCount      *prometheus.CounterVec
	rulesLoadedGauge    prometheus.Gauge
	rulesRejectedCount  prometheus.Counter
	opportunityCount    *prometheus.CounterVec
	detectorErrorCount  *prometheus.CounterVec
	detectorSkipCount   *prometheus.CounterVec
	dedupOutcomeCount   *prometheus.CounterVec
	dispatchedCount     *prometheus.CounterVec
	sinkErrorCount      *prometheus.CounterVec
	evaluationLatency   prometheus.Histogram
	slowEvaluationCount prometheus.Counter
	gasOccupancyGauge   *prometheus.GaugeVec
	marketRejectedCount *prometheus.CounterVec
	marketUpdateCount   *prometheus.CounterVec
}

// NewMetrics 创建指标集合
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mevwatch"
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := Metrics{
		registry: registry,
		// 摄入与规范化
		ingestedCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_ingested_total", namespace),
			Help: "The total number of normalized pending transactions",
		}, []string{"chain"}),
		normalizeErrorCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_normalize_errors_total", namespace),
			Help: "The total number of dropped raw payloads by reason",
		}, []string{"reason"}),
		// 有界队列
		queueDroppedCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_queue_dropped_total", namespace),
			Help: "The total number of items evicted from bounded queues",
		}, []string{"queue"}),
		queueDepthGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_queue_depth", namespace),
			Help: "The current number of queued items",
		}, []string{"queue"}),
		// 规则引擎
		ruleMatchCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rule_matches_total", namespace),
			Help: "The total number of rule matches by rule",
		}, []string{"rule"}),
		ruleErrorCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rule_errors_total", namespace),
			Help: "The total number of isolated rule evaluation failures",
		}, []string{"rule"}),
		rulesLoadedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_rules_loaded", namespace),
			Help: "The number of rules in the active snapshot",
		}),
		rulesRejectedCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rules_rejected_total", namespace),
			Help: "The total number of rules rejected at load time",
		}),
		// 检测器
		opportunityCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_opportunities_total", namespace),
			Help: "The total number of detected opportunities by kind",
		}, []string{"kind"}),
		detectorErrorCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_detector_errors_total", namespace),
			Help: "The total number of isolated detector failures",
		}, []string{"detector"}),
		detectorSkipCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_detector_skips_total", namespace),
			Help: "The total number of skipped detector candidates by reason",
		}, []string{"detector", "reason"}),
		// 去重与分发
		dedupOutcomeCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_dedup_outcomes_total", namespace),
			Help: "The total number of dedup decisions",
		}, []string{"decision"}),
		dispatchedCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_dispatched_total", namespace),
			Help: "The total number of opportunities delivered to the sink",
		}, []string{"kind"}),
		sinkErrorCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sink_errors_total", namespace),
			Help: "The total number of sink delivery failures",
		}, []string{"sink"}),
		// 评估延迟
		evaluationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_evaluation_duration_seconds", namespace),
			Help:    "Per transaction evaluation latency",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		}),
		slowEvaluationCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_slow_evaluations_total", namespace),
			Help: "The total number of evaluations aborted by the per transaction budget",
		}),
		// gas与市场状态
		gasOccupancyGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_gas_buffer_occupancy", namespace),
			Help: "The number of retained gas samples per chain",
		}, []string{"chain"}),
		marketRejectedCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_market_updates_rejected_total", namespace),
			Help: "The total number of duplicate or out of order market updates",
		}, []string{"kind"}),
		marketUpdateCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_market_updates_total", namespace),
			Help: "The total number of applied market updates",
		}, []string{"kind"}),
	}
	return &m
}

// Registry 返回底层registry，用于/metrics暴露
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

func (metrics *Metrics) IncIngested(chainID uint64) {
	metrics.ingestedCount.WithLabelValues(chainLabel(chainID)).Inc()
}

func (metrics *Metrics) IncNormalizeError(reason string) {
	metrics.normalizeErrorCount.WithLabelValues(reason).Inc()
}

func (metrics *Metrics) AddQueueDropped(queue string, count int) {
	if count <= 0 {
		return
	}
	metrics.queueDroppedCount.WithLabelValues(queue).Add(float64(count))
}

func (metrics *Metrics) SetQueueDepth(queue string, depth int) {
	metrics.queueDepthGauge.WithLabelValues(queue).Set(float64(depth))
}

func (metrics *Metrics) IncRuleMatch(ruleID string) {
	metrics.ruleMatchCount.WithLabelValues(ruleID).Inc()
}

func (metrics *Metrics) IncRuleError(ruleID string) {
	metrics.ruleErrorCount.WithLabelValues(ruleID).Inc()
}

// SetRulesLoaded 记录一次规则加载结果
func (metrics *Metrics) SetRulesLoaded(accepted, rejected int) {
	metrics.rulesLoadedGauge.Set(float64(accepted))
	metrics.rulesRejectedCount.Add(float64(rejected))
}

func (metrics *Metrics) IncOpportunity(kind string) {
	metrics.opportunityCount.WithLabelValues(kind).Inc()
}

func (metrics *Metrics) IncDetectorError(detector string) {
	metrics.detectorErrorCount.WithLabelValues(detector).Inc()
}

func (metrics *Metrics) IncDetectorSkip(detector, reason string) {
	metrics.detectorSkipCount.WithLabelValues(detector, reason).Inc()
}

func (metrics *Metrics) IncDedupOutcome(decision string) {
	metrics.dedupOutcomeCount.WithLabelValues(decision).Inc()
}

func (metrics *Metrics) IncDispatched(kind string) {
	metrics.dispatchedCount.WithLabelValues(kind).Inc()
}

func (metrics *Metrics) IncSinkError(sink string) {
	metrics.sinkErrorCount.WithLabelValues(sink).Inc()
}

func (metrics *Metrics) ObserveEvaluation(elapsed time.Duration) {
	metrics.evaluationLatency.Observe(elapsed.Seconds())
}

func (metrics *Metrics) IncSlowEvaluation() {
	metrics.slowEvaluationCount.Inc()
}

func (metrics *Metrics) SetGasOccupancy(chainID uint64, samples int) {
	metrics.gasOccupancyGauge.WithLabelValues(chainLabel(chainID)).Set(float64(samples))
}

func (metrics *Metrics) IncMarketRejected(kind string) {
	metrics.marketRejectedCount.WithLabelValues(kind).Inc()
}

func (metrics *Metrics) IncMarketUpdate(kind string) {
	metrics.marketUpdateCount.WithLabelValues(kind).Inc()
}

// Value 读取计数器或仪表的当前值，labels按 name=value 成对传入，未找到时返回0
func (metrics *Metrics) Value(name string, labels ...string) float64 {
	families, err := metrics.registry.Gather()
	if err != nil {
		return 0
	}

	want := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		want[labels[i]] = labels[i+1]
	}

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if v, ok := want[pair.GetName()]; ok && v == pair.GetValue() {
					matched++
				}
			}
			if matched != len(want) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}
