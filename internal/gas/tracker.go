package gas

import (
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"mevwatch/internal/errors"
	"mevwatch/internal/metrics"
	"mevwatch/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	// 默认缓冲区容量
	DefaultCapacity = 512
	// 给出预测所需的最少样本数
	DefaultMinSamples = 20
	// 默认EWMA平滑系数
	DefaultEWMAAlpha = 0.2

	MethodNone       = "none"
	MethodTrendEWMA  = "trend_ewma"
	percentileSlow   = 25
	percentileMedian = 50
	percentileFast   = 90
)

// Config 追踪器配置
type Config struct {
	Capacity   int
	MinSamples int
	EWMAAlpha  float64
}

// Tracker 按链维护gas价格环形缓冲区
type Tracker struct {
	config  Config
	logger  *logrus.Entry
	metrics *metrics.Metrics

	mu    sync.RWMutex
	rings map[uint64]*ring
}

// ring 单条链的固定容量样本缓冲区，写满后覆盖最旧样本
type ring struct {
	mu      sync.Mutex
	samples []models.GasSample
	next    int
	count   int
}

// NewTracker 创建追踪器
func NewTracker(config Config, logger *logrus.Logger, m *metrics.Metrics) *Tracker {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	if config.MinSamples <= 0 {
		config.MinSamples = DefaultMinSamples
	}
	if config.EWMAAlpha <= 0 || config.EWMAAlpha > 1 {
		config.EWMAAlpha = DefaultEWMAAlpha
	}

	return &Tracker{
		config:  config,
		logger:  logger.WithField("component", "gas"),
		metrics: m,
		rings:   make(map[uint64]*ring),
	}
}

// Record 记录一个样本，O(1)
func (t *Tracker) Record(chainID uint64, sample models.GasSample) error {
	if sample.GasPrice == nil || sample.GasPrice.Sign() < 0 {
		return errors.ErrMalformedNumber.New().WithChain(chainID).WithContext("field", "gas_price")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	sample.ChainID = chainID
	sample.GasPrice = new(big.Int).Set(sample.GasPrice)

	r := t.ringFor(chainID)
	r.mu.Lock()
	r.samples[r.next] = sample
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
	count := r.count
	r.mu.Unlock()

	t.metrics.SetGasOccupancy(chainID, count)
	return nil
}

// RecordTransaction 以交易的有效出价作为样本，无出价时忽略
func (t *Tracker) RecordTransaction(tx *models.Transaction) {
	price := tx.EffectiveGasPrice()
	if price == nil {
		return
	}
	_ = t.Record(tx.ChainID, models.GasSample{
		Timestamp:   tx.FirstSeen,
		PriorityFee: tx.PriorityFee(),
		GasPrice:    price,
	})
}

// Current 当前百分位档位，链上没有样本时返回false
func (t *Tracker) Current(chainID uint64) (models.GasEstimate, bool) {
	samples := t.snapshot(chainID)
	if len(samples) == 0 {
		return models.GasEstimate{ChainID: chainID}, false
	}

	prices := make([]*big.Int, len(samples))
	for i, s := range samples {
		prices[i] = s.GasPrice
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Cmp(prices[j]) < 0 })

	return models.GasEstimate{
		ChainID:  chainID,
		Slow:     new(big.Int).Set(nearestRank(prices, percentileSlow)),
		Standard: new(big.Int).Set(nearestRank(prices, percentileMedian)),
		Fast:     new(big.Int).Set(nearestRank(prices, percentileFast)),
		Samples:  len(prices),
	}, true
}

// Standard 中位数价格，无样本时返回nil
func (t *Tracker) Standard(chainID uint64) *big.Int {
	estimate, ok := t.Current(chainID)
	if !ok {
		return nil
	}
	return estimate.Standard
}

// Predict 预测horizon之后的价格
//
// 对(时间, 价格)做最小二乘拟合得到斜率，以EWMA水平为起点外推。
// 置信度为R²乘以缓冲区填充率，样本不足时不给出预测。
func (t *Tracker) Predict(chainID uint64, horizon time.Duration) models.GasPrediction {
	samples := t.snapshot(chainID)
	prediction := models.GasPrediction{
		ChainID: chainID,
		Horizon: horizon,
		Samples: len(samples),
		Method:  MethodNone,
	}
	if len(samples) < t.config.MinSamples || len(samples) < 2 {
		return prediction
	}

	origin := samples[0].Timestamp
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.Timestamp.Sub(origin).Seconds()
		ys[i], _ = new(big.Float).SetInt(s.GasPrice).Float64()
	}

	slope, r2 := leastSquares(xs, ys)
	level := ewma(ys, t.config.EWMAAlpha)

	value := level + slope*horizon.Seconds()
	if value < 0 || math.IsNaN(value) {
		value = 0
	}

	fill := float64(len(samples)) / float64(t.config.Capacity)
	prediction.Value, _ = big.NewFloat(math.Round(value)).Int(nil)
	prediction.Confidence = clamp01(r2 * fill)
	prediction.Method = MethodTrendEWMA
	return prediction
}

// Occupancy 缓冲区中的样本数
func (t *Tracker) Occupancy(chainID uint64) int {
	t.mu.RLock()
	r, ok := t.rings[chainID]
	t.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Chains 已有样本的链，升序
func (t *Tracker) Chains() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	chains := make([]uint64, 0, len(t.rings))
	for id := range t.rings {
		chains = append(chains, id)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

// Capacity 每条链的缓冲区容量
func (t *Tracker) Capacity() int {
	return t.config.Capacity
}

func (t *Tracker) ringFor(chainID uint64) *ring {
	t.mu.RLock()
	r, ok := t.rings[chainID]
	t.mu.RUnlock()
	if ok {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok = t.rings[chainID]; ok {
		return r
	}
	r = &ring{samples: make([]models.GasSample, t.config.Capacity)}
	t.rings[chainID] = r
	t.logger.WithField("chain_id", chainID).Debug("创建gas样本缓冲区")
	return r
}

// snapshot 按写入顺序复制样本，最旧在前
func (t *Tracker) snapshot(chainID uint64) []models.GasSample {
	t.mu.RLock()
	r, ok := t.rings[chainID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.GasSample, 0, r.count)
	start := 0
	if r.count == len(r.samples) {
		start = r.next
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.samples[(start+i)%len(r.samples)])
	}
	return out
}

// nearestRank 最近秩百分位，sorted须已升序
func nearestRank(sorted []*big.Int, percentile int) *big.Int {
	rank := int(math.Ceil(float64(percentile) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// leastSquares 返回斜率和决定系数。价格无波动时斜率为0、R²为1
func leastSquares(xs, ys []float64) (float64, float64) {
	n := float64(len(xs))
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy, syy float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}

	if syy == 0 {
		return 0, 1
	}
	if sxx == 0 {
		// 所有样本时间相同，无法估计趋势
		return 0, 0
	}

	slope := sxy / sxx
	intercept := meanY - slope*meanX

	var ssRes float64
	for i := range xs {
		residual := ys[i] - (intercept + slope*xs[i])
		ssRes += residual * residual
	}
	return slope, clamp01(1 - ssRes/syy)
}

func ewma(values []float64, alpha float64) float64 {
	level := values[0]
	for _, v := range values[1:] {
		level = alpha*v + (1-alpha)*level
	}
	return level
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
