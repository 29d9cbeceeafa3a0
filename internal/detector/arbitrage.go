package detector

import (
	"bytes"
	"context"
	"sort"

	"mevwatch/internal/market"
	"mevwatch/internal/metrics"
	"mevwatch/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ArbitrageConfig 套利检测配置，金额单位ETH
type ArbitrageConfig struct {
	MinProfit decimal.Decimal
	GasUnits  uint64
}

// Arbitrage 跨场所价差检测
//
// 兑换交易的目标池价格与同交易对其他场所的池价格比较，
// 价差扣除两边手续费和执行gas后仍超过阈值时产出机会。
type Arbitrage struct {
	config  ArbitrageConfig
	cache   *market.Cache
	gas     GasOracle
	metrics *metrics.Metrics
	logger  *logrus.Entry
}

// NewArbitrage 创建套利检测器
func NewArbitrage(config ArbitrageConfig, cache *market.Cache, gas GasOracle, logger *logrus.Logger, m *metrics.Metrics) *Arbitrage {
	return &Arbitrage{
		config:  config,
		cache:   cache,
		gas:     gas,
		metrics: m,
		logger:  logger.WithField("component", "detector.arbitrage"),
	}
}

func (a *Arbitrage) Name() string {
	return NameArbitrage
}

type arbCandidate struct {
	pool   *models.PoolState
	profit decimal.Decimal
	delta  decimal.Decimal
}

// Detect 检测套利机会
func (a *Arbitrage) Detect(ctx context.Context, tx *models.Transaction) ([]*models.Opportunity, error) {
	if tx.Kind != models.KindSwap || tx.Swap == nil {
		return nil, nil
	}

	now := a.cache.Now()
	leg, reason := resolveSwap(a.cache, tx, now)
	if leg == nil {
		if reason != "" {
			a.metrics.IncDetectorSkip(NameArbitrage, reason)
		}
		return nil, nil
	}
	target, notional, tokenIn := leg.pool, leg.amountIn, leg.tokenIn

	targetPrice, ok := target.PriceOf(tokenIn)
	if !ok || targetPrice.IsZero() {
		a.metrics.IncDetectorSkip(NameArbitrage, skipNoPool)
		return nil, nil
	}

	gasCost := gasCostETH(a.gas, tx, a.config.GasUnits)

	var candidates []arbCandidate
	for _, pool := range a.cache.FreshPoolsForPair(tx.ChainID, leg.tokenIn, leg.tokenOut, now) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if pool.Pool == target.Pool || pool.Venue == target.Venue {
			continue
		}
		price, ok := pool.PriceOf(tokenIn)
		if !ok || price.IsZero() {
			continue
		}

		low := decimal.Min(price, targetPrice)
		delta := price.Sub(targetPrice).Abs().Div(low)
		fees := decimal.NewFromInt(pool.FeeBps + target.FeeBps).Div(bpsDenominator)
		gross := notional.Mul(delta.Sub(fees))

		grossETH, ok := toETH(tx.ChainID, tokenIn, gross, target)
		if !ok {
			a.metrics.IncDetectorSkip(NameArbitrage, skipUnpriced)
			return nil, nil
		}

		profit := grossETH.Sub(gasCost)
		if profit.IsPositive() && profit.GreaterThanOrEqual(a.config.MinProfit) {
			candidates = append(candidates, arbCandidate{pool: pool, profit: profit, delta: delta})
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	// 利润最高的池作为报告对象，其余记为证据
	sort.SliceStable(candidates, func(i, j int) bool {
		if c := candidates[i].profit.Cmp(candidates[j].profit); c != 0 {
			return c > 0
		}
		return bytes.Compare(candidates[i].pool.Pool.Bytes(), candidates[j].pool.Pool.Bytes()) < 0
	})
	best := candidates[0]

	op := models.NewOpportunity(models.OpportunityArbitrage, tx.ChainID, tx.Hash.Hex(), NameArbitrage, best.profit, severityFor(best.profit))
	op.ObservedAt = tx.FirstSeen
	op.EvidenceTxs = []string{tx.Hash.Hex()}
	op.EvidencePools = []string{target.Pool.Hex(), best.pool.Pool.Hex()}
	for _, c := range candidates[1:] {
		op.EvidencePools = append(op.EvidencePools, c.pool.Pool.Hex())
	}

	buy, sell := target, best.pool
	if price, _ := best.pool.PriceOf(tokenIn); price.LessThan(targetPrice) {
		buy, sell = best.pool, target
	}
	op.Details["buy_pool"] = buy.Pool.Hex()
	op.Details["buy_venue"] = buy.Venue
	op.Details["sell_pool"] = sell.Pool.Hex()
	op.Details["sell_venue"] = sell.Venue
	op.Details["price_delta_pct"] = best.delta.Mul(decimal.NewFromInt(100)).StringFixed(4)
	op.Details["notional"] = notional.String()
	op.Details["token_in"] = tokenIn.Hex()
	op.Details["gas_cost_eth"] = gasCost.String()
	op.Details["qualifying_pools"] = len(candidates)

	a.logger.WithFields(logrus.Fields{
		"tx_hash":   tx.Hash.Hex(),
		"profit":    best.profit.String(),
		"buy_pool":  buy.Pool.Hex(),
		"sell_pool": sell.Pool.Hex(),
	}).Debug("发现套利机会")

	return []*models.Opportunity{op}, nil
}
