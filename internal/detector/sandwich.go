package detector

import (
	"context"

	"mevwatch/internal/decoder"
	"mevwatch/internal/market"
	"mevwatch/internal/metrics"
	"mevwatch/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SandwichConfig 三明治检测配置
type SandwichConfig struct {
	MinNotional decimal.Decimal // ETH
	MinProfit   decimal.Decimal // ETH
	GasUnits    uint64          // 前后两笔交易合计
	// FrontrunFraction 抢跑规模占输入储备的比例，为0时与受害者输入相同
	FrontrunFraction decimal.Decimal
}

// Sandwich 大额兑换的夹子风险检测
//
// 用目标池储备按恒定乘积模拟 抢跑→受害者→回跑 三笔交易，
// 只作为风险信号记录，不产生任何执行指令。
type Sandwich struct {
	config  SandwichConfig
	cache   *market.Cache
	gas     GasOracle
	metrics *metrics.Metrics
	logger  *logrus.Entry
}

// NewSandwich 创建三明治检测器
func NewSandwich(config SandwichConfig, cache *market.Cache, gas GasOracle, logger *logrus.Logger, m *metrics.Metrics) *Sandwich {
	return &Sandwich{
		config:  config,
		cache:   cache,
		gas:     gas,
		metrics: m,
		logger:  logger.WithField("component", "detector.sandwich"),
	}
}

func (s *Sandwich) Name() string {
	return NameSandwich
}

// SandwichSimulation 模拟结果，数量均为代币单位
type SandwichSimulation struct {
	FrontrunIn     decimal.Decimal
	FrontrunOut    decimal.Decimal
	VictimOut      decimal.Decimal
	VictimOutAlone decimal.Decimal // 无抢跑时受害者的输出
	BackrunOut     decimal.Decimal
	Profit         decimal.Decimal // 以输入代币计
	VictimSlippage decimal.Decimal // 被夹导致的损失，基点
	PriceImpactBps decimal.Decimal // 受害者交易自身的价格冲击，基点
}

// Simulate 在给定储备上模拟夹子
func Simulate(reserveIn, reserveOut, victimIn, frontrunIn, gamma decimal.Decimal) SandwichSimulation {
	sim := SandwichSimulation{FrontrunIn: frontrunIn}

	sim.VictimOutAlone = amountOut(victimIn, reserveIn, reserveOut, gamma)

	// 抢跑
	sim.FrontrunOut = amountOut(frontrunIn, reserveIn, reserveOut, gamma)
	rin := reserveIn.Add(frontrunIn)
	rout := reserveOut.Sub(sim.FrontrunOut)

	// 受害者
	sim.VictimOut = amountOut(victimIn, rin, rout, gamma)
	rin = rin.Add(victimIn)
	rout = rout.Sub(sim.VictimOut)

	// 回跑，卖出抢跑得到的代币
	sim.BackrunOut = amountOut(sim.FrontrunOut, rout, rin, gamma)
	sim.Profit = sim.BackrunOut.Sub(frontrunIn)

	if sim.VictimOutAlone.IsPositive() {
		sim.VictimSlippage = sim.VictimOutAlone.Sub(sim.VictimOut).Div(sim.VictimOutAlone).Mul(bpsDenominator)
	}
	if reserveIn.IsPositive() && reserveOut.IsPositive() && victimIn.IsPositive() {
		spot := reserveOut.Div(reserveIn)
		execution := sim.VictimOutAlone.Div(victimIn)
		sim.PriceImpactBps = spot.Sub(execution).Div(spot).Mul(bpsDenominator)
	}
	return sim
}

// Detect 检测夹子风险
func (s *Sandwich) Detect(ctx context.Context, tx *models.Transaction) ([]*models.Opportunity, error) {
	if tx.Kind != models.KindSwap || tx.Swap == nil {
		return nil, nil
	}

	now := s.cache.Now()
	leg, reason := resolveSwap(s.cache, tx, now)
	if leg == nil {
		if reason != "" {
			s.metrics.IncDetectorSkip(NameSandwich, reason)
		}
		return nil, nil
	}
	pool, victimIn := leg.pool, leg.amountIn
	tokenIn, tokenOut := leg.tokenIn, leg.tokenOut

	notional, ok := toETH(tx.ChainID, tokenIn, victimIn, pool)
	if !ok {
		s.metrics.IncDetectorSkip(NameSandwich, skipUnpriced)
		return nil, nil
	}
	if notional.LessThan(s.config.MinNotional) {
		return nil, nil
	}

	reserveIn, reserveOut, ok := pool.Reserves(tokenIn)
	if !ok || !reserveIn.IsPositive() || !reserveOut.IsPositive() {
		s.metrics.IncDetectorSkip(NameSandwich, skipNoPool)
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	frontrun := victimIn
	if s.config.FrontrunFraction.IsPositive() {
		frontrun = reserveIn.Mul(s.config.FrontrunFraction)
	}

	sim := Simulate(reserveIn, reserveOut, victimIn, frontrun, feeMultiplier(pool))

	// 受害者设置的最小输出会让过大的抢跑失败
	if leg.minOut != nil && leg.minOut.Sign() > 0 {
		minOut := decoder.ToUnits(tx.ChainID, tokenOut, leg.minOut)
		if sim.VictimOut.LessThan(minOut) {
			s.metrics.IncDetectorSkip(NameSandwich, skipGuard)
			return nil, nil
		}
	}

	profitETH, ok := toETH(tx.ChainID, tokenIn, sim.Profit, pool)
	if !ok {
		s.metrics.IncDetectorSkip(NameSandwich, skipUnpriced)
		return nil, nil
	}
	gasCost := gasCostETH(s.gas, tx, s.config.GasUnits)
	profit := profitETH.Sub(gasCost)
	if !profit.IsPositive() || profit.LessThan(s.config.MinProfit) {
		return nil, nil
	}

	op := models.NewOpportunity(models.OpportunitySandwich, tx.ChainID, tx.Hash.Hex(), NameSandwich, profit, severityFor(profit))
	op.ObservedAt = tx.FirstSeen
	op.EvidenceTxs = []string{tx.Hash.Hex()}
	op.EvidencePools = []string{pool.Pool.Hex()}
	op.Details["victim"] = tx.From.Hex()
	op.Details["venue"] = pool.Venue
	op.Details["notional_eth"] = notional.String()
	op.Details["frontrun_in"] = sim.FrontrunIn.String()
	op.Details["victim_slippage_bps"] = sim.VictimSlippage.StringFixed(2)
	op.Details["price_impact_bps"] = sim.PriceImpactBps.StringFixed(2)
	op.Details["gas_cost_eth"] = gasCost.String()

	s.logger.WithFields(logrus.Fields{
		"tx_hash":      tx.Hash.Hex(),
		"profit":       profit.String(),
		"slippage_bps": sim.VictimSlippage.StringFixed(2),
	}).Debug("发现夹子风险")

	return []*models.Opportunity{op}, nil
}
