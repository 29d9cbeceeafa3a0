package detector

import (
	"context"
	"math/big"
	"time"

	"mevwatch/internal/decoder"
	"mevwatch/internal/market"
	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	NameArbitrage   = "arbitrage"
	NameSandwich    = "sandwich"
	NameLiquidation = "liquidation"

	// 跳过原因
	skipNoPool    = "no_pool"
	skipNoAmount  = "no_amount"
	skipUnpriced  = "unpriced"
	skipBelowSize = "below_notional"
	skipGuard     = "slippage_guard"
)

var (
	bpsDenominator = decimal.NewFromInt(10_000)
	one            = decimal.NewFromInt(1)
)

// Detector 检测器接口
type Detector interface {
	// Name 检测器名称，同时作为机会ID的一部分
	Name() string

	// Detect 分析一笔交易，返回发现的机会
	Detect(ctx context.Context, tx *models.Transaction) ([]*models.Opportunity, error)
}

// GasOracle 当前gas价格来源
type GasOracle interface {
	Standard(chainID uint64) *big.Int
}

// gasCostETH 执行成本（ETH）。优先使用追踪器的中位价，没有样本时取交易自身出价
func gasCostETH(oracle GasOracle, tx *models.Transaction, units uint64) decimal.Decimal {
	var price *big.Int
	if oracle != nil {
		price = oracle.Standard(tx.ChainID)
	}
	if price == nil {
		price = tx.EffectiveGasPrice()
	}
	if price == nil || units == 0 {
		return decimal.Zero
	}
	cost := new(big.Int).Mul(price, new(big.Int).SetUint64(units))
	return decimal.NewFromBigInt(cost, -18)
}

// severityFor 按预估利润（ETH）分级
func severityFor(profit decimal.Decimal) models.Severity {
	switch {
	case profit.GreaterThanOrEqual(decimal.NewFromInt(10)):
		return models.SeverityCritical
	case profit.GreaterThanOrEqual(one):
		return models.SeverityHigh
	case profit.GreaterThanOrEqual(decimal.RequireFromString("0.1")):
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// feeMultiplier 扣除手续费后的输入比例
func feeMultiplier(pool *models.PoolState) decimal.Decimal {
	return one.Sub(decimal.NewFromInt(pool.FeeBps).Div(bpsDenominator))
}

// amountOut 恒定乘积池的输出数量
func amountOut(amountIn, reserveIn, reserveOut, gamma decimal.Decimal) decimal.Decimal {
	effective := amountIn.Mul(gamma)
	denominator := reserveIn.Add(effective)
	if denominator.IsZero() {
		return decimal.Zero
	}
	return effective.Mul(reserveOut).Div(denominator)
}

// requiredIn 恒定乘积池得到amountOut所需的输入数量
func requiredIn(amountOut, reserveIn, reserveOut, gamma decimal.Decimal) decimal.Decimal {
	return reserveIn.Mul(amountOut).Div(reserveOut.Sub(amountOut).Mul(gamma))
}

// toETH 把token数量换算为ETH。token本身是包装原生代币时直接返回，
// 否则通过包含包装原生代币的池价格换算
func toETH(chainID uint64, token common.Address, amount decimal.Decimal, pool *models.PoolState) (decimal.Decimal, bool) {
	if decoder.IsWrappedNative(chainID, token) {
		return amount, true
	}
	if pool == nil {
		return decimal.Zero, false
	}
	native, ok := decoder.WrappedNative(chainID)
	if !ok || !pool.Contains(native) || !pool.Contains(token) {
		return decimal.Zero, false
	}
	price, ok := pool.PriceOf(token)
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(price), true
}

// swapLeg 兑换第一跳落在缓存池上的形式，数量均为代币单位
type swapLeg struct {
	pool     *models.PoolState
	tokenIn  common.Address
	tokenOut common.Address
	amountIn decimal.Decimal
	minOut   *big.Int // 第一跳输出下限，未知时为nil
}

// resolveSwap 把兑换意图解析到缓存中的新鲜池
//
// 交易直接调用交易对时按池地址查找，由非零输出一侧确定方向，输入数量按恒定乘积反推；
// 经路由时在同交易对的池中找路由所属场所的池。返回nil时reason为应计入的跳过原因，
// reason为空表示不是可分析的兑换。
func resolveSwap(cache *market.Cache, tx *models.Transaction, now time.Time) (*swapLeg, string) {
	swap := tx.Swap
	if swap == nil {
		return nil, ""
	}
	if swap.Pool != (common.Address{}) {
		return resolvePairSwap(cache, tx, now)
	}
	if len(swap.Path) < 2 {
		return nil, ""
	}

	venue, ok := decoder.VenueOf(swap.Router)
	if !ok {
		return nil, skipNoPool
	}
	var target *models.PoolState
	for _, pool := range cache.FreshPoolsForPair(tx.ChainID, swap.Path[0], swap.Path[1], now) {
		if pool.Venue == venue {
			target = pool
			break
		}
	}
	if target == nil {
		return nil, skipNoPool
	}

	amountIn, ok := swapAmountIn(tx)
	if !ok {
		return nil, skipNoAmount
	}
	leg := &swapLeg{pool: target, tokenIn: swap.Path[0], tokenOut: swap.Path[1], amountIn: amountIn}
	// 多跳路径的最小输出针对最终代币，对第一跳没有约束
	if len(swap.Path) == 2 {
		leg.minOut = swap.AmountOutMin
	}
	return leg, ""
}

// resolvePairSwap 解析直接调用交易对的swap(amount0Out, amount1Out, to, data)
func resolvePairSwap(cache *market.Cache, tx *models.Transaction, now time.Time) (*swapLeg, string) {
	swap := tx.Swap
	pool, ok := cache.FreshPool(tx.ChainID, swap.Pool, now)
	if !ok {
		return nil, skipNoPool
	}

	out0 := swap.Amount0Out != nil && swap.Amount0Out.Sign() > 0
	out1 := swap.Amount1Out != nil && swap.Amount1Out.Sign() > 0
	var tokenIn, tokenOut common.Address
	var out *big.Int
	switch {
	case out0 && !out1:
		tokenIn, tokenOut, out = pool.Token1, pool.Token0, swap.Amount0Out
	case out1 && !out0:
		tokenIn, tokenOut, out = pool.Token0, pool.Token1, swap.Amount1Out
	default:
		return nil, skipNoAmount
	}

	reserveIn, reserveOut, _ := pool.Reserves(tokenIn)
	outUnits := decoder.ToUnits(tx.ChainID, tokenOut, out)
	gamma := feeMultiplier(pool)
	if !reserveIn.IsPositive() || !gamma.IsPositive() || outUnits.GreaterThanOrEqual(reserveOut) {
		return nil, skipNoAmount
	}
	amountIn := requiredIn(outUnits, reserveIn, reserveOut, gamma)

	return &swapLeg{pool: pool, tokenIn: tokenIn, tokenOut: tokenOut, amountIn: amountIn, minOut: out}, ""
}

// swapAmountIn 输入数量（代币单位）
func swapAmountIn(tx *models.Transaction) (decimal.Decimal, bool) {
	swap := tx.Swap
	if swap == nil {
		return decimal.Zero, false
	}
	amount := swap.AmountIn
	if amount == nil && swap.ExactETHIn {
		amount = tx.Value
	}
	if amount == nil || amount.Sign() <= 0 {
		return decimal.Zero, false
	}
	return decoder.ToUnits(tx.ChainID, swap.TokenIn(), amount), true
}
