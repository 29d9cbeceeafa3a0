package detector

import (
	"context"
	"math/big"
	"testing"
	"time"

	"mevwatch/internal/logging"
	"mevwatch/internal/market"
	"mevwatch/internal/metrics"
	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth      = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc      = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	uniRouter = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	poolX     = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	poolY     = common.HexToAddress("0x397FF1542f962076d0BFE58eA045FfA2d347ACa0")
	poolZ     = common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	baseNow   = time.Unix(1_700_000_000, 0)
)

type stubOracle struct{ price *big.Int }

func (s stubOracle) Standard(uint64) *big.Int { return s.price }

func newTestCache(t *testing.T) (*market.Cache, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics("")
	cache := market.NewCache(market.Config{PoolMaxAge: 12 * time.Second, PositionMaxAge: 12 * time.Second}, logging.Discard(), m)
	cache.SetClock(func() time.Time { return baseNow })
	return cache, m
}

// putPool 写入USDC/WETH池，wethPrice为每个WETH的USDC价格
func putPool(t *testing.T, cache *market.Cache, addr common.Address, venue string, wethPrice int64, seq uint64, updatedAt time.Time) {
	t.Helper()
	_, err := cache.UpdatePool(&models.PoolState{
		ChainID:   1,
		Pool:      addr,
		Venue:     venue,
		Token0:    usdc,
		Token1:    weth,
		Reserve0:  decimal.NewFromInt(wethPrice * 1000),
		Reserve1:  decimal.NewFromInt(1000),
		FeeBps:    30,
		Sequence:  seq,
		UpdatedAt: updatedAt,
	})
	require.NoError(t, err)
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e9))
}

func swapTx(amountIn *big.Int) *models.Transaction {
	return &models.Transaction{
		ChainID:   1,
		Hash:      common.HexToHash("0x5e1f"),
		From:      common.HexToAddress("0x000000000000000000000000000000000000beef"),
		To:        &uniRouter,
		Value:     new(big.Int),
		Kind:      models.KindSwap,
		GasLimit:  250000,
		GasPrice:  gwei(30),
		FirstSeen: baseNow,
		Swap: &models.SwapIntent{
			Router:   uniRouter,
			Path:     []common.Address{weth, usdc},
			AmountIn: amountIn,
		},
	}
}

// pairSwapTx 直接调用交易对的swap，只有输出数量
func pairSwapTx(pool common.Address, amount0Out, amount1Out *big.Int) *models.Transaction {
	tx := swapTx(nil)
	tx.To = &pool
	tx.Swap = &models.SwapIntent{Router: pool, Pool: pool, Amount0Out: amount0Out, Amount1Out: amount1Out}
	return tx
}

func usdcUnits(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func TestArbitrage_ScenarioA(t *testing.T) {
	cache, _ := newTestCache(t)
	putPool(t, cache, poolX, "uniswap_v2", 2000, 1, baseNow)
	putPool(t, cache, poolY, "sushiswap", 2040, 1, baseNow) // 比X高2%

	d := NewArbitrage(ArbitrageConfig{MinProfit: decimal.RequireFromString("0.01"), GasUnits: 180000}, cache, nil, logging.Discard(), metrics.NewMetrics(""))
	assert.Equal(t, NameArbitrage, d.Name())

	ops, err := d.Detect(context.Background(), swapTx(ether(10)))
	require.NoError(t, err)
	require.Len(t, ops, 1)

	op := ops[0]
	assert.Equal(t, models.OpportunityArbitrage, op.Kind)
	assert.Equal(t, []string{poolX.Hex(), poolY.Hex()}, op.EvidencePools)
	assert.True(t, op.Magnitude.IsPositive())
	// 10 × (2% - 0.6%) - 180000 × 30 gwei
	assert.Equal(t, "0.1346", op.Magnitude.StringFixed(4))
	assert.Equal(t, models.SeverityMedium, op.Severity)
	assert.Equal(t, poolX.Hex(), op.Details["buy_pool"])
	assert.Equal(t, poolY.Hex(), op.Details["sell_pool"])
	assert.Equal(t, models.NewOpportunityID(swapTx(nil).Hash.Hex(), NameArbitrage), op.ID)
}

func TestArbitrage_HighestProfitReported(t *testing.T) {
	cache, _ := newTestCache(t)
	putPool(t, cache, poolX, "uniswap_v2", 2000, 1, baseNow)
	putPool(t, cache, poolZ, "curve", 2020, 1, baseNow)
	putPool(t, cache, poolY, "sushiswap", 2040, 1, baseNow)

	d := NewArbitrage(ArbitrageConfig{MinProfit: decimal.RequireFromString("0.01"), GasUnits: 180000}, cache, nil, logging.Discard(), metrics.NewMetrics(""))
	ops, err := d.Detect(context.Background(), swapTx(ether(10)))
	require.NoError(t, err)
	require.Len(t, ops, 1)

	assert.Equal(t, []string{poolX.Hex(), poolY.Hex(), poolZ.Hex()}, ops[0].EvidencePools)
	assert.Equal(t, poolY.Hex(), ops[0].Details["sell_pool"])
	assert.Equal(t, 2, ops[0].Details["qualifying_pools"])
}

func TestArbitrage_StaleComparisonIgnored(t *testing.T) {
	cache, m := newTestCache(t)
	putPool(t, cache, poolX, "uniswap_v2", 2000, 1, baseNow)
	putPool(t, cache, poolY, "sushiswap", 2040, 1, baseNow.Add(-time.Minute))

	d := NewArbitrage(ArbitrageConfig{MinProfit: decimal.RequireFromString("0.01"), GasUnits: 180000}, cache, nil, logging.Discard(), m)
	ops, err := d.Detect(context.Background(), swapTx(ether(10)))
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestArbitrage_GasCostAboveProfit(t *testing.T) {
	cache, _ := newTestCache(t)
	putPool(t, cache, poolX, "uniswap_v2", 2000, 1, baseNow)
	putPool(t, cache, poolY, "sushiswap", 2040, 1, baseNow)

	// 追踪器价格优先于交易出价：180000 × 1000 gwei = 0.18 ETH
	d := NewArbitrage(ArbitrageConfig{MinProfit: decimal.RequireFromString("0.01"), GasUnits: 180000}, cache, stubOracle{gwei(1000)}, logging.Discard(), metrics.NewMetrics(""))
	ops, err := d.Detect(context.Background(), swapTx(ether(10)))
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestArbitrage_Skips(t *testing.T) {
	cache, _ := newTestCache(t)
	m := metrics.NewMetrics("")
	d := NewArbitrage(ArbitrageConfig{GasUnits: 180000}, cache, nil, logging.Discard(), m)

	transfer := swapTx(ether(1))
	transfer.Kind = models.KindTransfer
	ops, err := d.Detect(context.Background(), transfer)
	require.NoError(t, err)
	assert.Empty(t, ops)

	// 目标池不在缓存中
	ops, err = d.Detect(context.Background(), swapTx(ether(1)))
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Equal(t, float64(1), m.Value("mevwatch_detector_skips_total", "detector", NameArbitrage, "reason", skipNoPool))

	putPool(t, cache, poolX, "uniswap_v2", 2000, 1, baseNow)
	ops, err = d.Detect(context.Background(), swapTx(nil))
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Equal(t, float64(1), m.Value("mevwatch_detector_skips_total", "detector", NameArbitrage, "reason", skipNoAmount))
}

func TestArbitrage_DirectPairSwap(t *testing.T) {
	cache, _ := newTestCache(t)
	putPool(t, cache, poolX, "uniswap_v2", 2000, 1, baseNow)
	putPool(t, cache, poolY, "sushiswap", 2040, 1, baseNow)

	d := NewArbitrage(ArbitrageConfig{MinProfit: decimal.RequireFromString("0.01"), GasUnits: 180000}, cache, nil, logging.Discard(), metrics.NewMetrics(""))
	// 从X取出19800 USDC，输入方向为WETH，约需10.03 WETH
	ops, err := d.Detect(context.Background(), pairSwapTx(poolX, usdcUnits(19_800), big.NewInt(0)))
	require.NoError(t, err)
	require.Len(t, ops, 1)

	op := ops[0]
	assert.Equal(t, []string{poolX.Hex(), poolY.Hex()}, op.EvidencePools)
	assert.Equal(t, weth.Hex(), op.Details["token_in"])
	notional, err := decimal.NewFromString(op.Details["notional"].(string))
	require.NoError(t, err)
	assert.True(t, notional.GreaterThan(decimal.NewFromInt(10)))
	assert.True(t, notional.LessThan(decimal.RequireFromString("10.1")))
}

func TestResolveSwap_DirectPair(t *testing.T) {
	cache, _ := newTestCache(t)
	putPool(t, cache, poolX, "uniswap_v2", 2000, 1, baseNow)

	tests := []struct {
		name     string
		tx       *models.Transaction
		tokenIn  common.Address
		tokenOut common.Address
		reason   string
	}{
		{"token0 out", pairSwapTx(poolX, usdcUnits(2000), nil), weth, usdc, ""},
		{"token1 out", pairSwapTx(poolX, big.NewInt(0), ether(1)), usdc, weth, ""},
		{"both out", pairSwapTx(poolX, usdcUnits(1), ether(1)), common.Address{}, common.Address{}, skipNoAmount},
		{"none out", pairSwapTx(poolX, nil, nil), common.Address{}, common.Address{}, skipNoAmount},
		{"drains reserve", pairSwapTx(poolX, usdcUnits(2_000_000), nil), common.Address{}, common.Address{}, skipNoAmount},
		{"unknown pool", pairSwapTx(poolY, usdcUnits(2000), nil), common.Address{}, common.Address{}, skipNoPool},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leg, reason := resolveSwap(cache, tt.tx, baseNow)
			assert.Equal(t, tt.reason, reason)
			if tt.reason != "" {
				assert.Nil(t, leg)
				return
			}
			require.NotNil(t, leg)
			assert.Equal(t, poolX, leg.pool.Pool)
			assert.Equal(t, tt.tokenIn, leg.tokenIn)
			assert.Equal(t, tt.tokenOut, leg.tokenOut)
			assert.True(t, leg.amountIn.IsPositive())
		})
	}
}

func TestSandwich_LargeSwap(t *testing.T) {
	cache, _ := newTestCache(t)
	putPool(t, cache, poolX, "uniswap_v2", 2000, 1, baseNow)

	d := NewSandwich(SandwichConfig{
		MinNotional: decimal.NewFromInt(10),
		MinProfit:   decimal.RequireFromString("0.01"),
		GasUnits:    300000,
	}, cache, nil, logging.Discard(), metrics.NewMetrics(""))
	assert.Equal(t, NameSandwich, d.Name())

	ops, err := d.Detect(context.Background(), swapTx(ether(50)))
	require.NoError(t, err)
	require.Len(t, ops, 1)

	op := ops[0]
	assert.Equal(t, models.OpportunitySandwich, op.Kind)
	assert.Equal(t, []string{poolX.Hex()}, op.EvidencePools)
	assert.True(t, op.Magnitude.GreaterThan(decimal.NewFromInt(4)))
	assert.True(t, op.Magnitude.LessThan(decimal.NewFromInt(5)))
	assert.Equal(t, models.SeverityHigh, op.Severity)

	slippage, err := decimal.NewFromString(op.Details["victim_slippage_bps"].(string))
	require.NoError(t, err)
	assert.True(t, slippage.GreaterThan(decimal.NewFromInt(800)))
}

func TestSandwich_BelowNotional(t *testing.T) {
	cache, _ := newTestCache(t)
	putPool(t, cache, poolX, "uniswap_v2", 2000, 1, baseNow)

	d := NewSandwich(SandwichConfig{MinNotional: decimal.NewFromInt(10), GasUnits: 300000}, cache, nil, logging.Discard(), metrics.NewMetrics(""))
	ops, err := d.Detect(context.Background(), swapTx(ether(1)))
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSandwich_SlippageGuard(t *testing.T) {
	cache, m := newTestCache(t)
	putPool(t, cache, poolX, "uniswap_v2", 2000, 1, baseNow)

	d := NewSandwich(SandwichConfig{MinNotional: decimal.NewFromInt(10), GasUnits: 300000}, cache, nil, logging.Discard(), m)
	tx := swapTx(ether(50))
	// 最少要拿到90000 USDC，被夹后只有约86000
	tx.Swap.AmountOutMin = new(big.Int).Mul(big.NewInt(90_000), big.NewInt(1_000_000))

	ops, err := d.Detect(context.Background(), tx)
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Equal(t, float64(1), m.Value("mevwatch_detector_skips_total", "detector", NameSandwich, "reason", skipGuard))
}

func TestSandwich_DirectPairExactOutputGuarded(t *testing.T) {
	cache, m := newTestCache(t)
	putPool(t, cache, poolX, "uniswap_v2", 2000, 1, baseNow)

	d := NewSandwich(SandwichConfig{MinNotional: decimal.NewFromInt(10), GasUnits: 300000}, cache, nil, logging.Discard(), m)
	// 预付输入的交易对调用要求精确输出，被抢跑后会回滚
	ops, err := d.Detect(context.Background(), pairSwapTx(poolX, usdcUnits(95_000), big.NewInt(0)))
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Equal(t, float64(1), m.Value("mevwatch_detector_skips_total", "detector", NameSandwich, "reason", skipGuard))
}

func TestSimulate_NoFeeSymmetry(t *testing.T) {
	// 无手续费且无受害者时，抢跑再回跑正好回到原点
	sim := Simulate(decimal.NewFromInt(1000), decimal.NewFromInt(2_000_000), decimal.Zero, decimal.NewFromInt(10), one)
	assert.True(t, sim.Profit.Abs().LessThan(decimal.RequireFromString("0.000001")), sim.Profit.String())

	sim = Simulate(decimal.NewFromInt(1000), decimal.NewFromInt(2_000_000), decimal.NewFromInt(10), decimal.NewFromInt(10), one)
	assert.True(t, sim.Profit.IsPositive())
	assert.True(t, sim.VictimOut.LessThan(sim.VictimOutAlone))
	assert.True(t, sim.PriceImpactBps.IsPositive())
}

func position(seq uint64) *models.LendingPosition {
	return &models.LendingPosition{
		ChainID:              1,
		Protocol:             "aave_v3",
		Borrower:             common.HexToAddress("0x00000000000000000000000000000000000a11ce"),
		CollateralToken:      weth,
		DebtToken:            usdc,
		CollateralAmount:     decimal.NewFromInt(10),
		DebtAmount:           decimal.NewFromInt(15000),
		LiquidationThreshold: decimal.RequireFromString("0.825"),
		LiquidationBonus:     decimal.RequireFromString("0.05"),
		Sequence:             seq,
	}
}

func newLiquidation(t *testing.T) (*Liquidation, *market.Cache, *[]*models.Opportunity) {
	t.Helper()
	cache, m := newTestCache(t)
	l := NewLiquidation(LiquidationConfig{
		HealthThreshold:  one,
		HysteresisMargin: decimal.RequireFromString("0.05"),
		CloseFactor:      decimal.RequireFromString("0.5"),
	}, cache, logging.Discard(), m)

	var emitted []*models.Opportunity
	l.SetEmitter(func(op *models.Opportunity) { emitted = append(emitted, op) })
	l.Attach()

	_, err := cache.UpdatePosition(position(1))
	require.NoError(t, err)
	return l, cache, &emitted
}

func TestLiquidation_ArmsOnceAndDisarms(t *testing.T) {
	l, cache, emitted := newLiquidation(t)
	key := position(1).Key()

	// HF = 10 × price × 0.825 / 15000
	prices := []int64{2000, 1800, 1810, 1830, 1800}
	seq := uint64(0)
	for _, p := range prices {
		seq++
		putPool(t, cache, poolX, "uniswap_v2", p, seq, baseNow)
	}
	require.Len(t, *emitted, 1)
	assert.True(t, l.Armed(key))

	first := (*emitted)[0]
	assert.Equal(t, models.OpportunityLiquidation, first.Kind)
	assert.Equal(t, key, first.Source)
	assert.Equal(t, "eth", first.Details["magnitude_unit"])
	// 15000 × 0.5 × 0.05 / 1800
	assert.Equal(t, "0.2083", first.Magnitude.StringFixed(4))
	assert.Equal(t, []string{poolX.Hex()}, first.EvidencePools)

	// 1920 → HF 1.056，超过1.05解除
	seq++
	putPool(t, cache, poolX, "uniswap_v2", 1920, seq, baseNow)
	assert.False(t, l.Armed(key))

	seq++
	putPool(t, cache, poolX, "uniswap_v2", 1800, seq, baseNow)
	require.Len(t, *emitted, 2)
	assert.NotEqual(t, first.ID, (*emitted)[1].ID)
}

func TestLiquidation_OscillationWithinBand(t *testing.T) {
	l, cache, emitted := newLiquidation(t)

	// 在0.99和1.04之间来回震荡
	seq := uint64(0)
	for i := 0; i < 20; i++ {
		seq++
		price := int64(1800)
		if i%2 == 1 {
			price = 1890
		}
		putPool(t, cache, poolX, "uniswap_v2", price, seq, baseNow)
	}
	assert.Len(t, *emitted, 1)
	assert.True(t, l.Armed(position(1).Key()))
}

func TestLiquidation_StalePositionIgnored(t *testing.T) {
	cache, m := newTestCache(t)
	l := NewLiquidation(LiquidationConfig{}, cache, logging.Discard(), m)
	var emitted []*models.Opportunity
	l.SetEmitter(func(op *models.Opportunity) { emitted = append(emitted, op) })
	l.Attach()

	stale := position(1)
	stale.UpdatedAt = baseNow.Add(-time.Hour)
	_, err := cache.UpdatePosition(stale)
	require.NoError(t, err)

	putPool(t, cache, poolX, "uniswap_v2", 1000, 1, baseNow)
	assert.Empty(t, emitted)
}

func TestLiquidation_DetectIsPassive(t *testing.T) {
	l, _, emitted := newLiquidation(t)
	ops, err := l.Detect(context.Background(), &models.Transaction{ChainID: 1, Kind: models.KindLiquidationCall, Input: []byte{0x00, 0xa7, 0x18, 0xa9}})
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Empty(t, *emitted)

	ops, err = l.Detect(context.Background(), swapTx(ether(1)))
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		profit string
		want   models.Severity
	}{
		{"0.01", models.SeverityLow},
		{"0.1", models.SeverityMedium},
		{"2", models.SeverityHigh},
		{"10", models.SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, severityFor(decimal.RequireFromString(tt.profit)), tt.profit)
	}
}
