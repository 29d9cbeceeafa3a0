package detector

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"

	"mevwatch/internal/decoder"
	"mevwatch/internal/market"
	"mevwatch/internal/metrics"
	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const armedShards = 32

// LiquidationConfig 清算检测配置
type LiquidationConfig struct {
	HealthThreshold  decimal.Decimal // 低于该健康因子触发，默认1
	HysteresisMargin decimal.Decimal // 恢复到阈值+margin以上才解除
	CloseFactor      decimal.Decimal // 单次可清算的债务比例
}

// Emitter 接收检测器主动产出的机会
type Emitter func(op *models.Opportunity)

type armedState struct {
	armed      bool
	generation uint64
}

type armedShard struct {
	mu     sync.Mutex
	states map[string]*armedState
}

// Liquidation 借贷仓位清算检测
//
// 价格更新时重算相关仓位的健康因子。仓位跌破阈值时告警一次并进入armed状态，
// 直到健康因子回到 阈值+margin 以上才解除，边界附近的价格抖动不会重复告警。
type Liquidation struct {
	config  LiquidationConfig
	cache   *market.Cache
	metrics *metrics.Metrics
	logger  *logrus.Entry

	emitMu sync.RWMutex
	emit   Emitter

	shards [armedShards]*armedShard
}

// NewLiquidation 创建清算检测器
func NewLiquidation(config LiquidationConfig, cache *market.Cache, logger *logrus.Logger, m *metrics.Metrics) *Liquidation {
	if !config.HealthThreshold.IsPositive() {
		config.HealthThreshold = one
	}
	if config.HysteresisMargin.IsNegative() {
		config.HysteresisMargin = decimal.Zero
	}
	if !config.CloseFactor.IsPositive() {
		config.CloseFactor = decimal.RequireFromString("0.5")
	}

	l := &Liquidation{
		config:  config,
		cache:   cache,
		metrics: m,
		logger:  logger.WithField("component", "detector.liquidation"),
	}
	for i := range l.shards {
		l.shards[i] = &armedShard{states: make(map[string]*armedState)}
	}
	return l
}

func (l *Liquidation) Name() string {
	return NameLiquidation
}

// SetEmitter 设置机会输出回调
func (l *Liquidation) SetEmitter(emit Emitter) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.emit = emit
}

// Attach 订阅缓存的池更新
func (l *Liquidation) Attach() {
	l.cache.OnPoolUpdate(l.OnPoolUpdate)
}

// OnPoolUpdate 池价格更新时重算包含该交易对的仓位
func (l *Liquidation) OnPoolUpdate(state *models.PoolState) {
	now := l.cache.Now()
	seen := make(map[string]bool)

	for _, token := range []common.Address{state.Token0, state.Token1} {
		for _, position := range l.cache.FreshPositionsForToken(state.ChainID, token, now) {
			key := position.Key()
			if seen[key] || !state.Contains(position.CollateralToken) || !state.Contains(position.DebtToken) {
				continue
			}
			seen[key] = true

			price, ok := state.PriceOf(position.CollateralToken)
			if !ok {
				l.metrics.IncDetectorSkip(NameLiquidation, skipUnpriced)
				continue
			}
			if op := l.Evaluate(position, price, state); op != nil {
				l.publish(op)
			}
		}
	}
}

// Evaluate 按抵押品价格更新仓位状态，跌破阈值且未armed时返回机会
func (l *Liquidation) Evaluate(position *models.LendingPosition, collateralPrice decimal.Decimal, source *models.PoolState) *models.Opportunity {
	health := position.ComputeHealthFactor(collateralPrice)
	key := position.Key()

	shard := l.shardFor(key)
	shard.mu.Lock()
	state, ok := shard.states[key]
	if !ok {
		state = &armedState{}
		shard.states[key] = state
	}

	release := l.config.HealthThreshold.Add(l.config.HysteresisMargin)
	switch {
	case !state.armed && health.LessThan(l.config.HealthThreshold):
		state.armed = true
		state.generation++
	case state.armed && health.GreaterThanOrEqual(release):
		state.armed = false
		shard.mu.Unlock()
		l.logger.WithFields(logrus.Fields{
			"position":      key,
			"health_factor": health.StringFixed(4),
		}).Debug("仓位恢复，解除清算告警")
		return nil
	default:
		shard.mu.Unlock()
		return nil
	}
	generation := state.generation
	shard.mu.Unlock()

	return l.opportunity(position, health, collateralPrice, source, generation)
}

// Armed 仓位是否处于已告警状态
func (l *Liquidation) Armed(key string) bool {
	shard := l.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	state, ok := shard.states[key]
	return ok && state.armed
}

func (l *Liquidation) opportunity(position *models.LendingPosition, health, collateralPrice decimal.Decimal, source *models.PoolState, generation uint64) *models.Opportunity {
	// 预估清算奖励 = 债务 × close factor × bonus，以债务代币计
	bonus := position.DebtAmount.Mul(l.config.CloseFactor).Mul(position.LiquidationBonus)

	magnitude := bonus
	unit := "eth"
	switch {
	case decoder.IsWrappedNative(position.ChainID, position.DebtToken):
	case decoder.IsWrappedNative(position.ChainID, position.CollateralToken) && collateralPrice.IsPositive():
		magnitude = bonus.Div(collateralPrice)
	default:
		unit = "debt_token"
	}

	key := position.Key()
	op := models.NewOpportunity(models.OpportunityLiquidation, position.ChainID, key, NameLiquidation, magnitude, severityFor(magnitude))
	// 每次重新armed都是新的机会
	op.ID = models.NewOpportunityID(fmt.Sprintf("%s#%d", key, generation), NameLiquidation)
	op.ObservedAt = source.UpdatedAt
	op.EvidencePools = []string{source.Pool.Hex()}
	op.Details["protocol"] = position.Protocol
	op.Details["borrower"] = position.Borrower.Hex()
	op.Details["health_factor"] = health.StringFixed(6)
	op.Details["threshold"] = l.config.HealthThreshold.String()
	op.Details["collateral_price"] = collateralPrice.String()
	op.Details["liquidation_bonus"] = bonus.String()
	op.Details["magnitude_unit"] = unit
	op.Details["price_sequence"] = source.Sequence

	l.logger.WithFields(logrus.Fields{
		"position":      key,
		"health_factor": health.StringFixed(4),
		"bonus":         bonus.String(),
	}).Info("仓位跌破清算阈值")
	return op
}

func (l *Liquidation) publish(op *models.Opportunity) {
	l.emitMu.RLock()
	emit := l.emit
	l.emitMu.RUnlock()
	if emit == nil {
		return
	}
	emit(op)
}

func (l *Liquidation) shardFor(key string) *armedShard {
	return l.shards[crc32.ChecksumIEEE([]byte(key))%armedShards]
}

// Detect 清算调用交易只做记录，不产出机会
func (l *Liquidation) Detect(ctx context.Context, tx *models.Transaction) ([]*models.Opportunity, error) {
	if tx.Kind != models.KindLiquidationCall {
		return nil, nil
	}
	call, ok := decoder.DecodeLiquidationCall(tx.Input)
	if !ok {
		return nil, nil
	}

	for _, position := range l.cache.PositionsForToken(tx.ChainID, call.CollateralAsset) {
		if position.Borrower != call.User || position.DebtToken != call.DebtAsset {
			continue
		}
		l.logger.WithFields(logrus.Fields{
			"tx_hash":  tx.Hash.Hex(),
			"position": position.Key(),
			"armed":    l.Armed(position.Key()),
		}).Info("观察到针对已知仓位的清算交易")
	}
	return nil, nil
}
