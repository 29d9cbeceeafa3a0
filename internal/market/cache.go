package market

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mevwatch/internal/errors"
	"mevwatch/internal/metrics"
	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

const (
	// 默认最大时效，约一个以太坊slot
	DefaultMaxAge = 12 * time.Second

	kindPool     = "pool"
	kindPosition = "position"
)

// PoolListener 池更新成功后的回调，同一个池的回调按序号顺序串行执行
type PoolListener func(state *models.PoolState)

// Config 缓存配置
type Config struct {
	PoolMaxAge     time.Duration
	PositionMaxAge time.Duration
}

type poolKey struct {
	chainID uint64
	pool    common.Address
}

type tokenKey struct {
	chainID uint64
	token   common.Address
}

// poolSlot 单个池的最新快照，写入由mu串行化，读取无锁
type poolSlot struct {
	mu    sync.Mutex
	state atomic.Pointer[models.PoolState]
}

type positionSlot struct {
	mu    sync.Mutex
	state atomic.Pointer[models.LendingPosition]
}

// Cache 池储备和借贷仓位的最新快照
//
// 条目创建后不再修改，更新时整体替换。读取方拿到的指针不得修改。
type Cache struct {
	config  Config
	logger  *logrus.Entry
	metrics *metrics.Metrics
	clock   func() time.Time

	mu        sync.RWMutex
	pools     map[poolKey]*poolSlot
	positions map[string]*positionSlot
	pairs     map[string]map[poolKey]struct{}
	byToken   map[tokenKey]map[string]struct{}

	listenersMu sync.RWMutex
	listeners   []PoolListener
}

// NewCache 创建缓存
func NewCache(config Config, logger *logrus.Logger, m *metrics.Metrics) *Cache {
	if config.PoolMaxAge <= 0 {
		config.PoolMaxAge = DefaultMaxAge
	}
	if config.PositionMaxAge <= 0 {
		config.PositionMaxAge = DefaultMaxAge
	}

	return &Cache{
		config:    config,
		logger:    logger.WithField("component", "market"),
		metrics:   m,
		clock:     time.Now,
		pools:     make(map[poolKey]*poolSlot),
		positions: make(map[string]*positionSlot),
		pairs:     make(map[string]map[poolKey]struct{}),
		byToken:   make(map[tokenKey]map[string]struct{}),
	}
}

// SetClock 替换时钟，用于测试
func (c *Cache) SetClock(clock func() time.Time) {
	c.clock = clock
}

// Now 缓存使用的当前时间
func (c *Cache) Now() time.Time {
	return c.clock()
}

// PoolMaxAge 池快照最大时效
func (c *Cache) PoolMaxAge() time.Duration {
	return c.config.PoolMaxAge
}

// OnPoolUpdate 注册池更新回调
func (c *Cache) OnPoolUpdate(listener PoolListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// UpdatePool 写入池快照。序号不大于当前序号的更新被丢弃并返回 ErrOutOfOrderUpdate
func (c *Cache) UpdatePool(state *models.PoolState) (bool, error) {
	if err := validatePool(state); err != nil {
		c.metrics.IncMarketRejected(kindPool)
		return false, err
	}

	next := *state
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = c.clock()
	}

	key := poolKey{chainID: next.ChainID, pool: next.Pool}
	slot := c.poolSlot(key, &next)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	current := slot.state.Load()
	if current != nil && next.Sequence <= current.Sequence {
		c.metrics.IncMarketRejected(kindPool)
		c.logger.WithFields(logrus.Fields{
			"chain_id": next.ChainID,
			"pool":     next.Pool.Hex(),
			"sequence": next.Sequence,
			"current":  current.Sequence,
		}).Debug("丢弃过期的池更新")
		return false, errors.ErrOutOfOrderUpdate.New().
			WithChain(next.ChainID).
			WithContext("pool", next.Pool.Hex()).
			WithContext("sequence", next.Sequence).
			WithContext("current_sequence", current.Sequence)
	}

	slot.state.Store(&next)
	c.metrics.IncMarketUpdate(kindPool)

	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()
	for _, listener := range listeners {
		c.notify(listener, &next)
	}
	return true, nil
}

// notify 回调中的panic不影响缓存写入
func (c *Cache) notify(listener PoolListener, state *models.PoolState) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"pool":  state.Pool.Hex(),
				"panic": r,
			}).Error("池更新回调发生panic")
		}
	}()
	listener(state)
}

func (c *Cache) poolSlot(key poolKey, state *models.PoolState) *poolSlot {
	c.mu.RLock()
	slot, ok := c.pools[key]
	c.mu.RUnlock()
	if ok {
		return slot
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if slot, ok = c.pools[key]; ok {
		return slot
	}

	slot = &poolSlot{}
	c.pools[key] = slot
	pair := state.PairKey()
	if c.pairs[pair] == nil {
		c.pairs[pair] = make(map[poolKey]struct{})
	}
	c.pairs[pair][key] = struct{}{}
	return slot
}

// Pool 最新池快照，不检查时效
func (c *Cache) Pool(chainID uint64, pool common.Address) (*models.PoolState, bool) {
	c.mu.RLock()
	slot, ok := c.pools[poolKey{chainID: chainID, pool: pool}]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	state := slot.state.Load()
	return state, state != nil
}

// FreshPool 时效内的池快照，过期视为不存在
func (c *Cache) FreshPool(chainID uint64, pool common.Address, now time.Time) (*models.PoolState, bool) {
	state, ok := c.Pool(chainID, pool)
	if !ok || !state.Fresh(now, c.config.PoolMaxAge) {
		return nil, false
	}
	return state, true
}

// PoolsForPair 同一交易对的全部池，按池地址排序
func (c *Cache) PoolsForPair(chainID uint64, tokenA, tokenB common.Address) []*models.PoolState {
	c.mu.RLock()
	keys := c.pairs[models.PairKey(chainID, tokenA, tokenB)]
	slots := make([]*poolSlot, 0, len(keys))
	for key := range keys {
		slots = append(slots, c.pools[key])
	}
	c.mu.RUnlock()

	states := make([]*models.PoolState, 0, len(slots))
	for _, slot := range slots {
		if state := slot.state.Load(); state != nil {
			states = append(states, state)
		}
	}
	sort.Slice(states, func(i, j int) bool {
		return bytes.Compare(states[i].Pool.Bytes(), states[j].Pool.Bytes()) < 0
	})
	return states
}

// FreshPoolsForPair 同一交易对中时效内的池
func (c *Cache) FreshPoolsForPair(chainID uint64, tokenA, tokenB common.Address, now time.Time) []*models.PoolState {
	all := c.PoolsForPair(chainID, tokenA, tokenB)
	fresh := all[:0]
	for _, state := range all {
		if state.Fresh(now, c.config.PoolMaxAge) {
			fresh = append(fresh, state)
		}
	}
	return fresh
}

// UpdatePosition 写入仓位快照，序号规则与池相同
func (c *Cache) UpdatePosition(position *models.LendingPosition) (bool, error) {
	if err := validatePosition(position); err != nil {
		c.metrics.IncMarketRejected(kindPosition)
		return false, err
	}

	next := *position
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = c.clock()
	}

	slot := c.positionSlot(&next)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	current := slot.state.Load()
	if current != nil && next.Sequence <= current.Sequence {
		c.metrics.IncMarketRejected(kindPosition)
		return false, errors.ErrOutOfOrderUpdate.New().
			WithChain(next.ChainID).
			WithContext("position", next.Key()).
			WithContext("sequence", next.Sequence).
			WithContext("current_sequence", current.Sequence)
	}

	slot.state.Store(&next)
	c.metrics.IncMarketUpdate(kindPosition)
	return true, nil
}

func (c *Cache) positionSlot(position *models.LendingPosition) *positionSlot {
	key := position.Key()

	c.mu.RLock()
	slot, ok := c.positions[key]
	c.mu.RUnlock()
	if ok {
		return slot
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if slot, ok = c.positions[key]; ok {
		return slot
	}

	slot = &positionSlot{}
	c.positions[key] = slot
	for _, token := range []common.Address{position.CollateralToken, position.DebtToken} {
		tk := tokenKey{chainID: position.ChainID, token: token}
		if c.byToken[tk] == nil {
			c.byToken[tk] = make(map[string]struct{})
		}
		c.byToken[tk][key] = struct{}{}
	}
	return slot
}

// Position 最新仓位快照，不检查时效
func (c *Cache) Position(chainID uint64, protocol string, borrower common.Address) (*models.LendingPosition, bool) {
	c.mu.RLock()
	slot, ok := c.positions[models.PositionKey(chainID, protocol, borrower)]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	state := slot.state.Load()
	return state, state != nil
}

// FreshPosition 时效内的仓位快照
func (c *Cache) FreshPosition(chainID uint64, protocol string, borrower common.Address, now time.Time) (*models.LendingPosition, bool) {
	position, ok := c.Position(chainID, protocol, borrower)
	if !ok || !position.Fresh(now, c.config.PositionMaxAge) {
		return nil, false
	}
	return position, true
}

// PositionsForToken 抵押品或债务为该代币的仓位，按键排序
func (c *Cache) PositionsForToken(chainID uint64, token common.Address) []*models.LendingPosition {
	c.mu.RLock()
	keys := make([]string, 0, len(c.byToken[tokenKey{chainID: chainID, token: token}]))
	for key := range c.byToken[tokenKey{chainID: chainID, token: token}] {
		keys = append(keys, key)
	}
	slots := make([]*positionSlot, len(keys))
	sort.Strings(keys)
	for i, key := range keys {
		slots[i] = c.positions[key]
	}
	c.mu.RUnlock()

	positions := make([]*models.LendingPosition, 0, len(slots))
	for _, slot := range slots {
		if state := slot.state.Load(); state != nil {
			positions = append(positions, state)
		}
	}
	return positions
}

// FreshPositionsForToken 时效内的相关仓位
func (c *Cache) FreshPositionsForToken(chainID uint64, token common.Address, now time.Time) []*models.LendingPosition {
	all := c.PositionsForToken(chainID, token)
	fresh := all[:0]
	for _, position := range all {
		if position.Fresh(now, c.config.PositionMaxAge) {
			fresh = append(fresh, position)
		}
	}
	return fresh
}

// Stats 缓存统计
func (c *Cache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"pools":            len(c.pools),
		"pairs":            len(c.pairs),
		"positions":        len(c.positions),
		"pool_max_age":     c.config.PoolMaxAge.String(),
		"position_max_age": c.config.PositionMaxAge.String(),
	}
}

func validatePool(state *models.PoolState) error {
	switch {
	case state == nil:
		return errors.ErrDataValidation.New().WithContext("reason", "池快照为空")
	case state.ChainID == 0:
		return errors.ErrUnknownChain.New()
	case state.Pool == (common.Address{}):
		return errors.ErrMalformedAddress.New().WithContext("field", "pool")
	case state.Token0 == state.Token1:
		return errors.ErrDataValidation.New().WithContext("reason", "池的两个代币相同")
	case state.Reserve0.IsNegative() || state.Reserve1.IsNegative():
		return errors.ErrMalformedNumber.New().WithContext("field", "reserve")
	case state.FeeBps < 0 || state.FeeBps >= 10_000:
		return errors.ErrMalformedNumber.New().WithContext("field", "fee_bps")
	}
	return nil
}

func validatePosition(position *models.LendingPosition) error {
	switch {
	case position == nil:
		return errors.ErrDataValidation.New().WithContext("reason", "仓位快照为空")
	case position.ChainID == 0:
		return errors.ErrUnknownChain.New()
	case position.Protocol == "":
		return errors.ErrMissingField.New().WithContext("field", "protocol")
	case position.Borrower == (common.Address{}):
		return errors.ErrMalformedAddress.New().WithContext("field", "borrower")
	case position.CollateralAmount.IsNegative() || position.DebtAmount.IsNegative():
		return errors.ErrMalformedNumber.New().WithContext("field", "amount")
	case position.LiquidationThreshold.IsNegative():
		return errors.ErrMalformedNumber.New().WithContext("field", "liquidation_threshold")
	}
	return nil
}
