package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PoolState 流动性池储备快照
type PoolState struct {
	ChainID   uint64          `json:"chain_id"`
	Pool      common.Address  `json:"pool"`
	Venue     string          `json:"venue"` // uniswap_v2, sushiswap ...
	Token0    common.Address  `json:"token0"`
	Token1    common.Address  `json:"token1"`
	Reserve0  decimal.Decimal `json:"reserve0"` // 已按精度换算的数量
	Reserve1  decimal.Decimal `json:"reserve1"`
	FeeBps    int64           `json:"fee_bps"`
	Sequence  uint64          `json:"sequence"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Price token0以token1计价的价格
func (p *PoolState) Price() decimal.Decimal {
	if p.Reserve0.IsZero() {
		return decimal.Zero
	}
	return p.Reserve1.Div(p.Reserve0)
}

// PriceOf 以另一代币计价的token价格，不在池中时返回false
func (p *PoolState) PriceOf(token common.Address) (decimal.Decimal, bool) {
	switch token {
	case p.Token0:
		if p.Reserve0.IsZero() {
			return decimal.Zero, false
		}
		return p.Reserve1.Div(p.Reserve0), true
	case p.Token1:
		if p.Reserve1.IsZero() {
			return decimal.Zero, false
		}
		return p.Reserve0.Div(p.Reserve1), true
	default:
		return decimal.Zero, false
	}
}

// Reserves 按输入方向返回(输入储备, 输出储备)
func (p *PoolState) Reserves(tokenIn common.Address) (decimal.Decimal, decimal.Decimal, bool) {
	switch tokenIn {
	case p.Token0:
		return p.Reserve0, p.Reserve1, true
	case p.Token1:
		return p.Reserve1, p.Reserve0, true
	default:
		return decimal.Zero, decimal.Zero, false
	}
}

// Contains 池是否包含该代币
func (p *PoolState) Contains(token common.Address) bool {
	return p.Token0 == token || p.Token1 == token
}

// PairKey 交易对键，与代币顺序无关
func (p *PoolState) PairKey() string {
	return PairKey(p.ChainID, p.Token0, p.Token1)
}

// PairKey 生成交易对键
func PairKey(chainID uint64, a, b common.Address) string {
	x, y := strings.ToLower(a.Hex()), strings.ToLower(b.Hex())
	if x > y {
		x, y = y, x
	}
	return fmt.Sprintf("%d:%s:%s", chainID, x, y)
}

// Fresh 是否在最大时效内
func (p *PoolState) Fresh(now time.Time, maxAge time.Duration) bool {
	return maxAge <= 0 || now.Sub(p.UpdatedAt) <= maxAge
}

// LendingPosition 借贷仓位快照
type LendingPosition struct {
	ChainID              uint64          `json:"chain_id"`
	Protocol             string          `json:"protocol"`
	Borrower             common.Address  `json:"borrower"`
	CollateralToken      common.Address  `json:"collateral_token"`
	DebtToken            common.Address  `json:"debt_token"`
	CollateralAmount     decimal.Decimal `json:"collateral_amount"`
	DebtAmount           decimal.Decimal `json:"debt_amount"`
	CollateralValue      decimal.Decimal `json:"collateral_value"` // 以债务代币计价
	DebtValue            decimal.Decimal `json:"debt_value"`
	LiquidationThreshold decimal.Decimal `json:"liquidation_threshold"` // 如0.825
	LiquidationBonus     decimal.Decimal `json:"liquidation_bonus"`     // 如0.05
	HealthFactor         decimal.Decimal `json:"health_factor"`
	Sequence             uint64          `json:"sequence"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Key 仓位键
func (l *LendingPosition) Key() string {
	return PositionKey(l.ChainID, l.Protocol, l.Borrower)
}

// PositionKey 生成仓位键
func PositionKey(chainID uint64, protocol string, borrower common.Address) string {
	return fmt.Sprintf("%d:%s:%s", chainID, strings.ToLower(protocol), strings.ToLower(borrower.Hex()))
}

// Fresh 是否在最大时效内
func (l *LendingPosition) Fresh(now time.Time, maxAge time.Duration) bool {
	return maxAge <= 0 || now.Sub(l.UpdatedAt) <= maxAge
}

// ComputeHealthFactor 按抵押品价格（以债务代币计价）计算健康因子
func (l *LendingPosition) ComputeHealthFactor(collateralPrice decimal.Decimal) decimal.Decimal {
	if l.DebtAmount.IsZero() {
		return decimal.NewFromInt(1_000_000)
	}
	return l.CollateralAmount.Mul(collateralPrice).Mul(l.LiquidationThreshold).Div(l.DebtAmount)
}
