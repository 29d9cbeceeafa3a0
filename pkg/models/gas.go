package models

import (
	"math/big"
	"time"
)

// GasSample 单次观测到的gas价格
type GasSample struct {
	ChainID     uint64    `json:"chain_id"`
	Timestamp   time.Time `json:"timestamp"`
	BaseFee     *big.Int  `json:"base_fee,omitempty"`
	PriorityFee *big.Int  `json:"priority_fee,omitempty"`
	GasPrice    *big.Int  `json:"gas_price"` // 实际纳入价格
}

// GasEstimate 百分位档位（wei）
type GasEstimate struct {
	ChainID  uint64   `json:"chain_id"`
	Slow     *big.Int `json:"slow"`
	Standard *big.Int `json:"standard"`
	Fast     *big.Int `json:"fast"`
	Samples  int      `json:"samples"`
}

// GasPrediction 趋势预测结果，仅供参考
type GasPrediction struct {
	ChainID    uint64        `json:"chain_id"`
	Horizon    time.Duration `json:"horizon"`
	Value      *big.Int      `json:"value,omitempty"`
	Confidence float64       `json:"confidence"` // 0表示无置信度
	Samples    int           `json:"samples"`
	Method     string        `json:"method"`
}

// HasConfidence 是否给出了有效预测
func (p GasPrediction) HasConfidence() bool {
	return p.Confidence > 0 && p.Value != nil
}
