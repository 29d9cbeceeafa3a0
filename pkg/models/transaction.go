package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TransactionKind 交易分类
type TransactionKind string

const (
	KindTransfer           TransactionKind = "transfer"
	KindSwap               TransactionKind = "swap"
	KindLiquidityAdd       TransactionKind = "liquidity_add"
	KindLiquidityRemove    TransactionKind = "liquidity_remove"
	KindLiquidationCall    TransactionKind = "liquidation_call"
	KindGovernance         TransactionKind = "governance"
	KindContractDeployment TransactionKind = "contract_deployment"
	KindUnknown            TransactionKind = "unknown"
)

// SwapIntent 从路由调用中解码出的兑换意图
type SwapIntent struct {
	Router       common.Address   `json:"router"`
	Path         []common.Address `json:"path,omitempty"`
	Pool         common.Address   `json:"pool"`
	AmountIn     *big.Int         `json:"amount_in,omitempty"`
	AmountOutMin *big.Int         `json:"amount_out_min,omitempty"`
	// 直接调用交易对swap时的两侧输出数量，输入方向由非零的一侧决定
	Amount0Out *big.Int `json:"amount0_out,omitempty"`
	Amount1Out *big.Int `json:"amount1_out,omitempty"`
	// ExactETHIn 为true时输入数量取自交易value
	ExactETHIn bool `json:"exact_eth_in"`
}

// TokenIn 输入代币
func (s *SwapIntent) TokenIn() common.Address {
	if s == nil || len(s.Path) == 0 {
		return common.Address{}
	}
	return s.Path[0]
}

// TokenOut 输出代币
func (s *SwapIntent) TokenOut() common.Address {
	if s == nil || len(s.Path) == 0 {
		return common.Address{}
	}
	return s.Path[len(s.Path)-1]
}

// Transaction 规范化后的待处理交易，创建后不可修改
type Transaction struct {
	ChainID              uint64          `json:"chain_id"`
	Hash                 common.Hash     `json:"hash"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *big.Int        `json:"value"`
	Input                []byte          `json:"-"`
	Selector             string          `json:"selector,omitempty"`
	Method               string          `json:"method,omitempty"`
	Kind                 TransactionKind `json:"kind"`
	GasLimit             uint64          `json:"gas_limit"`
	GasPrice             *big.Int        `json:"gas_price,omitempty"`
	MaxFeePerGas         *big.Int        `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *big.Int        `json:"max_priority_fee_per_gas,omitempty"`
	Nonce                uint64          `json:"nonce"`
	FirstSeen            time.Time       `json:"first_seen"`
	Sequence             uint64          `json:"sequence"` // 链内单调递增序号
	Swap                 *SwapIntent     `json:"swap,omitempty"`
}

// InputHex 输入数据的十六进制表示（带0x前缀）
func (t *Transaction) InputHex() string {
	return hexutil.Encode(t.Input)
}

// ToHex 接收地址，合约创建时为空字符串
func (t *Transaction) ToHex() string {
	if t.To == nil {
		return ""
	}
	return t.To.Hex()
}

// ValueOrZero 返回value副本
func (t *Transaction) ValueOrZero() *big.Int {
	if t.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.Value)
}

// EffectiveGasPrice 估算实际出价：legacy取gasPrice，EIP-1559取maxFee
func (t *Transaction) EffectiveGasPrice() *big.Int {
	switch {
	case t.GasPrice != nil:
		return new(big.Int).Set(t.GasPrice)
	case t.MaxFeePerGas != nil:
		return new(big.Int).Set(t.MaxFeePerGas)
	default:
		return nil
	}
}

// PriorityFee 小费，legacy交易无此字段时返回nil
func (t *Transaction) PriorityFee() *big.Int {
	if t.MaxPriorityFeePerGas == nil {
		return nil
	}
	return new(big.Int).Set(t.MaxPriorityFeePerGas)
}
