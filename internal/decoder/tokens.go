package decoder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DefaultDecimals 未登记代币的默认精度
const DefaultDecimals = 18

type tokenKey struct {
	chainID uint64
	token   common.Address
}

// 各链的包装原生代币
var wrappedNative = map[uint64]common.Address{
	1:     common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
	10:    common.HexToAddress("0x4200000000000000000000000000000000000006"),
	56:    common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"),
	8453:  common.HexToAddress("0x4200000000000000000000000000000000000006"),
	42161: common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"),
}

// 非18位精度的常见代币
var tokenDecimals = map[tokenKey]int32{
	{1, common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")}:     6, // USDC
	{1, common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")}:     6, // USDT
	{1, common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")}:     8, // WBTC
	{42161, common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")}: 6, // USDC
	{8453, common.HexToAddress("0x833589fCD6eDb6E08f4c3C32D4f71b54bdA02913")}:  6, // USDC
}

// WrappedNative 链的包装原生代币地址
func WrappedNative(chainID uint64) (common.Address, bool) {
	addr, ok := wrappedNative[chainID]
	return addr, ok
}

// IsWrappedNative 是否为该链的包装原生代币
func IsWrappedNative(chainID uint64, token common.Address) bool {
	addr, ok := wrappedNative[chainID]
	return ok && addr == token
}

// RegisterWrappedNative 登记或覆盖链的包装原生代币，启动时调用
func RegisterWrappedNative(chainID uint64, token common.Address) {
	wrappedNative[chainID] = token
}

// Decimals 代币精度
func Decimals(chainID uint64, token common.Address) int32 {
	if d, ok := tokenDecimals[tokenKey{chainID, token}]; ok {
		return d
	}
	return DefaultDecimals
}

// ToUnits 原始整数数量换算为代币单位
func ToUnits(chainID uint64, token common.Address, amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -Decimals(chainID, token))
}
