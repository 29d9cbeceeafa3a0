package decoder

import (
	"encoding/hex"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var selLiquidationCall = SelectorOf("liquidationCall(address,address,address,uint256,bool)")

// LiquidationCall 解码后的Aave清算调用
type LiquidationCall struct {
	CollateralAsset common.Address
	DebtAsset       common.Address
	User            common.Address
	DebtToCover     *big.Int
}

// DecodeLiquidationCall 解码liquidationCall参数，其他方法返回false
func DecodeLiquidationCall(input []byte) (*LiquidationCall, bool) {
	if len(input) < 4+5*wordSize {
		return nil, false
	}
	if "0x"+hex.EncodeToString(input[:4]) != selLiquidationCall {
		return nil, false
	}

	args := input[4:]
	debt, _ := word(args, 3)
	return &LiquidationCall{
		CollateralAsset: common.BytesToAddress(args[0:wordSize]),
		DebtAsset:       common.BytesToAddress(args[wordSize : 2*wordSize]),
		User:            common.BytesToAddress(args[2*wordSize : 3*wordSize]),
		DebtToCover:     debt,
	}, true
}
