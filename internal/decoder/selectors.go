package decoder

import (
	"encoding/hex"
	"strings"

	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// MethodInfo 已知方法签名
type MethodInfo struct {
	Selector  string
	Signature string
	Kind      models.TransactionKind
}

// knownSignatures 已知签名及其分类，选择器在init中由keccak256计算
var knownSignatures = []struct {
	signature string
	kind      models.TransactionKind
}{
	// ERC20
	{"transfer(address,uint256)", models.KindTransfer},
	{"transferFrom(address,address,uint256)", models.KindTransfer},
	{"approve(address,uint256)", models.KindUnknown},

	// Uniswap V2 及其分叉路由
	{"swapExactTokensForTokens(uint256,uint256,address[],address,uint256)", models.KindSwap},
	{"swapTokensForExactTokens(uint256,uint256,address[],address,uint256)", models.KindSwap},
	{"swapExactETHForTokens(uint256,address[],address,uint256)", models.KindSwap},
	{"swapTokensForExactETH(uint256,uint256,address[],address,uint256)", models.KindSwap},
	{"swapExactTokensForETH(uint256,uint256,address[],address,uint256)", models.KindSwap},
	{"swapETHForExactTokens(uint256,address[],address,uint256)", models.KindSwap},
	{"swapExactTokensForTokensSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)", models.KindSwap},
	{"swapExactETHForTokensSupportingFeeOnTransferTokens(uint256,address[],address,uint256)", models.KindSwap},
	{"swapExactTokensForETHSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)", models.KindSwap},
	{"swap(uint256,uint256,address,bytes)", models.KindSwap},

	// Uniswap V3
	{"exactInputSingle((address,address,uint24,address,uint256,uint256,uint256,uint160))", models.KindSwap},
	{"exactInput((bytes,address,uint256,uint256,uint256))", models.KindSwap},
	{"exactOutputSingle((address,address,uint24,address,uint256,uint256,uint256,uint160))", models.KindSwap},
	{"exactOutput((bytes,address,uint256,uint256,uint256))", models.KindSwap},

	// 流动性
	{"addLiquidity(address,address,uint256,uint256,uint256,uint256,address,uint256)", models.KindLiquidityAdd},
	{"addLiquidityETH(address,uint256,uint256,uint256,address,uint256)", models.KindLiquidityAdd},
	{"removeLiquidity(address,address,uint256,uint256,uint256,address,uint256)", models.KindLiquidityRemove},
	{"removeLiquidityETH(address,uint256,uint256,uint256,address,uint256)", models.KindLiquidityRemove},
	{"removeLiquidityWithPermit(address,address,uint256,uint256,uint256,address,uint256,bool,uint8,bytes32,bytes32)", models.KindLiquidityRemove},
	{"removeLiquidityETHWithPermit(address,uint256,uint256,uint256,address,uint256,bool,uint8,bytes32,bytes32)", models.KindLiquidityRemove},
	{"removeLiquidityETHSupportingFeeOnTransferTokens(address,uint256,uint256,uint256,address,uint256)", models.KindLiquidityRemove},

	// 借贷清算 (Aave V2/V3, Compound)
	{"liquidationCall(address,address,address,uint256,bool)", models.KindLiquidationCall},
	{"liquidateBorrow(address,uint256,address)", models.KindLiquidationCall},
	{"liquidateBorrow(address,address)", models.KindLiquidationCall},
	{"absorb(address,address[])", models.KindLiquidationCall},

	// 治理
	{"propose(address[],uint256[],string[],bytes[],string)", models.KindGovernance},
	{"propose(address[],uint256[],bytes[],string)", models.KindGovernance},
	{"castVote(uint256,uint8)", models.KindGovernance},
	{"castVoteWithReason(uint256,uint8,string)", models.KindGovernance},
	{"castVoteBySig(uint256,uint8,uint8,bytes32,bytes32)", models.KindGovernance},
	{"queue(uint256)", models.KindGovernance},
	{"execute(uint256)", models.KindGovernance},
	{"delegate(address)", models.KindGovernance},
}

// 已知路由地址对应的交易场所
var knownRouters = map[common.Address]string{
	common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"): "uniswap_v2",
	common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"): "sushiswap",
	common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564"): "uniswap_v3",
	common.HexToAddress("0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45"): "uniswap_v3",
	common.HexToAddress("0x3fC91A3afd70395Cd496C647d5a6CC9D4B2b7FAD"): "uniswap_universal",
	common.HexToAddress("0x10ED43C718714eb63d5aA57B78B54704E256024E"): "pancakeswap_v2",
}

var selectorTable map[string]MethodInfo

func init() {
	selectorTable = make(map[string]MethodInfo, len(knownSignatures))
	for _, s := range knownSignatures {
		sel := SelectorOf(s.signature)
		selectorTable[sel] = MethodInfo{Selector: sel, Signature: s.signature, Kind: s.kind}
	}
}

// SelectorOf 计算方法签名的4字节选择器（0x前缀，小写）
func SelectorOf(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil)[:4])
}

// Lookup 按选择器查找已知方法
func Lookup(selector string) (MethodInfo, bool) {
	info, ok := selectorTable[strings.ToLower(selector)]
	return info, ok
}

// VenueOf 已知路由地址的交易场所名称
func VenueOf(router common.Address) (string, bool) {
	venue, ok := knownRouters[router]
	return venue, ok
}

// Classify 根据接收地址和输入数据分类交易
//
// 无接收地址为合约部署，无输入数据为转账，选择器未知时返回unknown。
func Classify(to *common.Address, input []byte) (selector, method string, kind models.TransactionKind) {
	if to == nil {
		return "", "", models.KindContractDeployment
	}
	if len(input) == 0 {
		return "", "", models.KindTransfer
	}
	if len(input) < 4 {
		return "", "", models.KindUnknown
	}

	selector = "0x" + hex.EncodeToString(input[:4])
	info, ok := selectorTable[selector]
	if !ok {
		return selector, "", models.KindUnknown
	}
	return selector, info.Signature, info.Kind
}
