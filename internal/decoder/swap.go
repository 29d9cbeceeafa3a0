package decoder

import (
	"math/big"

	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

const wordSize = 32

// swap参数布局
type swapLayout struct {
	amountIn   int // 输入数量所在字索引，-1表示取交易value
	amountOut  int
	pathOffset int // 动态数组偏移所在字索引，-1表示无path
	exactETH   bool
}

var (
	selSwapExactTokensForTokens = SelectorOf("swapExactTokensForTokens(uint256,uint256,address[],address,uint256)")
	selSwapTokensForExactTokens = SelectorOf("swapTokensForExactTokens(uint256,uint256,address[],address,uint256)")
	selSwapExactETHForTokens    = SelectorOf("swapExactETHForTokens(uint256,address[],address,uint256)")
	selSwapTokensForExactETH    = SelectorOf("swapTokensForExactETH(uint256,uint256,address[],address,uint256)")
	selSwapExactTokensForETH    = SelectorOf("swapExactTokensForETH(uint256,uint256,address[],address,uint256)")
	selSwapETHForExactTokens    = SelectorOf("swapETHForExactTokens(uint256,address[],address,uint256)")
	selSwapExactTokensFee       = SelectorOf("swapExactTokensForTokensSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)")
	selSwapExactETHFee          = SelectorOf("swapExactETHForTokensSupportingFeeOnTransferTokens(uint256,address[],address,uint256)")
	selSwapExactTokensForETHFee = SelectorOf("swapExactTokensForETHSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)")
	selExactInputSingle         = SelectorOf("exactInputSingle((address,address,uint24,address,uint256,uint256,uint256,uint160))")
	selPairSwap                 = SelectorOf("swap(uint256,uint256,address,bytes)")
)

var v2Layouts = map[string]swapLayout{
	selSwapExactTokensForTokens: {amountIn: 0, amountOut: 1, pathOffset: 2},
	selSwapExactTokensFee:       {amountIn: 0, amountOut: 1, pathOffset: 2},
	selSwapExactTokensForETH:    {amountIn: 0, amountOut: 1, pathOffset: 2},
	selSwapExactTokensForETHFee: {amountIn: 0, amountOut: 1, pathOffset: 2},
	// exact-output类以amountInMax作为名义输入上限
	selSwapTokensForExactTokens: {amountIn: 1, amountOut: 0, pathOffset: 2},
	selSwapTokensForExactETH:    {amountIn: 1, amountOut: 0, pathOffset: 2},
	selSwapExactETHForTokens:    {amountIn: -1, amountOut: 0, pathOffset: 1, exactETH: true},
	selSwapExactETHFee:          {amountIn: -1, amountOut: 0, pathOffset: 1, exactETH: true},
	selSwapETHForExactTokens:    {amountIn: -1, amountOut: 0, pathOffset: 1, exactETH: true},
}

// DecodeSwap 尽力解码路由兑换调用，无法解析时返回nil
func DecodeSwap(to *common.Address, input []byte, value *big.Int) *models.SwapIntent {
	if to == nil || len(input) < 4 {
		return nil
	}
	selector, _, kind := Classify(to, input)
	if kind != models.KindSwap {
		return nil
	}
	args := input[4:]

	if layout, ok := v2Layouts[selector]; ok {
		return decodeV2(*to, args, layout, value)
	}
	if selector == selExactInputSingle {
		return decodeExactInputSingle(*to, args)
	}
	if selector == selPairSwap {
		// 直接调用交易对合约，池地址即接收地址，代币方向要结合池状态才能确定
		amount0Out, ok0 := word(args, 0)
		amount1Out, ok1 := word(args, 1)
		if !ok0 || !ok1 {
			return nil
		}
		return &models.SwapIntent{Router: *to, Pool: *to, Amount0Out: amount0Out, Amount1Out: amount1Out}
	}

	// 其他兑换方法只记录路由
	return &models.SwapIntent{Router: *to}
}

// decodeV2 解码V2路由参数
func decodeV2(router common.Address, args []byte, layout swapLayout, value *big.Int) *models.SwapIntent {
	intent := &models.SwapIntent{Router: router, ExactETHIn: layout.exactETH}

	if layout.amountIn >= 0 {
		amount, ok := word(args, layout.amountIn)
		if !ok {
			return nil
		}
		intent.AmountIn = amount
	} else if value != nil {
		intent.AmountIn = new(big.Int).Set(value)
	}

	if out, ok := word(args, layout.amountOut); ok {
		intent.AmountOutMin = out
	}

	path, ok := addressArray(args, layout.pathOffset)
	if !ok || len(path) < 2 {
		return nil
	}
	intent.Path = path
	return intent
}

// decodeExactInputSingle 解码V3 exactInputSingle静态元组
func decodeExactInputSingle(router common.Address, args []byte) *models.SwapIntent {
	if len(args) < 8*wordSize {
		return nil
	}
	tokenIn := common.BytesToAddress(args[0:wordSize])
	tokenOut := common.BytesToAddress(args[wordSize : 2*wordSize])
	amountIn, _ := word(args, 5)
	amountOutMin, _ := word(args, 6)

	return &models.SwapIntent{
		Router:       router,
		Path:         []common.Address{tokenIn, tokenOut},
		AmountIn:     amountIn,
		AmountOutMin: amountOutMin,
	}
}

// word 读取第i个32字节字
func word(args []byte, i int) (*big.Int, bool) {
	start := i * wordSize
	if i < 0 || start+wordSize > len(args) {
		return nil, false
	}
	return new(big.Int).SetBytes(args[start : start+wordSize]), true
}

// addressArray 读取偏移字指向的address[]
func addressArray(args []byte, offsetWord int) ([]common.Address, bool) {
	offset, ok := word(args, offsetWord)
	if !ok || !offset.IsInt64() {
		return nil, false
	}
	start := offset.Int64()
	// 先与长度比较再做加法，防止超大偏移溢出
	if start < 0 || start > int64(len(args))-wordSize {
		return nil, false
	}
	length := new(big.Int).SetBytes(args[start : start+wordSize])
	// 路径长度超过8跳的视为畸形
	if !length.IsInt64() || length.Int64() > 8 {
		return nil, false
	}
	n := length.Int64()
	if n*wordSize > int64(len(args))-start-wordSize {
		return nil, false
	}

	path := make([]common.Address, 0, n)
	for i := int64(0); i < n; i++ {
		pos := start + wordSize + i*wordSize
		path = append(path, common.BytesToAddress(args[pos:pos+wordSize]))
	}
	return path, true
}
