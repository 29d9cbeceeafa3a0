package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"mevwatch/internal/validation"
	"mevwatch/pkg/models"

	"github.com/shopspring/decimal"
)

// 以太单位对应的wei指数
var unitExponents = map[string]int32{
	"wei":    0,
	"kwei":   3,
	"mwei":   6,
	"gwei":   9,
	"szabo":  12,
	"finney": 15,
	"ether":  18,
	"eth":    18,
}

var knownKinds = map[models.TransactionKind]bool{
	models.KindTransfer:           true,
	models.KindSwap:               true,
	models.KindLiquidityAdd:       true,
	models.KindLiquidityRemove:    true,
	models.KindLiquidationCall:    true,
	models.KindGovernance:         true,
	models.KindContractDeployment: true,
	models.KindUnknown:            true,
}

// ParseAmount 解析数值字面量为wei精度整数
//
// 支持整数、0x十六进制、带单位的十进制（"100 ETH"、"1.5 ether"、"30 gwei"）。
// 结果必须是非负整数，否则返回错误。
func ParseAmount(raw interface{}) (*big.Int, error) {
	switch v := raw.(type) {
	case int:
		return nonNegative(big.NewInt(int64(v)))
	case int64:
		return nonNegative(big.NewInt(v))
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return nil, fmt.Errorf("数值 %v 无法精确表示，请使用字符串", v)
		}
		return nonNegative(big.NewInt(int64(v)))
	case json.Number:
		return parseAmountString(v.String())
	case string:
		return parseAmountString(v)
	default:
		return nil, fmt.Errorf("不支持的数值字面量类型: %T", raw)
	}
}

func nonNegative(v *big.Int) (*big.Int, error) {
	if v.Sign() < 0 {
		return nil, fmt.Errorf("数值不能为负: %s", v)
	}
	return v, nil
}

func parseAmountString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("空的数值字面量")
	}

	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0x") {
		v, ok := new(big.Int).SetString(lower[2:], 16)
		if !ok {
			return nil, fmt.Errorf("无效的十六进制数值: %s", s)
		}
		return v, nil
	}

	number, exp := lower, int32(0)
	if parts := strings.Fields(lower); len(parts) == 2 {
		e, ok := unitExponents[parts[1]]
		if !ok {
			return nil, fmt.Errorf("未知单位: %s", parts[1])
		}
		number, exp = parts[0], e
	} else if len(parts) > 2 {
		return nil, fmt.Errorf("无效的数值字面量: %s", s)
	}

	d, err := decimal.NewFromString(number)
	if err != nil {
		return nil, fmt.Errorf("无效的数值字面量 %q: %w", s, err)
	}
	d = d.Shift(exp)
	if !d.IsInteger() {
		return nil, fmt.Errorf("数值 %q 小于1 wei", s)
	}
	return nonNegative(d.BigInt())
}

// parseStringLiteral 按字段类型规范化字符串字面量
func parseStringLiteral(f *field, raw interface{}) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("字段 %s 需要字符串字面量，实际为 %T", f.name, raw)
	}
	s = strings.TrimSpace(s)

	switch f.strKind {
	case addressString:
		if !validation.IsValidAddress(s) {
			return "", fmt.Errorf("无效地址: %s", s)
		}
		return strings.ToLower(s), nil
	case hashString:
		if !validation.IsValidHash(s) {
			return "", fmt.Errorf("无效哈希: %s", s)
		}
		return strings.ToLower(s), nil
	case hexString:
		return strings.ToLower(s), nil
	case kindString:
		if !knownKinds[models.TransactionKind(s)] {
			return "", fmt.Errorf("未知交易类型: %s", s)
		}
		return s, nil
	default:
		return s, nil
	}
}

// literalList 把in操作符的字面量转换为列表
func literalList(raw interface{}) ([]interface{}, error) {
	switch v := raw.(type) {
	case []interface{}:
		return v, nil
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("in操作符需要列表字面量，实际为 %T", raw)
	}
}
