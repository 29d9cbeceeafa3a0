package rules

import (
	"math/big"
	"sort"
	"strings"

	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// FieldType 字段值类型
type FieldType int

const (
	FieldNumeric FieldType = iota
	FieldString
)

func (t FieldType) String() string {
	if t == FieldNumeric {
		return "numeric"
	}
	return "string"
}

// stringKind 字符串字段的字面量规范化方式
type stringKind int

const (
	plainString stringKind = iota
	addressString
	hashString
	hexString
	kindString
)

// field 可在条件中引用的交易字段。取值函数返回false表示该交易没有此字段
type field struct {
	name    string
	typ     FieldType
	strKind stringKind
	numeric func(tx *models.Transaction) (*big.Int, bool)
	str     func(tx *models.Transaction) (string, bool)
}

var fieldRegistry = map[string]*field{}

func registerField(f *field) {
	fieldRegistry[f.name] = f
}

func numericField(name string, get func(tx *models.Transaction) (*big.Int, bool)) *field {
	return &field{name: name, typ: FieldNumeric, numeric: get}
}

func stringField(name string, kind stringKind, get func(tx *models.Transaction) (string, bool)) *field {
	return &field{name: name, typ: FieldString, strKind: kind, str: get}
}

func optionalBig(v *big.Int) (*big.Int, bool) {
	return v, v != nil
}

func lowerAddress(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func init() {
	registerField(numericField("value", func(tx *models.Transaction) (*big.Int, bool) {
		return optionalBig(tx.Value)
	}))
	registerField(numericField("gas_price", func(tx *models.Transaction) (*big.Int, bool) {
		return optionalBig(tx.GasPrice)
	}))
	registerField(numericField("max_fee_per_gas", func(tx *models.Transaction) (*big.Int, bool) {
		return optionalBig(tx.MaxFeePerGas)
	}))
	registerField(numericField("max_priority_fee_per_gas", func(tx *models.Transaction) (*big.Int, bool) {
		return optionalBig(tx.MaxPriorityFeePerGas)
	}))
	registerField(numericField("effective_gas_price", func(tx *models.Transaction) (*big.Int, bool) {
		return optionalBig(tx.EffectiveGasPrice())
	}))
	registerField(numericField("gas_limit", func(tx *models.Transaction) (*big.Int, bool) {
		return new(big.Int).SetUint64(tx.GasLimit), true
	}))
	registerField(numericField("nonce", func(tx *models.Transaction) (*big.Int, bool) {
		return new(big.Int).SetUint64(tx.Nonce), true
	}))
	registerField(numericField("chain_id", func(tx *models.Transaction) (*big.Int, bool) {
		return new(big.Int).SetUint64(tx.ChainID), true
	}))
	registerField(numericField("input_size", func(tx *models.Transaction) (*big.Int, bool) {
		return big.NewInt(int64(len(tx.Input))), true
	}))
	registerField(numericField("swap_amount_in", func(tx *models.Transaction) (*big.Int, bool) {
		if tx.Swap == nil {
			return nil, false
		}
		return optionalBig(tx.Swap.AmountIn)
	}))

	registerField(stringField("from", addressString, func(tx *models.Transaction) (string, bool) {
		return lowerAddress(tx.From), true
	}))
	registerField(stringField("to", addressString, func(tx *models.Transaction) (string, bool) {
		if tx.To == nil {
			return "", false
		}
		return lowerAddress(*tx.To), true
	}))
	registerField(stringField("hash", hashString, func(tx *models.Transaction) (string, bool) {
		return strings.ToLower(tx.Hash.Hex()), true
	}))
	registerField(stringField("input", hexString, func(tx *models.Transaction) (string, bool) {
		return strings.ToLower(tx.InputHex()), true
	}))
	registerField(stringField("selector", hexString, func(tx *models.Transaction) (string, bool) {
		return tx.Selector, tx.Selector != ""
	}))
	registerField(stringField("method", plainString, func(tx *models.Transaction) (string, bool) {
		return tx.Method, tx.Method != ""
	}))
	registerField(stringField("kind", kindString, func(tx *models.Transaction) (string, bool) {
		return string(tx.Kind), true
	}))
	registerField(stringField("swap_token_in", addressString, func(tx *models.Transaction) (string, bool) {
		if tx.Swap == nil || len(tx.Swap.Path) == 0 {
			return "", false
		}
		return lowerAddress(tx.Swap.TokenIn()), true
	}))
	registerField(stringField("swap_token_out", addressString, func(tx *models.Transaction) (string, bool) {
		if tx.Swap == nil || len(tx.Swap.Path) == 0 {
			return "", false
		}
		return lowerAddress(tx.Swap.TokenOut()), true
	}))
}

// lookupField 按名称解析字段，名称大小写不敏感
func lookupField(name string) (*field, bool) {
	f, ok := fieldRegistry[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// FieldInfo 字段描述，供API展示
type FieldInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Fields 全部可用字段，按名称排序
func Fields() []FieldInfo {
	out := make([]FieldInfo, 0, len(fieldRegistry))
	for _, f := range fieldRegistry {
		out = append(out, FieldInfo{Name: f.name, Type: f.typ.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
