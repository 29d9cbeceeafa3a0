package validation

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync/atomic"

	"mevwatch/internal/errors"
	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	hashRegex    = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	addressRegex = regexp.MustCompile("^0x[0-9a-fA-F]{40}$")
	hexDataRegex = regexp.MustCompile("^0x([0-9a-fA-F]{2})*$")
)

// Validator 数据验证器
type Validator struct {
	logger     *logrus.Logger
	strictMode bool // 严格模式下告警也视为失败
	rules      map[string]ValidationRule

	checked  atomic.Uint64
	rejected atomic.Uint64
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                 `json:"valid"`
	Errors   []*errors.WatchError `json:"errors,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
	DataType string               `json:"data_type"`
}

// FirstError 第一个错误，没有时返回nil
func (r *ValidationResult) FirstError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
		rules:      make(map[string]ValidationRule),
	}

	v.registerDefaultRules()

	return v
}

// registerDefaultRules 注册默认验证规则
func (v *Validator) registerDefaultRules() {
	v.AddRule(NewTransactionValidationRule())
	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewHashValidationRule())
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateTransaction 验证规范化后的交易
func (v *Validator) ValidateTransaction(tx *models.Transaction) *ValidationResult {
	v.checked.Add(1)

	if tx == nil {
		v.rejected.Add(1)
		return &ValidationResult{
			Valid:    false,
			Errors:   []*errors.WatchError{errors.ErrDataValidation.New().WithContext("reason", "交易为空")},
			DataType: "transaction",
		}
	}

	result := &ValidationResult{
		Valid:    true,
		DataType: "transaction",
		Errors:   make([]*errors.WatchError, 0),
		Warnings: make([]string, 0),
	}

	if rule, exists := v.rules["transaction"]; exists {
		if err := rule.Validate(tx); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, toWatchError(err, "TX_RULE_VALIDATION_FAILED", "交易规则验证失败").
				WithTxHash(tx.Hash.Hex()).WithChain(tx.ChainID))
		}
	}

	// 不影响处理的异常只记为告警
	if tx.MaxFeePerGas != nil && tx.GasPrice != nil {
		result.Warnings = append(result.Warnings, "同时存在gasPrice和maxFeePerGas")
	}
	if tx.GasLimit == 0 {
		result.Warnings = append(result.Warnings, "gas上限为0")
	}
	if v.strictMode && len(result.Warnings) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors, errors.ErrDataValidation.New().
			WithContext("warnings", result.Warnings).WithTxHash(tx.Hash.Hex()))
	}

	if !result.Valid {
		v.rejected.Add(1)
	}
	return result
}

// toWatchError 统一转换为WatchError
func toWatchError(err error, code, message string) *errors.WatchError {
	if we, ok := errors.As(err); ok {
		return we
	}
	return errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityMedium, code, message)
}

// IsValidHash 验证32字节哈希格式
func IsValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// IsValidAddress 验证地址格式，要求0x前缀和40位十六进制
func IsValidAddress(addr string) bool {
	return addressRegex.MatchString(addr) && common.IsHexAddress(addr)
}

// IsHexData 验证0x前缀的偶数长度十六进制数据
func IsHexData(data string) bool {
	return hexDataRegex.MatchString(data)
}

// TransactionValidationRule 交易验证规则
type TransactionValidationRule struct{}

func NewTransactionValidationRule() *TransactionValidationRule {
	return &TransactionValidationRule{}
}

func (r *TransactionValidationRule) Name() string {
	return "transaction"
}

func (r *TransactionValidationRule) Description() string {
	return "规范化交易不变量验证规则"
}

func (r *TransactionValidationRule) Validate(data interface{}) error {
	tx, ok := data.(*models.Transaction)
	if !ok {
		return fmt.Errorf("数据类型不是交易")
	}

	if tx.Hash == (common.Hash{}) {
		return errors.ErrMalformedHash.New().WithContext("reason", "哈希为空")
	}
	if tx.ChainID == 0 {
		return errors.ErrUnknownChain.New()
	}
	if tx.Value == nil || tx.Value.Sign() < 0 {
		return errors.ErrMalformedNumber.New().WithContext("field", "value")
	}
	fees := []struct {
		name  string
		value *big.Int
	}{
		{"gas_price", tx.GasPrice},
		{"max_fee_per_gas", tx.MaxFeePerGas},
		{"max_priority_fee_per_gas", tx.MaxPriorityFeePerGas},
	}
	for _, fee := range fees {
		if fee.value != nil && fee.value.Sign() < 0 {
			return errors.ErrMalformedNumber.New().WithContext("field", fee.name)
		}
	}
	if tx.MaxFeePerGas != nil && tx.MaxPriorityFeePerGas != nil && tx.MaxPriorityFeePerGas.Cmp(tx.MaxFeePerGas) > 0 {
		return errors.ErrDataValidation.New().WithContext("reason", "maxPriorityFeePerGas大于maxFeePerGas")
	}
	if tx.Kind == "" {
		return errors.ErrDataValidation.New().WithContext("reason", "缺少交易分类")
	}

	return nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !IsValidAddress(strings.TrimSpace(addr)) {
		return errors.ErrMalformedAddress.New().WithContext("address", addr)
	}

	return nil
}

// HashValidationRule 哈希验证规则
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "哈希值验证规则"
}

func (r *HashValidationRule) Validate(data interface{}) error {
	hash, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !IsValidHash(hash) {
		return errors.ErrMalformedHash.New().WithContext("hash", hash)
	}

	return nil
}

// Rule 按名称获取规则
func (v *Validator) Rule(name string) (ValidationRule, bool) {
	rule, ok := v.rules[name]
	return rule, ok
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"checked":          v.checked.Load(),
		"rejected":         v.rejected.Load(),
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
