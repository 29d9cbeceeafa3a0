package validation

import (
	"io"
	"math/big"
	"testing"
	"time"

	"mevwatch/internal/errors"
	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func validTx() *models.Transaction {
	to := common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	return &models.Transaction{
		ChainID:              1,
		Hash:                 common.HexToHash("0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"),
		From:                 common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:                   &to,
		Value:                big.NewInt(1000),
		Kind:                 models.KindTransfer,
		GasLimit:             21000,
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
		FirstSeen:            time.Now(),
	}
}

func TestNewValidator(t *testing.T) {
	validator := NewValidator(newTestLogger(), true)

	assert.NotNil(t, validator)
	assert.True(t, validator.strictMode)
	assert.Equal(t, 3, len(validator.rules)) // 默认注册的规则数量

	_, ok := validator.Rule("transaction")
	assert.True(t, ok)
}

func TestValidateTransaction_Valid(t *testing.T) {
	validator := NewValidator(newTestLogger(), false)

	result := validator.ValidateTransaction(validTx())

	assert.True(t, result.Valid)
	assert.Equal(t, "transaction", result.DataType)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, result.FirstError())
}

func TestValidateTransaction_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tx *models.Transaction)
		target *errors.WatchError
	}{
		{"zero hash", func(tx *models.Transaction) { tx.Hash = common.Hash{} }, errors.ErrMalformedHash},
		{"no chain", func(tx *models.Transaction) { tx.ChainID = 0 }, errors.ErrUnknownChain},
		{"nil value", func(tx *models.Transaction) { tx.Value = nil }, errors.ErrMalformedNumber},
		{"negative value", func(tx *models.Transaction) { tx.Value = big.NewInt(-1) }, errors.ErrMalformedNumber},
		{"negative fee", func(tx *models.Transaction) { tx.MaxFeePerGas = big.NewInt(-5) }, errors.ErrMalformedNumber},
		{"priority above max", func(tx *models.Transaction) { tx.MaxPriorityFeePerGas = big.NewInt(40_000_000_000) }, errors.ErrDataValidation},
		{"missing kind", func(tx *models.Transaction) { tx.Kind = "" }, errors.ErrDataValidation},
	}

	validator := NewValidator(newTestLogger(), false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := validTx()
			tt.mutate(tx)

			result := validator.ValidateTransaction(tx)
			require.False(t, result.Valid)
			require.NotEmpty(t, result.Errors)
			assert.True(t, errors.Is(result.FirstError(), tt.target), "got %v", result.FirstError())
		})
	}
}

func TestValidateTransaction_Nil(t *testing.T) {
	validator := NewValidator(newTestLogger(), false)
	result := validator.ValidateTransaction(nil)
	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 1)
}

func TestValidateTransaction_StrictModeWarnings(t *testing.T) {
	tx := validTx()
	tx.GasLimit = 0

	lenient := NewValidator(newTestLogger(), false)
	result := lenient.ValidateTransaction(tx)
	assert.True(t, result.Valid)
	assert.Len(t, result.Warnings, 1)

	strict := NewValidator(newTestLogger(), true)
	result = strict.ValidateTransaction(tx)
	assert.False(t, result.Valid)

	stats := strict.GetValidationStats()
	assert.Equal(t, uint64(1), stats["checked"])
	assert.Equal(t, uint64(1), stats["rejected"])
}

func TestIsValidHash(t *testing.T) {
	tests := []struct {
		hash     string
		expected bool
	}{
		{"0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef", true},
		{"0x1234567890ABCDEF1234567890abcdef1234567890abcdef1234567890abcdef", true},
		{"1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef", false},
		{"0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcde", false},
		{"0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdeg", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsValidHash(tt.hash), tt.hash)
	}
}

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		address  string
		expected bool
	}{
		{"0x1234567890abcdef1234567890abcdef12345678", true},
		{"0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D", true},
		{"1234567890abcdef1234567890abcdef12345678", false},
		{"0x1234567890abcdef1234567890abcdef1234567", false},
		{"0x1234567890abcdef1234567890abcdef1234567g", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsValidAddress(tt.address), tt.address)
	}
}

func TestIsHexData(t *testing.T) {
	assert.True(t, IsHexData("0x"))
	assert.True(t, IsHexData("0xa9059cbb"))
	assert.False(t, IsHexData("0xa9059cb"))
	assert.False(t, IsHexData("a9059cbb"))
}

func TestAddressAndHashRules(t *testing.T) {
	addrRule := NewAddressValidationRule()
	assert.NoError(t, addrRule.Validate("0x1234567890abcdef1234567890abcdef12345678"))
	assert.True(t, errors.Is(addrRule.Validate("0x12"), errors.ErrMalformedAddress))
	assert.Error(t, addrRule.Validate(42))

	hashRule := NewHashValidationRule()
	assert.True(t, errors.Is(hashRule.Validate("0xabc"), errors.ErrMalformedHash))
	assert.Error(t, hashRule.Validate(nil))
}

func BenchmarkValidateTransaction(b *testing.B) {
	validator := NewValidator(newTestLogger(), false)
	tx := validTx()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		validator.ValidateTransaction(tx)
	}
}
