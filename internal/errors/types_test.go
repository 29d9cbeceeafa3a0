package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatchError(t *testing.T) {
	err := NewWatchError(ErrorTypeNetwork, SeverityHigh, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeNetwork, err.Type)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.True(t, err.Retryable) // 网络错误默认可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestWrapError(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := WrapError(originalErr, ErrorTypeEvaluation, SeverityMedium, "WRAPPED_ERROR", "包装错误")

	assert.Equal(t, ErrorTypeEvaluation, wrappedErr.Type)
	assert.Equal(t, "WRAPPED_ERROR", wrappedErr.Code)
	assert.Equal(t, originalErr, wrappedErr.Cause)
	assert.Contains(t, wrappedErr.Error(), "原始错误")
	assert.Equal(t, originalErr, wrappedErr.Unwrap())
}

func TestWatchError_Error(t *testing.T) {
	err := NewWatchError(ErrorTypeInput, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息", err.Error())

	wrappedErr := WrapError(errors.New("原始错误"), ErrorTypeInput, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息: 原始错误", wrappedErr.Error())
}

func TestPredefinedErrors_NewDoesNotMutate(t *testing.T) {
	e := ErrMissingField.New().WithContext("field", "hash").WithChain(1)

	assert.Nil(t, ErrMissingField.Context)
	assert.Nil(t, ErrMissingField.ChainID)
	assert.Equal(t, "hash", e.Context["field"])
	assert.Equal(t, uint64(1), *e.ChainID)
}

func TestWatchError_Is(t *testing.T) {
	e := ErrUnknownField.Wrap(errors.New("does_not_exist")).WithRuleID("r1")
	wrapped := fmt.Errorf("load: %w", e)

	assert.True(t, errors.Is(wrapped, ErrUnknownField))
	assert.False(t, errors.Is(wrapped, ErrInvalidRegex))
	assert.Equal(t, "UNKNOWN_FIELD", CodeOf(wrapped))
	assert.Equal(t, "UNKNOWN", CodeOf(errors.New("plain")))

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, "r1", *got.RuleID)
}

func TestWatchError_WithTxHash(t *testing.T) {
	err := NewWatchError(ErrorTypeInput, SeverityHigh, "TX_ERROR", "交易错误")

	txHash := "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"
	err.WithTxHash(txHash).WithComponent("normalizer")

	assert.Equal(t, txHash, *err.TxHash)
	assert.Equal(t, "normalizer", err.Component)
}

func TestDetermineRetryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeKafka, true},
		{ErrorTypeDatabase, true},
		{ErrorTypeSink, true},
		{ErrorTypeInput, false},
		{ErrorTypeRuleDefinition, false},
		{ErrorTypeConfig, false},
		{ErrorTypeStaleness, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, determineRetryable(tt.errorType), "errorType=%v", tt.errorType)
	}
}

func TestErrorType_String(t *testing.T) {
	assert.Equal(t, "Input", ErrorTypeInput.String())
	assert.Equal(t, "RuleDefinition", ErrorTypeRuleDefinition.String())
	assert.Equal(t, "ResourceExhaustion", ErrorTypeResourceExhaustion.String())
	assert.Equal(t, "Unknown(999)", ErrorType(999).String())
	assert.Equal(t, "Critical", SeverityCritical.String())
	assert.Equal(t, "Unknown(999)", ErrorSeverity(999).String())
}

func TestErrorStats_RecordError(t *testing.T) {
	stats := NewErrorStats()

	err1 := NewWatchError(ErrorTypeInput, SeverityLow, "MALFORMED_HASH", "哈希错误")
	err1.Component = "normalizer"
	err2 := NewWatchError(ErrorTypeEvaluation, SeverityHigh, "EVALUATION_PANIC", "panic")
	err2.Component = "rules"
	err3 := NewWatchError(ErrorTypeInput, SeverityLow, "MALFORMED_HASH", "哈希错误")
	err3.Component = "normalizer"

	stats.RecordError(err1)
	stats.RecordError(err2)
	stats.RecordError(err3)

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType[ErrorTypeInput])
	assert.Equal(t, 2, stats.ErrorsByCode["MALFORMED_HASH"])
	assert.Equal(t, 2, stats.ErrorsByComponent["normalizer"])
	assert.Equal(t, err3, stats.LastError)
}

func TestErrorStats_RecentErrorsLimit(t *testing.T) {
	stats := NewErrorStats()

	for i := 0; i < 150; i++ {
		stats.RecordError(NewWatchError(ErrorTypeInput, SeverityLow, "TEST_ERROR", "测试错误"))
	}

	assert.Equal(t, 150, stats.TotalErrors)
	assert.Equal(t, 100, len(stats.RecentErrors))
}

func TestErrorStats_GetErrorRate(t *testing.T) {
	stats := NewErrorStats()
	now := time.Now()

	for i := 0; i < 10; i++ {
		err := NewWatchError(ErrorTypeInput, SeverityLow, "TEST_ERROR", "测试错误")
		err.Timestamp = now.Add(-time.Duration(i*5) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}
	for i := 0; i < 5; i++ {
		err := NewWatchError(ErrorTypeInput, SeverityLow, "OLD_ERROR", "旧错误")
		err.Timestamp = now.Add(-time.Duration(70+i*10) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}

	assert.Equal(t, 10.0, stats.GetErrorRate(time.Hour))
	assert.Equal(t, 0.0, stats.GetErrorRate(0))
	assert.Equal(t, 12.0, stats.GetErrorRate(30*time.Minute))
}

func TestErrorHandler_HandleError(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	eh := NewErrorHandler(logger)

	// 普通错误被包装
	err := eh.HandleError(context.Background(), errors.New("boom"))
	assert.Equal(t, "UNKNOWN_ERROR", CodeOf(err))

	// Critical不会导致进程退出
	err = eh.HandleError(context.Background(), ErrConfigInvalid.New())
	assert.True(t, errors.Is(err, ErrConfigInvalid))

	stats := eh.GetStats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByCode["CONFIG_INVALID"])

	assert.Nil(t, eh.HandleError(context.Background(), nil))
}

func TestErrorHandler_CallbackPanicIsolated(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	eh := NewErrorHandler(logger)

	done := make(chan struct{})
	eh.AddCallback(func(err *WatchError) { panic("callback") })
	eh.AddCallback(func(err *WatchError) { close(done) })

	_ = eh.HandleError(context.Background(), ErrQueueFull.New())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("回调未执行")
	}
}

func BenchmarkNewWatchError(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewWatchError(ErrorTypeInput, SeverityMedium, "BENCH_ERROR", "基准测试错误")
	}
}

func BenchmarkErrorStats_RecordError(b *testing.B) {
	stats := NewErrorStats()
	err := NewWatchError(ErrorTypeInput, SeverityMedium, "BENCH_ERROR", "基准测试错误")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		stats.RecordError(err)
	}
}
