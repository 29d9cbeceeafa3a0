package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 输入错误：畸形载荷、未配置的链
	ErrorTypeInput ErrorType = iota
	ErrorTypeValidation

	// 规则定义错误：字段无法解析、字面量非法、正则编译失败
	ErrorTypeRuleDefinition

	// 评估错误：单条规则或检测器运行异常
	ErrorTypeEvaluation
	ErrorTypeTimeout

	// 状态过期，不算错误，仅用于统计
	ErrorTypeStaleness

	// 资源耗尽：有界队列已满
	ErrorTypeResourceExhaustion

	// 系统相关错误
	ErrorTypeConfig
	ErrorTypeStorage
	ErrorTypeSerialization

	// 外部服务错误
	ErrorTypeNetwork
	ErrorTypeKafka
	ErrorTypeDatabase
	ErrorTypeSink
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// WatchError 自定义错误类型
type WatchError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   interface{}            `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	ChainID   *uint64                `json:"chain_id,omitempty"`
	TxHash    *string                `json:"tx_hash,omitempty"`
	RuleID    *string                `json:"rule_id,omitempty"`
}

// Error 实现error接口
func (e *WatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *WatchError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使预定义错误可用于errors.Is
func (e *WatchError) Is(target error) bool {
	t, ok := target.(*WatchError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsRetryable 判断是否可重试
func (e *WatchError) IsRetryable() bool {
	return e.Retryable
}

// clone 复制一份，避免修改预定义错误
func (e *WatchError) clone() *WatchError {
	c := *e
	c.Timestamp = time.Now()
	if e.Context != nil {
		c.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// New 基于预定义错误创建新实例
func (e *WatchError) New() *WatchError {
	return e.clone()
}

// Wrap 基于预定义错误包装底层原因
func (e *WatchError) Wrap(cause error) *WatchError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithContext 添加上下文信息
func (e *WatchError) WithContext(key string, value interface{}) *WatchError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 设置组件
func (e *WatchError) WithComponent(component string) *WatchError {
	e.Component = component
	return e
}

// WithChain 添加链ID
func (e *WatchError) WithChain(chainID uint64) *WatchError {
	e.ChainID = &chainID
	return e
}

// WithTxHash 添加交易哈希
func (e *WatchError) WithTxHash(txHash string) *WatchError {
	e.TxHash = &txHash
	return e
}

// WithRuleID 添加规则ID
func (e *WatchError) WithRuleID(ruleID string) *WatchError {
	e.RuleID = &ruleID
	return e
}

// NewWatchError 创建新的错误
func NewWatchError(errorType ErrorType, severity ErrorSeverity, code, message string) *WatchError {
	return &WatchError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *WatchError {
	return &WatchError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// As 提取错误链中的WatchError
func As(err error) (*WatchError, bool) {
	var we *WatchError
	if stderrors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// Is 透传标准库errors.Is
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// CodeOf 返回错误码，非WatchError返回UNKNOWN
func CodeOf(err error) string {
	if we, ok := As(err); ok {
		return we.Code
	}
	return "UNKNOWN"
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	case ErrorTypeKafka, ErrorTypeDatabase, ErrorTypeSink:
		return true
	default:
		return false
	}
}

// 预定义错误
var (
	// 输入错误
	ErrMalformedPayload = NewWatchError(
		ErrorTypeInput,
		SeverityLow,
		"MALFORMED_PAYLOAD",
		"交易载荷格式错误",
	)

	ErrMalformedHash = NewWatchError(
		ErrorTypeInput,
		SeverityLow,
		"MALFORMED_HASH",
		"交易哈希格式无效",
	)

	ErrMalformedAddress = NewWatchError(
		ErrorTypeInput,
		SeverityLow,
		"MALFORMED_ADDRESS",
		"地址格式无效",
	)

	ErrMalformedNumber = NewWatchError(
		ErrorTypeInput,
		SeverityLow,
		"MALFORMED_NUMBER",
		"数值字段格式无效",
	)

	ErrMissingField = NewWatchError(
		ErrorTypeInput,
		SeverityLow,
		"MISSING_FIELD",
		"缺少必需字段",
	)

	ErrUnknownChain = NewWatchError(
		ErrorTypeInput,
		SeverityLow,
		"UNKNOWN_CHAIN",
		"未配置的链ID",
	)

	ErrDataValidation = NewWatchError(
		ErrorTypeValidation,
		SeverityMedium,
		"DATA_VALIDATION_FAILED",
		"数据验证失败",
	)

	// 规则定义错误
	ErrInvalidRule = NewWatchError(
		ErrorTypeRuleDefinition,
		SeverityMedium,
		"INVALID_RULE",
		"规则定义无效",
	)

	ErrUnknownField = NewWatchError(
		ErrorTypeRuleDefinition,
		SeverityMedium,
		"UNKNOWN_FIELD",
		"规则引用了未知字段",
	)

	ErrInvalidOperator = NewWatchError(
		ErrorTypeRuleDefinition,
		SeverityMedium,
		"INVALID_OPERATOR",
		"字段不支持该操作符",
	)

	ErrInvalidLiteral = NewWatchError(
		ErrorTypeRuleDefinition,
		SeverityMedium,
		"INVALID_LITERAL",
		"规则字面量无法解析",
	)

	ErrInvalidRegex = NewWatchError(
		ErrorTypeRuleDefinition,
		SeverityMedium,
		"INVALID_REGEX",
		"正则表达式编译失败",
	)

	// 评估错误
	ErrEvaluationPanic = NewWatchError(
		ErrorTypeEvaluation,
		SeverityHigh,
		"EVALUATION_PANIC",
		"评估过程发生panic",
	)

	ErrEvaluationTimeout = NewWatchError(
		ErrorTypeTimeout,
		SeverityMedium,
		"EVALUATION_TIMEOUT",
		"单笔交易评估超出时间预算",
	)

	// 状态过期
	ErrStaleState = NewWatchError(
		ErrorTypeStaleness,
		SeverityLow,
		"STALE_STATE",
		"市场状态已过期",
	)

	ErrOutOfOrderUpdate = NewWatchError(
		ErrorTypeStaleness,
		SeverityLow,
		"OUT_OF_ORDER_UPDATE",
		"序号不递增的状态更新",
	)

	// 资源耗尽
	ErrQueueFull = NewWatchError(
		ErrorTypeResourceExhaustion,
		SeverityLow,
		"QUEUE_FULL",
		"有界队列已满，丢弃最旧元素",
	)

	ErrQueueClosed = NewWatchError(
		ErrorTypeResourceExhaustion,
		SeverityLow,
		"QUEUE_CLOSED",
		"队列已关闭",
	)

	// 系统错误
	ErrConfigInvalid = NewWatchError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	ErrStorageFailed = NewWatchError(
		ErrorTypeStorage,
		SeverityHigh,
		"STORAGE_FAILED",
		"本地存储操作失败",
	)

	ErrRuleNotFound = NewWatchError(
		ErrorTypeStorage,
		SeverityLow,
		"RULE_NOT_FOUND",
		"规则不存在",
	)

	ErrSerializationFailed = NewWatchError(
		ErrorTypeSerialization,
		SeverityMedium,
		"SERIALIZATION_FAILED",
		"数据序列化失败",
	)

	// 外部服务错误
	ErrKafkaProduceFailed = NewWatchError(
		ErrorTypeKafka,
		SeverityHigh,
		"KAFKA_PRODUCE_FAILED",
		"Kafka消息发送失败",
	)

	ErrDatabaseWriteFailed = NewWatchError(
		ErrorTypeDatabase,
		SeverityHigh,
		"DATABASE_WRITE_FAILED",
		"数据库写入失败",
	)

	ErrSinkFailed = NewWatchError(
		ErrorTypeSink,
		SeverityHigh,
		"SINK_FAILED",
		"分发目标写入失败",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeInput:              "Input",
	ErrorTypeValidation:         "Validation",
	ErrorTypeRuleDefinition:     "RuleDefinition",
	ErrorTypeEvaluation:         "Evaluation",
	ErrorTypeTimeout:            "Timeout",
	ErrorTypeStaleness:          "Staleness",
	ErrorTypeResourceExhaustion: "ResourceExhaustion",
	ErrorTypeConfig:             "Config",
	ErrorTypeStorage:            "Storage",
	ErrorTypeSerialization:      "Serialization",
	ErrorTypeNetwork:            "Network",
	ErrorTypeKafka:              "Kafka",
	ErrorTypeDatabase:           "Database",
	ErrorTypeSink:               "Sink",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	ErrorsByCode      map[string]int        `json:"errors_by_code"`
	RecentErrors      []*WatchError         `json:"recent_errors"`
	LastError         *WatchError           `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		ErrorsByCode:      make(map[string]int),
		RecentErrors:      make([]*WatchError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *WatchError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	es.ErrorsByCode[err.Code]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}

	return float64(recentCount) / hours
}
