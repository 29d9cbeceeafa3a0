package models

import "time"

// NodeOp 条件节点类型
type NodeOp string

const (
	NodeCompare NodeOp = "compare"
	NodeAnd     NodeOp = "and"
	NodeOr      NodeOp = "or"
	NodeNot     NodeOp = "not"
)

// ConditionNode 条件树节点（compare/and/or/not）
type ConditionNode struct {
	Op       NodeOp           `json:"op" yaml:"op"`
	Field    string           `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string           `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    interface{}      `json:"value,omitempty" yaml:"value,omitempty"`
	Children []*ConditionNode `json:"children,omitempty" yaml:"children,omitempty"`
}

// Compare 创建比较节点
func Compare(field, operator string, value interface{}) *ConditionNode {
	return &ConditionNode{Op: NodeCompare, Field: field, Operator: operator, Value: value}
}

// And 创建AND节点
func And(children ...*ConditionNode) *ConditionNode {
	return &ConditionNode{Op: NodeAnd, Children: children}
}

// Or 创建OR节点
func Or(children ...*ConditionNode) *ConditionNode {
	return &ConditionNode{Op: NodeOr, Children: children}
}

// Not 创建NOT节点
func Not(child *ConditionNode) *ConditionNode {
	return &ConditionNode{Op: NodeNot, Children: []*ConditionNode{child}}
}

// ActionType 规则动作类型
type ActionType string

const (
	ActionSendAlert ActionType = "send_alert"
	ActionPersist   ActionType = "persist"
	ActionNotify    ActionType = "notify"
)

// Action 规则命中后的动作
type Action struct {
	Type     ActionType `json:"type" yaml:"type"`
	Severity Severity   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Channels []string   `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// Rule 用户定义规则
type Rule struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Priority  int            `json:"priority" yaml:"priority"`
	Condition *ConditionNode `json:"condition" yaml:"condition"`
	Actions   []Action       `json:"actions,omitempty" yaml:"actions,omitempty"`
	Version   uint64         `json:"version" yaml:"version"`
	UpdatedAt time.Time      `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// AlertSeverity 规则的告警级别，取send_alert动作中最高的一个
func (r *Rule) AlertSeverity() Severity {
	sev := SeverityInfo
	for _, a := range r.Actions {
		if a.Type == ActionSendAlert && a.Severity.Rank() > sev.Rank() {
			sev = a.Severity
		}
	}
	return sev
}

// RuleMatch 规则命中事件
type RuleMatch struct {
	RuleID      string          `json:"rule_id"`
	RuleName    string          `json:"rule_name"`
	RuleVersion uint64          `json:"rule_version"`
	ChainID     uint64          `json:"chain_id"`
	TxHash      string          `json:"tx_hash"`
	TxKind      TransactionKind `json:"tx_kind"`
	Severity    Severity        `json:"severity"`
	Actions     []Action        `json:"actions,omitempty"`
	MatchedAt   time.Time       `json:"matched_at"`
	TxSeenAt    time.Time       `json:"tx_seen_at"`
}
