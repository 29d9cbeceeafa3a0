package models

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank 级别序号，未知级别按info处理
func (s Severity) Rank() int {
	return severityRanks[s]
}

// Valid 是否为已知级别
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// OpportunityKind 机会类型
type OpportunityKind string

const (
	OpportunityArbitrage   OpportunityKind = "arbitrage"
	OpportunitySandwich    OpportunityKind = "sandwich"
	OpportunityLiquidation OpportunityKind = "liquidation"
	OpportunityRuleMatch   OpportunityKind = "rule_match"
)

// Opportunity 检测器或规则产出的告警/机会
//
// 创建后只允许设置Superseded标记。
type Opportunity struct {
	ID            string                 `json:"id"`
	Kind          OpportunityKind        `json:"kind"`
	ChainID       uint64                 `json:"chain_id"`
	Source        string                 `json:"source"`      // 来源交易哈希或仓位键
	DetectorID    string                 `json:"detector_id"` // 检测器名称或规则ID
	Severity      Severity               `json:"severity"`
	Magnitude     decimal.Decimal        `json:"magnitude"` // 预估利润或风险（ETH）
	EvidenceTxs   []string               `json:"evidence_txs,omitempty"`
	EvidencePools []string               `json:"evidence_pools,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ObservedAt    time.Time              `json:"observed_at"` // 来源交易首次出现时间
	Superseded    bool                   `json:"superseded"`
	SupersedesID  string                 `json:"supersedes_id,omitempty"`
	Revision      int                    `json:"revision"`
}

// NewOpportunityID 由来源和检测器确定性生成ID
func NewOpportunityID(source, detectorID string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.ToLower(source)))
	h.Write([]byte{0})
	h.Write([]byte(detectorID))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// NewOpportunity 创建机会并填充ID和时间
func NewOpportunity(kind OpportunityKind, chainID uint64, source, detectorID string, magnitude decimal.Decimal, severity Severity) *Opportunity {
	return &Opportunity{
		ID:         NewOpportunityID(source, detectorID),
		Kind:       kind,
		ChainID:    chainID,
		Source:     source,
		DetectorID: detectorID,
		Severity:   severity,
		Magnitude:  magnitude,
		Details:    make(map[string]interface{}),
		CreatedAt:  time.Now(),
	}
}

// MoreSignificantThan 严格比较：利润优先，其次级别
func (o *Opportunity) MoreSignificantThan(other *Opportunity) bool {
	if other == nil {
		return true
	}
	if c := o.Magnitude.Cmp(other.Magnitude); c != 0 {
		return c > 0
	}
	return o.Severity.Rank() > other.Severity.Rank()
}

// FromRuleMatch 规则命中转换为可分发的机会
func FromRuleMatch(m *RuleMatch) *Opportunity {
	op := NewOpportunity(OpportunityRuleMatch, m.ChainID, m.TxHash, m.RuleID, decimal.Zero, m.Severity)
	op.EvidenceTxs = []string{m.TxHash}
	op.ObservedAt = m.TxSeenAt
	op.CreatedAt = m.MatchedAt
	op.Details["rule_name"] = m.RuleName
	op.Details["rule_version"] = m.RuleVersion
	op.Details["tx_kind"] = string(m.TxKind)
	if len(m.Actions) > 0 {
		op.Details["actions"] = m.Actions
	}
	return op
}
