package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mevwatch/internal/errors"
	"mevwatch/internal/metrics"
	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// compiledRule 编译后的规则
type compiledRule struct {
	rule     models.Rule
	root     node
	severity models.Severity
}

// snapshot 不可变的规则集合，整体替换
type snapshot struct {
	version  uint64
	rules    []*compiledRule // 优先级降序，同优先级按ID升序
	loadedAt time.Time
}

// LoadResult 一次加载的逐条结果
type LoadResult struct {
	Version  uint64           `json:"version"`
	Accepted []string         `json:"accepted"`
	Rejected map[string]error `json:"-"`
	Err      error            `json:"-"` // 所有拒绝原因的汇总，全部接受时为nil
}

// RejectedReasons 拒绝原因的字符串形式
func (r *LoadResult) RejectedReasons() map[string]string {
	out := make(map[string]string, len(r.Rejected))
	for id, err := range r.Rejected {
		out[id] = err.Error()
	}
	return out
}

// cacheKey 编译缓存键。条件指纹参与比较，同版本但条件不同的规则会重新编译
type cacheKey struct {
	id          string
	version     uint64
	fingerprint common.Hash
}

// conditionFingerprint 条件树的keccak256指纹，无法序列化时返回false
func conditionFingerprint(cond *models.ConditionNode) (common.Hash, bool) {
	data, err := json.Marshal(cond)
	if err != nil {
		return common.Hash{}, false
	}
	return crypto.Keccak256Hash(data), true
}

// Engine 规则引擎。读路径无锁，规则替换通过原子指针完成
type Engine struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics

	current atomic.Pointer[snapshot]
	version atomic.Uint64

	loadMu sync.Mutex // 串行化加载
	cache  map[cacheKey]*compiledRule
}

// NewEngine 创建规则引擎，初始为空规则集
func NewEngine(logger *logrus.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		logger:  logger,
		metrics: m,
		cache:   make(map[cacheKey]*compiledRule),
	}
	e.current.Store(&snapshot{loadedAt: time.Now()})
	return e
}

// Compile 校验单条规则，不影响当前规则集
func Compile(rule models.Rule) error {
	_, err := compileRule(rule)
	return err
}

func compileRule(rule models.Rule) (*compiledRule, error) {
	if rule.ID == "" {
		return nil, errors.ErrInvalidRule.New().WithContext("reason", "缺少规则ID")
	}
	for _, action := range rule.Actions {
		switch action.Type {
		case models.ActionSendAlert, models.ActionPersist, models.ActionNotify:
		default:
			return nil, errors.ErrInvalidRule.New().WithRuleID(rule.ID).
				WithContext("reason", fmt.Sprintf("未知动作: %q", action.Type))
		}
		if action.Severity != "" && !action.Severity.Valid() {
			return nil, errors.ErrInvalidRule.New().WithRuleID(rule.ID).
				WithContext("reason", fmt.Sprintf("未知告警级别: %q", action.Severity))
		}
	}

	root, err := compile(rule.Condition, 0)
	if err != nil {
		if we, ok := errors.As(err); ok {
			return nil, we.WithRuleID(rule.ID)
		}
		return nil, err
	}

	return &compiledRule{rule: rule, root: root, severity: rule.AlertSeverity()}, nil
}

// LoadRules 原子替换规则集。每条规则独立校验，坏规则被拒绝但不影响其他规则
func (e *Engine) LoadRules(rules []models.Rule) *LoadResult {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	result := &LoadResult{
		Accepted: make([]string, 0, len(rules)),
		Rejected: make(map[string]error),
	}
	var merr *multierror.Error

	compiled := make([]*compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	nextCache := make(map[cacheKey]*compiledRule, len(rules))

	for i, rule := range rules {
		key := rule.ID
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		if seen[rule.ID] && rule.ID != "" {
			err := errors.ErrInvalidRule.New().WithRuleID(rule.ID).WithContext("reason", "重复的规则ID")
			result.Rejected[fmt.Sprintf("%s#%d", rule.ID, i)] = err
			merr = multierror.Append(merr, err)
			continue
		}
		seen[rule.ID] = true

		fingerprint, cacheable := conditionFingerprint(rule.Condition)
		cacheable = cacheable && rule.Version > 0
		ck := cacheKey{id: rule.ID, version: rule.Version, fingerprint: fingerprint}
		cr, cached := e.cache[ck]
		if cached && cacheable {
			// 同版本只复用编译结果，元数据取本次输入
			cr = &compiledRule{rule: rule, root: cr.root, severity: rule.AlertSeverity()}
		} else {
			var err error
			cr, err = compileRule(rule)
			if err != nil {
				result.Rejected[key] = err
				merr = multierror.Append(merr, fmt.Errorf("规则 %s: %w", key, err))
				e.logger.WithFields(logrus.Fields{
					"component": "rules",
					"rule_id":   key,
				}).WithError(err).Warn("规则被拒绝")
				continue
			}
		}
		if cacheable {
			nextCache[ck] = cr
		}

		compiled = append(compiled, cr)
		result.Accepted = append(result.Accepted, rule.ID)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i].rule, compiled[j].rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	snap := &snapshot{
		version:  e.version.Add(1),
		rules:    compiled,
		loadedAt: time.Now(),
	}
	e.current.Store(snap)
	e.cache = nextCache

	result.Version = snap.version
	result.Err = merr.ErrorOrNil()

	e.metrics.SetRulesLoaded(len(result.Accepted), len(result.Rejected))
	e.logger.WithFields(logrus.Fields{
		"component": "rules",
		"version":   snap.version,
		"accepted":  len(result.Accepted),
		"rejected":  len(result.Rejected),
	}).Info("规则集已更新")

	return result
}

// Evaluate 对交易执行全部启用的规则，按优先级顺序返回命中结果
//
// ctx结束时停止评估剩余规则，已命中的结果照常返回。结果只取决于规则集和交易，
// MatchedAt由调用方填写。
func (e *Engine) Evaluate(ctx context.Context, tx *models.Transaction) []models.RuleMatch {
	snap := e.current.Load()
	if tx == nil || len(snap.rules) == 0 {
		return nil
	}

	var matches []models.RuleMatch
	for _, cr := range snap.rules {
		if !cr.rule.Enabled {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		matched, err := e.evalRule(cr, tx)
		if err != nil {
			e.metrics.IncRuleError(cr.rule.ID)
			e.logger.WithFields(logrus.Fields{
				"component": "rules",
				"rule_id":   cr.rule.ID,
				"tx_hash":   tx.Hash.Hex(),
			}).WithError(err).Error("规则评估异常，已跳过")
			continue
		}
		if !matched {
			continue
		}

		e.metrics.IncRuleMatch(cr.rule.ID)
		matches = append(matches, models.RuleMatch{
			RuleID:      cr.rule.ID,
			RuleName:    cr.rule.Name,
			RuleVersion: cr.rule.Version,
			ChainID:     tx.ChainID,
			TxHash:      tx.Hash.Hex(),
			TxKind:      tx.Kind,
			Severity:    cr.severity,
			Actions:     cr.rule.Actions,
			TxSeenAt:    tx.FirstSeen,
		})
	}

	return matches
}

// evalRule 执行单条规则，panic被转换为错误
func (e *Engine) evalRule(cr *compiledRule, tx *models.Transaction) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = errors.ErrEvaluationPanic.New().
				WithRuleID(cr.rule.ID).
				WithTxHash(tx.Hash.Hex()).
				WithContext("panic", fmt.Sprint(r))
		}
	}()
	return cr.root.eval(tx), nil
}

// Version 当前规则集版本
func (e *Engine) Version() uint64 {
	return e.current.Load().version
}

// RuleSet 某一时刻规则集的只读视图
type RuleSet struct {
	Version  uint64        `json:"version"`
	Rules    []models.Rule `json:"rules"`
	LoadedAt time.Time     `json:"loaded_at"`
}

// Snapshot 当前规则集，版本和规则来自同一次加载
func (e *Engine) Snapshot() RuleSet {
	snap := e.current.Load()
	out := make([]models.Rule, 0, len(snap.rules))
	for _, cr := range snap.rules {
		out = append(out, cr.rule)
	}
	return RuleSet{Version: snap.version, Rules: out, LoadedAt: snap.loadedAt}
}

// Rules 当前规则集中的规则，按评估顺序
func (e *Engine) Rules() []models.Rule {
	return e.Snapshot().Rules
}

// Stats 规则集统计
func (e *Engine) Stats() map[string]interface{} {
	snap := e.current.Load()
	enabled := 0
	for _, cr := range snap.rules {
		if cr.rule.Enabled {
			enabled++
		}
	}
	return map[string]interface{}{
		"version":   snap.version,
		"rules":     len(snap.rules),
		"enabled":   enabled,
		"loaded_at": snap.loadedAt,
	}
}
