package api

import (
	"io"
	"net/http"
	"strconv"

	"mevwatch/internal/errors"
	"mevwatch/internal/rules"
	"mevwatch/pkg/models"

	"github.com/gin-gonic/gin"
)

// maxRuleDocument 校验接口接受的文档大小上限
const maxRuleDocument = 1 << 20

// reloadRules 以仓库中的全部规则替换引擎规则集
func (s *Server) reloadRules() (*rules.LoadResult, error) {
	list, err := s.opts.Rules.List()
	if err != nil {
		return nil, err
	}
	return s.opts.Engine.LoadRules(list), nil
}

func (s *Server) rulesAvailable(c *gin.Context) bool {
	if s.opts.Rules == nil || s.opts.Engine == nil {
		unavailable(c, "rules")
		return false
	}
	return true
}

// listRules 规则列表，附带引擎当前版本
func (s *Server) listRules(c *gin.Context) {
	if !s.rulesAvailable(c) {
		return
	}

	list, err := s.opts.Rules.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rules":          list,
		"total":          len(list),
		"snapshot":       s.opts.Rules.SnapshotVersion(),
		"engine_version": s.opts.Engine.Snapshot().Version,
	})
}

// getRule 单条规则
func (s *Server) getRule(c *gin.Context) {
	if !s.rulesAvailable(c) {
		return
	}

	rule, err := s.opts.Rules.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// createRule 新增规则，编译失败的规则不会写入仓库
func (s *Server) createRule(c *gin.Context) {
	if !s.rulesAvailable(c) {
		return
	}

	var rule models.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if rule.ID == "" {
		writeError(c, errors.ErrInvalidRule.New().WithContext("reason", "缺少规则ID"))
		return
	}

	s.saveRule(c, rule, http.StatusCreated)
}

// updateRule 更新规则，规则必须已存在
func (s *Server) updateRule(c *gin.Context) {
	if !s.rulesAvailable(c) {
		return
	}

	id := c.Param("id")
	var rule models.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if rule.ID != "" && rule.ID != id {
		writeError(c, errors.ErrInvalidRule.New().WithRuleID(id).WithContext("reason", "路径与请求体中的规则ID不一致"))
		return
	}
	rule.ID = id

	if _, err := s.opts.Rules.Get(id); err != nil {
		writeError(c, err)
		return
	}

	s.saveRule(c, rule, http.StatusOK)
}

func (s *Server) saveRule(c *gin.Context, rule models.Rule, status int) {
	if err := rules.Compile(rule); err != nil {
		writeError(c, err)
		return
	}

	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	saved, snapshot, err := s.opts.Rules.Put(rule)
	if err != nil {
		writeError(c, err)
		return
	}
	result, err := s.reloadRules()
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(status, gin.H{
		"rule":           saved,
		"snapshot":       snapshot,
		"engine_version": result.Version,
	})
}

// deleteRule 删除规则并重新加载
func (s *Server) deleteRule(c *gin.Context) {
	if !s.rulesAvailable(c) {
		return
	}

	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	id := c.Param("id")
	snapshot, err := s.opts.Rules.Delete(id)
	if err != nil {
		writeError(c, err)
		return
	}
	result, err := s.reloadRules()
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":        "规则已删除",
		"id":             id,
		"snapshot":       snapshot,
		"engine_version": result.Version,
	})
}

// validateRules 校验YAML或JSON规则文档，不修改仓库和引擎
func (s *Server) validateRules(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRuleDocument))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	parsed, err := rules.ParseRules(data)
	if err != nil {
		writeError(c, err)
		return
	}

	accepted, rejected := ValidateRules(parsed)
	c.JSON(http.StatusOK, gin.H{
		"valid":    len(rejected) == 0,
		"accepted": accepted,
		"rejected": rejected,
	})
}

// ValidateRules 逐条编译规则，返回通过的规则ID和拒绝原因
func ValidateRules(list []models.Rule) ([]string, map[string]string) {
	accepted := make([]string, 0, len(list))
	rejected := make(map[string]string)
	seen := make(map[string]bool, len(list))

	for i, rule := range list {
		key := rule.ID
		if key == "" {
			key = "#" + strconv.Itoa(i)
			rejected[key] = errors.ErrInvalidRule.New().WithContext("reason", "缺少规则ID").Error()
			continue
		}
		if seen[key] {
			rejected[key+"#"+strconv.Itoa(i)] = errors.ErrInvalidRule.New().WithRuleID(key).WithContext("reason", "重复的规则ID").Error()
			continue
		}
		seen[key] = true

		if err := rules.Compile(rule); err != nil {
			rejected[key] = err.Error()
			continue
		}
		accepted = append(accepted, key)
	}
	return accepted, rejected
}
