package rules

import (
	"fmt"
	"os"

	"mevwatch/internal/errors"
	"mevwatch/pkg/models"

	"gopkg.in/yaml.v3"
)

// fileRule 规则文件中的规则，enabled缺省为true
type fileRule struct {
	ID        string                `yaml:"id"`
	Name      string                `yaml:"name"`
	Enabled   *bool                 `yaml:"enabled"`
	Priority  int                   `yaml:"priority"`
	Condition *models.ConditionNode `yaml:"condition"`
	Actions   []models.Action       `yaml:"actions"`
	Version   uint64                `yaml:"version"`
}

type ruleFile struct {
	Rules []fileRule `yaml:"rules"`
}

// ParseRules 解析YAML或JSON格式的规则文档。文档可以是 {rules: [...]} 或直接是列表
func ParseRules(data []byte) ([]models.Rule, error) {
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		// 顶层为列表的情况
		var list []fileRule
		if listErr := yaml.Unmarshal(data, &list); listErr != nil {
			return nil, errors.ErrSerializationFailed.Wrap(err).WithComponent("rules")
		}
		doc.Rules = list
	}

	rules := make([]models.Rule, 0, len(doc.Rules))
	for _, fr := range doc.Rules {
		enabled := true
		if fr.Enabled != nil {
			enabled = *fr.Enabled
		}
		rules = append(rules, models.Rule{
			ID:        fr.ID,
			Name:      fr.Name,
			Enabled:   enabled,
			Priority:  fr.Priority,
			Condition: fr.Condition,
			Actions:   fr.Actions,
			Version:   fr.Version,
		})
	}
	return rules, nil
}

// LoadRulesFile 从文件读取规则
func LoadRulesFile(path string) ([]models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取规则文件失败: %w", err)
	}
	return ParseRules(data)
}
