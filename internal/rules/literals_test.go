package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"mevwatch/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		raw  interface{}
		want string
	}{
		{"100 ETH", "100000000000000000000"},
		{"1.5 ether", "1500000000000000000"},
		{"30 gwei", "30000000000"},
		{"0.000000001 ether", "1000000000"},
		{"21000", "21000"},
		{"0x5208", "21000"},
		{"7 wei", "7"},
		{1, "1"},
		{int64(42), "42"},
		{uint64(42), "42"},
		{float64(21000), "21000"},
		{json.Number("123"), "123"},
	}

	for _, tt := range tests {
		v, err := ParseAmount(tt.raw)
		require.NoError(t, err, "%v", tt.raw)
		assert.Equal(t, tt.want, v.String(), "%v", tt.raw)
	}
}

func TestParseAmount_Rejects(t *testing.T) {
	for _, raw := range []interface{}{
		"", "abc", "1.5", "0.5 wei", "10 bananas", "1 2 3", "-1 ether", "0xzz",
		1.5, -1, true, nil, []interface{}{1},
	} {
		_, err := ParseAmount(raw)
		assert.Error(t, err, "%v", raw)
	}
}

func TestParseRules_YAML(t *testing.T) {
	doc := `
rules:
  - id: whale
    name: large transfer
    priority: 10
    condition:
      op: and
      children:
        - {op: compare, field: value, operator: gte, value: "100 ETH"}
        - {op: compare, field: kind, operator: in, value: [transfer, swap]}
    actions:
      - type: send_alert
        severity: high
  - id: disabled
    enabled: false
    condition: {field: nonce, operator: eq, value: 0}
`
	rules, err := ParseRules([]byte(doc))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.True(t, rules[0].Enabled)
	assert.Equal(t, 10, rules[0].Priority)
	assert.Equal(t, models.SeverityHigh, rules[0].AlertSeverity())
	assert.NoError(t, Compile(rules[0]))

	assert.False(t, rules[1].Enabled)
	// 省略op时按比较节点处理
	assert.NoError(t, Compile(rules[1]))
}

func TestParseRules_JSONList(t *testing.T) {
	doc := `[{"id":"r1","condition":{"op":"compare","field":"gas_price","operator":"gt","value":"50 gwei"}}]`
	rules, err := ParseRules([]byte(doc))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)
	assert.NoError(t, Compile(rules[0]))
}

func TestParseRules_Invalid(t *testing.T) {
	_, err := ParseRules([]byte("rules: [unterminated"))
	assert.Error(t, err)
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: a\n    condition: {field: value, operator: gt, value: 0}\n"), 0644))

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	_, err = LoadRulesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
