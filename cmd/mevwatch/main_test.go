package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"mevwatch/internal/config"
	"mevwatch/internal/logging"
	"mevwatch/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `
rules:
  - id: whale
    name: large transfer
    priority: 10
    condition: {op: compare, field: value, operator: gte, value: "100 ETH"}
    actions:
      - {type: send_alert, severity: high}
  - id: swaps
    condition: {op: compare, field: kind, operator: eq, value: swap}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidateRulesFile(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, validateRulesFile(&out, writeFile(t, "rules.yaml", rulesYAML)))
	assert.Contains(t, out.String(), "✓ whale")
	assert.Contains(t, out.String(), "通过: 2  拒绝: 0")

	bad := rulesYAML + `
  - id: broken
    condition: {op: compare, field: nope, operator: eq, value: "1"}
`
	out.Reset()
	err := validateRulesFile(&out, writeFile(t, "bad.yaml", bad))
	require.Error(t, err)
	assert.Contains(t, out.String(), "✗ broken")

	out.Reset()
	assert.Error(t, validateRulesFile(&out, filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestSeedRulesSkipsUnchanged(t *testing.T) {
	logger := logging.Discard()
	ruleStore, err := store.NewRuleStore(filepath.Join(t.TempDir(), "rules.db"), logger)
	require.NoError(t, err)

	cfg := &config.RulesConfig{File: writeFile(t, "rules.yaml", rulesYAML)}
	require.NoError(t, seedRules(context.Background(), cfg, ruleStore, logger))
	snapshot := ruleStore.SnapshotVersion()
	assert.EqualValues(t, 2, snapshot)

	// 再次启动时内容未变，不产生新快照
	require.NoError(t, seedRules(context.Background(), cfg, ruleStore, logger))
	assert.Equal(t, snapshot, ruleStore.SnapshotVersion())

	whale, err := ruleStore.Get("whale")
	require.NoError(t, err)
	assert.EqualValues(t, 1, whale.Version)
	assert.True(t, whale.Enabled)

	var out bytes.Buffer
	require.NoError(t, ruleStore.Close())
	require.NoError(t, listRules(&out, ruleStore.GetDBPath()))
	assert.Contains(t, out.String(), "whale")
	assert.Contains(t, out.String(), "共 2 条规则")
}

func TestSeedRulesSkipsInvalid(t *testing.T) {
	logger := logging.Discard()
	ruleStore, err := store.NewRuleStore(filepath.Join(t.TempDir(), "rules.db"), logger)
	require.NoError(t, err)
	defer ruleStore.Close()

	doc := `
- id: broken
  condition: {op: compare, field: nope, operator: eq, value: "1"}
`
	cfg := &config.RulesConfig{File: writeFile(t, "rules.yaml", doc)}
	require.NoError(t, seedRules(context.Background(), cfg, ruleStore, logger))

	list, err := ruleStore.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNewAppWiresComponents(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "rules.db")
	cfg.Rules.File = writeFile(t, "rules.yaml", rulesYAML)
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.store.Close()

	assert.Len(t, a.engine.Rules(), 2)
	assert.Equal(t, []uint64{1}, a.pipeline.Chains())
	assert.Nil(t, a.source)
	assert.NotNil(t, a.server)
	assert.Equal(t, "log", a.sink.Name())
}

func TestBuildDetectorsHonorsEnabled(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "rules.db")
	cfg.Detectors.Sandwich.Enabled = false

	a, err := newApp(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.store.Close()

	detectors := buildDetectors(cfg.Detectors, a.market, a.gas, a.dispatcher, logging.Discard(), a.metrics)
	names := make([]string, 0, len(detectors))
	for _, d := range detectors {
		names = append(names, d.Name())
	}
	assert.ElementsMatch(t, []string{"arbitrage", "liquidation"}, names)
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{{"run"}, {"rules", "validate"}, {"rules", "list"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
