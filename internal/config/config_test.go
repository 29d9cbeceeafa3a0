package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"mevwatch/internal/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	config := GetDefaultConfig()

	assert.NotNil(t, config)
	assert.NotEmpty(t, config.Chains)
	assert.NotNil(t, config.Pipeline)
	assert.NotNil(t, config.Detectors)
	assert.NotNil(t, config.Output)
	assert.NotNil(t, config.Logging)

	// 测试链配置
	assert.Equal(t, uint64(1), config.Chains[0].ID)
	assert.Equal(t, "", config.Chains[0].NodeURL)

	// 测试流水线配置
	assert.Equal(t, 10000, config.Pipeline.EvalQueueSize)
	assert.Equal(t, "5ms", config.Pipeline.TxTimeout)
	assert.Greater(t, config.Pipeline.EvalWorkers, 0)

	// 测试gas配置
	assert.Equal(t, 512, config.Gas.Capacity)
	assert.Equal(t, 20, config.Gas.MinSamples)

	// 测试检测器配置
	assert.Equal(t, "0.05", config.Detectors.Liquidation.HysteresisMargin)
	assert.Equal(t, "2m", config.Dedup.Window)

	// 测试输出配置
	assert.Equal(t, []string{"log"}, config.Output.Sinks)
	assert.NotEmpty(t, config.Output.Kafka.Topics)

	assert.NoError(t, config.Validate())
}

func TestLoadConfig_FromFile(t *testing.T) {
	content := `
chains:
  - id: 1
    name: ethereum
    enabled: true
  - id: 56
    name: bsc
    enabled: false
pipeline:
  eval_workers: 3
  tx_timeout: 10ms
gas:
  min_samples: 30
detectors:
  arbitrage:
    min_profit: "0.05"
logging:
  level: debug
  format: text
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Len(t, config.Chains, 2)
	assert.Equal(t, []uint64{1}, config.ChainIDs())
	assert.Equal(t, 3, config.Pipeline.EvalWorkers)
	assert.Equal(t, "10ms", config.Pipeline.TxTimeout)
	assert.Equal(t, 30, config.Gas.MinSamples)
	assert.Equal(t, "0.05", config.Detectors.Arbitrage.MinProfit)
	assert.Equal(t, "debug", config.Logging.Level)

	// 未出现在文件中的值保持默认
	assert.Equal(t, 512, config.Gas.Capacity)
	assert.Equal(t, 10000, config.Pipeline.EvalQueueSize)
	assert.Equal(t, "0.05", config.Detectors.Liquidation.HysteresisMargin)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("MEVWATCH_RULES_POSTGRES_DSN", "postgres://localhost/mev")

	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/mev", config.Rules.PostgresDSN)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		valid  bool
	}{
		{
			name:   "default",
			mutate: func(c *Config) {},
			valid:  true,
		},
		{
			name:   "no chains",
			mutate: func(c *Config) { c.Chains = nil },
			valid:  false,
		},
		{
			name: "duplicate chain",
			mutate: func(c *Config) {
				c.Chains = append(c.Chains, &ChainConfig{ID: 1, Name: "dup", Enabled: true})
			},
			valid: false,
		},
		{
			name:   "bad duration",
			mutate: func(c *Config) { c.Dedup.Window = "two minutes" },
			valid:  false,
		},
		{
			name:   "bad decimal",
			mutate: func(c *Config) { c.Detectors.Sandwich.MinNotional = "ten" },
			valid:  false,
		},
		{
			name:   "negative margin",
			mutate: func(c *Config) { c.Detectors.Liquidation.HysteresisMargin = "-0.1" },
			valid:  false,
		},
		{
			name:   "min samples above capacity",
			mutate: func(c *Config) { c.Gas.MinSamples = 1000 },
			valid:  false,
		},
		{
			name:   "postgres sink without dsn",
			mutate: func(c *Config) { c.Output.Sinks = []string{"postgres"} },
			valid:  false,
		},
		{
			name:   "unknown sink",
			mutate: func(c *Config) { c.Output.Sinks = []string{"telegram"} },
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := GetDefaultConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
		})
	}
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, 5*time.Millisecond, ParseDuration("5ms", time.Second))
	assert.Equal(t, time.Second, ParseDuration("bogus", time.Second))
	assert.True(t, decimal.RequireFromString("0.5").Equal(ParseDecimal("0.5", decimal.Zero)))
	assert.True(t, decimal.Zero.Equal(ParseDecimal("x", decimal.Zero)))
}
