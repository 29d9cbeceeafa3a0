package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"mevwatch/internal/errors"
	"mevwatch/internal/logging"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "MEVWATCH"

// Config 主配置
type Config struct {
	Chains    []*ChainConfig     `mapstructure:"chains"`
	Source    *SourceConfig      `mapstructure:"source"`
	Pipeline  *PipelineConfig    `mapstructure:"pipeline"`
	Rules     *RulesConfig       `mapstructure:"rules"`
	Gas       *GasConfig         `mapstructure:"gas"`
	Market    *MarketConfig      `mapstructure:"market"`
	Detectors *DetectorsConfig   `mapstructure:"detectors"`
	Dedup     *DedupConfig       `mapstructure:"dedup"`
	Output    *OutputConfig      `mapstructure:"output"`
	Store     *StoreConfig       `mapstructure:"store"`
	API       *APIConfig         `mapstructure:"api"`
	Metrics   *MetricsConfig     `mapstructure:"metrics"`
	Logging   *logging.LogConfig `mapstructure:"logging"`
}

// ChainConfig 链配置
type ChainConfig struct {
	ID      uint64 `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	NodeURL string `mapstructure:"node_url"` // websocket地址，为空时不订阅
	Enabled bool   `mapstructure:"enabled"`
}

// SourceConfig 待处理交易订阅配置
type SourceConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	FullTx         bool   `mapstructure:"full_tx"`
	ReconnectDelay string `mapstructure:"reconnect_delay"`
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	IngestQueueSize   int    `mapstructure:"ingest_queue_size"`
	EvalQueueSize     int    `mapstructure:"eval_queue_size"`
	DispatchQueueSize int    `mapstructure:"dispatch_queue_size"`
	EvalWorkers       int    `mapstructure:"eval_workers"`
	TxTimeout         string `mapstructure:"tx_timeout"`
}

// RulesConfig 规则来源配置
type RulesConfig struct {
	File        string `mapstructure:"file"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Table       string `mapstructure:"table"`
}

// GasConfig gas追踪配置
type GasConfig struct {
	Capacity   int     `mapstructure:"capacity"`
	MinSamples int     `mapstructure:"min_samples"`
	EWMAAlpha  float64 `mapstructure:"ewma_alpha"`
}

// MarketConfig 市场状态缓存配置
type MarketConfig struct {
	PoolMaxAge     string `mapstructure:"pool_max_age"`
	PositionMaxAge string `mapstructure:"position_max_age"`
}

// DetectorsConfig 检测器配置
type DetectorsConfig struct {
	Arbitrage   *ArbitrageConfig   `mapstructure:"arbitrage"`
	Sandwich    *SandwichConfig    `mapstructure:"sandwich"`
	Liquidation *LiquidationConfig `mapstructure:"liquidation"`
}

// ArbitrageConfig 套利检测配置，金额单位ETH
type ArbitrageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	MinProfit string `mapstructure:"min_profit"`
	GasUnits  uint64 `mapstructure:"gas_units"`
}

// SandwichConfig 三明治检测配置
type SandwichConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	MinNotional      string `mapstructure:"min_notional"`
	MinProfit        string `mapstructure:"min_profit"`
	GasUnits         uint64 `mapstructure:"gas_units"`
	FrontrunFraction string `mapstructure:"frontrun_fraction"` // 占输入储备的比例，0表示与受害者输入相同
}

// LiquidationConfig 清算检测配置
type LiquidationConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	HealthThreshold  string `mapstructure:"health_threshold"`
	HysteresisMargin string `mapstructure:"hysteresis_margin"`
	CloseFactor      string `mapstructure:"close_factor"`
}

// DedupConfig 去重窗口配置
type DedupConfig struct {
	Window   string `mapstructure:"window"`
	Capacity uint64 `mapstructure:"capacity"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// PostgresConfig 告警落库配置
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// FileConfig 文件输出配置
type FileConfig struct {
	Directory     string `mapstructure:"directory"`
	FlushInterval string `mapstructure:"flush_interval"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Sinks    []string        `mapstructure:"sinks"` // log, kafka, postgres, file
	Kafka    *KafkaConfig    `mapstructure:"kafka"`
	Postgres *PostgresConfig `mapstructure:"postgres"`
	File     *FileConfig     `mapstructure:"file"`
}

// StoreConfig 本地规则存储配置
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig API配置
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// LoadConfig 加载配置，文件为空时只使用默认值和环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 未出现在配置文件中的敏感项也允许从环境变量读取
	for _, key := range []string{"rules.postgres_dsn", "output.postgres.dsn", "output.kafka.brokers", "api.port"} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadConfigFromFile 从文件加载配置
func LoadConfigFromFile(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("配置文件路径为空")
	}
	return LoadConfig(configPath)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Chains: []*ChainConfig{
			{
				ID:      1,
				Name:    "ethereum",
				NodeURL: "", // 需要在YAML配置中指定
				Enabled: true,
			},
		},
		Source: &SourceConfig{
			Enabled:        false,
			FullTx:         true,
			ReconnectDelay: "5s",
		},
		Pipeline: &PipelineConfig{
			IngestQueueSize:   4096,
			EvalQueueSize:     10000,
			DispatchQueueSize: 10000,
			EvalWorkers:       runtime.NumCPU(),
			TxTimeout:         "5ms",
		},
		Rules: &RulesConfig{
			File:  "",
			Table: "mev_rules",
		},
		Gas: &GasConfig{
			Capacity:   512,
			MinSamples: 20,
			EWMAAlpha:  0.2,
		},
		Market: &MarketConfig{
			PoolMaxAge:     "12s",
			PositionMaxAge: "12s",
		},
		Detectors: &DetectorsConfig{
			Arbitrage: &ArbitrageConfig{
				Enabled:   true,
				MinProfit: "0.01",
				GasUnits:  180000,
			},
			Sandwich: &SandwichConfig{
				Enabled:          true,
				MinNotional:      "10",
				MinProfit:        "0.01",
				GasUnits:         300000,
				FrontrunFraction: "0",
			},
			Liquidation: &LiquidationConfig{
				Enabled:          true,
				HealthThreshold:  "1.0",
				HysteresisMargin: "0.05",
				CloseFactor:      "0.5",
			},
		},
		Dedup: &DedupConfig{
			Window:   "2m",
			Capacity: 100000,
		},
		Output: &OutputConfig{
			Sinks: []string{"log"},
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"arbitrage":   "mev_arbitrage",
					"sandwich":    "mev_sandwich",
					"liquidation": "mev_liquidation",
					"rule_match":  "mev_rule_matches",
				},
			},
			Postgres: &PostgresConfig{
				Table: "mev_opportunities",
			},
			File: &FileConfig{
				Directory:     "./outputs",
				FlushInterval: "1s",
			},
		},
		Store: &StoreConfig{
			Path: "./data/rules.db",
		},
		API: &APIConfig{
			Enabled: true,
			Port:    8080,
		},
		Metrics: &MetricsConfig{
			Namespace: "mevwatch",
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Validate 校验配置，汇总所有问题一次返回
func (c *Config) Validate() error {
	var merr *multierror.Error

	if len(c.Chains) == 0 {
		merr = multierror.Append(merr, fmt.Errorf("至少需要配置一条链"))
	}
	seen := make(map[uint64]bool)
	for _, chain := range c.Chains {
		if chain.ID == 0 {
			merr = multierror.Append(merr, fmt.Errorf("链 %q 缺少id", chain.Name))
		}
		if seen[chain.ID] {
			merr = multierror.Append(merr, fmt.Errorf("重复的链id: %d", chain.ID))
		}
		seen[chain.ID] = true
	}

	durations := map[string]string{
		"pipeline.tx_timeout":     c.Pipeline.TxTimeout,
		"market.pool_max_age":     c.Market.PoolMaxAge,
		"market.position_max_age": c.Market.PositionMaxAge,
		"dedup.window":            c.Dedup.Window,
		"source.reconnect_delay":  c.Source.ReconnectDelay,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s 无效: %w", key, err))
		}
	}

	decimals := map[string]string{
		"detectors.arbitrage.min_profit":          c.Detectors.Arbitrage.MinProfit,
		"detectors.sandwich.min_notional":         c.Detectors.Sandwich.MinNotional,
		"detectors.sandwich.min_profit":           c.Detectors.Sandwich.MinProfit,
		"detectors.sandwich.frontrun_fraction":    c.Detectors.Sandwich.FrontrunFraction,
		"detectors.liquidation.health_threshold":  c.Detectors.Liquidation.HealthThreshold,
		"detectors.liquidation.hysteresis_margin": c.Detectors.Liquidation.HysteresisMargin,
		"detectors.liquidation.close_factor":      c.Detectors.Liquidation.CloseFactor,
	}
	for key, value := range decimals {
		d, err := decimal.NewFromString(value)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s 无效: %w", key, err))
			continue
		}
		if d.IsNegative() {
			merr = multierror.Append(merr, fmt.Errorf("%s 不能为负数", key))
		}
	}

	if c.Pipeline.EvalWorkers <= 0 {
		merr = multierror.Append(merr, fmt.Errorf("pipeline.eval_workers 必须大于0"))
	}
	if c.Pipeline.IngestQueueSize <= 0 || c.Pipeline.EvalQueueSize <= 0 || c.Pipeline.DispatchQueueSize <= 0 {
		merr = multierror.Append(merr, fmt.Errorf("队列容量必须大于0"))
	}
	if c.Gas.Capacity <= 0 || c.Gas.MinSamples <= 0 {
		merr = multierror.Append(merr, fmt.Errorf("gas.capacity 和 gas.min_samples 必须大于0"))
	}
	if c.Gas.MinSamples > c.Gas.Capacity {
		merr = multierror.Append(merr, fmt.Errorf("gas.min_samples 不能超过 gas.capacity"))
	}
	if c.Gas.EWMAAlpha <= 0 || c.Gas.EWMAAlpha > 1 {
		merr = multierror.Append(merr, fmt.Errorf("gas.ewma_alpha 必须在 (0, 1] 区间"))
	}

	for _, sink := range c.Output.Sinks {
		switch sink {
		case "log", "file":
		case "kafka":
			if len(c.Output.Kafka.Brokers) == 0 {
				merr = multierror.Append(merr, fmt.Errorf("kafka输出需要配置brokers"))
			}
		case "postgres":
			if c.Output.Postgres.DSN == "" {
				merr = multierror.Append(merr, fmt.Errorf("postgres输出需要配置dsn"))
			}
		default:
			merr = multierror.Append(merr, fmt.Errorf("不支持的输出类型: %s", sink))
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		return errors.ErrConfigInvalid.Wrap(err)
	}
	return nil
}

// ChainIDs 启用的链ID
func (c *Config) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Chains))
	for _, chain := range c.Chains {
		if chain.Enabled {
			ids = append(ids, chain.ID)
		}
	}
	return ids
}

// ParseDuration 解析时长，失败时返回默认值
func ParseDuration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// ParseDecimal 解析十进制数，失败时返回默认值
func ParseDecimal(value string, def decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return def
	}
	return d
}
