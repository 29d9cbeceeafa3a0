package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mevwatch/internal/api"
	"mevwatch/internal/config"
	"mevwatch/internal/detector"
	"mevwatch/internal/dispatch"
	"mevwatch/internal/errors"
	"mevwatch/internal/gas"
	"mevwatch/internal/logging"
	"mevwatch/internal/market"
	"mevwatch/internal/metrics"
	"mevwatch/internal/normalizer"
	"mevwatch/internal/output"
	"mevwatch/internal/pipeline"
	"mevwatch/internal/rules"
	"mevwatch/internal/shutdown"
	"mevwatch/internal/source"
	"mevwatch/internal/store"
	"mevwatch/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "启动监控",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}

			logger, err := logging.NewLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("创建日志器失败: %w", err)
			}
			if verbose {
				logger.SetLevel(logrus.DebugLevel)
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return a.run()
		},
	}
}

// app 组装好的全部组件
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	errors  *errors.ErrorHandler

	store      *store.RuleStore
	engine     *rules.Engine
	gas        *gas.Tracker
	market     *market.Cache
	sink       output.Sink
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline
	source     *source.Source
	server     *api.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	m := metrics.NewMetrics(cfg.Metrics.Namespace)
	eh := errors.NewErrorHandler(logger)

	ruleStore, err := store.NewRuleStore(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("打开规则仓库失败: %w", err)
	}
	if err := seedRules(ctx, cfg.Rules, ruleStore, logger); err != nil {
		ruleStore.Close()
		return nil, err
	}

	engine := rules.NewEngine(logger, m)
	stored, err := ruleStore.List()
	if err != nil {
		ruleStore.Close()
		return nil, err
	}
	if result := engine.LoadRules(stored); result.Err != nil {
		logger.WithError(result.Err).Warnf("部分规则未加载，已接受 %d 条", len(result.Accepted))
	}

	tracker := gas.NewTracker(gas.Config{
		Capacity:   cfg.Gas.Capacity,
		MinSamples: cfg.Gas.MinSamples,
		EWMAAlpha:  cfg.Gas.EWMAAlpha,
	}, logger, m)

	cache := market.NewCache(market.Config{
		PoolMaxAge:     config.ParseDuration(cfg.Market.PoolMaxAge, market.DefaultMaxAge),
		PositionMaxAge: config.ParseDuration(cfg.Market.PositionMaxAge, market.DefaultMaxAge),
	}, logger, m)

	sink, err := output.NewSink(cfg.Output, logger)
	if err != nil {
		ruleStore.Close()
		return nil, fmt.Errorf("创建输出失败: %w", err)
	}

	dedup := dispatch.NewDeduper(config.ParseDuration(cfg.Dedup.Window, dispatch.DefaultWindow), cfg.Dedup.Capacity)
	dispatcher := dispatch.NewDispatcher(sink, dedup, cfg.Pipeline.DispatchQueueSize, logger, m)
	dispatcher.SetErrorHandler(eh)

	detectors := buildDetectors(cfg.Detectors, cache, tracker, dispatcher, logger, m)

	n := normalizer.NewNormalizer(cfg.ChainIDs(), logger, m)
	p := pipeline.New(pipeline.Config{
		IngestQueueSize: cfg.Pipeline.IngestQueueSize,
		EvalQueueSize:   cfg.Pipeline.EvalQueueSize,
		EvalWorkers:     cfg.Pipeline.EvalWorkers,
		TxTimeout:       config.ParseDuration(cfg.Pipeline.TxTimeout, pipeline.DefaultTxTimeout),
	}, n, engine, tracker, detectors, dispatcher, logger, m)
	p.SetErrorHandler(eh)

	a := &app{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		errors:     eh,
		store:      ruleStore,
		engine:     engine,
		gas:        tracker,
		market:     cache,
		sink:       sink,
		dispatcher: dispatcher,
		pipeline:   p,
	}

	if cfg.Source.Enabled {
		a.source = source.New(cfg.Chains, p, cfg.Source.FullTx,
			config.ParseDuration(cfg.Source.ReconnectDelay, source.DefaultReconnectDelay), logger)
	}

	if cfg.API.Enabled {
		a.server = api.NewServer(api.Options{
			Port:       cfg.API.Port,
			Rules:      ruleStore,
			Engine:     engine,
			Pipeline:   p,
			Dispatcher: dispatcher,
			Gas:        tracker,
			Market:     cache,
			Source:     a.source,
			Metrics:    m,
			Errors:     eh,
		}, logger)
	}

	return a, nil
}

// buildDetectors 按配置创建检测器。清算检测器同时订阅池更新，主动产出的机会直接进入分发器
func buildDetectors(cfg *config.DetectorsConfig, cache *market.Cache, tracker *gas.Tracker,
	dispatcher *dispatch.Dispatcher, logger *logrus.Logger, m *metrics.Metrics) []detector.Detector {
	var detectors []detector.Detector

	if c := cfg.Arbitrage; c != nil && c.Enabled {
		detectors = append(detectors, detector.NewArbitrage(detector.ArbitrageConfig{
			MinProfit: config.ParseDecimal(c.MinProfit, decimal.RequireFromString("0.01")),
			GasUnits:  c.GasUnits,
		}, cache, tracker, logger, m))
	}

	if c := cfg.Sandwich; c != nil && c.Enabled {
		detectors = append(detectors, detector.NewSandwich(detector.SandwichConfig{
			MinNotional:      config.ParseDecimal(c.MinNotional, decimal.NewFromInt(10)),
			MinProfit:        config.ParseDecimal(c.MinProfit, decimal.RequireFromString("0.01")),
			GasUnits:         c.GasUnits,
			FrontrunFraction: config.ParseDecimal(c.FrontrunFraction, decimal.Zero),
		}, cache, tracker, logger, m))
	}

	if c := cfg.Liquidation; c != nil && c.Enabled {
		liquidation := detector.NewLiquidation(detector.LiquidationConfig{
			HealthThreshold:  config.ParseDecimal(c.HealthThreshold, decimal.NewFromInt(1)),
			HysteresisMargin: config.ParseDecimal(c.HysteresisMargin, decimal.RequireFromString("0.05")),
			CloseFactor:      config.ParseDecimal(c.CloseFactor, decimal.RequireFromString("0.5")),
		}, cache, logger, m)
		liquidation.SetEmitter(func(op *models.Opportunity) {
			if err := dispatcher.Submit(op); err != nil {
				logger.WithError(err).WithField("id", op.ID).Debug("清算机会提交失败")
			}
		})
		liquidation.Attach()
		detectors = append(detectors, liquidation)
	}

	return detectors
}

// seedRules 把PostgreSQL规则表和规则文件中的规则写入本地仓库，后者覆盖前者。
// 内容未变化的规则不写入，避免每次启动都产生新版本
func seedRules(ctx context.Context, cfg *config.RulesConfig, ruleStore *store.RuleStore, logger *logrus.Logger) error {
	if cfg == nil {
		return nil
	}

	var seeds []models.Rule
	if cfg.PostgresDSN != "" {
		src, err := store.NewPostgresRuleSource(cfg.PostgresDSN, cfg.Table, logger)
		if err != nil {
			return fmt.Errorf("连接规则数据库失败: %w", err)
		}
		defer src.Close()

		list, err := src.LoadRules(ctx)
		if err != nil {
			return fmt.Errorf("读取规则表失败: %w", err)
		}
		seeds = append(seeds, list...)
	}
	if cfg.File != "" {
		list, err := rules.LoadRulesFile(cfg.File)
		if err != nil {
			return err
		}
		seeds = append(seeds, list...)
	}

	latest := make(map[string]models.Rule, len(seeds))
	order := make([]string, 0, len(seeds))
	for _, rule := range seeds {
		if _, ok := latest[rule.ID]; !ok {
			order = append(order, rule.ID)
		}
		latest[rule.ID] = rule
	}

	written := 0
	for _, id := range order {
		rule := latest[id]
		if err := rules.Compile(rule); err != nil {
			logger.WithError(err).WithField("rule_id", id).Warn("跳过无效的种子规则")
			continue
		}

		existing, err := ruleStore.Get(id)
		if err == nil && !ruleChanged(existing, rule) {
			continue
		}
		if _, _, err := ruleStore.Put(rule); err != nil {
			return err
		}
		written++
	}

	if written > 0 {
		logger.Infof("已写入 %d 条种子规则", written)
	}
	return nil
}

// ruleChanged 比较规则内容，忽略版本和更新时间
func ruleChanged(a, b models.Rule) bool {
	strip := func(r models.Rule) string {
		r.Version = 0
		r.UpdatedAt = time.Time{}
		data, _ := json.Marshal(r)
		return string(data)
	}
	return strip(a) != strip(b)
}

// run 启动全部组件并阻塞到停机完成
func (a *app) run() error {
	gs := shutdown.NewGracefulShutdown(shutdownTimeout, a.logger)
	defer gs.Close()
	ctx := gs.Context()

	a.dispatcher.Start(ctx)
	a.pipeline.Start(ctx)
	if a.source != nil && a.source.Enabled() {
		a.source.Start(ctx)
	} else {
		a.logger.Info("未启用交易订阅，只接受API提交的交易")
	}

	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil {
				a.logger.WithError(err).Error("API服务器异常退出")
				go gs.Shutdown()
			}
		}()
		gs.RegisterShutdownFunc("api", a.server.Stop, shutdown.OrderStopAPI)
	}
	if a.source != nil {
		gs.RegisterShutdownFunc("source", a.source.Stop, shutdown.OrderStopSource)
	}
	gs.RegisterShutdownFunc("pipeline", a.pipeline.Stop, shutdown.OrderDrainPipeline)
	gs.RegisterShutdownFunc("dispatch", a.dispatcher.Stop, shutdown.OrderDrainDispatch)
	gs.RegisterShutdownFunc("sinks", func(ctx context.Context) error {
		return a.sink.Close()
	}, shutdown.OrderFlushSinks)
	gs.RegisterShutdownFunc("store", func(ctx context.Context) error {
		return a.store.Close()
	}, shutdown.OrderCloseStore)
	gs.RegisterShutdownFunc("stats", func(ctx context.Context) error {
		a.logger.WithFields(logrus.Fields{
			"pipeline": a.pipeline.Stats(),
			"dispatch": a.dispatcher.Stats(),
		}).Info("运行统计")
		return nil
	}, shutdown.OrderCleanup)

	gs.Start()
	a.logger.WithFields(logrus.Fields{
		"chains":    a.pipeline.Chains(),
		"rules":     len(a.engine.Rules()),
		"sink":      a.sink.Name(),
		"api":       a.server != nil,
		"subscribe": a.source != nil && a.source.Enabled(),
	}).Info("mevwatch已启动")

	gs.Wait()
	return gs.Shutdown()
}
