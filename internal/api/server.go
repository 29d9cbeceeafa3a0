package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"mevwatch/internal/dispatch"
	"mevwatch/internal/errors"
	"mevwatch/internal/gas"
	"mevwatch/internal/market"
	"mevwatch/internal/metrics"
	"mevwatch/internal/pipeline"
	"mevwatch/internal/rules"
	"mevwatch/internal/source"
	"mevwatch/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// DefaultLogCapacity 内存中保留的日志条数
const DefaultLogCapacity = 1000

// Options 服务依赖的组件，为nil的组件对应接口返回503
type Options struct {
	Port       int
	Rules      *store.RuleStore
	Engine     *rules.Engine
	Pipeline   *pipeline.Pipeline
	Dispatcher *dispatch.Dispatcher
	Gas        *gas.Tracker
	Market     *market.Cache
	Source     *source.Source
	Metrics    *metrics.Metrics
	Errors     *errors.ErrorHandler
}

// Server API服务器
type Server struct {
	opts       Options
	logger     *logrus.Logger
	logManager *LogManager
	router     *gin.Engine
	server     *http.Server
	startedAt  time.Time

	rulesMu sync.Mutex // 串行化规则写入与重新加载
}

// NewServer 创建API服务器，并把日志钩子挂到logger上
func NewServer(opts Options, logger *logrus.Logger) *Server {
	logManager := NewLogManager(DefaultLogCapacity)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		opts:       opts,
		logger:     logger,
		logManager: logManager,
		startedAt:  time.Now(),
	}
	s.router = s.newRouter()
	return s
}

// Handler 路由，测试使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// LogManager 日志缓冲
func (s *Server) LogManager() *LogManager {
	return s.logManager
}

func (s *Server) newRouter() *gin.Engine {
	router := gin.New()

	// 添加CORS中间件
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
	router.Use(s.requestLogger(), gin.Recovery())

	s.setupRoutes(router)
	return router
}

// requestLogger 请求日志写到logrus，而不是gin默认的标准输出
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.WithFields(logrus.Fields{
			"component": "api",
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
		}).Debug("HTTP请求")
	}
}

// Start 启动API服务器，阻塞直到Stop
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Infof("API服务器启动在端口 %d", s.opts.Port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("API服务器停止")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	if s.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	{
		// 规则管理
		api.GET("/rules", s.listRules)
		api.GET("/rules/:id", s.getRule)
		api.POST("/rules", s.createRule)
		api.PUT("/rules/:id", s.updateRule)
		api.DELETE("/rules/:id", s.deleteRule)
		api.POST("/rules/validate", s.validateRules)

		// gas
		api.GET("/gas/:chain", s.getGas)
		api.GET("/gas/:chain/predict", s.predictGas)
		api.POST("/gas/:chain/samples", s.recordGasSample)

		// 市场状态
		api.POST("/market/pools", s.updatePool)
		api.GET("/market/pools/:chain/:pool", s.getPool)
		api.POST("/market/positions", s.updatePosition)

		// 手动提交交易
		api.POST("/transactions", s.ingestTransaction)

		// 统计信息
		api.GET("/stats", s.getStats)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "mevwatch",
	}
	if s.opts.Source != nil {
		body["sources"] = s.opts.Source.Status()
	}
	c.JSON(http.StatusOK, body)
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	stats := gin.H{
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.opts.Pipeline != nil {
		stats["pipeline"] = s.opts.Pipeline.Stats()
	}
	if s.opts.Dispatcher != nil {
		stats["dispatch"] = s.opts.Dispatcher.Stats()
	}
	if s.opts.Engine != nil {
		stats["rules"] = s.opts.Engine.Stats()
	}
	if s.opts.Market != nil {
		stats["market"] = s.opts.Market.Stats()
	}
	if s.opts.Rules != nil {
		stats["store"] = s.opts.Rules.GetStats()
	}
	if s.opts.Source != nil {
		stats["sources"] = s.opts.Source.Status()
	}
	if s.opts.Errors != nil {
		es := s.opts.Errors.GetStats()
		stats["errors"] = gin.H{
			"total":        es.TotalErrors,
			"by_code":      es.ErrorsByCode,
			"by_component": es.ErrorsByComponent,
			"rate_per_min": es.GetErrorRate(time.Minute),
		}
	}
	c.JSON(http.StatusOK, stats)
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")
	component := c.Query("component")

	page := 1 // 默认第1页
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}

	pageSize := 20 // 默认每页20条
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(LogFilter{Level: level, Component: component}, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()

	c.JSON(http.StatusOK, gin.H{
		"message": "日志已清空",
	})
}

// unavailable 组件未启用
func unavailable(c *gin.Context, component string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":     "组件未启用",
		"component": component,
	})
}

// writeError 按错误码映射HTTP状态
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	if we, ok := errors.As(err); ok {
		body["code"] = we.Code
		switch we.Code {
		case errors.ErrRuleNotFound.Code:
			status = http.StatusNotFound
		case errors.ErrOutOfOrderUpdate.Code, errors.ErrStaleState.Code:
			status = http.StatusConflict
		case errors.ErrQueueClosed.Code:
			status = http.StatusServiceUnavailable
		case errors.ErrMalformedPayload.Code, errors.ErrMalformedHash.Code, errors.ErrMalformedAddress.Code,
			errors.ErrMalformedNumber.Code, errors.ErrMissingField.Code, errors.ErrUnknownChain.Code,
			errors.ErrDataValidation.Code, errors.ErrInvalidRule.Code, errors.ErrUnknownField.Code,
			errors.ErrInvalidOperator.Code, errors.ErrInvalidLiteral.Code, errors.ErrInvalidRegex.Code,
			errors.ErrSerializationFailed.Code:
			status = http.StatusBadRequest
		}
	}
	c.JSON(status, body)
}

// chainParam 解析路径中的链ID
func chainParam(c *gin.Context) (uint64, bool) {
	chainID, err := strconv.ParseUint(c.Param("chain"), 10, 64)
	if err != nil || chainID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的链ID", "chain": c.Param("chain")})
		return 0, false
	}
	return chainID, true
}
