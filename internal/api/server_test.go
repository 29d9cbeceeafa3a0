package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mevwatch/internal/errors"
	"mevwatch/internal/gas"
	"mevwatch/internal/logging"
	"mevwatch/internal/market"
	"mevwatch/internal/metrics"
	"mevwatch/internal/normalizer"
	"mevwatch/internal/pipeline"
	"mevwatch/internal/rules"
	"mevwatch/internal/store"
	"mevwatch/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	server   *Server
	logger   *logrus.Logger
	store    *store.RuleStore
	engine   *rules.Engine
	gas      *gas.Tracker
	market   *market.Cache
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logging.Discard()
	m := metrics.NewMetrics("")

	ruleStore, err := store.NewRuleStore(filepath.Join(t.TempDir(), "rules.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { ruleStore.Close() })

	engine := rules.NewEngine(logger, m)
	tracker := gas.NewTracker(gas.Config{Capacity: 8, MinSamples: 2, EWMAAlpha: 0.5}, logger, m)
	cache := market.NewCache(market.Config{PoolMaxAge: time.Minute}, logger, m)
	n := normalizer.NewNormalizer([]uint64{1}, logger, m)
	p := pipeline.New(pipeline.Config{EvalWorkers: 1}, n, engine, tracker, nil, nil, logger, m)

	s := NewServer(Options{
		Rules:    ruleStore,
		Engine:   engine,
		Pipeline: p,
		Gas:      tracker,
		Market:   cache,
		Metrics:  m,
	}, logger)

	return &testServer{
		server:   s,
		logger:   logger,
		store:    ruleStore,
		engine:   engine,
		gas:      tracker,
		market:   cache,
		pipeline: p,
		metrics:  m,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func whaleRule() models.Rule {
	return models.Rule{
		ID:        "whale",
		Name:      "large transfer",
		Enabled:   true,
		Priority:  10,
		Condition: models.Compare("value", "gte", "100 ETH"),
		Actions:   []models.Action{{Type: models.ActionSendAlert, Severity: models.SeverityHigh}},
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	ts.metrics.IncSlowEvaluation()
	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mevwatch_slow_evaluations_total")
}

func TestRulesLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/rules", whaleRule())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	assert.EqualValues(t, 1, created["snapshot"])
	require.Len(t, ts.engine.Rules(), 1)
	firstVersion := ts.engine.Version()

	updated := whaleRule()
	updated.Condition = models.Compare("value", "gte", "500 ETH")
	w = ts.do(t, http.MethodPut, "/api/v1/rules/whale", updated)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rule := decode(t, w)["rule"].(map[string]interface{})
	assert.EqualValues(t, 2, rule["version"])
	assert.Greater(t, ts.engine.Version(), firstVersion)

	w = ts.do(t, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	w = ts.do(t, http.MethodGet, "/api/v1/rules/whale", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/rules/whale", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ts.engine.Rules())

	w = ts.do(t, http.MethodGet, "/api/v1/rules/whale", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "RULE_NOT_FOUND", decode(t, w)["code"])
}

func TestCreateRuleRejectsInvalid(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		rule models.Rule
		code string
	}{
		{
			name: "缺少ID",
			rule: models.Rule{Condition: models.Compare("value", "gte", "1 ETH")},
			code: "INVALID_RULE",
		},
		{
			name: "未知字段",
			rule: models.Rule{ID: "bad", Enabled: true, Condition: models.Compare("no_such_field", "eq", "1")},
			code: "UNKNOWN_FIELD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/rules", tt.rule)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode(t, w)["code"])
		})
	}

	list, err := ts.store.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateRuleRequiresExisting(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPut, "/api/v1/rules/whale", whaleRule())
	assert.Equal(t, http.StatusNotFound, w.Code)

	rule := whaleRule()
	rule.ID = "other"
	w = ts.do(t, http.MethodPut, "/api/v1/rules/whale", rule)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateRules(t *testing.T) {
	ts := newTestServer(t)

	doc := `
rules:
  - id: whale
    condition: {op: compare, field: value, operator: gte, value: "100 ETH"}
  - id: whale
    condition: {op: compare, field: value, operator: gte, value: "1 ETH"}
  - id: broken
    condition: {op: compare, field: nope, operator: eq, value: "1"}
`
	w := ts.do(t, http.MethodPost, "/api/v1/rules/validate", doc)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, []interface{}{"whale"}, body["accepted"])
	rejected := body["rejected"].(map[string]interface{})
	assert.Contains(t, rejected, "broken")
	assert.Contains(t, rejected, "whale#1")

	// 校验不修改引擎
	assert.Empty(t, ts.engine.Rules())
}

func TestGasEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/gas/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["available"])

	base := time.Now().Add(-time.Minute)
	for i, price := range []string{"1000000000", "0x77359400", "3000000000"} {
		w = ts.do(t, http.MethodPost, "/api/v1/gas/1/samples", map[string]interface{}{
			"gas_price": price,
			"timestamp": base.Add(time.Duration(i) * time.Second),
		})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/api/v1/gas/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["available"])
	assert.EqualValues(t, 3, body["occupancy"])
	estimate := body["estimate"].(map[string]interface{})
	assert.EqualValues(t, 2000000000, estimate["standard"])

	w = ts.do(t, http.MethodGet, "/api/v1/gas/1/predict?horizon=6s", nil)
	require.Equal(t, http.StatusOK, w.Code)
	prediction := decode(t, w)["prediction"].(map[string]interface{})
	assert.EqualValues(t, 3, prediction["samples"])

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"无效链ID", http.MethodGet, "/api/v1/gas/abc", nil, http.StatusBadRequest},
		{"无效跨度", http.MethodGet, "/api/v1/gas/1/predict?horizon=soon", nil, http.StatusBadRequest},
		{"缺少价格", http.MethodPost, "/api/v1/gas/1/samples", map[string]interface{}{}, http.StatusBadRequest},
		{"负数价格", http.MethodPost, "/api/v1/gas/1/samples", map[string]interface{}{"gas_price": "-5"}, http.StatusBadRequest},
		{"小数价格", http.MethodPost, "/api/v1/gas/1/samples", map[string]interface{}{"gas_price": 1.5}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestMarketEndpoints(t *testing.T) {
	ts := newTestServer(t)

	pool := map[string]interface{}{
		"chain_id": 1,
		"pool":     "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc",
		"venue":    "uniswap_v2",
		"token0":   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		"token1":   "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		"reserve0": "30000000",
		"reserve1": "10000",
		"fee_bps":  30,
		"sequence": 5,
	}
	w := ts.do(t, http.MethodPost, "/api/v1/market/pools", pool)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// 序号未前进
	w = ts.do(t, http.MethodPost, "/api/v1/market/pools", pool)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "OUT_OF_ORDER_UPDATE", decode(t, w)["code"])

	w = ts.do(t, http.MethodGet, "/api/v1/market/pools/1/0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["fresh"])
	assert.Equal(t, "30000000", body["pool"].(map[string]interface{})["reserve0"])

	w = ts.do(t, http.MethodGet, "/api/v1/market/pools/1/0x0000000000000000000000000000000000000001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/market/pools/1/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	position := map[string]interface{}{
		"chain_id":              1,
		"protocol":              "aave_v3",
		"borrower":              "0x3333333333333333333333333333333333333333",
		"collateral_token":      "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		"debt_token":            "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		"collateral_amount":     "10",
		"debt_amount":           "20000",
		"liquidation_threshold": "0.825",
		"liquidation_bonus":     "0.05",
		"sequence":              1,
	}
	w = ts.do(t, http.MethodPost, "/api/v1/market/positions", position)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	delete(position, "protocol")
	position["sequence"] = 2
	w = ts.do(t, http.MethodPost, "/api/v1/market/positions", position)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestTransaction(t *testing.T) {
	ts := newTestServer(t)

	fields := map[string]interface{}{
		"hash":     "0x00000000000000000000000000000000000000000000000000000000000000aa",
		"from":     "0x1111111111111111111111111111111111111111",
		"to":       "0x2222222222222222222222222222222222222222",
		"value":    "0xde0b6b3a7640000",
		"gas":      "0x5208",
		"gasPrice": "0x3b9aca00",
		"nonce":    "0x1",
		"input":    "0x",
	}

	w := ts.do(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{"chain_id": 1, "fields": fields})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.EqualValues(t, 1, ts.pipeline.Stats().Received)

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{"未知链", map[string]interface{}{"chain_id": 56, "fields": fields}, "UNKNOWN_CHAIN"},
		{"同时提供两种载荷", map[string]interface{}{"chain_id": 1, "fields": fields, "raw": "0x01"}, "MALFORMED_PAYLOAD"},
		{"都未提供", map[string]interface{}{"chain_id": 1}, "MALFORMED_PAYLOAD"},
		{"非十六进制", map[string]interface{}{"chain_id": 1, "raw": "zz"}, "MALFORMED_PAYLOAD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/transactions", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode(t, w)["code"])
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	for _, key := range []string{"uptime", "pipeline", "rules", "market", "store"} {
		assert.Contains(t, body, key)
	}
	assert.NotContains(t, body, "dispatch")
}

func TestStatsIncludesErrors(t *testing.T) {
	eh := errors.NewErrorHandler(logging.Discard())
	_ = eh.HandleError(context.Background(), errors.ErrMalformedHash.New().WithChain(1))
	s := NewServer(Options{Errors: eh}, logging.Discard())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	summary, ok := decode(t, w)["errors"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, summary["total"])
	assert.EqualValues(t, 1, summary["by_code"].(map[string]interface{})["MALFORMED_HASH"])
}

func TestUnavailableComponents(t *testing.T) {
	s := NewServer(Options{}, logging.Discard())

	for _, path := range []string{"/api/v1/rules", "/api/v1/gas/1", "/api/v1/market/pools/1/0x0000000000000000000000000000000000000001"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	ts.logger.WithField("component", "dispatch").Warn("分发队列已满")
	ts.logger.WithField("component", "source").Info("已订阅")
	ts.logger.Debug("不收集")

	w := ts.do(t, http.MethodGet, "/api/v1/logs?component=dispatch", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["total"])
	entry := body["logs"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "分发队列已满", entry["message"])

	w = ts.do(t, http.MethodGet, "/api/v1/logs?pageSize=1&page=2", nil)
	body = decode(t, w)
	assert.EqualValues(t, 2, body["total"])
	entry = body["logs"].([]interface{})[0].(map[string]interface{})
	assert.True(t, strings.Contains(entry["message"].(string), "分发队列"))

	w = ts.do(t, http.MethodDelete, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, ts.server.LogManager().Len())
}

func TestLogManagerWrapsAround(t *testing.T) {
	lm := NewLogManager(3)
	logger := logging.Discard()
	logger.AddHook(NewLogHook(lm))

	for _, msg := range []string{"a", "b", "c", "d"} {
		logger.Info(msg)
	}

	logs := lm.GetLogs(LogFilter{}, 0)
	require.Len(t, logs, 3)
	assert.Equal(t, "d", logs[0].Message)
	assert.Equal(t, "b", logs[2].Message)

	assert.Len(t, lm.GetLogs(LogFilter{}, 2), 2)
	assert.Empty(t, lm.GetLogs(LogFilter{Level: "error"}, 0))
}
