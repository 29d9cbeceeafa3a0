package api

import (
	"math/big"
	"net/http"
	"time"

	"mevwatch/internal/errors"
	"mevwatch/internal/normalizer"
	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
)

// defaultHorizon 预测接口缺省的预测跨度，一个以太坊slot
const defaultHorizon = 12 * time.Second

// getGas 当前gas档位
func (s *Server) getGas(c *gin.Context) {
	if s.opts.Gas == nil {
		unavailable(c, "gas")
		return
	}
	chainID, ok := chainParam(c)
	if !ok {
		return
	}

	estimate, found := s.opts.Gas.Current(chainID)
	c.JSON(http.StatusOK, gin.H{
		"estimate":  estimate,
		"available": found,
		"occupancy": s.opts.Gas.Occupancy(chainID),
		"capacity":  s.opts.Gas.Capacity(),
	})
}

// predictGas 按趋势预测horizon之后的gas价格
func (s *Server) predictGas(c *gin.Context) {
	if s.opts.Gas == nil {
		unavailable(c, "gas")
		return
	}
	chainID, ok := chainParam(c)
	if !ok {
		return
	}

	horizon := defaultHorizon
	if raw := c.Query("horizon"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的预测跨度", "horizon": raw})
			return
		}
		horizon = d
	}

	prediction := s.opts.Gas.Predict(chainID, horizon)
	c.JSON(http.StatusOK, gin.H{
		"prediction": prediction,
		"confident":  prediction.HasConfidence(),
	})
}

// gasSampleRequest 数值字段接受十进制、0x十六进制字符串或JSON数字
type gasSampleRequest struct {
	GasPrice    interface{} `json:"gas_price" binding:"required"`
	BaseFee     interface{} `json:"base_fee"`
	PriorityFee interface{} `json:"priority_fee"`
	Timestamp   time.Time   `json:"timestamp"`
}

// recordGasSample 外部gas观测
func (s *Server) recordGasSample(c *gin.Context) {
	if s.opts.Gas == nil {
		unavailable(c, "gas")
		return
	}
	chainID, ok := chainParam(c)
	if !ok {
		return
	}

	var req gasSampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sample := models.GasSample{ChainID: chainID, Timestamp: req.Timestamp}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	var err error
	if sample.GasPrice, err = parseAmount(req.GasPrice, "gas_price"); err != nil {
		writeError(c, err)
		return
	}
	if req.BaseFee != nil {
		if sample.BaseFee, err = parseAmount(req.BaseFee, "base_fee"); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.PriorityFee != nil {
		if sample.PriorityFee, err = parseAmount(req.PriorityFee, "priority_fee"); err != nil {
			writeError(c, err)
			return
		}
	}

	if err := s.opts.Gas.Record(chainID, sample); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":   "样本已记录",
		"occupancy": s.opts.Gas.Occupancy(chainID),
	})
}

func parseAmount(raw interface{}, field string) (*big.Int, error) {
	v, err := normalizer.ParseBigInt(raw)
	if err != nil {
		return nil, errors.ErrMalformedNumber.Wrap(err).WithContext("field", field)
	}
	return v, nil
}

// updatePool 写入池储备快照，序号不大于当前值时返回409
func (s *Server) updatePool(c *gin.Context) {
	if s.opts.Market == nil {
		unavailable(c, "market")
		return
	}

	var state models.PoolState
	if err := c.ShouldBindJSON(&state); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.opts.Market.UpdatePool(&state); err != nil {
		writeError(c, err)
		return
	}
	stored, _ := s.opts.Market.Pool(state.ChainID, state.Pool)
	c.JSON(http.StatusAccepted, gin.H{"pool": stored})
}

// getPool 最新池快照及是否仍在有效期内
func (s *Server) getPool(c *gin.Context) {
	if s.opts.Market == nil {
		unavailable(c, "market")
		return
	}
	chainID, ok := chainParam(c)
	if !ok {
		return
	}
	if !common.IsHexAddress(c.Param("pool")) {
		writeError(c, errors.ErrMalformedAddress.New().WithContext("pool", c.Param("pool")))
		return
	}

	pool := common.HexToAddress(c.Param("pool"))
	state, found := s.opts.Market.Pool(chainID, pool)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "池不存在", "pool": pool.Hex()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pool":  state,
		"fresh": state.Fresh(s.opts.Market.Now(), s.opts.Market.PoolMaxAge()),
	})
}

// updatePosition 写入借贷仓位快照
func (s *Server) updatePosition(c *gin.Context) {
	if s.opts.Market == nil {
		unavailable(c, "market")
		return
	}

	var position models.LendingPosition
	if err := c.ShouldBindJSON(&position); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.opts.Market.UpdatePosition(&position); err != nil {
		writeError(c, err)
		return
	}
	stored, _ := s.opts.Market.Position(position.ChainID, position.Protocol, position.Borrower)
	c.JSON(http.StatusAccepted, gin.H{"position": stored})
}

// transactionRequest 手动提交的待处理交易，fields与raw二选一，raw为0x十六进制
type transactionRequest struct {
	ChainID uint64                 `json:"chain_id" binding:"required"`
	Fields  map[string]interface{} `json:"fields"`
	Raw     string                 `json:"raw"`
}

// ingestTransaction 手动提交交易进入流水线
func (s *Server) ingestTransaction(c *gin.Context) {
	if s.opts.Pipeline == nil {
		unavailable(c, "pipeline")
		return
	}

	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.Fields == nil) == (req.Raw == "") {
		writeError(c, errors.ErrMalformedPayload.New().WithChain(req.ChainID).WithContext("reason", "fields与raw必须且只能提供一个"))
		return
	}

	raw := normalizer.RawPayload{
		ChainID:    req.ChainID,
		Fields:     req.Fields,
		ReceivedAt: time.Now(),
	}
	if req.Raw != "" {
		data, err := hexutil.Decode(req.Raw)
		if err != nil {
			writeError(c, errors.ErrMalformedPayload.Wrap(err).WithChain(req.ChainID))
			return
		}
		raw.Raw = data
	}

	if err := s.opts.Pipeline.Ingest(raw); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "交易已提交", "chain_id": req.ChainID})
}
