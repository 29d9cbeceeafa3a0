package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"mevwatch/internal/decoder"
	"mevwatch/internal/errors"
	"mevwatch/internal/metrics"
	"mevwatch/internal/validation"
	"mevwatch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// RawPayload 带链标记的原始待处理交易。Fields为JSON-RPC对象形式，Raw为签名交易的二进制编码，二选一
type RawPayload struct {
	ChainID    uint64                 `json:"chain_id"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Raw        []byte                 `json:"raw,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

type chainState struct {
	sequence atomic.Uint64
}

// Normalizer 把原始载荷转换为规范交易
type Normalizer struct {
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	validator *validation.Validator
	chains    map[uint64]*chainState
	now       func() time.Time
}

// NewNormalizer 创建规范化器，只接受chainIDs中的链
func NewNormalizer(chainIDs []uint64, logger *logrus.Logger, m *metrics.Metrics) *Normalizer {
	chains := make(map[uint64]*chainState, len(chainIDs))
	for _, id := range chainIDs {
		chains[id] = &chainState{}
	}
	return &Normalizer{
		logger:    logger,
		metrics:   m,
		validator: validation.NewValidator(logger, false),
		chains:    chains,
		now:       time.Now,
	}
}

// SetClock 替换时钟，测试使用
func (n *Normalizer) SetClock(now func() time.Time) {
	n.now = now
}

// Chains 已配置的链
func (n *Normalizer) Chains() []uint64 {
	ids := make([]uint64, 0, len(n.chains))
	for id := range n.chains {
		ids = append(ids, id)
	}
	return ids
}

// Normalize 转换一条原始载荷。失败时返回错误并计数，任何输入都不会导致panic
func (n *Normalizer) Normalize(raw RawPayload) (tx *models.Transaction, err error) {
	defer func() {
		if r := recover(); r != nil {
			tx = nil
			err = errors.ErrMalformedPayload.New().WithContext("panic", fmt.Sprint(r))
		}
		if err != nil {
			n.reject(raw.ChainID, err)
		}
	}()

	state, ok := n.chains[raw.ChainID]
	if !ok {
		return nil, errors.ErrUnknownChain.New().WithChain(raw.ChainID)
	}

	switch {
	case len(raw.Raw) > 0:
		tx, err = n.fromBinary(raw.ChainID, raw.Raw)
	case raw.Fields != nil:
		tx, err = n.fromFields(raw.ChainID, raw.Fields)
	default:
		err = errors.ErrMalformedPayload.New().WithContext("reason", "载荷为空")
	}
	if err != nil {
		return nil, err
	}

	tx.FirstSeen = raw.ReceivedAt
	if tx.FirstSeen.IsZero() {
		tx.FirstSeen = n.now()
	}

	tx.Selector, tx.Method, tx.Kind = decoder.Classify(tx.To, tx.Input)
	if tx.Kind == models.KindSwap {
		tx.Swap = decoder.DecodeSwap(tx.To, tx.Input, tx.Value)
	}

	if result := n.validator.ValidateTransaction(tx); !result.Valid {
		return nil, result.Errors[0]
	}

	// 序号在全部校验通过后才分配，保证链内连续
	tx.Sequence = state.sequence.Add(1)

	n.metrics.IncIngested(raw.ChainID)
	return tx, nil
}

// reject 记录被丢弃的载荷
func (n *Normalizer) reject(chainID uint64, err error) {
	code := errors.CodeOf(err)
	n.metrics.IncNormalizeError(strings.ToLower(code))
	n.logger.WithFields(logrus.Fields{
		"component": "normalizer",
		"chain_id":  chainID,
		"code":      code,
	}).WithError(err).Debug("丢弃无法规范化的交易")
}

// fromFields 解析JSON-RPC交易对象
func (n *Normalizer) fromFields(chainID uint64, fields map[string]interface{}) (*models.Transaction, error) {
	hashStr, err := requireString(fields, "hash")
	if err != nil {
		return nil, err
	}
	if !validation.IsValidHash(hashStr) {
		return nil, errors.ErrMalformedHash.New().WithContext("hash", hashStr).WithChain(chainID)
	}
	hash := common.HexToHash(hashStr)

	tag := func(err error) error {
		if we, ok := errors.As(err); ok {
			return we.WithChain(chainID).WithTxHash(hash.Hex())
		}
		return err
	}

	fromStr, err := requireString(fields, "from")
	if err != nil {
		return nil, tag(err)
	}
	if !validation.IsValidAddress(fromStr) {
		return nil, tag(errors.ErrMalformedAddress.New().WithContext("from", fromStr))
	}

	tx := &models.Transaction{
		ChainID: chainID,
		Hash:    hash,
		From:    common.HexToAddress(fromStr),
	}

	if raw, ok := fields["to"]; ok && raw != nil {
		toStr, isStr := raw.(string)
		if !isStr {
			return nil, tag(errors.ErrMalformedAddress.New().WithContext("to", raw))
		}
		if toStr != "" {
			if !validation.IsValidAddress(toStr) {
				return nil, tag(errors.ErrMalformedAddress.New().WithContext("to", toStr))
			}
			to := common.HexToAddress(toStr)
			tx.To = &to
		}
	}

	if tx.Value, err = requireBig(fields, "value"); err != nil {
		return nil, tag(err)
	}

	gas, err := requireBig(fields, "gas")
	if err != nil {
		return nil, tag(err)
	}
	if !gas.IsUint64() {
		return nil, tag(errors.ErrMalformedNumber.New().WithContext("field", "gas"))
	}
	tx.GasLimit = gas.Uint64()

	nonce, err := requireBig(fields, "nonce")
	if err != nil {
		return nil, tag(err)
	}
	if !nonce.IsUint64() {
		return nil, tag(errors.ErrMalformedNumber.New().WithContext("field", "nonce"))
	}
	tx.Nonce = nonce.Uint64()

	for _, opt := range []struct {
		key string
		dst **big.Int
	}{
		{"gasPrice", &tx.GasPrice},
		{"maxFeePerGas", &tx.MaxFeePerGas},
		{"maxPriorityFeePerGas", &tx.MaxPriorityFeePerGas},
	} {
		raw, ok := fields[opt.key]
		if !ok || raw == nil {
			continue
		}
		v, perr := ParseBigInt(raw)
		if perr != nil {
			return nil, tag(errors.ErrMalformedNumber.Wrap(perr).WithContext("field", opt.key))
		}
		*opt.dst = v
	}
	// 节点对EIP-1559交易返回的gasPrice等于maxFeePerGas，去掉重复值
	if tx.MaxFeePerGas != nil && tx.GasPrice != nil && tx.GasPrice.Cmp(tx.MaxFeePerGas) == 0 {
		tx.GasPrice = nil
	}

	input, err := optionalInput(fields)
	if err != nil {
		return nil, tag(err)
	}
	tx.Input = input

	return tx, nil
}

// fromBinary 解析签名交易的二进制编码并恢复发送方
func (n *Normalizer) fromBinary(chainID uint64, data []byte) (*models.Transaction, error) {
	var signed types.Transaction
	if err := signed.UnmarshalBinary(data); err != nil {
		return nil, errors.ErrMalformedPayload.Wrap(err).WithChain(chainID)
	}

	hash := signed.Hash()
	if id := signed.ChainId(); id != nil && id.Sign() > 0 && id.Uint64() != chainID {
		return nil, errors.ErrUnknownChain.New().
			WithContext("tx_chain_id", id.String()).WithChain(chainID).WithTxHash(hash.Hex())
	}

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	from, err := types.Sender(signer, &signed)
	if err != nil {
		return nil, errors.ErrMalformedAddress.Wrap(err).WithChain(chainID).WithTxHash(hash.Hex())
	}

	tx := &models.Transaction{
		ChainID:  chainID,
		Hash:     hash,
		From:     from,
		To:       signed.To(),
		Value:    new(big.Int).Set(signed.Value()),
		Input:    common.CopyBytes(signed.Data()),
		GasLimit: signed.Gas(),
		Nonce:    signed.Nonce(),
	}

	switch signed.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		tx.GasPrice = new(big.Int).Set(signed.GasPrice())
	default:
		tx.MaxFeePerGas = new(big.Int).Set(signed.GasFeeCap())
		tx.MaxPriorityFeePerGas = new(big.Int).Set(signed.GasTipCap())
	}

	return tx, nil
}

func requireString(fields map[string]interface{}, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return "", errors.ErrMissingField.New().WithContext("field", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", errors.ErrMalformedPayload.New().WithContext("field", key)
	}
	return strings.TrimSpace(s), nil
}

func requireBig(fields map[string]interface{}, key string) (*big.Int, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return nil, errors.ErrMissingField.New().WithContext("field", key)
	}
	v, err := ParseBigInt(raw)
	if err != nil {
		return nil, errors.ErrMalformedNumber.Wrap(err).WithContext("field", key)
	}
	return v, nil
}

// optionalInput 读取input或data字段，缺失时为空
func optionalInput(fields map[string]interface{}) ([]byte, error) {
	raw, ok := fields["input"]
	if !ok || raw == nil {
		raw, ok = fields["data"]
	}
	if !ok || raw == nil {
		return nil, nil
	}
	s, isStr := raw.(string)
	if !isStr || !validation.IsHexData(s) {
		return nil, errors.ErrMalformedPayload.New().WithContext("field", "input")
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, errors.ErrMalformedPayload.Wrap(err).WithContext("field", "input")
	}
	return b, nil
}

// ParseBigInt 把数值字段解析为任意精度整数。接受0x十六进制、十进制字符串、json.Number和整数类型，
// 带小数部分的浮点数一律拒绝
func ParseBigInt(raw interface{}) (*big.Int, error) {
	switch v := raw.(type) {
	case string:
		return parseBigString(v)
	case json.Number:
		return parseBigString(v.String())
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("空数值")
		}
		if v.Sign() < 0 {
			return nil, fmt.Errorf("负数: %s", v)
		}
		return new(big.Int).Set(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case int:
		if v < 0 {
			return nil, fmt.Errorf("负数: %d", v)
		}
		return big.NewInt(int64(v)), nil
	case int64:
		if v < 0 {
			return nil, fmt.Errorf("负数: %d", v)
		}
		return big.NewInt(v), nil
	case float64:
		// JSON默认解码为float64，只接受可精确表示的非负整数
		if v < 0 || v != math.Trunc(v) || v > 1<<53 {
			return nil, fmt.Errorf("无法精确表示的数值: %v", v)
		}
		return big.NewInt(int64(v)), nil
	default:
		return nil, fmt.Errorf("不支持的数值类型: %T", raw)
	}
}

func parseBigString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("空数值")
	}

	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
		if digits == "" {
			return nil, fmt.Errorf("空的十六进制数值")
		}
	}
	if strings.HasPrefix(digits, "-") || strings.HasPrefix(digits, "+") {
		return nil, fmt.Errorf("数值不允许带符号: %s", s)
	}

	v, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("无效数值: %s", s)
	}
	return v, nil
}
