package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"mevwatch/internal/config"
	"mevwatch/internal/errors"
	"mevwatch/internal/normalizer"
	"mevwatch/internal/retry"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// 默认参数
const (
	DefaultReconnectDelay = 3 * time.Second
	subscriptionBuffer    = 1024
	callTimeout           = 5 * time.Second
)

// Ingester 接收原始交易载荷
type Ingester interface {
	Ingest(raw normalizer.RawPayload) error
}

// DialFunc 建立RPC连接
type DialFunc func(ctx context.Context, url string) (*rpc.Client, error)

// ChainStatus 单链订阅状态
type ChainStatus struct {
	ChainID     uint64    `json:"chain_id"`
	Name        string    `json:"name"`
	Connected   bool      `json:"connected"`
	Received    uint64    `json:"received"`
	Failed      uint64    `json:"failed"`
	Reconnects  uint64    `json:"reconnects"`
	LastMessage time.Time `json:"last_message,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Source 通过websocket订阅各链节点的待打包交易
//
// 每条链一个订阅goroutine，连接断开后按固定间隔重连，建连本身按退避重试。
type Source struct {
	chains         []*config.ChainConfig
	ingester       Ingester
	fullTx         bool
	reconnectDelay time.Duration
	retrier        *retry.Retrier
	logger         *logrus.Entry
	dial           DialFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	status map[uint64]*ChainStatus
}

// New 创建交易源，跳过未启用或未配置节点地址的链
func New(chains []*config.ChainConfig, ingester Ingester, fullTx bool, reconnectDelay time.Duration, logger *logrus.Logger) *Source {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}

	s := &Source{
		ingester:       ingester,
		fullTx:         fullTx,
		reconnectDelay: reconnectDelay,
		retrier:        retry.NewRetrier(retry.NetworkRetryConfig, logger),
		logger:         logger.WithField("component", "source"),
		dial:           rpc.DialContext,
		status:         make(map[uint64]*ChainStatus),
	}
	for _, chain := range chains {
		if chain == nil || !chain.Enabled || chain.NodeURL == "" {
			continue
		}
		s.chains = append(s.chains, chain)
		s.status[chain.ID] = &ChainStatus{ChainID: chain.ID, Name: chain.Name}
	}
	return s
}

// SetDialer 替换连接方式，测试使用
func (s *Source) SetDialer(dial DialFunc) {
	s.dial = dial
}

// Enabled 是否有需要订阅的链
func (s *Source) Enabled() bool {
	return len(s.chains) > 0
}

// Start 为每条链启动订阅
func (s *Source) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, chain := range s.chains {
		s.wg.Add(1)
		go s.run(ctx, chain)
	}
	s.logger.Infof("交易源已启动，订阅 %d 条链", len(s.chains))
}

// run 订阅循环，直到ctx结束
func (s *Source) run(ctx context.Context, chain *config.ChainConfig) {
	defer s.wg.Done()

	logger := s.logger.WithFields(logrus.Fields{"chain_id": chain.ID, "node": chain.Name})
	for {
		err := s.subscribe(ctx, chain, logger)
		s.update(chain.ID, func(st *ChainStatus) {
			st.Connected = false
			if err != nil {
				st.LastError = err.Error()
			}
		})
		if ctx.Err() != nil {
			return
		}

		logger.WithError(err).Warnf("订阅中断，%v 后重连", s.reconnectDelay)
		s.update(chain.ID, func(st *ChainStatus) { st.Reconnects++ })

		select {
		case <-time.After(s.reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// subscribe 建连、校验链ID并消费订阅，返回时连接已关闭
func (s *Source) subscribe(ctx context.Context, chain *config.ChainConfig, logger *logrus.Entry) error {
	client, err := retry.Do(ctx, s.retrier, fmt.Sprintf("连接节点 %s", chain.Name), func() (*rpc.Client, error) {
		client, err := s.dial(ctx, chain.NodeURL)
		if err != nil {
			return nil, retry.NewRetryableError(err, true)
		}
		return client, nil
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := s.verifyChain(ctx, client, chain.ID); err != nil {
		return err
	}

	ch := make(chan json.RawMessage, subscriptionBuffer)
	sub, err := client.EthSubscribe(ctx, ch, "newPendingTransactions", s.fullTx)
	if err != nil {
		return fmt.Errorf("订阅待打包交易失败: %w", err)
	}
	defer sub.Unsubscribe()

	s.update(chain.ID, func(st *ChainStatus) {
		st.Connected = true
		st.LastError = ""
	})
	logger.Info("已订阅待打包交易")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = fmt.Errorf("订阅已关闭")
			}
			return err
		case msg := <-ch:
			if err := s.handle(ctx, client, chain.ID, msg); err != nil {
				s.update(chain.ID, func(st *ChainStatus) { st.Failed++ })
				logger.WithError(err).Debug("处理订阅消息失败")
			}
		}
	}
}

// verifyChain 节点的链ID必须与配置一致
func (s *Source) verifyChain(ctx context.Context, client *rpc.Client, chainID uint64) error {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var id hexutil.Uint64
	if err := client.CallContext(callCtx, &id, "eth_chainId"); err != nil {
		return fmt.Errorf("查询链ID失败: %w", err)
	}
	if uint64(id) != chainID {
		return errors.ErrConfigInvalid.New().WithChain(chainID).WithContext("node_chain_id", uint64(id))
	}
	return nil
}

// handle 订阅消息可能是完整交易对象，也可能只是交易哈希
func (s *Source) handle(ctx context.Context, client *rpc.Client, chainID uint64, msg json.RawMessage) error {
	received := time.Now()
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return errors.ErrMalformedPayload.New().WithChain(chainID)
	}

	var fields map[string]interface{}
	if msg[0] == '"' {
		var hash string
		if err := json.Unmarshal(msg, &hash); err != nil {
			return errors.ErrMalformedPayload.Wrap(err).WithChain(chainID)
		}

		var raw json.RawMessage
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := client.CallContext(callCtx, &raw, "eth_getTransactionByHash", hash)
		cancel()
		if err != nil {
			return fmt.Errorf("查询交易 %s 失败: %w", hash, err)
		}
		if len(raw) == 0 || string(raw) == "null" {
			// 已被打包或丢弃
			return nil
		}
		msg = raw
	}

	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return errors.ErrMalformedPayload.Wrap(err).WithChain(chainID)
	}

	s.update(chainID, func(st *ChainStatus) {
		st.Received++
		st.LastMessage = received
	})
	return s.ingester.Ingest(normalizer.RawPayload{
		ChainID:    chainID,
		Fields:     fields,
		ReceivedAt: received,
	})
}

func (s *Source) update(chainID uint64, fn func(st *ChainStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[chainID]; ok {
		fn(st)
	}
}

// Status 各链订阅状态，按链ID排序
func (s *Source) Status() []ChainStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ChainStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// Stop 停止全部订阅
func (s *Source) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("交易源已停止")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
