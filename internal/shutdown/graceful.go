package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAPI       = 10 // 停止HTTP接口
	OrderStopSource    = 20 // 停止节点订阅，不再产生新交易
	OrderDrainPipeline = 30 // 排空摄入与评估队列
	OrderDrainDispatch = 40 // 排空分发队列
	OrderFlushSinks    = 50 // 刷新并关闭分发目标
	OrderCloseStore    = 60 // 关闭规则仓库和数据库连接
	OrderCleanup       = 70 // 其他资源
)

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger         *logrus.Logger
	timeout        time.Duration
	shutdownFuncs  []ShutdownFunc
	mu             sync.Mutex
	signalChan     chan os.Signal
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	isShuttingDown bool
	done           chan struct{}
	err            error
}

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// RegisterShutdownFunc 注册停机处理函数
func (gs *GracefulShutdown) RegisterShutdownFunc(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.shutdownFuncs = append(gs.shutdownFuncs, ShutdownFunc{
		Name:  name,
		Func:  fn,
		Order: order,
	})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Start 启动信号监听
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	gs.wg.Add(1)
	go gs.signalHandler()
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Wait 等待停机完成
func (gs *GracefulShutdown) Wait() {
	<-gs.done
}

// Context 停机开始后被取消的上下文
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Shutdown 手动触发停机，重复调用只执行一次
func (gs *GracefulShutdown) Shutdown() error {
	if !gs.begin() {
		<-gs.done
		return gs.err
	}
	gs.logger.Info("手动触发优雅停机...")
	gs.performShutdown()
	return gs.err
}

// begin 标记停机开始，已在停机中返回false
func (gs *GracefulShutdown) begin() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.isShuttingDown {
		return false
	}
	gs.isShuttingDown = true
	return true
}

// signalHandler 信号处理器
func (gs *GracefulShutdown) signalHandler() {
	defer gs.wg.Done()

	select {
	case sig := <-gs.signalChan:
		gs.logger.Infof("收到停机信号: %v", sig)
	case <-gs.done:
		return
	}

	if !gs.begin() {
		gs.logger.Warn("停机过程已在进行中，忽略信号")
		return
	}
	gs.performShutdown()
}

// performShutdown 按顺序执行停机函数，单个失败不影响后续步骤
func (gs *GracefulShutdown) performShutdown() {
	defer close(gs.done)
	gs.logger.Info("开始优雅停机流程...")

	// 先取消主上下文，通知后台goroutine停止接收新任务
	gs.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gs.timeout)
	defer shutdownCancel()

	gs.mu.Lock()
	funcs := append([]ShutdownFunc(nil), gs.shutdownFuncs...)
	gs.mu.Unlock()
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	var result *multierror.Error
	for _, shutdownFunc := range funcs {
		select {
		case <-shutdownCtx.Done():
			gs.logger.Warnf("停机超时，跳过: %s", shutdownFunc.Name)
			result = multierror.Append(result, fmt.Errorf("%s: %w", shutdownFunc.Name, shutdownCtx.Err()))
			continue
		default:
		}

		gs.logger.Infof("执行停机处理: %s", shutdownFunc.Name)
		start := time.Now()
		err := shutdownFunc.Func(shutdownCtx)
		duration := time.Since(start)

		if err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", shutdownFunc.Name, duration, err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", shutdownFunc.Name, err))
		} else {
			gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", shutdownFunc.Name, duration)
		}
	}

	gs.err = result.ErrorOrNil()
	if gs.err != nil {
		gs.logger.Errorf("停机过程中发生 %d 个错误", result.Len())
	}
	gs.logger.Info("优雅停机流程完成")
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.isShuttingDown
}

// GetRegisteredFunctions 按执行顺序返回已注册的停机函数
func (gs *GracefulShutdown) GetRegisteredFunctions() []string {
	gs.mu.Lock()
	funcs := append([]ShutdownFunc(nil), gs.shutdownFuncs...)
	gs.mu.Unlock()
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	names := make([]string, len(funcs))
	for i, fn := range funcs {
		names[i] = fn.Name
	}
	return names
}

// Close 停止信号监听
func (gs *GracefulShutdown) Close() error {
	signal.Stop(gs.signalChan)
	return nil
}
