package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"mevwatch/pkg/models"

	"github.com/jellydator/ttlcache/v3"
)

// 去重默认参数
const (
	DefaultWindow   = 2 * time.Minute
	DefaultCapacity = 100000
)

// Decision 去重结果
type Decision int

const (
	// Forward 窗口内首次出现，直接分发
	Forward Decision = iota
	// Supersede 比窗口内已分发的版本更显著，作为新修订分发
	Supersede
	// Drop 重复且不更显著，丢弃
	Drop
)

func (d Decision) String() string {
	switch d {
	case Forward:
		return "forward"
	case Supersede:
		return "supersede"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Deduper 按告警ID在时间窗口内去重
//
// 缓存中保存的是已分发告警的副本，被取代时只修改副本的Superseded标记。
// 取代不会延长窗口，窗口从首次分发开始计算。
type Deduper struct {
	mu     sync.Mutex
	cache  *ttlcache.Cache[string, *models.Opportunity]
	window time.Duration

	running atomic.Bool
}

// NewDeduper 创建去重器，capacity为0时不限制条目数
func NewDeduper(window time.Duration, capacity uint64) *Deduper {
	if window <= 0 {
		window = DefaultWindow
	}

	opts := []ttlcache.Option[string, *models.Opportunity]{
		ttlcache.WithTTL[string, *models.Opportunity](window),
		ttlcache.WithDisableTouchOnHit[string, *models.Opportunity](), // 命中不刷新过期时间
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *models.Opportunity](capacity))
	}

	return &Deduper{
		cache:  ttlcache.New[string, *models.Opportunity](opts...),
		window: window,
	}
}

// Check 判定告警是否分发。Supersede时会设置op的Revision和SupersedesID
func (d *Deduper) Check(op *models.Opportunity) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	item := d.cache.Get(op.ID)
	if item == nil {
		stored := *op
		d.cache.Set(op.ID, &stored, ttlcache.DefaultTTL)
		return Forward
	}

	prior := item.Value()
	if !op.MoreSignificantThan(prior) {
		return Drop
	}

	prior.Superseded = true
	op.SupersedesID = prior.ID
	op.Revision = prior.Revision + 1

	remaining := time.Until(item.ExpiresAt())
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	stored := *op
	d.cache.Set(op.ID, &stored, remaining)
	return Supersede
}

// Latest 窗口内最新分发的版本
func (d *Deduper) Latest(id string) (*models.Opportunity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	item := d.cache.Get(id)
	if item == nil {
		return nil, false
	}
	latest := *item.Value()
	return &latest, true
}

// Len 缓存条目数，可能包含尚未清理的过期条目
func (d *Deduper) Len() int {
	return d.cache.Len()
}

// Window 去重窗口
func (d *Deduper) Window() time.Duration {
	return d.window
}

// Start 在后台goroutine中启动过期条目清理，不阻塞。
// 运行标记同步设置，随后的Stop一定能停掉清理goroutine
func (d *Deduper) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	go d.cache.Start()
}

// Stop 停止后台清理，未启动时直接返回。清理goroutine尚未进入循环时会等待其接收停止信号
func (d *Deduper) Stop() {
	if d.running.CompareAndSwap(true, false) {
		d.cache.Stop()
	}
}
