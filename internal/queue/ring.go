package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"mevwatch/internal/errors"
)

// Ring 有界多生产者多消费者队列，满时丢弃最旧元素
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // 最旧元素位置
	size  int

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// NewRing 创建容量为capacity的队列
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:  make([]T, capacity),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Push 入队，不阻塞。返回因容量不足被挤出的元素个数
func (r *Ring[T]) Push(item T) (int, error) {
	select {
	case <-r.closed:
		return 0, errors.ErrQueueClosed.New()
	default:
	}

	evicted := 0
	r.mu.Lock()
	if r.size == len(r.items) {
		var zero T
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
		r.size--
		evicted = 1
	}
	r.items[(r.head+r.size)%len(r.items)] = item
	r.size++
	r.mu.Unlock()

	r.pushed.Add(1)
	if evicted > 0 {
		r.dropped.Add(uint64(evicted))
	}
	r.signal()
	return evicted, nil
}

func (r *Ring[T]) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// TryPop 非阻塞出队
func (r *Ring[T]) TryPop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	if r.size > 0 {
		// 唤醒其他消费者
		r.signal()
	}
	return item, true
}

// Pop 阻塞出队，直到有元素、ctx结束或队列关闭且已排空
func (r *Ring[T]) Pop(ctx context.Context) (T, error) {
	for {
		if item, ok := r.TryPop(); ok {
			return item, nil
		}

		select {
		case <-r.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-r.closed:
			if item, ok := r.TryPop(); ok {
				return item, nil
			}
			var zero T
			return zero, errors.ErrQueueClosed.New()
		}
	}
}

// Close 关闭队列，已入队元素仍可取出
func (r *Ring[T]) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
}

// Len 当前元素个数
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap 队列容量
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Dropped 累计丢弃个数
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped.Load()
}

// Pushed 累计入队个数
func (r *Ring[T]) Pushed() uint64 {
	return r.pushed.Load()
}

// Drain 取出全部剩余元素
func (r *Ring[T]) Drain() []T {
	var out []T
	for {
		item, ok := r.TryPop()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}
