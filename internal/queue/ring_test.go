package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"mevwatch/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_FIFO(t *testing.T) {
	r := NewRing[int](4)

	for i := 0; i < 3; i++ {
		evicted, err := r.Push(i)
		require.NoError(t, err)
		assert.Equal(t, 0, evicted)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 4, r.Cap())

	for i := 0; i < 3; i++ {
		v, ok := r.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.TryPop()
	assert.False(t, ok)
}

func TestRing_DropsOldestKeepsNewest(t *testing.T) {
	const capacity = 16
	const total = 1000

	r := NewRing[int](capacity)
	for i := 0; i < total; i++ {
		_, err := r.Push(i)
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(total-capacity), r.Dropped())
	assert.Equal(t, uint64(total), r.Pushed())

	// 保留的一定是最新的capacity个
	survivors := r.Drain()
	require.Len(t, survivors, capacity)
	for i, v := range survivors {
		assert.Equal(t, total-capacity+i, v)
	}
}

func TestRing_PushReportsEviction(t *testing.T) {
	r := NewRing[string](1)
	evicted, _ := r.Push("a")
	assert.Equal(t, 0, evicted)
	evicted, _ = r.Push("b")
	assert.Equal(t, 1, evicted)

	v, ok := r.TryPop()
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestRing_PopBlocksUntilPush(t *testing.T) {
	r := NewRing[int](2)

	done := make(chan int, 1)
	go func() {
		v, err := r.Pop(context.Background())
		if err == nil {
			done <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, _ = r.Push(7)

	select {
	case v := <-done:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("Pop未被唤醒")
	}
}

func TestRing_PopContextCancel(t *testing.T) {
	r := NewRing[int](2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRing_CloseDrainsThenErrors(t *testing.T) {
	r := NewRing[int](4)
	_, _ = r.Push(1)
	r.Close()
	r.Close()

	_, err := r.Push(2)
	assert.True(t, errors.Is(err, errors.ErrQueueClosed))

	v, err := r.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = r.Pop(context.Background())
	assert.True(t, errors.Is(err, errors.ErrQueueClosed))
}

func TestRing_ConcurrentConsumers(t *testing.T) {
	r := NewRing[int](1024)
	const total = 500

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]bool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := r.Pop(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < total; i++ {
		_, _ = r.Push(i)
	}
	r.Close()
	wg.Wait()

	assert.Len(t, seen, total)
}
