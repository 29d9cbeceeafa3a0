package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mevwatch/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGracefulShutdown_Order(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, logging.Discard())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	gs.RegisterShutdownFunc("store", record("store"), OrderCloseStore)
	gs.RegisterShutdownFunc("api", record("api"), OrderStopAPI)
	gs.RegisterShutdownFunc("sinks", record("sinks"), OrderFlushSinks)
	gs.RegisterShutdownFunc("pipeline", record("pipeline"), OrderDrainPipeline)

	assert.Equal(t, []string{"api", "pipeline", "sinks", "store"}, gs.GetRegisteredFunctions())
	require.NoError(t, gs.Shutdown())
	assert.Equal(t, []string{"api", "pipeline", "sinks", "store"}, order)
	assert.True(t, gs.IsShuttingDown())

	select {
	case <-gs.Context().Done():
	default:
		t.Fatal("停机后上下文应被取消")
	}
}

func TestGracefulShutdown_ErrorsDoNotStopLaterSteps(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, logging.Discard())

	ran := false
	gs.RegisterShutdownFunc("broken", func(context.Context) error { return errors.New("boom") }, 1)
	gs.RegisterShutdownFunc("after", func(context.Context) error { ran = true; return nil }, 2)

	err := gs.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")
	assert.True(t, ran)
}

func TestGracefulShutdown_OnlyOnce(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, logging.Discard())

	calls := 0
	gs.RegisterShutdownFunc("count", func(context.Context) error { calls++; return nil }, 1)

	require.NoError(t, gs.Shutdown())
	require.NoError(t, gs.Shutdown())
	gs.Wait()
	assert.Equal(t, 1, calls)
}

func TestGracefulShutdown_Timeout(t *testing.T) {
	gs := NewGracefulShutdown(20*time.Millisecond, logging.Discard())

	skipped := true
	gs.RegisterShutdownFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 1)
	gs.RegisterShutdownFunc("late", func(context.Context) error { skipped = false; return nil }, 2)

	err := gs.Shutdown()
	require.Error(t, err)
	assert.True(t, skipped)
}
