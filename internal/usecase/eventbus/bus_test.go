package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaykit/internal/domain"
)

func TestPublishTyped(t *testing.T) {
	bus := New(slog.Default())
	defer bus.Close()

	got := make(chan domain.Event, 1)
	bus.Subscribe(domain.EventLocalConnected, func(_ context.Context, e domain.Event) {
		got <- e
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventLocalConnected, ID: 7})

	select {
	case e := <-got:
		assert.Equal(t, uint64(7), e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestPublishDoesNotCrossTypes(t *testing.T) {
	bus := New(slog.Default())
	defer bus.Close()

	var calls atomic.Int64
	bus.Subscribe(domain.EventProcessKilled, func(context.Context, domain.Event) {
		calls.Add(1)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventLocalConnected})
	bus.Close() // drains in-flight handlers

	assert.Equal(t, int64(0), calls.Load())
}

func TestWildcardReceivesEverything(t *testing.T) {
	bus := New(slog.Default())

	var calls atomic.Int64
	bus.Subscribe(domain.EventTypeAll, func(context.Context, domain.Event) {
		calls.Add(1)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventLocalConnected})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventTunnelCompleted})
	bus.Close()

	assert.Equal(t, int64(2), calls.Load())
}

func TestUnsubscribe(t *testing.T) {
	bus := New(slog.Default())

	var calls atomic.Int64
	unsub := bus.Subscribe(domain.EventTunnelStarted, func(context.Context, domain.Event) {
		calls.Add(1)
	})
	unsub()

	bus.Publish(context.Background(), domain.Event{Type: domain.EventTunnelStarted})
	bus.Close()

	assert.Equal(t, int64(0), calls.Load())
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	bus := New(slog.Default())

	bus.Subscribe(domain.EventTypeAll, func(context.Context, domain.Event) {
		panic("boom")
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), domain.Event{Type: domain.EventCallStarted})
		bus.Close()
	})
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := New(slog.Default())

	var calls atomic.Int64
	bus.Subscribe(domain.EventTypeAll, func(context.Context, domain.Event) {
		calls.Add(1)
	})
	bus.Close()

	bus.Publish(context.Background(), domain.Event{Type: domain.EventCallStarted})
	assert.Equal(t, int64(0), calls.Load())
}

func TestConcurrentPublish(t *testing.T) {
	bus := New(slog.Default())

	var calls atomic.Int64
	bus.Subscribe(domain.EventTypeAll, func(context.Context, domain.Event) {
		calls.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), domain.Event{Type: domain.EventTunnelCompleted})
		}()
	}
	wg.Wait()
	bus.Close()

	assert.Equal(t, int64(20), calls.Load())
}
