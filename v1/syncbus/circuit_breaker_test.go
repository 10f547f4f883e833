package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockBus struct {
	publishFunc   func(ctx context.Context, channel, payload string) error
	subscribeFunc func(ctx context.Context, channel string) (<-chan Event, error)
	*InMemoryBus
}

func (m *mockBus) Publish(ctx context.Context, channel, payload string) error {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, channel, payload)
	}
	return m.InMemoryBus.Publish(ctx, channel, payload)
}

func (m *mockBus) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	if m.subscribeFunc != nil {
		return m.subscribeFunc(ctx, channel)
	}
	return m.InMemoryBus.Subscribe(ctx, channel)
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	threshold := 2
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(mb, threshold, timeout)

	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	mb.publishFunc = func(ctx context.Context, channel, payload string) error { return failErr }
	if err := cb.Publish(ctx, "key", "0"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}

	if err := cb.Publish(ctx, "key", "0"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected unhealthy/open after threshold reached")
	}
	if err := cb.Publish(ctx, "key", "0"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if _, err := cb.Subscribe(ctx, "key"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen on subscribe, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	if !cb.IsHealthy() {
		t.Fatal("expected healthy (time passed)")
	}

	mb.publishFunc = func(ctx context.Context, channel, payload string) error { return nil }
	if err := cb.Publish(ctx, "key", "0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after success")
	}
	if cb.failures != 0 {
		t.Fatalf("expected failures=0, got %d", cb.failures)
	}

	mb.publishFunc = func(ctx context.Context, channel, payload string) error { return failErr }
	_ = cb.Publish(ctx, "key", "0")
	_ = cb.Publish(ctx, "key", "0")
	if cb.IsHealthy() {
		t.Fatal("expected open")
	}

	time.Sleep(timeout + 10*time.Millisecond)
	if err := cb.Publish(ctx, "key", "0"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after half-open failure")
	}
	if err := cb.Publish(ctx, "key", "0"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SubscribeFailuresTrip(t *testing.T) {
	failErr := errors.New("subscribe failed")
	mb := &mockBus{
		InMemoryBus: NewInMemoryBus(),
		subscribeFunc: func(ctx context.Context, channel string) (<-chan Event, error) {
			return nil, failErr
		},
	}
	cb := NewCircuitBreaker(mb, 1, time.Minute)
	if _, err := cb.Subscribe(context.Background(), "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after subscribe failure")
	}
}

func TestCircuitBreaker_CanceledContextDoesNotTrip(t *testing.T) {
	mb := &mockBus{
		InMemoryBus: NewInMemoryBus(),
		publishFunc: func(ctx context.Context, channel, payload string) error { return context.Canceled },
	}
	cb := NewCircuitBreaker(mb, 1, time.Minute)
	_ = cb.Publish(context.Background(), "key", "0")
	if !cb.IsHealthy() {
		t.Fatal("caller cancellation must not open the circuit")
	}
}

func TestCircuitBreaker_Passthrough(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	cb := NewCircuitBreaker(mb, 5, time.Minute)

	ctx := context.Background()
	sub, err := cb.Subscribe(ctx, "foo")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := cb.Publish(ctx, "foo", "0"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on underlying bus")
	}
	if err := cb.Unsubscribe(ctx, "foo", sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if n := mb.Subscribers("foo"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
