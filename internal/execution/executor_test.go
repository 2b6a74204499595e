package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"trade-broker/internal/config"
	"trade-broker/internal/entity"
)

func TestExecutorExecute_Succeeds(t *testing.T) {
	venue := &mockVenue{}
	exec := NewExecutor(venue, config.ExecutionConfig{MaxRetry: 3}, nil)

	result := exec.Execute(context.Background(), makeTrade())
	if !result.Executed {
		t.Fatalf("expected result.Executed=true, got message %q", result.Message)
	}
	if result.Message != "Trade t-1 executed." {
		t.Errorf("unexpected message: %q", result.Message)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.ExecutionTime.IsZero() {
		t.Errorf("expected execution time to be set")
	}

	orders := venue.submitted()
	if len(orders) != 1 {
		t.Fatalf("unexpected submit count: got %d want 1", len(orders))
	}
	want := Order{TradeID: "t-1", StockSymbol: "AAPL", Quantity: 100, Side: "buy"}
	if orders[0] != want {
		t.Errorf("unexpected order: got %+v want %+v", orders[0], want)
	}
}

func TestExecutorExecute_RetriesUnavailableVenue(t *testing.T) {
	venue := &mockVenue{failures: []error{
		fmt.Errorf("gateway 503: %w", ErrVenueUnavailable),
		ErrVenueUnavailable,
	}}
	exec := NewExecutor(venue, config.ExecutionConfig{MaxRetry: 3, RetryDelay: time.Millisecond}, nil)

	result := exec.Execute(context.Background(), makeTrade())
	if !result.Executed {
		t.Fatalf("expected success after retries, got %q", result.Message)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestExecutorExecute_FailureIsData(t *testing.T) {
	venue := &mockVenue{failures: []error{errors.New("order rejected")}}
	exec := NewExecutor(venue, config.ExecutionConfig{MaxRetry: 3, RetryDelay: time.Millisecond}, nil)

	result := exec.Execute(context.Background(), makeTrade())
	if result.Executed {
		t.Fatalf("expected result.Executed=false")
	}
	if result.Attempts != 1 {
		t.Errorf("non-retryable error should not retry, got %d attempts", result.Attempts)
	}
	if !strings.Contains(result.Message, "order rejected") {
		t.Errorf("expected failure message to carry cause, got %q", result.Message)
	}
}

func TestExecutorExecute_ExhaustsRetries(t *testing.T) {
	venue := &mockVenue{failures: []error{ErrVenueUnavailable, ErrVenueUnavailable, ErrVenueUnavailable}}
	exec := NewExecutor(venue, config.ExecutionConfig{MaxRetry: 2, RetryDelay: time.Millisecond}, nil)

	result := exec.Execute(context.Background(), makeTrade())
	if result.Executed {
		t.Fatalf("expected result.Executed=false")
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
}

func TestSimulatedVenue_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SimulatedVenue{Delay: time.Hour}.Submit(ctx, Order{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewExecutor_DefaultsToSimulatedVenue(t *testing.T) {
	exec := NewExecutor(nil, config.ExecutionConfig{Delay: time.Millisecond}, nil)

	result := exec.Execute(context.Background(), makeTrade())
	if !result.Executed {
		t.Fatalf("expected simulated venue to execute, got %q", result.Message)
	}
}

func makeTrade() entity.Trade {
	return entity.Trade{
		TradeID:     "t-1",
		StockSymbol: "AAPL",
		Quantity:    100,
		Action:      entity.ActionBuy,
		Status:      entity.StatusPending,
	}
}

type mockVenue struct {
	mu       sync.Mutex
	failures []error
	orders   []Order
}

func (m *mockVenue) Submit(_ context.Context, order Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders = append(m.orders, order)
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	return nil
}

func (m *mockVenue) submitted() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Order(nil), m.orders...)
}
