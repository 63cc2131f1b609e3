package circuit

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"convergence-trading-bot/internal/logging"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Enabled: true, MaxConsecutiveErrors: 3})

	var trips []string
	cb.OnTrip(func(reason string) { trips = append(trips, reason) })

	boom := errors.New("connection reset by peer")
	for i := 1; i <= 2; i++ {
		if cb.RecordFailure(boom) {
			t.Fatalf("tripped after %d failures, want 3", i)
		}
	}
	if !cb.RecordFailure(boom) {
		t.Fatal("third failure did not trip the breaker")
	}
	if cb.GetState() != StateOpen {
		t.Errorf("state = %s, want %s", cb.GetState(), StateOpen)
	}
	if len(trips) != 1 {
		t.Fatalf("OnTrip called %d times, want 1", len(trips))
	}

	// Further failures keep it open without re-tripping.
	if cb.RecordFailure(boom) {
		t.Error("open breaker tripped again")
	}
	if len(trips) != 1 {
		t.Errorf("OnTrip called %d times after extra failure, want 1", len(trips))
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Enabled: true, MaxConsecutiveErrors: 2})
	boom := errors.New("timeout")

	cb.RecordFailure(boom)
	cb.RecordSuccess()
	if got := cb.ConsecutiveErrors(); got != 0 {
		t.Fatalf("ConsecutiveErrors after success = %d, want 0", got)
	}
	if cb.RecordFailure(boom) {
		t.Error("tripped on first failure after a success")
	}
}

func TestBreakerRestoreDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Enabled: true, MaxConsecutiveErrors: 3})

	cb.Restore(10)
	if cb.GetState() != StateClosed {
		t.Fatalf("Restore tripped the breaker")
	}
	if got := cb.ConsecutiveErrors(); got != 10 {
		t.Errorf("ConsecutiveErrors = %d, want 10", got)
	}
	if !cb.RecordFailure(errors.New("503")) {
		t.Error("first failure after restoring an over-threshold count did not trip")
	}

	cb.ForceReset()
	if cb.GetState() != StateClosed || cb.ConsecutiveErrors() != 0 {
		t.Errorf("ForceReset left state=%s errors=%d", cb.GetState(), cb.ConsecutiveErrors())
	}
}

func TestBreakerDisabledNeverTrips(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Enabled: false, MaxConsecutiveErrors: 1})
	for i := 0; i < 5; i++ {
		if cb.RecordFailure(errors.New("timeout")) {
			t.Fatal("disabled breaker tripped")
		}
	}
}

func TestIsRetryable(t *testing.T) {
	var c ErrorClassifier
	testCases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("binance API error 429: Too many requests"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("binance API error 400: invalid symbol"), false},
		{context.Canceled, false},
	}

	for _, tc := range testCases {
		name := "nil"
		if tc.err != nil {
			name = tc.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := c.IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, &logging.Config{Level: "ERROR"})
}

func TestRetrierRetriesThenSucceeds(t *testing.T) {
	r := NewRetrier(&RetryConfig{MaxRetries: 3, BackoffDelays: []time.Duration{time.Millisecond}}, quietLogger())

	calls := 0
	got, err := Call(context.Background(), r, "price", func(context.Context) (float64, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("service unavailable")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Errorf("got %v after %d calls, want 42 after 3", got, calls)
	}
}

func TestRetrierReturnsConnectivityError(t *testing.T) {
	r := NewRetrier(&RetryConfig{MaxRetries: 2, BackoffDelays: []time.Duration{time.Millisecond}}, quietLogger())
	boom := errors.New("connection refused")

	calls := 0
	err := r.Do(context.Background(), "klines", func(context.Context) error {
		calls++
		return boom
	})

	var ce *ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("Do error = %T, want *ConnectivityError", err)
	}
	if ce.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d calls = %d, want 3", ce.Attempts, calls)
	}
	if !errors.Is(err, boom) {
		t.Error("ConnectivityError does not unwrap to the cause")
	}
}

func TestRetrierStopsOnNonRetryable(t *testing.T) {
	r := NewRetrier(&RetryConfig{MaxRetries: 5, BackoffDelays: []time.Duration{time.Millisecond}}, quietLogger())

	calls := 0
	err := r.Do(context.Background(), "order", func(context.Context) error {
		calls++
		return errors.New("insufficient balance")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !IsConnectivityError(err) {
		t.Errorf("err = %v, want ConnectivityError", err)
	}
}

func TestRetrierHonoursCancellation(t *testing.T) {
	r := NewRetrier(&RetryConfig{MaxRetries: 3, BackoffDelays: []time.Duration{time.Hour}}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	err := r.Do(ctx, "trades", func(context.Context) error {
		cancel()
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do error = %v, want context.Canceled", err)
	}
}
