package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *time.Time) {
	t.Helper()
	b, err := New(cfg, nil)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &now
	b.now = func() time.Time { return *clock }
	return b, clock
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		b.ReportFailure("a1")
		require.NoError(t, b.Allow("a1"), "circuit must stay closed below threshold")
	}

	b.ReportFailure("a1")
	s := b.State("a1")
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, 5, s.Failures)
	assert.ErrorIs(t, b.Allow("a1"), ErrOpen)
}

func TestBreaker_OpenHasFutureRetryAt(t *testing.T) {
	b, clock := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: 30 * time.Second})

	b.ReportFailure("a1")
	s := b.State("a1")
	assert.Equal(t, StateOpen, s.State)
	assert.True(t, s.RetryAt.After(*clock))
	assert.Equal(t, clock.Add(30*time.Second), s.RetryAt)
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: time.Second})

	b.ReportFailure("a1")
	require.ErrorIs(t, b.Allow("a1"), ErrOpen)

	*clock = clock.Add(2 * time.Second)
	require.NoError(t, b.Allow("a1"), "cooldown elapsed, trial call admitted")
	assert.Equal(t, StateHalfOpen, b.State("a1").State)

	// Second caller while the trial is in flight is rejected.
	assert.ErrorIs(t, b.Allow("a1"), ErrOpen)
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: time.Second})

	b.ReportFailure("a1")
	*clock = clock.Add(2 * time.Second)
	require.NoError(t, b.Allow("a1"))

	b.ReportSuccess("a1")
	s := b.State("a1")
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, 0, s.Failures)
	assert.NoError(t, b.Allow("a1"))
}

func TestBreaker_TrialFailureReopensWithDoubledCooldown(t *testing.T) {
	b, clock := newTestBreaker(t, Config{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		MaxCooldown:      3 * time.Second,
	})

	b.ReportFailure("a1")
	*clock = clock.Add(2 * time.Second)
	require.NoError(t, b.Allow("a1"))

	b.ReportFailure("a1")
	s := b.State("a1")
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, clock.Add(2*time.Second), s.RetryAt, "cooldown doubles on re-open")

	// A further re-open is capped at max_cooldown.
	*clock = clock.Add(3 * time.Second)
	require.NoError(t, b.Allow("a1"))
	b.ReportFailure("a1")
	s = b.State("a1")
	assert.Equal(t, clock.Add(3*time.Second), s.RetryAt)
}

func TestBreaker_TargetsAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1})

	b.ReportFailure("a1")
	assert.ErrorIs(t, b.Allow("a1"), ErrOpen)
	assert.NoError(t, b.Allow("a2"))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3})

	b.ReportFailure("a1")
	b.ReportFailure("a1")
	b.ReportSuccess("a1")
	b.ReportFailure("a1")
	b.ReportFailure("a1")
	assert.NoError(t, b.Allow("a1"), "non-consecutive failures must not open the circuit")
}

func TestBreaker_Forget(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1})

	b.ReportFailure("a1")
	b.Forget("a1")
	assert.NoError(t, b.Allow("a1"))
}

func TestBreaker_ConcurrentReports(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 100})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.ReportFailure("a1")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, b.State("a1").Failures)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{FailureThreshold: -1}
	cfg.ApplyDefaults()
	require.Error(t, cfg.Validate())

	cfg = Config{Cooldown: time.Minute, MaxCooldown: time.Second}
	cfg.ApplyDefaults()
	require.Error(t, cfg.Validate())
}

func TestRetrier_StopsOnFatal(t *testing.T) {
	r, err := NewRetrier(RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond}, nil)
	require.NoError(t, err)

	calls := 0
	fatal := Fatal(errors.New("bad payload"))
	got := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fatal
	})
	require.Error(t, got)
	assert.Equal(t, 1, calls, "fatal error must bypass remaining retries")
	assert.True(t, IsFatal(got))
}

func TestRetrier_RetriesTransient(t *testing.T) {
	r, err := NewRetrier(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond}, nil)
	require.NoError(t, err)

	calls := 0
	got := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection dropped")
		}
		return nil
	})
	require.NoError(t, got)
	assert.Equal(t, 3, calls)
}

func TestRetrier_ExhaustsRetries(t *testing.T) {
	r, err := NewRetrier(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond}, nil)
	require.NoError(t, err)

	calls := 0
	transient := errors.New("timeout")
	got := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return transient
	})
	require.Error(t, got)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, got, transient)
}

func TestRetrier_ContextCanceledDuringBackoff(t *testing.T) {
	r, err := NewRetrier(RetryConfig{MaxRetries: 3, InitialBackoff: time.Minute}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	got := r.Do(ctx, func(ctx context.Context) error {
		return errors.New("transient")
	})
	require.Error(t, got)
	assert.ErrorIs(t, got, context.Canceled)
}

func TestRetryable_Classification(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(Fatal(errors.New("validation"))))
	assert.False(t, Retryable(context.Canceled))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.True(t, Retryable(errors.New("connection reset by peer")))
}
