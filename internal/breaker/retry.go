package breaker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// RetryConfig configures the retry executor.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first
	// call. Default: 3.
	MaxRetries int `koanf:"max_retries"`

	// InitialBackoff is the initial backoff duration. Default: 500ms.
	InitialBackoff time.Duration `koanf:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration. Default: 30s.
	MaxBackoff time.Duration `koanf:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2.
	BackoffMultiplier float64 `koanf:"backoff_multiplier"`

	// JitterFraction adds up to this fraction of the backoff as random
	// jitter. Default: 0.2.
	JitterFraction float64 `koanf:"jitter_fraction"`
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.JitterFraction == 0 {
		c.JitterFraction = 0.2
	}
}

// Validate validates the retry configuration.
func (c *RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("retry: max_retries must be non-negative")
	}
	if c.BackoffMultiplier < 1 {
		return errors.New("retry: backoff_multiplier must be >= 1")
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return errors.New("retry: jitter_fraction must be in [0,1]")
	}
	return nil
}

// fatalError marks an error as non-retryable.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as fatal so the retry executor propagates it immediately
// instead of burning remaining attempts. Protocol and validation errors from
// agent calls are marked this way.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Retryable classifies an error as retryable. Timeouts and connection resets
// are transient; fatal-marked and cancellation errors are not. Unknown
// transport errors are assumed transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}

// Retrier wraps a single logical call with bounded retries and exponential
// backoff with jitter.
type Retrier struct {
	config RetryConfig
	logger *zap.Logger
}

// NewRetrier creates a retry executor.
func NewRetrier(cfg RetryConfig, logger *zap.Logger) (*Retrier, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{config: cfg, logger: logger}, nil
}

// Do runs op, retrying transient failures up to MaxRetries times. Fatal
// errors bypass remaining retries and propagate immediately.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	backoff := r.config.InitialBackoff
	start := time.Now()

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("operation recovered after retries",
					zap.Int("attempts", attempt+1),
					zap.Duration("total_time", time.Since(start)))
			}
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			r.logger.Debug("error is not retryable", zap.Error(err))
			return err
		}
		if attempt == r.config.MaxRetries {
			break
		}

		delay := backoff
		if r.config.JitterFraction > 0 {
			delay += time.Duration(rand.Float64() * r.config.JitterFraction * float64(backoff))
		}
		r.logger.Info("retrying after transient error",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", r.config.MaxRetries+1),
			zap.Duration("backoff", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(delay):
			next := time.Duration(float64(backoff) * r.config.BackoffMultiplier)
			if next > r.config.MaxBackoff {
				next = r.config.MaxBackoff
			}
			backoff = next
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}
