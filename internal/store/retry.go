package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

// #region config

// RetryConfig bounds the exponential backoff applied to StoreUnavailable errors.
type RetryConfig struct {
	// MaxAttempts counts the initial attempt.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1"`

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`

	// MaxBackoff caps every wait.
	MaxBackoff time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`

	// BackoffFactor multiplies the wait after each failure.
	BackoffFactor float64 `yaml:"backoff_factor" validate:"gte=1"`

	// JitterFactor is the maximum jitter as a fraction of the wait (0-1).
	JitterFactor float64 `yaml:"jitter_factor" validate:"gte=0,lte=1"`
}

// DefaultRetryConfig returns the backoff used by the engine.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// #endregion config

// #region decorator

// Retrying wraps a backend, reports its failures as StoreUnavailable and
// retries them. Missing keys, cancellations and engine errors pass through.
type Retrying struct {
	kv     KV
	cfg    RetryConfig
	logger *slog.Logger
}

var _ KV = (*Retrying)(nil)

// WithRetry decorates kv.
func WithRetry(kv KV, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Retrying{kv: kv, cfg: cfg, logger: logger}
}

// Unwrap returns the decorated backend.
func (r *Retrying) Unwrap() KV { return r.kv }

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "get "+key, func(ctx context.Context) error {
		v, err := r.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *Retrying) Put(ctx context.Context, key string, value []byte) error {
	return r.do(ctx, "put "+key, func(ctx context.Context) error {
		return r.kv.Put(ctx, key, value)
	})
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete "+key, func(ctx context.Context) error {
		return r.kv.Delete(ctx, key)
	})
}

// Scan retries only the read; errors returned by fn are never retried.
func (r *Retrying) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	var pairs []kvPair
	err := r.do(ctx, "scan "+prefix, func(ctx context.Context) error {
		pairs = pairs[:0]
		return r.kv.Scan(ctx, prefix, func(k string, v []byte) error {
			pairs = append(pairs, kvPair{key: k, value: v})
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}

func (r *Retrying) Close() error {
	return r.kv.Close()
}

// #endregion decorator

// #region retry-loop

func (r *Retrying) do(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := r.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := classify(op, fn(ctx))
		if err == nil {
			return nil
		}
		lastErr = err
		if !model.IsRetryable(err) || attempt == r.cfg.MaxAttempts {
			break
		}

		wait := jitter(backoff, r.cfg.JitterFactor)
		r.logger.Warn("store unavailable, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff = time.Duration(float64(backoff) * r.cfg.BackoffFactor)
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
	if model.IsRetryable(lastErr) {
		return fmt.Errorf("after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
	}
	return lastErr
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var engineErr *model.Error
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &engineErr):
		return err
	}
	return model.StoreUnavailable(op, err)
}

func jitter(base time.Duration, factor float64) time.Duration {
	if factor <= 0 || base <= 0 {
		return base
	}
	mult := 1.0 + (rand.Float64()*2-1)*factor
	return time.Duration(float64(base) * mult)
}

// #endregion retry-loop
