// Package transport classifies network failures and retries transient ones
// with bounded exponential backoff. Structural failures are never retried.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vk/graphforge/internal/ctxlog"
)

// ErrTransient marks a failure worth retrying.
var ErrTransient = errors.New("transient failure")

// BackoffConfig bounds transport-level retries.
type BackoffConfig struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
}

// DefaultBackoff is 500ms doubling, capped at 10s, five retries.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     10 * time.Second,
		MaxRetries:      5,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoff()
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Transient wraps err so that IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is a connection reset, refused connection,
// timeout, unexpected EOF, or was explicitly marked with Transient.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Retry runs op until it succeeds, fails with a non-transient error, the
// retry budget is spent, or ctx is done. The last error is returned.
func Retry(ctx context.Context, cfg BackoffConfig, what string, op func() error) error {
	cfg = cfg.withDefaults()
	logger := ctxlog.FromContext(ctx)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.Multiplier = cfg.Multiplier
	exp.MaxInterval = cfg.MaxInterval
	// The retry count bounds the loop, not elapsed time.
	exp.MaxElapsedTime = 0
	exp.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.MaxRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		logger.Warn("Transient failure, backing off.", "operation", what, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}
