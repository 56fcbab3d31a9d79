package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/graphforge/internal/ctxlog"
)

func testContext() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func fastBackoff(retries int) BackoffConfig {
	return BackoffConfig{InitialInterval: time.Millisecond, Multiplier: 2, MaxInterval: 5 * time.Millisecond, MaxRetries: retries}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"marked", Transient(errors.New("503")), true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), true},
		{"timeout", timeoutErr{}, true},
		{"cancelled", context.Canceled, false},
		{"cancelled wins over marker", Transient(context.Canceled), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestRetry(t *testing.T) {
	ctx := testContext()

	t.Run("retries transient failures until success", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, fastBackoff(5), "op", func() error {
			calls++
			if calls < 3 {
				return Transient(errors.New("flaky"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("structural failure is not retried", func(t *testing.T) {
		calls := 0
		structural := errors.New("rejected")
		err := Retry(ctx, fastBackoff(5), "op", func() error {
			calls++
			return structural
		})
		assert.Same(t, structural, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("budget is bounded", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, fastBackoff(2), "op", func() error {
			calls++
			return Transient(errors.New("down"))
		})
		assert.True(t, IsTransient(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		calls := 0
		err := Retry(cctx, fastBackoff(5), "op", func() error {
			calls++
			return Transient(errors.New("down"))
		})
		assert.Error(t, err)
		assert.LessOrEqual(t, calls, 1)
	})
}
