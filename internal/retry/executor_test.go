package retry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ehcore/internal/errs"
)

func newTestExecutor() *Executor {
	e := NewExecutor(errs.NewPolicy(), NewCircuitBreaker(), slog.New(slog.DiscardHandler), errs.StageImageFetch)
	e.sleep = func(ctx context.Context, d time.Duration) {} // no real sleeping in tests
	return e
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	e := newTestExecutor()
	res := e.Execute(context.Background(), func(ctx context.Context) (any, int, error) {
		return "ok", 200, nil
	}, 0, nil)
	require.True(t, res.OK)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 0, res.RetryCount)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	e := newTestExecutor()
	attempts := 0
	res := e.Execute(context.Background(), func(ctx context.Context) (any, int, error) {
		attempts++
		if attempts < 3 {
			return nil, 0, errors.New("connection reset by peer")
		}
		return "ok", 200, nil
	}, 0, nil)
	require.True(t, res.OK)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, 3, attempts)
}

func TestExecuteNonRetryableReturnsFinalAction(t *testing.T) {
	e := newTestExecutor()
	res := e.Execute(context.Background(), func(ctx context.Context) (any, int, error) {
		return nil, 0, errors.New("permission denied")
	}, 0, nil)
	assert.False(t, res.OK)
	assert.Equal(t, errs.ActionSkipImage, res.Action)
	assert.Equal(t, ReasonNotRetryable, res.Reason)
}

func TestExecuteExhaustsRetriesAndSkips(t *testing.T) {
	e := newTestExecutor()
	res := e.Execute(context.Background(), func(ctx context.Context) (any, int, error) {
		return nil, 0, errors.New("connection reset by peer")
	}, 0, nil)
	assert.False(t, res.OK)
	assert.Equal(t, errs.ActionSkipImage, res.Action)
	assert.Equal(t, ReasonExhausted, res.Reason)
	assert.Equal(t, 5, res.RetryCount)
}

func TestExecuteSeleniumImmediate(t *testing.T) {
	e := newTestExecutor()
	res := e.Execute(context.Background(), func(ctx context.Context) (any, int, error) {
		return nil, 500, errors.New("server error")
	}, 0, nil)
	assert.False(t, res.OK)
	assert.Equal(t, errs.ActionContinue, res.Action)
	assert.Equal(t, ReasonSeleniumImmediate, res.Reason)
	assert.Equal(t, 0, res.RetryCount)
}

func TestExecutePauseInterruptsBackoff(t *testing.T) {
	e := newTestExecutor()
	paused := false
	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) (any, int, error) {
		calls++
		return nil, 0, errors.New("connection reset by peer")
	}, 0, func() bool {
		paused = true
		return paused
	})
	assert.False(t, res.OK)
	assert.Equal(t, errs.ActionPause, res.Action)
	assert.Equal(t, ReasonUserPaused, res.Reason)
	assert.Equal(t, 1, calls)
}

func TestBackoffDelayBounds(t *testing.T) {
	e := newTestExecutor()
	for _, c := range []errs.Category{errs.CategoryNetTimeout, errs.CategoryNetRateLimit, errs.CategoryFSLocked, errs.CategoryUnknown} {
		for retry := 1; retry <= 10; retry++ {
			d := e.backoffDelay(c, retry)
			assert.GreaterOrEqual(t, d, 500*time.Millisecond)
			assert.LessOrEqual(t, d, 60*time.Second)
		}
	}
}

func TestCircuitOpenShortCircuitsExecute(t *testing.T) {
	e := newTestExecutor()
	for i := 0; i < e.Breaker.failureThreshold; i++ {
		e.Breaker.Allow()
		e.Breaker.RecordFailure()
	}
	res := e.Execute(context.Background(), func(ctx context.Context) (any, int, error) {
		t.Fatal("op must not run while circuit is open")
		return nil, 0, nil
	}, 0, nil)
	assert.Equal(t, errs.ActionPause, res.Action)
	assert.Equal(t, ReasonCircuitOpen, res.Reason)
}
