package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"ehcore/internal/errs"
	"ehcore/internal/events"
)

// CircuitOpenedPayload is the Payload carried by a KindCircuitOpened event,
// giving observers the consecutive-failure count and recovery deadline
// named by scenario S6 ("CircuitOpened event with consecutive_failures=5,
// open_until≈now+60s").
type CircuitOpenedPayload struct {
	Category            errs.Category
	ConsecutiveFailures int
	OpenUntil           time.Time
}

// Reason is attached to a Failure to explain *why* the executor stopped
// retrying, distinct from the Category that drove the decision.
type Reason string

const (
	ReasonCircuitOpen      Reason = "circuit_open"
	ReasonUserPaused       Reason = "user_paused"
	ReasonFallbackNeeded   Reason = "fallback_needed"
	ReasonFallbackEarly    Reason = "fallback_early"
	ReasonSeleniumImmediate Reason = "selenium_immediate"
	ReasonExhausted        Reason = "exhausted"
	ReasonNotRetryable     Reason = "not_retryable"
)

// Result is the typed outcome of Execute: exactly one of Success/Failure
// branches is populated (Go has no sum types, so OK discriminates).
type Result[T any] struct {
	OK         bool
	Value      T
	RetryCount int

	Action           errs.FinalAction
	Reason           Reason
	Category         errs.Category
	RefreshSession   bool
	Err              error
}

// Op is the fallible operation the executor drives. httpStatus is 0 when
// the attempt never produced an HTTP response (e.g. a dial failure).
type Op[T any] func(ctx context.Context) (value T, httpStatus int, err error)

// Executor runs an Op under the category policy and a circuit breaker,
// implementing SPEC_FULL.md §4.3.
type Executor struct {
	Policy  *errs.Policy
	Breaker *CircuitBreaker
	Logger  *slog.Logger
	Stage   errs.Stage

	// Bus, when set, receives a KindCircuitOpened event each time
	// RecordFailure trips the breaker (§4.3's "OPEN emits a CircuitOpened
	// event"). Nil is valid for tests that don't care about the bus.
	Bus *events.Bus

	// Seams for deterministic tests (see SPEC_FULL.md §8 scenario notes).
	sleepSlice time.Duration
	now        func() time.Time
	sleep      func(context.Context, time.Duration)
}

// NewExecutor builds an Executor with production seams (real sleep/clock).
func NewExecutor(policy *errs.Policy, breaker *CircuitBreaker, logger *slog.Logger, stage errs.Stage) *Executor {
	return &Executor{
		Policy:     policy,
		Breaker:    breaker,
		Logger:     logger,
		Stage:      stage,
		sleepSlice: 500 * time.Millisecond,
		now:        time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// pauseCheck is polled during a sliced sleep; returning true aborts the
// backoff early with ReasonUserPaused.
type pauseCheck func() bool

// Execute runs op, retrying per the category policy, until success, a
// non-retryable classification, retry exhaustion, or cooperative pause.
// userMaxRetriesOverride and isPaused may be zero-valued/nil.
func (e *Executor) Execute(ctx context.Context, op Op[any], userMaxRetriesOverride int, isPaused pauseCheck) Result[any] {
	if isPaused == nil {
		isPaused = func() bool { return false }
	}

	retryCount := 0
	for {
		if ctx.Err() != nil {
			return Result[any]{Action: errs.ActionAbort, Err: ctx.Err()}
		}

		if !e.Breaker.Allow() {
			return Result[any]{Action: errs.ActionPause, Reason: ReasonCircuitOpen}
		}

		value, status, err := op(ctx)
		if err == nil {
			e.Breaker.RecordSuccess()
			return Result[any]{OK: true, Value: value, RetryCount: retryCount}
		}

		category := errs.Classify(err, e.Stage, status)

		if !e.Policy.ShouldRetry(category) {
			return Result[any]{RetryCount: retryCount, Action: e.Policy.FinalAction(category), Reason: ReasonNotRetryable, Category: category, Err: err}
		}

		// "Selenium immediate": a userMaxRetriesOverride of 0 on a
		// retryable, fallback-eligible category skips straight to fallback
		// on the very first attempt. Non-retryable categories were already
		// rejected above, which resolves SPEC_FULL.md §9 open question 1.
		if retryCount == 0 && userMaxRetriesOverride == 0 && e.Policy.ShouldTryFallback(category, 0) {
			return Result[any]{RetryCount: retryCount, Action: errs.ActionContinue, Reason: ReasonSeleniumImmediate, Category: category, Err: err}
		}

		max := e.Policy.MaxRetries(category, userMaxRetriesOverride)
		if retryCount >= max {
			tripped := e.Breaker.RecordFailure()
			if tripped {
				if e.Logger != nil {
					e.Logger.Warn("circuit breaker opened", "category", category, "open_until", e.Breaker.OpenUntil())
				}
				if e.Bus != nil {
					e.Bus.Publish(events.Event{Kind: events.KindCircuitOpened, Payload: CircuitOpenedPayload{
						Category:            category,
						ConsecutiveFailures: e.Breaker.ConsecutiveFailures(),
						OpenUntil:           e.Breaker.OpenUntil(),
					}})
				}
			}
			if e.Policy.ShouldTryFallback(category, retryCount) {
				return Result[any]{RetryCount: retryCount, Action: errs.ActionContinue, Reason: ReasonFallbackNeeded, Category: category, Err: err}
			}
			return Result[any]{RetryCount: retryCount, Action: e.Policy.FinalAction(category), Reason: ReasonExhausted, Category: category, Err: err}
		}

		refresh := e.Policy.ShouldRefreshSession(category, retryCount)

		if e.Policy.ShouldTryFallback(category, retryCount) {
			return Result[any]{RetryCount: retryCount, Action: errs.ActionContinue, Reason: ReasonFallbackEarly, Category: category, RefreshSession: refresh, Err: err}
		}

		delay := e.backoffDelay(category, retryCount+1)
		if e.Logger != nil {
			e.Logger.Info(e.Policy.UserMessage(category, retryCount+1, max, delay), "category", category, "retry", retryCount+1, "max", max)
		}

		if paused := e.sleepWithPauseCheck(ctx, delay, isPaused); paused {
			return Result[any]{RetryCount: retryCount, Action: errs.ActionPause, Reason: ReasonUserPaused, Category: category}
		}

		retryCount++
	}
}

// backoffDelay computes the jittered delay for retryCount (1-based),
// clamped to [0.5s, 60s] per SPEC_FULL.md §4.3 and §8 property 7.
func (e *Executor) backoffDelay(c errs.Category, retryCount int) time.Duration {
	curve, base := e.Policy.Backoff(c)
	var d time.Duration
	switch curve {
	case errs.BackoffExponential:
		d = base * time.Duration(1<<uint(retryCount-1))
	case errs.BackoffLinear:
		d = base * time.Duration(retryCount)
	case errs.BackoffFixed:
		d = base
	case errs.BackoffRandom:
		d = time.Duration(float64(base) * (1 + rand.Float64()))
	case errs.BackoffImmediate:
		d = 500 * time.Millisecond
	default:
		d = base
	}

	jitter := 0.8 + rand.Float64()*0.4 // U(0.8, 1.2)
	d = time.Duration(float64(d) * jitter)

	if d > 60*time.Second {
		d = 60 * time.Second
	}
	if d < 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

// sleepWithPauseCheck sleeps in <=500ms slices so a pause/cancellation is
// observed within that bound, as required by §5's suspension-point rule.
func (e *Executor) sleepWithPauseCheck(ctx context.Context, total time.Duration, isPaused pauseCheck) (paused bool) {
	remaining := total
	for remaining > 0 {
		if isPaused() {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		slice := e.sleepSlice
		if remaining < slice {
			slice = remaining
		}
		e.sleep(ctx, slice)
		remaining -= slice
	}
	return false
}
