package errs

import "time"

// Backoff names a delay curve used by the retry executor.
type Backoff string

const (
	BackoffImmediate   Backoff = "immediate"
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
	BackoffRandom      Backoff = "random"
)

// FinalAction is the outcome the gallery processor applies once retry (and
// any eligible fallback) has been exhausted for a category.
type FinalAction string

const (
	ActionContinue  FinalAction = "continue"
	ActionSkipImage FinalAction = "skip_image"
	ActionSkipURL   FinalAction = "skip_url"
	ActionPause     FinalAction = "pause"
	ActionAbort     FinalAction = "abort"
	ActionManual    FinalAction = "manual"
)

// ParseFinalAction maps a legacy, possibly-unrecognized action string onto
// the closed FinalAction enum. Per SPEC_FULL.md §9 open question 2, any
// value that is not one of the six known actions migrates to ActionManual
// (the closest existing "needs an operator" action), since the legacy
// "selenium_retry" had no equivalent in this engine's closed action set.
func ParseFinalAction(s string) FinalAction {
	switch FinalAction(s) {
	case ActionContinue, ActionSkipImage, ActionSkipURL, ActionPause, ActionAbort, ActionManual:
		return FinalAction(s)
	default:
		return ActionManual
	}
}

// RetryStrategy is the full retry policy attached to one Category.
type RetryStrategy struct {
	Retry             bool
	MaxRetries        int
	Backoff           Backoff
	BaseDelay         time.Duration
	SessionRefreshAt  int  // 0 means never
	SeleniumFallback  bool
	SeleniumFallbackAt int // retry count at which fallback becomes eligible; 0 with SeleniumFallback true means "immediately"
	FinalAction       FinalAction
}

// policyTable is the default per-category policy from SPEC_FULL.md §4.2.
var policyTable = map[Category]RetryStrategy{
	CategoryNetTimeout:     {Retry: true, MaxRetries: 5, Backoff: BackoffExponential, BaseDelay: 5 * time.Second, SessionRefreshAt: 3, FinalAction: ActionSkipImage},
	CategoryNetConn:        {Retry: true, MaxRetries: 5, Backoff: BackoffExponential, BaseDelay: 5 * time.Second, SessionRefreshAt: 2, FinalAction: ActionSkipImage},
	CategoryNetRateLimit:   {Retry: true, MaxRetries: 10, Backoff: BackoffExponential, BaseDelay: 60 * time.Second, FinalAction: ActionSkipImage},
	CategoryNetServerError: {Retry: true, MaxRetries: 5, Backoff: BackoffExponential, BaseDelay: 10 * time.Second, SessionRefreshAt: 2, SeleniumFallback: true, SeleniumFallbackAt: 3, FinalAction: ActionSkipImage},
	CategoryNetClientError: {Retry: true, MaxRetries: 1, Backoff: BackoffImmediate, BaseDelay: 1 * time.Second, SeleniumFallback: true, SeleniumFallbackAt: 0, FinalAction: ActionSkipImage},
	CategoryNetSSL:         {Retry: true, MaxRetries: 3, Backoff: BackoffFixed, BaseDelay: 5 * time.Second, SessionRefreshAt: 1, FinalAction: ActionSkipImage},

	CategoryFSPermission: {Retry: false, FinalAction: ActionSkipImage},
	CategoryFSNotFound:   {Retry: true, MaxRetries: 2, Backoff: BackoffImmediate, BaseDelay: 1 * time.Second, FinalAction: ActionSkipImage},
	CategoryFSDiskFull:   {Retry: false, FinalAction: ActionAbort},
	CategoryFSLocked:     {Retry: true, MaxRetries: 5, Backoff: BackoffLinear, BaseDelay: 2 * time.Second, FinalAction: ActionSkipImage},
	CategoryFSCorrupt:    {Retry: true, MaxRetries: 2, Backoff: BackoffImmediate, BaseDelay: 1 * time.Second, SessionRefreshAt: 1, FinalAction: ActionSkipImage},

	CategoryParsing:    {Retry: true, MaxRetries: 2, Backoff: BackoffImmediate, BaseDelay: 1 * time.Second, SeleniumFallback: true, SeleniumFallbackAt: 1, FinalAction: ActionSkipImage},
	CategoryValidation: {Retry: true, MaxRetries: 1, Backoff: BackoffImmediate, BaseDelay: 1 * time.Second, FinalAction: ActionSkipImage},

	CategorySelDriver:  {Retry: true, MaxRetries: 3, Backoff: BackoffExponential, BaseDelay: 10 * time.Second, FinalAction: ActionSkipImage},
	CategorySelTimeout: {Retry: true, MaxRetries: 3, Backoff: BackoffLinear, BaseDelay: 10 * time.Second, FinalAction: ActionSkipImage},
	CategorySelScript:  {Retry: true, MaxRetries: 2, Backoff: BackoffImmediate, BaseDelay: 5 * time.Second, FinalAction: ActionSkipImage},

	CategoryUnknown: {Retry: true, MaxRetries: 3, Backoff: BackoffLinear, BaseDelay: 5 * time.Second, SessionRefreshAt: 2, SeleniumFallback: true, SeleniumFallbackAt: 3, FinalAction: ActionSkipImage},
}

// Policy answers the retry-strategy questions the retry executor needs.
// It is deliberately a thin pure-function wrapper over policyTable so
// tests can construct a Policy with an overridden table.
type Policy struct {
	table map[Category]RetryStrategy
}

// NewPolicy returns the default, spec-pinned policy table.
func NewPolicy() *Policy {
	return &Policy{table: policyTable}
}

func (p *Policy) strategy(c Category) RetryStrategy {
	if s, ok := p.table[c]; ok {
		return s
	}
	return policyTable[CategoryUnknown]
}

func (p *Policy) ShouldRetry(c Category) bool {
	return p.strategy(c).Retry
}

// MaxRetries clamps an optional user override into [1, 1.2×default]. A
// userOverride of 0 or negative means "no override, use the default".
func (p *Policy) MaxRetries(c Category, userOverride int) int {
	s := p.strategy(c)
	if userOverride <= 0 {
		return s.MaxRetries
	}
	upper := int(float64(s.MaxRetries) * 1.2)
	if upper < s.MaxRetries {
		upper = s.MaxRetries
	}
	if userOverride > upper {
		return upper
	}
	if userOverride < 1 {
		return 1
	}
	return userOverride
}

func (p *Policy) ShouldRefreshSession(c Category, retryCount int) bool {
	s := p.strategy(c)
	return s.SessionRefreshAt > 0 && retryCount >= s.SessionRefreshAt
}

// ShouldTryFallback reports whether a headless-browser attempt is eligible
// at this retry count. A SeleniumFallbackAt of 0 combined with
// SeleniumFallback true means "eligible from the first attempt" (the
// "Selenium immediate" case used for max_retries=0 requests).
func (p *Policy) ShouldTryFallback(c Category, retryCount int) bool {
	s := p.strategy(c)
	if !s.SeleniumFallback {
		return false
	}
	return retryCount >= s.SeleniumFallbackAt
}

func (p *Policy) FinalAction(c Category) FinalAction {
	return p.strategy(c).FinalAction
}

func (p *Policy) Backoff(c Category) (Backoff, time.Duration) {
	s := p.strategy(c)
	return s.Backoff, s.BaseDelay
}

// UserMessage renders a single human-readable log line for a retry attempt,
// in the spirit of the teacher's friendlyError: short, specific, no stack
// trace leakage.
func (p *Policy) UserMessage(c Category, retryCount, max int, delay time.Duration) string {
	switch c {
	case CategoryNetClientError:
		return "page unavailable (404): treating image as absent"
	case CategoryNetRateLimit:
		return "rate limited by server: backing off"
	case CategoryFSDiskFull:
		return "destination disk is full: aborting"
	default:
		if retryCount >= max {
			return "retries exhausted for " + string(c)
		}
		return "retrying " + string(c) + " in " + delay.String()
	}
}
