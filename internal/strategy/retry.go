package strategy

import (
	"math/rand"
	"sync"

	"webpilot/internal/logging"
	"webpilot/internal/types"
)

// RetryStrategy describes how one error kind is retried.
type RetryStrategy struct {
	ErrorType  ErrorKind         `json:"errorType"`
	MaxRetries int               `json:"maxRetries"`
	Backoff    types.BackoffKind `json:"backoff"`
	BaseDelay  int               `json:"baseDelayMs"`
	MaxDelay   int               `json:"maxDelayMs"`
	Jitter     bool              `json:"jitter"`
	Adaptive   bool              `json:"adaptive"`
}

// Retry bounds applied during adaptation.
const (
	minAdaptedRetries = 1
	maxAdaptedRetries = 7
)

// defaultStrategies is the per-kind baseline table.
func defaultStrategies() map[ErrorKind]RetryStrategy {
	return map[ErrorKind]RetryStrategy{
		ErrorNetwork:  {ErrorType: ErrorNetwork, MaxRetries: 5, Backoff: types.BackoffExponential, BaseDelay: 1000, MaxDelay: 30000, Jitter: true, Adaptive: true},
		ErrorSelector: {ErrorType: ErrorSelector, MaxRetries: 3, Backoff: types.BackoffLinear, BaseDelay: 500, MaxDelay: 5000, Jitter: false, Adaptive: true},
		ErrorTimeout:  {ErrorType: ErrorTimeout, MaxRetries: 4, Backoff: types.BackoffExponential, BaseDelay: 2000, MaxDelay: 20000, Jitter: true, Adaptive: true},
		Error500:      {ErrorType: Error500, MaxRetries: 3, Backoff: types.BackoffExponential, BaseDelay: 2000, MaxDelay: 15000, Jitter: true, Adaptive: true},
		Error403:      {ErrorType: Error403, MaxRetries: 0, Backoff: types.BackoffFixed, BaseDelay: 0, MaxDelay: 0, Jitter: false, Adaptive: false},
		ErrorOther:    {ErrorType: ErrorOther, MaxRetries: 2, Backoff: types.BackoffLinear, BaseDelay: 1000, MaxDelay: 5000, Jitter: false, Adaptive: true},
	}
}

// CalculateDelay returns the delay in milliseconds before attempt n (1-based).
// Without jitter the schedule is non-decreasing in n and capped at MaxDelay.
func CalculateDelay(s RetryStrategy, attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	var factor int
	switch s.Backoff {
	case types.BackoffExponential:
		factor = 1 << (attempt - 1)
	case types.BackoffLinear:
		factor = attempt
	case types.BackoffFibonacci:
		factor = fib(attempt)
	default: // fixed
		factor = 1
	}

	delay := s.BaseDelay * factor
	if s.MaxDelay > 0 && delay > s.MaxDelay {
		delay = s.MaxDelay
	}
	if s.Jitter && delay > 0 {
		// ±10% uniform jitter.
		delay = int(float64(delay) * (1 + (rand.Float64()*0.2 - 0.1)))
	}
	return delay
}

func fib(n int) int {
	a, b := 1, 1
	for i := 2; i < n; i++ {
		a, b = b, a+b
	}
	if n <= 1 {
		return 1
	}
	return b
}

// ShouldRetry reports whether attempt n (1-based count of retries already
// made) may be followed by another try.
func ShouldRetry(s RetryStrategy, attempt int, errMessage string) bool {
	if s.ErrorType == Error403 {
		return false
	}
	if attempt > s.MaxRetries {
		return false
	}
	if isNonRetryableMessage(errMessage) {
		return false
	}
	return true
}

// outcomeWindow tracks recent outcomes per (site, error kind).
type outcomeWindow struct {
	results []bool // true = eventual success
}

func (w *outcomeWindow) record(success bool) {
	w.results = append(w.results, success)
	if len(w.results) > 50 {
		w.results = w.results[len(w.results)-50:]
	}
}

func (w *outcomeWindow) successRate() (float64, int) {
	if len(w.results) == 0 {
		return 0, 0
	}
	var ok int
	for _, r := range w.results {
		if r {
			ok++
		}
	}
	return float64(ok) / float64(len(w.results)), len(w.results)
}

// AdaptiveRetry selects strategies per error kind and adapts the retry budget
// from per-site observations.
type AdaptiveRetry struct {
	mu         sync.RWMutex
	strategies map[ErrorKind]RetryStrategy
	outcomes   map[string]*outcomeWindow // site|kind
	attempts   map[string]int            // logical command key
}

// NewAdaptiveRetry creates an adaptive retry engine with the default table.
func NewAdaptiveRetry() *AdaptiveRetry {
	return &AdaptiveRetry{
		strategies: defaultStrategies(),
		outcomes:   make(map[string]*outcomeWindow),
		attempts:   make(map[string]int),
	}
}

// StrategyFor returns the effective strategy for an error kind at a site,
// with the adaptive budget applied. commandKey identifies the logical command
// so repeated offenders get a reduced budget.
func (a *AdaptiveRetry) StrategyFor(kind ErrorKind, site, commandKey string) RetryStrategy {
	a.mu.RLock()
	s, ok := a.strategies[kind]
	if !ok {
		s = a.strategies[ErrorOther]
	}
	window := a.outcomes[site+"|"+string(kind)]
	prevAttempts := a.attempts[commandKey]
	a.mu.RUnlock()

	if !s.Adaptive {
		return s
	}

	if window != nil {
		if rate, n := window.successRate(); n >= 5 {
			if rate < 0.3 && s.MaxRetries > minAdaptedRetries {
				s.MaxRetries--
				logging.StrategyDebug("Reduced retries for %s@%s to %d (success rate %.2f)", kind, site, s.MaxRetries, rate)
			} else if rate > 0.8 && s.MaxRetries < maxAdaptedRetries {
				s.MaxRetries++
				logging.StrategyDebug("Increased retries for %s@%s to %d (success rate %.2f)", kind, site, s.MaxRetries, rate)
			}
		}
	}
	if prevAttempts > 3 && s.MaxRetries > minAdaptedRetries {
		s.MaxRetries--
	}
	return s
}

// RecordAttempt notes one retry attempt for a logical command.
func (a *AdaptiveRetry) RecordAttempt(commandKey string) {
	a.mu.Lock()
	a.attempts[commandKey]++
	a.mu.Unlock()
}

// RecordOutcome notes whether recovery for an error kind at a site eventually
// succeeded; it feeds adaptation.
func (a *AdaptiveRetry) RecordOutcome(site string, kind ErrorKind, success bool) {
	key := site + "|" + string(kind)
	a.mu.Lock()
	w, ok := a.outcomes[key]
	if !ok {
		w = &outcomeWindow{}
		a.outcomes[key] = w
	}
	w.record(success)
	a.mu.Unlock()
}
