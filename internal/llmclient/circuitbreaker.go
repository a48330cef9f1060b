package llmclient

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/codereview/revieworchestrator/internal/errs"
)

// CircuitBreakerConfig tunes the rolling-window failure-rate breaker:
// the circuit opens once the failure rate over the last Window calls
// reaches FailureRate, and stays open for Cooldown before a half-open
// probe decides whether to reset or re-open.
type CircuitBreakerConfig struct {
	FailureRate float64
	Window      int
	Cooldown    time.Duration
}

type circuitState struct {
	mu        sync.Mutex
	cfg       CircuitBreakerConfig
	outcomes  []bool // ring of recent outcomes, true = success
	openUntil time.Time
	halfOpen  bool // cooldown elapsed; the next recorded outcome decides
}

func newCircuitState(cfg CircuitBreakerConfig) *circuitState {
	if cfg.Window <= 0 {
		cfg.Window = 1
	}
	return &circuitState{cfg: cfg}
}

// isOpen reports whether the circuit is currently rejecting calls. Once
// the cooldown has elapsed it clears the window and lets the next call
// through as a half-open probe.
func (cs *circuitState) isOpen() (bool, time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.openUntil.IsZero() {
		return false, time.Time{}
	}
	if time.Now().Before(cs.openUntil) {
		return true, cs.openUntil
	}
	cs.openUntil = time.Time{}
	cs.outcomes = nil
	cs.halfOpen = true
	return false, time.Time{}
}

// recordOutcome settles a half-open probe (a failure re-opens the circuit
// for another cooldown, a success leaves it closed with an empty window).
// Otherwise it appends the latest call's outcome to the rolling window
// and, once the window is full, opens the circuit if the failure rate
// over it meets or exceeds cfg.FailureRate.
func (cs *circuitState) recordOutcome(success bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.halfOpen {
		cs.halfOpen = false
		if !success {
			cs.openUntil = time.Now().Add(cs.cfg.Cooldown)
			slog.Warn("llmclient circuit breaker re-opened after failed half-open probe",
				"open_until", cs.openUntil)
		}
		return
	}

	cs.outcomes = append(cs.outcomes, success)
	if len(cs.outcomes) > cs.cfg.Window {
		cs.outcomes = cs.outcomes[len(cs.outcomes)-cs.cfg.Window:]
	}
	if len(cs.outcomes) < cs.cfg.Window {
		return
	}

	failures := 0
	for _, ok := range cs.outcomes {
		if !ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(cs.outcomes))
	if rate >= cs.cfg.FailureRate {
		cs.openUntil = time.Now().Add(cs.cfg.Cooldown)
		cs.outcomes = nil
		slog.Warn("llmclient circuit breaker opened",
			"failure_rate", rate, "window", cs.cfg.Window, "open_until", cs.openUntil)
	}
}

// CircuitBreaker wraps a ChatStreamer backend, rejecting calls fast while
// the circuit is open and probing again once the cooldown elapses
// (half-open: the next call's outcome decides whether the circuit
// re-opens or resets).
type CircuitBreaker struct {
	inner   ChatStreamer
	circuit *circuitState
}

// WithCircuitBreaker decorates inner with a fresh circuit breaker tuned
// by cfg.
func WithCircuitBreaker(inner ChatStreamer, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{inner: inner, circuit: newCircuitState(cfg)}
}

func (b *CircuitBreaker) Stream(ctx context.Context, systemPrompt, userPrompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if open, until := b.circuit.isOpen(); open {
			yield("", errs.New(errs.TransientExternal, "llmclient.Stream", fmt.Errorf("circuit open, retry after %v", time.Until(until))))
			return
		}

		var sawError bool
		for tok, err := range b.inner.Stream(ctx, systemPrompt, userPrompt) {
			if err != nil {
				sawError = true
				b.circuit.recordOutcome(false)
				yield(tok, err)
				return
			}
			if !yield(tok, nil) {
				return
			}
		}

		if !sawError {
			b.circuit.recordOutcome(true)
		}
	}
}
