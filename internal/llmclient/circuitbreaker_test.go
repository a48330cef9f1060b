package llmclient_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/codereview/revieworchestrator/internal/errs"
	"github.com/codereview/revieworchestrator/internal/llmclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStreamer struct {
	tokens []string
	err    error
}

func (s stubStreamer) Stream(ctx context.Context, systemPrompt, userPrompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, tok := range s.tokens {
			if !yield(tok, nil) {
				return
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

func drain(seq iter.Seq2[string, error]) ([]string, error) {
	var tokens []string
	var err error
	for tok, e := range seq {
		if e != nil {
			err = e
			break
		}
		tokens = append(tokens, tok)
	}
	return tokens, err
}

func TestCircuitBreaker_PassesThroughOnSuccess(t *testing.T) {
	cb := llmclient.WithCircuitBreaker(stubStreamer{tokens: []string{"a", "b"}}, llmclient.CircuitBreakerConfig{
		FailureRate: 0.5,
		Window:      4,
		Cooldown:    time.Minute,
	})
	tokens, err := drain(cb.Stream(context.Background(), "sys", "user"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tokens)
}

func TestCircuitBreaker_OpensWhenFailureRateReached(t *testing.T) {
	cb := llmclient.WithCircuitBreaker(stubStreamer{err: errors.New("upstream 500")}, llmclient.CircuitBreakerConfig{
		FailureRate: 0.5,
		Window:      4,
		Cooldown:    time.Minute,
	})

	for i := 0; i < 4; i++ {
		_, err := drain(cb.Stream(context.Background(), "sys", "user"))
		require.Error(t, err)
	}

	// The window filled with 4/4 failures (rate 1.0 >= 0.5), so the fifth
	// call should fail fast with a circuit-open error, not the backend's
	// original error, and not call through to the backend.
	_, err := drain(cb.Stream(context.Background(), "sys", "user"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.TransientExternal))
	assert.Contains(t, err.Error(), "circuit open")
}

type sequencedStreamer struct {
	calls int
	plan  []stubStreamer
}

func (s *sequencedStreamer) Stream(ctx context.Context, systemPrompt, userPrompt string) iter.Seq2[string, error] {
	step := s.plan[s.calls]
	s.calls++
	return step.Stream(ctx, systemPrompt, userPrompt)
}

func TestCircuitBreaker_StaysClosedWhenFailureRateBelowThreshold(t *testing.T) {
	backend := &sequencedStreamer{plan: []stubStreamer{
		{err: errors.New("fail 1")},
		{tokens: []string{"ok"}},
		{tokens: []string{"ok"}},
		{tokens: []string{"ok"}},
		{err: errors.New("fail 2")},
		{tokens: []string{"ok"}},
		{tokens: []string{"ok"}},
		{tokens: []string{"ok"}},
	}}
	cb := llmclient.WithCircuitBreaker(backend, llmclient.CircuitBreakerConfig{
		FailureRate: 0.6,
		Window:      4,
		Cooldown:    time.Minute,
	})

	for i := 0; i < len(backend.plan); i++ {
		_, _ = drain(cb.Stream(context.Background(), "sys", "user"))
	}

	// At most 1 failure in any 4-call window (rate 0.25), never reaching
	// the 0.6 threshold, so the circuit should still be closed: the next
	// call reaches the backend instead of failing fast.
	backend.plan = append(backend.plan, stubStreamer{tokens: []string{"still closed"}})
	tokens, err := drain(cb.Stream(context.Background(), "sys", "user"))
	require.NoError(t, err)
	assert.Equal(t, []string{"still closed"}, tokens)
}

func TestCircuitBreaker_HalfOpenProbeAfterCooldownResetsOnSuccess(t *testing.T) {
	backend := &sequencedStreamer{plan: []stubStreamer{
		{err: errors.New("fail 1")},
		{err: errors.New("fail 2")},
		{tokens: []string{"probe ok"}},
	}}
	cb := llmclient.WithCircuitBreaker(backend, llmclient.CircuitBreakerConfig{
		FailureRate: 0.5,
		Window:      2,
		Cooldown:    10 * time.Millisecond,
	})

	for i := 0; i < 2; i++ {
		_, err := drain(cb.Stream(context.Background(), "sys", "user"))
		require.Error(t, err)
	}

	// Circuit is open immediately after the window trips.
	_, err := drain(cb.Stream(context.Background(), "sys", "user"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")

	time.Sleep(20 * time.Millisecond)

	// Cooldown elapsed: the next call is a half-open probe that reaches
	// the backend.
	tokens, err := drain(cb.Stream(context.Background(), "sys", "user"))
	require.NoError(t, err)
	assert.Equal(t, []string{"probe ok"}, tokens)
}
