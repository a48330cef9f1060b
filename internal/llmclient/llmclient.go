// Package llmclient defines the capability interface workers use to stream
// chat completions from an LLM backend, plus a circuit-breaker decorator
// shared by every backend.
package llmclient

import (
	"context"
	"iter"
)

// ChatStreamer streams a chat completion token-by-token. The sequence
// yields (token, nil) for each piece of text and, on failure, a final
// (_, err) pair; ranging over it to completion with no error means the
// response streamed successfully end to end.
type ChatStreamer interface {
	Stream(ctx context.Context, systemPrompt, userPrompt string) iter.Seq2[string, error]
}
