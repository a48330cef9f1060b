// Package langchainclient implements llmclient.ChatStreamer as the
// alternate LLM backend, selected by configuration (llm.provider: langchain)
// instead of the direct OpenAI SDK backend. It drives
// llms.GenerateFromSinglePrompt with llms.WithStreamingFunc and republishes
// the chunks as an iter.Seq2 token stream.
package langchainclient

import (
	"context"
	"iter"

	"github.com/codereview/revieworchestrator/internal/errs"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Client streams chat completions through langchaingo's OpenAI-compatible
// model wrapper.
type Client struct {
	model llms.Model
}

// Config carries the connection details for one Client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New constructs a Client from Config.
func New(cfg Config) (*Client, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, errs.New(errs.InternalInvariant, "langchainclient.New", err)
	}
	return &Client{model: model}, nil
}

// Stream implements llmclient.ChatStreamer. langchaingo's streaming
// callback delivers raw byte chunks synchronously from within
// GenerateFromSinglePrompt; this pushes each chunk onto the iterator as it
// arrives via a buffered channel so the caller can range over it
// token-by-token rather than waiting for the whole response.
func (c *Client) Stream(ctx context.Context, systemPrompt, userPrompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		type chunkOrErr struct {
			text string
			err  error
		}
		chunks := make(chan chunkOrErr, 16)

		go func() {
			defer close(chunks)
			prompt := systemPrompt + "\n\n" + userPrompt
			_, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
				llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
					chunks <- chunkOrErr{text: string(chunk)}
					return nil
				}),
			)
			if err != nil {
				chunks <- chunkOrErr{err: errs.New(errs.TransientExternal, "langchainclient.Stream", err)}
			}
		}()

		for item := range chunks {
			if item.err != nil {
				yield("", item.err)
				return
			}
			if !yield(item.text, nil) {
				return
			}
		}
	}
}
