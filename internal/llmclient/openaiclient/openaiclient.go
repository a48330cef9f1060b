// Package openaiclient implements llmclient.ChatStreamer over the official
// OpenAI Go SDK's streaming chat completions API, yielding tokens as a
// plain iter.Seq2[string, error] stream.
package openaiclient

import (
	"context"
	"fmt"
	"iter"

	"github.com/codereview/revieworchestrator/internal/errs"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	client openai.Client
	model  string
}

// Config carries the connection details for one Client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New constructs a Client from Config.
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

// Stream implements llmclient.ChatStreamer.
func (c *Client) Stream(ctx context.Context, systemPrompt, userPrompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		params := openai.ChatCompletionNewParams{
			Model: shared.ChatModel(c.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(systemPrompt),
				openai.UserMessage(userPrompt),
			},
		}

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if content := chunk.Choices[0].Delta.Content; content != "" {
				if !yield(content, nil) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			yield("", errs.New(errs.TransientExternal, "openaiclient.Stream", fmt.Errorf("stream: %w", err)))
		}
	}
}
