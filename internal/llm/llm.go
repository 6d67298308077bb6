package llm

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/labs-agent/internal/config"
)

// OpenAI adapts *openai.Client to Client.
type OpenAI struct {
	api *openai.Client
}

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *OpenAI {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAI{api: openai.NewClientWithConfig(config)}
}

func (c *OpenAI) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return resp, goerr.Wrap(err, "chat completion failed", goerr.V("model", req.Model))
	}
	return resp, nil
}

func (c *OpenAI) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	req.Stream = true
	s, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, goerr.Wrap(err, "chat completion stream failed", goerr.V("model", req.Model))
	}
	return s, nil
}

// ListModels is used to verify the configured key.
func (c *OpenAI) ListModels(ctx context.Context) (int, error) {
	models, err := c.api.ListModels(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list models")
	}
	return len(models.Models), nil
}
