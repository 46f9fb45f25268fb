package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/aerie/internal/httpkit"
)

// OpenAIClient uses the OpenAI chat completions API, or any server that
// speaks it when baseURL is set.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIClient creates a client for one model.
func NewOpenAIClient(apiKey, baseURL, model string, temperature float64, logger *slog.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: float32(temperature),
	}
}

// Send implements Gateway.
func (c *OpenAIClient) Send(ctx context.Context, prompt Prompt) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
	})
	if err != nil {
		return "", classifyOpenAI(err)
	}

	if len(resp.Choices) == 0 {
		return "", &GatewayError{Provider: "openai", Kind: KindMalformed, Err: errors.New("no choices in response")}
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &GatewayError{Provider: "openai", Kind: KindMalformed, Err: errors.New("empty response")}
	}
	return content, nil
}

// Model returns the model name.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Ping lists the models visible to the API key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return classifyOpenAI(err)
	}
	return nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := statusKind(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
			kind = KindQuota
		}
		return &GatewayError{Provider: "openai", Kind: kind, Err: fmt.Errorf("API error %d: %s", apiErr.HTTPStatusCode, apiErr.Message)}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &GatewayError{Provider: "openai", Kind: statusKind(reqErr.HTTPStatusCode), Err: err}
	}

	return transportError("openai", err)
}
