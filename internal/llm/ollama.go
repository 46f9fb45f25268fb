package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/aerie/internal/httpkit"
)

// OllamaClient talks to an Ollama server's chat API.
type OllamaClient struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewOllamaClient creates a client for one model. The HTTP client has no
// overall timeout; callers bound each Send with their context.
func NewOllamaClient(baseURL, model string, temperature float64, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		temperature: temperature,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// Send implements Gateway.
func (c *OllamaClient) Send(ctx context.Context, prompt Prompt) (string, error) {
	req := ollamaRequest{
		Model:  c.model,
		Stream: false,
		Messages: []ollamaMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User},
		},
	}
	if c.temperature > 0 {
		req.Options = &ollamaOptions{Temperature: c.temperature}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", transportError("ollama", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return "", &GatewayError{
			Provider: "ollama",
			Kind:     statusKind(resp.StatusCode),
			Err:      fmt.Errorf("API error %d: %s", resp.StatusCode, msg),
		}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var chatResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		if isTimeout(err) {
			return "", transportError("ollama", err)
		}
		return "", &GatewayError{Provider: "ollama", Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if chatResp.Error != "" {
		return "", &GatewayError{Provider: "ollama", Kind: KindUnavailable, Err: errors.New(chatResp.Error)}
	}
	if strings.TrimSpace(chatResp.Message.Content) == "" {
		return "", &GatewayError{Provider: "ollama", Kind: KindMalformed, Err: errors.New("empty response")}
	}
	return chatResp.Message.Content, nil
}

// Model returns the model name.
func (c *OllamaClient) Model() string {
	return c.model
}

// Ping lists local models, which fails fast when the server is down.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError("ollama", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return &GatewayError{
			Provider: "ollama",
			Kind:     statusKind(resp.StatusCode),
			Err:      fmt.Errorf("API error %d", resp.StatusCode),
		}
	}
	return nil
}
