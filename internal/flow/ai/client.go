package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/botflow-go/pkg/logger"
	"github.com/botflow-go/pkg/resilience"
)

// Client is the AI provider surface node executors depend on. The
// concrete provider is hidden behind this interface so executors can be
// tested with fakes.
type Client interface {
	ClassifyIntent(ctx context.Context, message string, intents []string) (*IntentResult, error)
	GenerateReply(ctx context.Context, messages []Message, persona string) (string, error)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type IntentResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	TimeoutSeconds int
}

// HTTPClient talks to an OpenAI-compatible chat completion endpoint
// behind a circuit breaker.
type HTTPClient struct {
	config  Config
	client  *http.Client
	breaker *resilience.CircuitBreaker
	logger  logger.Logger
}

func NewHTTPClient(cfg Config, log logger.Logger) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		config:  cfg,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("ai-provider")),
		logger:  log,
	}
}

type chatRequest struct {
	Model          string                 `json:"model"`
	Messages       []Message              `json:"messages"`
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) ClassifyIntent(ctx context.Context, message string, intents []string) (*IntentResult, error) {
	prompt := fmt.Sprintf(
		"Classify the user message into exactly one of these intents: %v. "+
			"Reply with JSON {\"intent\": \"...\", \"confidence\": 0.0-1.0}.\n\nMessage: %s",
		intents, message,
	)

	content, err := c.complete(ctx, []Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, err
	}

	var result IntentResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("failed to parse intent response: %w", err)
	}
	return &result, nil
}

func (c *HTTPClient) GenerateReply(ctx context.Context, messages []Message, persona string) (string, error) {
	all := make([]Message, 0, len(messages)+1)
	if persona != "" {
		all = append(all, Message{Role: "system", Content: persona})
	}
	all = append(all, messages...)

	return c.complete(ctx, all)
}

func (c *HTTPClient) complete(ctx context.Context, messages []Message) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doComplete(ctx, messages)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *HTTPClient) doComplete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.config.Model, Messages: messages})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ai provider returned status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", fmt.Errorf("failed to decode ai response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("ai provider returned no choices")
	}

	return chat.Choices[0].Message.Content, nil
}
