package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/botflow-go/pkg/logger"
)

// Client is the bot-command API surface used by dispatch executors
type Client interface {
	SendMessage(ctx context.Context, receiver, content string) error
	SendCommand(ctx context.Context, command string, params map[string]interface{}) (string, error)
	GetCommandStatus(ctx context.Context, commandID string) (*CommandStatus, error)
}

type CommandStatus struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

type Config struct {
	BaseURL        string
	Token          string
	TimeoutSeconds int
}

type HTTPClient struct {
	config Config
	client *http.Client
	logger logger.Logger
}

func NewHTTPClient(cfg Config, log logger.Logger) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: log,
	}
}

func (c *HTTPClient) SendMessage(ctx context.Context, receiver, content string) error {
	payload := map[string]interface{}{
		"receiver": receiver,
		"content":  content,
	}

	return c.post(ctx, "/messages/send", payload, nil)
}

func (c *HTTPClient) SendCommand(ctx context.Context, command string, params map[string]interface{}) (string, error) {
	payload := map[string]interface{}{
		"command": command,
		"params":  params,
	}

	var result struct {
		CommandID string `json:"commandId"`
	}
	if err := c.post(ctx, "/commands", payload, &result); err != nil {
		return "", err
	}
	return result.CommandID, nil
}

func (c *HTTPClient) GetCommandStatus(ctx context.Context, commandID string) (*CommandStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/commands/"+commandID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bot api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bot api returned status %d", resp.StatusCode)
	}

	var status CommandStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode command status: %w", err)
	}
	return &status, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bot api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("bot api returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
