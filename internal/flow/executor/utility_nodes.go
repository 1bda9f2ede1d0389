package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/internal/flow/expression"
	"github.com/botflow-go/pkg/logger"
)

// HTTPExecutor performs one HTTP call and records status and body in context
type HTTPExecutor struct {
	client *http.Client
	logger logger.Logger
}

type httpConfig struct {
	URL     string                 `json:"url"`
	Method  string                 `json:"method"`
	Headers map[string]string      `json:"headers"`
	Body    map[string]interface{} `json:"body"`
}

func NewHTTPExecutor(log logger.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: log,
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg httpConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}
	if cfg.URL == "" {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("url is required"))
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	var reqBody io.Reader
	if cfg.Body != nil {
		data, err := json.Marshal(cfg.Body)
		if err != nil {
			return nil, flow.NewPermanentError(node.ID, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, reqBody)
	if err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, flow.NewRetryableError(node.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, flow.NewRetryableError(node.ID, err)
	}

	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		parsed = string(data)
	}

	return &Result{ContextPatch: map[string]interface{}{
		"httpStatus":   resp.StatusCode,
		"httpResponse": parsed,
	}}, nil
}

// DelayExecutor is an intentional suspension point. The sleep honors
// context cancellation so a cancelled instance does not keep a goroutine
// parked for the full duration.
type DelayExecutor struct{}

type delayConfig struct {
	DurationMs int `json:"durationMs"`
}

func NewDelayExecutor() *DelayExecutor {
	return &DelayExecutor{}
}

func (e *DelayExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg delayConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}

	if cfg.DurationMs > 0 {
		select {
		case <-ctx.Done():
			return nil, flow.NewPermanentError(node.ID, ctx.Err())
		case <-time.After(time.Duration(cfg.DurationMs) * time.Millisecond):
		}
	}

	return &Result{}, nil
}

// ConditionExecutor evaluates one expression to a boolean and writes it
// into context; pure computation, no side effects.
type ConditionExecutor struct {
	expr *expression.Engine
}

type conditionConfig struct {
	Expression string `json:"expression"`
	OutputKey  string `json:"outputKey"`
}

func NewConditionExecutor(engine *expression.Engine) *ConditionExecutor {
	return &ConditionExecutor{expr: engine}
}

func (e *ConditionExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg conditionConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}
	if cfg.Expression == "" {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("expression is required"))
	}

	key := cfg.OutputKey
	if key == "" {
		key = "conditionResult"
	}

	result, err := e.expr.EvaluateBool(cfg.Expression, flowCtx)
	if err != nil {
		// Evaluation failures resolve to false rather than failing the node
		result = false
	}

	return &Result{ContextPatch: map[string]interface{}{key: result}}, nil
}

// EmailExecutor hands a templated mail to the delivery gateway
type EmailExecutor struct {
	logger logger.Logger
}

type emailConfig struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Template string `json:"template"`
}

func NewEmailExecutor(log logger.Logger) *EmailExecutor {
	return &EmailExecutor{logger: log}
}

func (e *EmailExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg emailConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}
	if cfg.To == "" {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("recipient is required"))
	}

	e.logger.Info("Email queued", "to", cfg.To, "subject", cfg.Subject)

	return &Result{ContextPatch: map[string]interface{}{"emailSent": true}}, nil
}

// SMSExecutor hands a short message to the delivery gateway
type SMSExecutor struct {
	logger logger.Logger
}

type smsConfig struct {
	To       string `json:"to"`
	Template string `json:"template"`
}

func NewSMSExecutor(log logger.Logger) *SMSExecutor {
	return &SMSExecutor{logger: log}
}

func (e *SMSExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg smsConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}
	if cfg.To == "" {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("recipient is required"))
	}

	e.logger.Info("SMS queued", "to", cfg.To)

	return &Result{ContextPatch: map[string]interface{}{"smsSent": true}}, nil
}

// WebhookExecutor POSTs the instance context to an external URL
type WebhookExecutor struct {
	client *http.Client
	logger logger.Logger
}

type webhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

func NewWebhookExecutor(log logger.Logger) *WebhookExecutor {
	return &WebhookExecutor{
		client: &http.Client{Timeout: 15 * time.Second},
		logger: log,
	}
}

func (e *WebhookExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg webhookConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}
	if cfg.URL == "" {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("url is required"))
	}

	payload, err := json.Marshal(flowCtx)
	if err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, flow.NewRetryableError(node.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, flow.NewRetryableError(node.ID, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	return &Result{ContextPatch: map[string]interface{}{"webhookStatus": resp.StatusCode}}, nil
}
