package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/internal/flow/ai"
	"github.com/botflow-go/internal/flow/wecom"
	"github.com/botflow-go/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// MessageReceiveExecutor handles an inbound bot message: it records the
// message in the instance context, resolves a business role from ordered
// keyword rules, derives a priority from keyword lists, and pushes the
// message to a Redis channel for live dashboards. The push is
// best-effort: failures are logged, never fatal.
type MessageReceiveExecutor struct {
	redis  *redis.Client
	logger logger.Logger
}

type messageReceiveConfig struct {
	RoleRules        []string            `json:"roleRules"`
	DefaultRole      string              `json:"defaultRole"`
	PriorityKeywords map[string][]string `json:"priorityKeywords"`
	Channel          string              `json:"channel"`
}

func NewMessageReceiveExecutor(rdb *redis.Client, log logger.Logger) *MessageReceiveExecutor {
	return &MessageReceiveExecutor{redis: rdb, logger: log}
}

func (e *MessageReceiveExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg messageReceiveConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}

	content, _ := flowCtx["content"].(string)
	senderID, _ := flowCtx["senderId"].(string)

	patch := map[string]interface{}{
		"message": map[string]interface{}{
			"content":    content,
			"senderId":   senderID,
			"receivedAt": time.Now().Format(time.RFC3339),
		},
	}

	if role, matched := matchRoleRules(cfg.RoleRules, content); matched {
		patch["businessRole"] = role
	} else if cfg.DefaultRole != "" {
		patch["businessRole"] = cfg.DefaultRole
	}

	if priority := matchPriority(cfg.PriorityKeywords, content); priority != "" {
		patch["priority"] = priority
	}

	if e.redis != nil && cfg.Channel != "" {
		payload, _ := json.Marshal(patch["message"])
		if err := e.redis.Publish(ctx, cfg.Channel, payload).Err(); err != nil {
			e.logger.Warn("Failed to publish inbound message", "channel", cfg.Channel, "error", err)
		}
	}

	return &Result{ContextPatch: patch}, nil
}

var roleRulePattern = regexp.MustCompile(`'([^']*)'`)

// matchRoleRules evaluates ordered rules of the form
// "label: contains 'x','y'" against the message; the first rule with a
// matching keyword wins.
func matchRoleRules(rules []string, content string) (string, bool) {
	for _, rule := range rules {
		label, rest, found := strings.Cut(rule, ":")
		if !found {
			continue
		}

		for _, m := range roleRulePattern.FindAllStringSubmatch(rest, -1) {
			if m[1] != "" && strings.Contains(content, m[1]) {
				return strings.TrimSpace(label), true
			}
		}
	}
	return "", false
}

func matchPriority(keywords map[string][]string, content string) string {
	// Higher urgency checked first
	for _, level := range []string{"urgent", "high", "normal", "low"} {
		for _, kw := range keywords[level] {
			if kw != "" && strings.Contains(content, kw) {
				return level
			}
		}
	}
	return ""
}

// IntentExecutor classifies the message into a closed intent set via the
// AI provider. Low confidence or a provider error falls back to the
// configured default intent instead of failing the node.
type IntentExecutor struct {
	ai     ai.Client
	logger logger.Logger
}

type intentConfig struct {
	Intents             []string `json:"intents"`
	DefaultIntent       string   `json:"defaultIntent"`
	ConfidenceThreshold float64  `json:"confidenceThreshold"`
}

func NewIntentExecutor(client ai.Client, log logger.Logger) *IntentExecutor {
	return &IntentExecutor{ai: client, logger: log}
}

func (e *IntentExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg intentConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}

	content, _ := flowCtx["content"].(string)
	threshold := cfg.ConfidenceThreshold
	if threshold == 0 {
		threshold = 0.6
	}

	intent := cfg.DefaultIntent
	confidence := 0.0

	if e.ai != nil {
		result, err := e.ai.ClassifyIntent(ctx, content, cfg.Intents)
		if err != nil {
			e.logger.Warn("Intent classification failed, using default",
				"nodeId", node.ID, "default", cfg.DefaultIntent, "error", err)
		} else if result.Confidence >= threshold && containsIntent(cfg.Intents, result.Intent) {
			intent = result.Intent
			confidence = result.Confidence
		} else {
			e.logger.Debug("Intent below threshold, using default",
				"intent", result.Intent, "confidence", result.Confidence)
		}
	}

	return &Result{ContextPatch: map[string]interface{}{
		"intent":           intent,
		"intentConfidence": confidence,
	}}, nil
}

func containsIntent(intents []string, intent string) bool {
	if len(intents) == 0 {
		return true
	}
	for _, i := range intents {
		if i == intent {
			return true
		}
	}
	return false
}

// DecisionExecutor is a pure routing marker. Edge selection for decision
// nodes happens in the engine loop, which evaluates the node's ordered
// conditions against the instance context; executing the node itself has
// no side effects.
type DecisionExecutor struct{}

func NewDecisionExecutor() *DecisionExecutor {
	return &DecisionExecutor{}
}

func (e *DecisionExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	return &Result{}, nil
}

// AIReplyExecutor generates a reply from conversation history and the
// configured persona. Provider failures are retryable.
type AIReplyExecutor struct {
	ai     ai.Client
	logger logger.Logger
}

type aiReplyConfig struct {
	Persona    string `json:"persona"`
	HistoryKey string `json:"historyKey"`
}

func NewAIReplyExecutor(client ai.Client, log logger.Logger) *AIReplyExecutor {
	return &AIReplyExecutor{ai: client, logger: log}
}

func (e *AIReplyExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg aiReplyConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}

	if e.ai == nil {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("ai client not configured"))
	}

	messages := historyFromContext(flowCtx, cfg.HistoryKey)
	if content, ok := flowCtx["content"].(string); ok && len(messages) == 0 {
		messages = []ai.Message{{Role: "user", Content: content}}
	}

	reply, err := e.ai.GenerateReply(ctx, messages, cfg.Persona)
	if err != nil {
		return nil, flow.NewRetryableError(node.ID, err)
	}

	return &Result{ContextPatch: map[string]interface{}{"reply": reply}}, nil
}

func historyFromContext(flowCtx map[string]interface{}, key string) []ai.Message {
	if key == "" {
		key = "history"
	}

	raw, ok := flowCtx[key].([]interface{})
	if !ok {
		return nil
	}

	var messages []ai.Message
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if content != "" {
			messages = append(messages, ai.Message{Role: role, Content: content})
		}
	}
	return messages
}

// MessageDispatchExecutor delivers a message through the bot-command
// API. Network failures are retryable.
type MessageDispatchExecutor struct {
	wecom  wecom.Client
	logger logger.Logger
}

type messageDispatchConfig struct {
	Receiver   string `json:"receiver"`
	ContentKey string `json:"contentKey"`
}

func NewMessageDispatchExecutor(client wecom.Client, log logger.Logger) *MessageDispatchExecutor {
	return &MessageDispatchExecutor{wecom: client, logger: log}
}

func (e *MessageDispatchExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg messageDispatchConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}

	if e.wecom == nil {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("bot api client not configured"))
	}

	receiver := cfg.Receiver
	if receiver == "" {
		receiver, _ = flowCtx["senderId"].(string)
	}

	contentKey := cfg.ContentKey
	if contentKey == "" {
		contentKey = "reply"
	}
	content, _ := flowCtx[contentKey].(string)
	if content == "" {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("no content at context key %q", contentKey))
	}

	if err := e.wecom.SendMessage(ctx, receiver, content); err != nil {
		return nil, flow.NewRetryableError(node.ID, err)
	}

	return &Result{ContextPatch: map[string]interface{}{"dispatched": true}}, nil
}

// SendCommandExecutor instructs the bot through the command API and
// records the returned command id for downstream status checks.
type SendCommandExecutor struct {
	wecom  wecom.Client
	logger logger.Logger
}

type sendCommandConfig struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params"`
}

func NewSendCommandExecutor(client wecom.Client, log logger.Logger) *SendCommandExecutor {
	return &SendCommandExecutor{wecom: client, logger: log}
}

func (e *SendCommandExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg sendCommandConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}
	if cfg.Command == "" {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("command is required"))
	}
	if e.wecom == nil {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("bot api client not configured"))
	}

	commandID, err := e.wecom.SendCommand(ctx, cfg.Command, cfg.Params)
	if err != nil {
		return nil, flow.NewRetryableError(node.ID, err)
	}

	return &Result{ContextPatch: map[string]interface{}{"commandId": commandID}}, nil
}

// CommandStatusExecutor polls the delivery outcome of a previously sent
// command and writes it back into context for decision nodes.
type CommandStatusExecutor struct {
	wecom  wecom.Client
	logger logger.Logger
}

type commandStatusConfig struct {
	CommandIDKey string `json:"commandIdKey"`
}

func NewCommandStatusExecutor(client wecom.Client, log logger.Logger) *CommandStatusExecutor {
	return &CommandStatusExecutor{wecom: client, logger: log}
}

func (e *CommandStatusExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	var cfg commandStatusConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, flow.NewPermanentError(node.ID, err)
	}
	if e.wecom == nil {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("bot api client not configured"))
	}

	key := cfg.CommandIDKey
	if key == "" {
		key = "commandId"
	}
	commandID, _ := flowCtx[key].(string)
	if commandID == "" {
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("no command id at context key %q", key))
	}

	status, err := e.wecom.GetCommandStatus(ctx, commandID)
	if err != nil {
		return nil, flow.NewRetryableError(node.ID, err)
	}

	return &Result{ContextPatch: map[string]interface{}{
		"commandStatus": status.Status,
		"commandDetail": status.Detail,
	}}, nil
}

// EndExecutor is the terminal marker; it has no outgoing edges by
// construction and performs no work.
type EndExecutor struct{}

func NewEndExecutor() *EndExecutor {
	return &EndExecutor{}
}

func (e *EndExecutor) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error) {
	return &Result{}, nil
}
