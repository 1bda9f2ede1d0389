package executor

import (
	"context"
	"sync"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/internal/flow/ai"
	"github.com/botflow-go/internal/flow/expression"
	"github.com/botflow-go/internal/flow/wecom"
	"github.com/botflow-go/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Result is what a node executor hands back to the engine. ContextPatch
// is merged into the instance context before the next node runs.
type Result struct {
	ContextPatch map[string]interface{}
}

// NodeExecutor implements one node type's behavior
type NodeExecutor interface {
	Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*Result, error)
}

// Dependencies are the external collaborators built-in executors need
type Dependencies struct {
	AI     ai.Client
	WeCom  wecom.Client
	Redis  *redis.Client
	Expr   *expression.Engine
	Logger logger.Logger
}

// Registry maps node-type strings to executors. Initialize is idempotent
// and safe to call from many goroutines; the built-in set is registered
// exactly once, before the first resolve.
type Registry struct {
	executors map[string]NodeExecutor
	mu        sync.RWMutex
	initOnce  sync.Once
	deps      Dependencies
}

func NewRegistry(deps Dependencies) *Registry {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Expr == nil {
		deps.Expr = expression.NewEngine()
	}

	return &Registry{
		executors: make(map[string]NodeExecutor),
		deps:      deps,
	}
}

// Initialize registers the built-in executor set
func (r *Registry) Initialize() {
	r.initOnce.Do(r.registerBuiltins)
}

// Register adds or replaces an executor for a node type
func (r *Registry) Register(nodeType string, executor NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[nodeType] = executor
}

// Resolve returns the executor for a node type, or nil when none is registered
func (r *Registry) Resolve(nodeType string) NodeExecutor {
	r.Initialize()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[nodeType]
}

// List returns all registered node types
func (r *Registry) List() []string {
	r.Initialize()

	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}

func (r *Registry) registerBuiltins() {
	d := r.deps

	r.Register(flow.NodeTypeMessageReceive, NewMessageReceiveExecutor(d.Redis, d.Logger))
	r.Register(flow.NodeTypeIntent, NewIntentExecutor(d.AI, d.Logger))
	r.Register(flow.NodeTypeDecision, NewDecisionExecutor())
	r.Register(flow.NodeTypeAIReply, NewAIReplyExecutor(d.AI, d.Logger))
	r.Register(flow.NodeTypeMessageDispatch, NewMessageDispatchExecutor(d.WeCom, d.Logger))
	r.Register(flow.NodeTypeSendCommand, NewSendCommandExecutor(d.WeCom, d.Logger))
	r.Register(flow.NodeTypeCommandStatus, NewCommandStatusExecutor(d.WeCom, d.Logger))
	r.Register(flow.NodeTypeEnd, NewEndExecutor())

	// Generic canvas nodes
	r.Register(flow.NodeTypeHTTP, NewHTTPExecutor(d.Logger))
	r.Register(flow.NodeTypeDelay, NewDelayExecutor())
	r.Register(flow.NodeTypeCondition, NewConditionExecutor(d.Expr))
	r.Register(flow.NodeTypeEmail, NewEmailExecutor(d.Logger))
	r.Register(flow.NodeTypeSMS, NewSMSExecutor(d.Logger))
	r.Register(flow.NodeTypeWebhook, NewWebhookExecutor(d.Logger))
}
