package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/internal/flow/ai"
	"github.com/botflow-go/internal/flow/executor"
	"github.com/botflow-go/internal/flow/repository"
	"github.com/botflow-go/internal/flow/wecom"
	"github.com/botflow-go/pkg/database"
	"github.com/botflow-go/pkg/logger"
)

type executorFunc func(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*executor.Result, error)

func (f executorFunc) Execute(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*executor.Result, error) {
	return f(ctx, node, flowCtx)
}

type fakeAI struct {
	intent *ai.IntentResult
	reply  string
	err    error
}

func (f *fakeAI) ClassifyIntent(ctx context.Context, message string, intents []string) (*ai.IntentResult, error) {
	return f.intent, f.err
}

func (f *fakeAI) GenerateReply(ctx context.Context, messages []ai.Message, persona string) (string, error) {
	return f.reply, f.err
}

type fakeWeCom struct {
	mu       sync.Mutex
	sent     []string
	receiver string
}

func (f *fakeWeCom) SendMessage(ctx context.Context, receiver, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiver = receiver
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeWeCom) SendCommand(ctx context.Context, command string, params map[string]interface{}) (string, error) {
	return "cmd-1", nil
}

func (f *fakeWeCom) GetCommandStatus(ctx context.Context, commandID string) (*wecom.CommandStatus, error) {
	return &wecom.CommandStatus{CommandID: commandID, Status: "delivered"}, nil
}

type testHarness struct {
	engine    *Engine
	defs      *repository.DefinitionRepository
	instances *repository.InstanceRepository
	registry  *executor.Registry
}

func setupEngine(t *testing.T, deps executor.Dependencies) *testHarness {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(
		&flow.FlowDefinition{},
		&flow.FlowInstance{},
		&flow.ExecutionLog{},
	))

	db := &database.DB{DB: gormDB}
	defs := repository.NewDefinitionRepository(db)
	instances := repository.NewInstanceRepository(db)

	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	registry := executor.NewRegistry(deps)
	registry.Initialize()

	eng := New(defs, instances, registry, logger.NewNop(), Defaults{TimeoutMs: 60000})
	return &testHarness{engine: eng, defs: defs, instances: instances, registry: registry}
}

func (h *testHarness) seedDefinition(t *testing.T, def *flow.FlowDefinition) *flow.FlowDefinition {
	def.Status = flow.StatusActive
	require.NoError(t, h.defs.Create(context.Background(), def))
	return def
}

// nodeIDs extracts the node id of each log row in order
func nodeIDs(logs []*flow.ExecutionLog) []string {
	ids := make([]string, len(logs))
	for i, l := range logs {
		ids[i] = l.NodeID
	}
	return ids
}

func TestCreateInstance_PendingAtStartNode(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	def := flow.NewFlowDefinition("support-flow", "", flow.TriggerMessage)
	def.Variables = map[string]interface{}{"region": "cn", "locale": "zh"}
	def.Nodes = []flow.Node{
		{ID: "receive", Type: flow.NodeTypeMessageReceive, Name: "Receive"},
		{ID: "finish", Type: flow.NodeTypeEnd, Name: "End"},
	}
	def.Edges = []flow.Edge{{ID: "e1", Source: "receive", Target: "finish"}}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID,
		flow.TriggerMessage,
		map[string]interface{}{"content": "hello", "locale": "en"},
		map[string]interface{}{"sessionId": "s-1"},
	)
	require.NoError(t, err)

	retrieved, err := h.instances.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.InstancePending, retrieved.Status)
	assert.Equal(t, "receive", retrieved.CurrentNodeID)
	assert.Equal(t, def.Version, retrieved.FlowDefinitionVersion)
	assert.Equal(t, 2, retrieved.TotalNodes)
	assert.Nil(t, retrieved.StartedAt)

	// Definition variables < initial context < trigger data
	assert.Equal(t, "cn", retrieved.Context["region"])
	assert.Equal(t, "s-1", retrieved.Context["sessionId"])
	assert.Equal(t, "en", retrieved.Context["locale"])
	assert.Equal(t, "hello", retrieved.Context["content"])
	assert.NotNil(t, retrieved.Context["triggerData"])

	// Snapshot travels with the instance
	require.NotNil(t, retrieved.Definition)
	assert.Len(t, retrieved.Definition.Nodes, 2)
}

func TestCreateInstance_RejectsInactiveDefinition(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	def := flow.NewFlowDefinition("support-flow", "", flow.TriggerManual)
	def.Nodes = []flow.Node{{ID: "finish", Type: flow.NodeTypeEnd}}
	require.NoError(t, h.defs.Create(ctx, def)) // stays draft

	_, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, nil)
	assert.ErrorIs(t, err, flow.ErrDefinitionInactive)
}

func TestExecuteInstance_LinearFlowCompletes(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	h.registry.Register("work", executorFunc(func(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*executor.Result, error) {
		return &executor.Result{ContextPatch: map[string]interface{}{"seen:" + node.ID: true}}, nil
	}))

	def := flow.NewFlowDefinition("linear", "", flow.TriggerManual)
	def.Nodes = []flow.Node{
		{ID: "a", Type: "work"},
		{ID: "b", Type: "work"},
		{ID: "finish", Type: flow.NodeTypeEnd},
	}
	def.Edges = []flow.Edge{
		{ID: "e1", Source: "a", Target: "b"},
		{ID: "e2", Source: "b", Target: "finish"},
	}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, nil)
	require.NoError(t, err)

	final, err := h.engine.ExecuteInstance(ctx, inst.ID)
	require.NoError(t, err)

	assert.Equal(t, flow.InstanceCompleted, final.Status)
	assert.Equal(t, final.TotalNodes, final.SuccessCount)
	assert.Equal(t, 0, final.FailedCount)
	assert.Empty(t, final.CurrentNodeID)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, true, final.Context["seen:a"])
	assert.Equal(t, true, final.Context["seen:b"])

	logs, err := h.instances.ListLogs(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "finish"}, nodeIDs(logs))
	for _, l := range logs {
		assert.Equal(t, flow.LogCompleted, l.Status)
		assert.NotNil(t, l.CompletedAt)
	}
}

func TestExecuteInstance_NotPendingRejected(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	def := flow.NewFlowDefinition("linear", "", flow.TriggerManual)
	def.Nodes = []flow.Node{{ID: "finish", Type: flow.NodeTypeEnd}}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, nil)
	require.NoError(t, err)

	_, err = h.engine.ExecuteInstance(ctx, inst.ID)
	require.NoError(t, err)

	_, err = h.engine.ExecuteInstance(ctx, inst.ID)
	assert.ErrorIs(t, err, flow.ErrInstanceNotPending)
}

func TestExecuteInstance_DecisionRouting(t *testing.T) {
	decisionDef := func(firstExpr string) *flow.FlowDefinition {
		def := flow.NewFlowDefinition("router", "", flow.TriggerManual)
		def.Nodes = []flow.Node{
			{ID: "route", Type: flow.NodeTypeDecision, Config: map[string]interface{}{
				"conditions": []interface{}{
					map[string]interface{}{"expression": firstExpr, "targetNodeId": "escalate"},
					map[string]interface{}{"expression": `intent == "question"`, "targetNodeId": "reply"},
				},
				"defaultTarget": "fallback",
			}},
			{ID: "escalate", Type: "mark"},
			{ID: "reply", Type: "mark"},
			{ID: "fallback", Type: "mark"},
			{ID: "finish", Type: flow.NodeTypeEnd},
		}
		def.Edges = []flow.Edge{
			{ID: "e1", Source: "escalate", Target: "finish"},
			{ID: "e2", Source: "reply", Target: "finish"},
			{ID: "e3", Source: "fallback", Target: "finish"},
		}
		return def
	}

	tests := []struct {
		name      string
		firstExpr string
		context   map[string]interface{}
		want      []string
	}{
		{
			// Both expressions can hold; the first declared wins
			name:      "first true condition wins",
			firstExpr: `intent != ""`,
			context:   map[string]interface{}{"intent": "question"},
			want:      []string{"route", "escalate", "finish"},
		},
		{
			name:      "later condition matches",
			firstExpr: `intent == "complaint"`,
			context:   map[string]interface{}{"intent": "question"},
			want:      []string{"route", "reply", "finish"},
		},
		{
			name:      "no condition matches falls to default",
			firstExpr: `intent == "complaint"`,
			context:   map[string]interface{}{"intent": ""},
			want:      []string{"route", "fallback", "finish"},
		},
		{
			// Fetching a member of a string blows up at evaluation time;
			// the failure counts as false and routing reaches the default
			name:      "evaluation error counts as false",
			firstExpr: `intent.code == 1`,
			context:   map[string]interface{}{"intent": ""},
			want:      []string{"route", "fallback", "finish"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupEngine(t, executor.Dependencies{})
			ctx := context.Background()

			h.registry.Register("mark", executorFunc(func(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*executor.Result, error) {
				return &executor.Result{}, nil
			}))

			def := h.seedDefinition(t, decisionDef(tt.firstExpr))

			inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, tt.context)
			require.NoError(t, err)

			final, err := h.engine.ExecuteInstance(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, flow.InstanceCompleted, final.Status)

			logs, err := h.instances.ListLogs(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, nodeIDs(logs))
		})
	}
}

func TestExecuteInstance_DecisionWithoutDefaultFails(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	def := flow.NewFlowDefinition("router", "", flow.TriggerManual)
	def.Nodes = []flow.Node{
		{ID: "route", Type: flow.NodeTypeDecision, Config: map[string]interface{}{
			"conditions": []interface{}{
				map[string]interface{}{"expression": `intent == "complaint"`, "targetNodeId": "finish"},
			},
		}},
		{ID: "finish", Type: flow.NodeTypeEnd},
	}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil,
		map[string]interface{}{"intent": "question"})
	require.NoError(t, err)

	final, err := h.engine.ExecuteInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.InstanceFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "no default target")
}

func TestExecuteInstance_RetryExhaustionFails(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	var attempts atomic.Int32
	h.registry.Register("flaky", executorFunc(func(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*executor.Result, error) {
		attempts.Add(1)
		return nil, flow.NewRetryableError(node.ID, fmt.Errorf("upstream unavailable"))
	}))

	def := flow.NewFlowDefinition("flaky-flow", "", flow.TriggerManual)
	def.Retry = flow.RetryConfig{MaxRetries: 2, RetryIntervalMs: 1}
	def.Nodes = []flow.Node{
		{ID: "call", Type: "flaky"},
		{ID: "finish", Type: flow.NodeTypeEnd},
	}
	def.Edges = []flow.Edge{{ID: "e1", Source: "call", Target: "finish"}}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, nil)
	require.NoError(t, err)

	final, err := h.engine.ExecuteInstance(ctx, inst.ID)
	require.NoError(t, err)

	assert.Equal(t, flow.InstanceFailed, final.Status)
	assert.Equal(t, 0, final.SuccessCount)
	assert.Equal(t, 1, final.FailedCount)
	assert.Contains(t, final.ErrorMessage, "upstream unavailable")
	assert.EqualValues(t, 3, attempts.Load())

	// One log row per attempt, all failed, none overwritten
	logs, err := h.instances.ListLogs(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for _, l := range logs {
		assert.Equal(t, "call", l.NodeID)
		assert.Equal(t, flow.LogFailed, l.Status)
		assert.Contains(t, l.ErrorMessage, "upstream unavailable")
	}
}

func TestExecuteInstance_RetryThenSucceed(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	var attempts atomic.Int32
	h.registry.Register("flaky", executorFunc(func(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*executor.Result, error) {
		if attempts.Add(1) < 3 {
			return nil, flow.NewRetryableError(node.ID, fmt.Errorf("upstream unavailable"))
		}
		return &executor.Result{ContextPatch: map[string]interface{}{"done": true}}, nil
	}))

	def := flow.NewFlowDefinition("flaky-flow", "", flow.TriggerManual)
	def.Retry = flow.RetryConfig{MaxRetries: 2, RetryIntervalMs: 1}
	def.Nodes = []flow.Node{
		{ID: "call", Type: "flaky"},
		{ID: "finish", Type: flow.NodeTypeEnd},
	}
	def.Edges = []flow.Edge{{ID: "e1", Source: "call", Target: "finish"}}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, nil)
	require.NoError(t, err)

	final, err := h.engine.ExecuteInstance(ctx, inst.ID)
	require.NoError(t, err)

	assert.Equal(t, flow.InstanceCompleted, final.Status)
	assert.Equal(t, true, final.Context["done"])

	logs, err := h.instances.ListLogs(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"call", "call", "call", "finish"}, nodeIDs(logs))
	assert.Equal(t, flow.LogFailed, logs[0].Status)
	assert.Equal(t, flow.LogFailed, logs[1].Status)
	assert.Equal(t, flow.LogCompleted, logs[2].Status)
}

func TestExecuteInstance_PermanentErrorNoRetry(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	var attempts atomic.Int32
	h.registry.Register("broken", executorFunc(func(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*executor.Result, error) {
		attempts.Add(1)
		return nil, flow.NewPermanentError(node.ID, fmt.Errorf("bad node config"))
	}))

	def := flow.NewFlowDefinition("broken-flow", "", flow.TriggerManual)
	def.Retry = flow.RetryConfig{MaxRetries: 5, RetryIntervalMs: 1}
	def.Nodes = []flow.Node{
		{ID: "call", Type: "broken"},
		{ID: "finish", Type: flow.NodeTypeEnd},
	}
	def.Edges = []flow.Edge{{ID: "e1", Source: "call", Target: "finish"}}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, nil)
	require.NoError(t, err)

	final, err := h.engine.ExecuteInstance(ctx, inst.ID)
	require.NoError(t, err)

	assert.Equal(t, flow.InstanceFailed, final.Status)
	assert.EqualValues(t, 1, attempts.Load())

	logs, err := h.instances.ListLogs(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestExecuteInstance_UnknownNodeType(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	def := flow.NewFlowDefinition("bad-flow", "", flow.TriggerManual)
	def.Nodes = []flow.Node{
		{ID: "mystery", Type: "foo_bar"},
		{ID: "finish", Type: flow.NodeTypeEnd},
	}
	def.Edges = []flow.Edge{{ID: "e1", Source: "mystery", Target: "finish"}}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, nil)
	require.NoError(t, err)

	final, err := h.engine.ExecuteInstance(ctx, inst.ID)
	require.NoError(t, err)

	assert.Equal(t, flow.InstanceFailed, final.Status)
	assert.Equal(t, 0, final.SuccessCount)
	assert.Equal(t, 1, final.FailedCount)
	assert.Contains(t, final.ErrorMessage, "foo_bar")
}

func TestCancelInstance_StopsAtIterationBoundary(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.registry.Register("gate", executorFunc(func(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*executor.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return &executor.Result{}, nil
	}))

	var afterGate atomic.Int32
	h.registry.Register("after", executorFunc(func(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*executor.Result, error) {
		afterGate.Add(1)
		return &executor.Result{}, nil
	}))

	def := flow.NewFlowDefinition("cancellable", "", flow.TriggerManual)
	def.Nodes = []flow.Node{
		{ID: "slow", Type: "gate"},
		{ID: "next", Type: "after"},
		{ID: "finish", Type: flow.NodeTypeEnd},
	}
	def.Edges = []flow.Edge{
		{ID: "e1", Source: "slow", Target: "next"},
		{ID: "e2", Source: "next", Target: "finish"},
	}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.engine.ExecuteInstance(ctx, inst.ID)
	}()

	// Cancel while the first node is in flight, then let it finish
	<-started
	require.NoError(t, h.engine.CancelInstance(ctx, inst.ID))
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop after cancel")
	}

	final, err := h.instances.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.InstanceCancelled, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.EqualValues(t, 0, afterGate.Load())

	// The in-flight node is recorded; nothing after it runs
	logs, err := h.instances.ListLogs(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "slow", logs[0].NodeID)
	assert.Equal(t, flow.LogCompleted, logs[0].Status)
}

func TestCancelInstance_TerminalRejected(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	def := flow.NewFlowDefinition("short", "", flow.TriggerManual)
	def.Nodes = []flow.Node{{ID: "finish", Type: flow.NodeTypeEnd}}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, nil)
	require.NoError(t, err)

	_, err = h.engine.ExecuteInstance(ctx, inst.ID)
	require.NoError(t, err)

	err = h.engine.CancelInstance(ctx, inst.ID)
	assert.ErrorIs(t, err, flow.ErrInstanceNotFound)
}

func TestExecuteInstance_Timeout(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	var afterSlow atomic.Int32
	h.registry.Register("slow", executorFunc(func(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*executor.Result, error) {
		time.Sleep(80 * time.Millisecond)
		return &executor.Result{}, nil
	}))
	h.registry.Register("after", executorFunc(func(ctx context.Context, node flow.Node, flowCtx map[string]interface{}) (*executor.Result, error) {
		afterSlow.Add(1)
		return &executor.Result{}, nil
	}))

	def := flow.NewFlowDefinition("slow-flow", "", flow.TriggerManual)
	def.TimeoutMs = 30
	def.Nodes = []flow.Node{
		{ID: "crawl", Type: "slow"},
		{ID: "next", Type: "after"},
		{ID: "finish", Type: flow.NodeTypeEnd},
	}
	def.Edges = []flow.Edge{
		{ID: "e1", Source: "crawl", Target: "next"},
		{ID: "e2", Source: "next", Target: "finish"},
	}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, nil)
	require.NoError(t, err)

	final, err := h.engine.ExecuteInstance(ctx, inst.ID)
	require.NoError(t, err)

	assert.Equal(t, flow.InstanceTimeout, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.EqualValues(t, 0, afterSlow.Load())
}

func TestExecuteAsync_RunsToCompletion(t *testing.T) {
	h := setupEngine(t, executor.Dependencies{})
	ctx := context.Background()

	def := flow.NewFlowDefinition("async-flow", "", flow.TriggerManual)
	def.Nodes = []flow.Node{{ID: "finish", Type: flow.NodeTypeEnd}}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerManual, nil, nil)
	require.NoError(t, err)

	h.engine.ExecuteAsync(inst.ID)

	require.Eventually(t, func() bool {
		current, err := h.instances.GetByID(ctx, inst.ID)
		return err == nil && current.Status == flow.InstanceCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

// Complaint messages route through escalation and carry the classified
// intent in the instance context.
func TestExecuteInstance_ComplaintRouting(t *testing.T) {
	bot := &fakeWeCom{}
	h := setupEngine(t, executor.Dependencies{
		AI: &fakeAI{intent: &ai.IntentResult{Intent: "complaint", Confidence: 0.92}},
	})
	ctx := context.Background()

	h.registry.Register(flow.NodeTypeMessageDispatch, dispatchTo(bot))

	def := flow.NewFlowDefinition("customer-service", "", flow.TriggerMessage)
	def.Nodes = []flow.Node{
		{ID: "receive", Type: flow.NodeTypeMessageReceive, Config: map[string]interface{}{
			"roleRules":   []interface{}{"aftersales: contains '投诉','退款'"},
			"defaultRole": "general",
		}},
		{ID: "classify", Type: flow.NodeTypeIntent, Config: map[string]interface{}{
			"intents":       []interface{}{"complaint", "question", "chitchat"},
			"defaultIntent": "chitchat",
		}},
		{ID: "route", Type: flow.NodeTypeDecision, Config: map[string]interface{}{
			"conditions": []interface{}{
				map[string]interface{}{"expression": `intent == "complaint"`, "targetNodeId": "escalate"},
			},
			"defaultTarget": "finish",
		}},
		{ID: "escalate", Type: flow.NodeTypeMessageDispatch, Config: map[string]interface{}{
			"receiver":   "ops-team",
			"contentKey": "content",
		}},
		{ID: "finish", Type: flow.NodeTypeEnd},
	}
	def.Edges = []flow.Edge{
		{ID: "e1", Source: "receive", Target: "classify"},
		{ID: "e2", Source: "classify", Target: "route"},
		{ID: "e3", Source: "escalate", Target: "finish"},
	}
	h.seedDefinition(t, def)

	inst, err := h.engine.CreateInstance(ctx, def.ID, flow.TriggerMessage,
		map[string]interface{}{"content": "我要投诉", "senderId": "u1"}, nil)
	require.NoError(t, err)

	final, err := h.engine.ExecuteInstance(ctx, inst.ID)
	require.NoError(t, err)

	assert.Equal(t, flow.InstanceCompleted, final.Status)
	assert.Equal(t, "complaint", final.Context["intent"])
	assert.Equal(t, "aftersales", final.Context["businessRole"])

	logs, err := h.instances.ListLogs(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"receive", "classify", "route", "escalate", "finish"}, nodeIDs(logs))

	assert.Equal(t, "ops-team", bot.receiver)
	require.Len(t, bot.sent, 1)
	assert.Equal(t, "我要投诉", bot.sent[0])
}

// dispatchTo wires the built-in dispatch executor to a fake bot client
func dispatchTo(bot *fakeWeCom) executor.NodeExecutor {
	return executor.NewMessageDispatchExecutor(bot, logger.NewNop())
}
