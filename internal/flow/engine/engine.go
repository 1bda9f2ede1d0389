package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/internal/flow/executor"
	"github.com/botflow-go/internal/flow/expression"
	"github.com/botflow-go/internal/flow/repository"
	"github.com/botflow-go/pkg/logger"
	"github.com/botflow-go/pkg/metrics"
	"github.com/botflow-go/pkg/resilience"
	"github.com/google/uuid"
)

func newInstanceID() string {
	return uuid.New().String()
}

// Defaults are applied when a definition carries no timeout or retry
// policy of its own.
type Defaults struct {
	TimeoutMs  int
	MaxRetries int
	RetryMs    int
}

// Engine drives flow instances node by node. Instances execute fully
// independently: each ExecuteInstance call runs on its caller's
// goroutine (or a spawned one, via ExecuteAsync) and all coordination
// happens through the store.
type Engine struct {
	definitions *repository.DefinitionRepository
	instances   *repository.InstanceRepository
	registry    *executor.Registry
	expr        *expression.Engine
	logger      logger.Logger
	defaults    Defaults
}

func New(
	definitions *repository.DefinitionRepository,
	instances *repository.InstanceRepository,
	registry *executor.Registry,
	log logger.Logger,
	defaults Defaults,
) *Engine {
	if defaults.TimeoutMs <= 0 {
		defaults.TimeoutMs = 300000
	}

	return &Engine{
		definitions: definitions,
		instances:   instances,
		registry:    registry,
		expr:        expression.NewEngine(),
		logger:      log,
		defaults:    defaults,
	}
}

// GetDefaultFlowByTriggerType returns the active definition for a
// trigger type, or nil when none is configured. Callers treat nil as a
// no-op, not an error.
func (e *Engine) GetDefaultFlowByTriggerType(ctx context.Context, triggerType string) (*flow.FlowDefinition, error) {
	return e.definitions.GetActiveByTriggerType(ctx, triggerType)
}

// CreateInstance validates the definition and persists a pending
// instance with the definition graph snapshotted in. Execution does not
// begin here.
func (e *Engine) CreateInstance(
	ctx context.Context,
	definitionID string,
	triggerType string,
	triggerData map[string]interface{},
	initialContext map[string]interface{},
) (*flow.FlowInstance, error) {
	def, err := e.definitions.GetByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if def.Status != flow.StatusActive {
		return nil, flow.ErrDefinitionInactive
	}

	start := def.StartNode()
	if start == nil {
		return nil, fmt.Errorf("%w: definition %s has no nodes", flow.ErrGraphIntegrity, def.ID)
	}

	instCtx := make(map[string]interface{})
	for k, v := range def.Variables {
		instCtx[k] = v
	}
	for k, v := range initialContext {
		instCtx[k] = v
	}
	for k, v := range triggerData {
		instCtx[k] = v
	}
	if triggerData != nil {
		instCtx["triggerData"] = triggerData
	}

	inst := &flow.FlowInstance{
		ID:                    newInstanceID(),
		FlowDefinitionID:      def.ID,
		FlowDefinitionVersion: def.Version,
		FlowName:              def.Name,
		TriggerType:           triggerType,
		Status:                flow.InstancePending,
		CurrentNodeID:         start.ID,
		Definition:            def,
		Context:               instCtx,
		TotalNodes:            len(def.Nodes),
		CreatedAt:             time.Now(),
		UpdatedAt:             time.Now(),
	}

	if err := e.instances.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	e.logger.Info("Created flow instance",
		"instanceId", inst.ID,
		"flowName", inst.FlowName,
		"version", inst.FlowDefinitionVersion,
		"trigger", triggerType,
	)
	return inst, nil
}

// ExecuteInstance transitions the instance to running and drives the
// node loop to a terminal status. It is safe to call concurrently: the
// pending → running transition is a compare-and-set, so a second caller
// gets ErrInstanceNotPending. Execution errors terminate on the instance
// record, never as a returned error, so fire-and-forget callers lose
// nothing by ignoring the result.
func (e *Engine) ExecuteInstance(ctx context.Context, instanceID string) (*flow.FlowInstance, error) {
	if err := e.instances.MarkRunning(ctx, instanceID); err != nil {
		return nil, err
	}

	inst, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	e.run(ctx, inst)

	return e.instances.GetByID(ctx, instanceID)
}

// ExecuteAsync runs the instance on its own goroutine with its own error
// boundary. Panics and errors are written to the instance record.
func (e *Engine) ExecuteAsync(instanceID string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Flow execution panicked", "instanceId", instanceID, "panic", r)
				e.failInstance(context.Background(), instanceID, fmt.Sprintf("execution panic: %v", r))
			}
		}()

		if _, err := e.ExecuteInstance(context.Background(), instanceID); err != nil {
			e.logger.Error("Flow execution failed to start", "instanceId", instanceID, "error", err)
		}
	}()
}

// CancelInstance requests cooperative cancellation. A node already in
// flight completes and is recorded; the loop stops at the next iteration
// boundary.
func (e *Engine) CancelInstance(ctx context.Context, instanceID string) error {
	return e.instances.MarkCancelled(ctx, instanceID)
}

func (e *Engine) run(ctx context.Context, inst *flow.FlowInstance) {
	def := inst.Definition
	if def == nil {
		e.terminate(ctx, inst, flow.InstanceFailed, "definition snapshot missing")
		return
	}

	timeoutMs := def.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = e.defaults.TimeoutMs
	}
	budget := time.Duration(timeoutMs) * time.Millisecond

	started := time.Now()
	if inst.StartedAt != nil {
		started = *inst.StartedAt
	}

	for {
		// Cooperative cancellation: an external cancel wins at the
		// iteration boundary.
		if status, err := e.instances.GetStatus(ctx, inst.ID); err == nil && flow.IsTerminal(status) {
			e.logger.Info("Flow instance stopped externally", "instanceId", inst.ID, "status", status)
			return
		}

		if time.Since(started) > budget {
			e.terminate(ctx, inst, flow.InstanceTimeout, "instance timeout")
			return
		}

		node := def.NodeByID(inst.CurrentNodeID)
		if node == nil {
			e.terminate(ctx, inst, flow.InstanceFailed,
				fmt.Sprintf("%v: node %q not found in definition", flow.ErrGraphIntegrity, inst.CurrentNodeID))
			return
		}

		exec := e.registry.Resolve(node.Type)
		if exec == nil {
			inst.FailedCount++
			e.terminate(ctx, inst, flow.InstanceFailed,
				fmt.Sprintf("%v: %s", flow.ErrUnknownNodeType, node.Type))
			return
		}

		result, err := e.executeNode(ctx, inst, def, node, exec)
		if err != nil {
			inst.FailedCount++
			e.terminate(ctx, inst, flow.InstanceFailed, err.Error())
			return
		}

		if result != nil {
			for k, v := range result.ContextPatch {
				inst.Context[k] = v
			}
		}
		inst.SuccessCount++

		nextID, done, err := e.nextNodeID(def, node, inst.Context)
		if err != nil {
			e.terminate(ctx, inst, flow.InstanceFailed, err.Error())
			return
		}
		if done {
			inst.CurrentNodeID = ""
			e.terminate(ctx, inst, flow.InstanceCompleted, "")
			return
		}

		inst.CurrentNodeID = nextID
		if ok, err := e.instances.UpdateProgress(ctx, inst); err != nil {
			e.logger.Error("Failed to persist instance progress", "instanceId", inst.ID, "error", err)
		} else if !ok {
			// Status changed under us, typically a cancel
			return
		}
	}
}

// executeNode runs one node with per-attempt execution log rows and the
// definition's fixed-interval retry policy. Each attempt, including
// retries, appends its own log row.
func (e *Engine) executeNode(
	ctx context.Context,
	inst *flow.FlowInstance,
	def *flow.FlowDefinition,
	node *flow.Node,
	exec executor.NodeExecutor,
) (*executor.Result, error) {
	var result *executor.Result
	attempt := 0

	retry := def.Retry
	if retry.MaxRetries <= 0 {
		retry.MaxRetries = e.defaults.MaxRetries
	}
	if retry.RetryIntervalMs <= 0 {
		retry.RetryIntervalMs = e.defaults.RetryMs
	}

	retryCfg := resilience.RetryConfig{
		MaxAttempts: retry.MaxRetries + 1,
		Interval:    time.Duration(retry.RetryIntervalMs) * time.Millisecond,
		ShouldRetry: flow.IsRetryable,
	}

	err := resilience.Retry(ctx, retryCfg, func() error {
		attempt++
		if attempt > 1 {
			metrics.NodeRetriesTotal.WithLabelValues(node.Type).Inc()
			e.logger.Info("Retrying node",
				"instanceId", inst.ID, "nodeId", node.ID, "attempt", attempt)
		}

		logRow := flow.NewExecutionLog(inst.ID, node)
		if err := e.instances.CreateLog(ctx, logRow); err != nil {
			e.logger.Error("Failed to create execution log", "instanceId", inst.ID, "error", err)
		}

		res, execErr := exec.Execute(ctx, *node, inst.Context)

		now := time.Now()
		logRow.CompletedAt = &now
		if execErr != nil {
			logRow.Status = flow.LogFailed
			logRow.ErrorMessage = execErr.Error()
		} else {
			logRow.Status = flow.LogCompleted
		}
		if err := e.instances.UpdateLog(ctx, logRow); err != nil {
			e.logger.Error("Failed to update execution log", "instanceId", inst.ID, "error", err)
		}

		metrics.NodeExecutionsTotal.WithLabelValues(node.Type, logRow.Status).Inc()

		if execErr != nil {
			return execErr
		}
		result = res
		return nil
	})

	return result, err
}

// nextNodeID resolves where the loop goes after a node completes.
// Decision nodes evaluate their ordered conditions top to bottom; the
// first true expression wins and evaluation failures count as false, so
// the default target is always reachable. Non-decision nodes with
// several outgoing edges take the first declared edge whose condition
// (if any) holds, falling back to the first declared edge.
func (e *Engine) nextNodeID(def *flow.FlowDefinition, node *flow.Node, instCtx map[string]interface{}) (string, bool, error) {
	if node.Type == flow.NodeTypeEnd {
		return "", true, nil
	}

	if node.Type == flow.NodeTypeDecision {
		var cfg flow.DecisionConfig
		if err := node.DecodeConfig(&cfg); err != nil {
			return "", false, fmt.Errorf("%w: decision node %q config: %v", flow.ErrGraphIntegrity, node.ID, err)
		}

		for _, cond := range cfg.Conditions {
			ok, err := e.expr.EvaluateBool(cond.Expression, instCtx)
			if err != nil {
				e.logger.Debug("Decision condition evaluation failed, treated as false",
					"nodeId", node.ID, "expression", cond.Expression, "error", err)
				continue
			}
			if ok {
				return cond.TargetNodeID, false, nil
			}
		}

		if cfg.DefaultTarget != "" {
			return cfg.DefaultTarget, false, nil
		}
		return "", false, fmt.Errorf("%w: decision node %q matched no condition and has no default target", flow.ErrGraphIntegrity, node.ID)
	}

	edges := def.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return "", true, nil
	}

	for _, edge := range edges {
		if edge.Condition == "" {
			return edge.Target, false, nil
		}
		if ok, err := e.expr.EvaluateBool(edge.Condition, instCtx); err == nil && ok {
			return edge.Target, false, nil
		}
	}
	return edges[0].Target, false, nil
}

// terminate writes a terminal status through the guarded finalize so an
// external cancel is never overwritten.
func (e *Engine) terminate(ctx context.Context, inst *flow.FlowInstance, status, errorMessage string) {
	now := time.Now()
	inst.Status = status
	inst.ErrorMessage = errorMessage
	inst.CompletedAt = &now
	if inst.StartedAt != nil {
		inst.ProcessingTimeMs = now.Sub(*inst.StartedAt).Milliseconds()
	}
	if status == flow.InstanceCompleted {
		inst.CurrentNodeID = ""
	}

	ok, err := e.instances.Finalize(ctx, inst)
	if err != nil {
		e.logger.Error("Failed to finalize instance", "instanceId", inst.ID, "error", err)
		return
	}
	if !ok {
		e.logger.Info("Instance already terminal, finalize skipped", "instanceId", inst.ID)
		return
	}

	metrics.FlowInstancesTotal.WithLabelValues(inst.FlowName, status, inst.TriggerType).Inc()
	metrics.FlowInstanceDuration.WithLabelValues(inst.FlowName).Observe(float64(inst.ProcessingTimeMs) / 1000)

	e.logger.Info("Flow instance finished",
		"instanceId", inst.ID,
		"flowName", inst.FlowName,
		"status", status,
		"successCount", inst.SuccessCount,
		"failedCount", inst.FailedCount,
		"durationMs", inst.ProcessingTimeMs,
	)
}

// failInstance records a failure for instances whose goroutine died
// outside the normal loop (panic recovery path).
func (e *Engine) failInstance(ctx context.Context, instanceID, message string) {
	inst, err := e.instances.GetByID(ctx, instanceID)
	if err != nil || flow.IsTerminal(inst.Status) {
		return
	}
	e.terminate(ctx, inst, flow.InstanceFailed, message)
}
