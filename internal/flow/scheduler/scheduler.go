package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/internal/flow/engine"
	"github.com/botflow-go/internal/flow/repository"
	"github.com/botflow-go/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Scheduler fires instances for active definitions with
// triggerType=scheduled. The cron expression lives in the definition's
// triggerConfig under "cron". Refresh re-reads active definitions so
// version activation takes effect without a restart.
type Scheduler struct {
	cron        *cron.Cron
	definitions *repository.DefinitionRepository
	engine      *engine.Engine
	logger      logger.Logger
	entries     map[string]cron.EntryID
	mu          sync.Mutex
}

func New(definitions *repository.DefinitionRepository, eng *engine.Engine, log logger.Logger) *Scheduler {
	return &Scheduler{
		cron:        cron.New(cron.WithLocation(time.UTC)),
		definitions: definitions,
		engine:      eng,
		logger:      log,
		entries:     make(map[string]cron.EntryID),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", "flows", len(s.entries))
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Refresh reconciles cron entries with the currently active scheduled definitions
func (s *Scheduler) Refresh(ctx context.Context) error {
	defs, _, err := s.definitions.List(ctx, repository.DefinitionFilter{
		Status:      flow.StatusActive,
		TriggerType: flow.TriggerScheduled,
		Limit:       100,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(defs))
	for _, def := range defs {
		wanted[def.ID] = true
		if _, exists := s.entries[def.ID]; exists {
			continue
		}

		expr, _ := def.TriggerConfig["cron"].(string)
		if expr == "" {
			s.logger.Warn("Scheduled flow has no cron expression", "flowName", def.Name, "definitionId", def.ID)
			continue
		}

		defID := def.ID
		flowName := def.Name
		entryID, err := s.cron.AddFunc(expr, func() {
			s.fire(defID, flowName)
		})
		if err != nil {
			s.logger.Error("Invalid cron expression", "flowName", flowName, "cron", expr, "error", err)
			continue
		}
		s.entries[defID] = entryID
		s.logger.Info("Scheduled flow registered", "flowName", flowName, "cron", expr)
	}

	for id, entryID := range s.entries {
		if !wanted[id] {
			s.cron.Remove(entryID)
			delete(s.entries, id)
		}
	}
	return nil
}

func (s *Scheduler) fire(definitionID, flowName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst, err := s.engine.CreateInstance(ctx, definitionID, flow.TriggerScheduled,
		map[string]interface{}{"firedAt": time.Now().Format(time.RFC3339)}, nil)
	if err != nil {
		s.logger.Error("Failed to create scheduled instance",
			"flowName", flowName, "definitionId", definitionID, "error", err)
		return
	}

	s.engine.ExecuteAsync(inst.ID)
}
