package version

import (
	"context"
	"fmt"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/internal/flow/repository"
	"github.com/botflow-go/pkg/logger"
)

// Manager owns the draft/active/inactive lifecycle of flow definition
// versions. Activation deactivates all siblings of the same flow name in
// a single transaction; rollback is activation of an older version and
// never deletes the previously active row.
type Manager struct {
	definitions *repository.DefinitionRepository
	logger      logger.Logger
}

func NewManager(definitions *repository.DefinitionRepository, log logger.Logger) *Manager {
	return &Manager{definitions: definitions, logger: log}
}

// CreateVersion copies the current active definition of a flow family
// into a new draft row with the next version number.
func (m *Manager) CreateVersion(ctx context.Context, flowName string) (*flow.FlowDefinition, error) {
	active, err := m.definitions.GetActiveByName(ctx, flowName)
	if err != nil {
		return nil, err
	}

	maxVersion, err := m.definitions.MaxVersion(ctx, flowName)
	if err != nil {
		return nil, err
	}

	draft := active.Clone()
	draft.Version = maxVersion + 1
	draft.Status = flow.StatusDraft

	if err := m.definitions.Create(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to create draft version: %w", err)
	}

	m.logger.Info("Created draft version",
		"flowName", flowName,
		"version", draft.Version,
		"definitionId", draft.ID,
	)
	return draft, nil
}

// ActivateVersion activates the target row and deactivates its siblings.
// The graph is validated before activation so broken definitions are
// rejected at save time rather than at execution time.
func (m *Manager) ActivateVersion(ctx context.Context, versionID string) error {
	target, err := m.definitions.GetByID(ctx, versionID)
	if err != nil {
		return flow.ErrVersionNotFound
	}

	if err := target.Validate(); err != nil {
		return err
	}

	if err := m.definitions.Activate(ctx, versionID); err != nil {
		return err
	}

	m.logger.Info("Activated version",
		"flowName", target.Name,
		"version", target.Version,
		"definitionId", target.ID,
	)
	return nil
}

// RollbackVersion re-activates a prior version. History is preserved:
// the currently active row becomes inactive, nothing is deleted.
func (m *Manager) RollbackVersion(ctx context.Context, versionID string) error {
	target, err := m.definitions.GetByID(ctx, versionID)
	if err != nil {
		return flow.ErrVersionNotFound
	}

	if target.Status == flow.StatusActive {
		return nil
	}

	if err := m.ActivateVersion(ctx, versionID); err != nil {
		return err
	}

	m.logger.Info("Rolled back to version",
		"flowName", target.Name,
		"version", target.Version,
	)
	return nil
}

// ListVersions returns every version of a flow family, newest first
func (m *Manager) ListVersions(ctx context.Context, flowName string) ([]*flow.FlowDefinition, error) {
	return m.definitions.ListVersions(ctx, flowName)
}
