package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/pkg/database"
	"gorm.io/gorm"
)

// DefinitionRepository persists flow definitions and their version rows
type DefinitionRepository struct {
	db *database.DB
}

func NewDefinitionRepository(db *database.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

func (r *DefinitionRepository) Create(ctx context.Context, d *flow.FlowDefinition) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*flow.FlowDefinition, error) {
	var d flow.FlowDefinition
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, flow.ErrDefinitionNotFound
	}
	return &d, err
}

// GetActiveByName returns the single active version of a flow family
func (r *DefinitionRepository) GetActiveByName(ctx context.Context, name string) (*flow.FlowDefinition, error) {
	var d flow.FlowDefinition
	err := r.db.WithContext(ctx).
		Where("name = ? AND status = ?", name, flow.StatusActive).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, flow.ErrDefinitionNotFound
	}
	return &d, err
}

// GetActiveByTriggerType returns the active definition for a trigger
// type, or nil when none is configured. Callers treat nil as a no-op.
func (r *DefinitionRepository) GetActiveByTriggerType(ctx context.Context, triggerType string) (*flow.FlowDefinition, error) {
	var d flow.FlowDefinition
	err := r.db.WithContext(ctx).
		Where("trigger_type = ? AND status = ?", triggerType, flow.StatusActive).
		Order("updated_at DESC").
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

type DefinitionFilter struct {
	Status      string
	TriggerType string
	Name        string
	Limit       int
	Offset      int
}

func (r *DefinitionRepository) List(ctx context.Context, filter DefinitionFilter) ([]*flow.FlowDefinition, int64, error) {
	query := r.db.WithContext(ctx).Model(&flow.FlowDefinition{})

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.TriggerType != "" {
		query = query.Where("trigger_type = ?", filter.TriggerType)
	}
	if filter.Name != "" {
		query = query.Where("name = ?", filter.Name)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var defs []*flow.FlowDefinition
	err := query.Order("name, version DESC").Limit(limit).Offset(filter.Offset).Find(&defs).Error
	return defs, total, err
}

// ListVersions returns all versions of a flow family, newest first
func (r *DefinitionRepository) ListVersions(ctx context.Context, name string) ([]*flow.FlowDefinition, error) {
	var defs []*flow.FlowDefinition
	err := r.db.WithContext(ctx).
		Where("name = ?", name).
		Order("version DESC").
		Find(&defs).Error
	return defs, err
}

// MaxVersion returns the highest version number for a flow family (0 when none)
func (r *DefinitionRepository) MaxVersion(ctx context.Context, name string) (int, error) {
	var max *int
	err := r.db.WithContext(ctx).
		Model(&flow.FlowDefinition{}).
		Where("name = ?", name).
		Select("MAX(version)").
		Scan(&max).Error
	if err != nil || max == nil {
		return 0, err
	}
	return *max, nil
}

func (r *DefinitionRepository) Update(ctx context.Context, d *flow.FlowDefinition) error {
	d.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Save(d).Error
}

// Delete removes a definition row. Definitions referenced by instances
// are retained for audit; deletion is refused instead.
func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.WithContext(ctx).
			Model(&flow.FlowInstance{}).
			Where("flow_definition_id = ?", id).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("definition %s has %d instances and cannot be deleted", id, count)
		}

		res := tx.WithContext(ctx).Where("id = ?", id).Delete(&flow.FlowDefinition{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return flow.ErrDefinitionNotFound
		}
		return nil
	})
}

// Activate marks the target row active and every sibling of the same
// name inactive, in one transaction. The final update is a compare-and-
// set on the row's updated_at, so of two concurrent activations of the
// same family exactly one wins and the loser gets ErrActivationConflict.
func (r *DefinitionRepository) Activate(ctx context.Context, id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var target flow.FlowDefinition
		if err := tx.WithContext(ctx).Where("id = ?", id).First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return flow.ErrVersionNotFound
			}
			return err
		}

		observedAt := target.UpdatedAt

		if err := tx.WithContext(ctx).
			Model(&flow.FlowDefinition{}).
			Where("name = ? AND id <> ? AND status = ?", target.Name, target.ID, flow.StatusActive).
			Updates(map[string]interface{}{"status": flow.StatusInactive, "updated_at": time.Now()}).Error; err != nil {
			return err
		}

		res := tx.WithContext(ctx).
			Model(&flow.FlowDefinition{}).
			Where("id = ? AND updated_at = ?", target.ID, observedAt).
			Updates(map[string]interface{}{"status": flow.StatusActive, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return flow.ErrActivationConflict
		}
		return nil
	})
}
