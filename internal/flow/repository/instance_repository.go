package repository

import (
	"context"
	"errors"
	"time"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/pkg/database"
	"gorm.io/gorm"
)

// InstanceRepository persists flow instances and their execution logs
type InstanceRepository struct {
	db *database.DB
}

func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

func (r *InstanceRepository) Create(ctx context.Context, inst *flow.FlowInstance) error {
	return r.db.WithContext(ctx).Create(inst).Error
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*flow.FlowInstance, error) {
	var inst flow.FlowInstance
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, flow.ErrInstanceNotFound
	}
	return &inst, err
}

func (r *InstanceRepository) Update(ctx context.Context, inst *flow.FlowInstance) error {
	inst.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Save(inst).Error
}

// GetStatus reads only the current status column. The engine polls this
// at each loop iteration boundary for cooperative cancellation.
func (r *InstanceRepository) GetStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := r.db.WithContext(ctx).
		Model(&flow.FlowInstance{}).
		Where("id = ?", id).
		Pluck("status", &status).Error
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", flow.ErrInstanceNotFound
	}
	return status, nil
}

// MarkCancelled requests cooperative cancellation. Only non-terminal
// instances can be cancelled; the write is guarded accordingly.
func (r *InstanceRepository) MarkCancelled(ctx context.Context, id string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&flow.FlowInstance{}).
		Where("id = ? AND status IN ?", id, []string{flow.InstancePending, flow.InstanceRunning}).
		Updates(map[string]interface{}{
			"status":       flow.InstanceCancelled,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return flow.ErrInstanceNotFound
	}
	return nil
}

// MarkRunning transitions pending → running. The compare-and-set keeps
// concurrent execute calls from double-running one instance.
func (r *InstanceRepository) MarkRunning(ctx context.Context, id string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&flow.FlowInstance{}).
		Where("id = ? AND status = ?", id, flow.InstancePending).
		Updates(map[string]interface{}{
			"status":     flow.InstanceRunning,
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return flow.ErrInstanceNotPending
	}
	return nil
}

// UpdateProgress persists loop-advance fields only while the instance is
// still running; a concurrent cancel wins otherwise. Returns false when
// the guarded update matched no row.
func (r *InstanceRepository) UpdateProgress(ctx context.Context, inst *flow.FlowInstance) (bool, error) {
	inst.UpdatedAt = time.Now()
	res := r.db.WithContext(ctx).
		Model(inst).
		Where("status = ?", flow.InstanceRunning).
		Select("current_node_id", "context", "success_count", "failed_count", "updated_at").
		Updates(*inst)
	return res.RowsAffected > 0, res.Error
}

// Finalize writes a terminal status, guarded so it never overwrites a
// cancellation that happened while the last node was in flight.
func (r *InstanceRepository) Finalize(ctx context.Context, inst *flow.FlowInstance) (bool, error) {
	inst.UpdatedAt = time.Now()
	res := r.db.WithContext(ctx).
		Model(inst).
		Where("status = ?", flow.InstanceRunning).
		Select("status", "current_node_id", "context", "success_count", "failed_count",
			"error_message", "completed_at", "processing_time_ms", "updated_at").
		Updates(*inst)
	return res.RowsAffected > 0, res.Error
}

type InstanceFilter struct {
	Status       string
	DefinitionID string
	FlowName     string
	Limit        int
	Offset       int
}

func (r *InstanceRepository) List(ctx context.Context, filter InstanceFilter) ([]*flow.FlowInstance, int64, error) {
	query := r.db.WithContext(ctx).Model(&flow.FlowInstance{})

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.DefinitionID != "" {
		query = query.Where("flow_definition_id = ?", filter.DefinitionID)
	}
	if filter.FlowName != "" {
		query = query.Where("flow_name = ?", filter.FlowName)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var instances []*flow.FlowInstance
	err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&instances).Error
	return instances, total, err
}

// CreateLog appends an execution log row
func (r *InstanceRepository) CreateLog(ctx context.Context, log *flow.ExecutionLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// UpdateLog finalizes a previously created log row
func (r *InstanceRepository) UpdateLog(ctx context.Context, log *flow.ExecutionLog) error {
	return r.db.WithContext(ctx).Save(log).Error
}

// ListLogs returns an instance's log rows ordered by start time
func (r *InstanceRepository) ListLogs(ctx context.Context, instanceID string) ([]*flow.ExecutionLog, error) {
	var logs []*flow.ExecutionLog
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("started_at").
		Find(&logs).Error
	return logs, err
}
