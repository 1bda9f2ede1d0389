package flow

import (
	"time"

	"github.com/google/uuid"
)

// FlowInstance is one execution run of a flow definition. The definition
// graph is snapshotted into the instance at creation time so that later
// version changes never alter in-flight behavior.
type FlowInstance struct {
	ID                    string                 `json:"id" gorm:"primaryKey"`
	FlowDefinitionID      string                 `json:"flowDefinitionId" gorm:"not null;index"`
	FlowDefinitionVersion int                    `json:"flowDefinitionVersion"`
	FlowName              string                 `json:"flowName" gorm:"index"`
	TriggerType           string                 `json:"triggerType"`
	Status                string                 `json:"status" gorm:"index;default:'pending'"`
	CurrentNodeID         string                 `json:"currentNodeId"`
	Definition            *FlowDefinition        `json:"definition,omitempty" gorm:"serializer:json"`
	Context               map[string]interface{} `json:"context" gorm:"serializer:json"`
	TotalNodes            int                    `json:"totalNodes"`
	SuccessCount          int                    `json:"successCount"`
	FailedCount           int                    `json:"failedCount"`
	ErrorMessage          string                 `json:"errorMessage"`
	StartedAt             *time.Time             `json:"startedAt"`
	CompletedAt           *time.Time             `json:"completedAt"`
	ProcessingTimeMs      int64                  `json:"processingTime"`
	CreatedAt             time.Time              `json:"createdAt"`
	UpdatedAt             time.Time              `json:"updatedAt"`
}

// Instance status constants
const (
	InstancePending   = "pending"
	InstanceRunning   = "running"
	InstanceCompleted = "completed"
	InstanceFailed    = "failed"
	InstanceCancelled = "cancelled"
	InstanceTimeout   = "timeout"
)

// IsTerminal reports whether the status admits no further transitions
func IsTerminal(status string) bool {
	switch status {
	case InstanceCompleted, InstanceFailed, InstanceCancelled, InstanceTimeout:
		return true
	}
	return false
}

// ExecutionLog records one node attempt within one instance. Rows are
// append-only: a retried attempt produces a new row.
type ExecutionLog struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	InstanceID   string     `json:"instanceId" gorm:"not null;index"`
	NodeID       string     `json:"nodeId" gorm:"not null"`
	NodeType     string     `json:"nodeType"`
	NodeName     string     `json:"nodeName"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"errorMessage"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
}

// Execution log status constants
const (
	LogRunning   = "running"
	LogCompleted = "completed"
	LogFailed    = "failed"
	LogSkipped   = "skipped"
)

// NewExecutionLog starts a running log row for a node attempt
func NewExecutionLog(instanceID string, node *Node) *ExecutionLog {
	return &ExecutionLog{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		NodeName:   node.Name,
		Status:     LogRunning,
		StartedAt:  time.Now(),
	}
}
