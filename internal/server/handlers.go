package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/internal/flow/engine"
	"github.com/botflow-go/internal/flow/monitor"
	"github.com/botflow-go/internal/flow/repository"
	"github.com/botflow-go/internal/flow/scheduler"
	"github.com/botflow-go/internal/flow/version"
	"github.com/botflow-go/pkg/logger"
)

type Handlers struct {
	engine      *engine.Engine
	definitions *repository.DefinitionRepository
	instances   *repository.InstanceRepository
	versions    *version.Manager
	monitor     *monitor.Reader
	scheduler   *scheduler.Scheduler
	logger      logger.Logger
}

func NewHandlers(
	eng *engine.Engine,
	definitions *repository.DefinitionRepository,
	instances *repository.InstanceRepository,
	versions *version.Manager,
	mon *monitor.Reader,
	sched *scheduler.Scheduler,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		engine:      eng,
		definitions: definitions,
		instances:   instances,
		versions:    versions,
		monitor:     mon,
		scheduler:   sched,
		logger:      log,
	}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Flow definition CRUD

type createDefinitionRequest struct {
	Name          string                 `json:"name" binding:"required"`
	Description   string                 `json:"description"`
	TriggerType   string                 `json:"triggerType" binding:"required"`
	TriggerConfig map[string]interface{} `json:"triggerConfig"`
	Nodes         []flow.Node            `json:"nodes"`
	Edges         []flow.Edge            `json:"edges"`
	Variables     map[string]interface{} `json:"variables"`
	TimeoutMs     int                    `json:"timeoutMs"`
	Retry         flow.RetryConfig       `json:"retryConfig"`
}

func (h *Handlers) CreateDefinition(c *gin.Context) {
	var req createDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	def := flow.NewFlowDefinition(req.Name, req.Description, req.TriggerType)
	def.TriggerConfig = req.TriggerConfig
	def.Nodes = req.Nodes
	def.Edges = req.Edges
	if req.Variables != nil {
		def.Variables = req.Variables
	}
	def.TimeoutMs = req.TimeoutMs
	def.Retry = req.Retry

	if err := def.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	maxVersion, err := h.definitions.MaxVersion(c.Request.Context(), def.Name)
	if err != nil {
		h.logger.Error("Failed to resolve version", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create definition"})
		return
	}
	def.Version = maxVersion + 1

	if err := h.definitions.Create(c.Request.Context(), def); err != nil {
		h.logger.Error("Failed to create definition", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create definition"})
		return
	}

	c.JSON(http.StatusCreated, def)
}

func (h *Handlers) GetDefinition(c *gin.Context) {
	def, err := h.definitions.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, flow.ErrDefinitionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Flow definition not found"})
			return
		}
		h.logger.Error("Failed to get definition", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get definition"})
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handlers) ListDefinitions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	defs, total, err := h.definitions.List(c.Request.Context(), repository.DefinitionFilter{
		Status:      c.Query("status"),
		TriggerType: c.Query("triggerType"),
		Name:        c.Query("name"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.logger.Error("Failed to list definitions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list definitions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"definitions": defs, "total": total})
}

func (h *Handlers) UpdateDefinition(c *gin.Context) {
	def, err := h.definitions.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Flow definition not found"})
		return
	}
	if def.Status == flow.StatusActive {
		c.JSON(http.StatusConflict, gin.H{"error": "Active definitions are immutable; create a new version"})
		return
	}

	var req createDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	def.Description = req.Description
	def.TriggerType = req.TriggerType
	def.TriggerConfig = req.TriggerConfig
	def.Nodes = req.Nodes
	def.Edges = req.Edges
	if req.Variables != nil {
		def.Variables = req.Variables
	}
	def.TimeoutMs = req.TimeoutMs
	def.Retry = req.Retry

	if err := def.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.definitions.Update(c.Request.Context(), def); err != nil {
		h.logger.Error("Failed to update definition", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update definition"})
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handlers) DeleteDefinition(c *gin.Context) {
	if err := h.definitions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, flow.ErrDefinitionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Flow definition not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Instances

type createInstanceRequest struct {
	TriggerType    string                 `json:"triggerType"`
	TriggerData    map[string]interface{} `json:"triggerData"`
	InitialContext map[string]interface{} `json:"initialContext"`
}

func (h *Handlers) CreateInstance(c *gin.Context) {
	var req createInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TriggerType == "" {
		req.TriggerType = flow.TriggerManual
	}

	inst, err := h.engine.CreateInstance(c.Request.Context(), c.Param("id"),
		req.TriggerType, req.TriggerData, req.InitialContext)
	if err != nil {
		switch {
		case errors.Is(err, flow.ErrDefinitionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Flow definition not found"})
		case errors.Is(err, flow.ErrDefinitionInactive):
			c.JSON(http.StatusConflict, gin.H{"error": "Flow definition is not active"})
		default:
			h.logger.Error("Failed to create instance", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create instance"})
		}
		return
	}

	c.JSON(http.StatusCreated, inst)
}

// ExecuteInstance starts execution. With ?sync=true the call waits for
// the terminal status (test panels); otherwise it returns immediately
// and execution proceeds on its own goroutine.
func (h *Handlers) ExecuteInstance(c *gin.Context) {
	id := c.Param("id")

	if c.Query("sync") == "true" {
		inst, err := h.engine.ExecuteInstance(c.Request.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, flow.ErrInstanceNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "Flow instance not found"})
			case errors.Is(err, flow.ErrInstanceNotPending):
				c.JSON(http.StatusConflict, gin.H{"error": "Flow instance already executed"})
			default:
				h.logger.Error("Failed to execute instance", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to execute instance"})
			}
			return
		}
		c.JSON(http.StatusOK, inst)
		return
	}

	h.engine.ExecuteAsync(id)
	c.JSON(http.StatusAccepted, gin.H{"instanceId": id, "started": true})
}

func (h *Handlers) GetInstance(c *gin.Context) {
	inst, err := h.instances.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, flow.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Flow instance not found"})
			return
		}
		h.logger.Error("Failed to get instance", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get instance"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *Handlers) ListInstances(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	instances, total, err := h.instances.List(c.Request.Context(), repository.InstanceFilter{
		Status:       c.Query("status"),
		DefinitionID: c.Query("definitionId"),
		FlowName:     c.Query("flowName"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		h.logger.Error("Failed to list instances", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list instances"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"instances": instances, "total": total})
}

func (h *Handlers) CancelInstance(c *gin.Context) {
	if err := h.engine.CancelInstance(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, flow.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Instance not found or already terminal"})
			return
		}
		h.logger.Error("Failed to cancel instance", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel instance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (h *Handlers) ListInstanceLogs(c *gin.Context) {
	logs, err := h.instances.ListLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("Failed to list execution logs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list execution logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// Versions

func (h *Handlers) CreateVersion(c *gin.Context) {
	draft, err := h.versions.CreateVersion(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, flow.ErrDefinitionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No active definition for flow"})
			return
		}
		h.logger.Error("Failed to create version", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create version"})
		return
	}
	c.JSON(http.StatusCreated, draft)
}

func (h *Handlers) ActivateVersion(c *gin.Context) {
	if err := h.versions.ActivateVersion(c.Request.Context(), c.Param("id")); err != nil {
		h.respondVersionError(c, err)
		return
	}
	h.refreshScheduler(c)
	c.JSON(http.StatusOK, gin.H{"activated": true})
}

func (h *Handlers) RollbackVersion(c *gin.Context) {
	if err := h.versions.RollbackVersion(c.Request.Context(), c.Param("id")); err != nil {
		h.respondVersionError(c, err)
		return
	}
	h.refreshScheduler(c)
	c.JSON(http.StatusOK, gin.H{"rolledBack": true})
}

func (h *Handlers) respondVersionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, flow.ErrVersionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Flow version not found"})
	case errors.Is(err, flow.ErrActivationConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Concurrent activation detected, retry"})
	case errors.Is(err, flow.ErrGraphIntegrity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Version operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Version operation failed"})
	}
}

func (h *Handlers) refreshScheduler(c *gin.Context) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.Refresh(c.Request.Context()); err != nil {
		h.logger.Warn("Failed to refresh scheduler", "error", err)
	}
}

func (h *Handlers) ListVersions(c *gin.Context) {
	versions, err := h.versions.ListVersions(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.logger.Error("Failed to list versions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list versions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

// Monitor

func (h *Handlers) MonitorStatus(c *gin.Context) {
	summary, err := h.monitor.StatusCounts(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read status counts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read status counts"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handlers) MonitorTrend(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	trend, err := h.monitor.Trend(c.Request.Context(), days)
	if err != nil {
		h.logger.Error("Failed to read trend", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read trend"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trend": trend})
}

func (h *Handlers) MonitorFlows(c *gin.Context) {
	summaries, err := h.monitor.FlowSummaries(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read flow summaries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read flow summaries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": summaries})
}

// Test trigger

type testTriggerRequest struct {
	FlowID   string                 `json:"flowId"`
	FlowName string                 `json:"flowName"`
	Payload  map[string]interface{} `json:"payload"`
}

// TestTrigger creates and starts an instance from an arbitrary payload.
// The response carries the instance id; test panels poll the logs
// endpoint for progress.
func (h *Handlers) TestTrigger(c *gin.Context) {
	var req testTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	definitionID := req.FlowID
	if definitionID == "" && req.FlowName != "" {
		def, err := h.definitions.GetActiveByName(c.Request.Context(), req.FlowName)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "No active definition for flow"})
			return
		}
		definitionID = def.ID
	}
	if definitionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "flowId or flowName is required"})
		return
	}

	inst, err := h.engine.CreateInstance(c.Request.Context(), definitionID,
		flow.TriggerManual, req.Payload, nil)
	if err != nil {
		switch {
		case errors.Is(err, flow.ErrDefinitionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Flow definition not found"})
		case errors.Is(err, flow.ErrDefinitionInactive):
			c.JSON(http.StatusConflict, gin.H{"error": "Flow definition is not active"})
		default:
			h.logger.Error("Failed to create test instance", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create test instance"})
		}
		return
	}

	h.engine.ExecuteAsync(inst.ID)
	c.JSON(http.StatusCreated, inst)
}
