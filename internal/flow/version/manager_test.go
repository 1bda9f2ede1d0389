package version

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/internal/flow/repository"
	"github.com/botflow-go/pkg/database"
	"github.com/botflow-go/pkg/logger"
)

func setupManager(t *testing.T) (*Manager, *repository.DefinitionRepository) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&flow.FlowDefinition{}, &flow.FlowInstance{}))

	defs := repository.NewDefinitionRepository(&database.DB{DB: gormDB})
	return NewManager(defs, logger.NewNop()), defs
}

func seedActive(t *testing.T, defs *repository.DefinitionRepository, name string, ver int) *flow.FlowDefinition {
	def := flow.NewFlowDefinition(name, "test flow", flow.TriggerManual)
	def.Version = ver
	def.Status = flow.StatusActive
	def.Nodes = []flow.Node{
		{ID: "start", Type: flow.NodeTypeMessageReceive, Name: "Receive"},
		{ID: "finish", Type: flow.NodeTypeEnd, Name: "End"},
	}
	def.Edges = []flow.Edge{{ID: "e1", Source: "start", Target: "finish"}}
	require.NoError(t, defs.Create(context.Background(), def))
	return def
}

func TestManager_CreateVersion(t *testing.T) {
	mgr, defs := setupManager(t)
	ctx := context.Background()

	active := seedActive(t, defs, "support-flow", 1)

	draft, err := mgr.CreateVersion(ctx, "support-flow")
	require.NoError(t, err)
	assert.Equal(t, 2, draft.Version)
	assert.Equal(t, flow.StatusDraft, draft.Status)
	assert.NotEqual(t, active.ID, draft.ID)
	assert.Equal(t, active.Name, draft.Name)
	assert.Len(t, draft.Nodes, len(active.Nodes))

	// Version numbers keep climbing even when drafts pile up
	second, err := mgr.CreateVersion(ctx, "support-flow")
	require.NoError(t, err)
	assert.Equal(t, 3, second.Version)
}

func TestManager_CreateVersionWithoutActive(t *testing.T) {
	mgr, _ := setupManager(t)

	_, err := mgr.CreateVersion(context.Background(), "no-such-flow")
	assert.ErrorIs(t, err, flow.ErrDefinitionNotFound)
}

func TestManager_ActivateVersion(t *testing.T) {
	mgr, defs := setupManager(t)
	ctx := context.Background()

	v1 := seedActive(t, defs, "support-flow", 1)
	draft, err := mgr.CreateVersion(ctx, "support-flow")
	require.NoError(t, err)

	require.NoError(t, mgr.ActivateVersion(ctx, draft.ID))

	old, err := defs.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusInactive, old.Status)

	current, err := defs.GetActiveByName(ctx, "support-flow")
	require.NoError(t, err)
	assert.Equal(t, draft.ID, current.ID)
}

func TestManager_ActivateRejectsBrokenGraph(t *testing.T) {
	mgr, defs := setupManager(t)
	ctx := context.Background()

	seedActive(t, defs, "support-flow", 1)
	draft, err := mgr.CreateVersion(ctx, "support-flow")
	require.NoError(t, err)

	// Point an edge at a node that does not exist
	draft.Edges[0].Target = "missing"
	require.NoError(t, defs.Update(ctx, draft))

	err = mgr.ActivateVersion(ctx, draft.ID)
	assert.ErrorIs(t, err, flow.ErrGraphIntegrity)
}

func TestManager_RollbackPreservesHistory(t *testing.T) {
	mgr, defs := setupManager(t)
	ctx := context.Background()

	v1 := seedActive(t, defs, "support-flow", 1)
	v2, err := mgr.CreateVersion(ctx, "support-flow")
	require.NoError(t, err)
	require.NoError(t, mgr.ActivateVersion(ctx, v2.ID))

	require.NoError(t, mgr.RollbackVersion(ctx, v1.ID))

	versions, err := mgr.ListVersions(ctx, "support-flow")
	require.NoError(t, err)
	require.Len(t, versions, 2)

	current, err := defs.GetActiveByName(ctx, "support-flow")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, current.ID)

	rolled, err := defs.GetByID(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusInactive, rolled.Status)
}

func TestManager_RollbackToActiveIsNoOp(t *testing.T) {
	mgr, defs := setupManager(t)
	ctx := context.Background()

	v1 := seedActive(t, defs, "support-flow", 1)
	require.NoError(t, mgr.RollbackVersion(ctx, v1.ID))

	current, err := defs.GetActiveByName(ctx, "support-flow")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, current.ID)
}

func TestManager_RollbackMissingVersion(t *testing.T) {
	mgr, _ := setupManager(t)

	err := mgr.RollbackVersion(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, flow.ErrVersionNotFound)
}
