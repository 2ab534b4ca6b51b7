package schedule

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/handler/builtin"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/supervisor"
	"github.com/loomworks/loom/internal/workflow"
)

func TestScheduler_FiresStoredWorkflow(t *testing.T) {
	reg := handler.NewRegistry()
	builtin.Register(reg)
	store := storage.NewMemory()
	sup, err := supervisor.New(reg, store, nil, slog.Default())
	require.NoError(t, err)
	sup.WithStore(store)

	def := workflow.Definition{
		ID: "wf1", UserID: "u1",
		Nodes: []workflow.Node{{ID: "n", Type: "noop", Data: workflow.NodeData{Name: "n"}}},
	}
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	require.NoError(t, store.SaveWorkflow(context.Background(), &workflow.Workflow{
		ID: "wf1", UserID: "u1", Definition: raw,
	}))

	sched := New(sup, store, slog.Default())
	require.NoError(t, sched.Add("@every 50ms", "wf1", map[string]any{"source": "cron"}))
	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return len(store.ExecutionRecords()) >= 1
	}, 3*time.Second, 20*time.Millisecond)
	rec := store.ExecutionRecords()[0]
	assert.Equal(t, "wf1", rec.WorkflowID)
	assert.Equal(t, "completed", rec.State)
}

func TestScheduler_AddRejectsBadSpec(t *testing.T) {
	reg := handler.NewRegistry()
	builtin.Register(reg)
	store := storage.NewMemory()
	sup, err := supervisor.New(reg, store, nil, slog.Default())
	require.NoError(t, err)

	sched := New(sup, store, slog.Default())
	assert.Error(t, sched.Add("not a cron spec", "wf1", nil))
}

func TestScheduler_RemoveStopsFiring(t *testing.T) {
	reg := handler.NewRegistry()
	builtin.Register(reg)
	store := storage.NewMemory()
	sup, err := supervisor.New(reg, store, nil, slog.Default())
	require.NoError(t, err)

	sched := New(sup, store, slog.Default())
	require.NoError(t, sched.Add("@every 1h", "wf1", nil))
	sched.Remove("wf1")
	assert.Empty(t, sched.entries)
}
