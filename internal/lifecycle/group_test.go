package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartGroupPartialFailure(t *testing.T) {
	h := newHarness(t, defaultCapacity())
	ctx := context.Background()

	res, err := h.m.StartGroup(ctx, model.StartGroupRequest{
		DatabaseAccess:   []model.DatabaseAccess{{DatabaseType: "graph", AccessType: "read_write", Namespaces: []string{"kg"}}},
		PopulationConfig: "/seed/population.yaml",
		ComputeResources: absolute(1, 2),
		Sandboxes: []model.StartSandboxRequest{
			{ID: "m1", Tools: []string{"calc.py"}},
			{ID: "m2", Tools: []string{"web"}},
			{ID: "m3", Tools: []string{"missing.py"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "started", res.Status)
	assert.Equal(t, []string{"m1", "m2"}, res.Succeeded)
	require.Contains(t, res.Failed, "m3")
	assert.Contains(t, res.Failed["m3"], string(model.KindTool))
	assert.Equal(t, "/seed/population.yaml", h.stores.path)
	require.Len(t, h.stores.access, 1)

	st, err := h.m.Status("m1")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, st.State)
	assert.InDelta(t, 2, st.Resources.RAMGB, 1e-9, "members inherit the group defaults")
	require.Len(t, st.Databases, 1)
	assert.Equal(t, model.DatabaseGraph, st.Databases[0].DatabaseType)

	gs := h.m.GroupStatus()
	assert.True(t, gs.Active)
	assert.Len(t, gs.Sandboxes, 3)

	_, err = h.m.StartGroup(ctx, model.StartGroupRequest{})
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))

	stop := h.m.EndGroup(ctx)
	assert.Equal(t, "stopped", stop.Status)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, stop.Succeeded)
	assert.Empty(t, stop.Failed)
	assert.Zero(t, h.ledger.Snapshot().Reservations)
	assert.False(t, h.m.GroupStatus().Active)

	// Ending again is idempotent.
	again := h.m.EndGroup(ctx)
	assert.Equal(t, "stopped", again.Status)
	assert.Empty(t, again.Failed)
}

func TestStartGroupDatastoreFailure(t *testing.T) {
	h := newHarness(t, defaultCapacity())
	h.stores.err = model.NewDatabaseError(errors.New("seed file missing"), "failed to populate datastores")

	_, err := h.m.StartGroup(context.Background(), model.StartGroupRequest{
		DatabaseAccess: []model.DatabaseAccess{{DatabaseType: "vector", AccessType: "read", Namespaces: []string{"docs"}}},
	})
	assert.Equal(t, model.KindDatabase, model.KindOf(err))
	assert.False(t, h.m.GroupStatus().Active)
}

func TestStartGroupClaimsSlotBeforeSeeding(t *testing.T) {
	h := newHarness(t, defaultCapacity())
	ctx := context.Background()
	req := model.StartGroupRequest{
		DatabaseAccess: []model.DatabaseAccess{{DatabaseType: "vector", AccessType: "read", Namespaces: []string{"docs"}}},
	}
	var concurrentErr error
	h.stores.onInit = func() {
		h.stores.onInit = nil
		_, concurrentErr = h.m.StartGroup(ctx, req)
	}

	_, err := h.m.StartGroup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.KindConfiguration, model.KindOf(concurrentErr))
	assert.Equal(t, 1, h.stores.calls, "only the winning start seeds datastores")
	assert.True(t, h.m.GroupStatus().Active)
}

func TestStartGroupSeedFailureReleasesSlot(t *testing.T) {
	h := newHarness(t, defaultCapacity())
	ctx := context.Background()
	req := model.StartGroupRequest{
		DatabaseAccess: []model.DatabaseAccess{{DatabaseType: "vector", AccessType: "read", Namespaces: []string{"docs"}}},
	}
	h.stores.err = model.NewDatabaseError(errors.New("seed file missing"), "failed to populate datastores")
	_, err := h.m.StartGroup(ctx, req)
	require.Error(t, err)

	h.stores.err = nil
	_, err = h.m.StartGroup(ctx, req)
	require.NoError(t, err)
	assert.True(t, h.m.GroupStatus().Active)
}

func TestStartGroupRejectsInvalidAccess(t *testing.T) {
	h := newHarness(t, defaultCapacity())
	_, err := h.m.StartGroup(context.Background(), model.StartGroupRequest{
		DatabaseAccess: []model.DatabaseAccess{{DatabaseType: "vector", AccessType: "read"}},
	})
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
}

func TestStartSandboxesAdmissionPartial(t *testing.T) {
	h := newHarness(t, defaultCapacity())
	specs := []model.SandboxSpec{
		spec("p1", absolute(2, 1)),
		spec("p2", absolute(2, 1)),
		spec("p3", absolute(2, 1)),
	}
	res := h.m.StartSandboxes(context.Background(), specs)
	assert.Len(t, res.Succeeded, 2)
	assert.Len(t, res.Failed, 1)
	assert.Equal(t, "partial", res.Status)
	assert.InDelta(t, 4, h.ledger.Snapshot().Committed.CPUCores, 1e-9)
}
