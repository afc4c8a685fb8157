package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperStopsIdleSandbox(t *testing.T) {
	h := newHarness(t, defaultCapacity())
	ctx := context.Background()
	_, err := h.m.CreateSandbox(ctx, spec("idle", absolute(1, 1)))
	require.NoError(t, err)
	_, err = h.m.CreateSandbox(ctx, spec("busy", absolute(1, 1)))
	require.NoError(t, err)

	reaper := NewReaper(h.m, 300*time.Second, 30*time.Second)
	assert.Zero(t, reaper.RunOnce(ctx))

	h.clock.Step(400 * time.Second)
	require.True(t, h.m.Touch("busy"))
	assert.Equal(t, 1, reaper.RunOnce(ctx))

	st, _ := h.m.Status("idle")
	assert.Equal(t, model.StateStopped, st.State)
	st, _ = h.m.Status("busy")
	assert.Equal(t, model.StateRunning, st.State)
	assert.Equal(t, 1, h.ledger.Snapshot().Reservations)

	// A second scan finds nothing left to do.
	assert.Zero(t, reaper.RunOnce(ctx))
}

func TestReaperRetriesDirtyFailure(t *testing.T) {
	h := newHarness(t, defaultCapacity())
	ctx := context.Background()
	h.rt.set(func(f *fakeRuntime) {
		f.launchErr = errors.New("crash loop")
		f.failTeardowns = 1
	})
	_, err := h.m.CreateSandbox(ctx, spec("dirty", absolute(1, 1)))
	require.Error(t, err)
	ids, _ := h.rt.Sandboxes(ctx)
	assert.Equal(t, []string{"dirty"}, ids, "failed cleanup leaves the network behind")

	reaper := NewReaper(h.m, time.Minute, time.Second)
	assert.Equal(t, 1, reaper.RunOnce(ctx))
	st, _ := h.m.Status("dirty")
	assert.Equal(t, model.StateStopped, st.State)
	ids, _ = h.rt.Sandboxes(ctx)
	assert.Empty(t, ids)
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, defaultCapacity())
	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.m.CreateSandbox(ctx, spec("ticked", absolute(1, 1)))
	require.NoError(t, err)

	reaper := NewReaper(h.m, time.Minute, 10*time.Second)
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)
	h.clock.Step(2 * time.Minute)
	require.Eventually(t, func() bool {
		st, _ := h.m.Status("ticked")
		return st.State == model.StateStopped
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
