package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeResourcesValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      ComputeResources
		wantErr bool
	}{
		{"absolute", ComputeResources{CPUCores: 2, RAMGB: 4, DiskGB: 10, MemoryBandwidthGBPS: 1}, false},
		{"relative", ComputeResources{CPUCores: 0.5, RAMGB: 1, DiskGB: 0.1, MemoryBandwidthGBPS: 0.2, Unit: "relative"}, false},
		{"zero cpu", ComputeResources{RAMGB: 4, DiskGB: 10, MemoryBandwidthGBPS: 1}, true},
		{"negative ram", ComputeResources{CPUCores: 1, RAMGB: -1, DiskGB: 10, MemoryBandwidthGBPS: 1}, true},
		{"relative above one", ComputeResources{CPUCores: 1.5, RAMGB: 1, DiskGB: 1, MemoryBandwidthGBPS: 1, Unit: UnitRelative}, true},
		{"bad unit", ComputeResources{CPUCores: 1, RAMGB: 1, DiskGB: 1, MemoryBandwidthGBPS: 1, Unit: "PERCENT"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindConfiguration, KindOf(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestComputeResourcesAbsolute(t *testing.T) {
	capacity := ComputeResources{CPUCores: 8, RAMGB: 32, DiskGB: 100, MemoryBandwidthGBPS: 10, Unit: UnitAbsolute}
	got := ComputeResources{CPUCores: 0.5, RAMGB: 0.25, DiskGB: 0.1, MemoryBandwidthGBPS: 1, Unit: UnitRelative}.Absolute(capacity)
	assert.Equal(t, UnitAbsolute, got.Unit)
	assert.InDelta(t, 4, got.CPUCores, 1e-9)
	assert.InDelta(t, 8, got.RAMGB, 1e-9)
	assert.InDelta(t, 10, got.DiskGB, 1e-9)
	assert.InDelta(t, 10, got.MemoryBandwidthGBPS, 1e-9)
}

func TestDatabaseAccessValidateAndPermits(t *testing.T) {
	empty := DatabaseAccess{DatabaseType: DatabaseVector, AccessType: AccessRead}
	require.Error(t, empty.Validate())

	grant := DatabaseAccess{DatabaseType: "vector", AccessType: "read", Namespaces: []string{"b", "a", "b"}}.Normalize()
	require.NoError(t, grant.Validate())
	assert.Equal(t, []string{"a", "b"}, grant.Namespaces)
	assert.True(t, grant.Permits(DatabaseVector, "a", false))
	assert.False(t, grant.Permits(DatabaseVector, "a", true))
	assert.False(t, grant.Permits(DatabaseGraph, "a", false))
	assert.False(t, grant.Permits(DatabaseVector, "c", false))

	rw := DatabaseAccess{DatabaseType: DatabaseGraph, AccessType: AccessWrite, Namespaces: []string{"g"}}
	assert.True(t, rw.Permits(DatabaseGraph, "g", true))
	assert.False(t, rw.Permits(DatabaseGraph, "g", false))
}

func TestSandboxSpecValidate(t *testing.T) {
	spec := SandboxSpec{
		ID:        "sbx-1",
		Resources: ComputeResources{CPUCores: 1, RAMGB: 1, DiskGB: 1, MemoryBandwidthGBPS: 1},
	}
	require.NoError(t, spec.Validate())

	bad := spec
	bad.ID = "Not_Valid"
	assert.True(t, IsKind(bad.Validate(), KindConfiguration))

	dup := spec
	dup.Databases = []DatabaseAccess{
		{DatabaseType: DatabaseVector, AccessType: AccessRead, Namespaces: []string{"a"}},
		{DatabaseType: DatabaseVector, AccessType: AccessWrite, Namespaces: []string{"b"}},
	}
	assert.True(t, IsKind(dup.Validate(), KindConfiguration))
}

func TestSandboxSpecApplyDefaults(t *testing.T) {
	defaults := ComputeResources{CPUCores: 1, RAMGB: 2, DiskGB: 3, MemoryBandwidthGBPS: 4}
	dbs := []DatabaseAccess{{DatabaseType: DatabaseGraph, AccessType: AccessRead, Namespaces: []string{"kg"}}}

	spec := SandboxSpec{ID: " a "}
	spec.ApplyDefaults(defaults, dbs)
	assert.Equal(t, "a", spec.ID)
	assert.Equal(t, UnitAbsolute, spec.Resources.Unit)
	assert.Equal(t, 2.0, spec.Resources.RAMGB)
	require.Len(t, spec.Databases, 1)

	own := SandboxSpec{ID: "b", Resources: ComputeResources{CPUCores: 9, RAMGB: 9, DiskGB: 9, MemoryBandwidthGBPS: 9}}
	own.ApplyDefaults(defaults, nil)
	assert.Equal(t, 9.0, own.Resources.CPUCores)
	assert.Empty(t, own.Databases)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateCreated, StateBuilding))
	assert.True(t, CanTransition(StateBuilding, StateFailed))
	assert.True(t, CanTransition(StateFailed, StateStopping))
	assert.False(t, CanTransition(StateStopped, StateRunning))
	assert.False(t, CanTransition(StateCreated, StateFailed))
	assert.False(t, CanTransition(StateStopping, StateFailed))
}

func TestErrorKindThroughWrapping(t *testing.T) {
	base := NewToolError(errors.New("exit 1"), "build failed").WithSandbox("s1")
	wrapped := fmt.Errorf("create: %w", base)

	assert.Equal(t, KindTool, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindTool}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindResource}))
	assert.Contains(t, wrapped.Error(), "sandbox s1")
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestActionListKeepsOrder(t *testing.T) {
	body := `{"actions":{"zeta":{"description":"z","args":{"n":1}},"alpha":{"description":"a","args":{}},"mid":{"args":null}}}`
	var req ExecuteRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	require.Len(t, req.Actions, 3)
	assert.Equal(t, "zeta", req.Actions[0].Name)
	assert.Equal(t, "alpha", req.Actions[1].Name)
	assert.Equal(t, "mid", req.Actions[2].Name)
	assert.Equal(t, float64(1), req.Actions[0].Args["n"])

	out, err := json.Marshal(req.Actions)
	require.NoError(t, err)
	assert.Regexp(t, `^\{"zeta":.*"alpha":.*"mid":`, string(out))

	var bad ExecuteRequest
	assert.Error(t, json.Unmarshal([]byte(`{"actions":[1,2]}`), &bad))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{NewConfigurationError("bad"), 400},
		{NewToolError(nil, "missing"), 422},
		{NewResourceError("full"), 409},
		{NewSandboxNotStartedError("not running"), 409},
		{NewNotFoundError("x"), 404},
		{fmt.Errorf("wrapped: %w", NewSandboxStartError(errors.New("boom"), "launch")), 502},
		{NewDatabaseError(ErrAccessDenied, "write"), 403},
		{NewDatabaseError(errors.New("io"), "query"), 502},
		{ErrUnauthorized, 401},
		{errors.New("plain"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
	body := NewErrorResponse(NewToolError(nil, "missing"))
	assert.Equal(t, KindTool, body.Kind)
}
