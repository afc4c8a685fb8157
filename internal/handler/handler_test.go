package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fslongjin/sandboxd/internal/lifecycle"
	"github.com/fslongjin/sandboxd/internal/store"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrchestrator struct {
	mu        sync.Mutex
	running   map[string]bool
	startErr  error
	groupReq  model.StartGroupRequest
	adjustMul float64
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{running: map[string]bool{}}
}

func (f *fakeOrchestrator) CreateSandbox(_ context.Context, spec model.SandboxSpec) (model.StartSandboxResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return model.StartSandboxResponse{}, f.startErr
	}
	f.running[spec.ID] = true
	return model.StartSandboxResponse{SandboxURL: "http://gw/sandboxes/" + spec.ID, AccessToken: "tok"}, nil
}

func (f *fakeOrchestrator) EndSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; !ok {
		return model.NewNotFoundError(id)
	}
	f.running[id] = false
	return nil
}

func (f *fakeOrchestrator) Status(id string) (model.SandboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[id]
	if !ok {
		return model.SandboxStatus{}, model.NewNotFoundError(id)
	}
	state := model.StateStopped
	if running {
		state = model.StateRunning
	}
	return model.SandboxStatus{ID: id, State: state}, nil
}

func (f *fakeOrchestrator) List() []model.SandboxStatus {
	st, _ := f.Status("a")
	return []model.SandboxStatus{st}
}

func (f *fakeOrchestrator) History(_ context.Context, id string, limit int, beforeID int64) ([]store.SandboxStatusHistoryRecord, error) {
	out := []store.SandboxStatusHistoryRecord{
		{ID: 3, SandboxID: id, Source: "api", FromStatus: "starting", ToStatus: "running"},
		{ID: 2, SandboxID: id, Source: "api", FromStatus: "building", ToStatus: "starting"},
		{ID: 1, SandboxID: id, Source: "api", FromStatus: "created", ToStatus: "building"},
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeOrchestrator) AdjustResourceLimits(_ context.Context, id string, multiplier float64) (model.ComputeResources, error) {
	if multiplier != 0 && multiplier < 1 {
		return model.ComputeResources{}, model.NewConfigurationError("multiplier below 1")
	}
	if id == "full" {
		return model.ComputeResources{}, model.NewResourceError("insufficient capacity").WithSandbox(id)
	}
	return model.ComputeResources{CPUCores: 1, RAMGB: 2.6, Unit: model.UnitAbsolute}, nil
}

func (f *fakeOrchestrator) StartGroup(_ context.Context, req model.StartGroupRequest) (model.GroupResult, error) {
	f.groupReq = req
	for _, a := range req.DatabaseAccess {
		if err := a.Normalize().Validate(); err != nil {
			return model.GroupResult{}, err
		}
	}
	return model.GroupResult{Status: "started", Failed: map[string]string{}}, nil
}

func (f *fakeOrchestrator) EndGroup(context.Context) model.GroupResult {
	return model.GroupResult{Status: "stopped", Succeeded: []string{"a"}, Failed: map[string]string{"b": "SandboxStopError: boom"}}
}

func (f *fakeOrchestrator) GroupStatus() model.GroupStatus {
	return model.GroupStatus{ID: "grp-1", Active: true}
}

func (f *fakeOrchestrator) AdjustGroup(_ context.Context, multiplier float64) model.GroupResult {
	f.adjustMul = multiplier
	return model.GroupResult{Status: "adjusted", Succeeded: []string{"a"}}
}

func (f *fakeOrchestrator) ResourceSummary() model.ResourceSummary {
	return model.ResourceSummary{Reservations: 1}
}

func (f *fakeOrchestrator) Usage() map[string]model.UsageSample {
	return map[string]model.UsageSample{"a": {RAMGB: 1}}
}

type fakeCatalog struct{ err error }

func (f fakeCatalog) Catalog() ([]model.ToolDescriptor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []model.ToolDescriptor{{Name: "add", Module: "calc.py", Signature: "def add(a, b)"}}, nil
}

type fakeLogs struct{}

func (fakeLogs) Logs(_ context.Context, id string, _ int64) (string, error) {
	return "log line from " + id, nil
}

func newRouter(t *testing.T) (*gin.Engine, *fakeOrchestrator, *lifecycle.EventHub, *lifecycle.DrainManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	orch := newFakeOrchestrator()
	hub := lifecycle.NewEventHub()
	drain := lifecycle.NewDrainManager()

	r := gin.New()
	api := &r.RouterGroup
	NewSandboxHandler(orch, fakeLogs{}).RegisterRoutes(api)
	NewGroupHandler(orch).RegisterRoutes(api)
	NewSystemHandler(orch, fakeCatalog{}, drain).RegisterRoutes(api)
	NewEventsHandler(hub, drain).RegisterRoutes(api)
	return r, orch, hub, drain
}

func request(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorResponse {
	t.Helper()
	var body model.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestSandboxStartAndStop(t *testing.T) {
	r, _, _, _ := newRouter(t)

	w := request(r, http.MethodPost, "/sandbox/start", gin.H{
		"id":                "a",
		"tools":             []string{"calc.py"},
		"compute_resources": gin.H{"cpu_cores": 1, "ram_gb": 1, "disk_gb": 1, "memory_bandwidth_gbps": 1, "unit": "absolute"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp model.StartSandboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "http://gw/sandboxes/a", resp.SandboxURL)

	w = request(r, http.MethodGet, "/sandbox/a/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"running"`)

	w = request(r, http.MethodPost, "/sandbox/stop", gin.H{"id": "a"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"stopped"}`, w.Body.String())

	w = request(r, http.MethodPost, "/sandbox/stop", gin.H{"id": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, model.KindSandboxNotStarted, decodeError(t, w).Kind)
}

func TestSandboxStartErrorMapping(t *testing.T) {
	r, orch, _, _ := newRouter(t)
	cases := []struct {
		name   string
		err    error
		status int
		kind   model.ErrorKind
	}{
		{"resource", model.NewResourceError("insufficient cpu"), http.StatusConflict, model.KindResource},
		{"tool", model.NewToolError(nil, "unresolved tool path"), http.StatusUnprocessableEntity, model.KindTool},
		{"start", model.NewSandboxStartError(errors.New("image pull"), "launch failed"), http.StatusBadGateway, model.KindSandboxStart},
		{"configuration", model.NewConfigurationError("bad unit"), http.StatusBadRequest, model.KindConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orch.startErr = tc.err
			w := request(r, http.MethodPost, "/sandbox/start", gin.H{"id": "x"})
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.kind, decodeError(t, w).Kind)
		})
	}

	orch.startErr = nil
	w := request(r, http.MethodPost, "/sandbox/start", gin.H{"tools": []string{"calc.py"}})
	assert.Equal(t, http.StatusBadRequest, w.Code, "id is required")
}

func TestSandboxHistoryAndLogs(t *testing.T) {
	r, _, _, _ := newRouter(t)
	request(r, http.MethodPost, "/sandbox/start", gin.H{"id": "a"})

	w := request(r, http.MethodGet, "/sandbox/a/history?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist statusHistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.Items, 2)
	assert.Equal(t, "running", hist.Items[0].ToStatus)
	assert.EqualValues(t, 2, hist.NextBeforeID)

	w = request(r, http.MethodGet, "/sandbox/a/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "log line from a")

	assert.Equal(t, http.StatusNotFound, request(r, http.MethodGet, "/sandbox/ghost/logs", nil).Code)
}

func TestSandboxAdjust(t *testing.T) {
	r, _, _, _ := newRouter(t)

	w := request(r, http.MethodPost, "/sandbox/adjust", gin.H{"id": "a", "multiplier": 1.3})
	require.Equal(t, http.StatusOK, w.Code)
	var resp model.AdjustResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.InDelta(t, 2.6, resp.Resources.RAMGB, 1e-9)

	assert.Equal(t, http.StatusConflict, request(r, http.MethodPost, "/sandbox/adjust", gin.H{"id": "full"}).Code)
	assert.Equal(t, http.StatusBadRequest, request(r, http.MethodPost, "/sandbox/adjust", gin.H{"id": "a", "multiplier": 0.5}).Code)
	assert.Equal(t, http.StatusBadRequest, request(r, http.MethodPost, "/sandbox/adjust", gin.H{}).Code)
}

func TestGroupRoutes(t *testing.T) {
	r, orch, _, _ := newRouter(t)

	w := request(r, http.MethodPost, "/group/start", gin.H{
		"database_access":                    []gin.H{{"database_type": "VECTOR", "access_type": "READ", "namespaces": []string{"docs"}}},
		"initial_database_population_config": "/seed.yaml",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"started"`)
	assert.Equal(t, "/seed.yaml", orch.groupReq.PopulationConfig)

	w = request(r, http.MethodPost, "/group/start", gin.H{
		"database_access": []gin.H{{"database_type": "VECTOR", "access_type": "READ"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(r, http.MethodPost, "/group/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stop model.GroupResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stop))
	assert.Equal(t, "stopped", stop.Status)
	assert.Contains(t, stop.Failed, "b")

	w = request(r, http.MethodPost, "/group/adjust", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, orch.adjustMul)
	w = request(r, http.MethodPost, "/group/adjust", gin.H{"multiplier": 1.5})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.5, orch.adjustMul)
	assert.Equal(t, http.StatusBadRequest, request(r, http.MethodPost, "/group/adjust", gin.H{"multiplier": 0.2}).Code)

	w = request(r, http.MethodGet, "/group/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active":true`)
}

func TestSystemRoutes(t *testing.T) {
	r, _, _, drain := newRouter(t)

	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "/readyz", nil).Code)

	w := request(r, http.MethodGet, "/resources", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reservations":1`)

	w = request(r, http.MethodGet, "/resources/usage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"a"`)

	w = request(r, http.MethodGet, "/tools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"calc.py"`)

	drain.StartDraining()
	assert.Equal(t, http.StatusServiceUnavailable, request(r, http.MethodGet, "/readyz", nil).Code)
}

func TestEventsStream(t *testing.T) {
	r, _, hub, drain := newRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?sandbox_id=a"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(model.StatusTransition{SandboxID: "b", To: model.StateBuilding})
	hub.Publish(model.StatusTransition{SandboxID: "a", From: model.StateCreated, To: model.StateBuilding})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev model.StatusTransition
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "a", ev.SandboxID)
	assert.Equal(t, model.StateBuilding, ev.To)

	drain.StartDraining()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, drain.WaitStreams(ctx))
}
