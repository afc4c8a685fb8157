package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

// Each test function maps to a shell snippet so no python is needed.
var shellTools = map[string]string{
	"echo_args": `cat`,
	"greet":     `printf 'hello\n'`,
	"fail":      `echo broken >&2; exit 3`,
	"slow":      `sleep 5; echo late`,
}

func shellCommand(_, function string) []string {
	return []string{"-c", shellTools[function]}
}

func testManifest(dir string) *Manifest {
	return &Manifest{
		ToolsDir: dir,
		Tools: []model.ToolDescriptor{
			{Name: "echo_args", Module: "util.py"},
			{Name: "greet", Module: "util.py"},
			{Name: "fail", Module: "broken.py"},
			{Name: "slow", Module: "util.py"},
		},
	}
}

func actions(names ...string) model.ActionList {
	out := make(model.ActionList, 0, len(names))
	for _, n := range names {
		out = append(out, model.NamedAction{Name: n, ActionRequest: model.ActionRequest{Args: map[string]any{"x": 1}}})
	}
	return out
}

func TestLoadManifestAndResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hash":"abc","tools":[{"name":"add","module":"math/calc.py"}]}`), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tools"), m.ToolsDir)

	tool, modPath, ok := m.Resolve("math/calc.py:add")
	require.True(t, ok)
	assert.Equal(t, "add", tool.Name)
	assert.Equal(t, filepath.Join(dir, "tools", "math", "calc.py"), modPath)

	_, _, ok = m.Resolve("sub")
	assert.False(t, ok)

	_, err = LoadManifest(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestExecutorKeepsOrderAndIsolatesFailures(t *testing.T) {
	e := NewExecutor(testManifest(t.TempDir()), ExecutorConfig{Interpreter: "/bin/sh", Command: shellCommand, ActionTimeout: 5 * time.Second})

	obs := e.Execute(context.Background(), actions("greet", "missing", "fail", "echo_args"))
	require.Len(t, obs, 4)
	assert.Equal(t, "hello\n", obs[0].Stdout)
	assert.Contains(t, obs[1].Stderr, `tool "missing" not found`)
	assert.Contains(t, obs[2].Stderr, "broken")
	assert.Contains(t, obs[2].Stderr, "exit status 3")
	assert.JSONEq(t, `{"x":1}`, obs[3].Stdout)
	for _, o := range obs {
		assert.False(t, o.TerminalStillRunning)
	}
}

func TestExecutorReportsStillRunning(t *testing.T) {
	e := NewExecutor(testManifest(t.TempDir()), ExecutorConfig{Interpreter: "/bin/sh", Command: shellCommand, ActionTimeout: 50 * time.Millisecond})
	defer e.Close()

	obs := e.Execute(context.Background(), actions("slow", "greet"))
	require.Len(t, obs, 2)
	assert.True(t, obs[0].TerminalStillRunning)
	assert.Equal(t, "hello\n", obs[1].Stdout, "later actions still run")
	assert.Equal(t, 1, e.Running())

	e.Close()
	require.Eventually(t, func() bool { return e.Running() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func writeCgroup(t *testing.T, dir string, usageUsec, memory int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpu.stat"), []byte("usage_usec "+strconv.Itoa(usageUsec)+"\nuser_usec 1\nsystem_usec 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memory.current"), []byte(strconv.Itoa(memory)+"\n"), 0o644))
}

func TestUsageReader(t *testing.T) {
	cg := t.TempDir()
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "data.bin"), make([]byte, 1<<20), 0o644))
	clk := clocktesting.NewFakePassiveClock(time.Unix(1000, 0))
	r := NewUsageReader(cg, ws, clk)

	writeCgroup(t, cg, 1_000_000, 1<<30)
	first, err := r.Sample()
	require.NoError(t, err)
	assert.Zero(t, first.CPUCores)
	assert.InDelta(t, 1.0, first.RAMGB, 1e-9)
	assert.InDelta(t, 1.0/1024, first.DiskGB, 1e-9)
	assert.Equal(t, model.UnitAbsolute, first.Unit)

	clk.SetTime(time.Unix(1002, 0))
	writeCgroup(t, cg, 4_000_000, 1<<29)
	second, err := r.Sample()
	require.NoError(t, err)
	assert.InDelta(t, 1.5, second.CPUCores, 1e-9, "3s of cpu over 2s of wall time")
	assert.InDelta(t, 0.5, second.RAMGB, 1e-9)
	assert.Zero(t, second.MemoryBandwidthGBPS)

	_, err = NewUsageReader(t.TempDir(), "", clk).Sample()
	assert.Error(t, err)
}

type fixedUsage struct{ err error }

func (f fixedUsage) Sample() (model.UsageSample, error) {
	return model.UsageSample{CPUCores: 0.5, RAMGB: 1, Unit: model.UnitAbsolute}, f.err
}

func TestServerRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := NewExecutor(testManifest(t.TempDir()), ExecutorConfig{Interpreter: "/bin/sh", Command: shellCommand})
	r := NewServer("sb-1", e, fixedUsage{}).Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resource_usage", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var sample model.UsageSample
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sample))
	assert.Equal(t, 0.5, sample.CPUCores)

	body := `{"actions":{"greet":{"description":"say hi","args":{}},"echo_args":{"description":"echo","args":{"q":"go"}}}}`
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp model.ExecuteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Observations, 2)
	assert.Equal(t, "hello\n", resp.Observations[0].Stdout)
	assert.JSONEq(t, `{"q":"go"}`, resp.Observations[1].Stdout)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"actions":[1]}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
