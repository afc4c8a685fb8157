package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fslongjin/sandboxd/internal/deploy"
	"github.com/fslongjin/sandboxd/internal/ledger"
	"github.com/fslongjin/sandboxd/internal/tooltree"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
	clocktesting "k8s.io/utils/clock/testing"
)

type fakeRuntime struct {
	mu        sync.Mutex
	pods      map[string]bool
	networks  map[string]bool
	resized   map[string]model.ComputeResources
	teardowns int

	launchErr     error
	resizeErr     error
	failTeardowns int
	blockLaunch   bool
	onResize      func(id string)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		pods:     map[string]bool{},
		networks: map[string]bool{},
		resized:  map[string]model.ComputeResources{},
	}
}

func (f *fakeRuntime) Provision(_ context.Context, d *deploy.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[d.SandboxID] = true
	return nil
}

func (f *fakeRuntime) Launch(ctx context.Context, d *deploy.Descriptor) (string, error) {
	f.mu.Lock()
	block, err := f.blockLaunch, f.launchErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pods[d.SandboxID] = true
	return "10.0.0.1:8000", nil
}

func (f *fakeRuntime) Teardown(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	if f.failTeardowns > 0 {
		f.failTeardowns--
		return errors.New("api server unavailable")
	}
	delete(f.pods, id)
	delete(f.networks, id)
	return nil
}

func (f *fakeRuntime) Resize(_ context.Context, id string, res model.ComputeResources) error {
	f.mu.Lock()
	hook := f.onResize
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resizeErr != nil {
		return f.resizeErr
	}
	f.resized[id] = res
	return nil
}

func (f *fakeRuntime) Sandboxes(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	for id := range f.pods {
		seen[id] = true
	}
	for id := range f.networks {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeRuntime) teardownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardowns
}

func (f *fakeRuntime) set(fn func(f *fakeRuntime)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeImages struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeImages) Ensure(_ context.Context, tree *tooltree.Tree) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	d, err := tooltree.Hash(tree)
	if err != nil {
		return "", err
	}
	return "registry.local/sandbox@sha256:" + d.String(), nil
}

type fakeDatastores struct {
	access []model.DatabaseAccess
	path   string
	err    error
	calls  int
	onInit func()
}

func (f *fakeDatastores) InitGroup(_ context.Context, access []model.DatabaseAccess, path string) error {
	f.calls++
	f.access = access
	f.path = path
	if f.onInit != nil {
		f.onInit()
	}
	return f.err
}

type fakeProber struct {
	mu      sync.Mutex
	samples map[string]model.UsageSample
	onProbe func(addr string)
}

func (p *fakeProber) Usage(_ context.Context, addr string) (model.UsageSample, error) {
	p.mu.Lock()
	hook := p.onProbe
	p.mu.Unlock()
	if hook != nil {
		hook(addr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.samples[addr]
	if !ok {
		return model.UsageSample{}, errors.New("connection refused")
	}
	return s, nil
}

type harness struct {
	m       *Manager
	rt      *fakeRuntime
	images  *fakeImages
	stores  *fakeDatastores
	clock   *clocktesting.FakeClock
	ledger  *ledger.Ledger
	toolDir string
}

func absolute(cpu, ram float64) model.ComputeResources {
	return model.ComputeResources{CPUCores: cpu, RAMGB: ram, DiskGB: 1, MemoryBandwidthGBPS: 1, Unit: model.UnitAbsolute}
}

func writeTools(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"web/search.py": "def fetch(url):\n    return url\n",
		"calc.py":       "def add(a, b):\n    return a + b\n\n\ndef sub(a, b):\n    return a - b\n",
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func newHarness(t *testing.T, capacity model.ComputeResources) *harness {
	t.Helper()
	l, err := ledger.New(capacity, nil)
	require.NoError(t, err)
	h := &harness{
		rt:      newFakeRuntime(),
		images:  &fakeImages{},
		stores:  &fakeDatastores{},
		clock:   clocktesting.NewFakeClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		ledger:  l,
		toolDir: writeTools(t),
	}
	m, err := NewManager(Options{
		Runtime:         h.rt,
		Ledger:          l,
		Assembler:       tooltree.NewAssembler(h.toolDir),
		Images:          h.images,
		Datastores:      h.stores,
		Clock:           h.clock,
		PublicURL:       "http://gateway.local/",
		StartTimeout:    time.Second,
		TeardownBackoff: wait.Backoff{Steps: 1, Duration: time.Millisecond},
	})
	require.NoError(t, err)
	h.m = m
	return h
}

func defaultCapacity() model.ComputeResources {
	return model.ComputeResources{CPUCores: 4, RAMGB: 16, DiskGB: 100, MemoryBandwidthGBPS: 10, Unit: model.UnitAbsolute}
}

func spec(id string, res model.ComputeResources, tools ...string) model.SandboxSpec {
	return model.SandboxSpec{ID: id, Tools: tools, Resources: res}
}
