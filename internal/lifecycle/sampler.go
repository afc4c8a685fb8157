package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/pkg/model"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// SampleWindow is the number of usage samples kept per sandbox.
const SampleWindow = 5

// usageRing keeps the most recent SampleWindow samples.
type usageRing struct {
	buf  [SampleWindow]model.UsageSample
	n    int
	next int
}

func newUsageRing() *usageRing { return &usageRing{} }

func (r *usageRing) Add(s model.UsageSample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % SampleWindow
	if r.n < SampleWindow {
		r.n++
	}
}

func (r *usageRing) Len() int { return r.n }

// Max returns the per-dimension maximum over the window.
func (r *usageRing) Max() model.UsageSample {
	out := model.UsageSample{Unit: model.UnitAbsolute}
	for i := 0; i < r.n; i++ {
		for _, d := range model.Dimensions {
			if v := r.buf[i].Get(d); v > out.Get(d) {
				out.Set(d, v)
			}
		}
	}
	return out
}

func (r *usageRing) Latest() (model.UsageSample, bool) {
	if r.n == 0 {
		return model.UsageSample{}, false
	}
	return r.buf[(r.next+SampleWindow-1)%SampleWindow], true
}

// UsageProber reads the current resource usage of a sandbox instance.
type UsageProber interface {
	Usage(ctx context.Context, addr string) (model.UsageSample, error)
}

// HTTPProber asks the sandbox agent for its usage.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Usage(ctx context.Context, addr string) (model.UsageSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/resource_usage", nil)
	if err != nil {
		return model.UsageSample{}, fmt.Errorf("failed to build usage request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return model.UsageSample{}, fmt.Errorf("failed to fetch usage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.UsageSample{}, fmt.Errorf("usage endpoint returned %s", resp.Status)
	}
	var sample model.UsageSample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return model.UsageSample{}, fmt.Errorf("failed to decode usage: %w", err)
	}
	sample.Unit = model.UnitAbsolute
	return sample, nil
}

// RecordSample appends a usage sample to a running sandbox.
func (m *Manager) RecordSample(id string, s model.UsageSample) bool {
	return m.recordSample(id, nil, s)
}

// recordSample drops the sample when target no longer describes the current
// life of the sandbox.
func (m *Manager) recordSample(id string, target *probeTarget, s model.UsageSample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok || sb.state != model.StateRunning || sb.samples == nil {
		return false
	}
	if target != nil && (sb.address != target.addr || sb.samples != target.ring) {
		return false
	}
	sb.samples.Add(s)
	return true
}

// Usage returns the latest sample of every running sandbox that has one.
func (m *Manager) Usage() map[string]model.UsageSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.UsageSample)
	for id, sb := range m.sandboxes {
		if sb.state != model.StateRunning || sb.samples == nil {
			continue
		}
		if s, ok := sb.samples.Latest(); ok {
			out[id] = s
		}
	}
	return out
}

type probeTarget struct {
	addr string
	ring *usageRing
}

func (m *Manager) running() map[string]probeTarget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]probeTarget)
	for id, sb := range m.sandboxes {
		if sb.state == model.StateRunning && sb.address != "" {
			out[id] = probeTarget{addr: sb.address, ring: sb.samples}
		}
	}
	return out
}

// Sampler periodically collects usage samples from running sandboxes.
type Sampler struct {
	manager     *Manager
	prober      UsageProber
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	clock       clock.Clock
}

func NewSampler(m *Manager, prober UsageProber, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sampler{
		manager:     m,
		prober:      prober,
		interval:    interval,
		timeout:     5 * time.Second,
		concurrency: 16,
		clock:       m.clock,
	}
}

// RunOnce samples every running sandbox and returns how many samples landed.
func (s *Sampler) RunOnce(ctx context.Context) int {
	logger := logx.LoggerWithRequestID(ctx).With("component", "usage_sampler")
	targets := s.manager.running()

	var recorded int
	results := make(chan bool, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for id, target := range targets {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			sample, err := s.prober.Usage(probeCtx, target.addr)
			if err != nil {
				logger.Debug("usage probe failed", "sandbox_id", id, "error", err)
				s.manager.opts.Metrics.Sample(false)
				results <- false
				return nil
			}
			s.manager.opts.Metrics.Sample(true)
			results <- s.manager.recordSample(id, &target, sample)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	for ok := range results {
		if ok {
			recorded++
		}
	}
	return recorded
}

func (s *Sampler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.RunOnce(logx.WithRequestID(ctx, logx.NewJobID()))
		}
	}
}
