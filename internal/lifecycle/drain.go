package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errDrainTimeout = errors.New("timeout waiting for event streams to drain")

// DrainManager tracks shutdown state and the event streams still open. New
// sandboxes are refused once draining starts.
type DrainManager struct {
	draining atomic.Bool
	active   atomic.Int64
	wg       sync.WaitGroup
	once     sync.Once
	done     chan struct{}
}

func NewDrainManager() *DrainManager {
	return &DrainManager{done: make(chan struct{})}
}

func (m *DrainManager) StartDraining() {
	m.draining.Store(true)
	m.once.Do(func() { close(m.done) })
}

// Draining is closed once draining starts.
func (m *DrainManager) Draining() <-chan struct{} {
	if m == nil {
		return nil
	}
	return m.done
}

func (m *DrainManager) IsDraining() bool {
	if m == nil {
		return false
	}
	return m.draining.Load()
}

func (m *DrainManager) ActiveStreams() int64 {
	return m.active.Load()
}

// TrackStream registers an open event stream and returns its release callback.
func (m *DrainManager) TrackStream() func() {
	m.wg.Add(1)
	m.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.active.Add(-1)
			m.wg.Done()
		})
	}
}

// WaitStreams blocks until every tracked stream is released or ctx ends.
func (m *DrainManager) WaitStreams(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return errDrainTimeout
	case <-done:
		return nil
	}
}
