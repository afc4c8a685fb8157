// Package ledger is the cluster admission controller: it tracks committed
// reservations against total capacity for every resource dimension.
package ledger

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/oklog/ulid/v2"
)

// epsilon absorbs float rounding when comparing committed totals to capacity.
const epsilon = 1e-9

// Handle identifies one reservation.
type Handle string

// Snapshot is a consistent view of the ledger.
type Snapshot struct {
	Capacity     model.ComputeResources
	Committed    model.ComputeResources
	Available    model.ComputeResources
	Reservations int
}

// Observer receives a snapshot after every committed mutation.
type Observer interface {
	ObserveLedger(Snapshot)
}

// Ledger serializes reserve/release/adjust behind one mutex so no caller can
// observe a transient over-commitment.
type Ledger struct {
	mu           sync.Mutex
	capacity     model.ComputeResources
	committed    model.ComputeResources
	reservations map[Handle]model.ComputeResources
	entropy      *ulid.MonotonicEntropy
	observer     Observer
}

// New creates a ledger for the given absolute capacity.
func New(capacity model.ComputeResources, observer Observer) (*Ledger, error) {
	capacity = capacity.Normalize()
	if capacity.Unit != model.UnitAbsolute {
		return nil, model.NewConfigurationError("ledger capacity must be expressed in absolute units")
	}
	if err := capacity.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		capacity:     capacity,
		committed:    model.ComputeResources{Unit: model.UnitAbsolute},
		reservations: make(map[Handle]model.ComputeResources),
		entropy:      ulid.Monotonic(rand.Reader, 0),
		observer:     observer,
	}
	l.notifyLocked()
	return l, nil
}

// Reserve converts req to absolute units against the current capacity and
// commits it only if every dimension fits.
func (l *Ledger) Reserve(req model.ComputeResources) (Handle, model.ComputeResources, error) {
	if err := req.Validate(); err != nil {
		return "", model.ComputeResources{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	abs := req.Absolute(l.capacity)
	if err := l.admitLocked(abs, model.ComputeResources{}); err != nil {
		return "", model.ComputeResources{}, err
	}

	id, err := ulid.New(ulid.Timestamp(time.Now()), l.entropy)
	if err != nil {
		return "", model.ComputeResources{}, fmt.Errorf("failed to generate reservation handle: %w", err)
	}
	h := Handle(id.String())
	l.reservations[h] = abs
	l.addLocked(abs, 1)
	l.notifyLocked()
	return h, abs, nil
}

// Release returns a reservation to the pool. Releasing an unknown or already
// released handle is a no-op and reports false.
func (l *Ledger) Release(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount, ok := l.reservations[h]
	if !ok {
		return false
	}
	delete(l.reservations, h)
	l.addLocked(amount, -1)
	l.notifyLocked()
	return true
}

// Adjust replaces the amount held by h with target. Only the delta is
// admitted; a rejected adjustment leaves the reservation unchanged.
func (l *Ledger) Adjust(h Handle, target model.ComputeResources) (model.ComputeResources, error) {
	if err := target.Validate(); err != nil {
		return model.ComputeResources{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.reservations[h]
	if !ok {
		return model.ComputeResources{}, model.NewResourceError("reservation %s does not exist", h)
	}
	abs := target.Absolute(l.capacity)
	if err := l.admitLocked(abs, current); err != nil {
		return current, err
	}
	l.addLocked(current, -1)
	l.addLocked(abs, 1)
	l.reservations[h] = abs
	l.notifyLocked()
	return abs, nil
}

// Get returns the amount currently held by h.
func (l *Ledger) Get(h Handle) (model.ComputeResources, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.reservations[h]
	return amount, ok
}

// Capacity returns the total capacity in absolute units.
func (l *Ledger) Capacity() model.ComputeResources {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// Snapshot returns a consistent view of the ledger totals.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// admitLocked checks committed - previous + next <= capacity for every dimension.
func (l *Ledger) admitLocked(next, previous model.ComputeResources) error {
	for _, d := range model.Dimensions {
		after := l.committed.Get(d) - previous.Get(d) + next.Get(d)
		if after > l.capacity.Get(d)+epsilon {
			available := l.capacity.Get(d) - l.committed.Get(d) + previous.Get(d)
			return model.NewResourceError("insufficient %s: requested %g, available %g of %g",
				d, next.Get(d), available, l.capacity.Get(d))
		}
	}
	return nil
}

func (l *Ledger) addLocked(amount model.ComputeResources, sign float64) {
	for _, d := range model.Dimensions {
		v := l.committed.Get(d) + sign*amount.Get(d)
		if v < epsilon {
			v = 0
		}
		l.committed.Set(d, v)
	}
}

func (l *Ledger) snapshotLocked() Snapshot {
	available := model.ComputeResources{Unit: model.UnitAbsolute}
	for _, d := range model.Dimensions {
		available.Set(d, l.capacity.Get(d)-l.committed.Get(d))
	}
	return Snapshot{
		Capacity:     l.capacity,
		Committed:    l.committed,
		Available:    available,
		Reservations: len(l.reservations),
	}
}

func (l *Ledger) notifyLocked() {
	if l.observer != nil {
		l.observer.ObserveLedger(l.snapshotLocked())
	}
}
