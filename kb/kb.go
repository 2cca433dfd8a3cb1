package kb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kyjohnso/hilbert-sats/core"
	"github.com/kyjohnso/hilbert-sats/model"
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventCatalogInserted EventType = iota
	EventObservationsAppended
)

// Event is emitted to subscribers after a batch commits.
type Event struct {
	Type  EventType
	Count int // rows newly stored by the batch
}

type observationKey struct {
	satNum int
	at     time.Time
	index  uint64
}

// KnowledgeBase is an in-memory, thread-safe SpatialCatalog and
// ObservationRecorder with the same batch semantics as the SQL store. It
// backs dry runs and tests.
type KnowledgeBase struct {
	mu sync.RWMutex

	catalog      map[uint64]model.Point3D
	observations []model.ObservationRecord
	keys         map[observationKey]struct{}

	subs   []subscriber
	nextID uint64
}

type subscriber struct {
	id uint64
	fn func(Event)
}

var (
	_ core.SpatialCatalog      = (*KnowledgeBase)(nil)
	_ core.ObservationRecorder = (*KnowledgeBase)(nil)
)

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		catalog: make(map[uint64]model.Point3D),
		keys:    make(map[observationKey]struct{}),
	}
}

// UpsertMany inserts entries whose index is not yet known. Existing entries
// are never overwritten.
func (kb *KnowledgeBase) UpsertMany(ctx context.Context, entries []model.CatalogEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrPersistence, err)
	}
	kb.mu.Lock()
	added := 0
	for _, e := range entries {
		if _, exists := kb.catalog[e.HilbertIndex]; exists {
			continue
		}
		kb.catalog[e.HilbertIndex] = e.Point
		added++
	}
	subs := kb.subscribers()
	kb.mu.Unlock()

	kb.notify(subs, Event{Type: EventCatalogInserted, Count: added})
	return nil
}

// AppendMany appends records atomically. A record whose key is already
// stored, or repeated within the batch, rejects the whole batch.
func (kb *KnowledgeBase) AppendMany(ctx context.Context, records []model.ObservationRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrPersistence, err)
	}
	kb.mu.Lock()
	batch := make(map[observationKey]struct{}, len(records))
	for _, r := range records {
		k := observationKey{satNum: r.SatNum, at: r.ObservedAt.UTC(), index: r.HilbertIndex}
		_, stored := kb.keys[k]
		_, repeated := batch[k]
		if stored || repeated {
			kb.mu.Unlock()
			return fmt.Errorf("%w satnum=%d time=%s index=%d",
				core.ErrDuplicateObservation, r.SatNum, r.ObservedAt.UTC().Format(time.RFC3339Nano), r.HilbertIndex)
		}
		batch[k] = struct{}{}
	}
	for k := range batch {
		kb.keys[k] = struct{}{}
	}
	kb.observations = append(kb.observations, records...)
	subs := kb.subscribers()
	kb.mu.Unlock()

	kb.notify(subs, Event{Type: EventObservationsAppended, Count: len(records)})
	return nil
}

// CatalogPoint returns the stored point for index.
func (kb *KnowledgeBase) CatalogPoint(index uint64) (model.Point3D, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	p, ok := kb.catalog[index]
	return p, ok
}

// CatalogSize returns the number of catalog entries.
func (kb *KnowledgeBase) CatalogSize() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.catalog)
}

// ListCatalog returns a snapshot of the catalog ordered by index.
func (kb *KnowledgeBase) ListCatalog() []model.CatalogEntry {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]model.CatalogEntry, 0, len(kb.catalog))
	for idx, p := range kb.catalog {
		res = append(res, model.CatalogEntry{HilbertIndex: idx, Point: p})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].HilbertIndex < res[j].HilbertIndex })
	return res
}

// ListObservations returns a snapshot of the observation log in append order.
func (kb *KnowledgeBase) ListObservations() []model.ObservationRecord {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]model.ObservationRecord(nil), kb.observations...)
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
// Calling unsubscribe more than once is a no-op.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.nextID++
	id := kb.nextID
	kb.subs = append(kb.subs, subscriber{id: id, fn: fn})

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		for i, s := range kb.subs {
			if s.id == id {
				kb.subs = append(kb.subs[:i], kb.subs[i+1:]...)
				return
			}
		}
	}
}

// subscribers copies the callbacks; callers hold kb.mu.
func (kb *KnowledgeBase) subscribers() []func(Event) {
	out := make([]func(Event), len(kb.subs))
	for i, s := range kb.subs {
		out[i] = s.fn
	}
	return out
}

// notify runs outside the lock to avoid deadlocks.
func (kb *KnowledgeBase) notify(subs []func(Event), e Event) {
	for _, sub := range subs {
		sub(e)
	}
}
