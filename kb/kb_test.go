package kb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kyjohnso/hilbert-sats/core"
	"github.com/kyjohnso/hilbert-sats/model"
)

func TestUpsertManyFirstWriteWins(t *testing.T) {
	store := NewKnowledgeBase()
	ctx := context.Background()

	first := model.Point3D{X: 1, Y: 2, Z: 3}
	if err := store.UpsertMany(ctx, []model.CatalogEntry{{HilbertIndex: 42, Point: first}}); err != nil {
		t.Fatalf("first UpsertMany error: %v", err)
	}
	if err := store.UpsertMany(ctx, []model.CatalogEntry{
		{HilbertIndex: 42, Point: model.Point3D{X: 9, Y: 9, Z: 9}},
		{HilbertIndex: 42, Point: model.Point3D{X: 8, Y: 8, Z: 8}},
	}); err != nil {
		t.Fatalf("second UpsertMany error: %v", err)
	}

	if n := store.CatalogSize(); n != 1 {
		t.Fatalf("CatalogSize = %d, want 1", n)
	}
	got, ok := store.CatalogPoint(42)
	if !ok || got != first {
		t.Fatalf("CatalogPoint(42) = %+v, %v; want %+v", got, ok, first)
	}
}

func TestAppendManyRejectsDuplicateBatch(t *testing.T) {
	store := NewKnowledgeBase()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := model.ObservationRecord{SatNum: 44713, Name: "STARLINK-1007", ObservedAt: at, HilbertIndex: 7}
	other := model.ObservationRecord{SatNum: 44714, Name: "STARLINK-1008", ObservedAt: at, HilbertIndex: 7}

	err := store.AppendMany(ctx, []model.ObservationRecord{rec, other, rec})
	if !errors.Is(err, core.ErrDuplicateObservation) || !errors.Is(err, core.ErrPersistence) {
		t.Fatalf("AppendMany duplicate error = %v, want ErrDuplicateObservation", err)
	}
	if n := len(store.ListObservations()); n != 0 {
		t.Fatalf("rejected batch left %d rows", n)
	}

	if err := store.AppendMany(ctx, []model.ObservationRecord{rec, other}); err != nil {
		t.Fatalf("AppendMany error: %v", err)
	}
	if err := store.AppendMany(ctx, []model.ObservationRecord{rec}); !errors.Is(err, core.ErrPersistence) {
		t.Fatalf("AppendMany of stored key error = %v, want ErrPersistence", err)
	}
	if n := len(store.ListObservations()); n != 2 {
		t.Fatalf("ListObservations len = %d, want 2", n)
	}
}

func TestAppendManyCanceledContext(t *testing.T) {
	store := NewKnowledgeBase()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.AppendMany(ctx, []model.ObservationRecord{{SatNum: 1}})
	if !errors.Is(err, core.ErrPersistence) {
		t.Fatalf("AppendMany error = %v, want ErrPersistence", err)
	}
}

func TestListCatalogOrdered(t *testing.T) {
	store := NewKnowledgeBase()
	entries := []model.CatalogEntry{{HilbertIndex: 30}, {HilbertIndex: 10}, {HilbertIndex: 20}}
	if err := store.UpsertMany(context.Background(), entries); err != nil {
		t.Fatalf("UpsertMany error: %v", err)
	}
	got := store.ListCatalog()
	for i, want := range []uint64{10, 20, 30} {
		if got[i].HilbertIndex != want {
			t.Fatalf("ListCatalog[%d] = %d, want %d", i, got[i].HilbertIndex, want)
		}
	}
}

func TestSubscribeReceivesCommittedCounts(t *testing.T) {
	store := NewKnowledgeBase()
	var (
		mu     sync.Mutex
		events []Event
	)
	unsub := store.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	ctx := context.Background()
	_ = store.UpsertMany(ctx, []model.CatalogEntry{{HilbertIndex: 1}, {HilbertIndex: 2}})
	_ = store.UpsertMany(ctx, []model.CatalogEntry{{HilbertIndex: 2}})
	_ = store.AppendMany(ctx, []model.ObservationRecord{{SatNum: 1}})

	unsub()
	_ = store.UpsertMany(ctx, []model.CatalogEntry{{HilbertIndex: 3}})

	mu.Lock()
	defer mu.Unlock()
	want := []Event{
		{Type: EventCatalogInserted, Count: 2},
		{Type: EventCatalogInserted, Count: 0},
		{Type: EventObservationsAppended, Count: 1},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestUnsubscribeRemovesOnlyItsCallback(t *testing.T) {
	store := NewKnowledgeBase()
	var calls [3]int
	unsubs := make([]func(), len(calls))
	for i := range calls {
		unsubs[i] = store.Subscribe(func(Event) { calls[i]++ })
	}

	// Removing an earlier subscriber must not shift which callback a later
	// unsubscribe removes.
	unsubs[0]()
	unsubs[2]()
	unsubs[2]()
	_ = store.UpsertMany(context.Background(), []model.CatalogEntry{{HilbertIndex: 1}})

	if calls != [3]int{0, 1, 0} {
		t.Fatalf("calls = %v, want only subscriber 1 notified", calls)
	}
}

func TestConcurrentAppends(t *testing.T) {
	store := NewKnowledgeBase()
	at := time.Now().UTC()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := model.ObservationRecord{SatNum: i, ObservedAt: at, HilbertIndex: uint64(i)}
			if err := store.AppendMany(context.Background(), []model.ObservationRecord{rec}); err != nil {
				t.Errorf("AppendMany(%d) error: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if n := len(store.ListObservations()); n != 16 {
		t.Fatalf("ListObservations len = %d, want 16", n)
	}
}
