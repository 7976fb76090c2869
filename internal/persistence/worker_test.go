package persistence_test

import (
	"EnergyLedger/internal/notify"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/persistence"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type fakeEventWriter struct {
	mu      sync.Mutex
	batches [][]persistence.EventRow
	failN   int // fail this many writes before succeeding
	calls   int
}

func (w *fakeEventWriter) WriteEvents(_ context.Context, rows []persistence.EventRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failN > 0 {
		w.failN--
		return errors.New("connection reset")
	}
	w.batches = append(w.batches, append([]persistence.EventRow(nil), rows...))
	return nil
}

func (w *fakeEventWriter) snapshot() (batches [][]persistence.EventRow, calls int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]persistence.EventRow(nil), w.batches...), w.calls
}

func newWorker(w persistence.EventWriter, in <-chan notify.Event, batch int, flush time.Duration) *persistence.AuditWorker {
	return persistence.NewAuditWorker(w, in, batch, flush,
		observability.NewMetricsWith(prometheus.NewRegistry()), zerolog.Nop())
}

func event(name, offerID string) notify.Event {
	return notify.Event{
		Name:      name,
		OfferID:   offerID,
		Audience:  notify.Audience{Segment: "TR-1", AccountIDs: []string{"u1"}},
		Payload:   map[string]int64{"units": 40_000},
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ============================================================================
// Test: Batching
// ============================================================================

func TestAuditWorker_FlushesFullBatch(t *testing.T) {
	w := &fakeEventWriter{}
	in := make(chan notify.Event, 8)
	worker := newWorker(w, in, 2, time.Hour)

	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()

	in <- event(notify.EventOfferCreated, "OFF1")
	in <- event(notify.EventOfferCompleted, "OFF1")

	waitFor(t, func() bool {
		b, _ := w.snapshot()
		return len(b) == 1
	})

	close(in)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	batches, _ := w.snapshot()
	if len(batches[0]) != 2 || batches[0][1].EventName != notify.EventOfferCompleted {
		t.Errorf("batch: %+v", batches[0])
	}
}

func TestAuditWorker_FlushesOnTimer(t *testing.T) {
	w := &fakeEventWriter{}
	in := make(chan notify.Event, 8)
	worker := newWorker(w, in, 100, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	in <- event(notify.EventOfferCreated, "OFF1")
	waitFor(t, func() bool {
		b, _ := w.snapshot()
		return len(b) == 1 && len(b[0]) == 1
	})
}

func TestAuditWorker_FlushesPendingOnClose(t *testing.T) {
	w := &fakeEventWriter{}
	in := make(chan notify.Event, 8)
	worker := newWorker(w, in, 100, time.Hour)

	in <- event(notify.EventOfferCreated, "OFF1")
	in <- event(notify.EventOfferCancelled, "OFF1")
	close(in)

	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	batches, _ := w.snapshot()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("got %d batches", len(batches))
	}
}

func TestAuditWorker_FlushesPendingOnCancel(t *testing.T) {
	w := &fakeEventWriter{}
	in := make(chan notify.Event, 8)
	worker := newWorker(w, in, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	in <- event(notify.EventOfferHeld, "OFF9")
	waitFor(t, func() bool { return len(in) == 0 })
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	batches, _ := w.snapshot()
	if len(batches) != 1 || batches[0][0].OfferID != "OFF9" {
		t.Errorf("pending row not flushed: %+v", batches)
	}
}

// ============================================================================
// Test: Retry
// ============================================================================

func TestAuditWorker_RetriesFailedWrite(t *testing.T) {
	w := &fakeEventWriter{failN: 2}
	in := make(chan notify.Event, 8)
	worker := newWorker(w, in, 1, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	in <- event(notify.EventOfferCreated, "OFF1")
	waitFor(t, func() bool {
		b, _ := w.snapshot()
		return len(b) == 1
	})
	if _, calls := w.snapshot(); calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

// ============================================================================
// Test: Row mapping
// ============================================================================

func TestNewEventRow(t *testing.T) {
	row := persistence.NewEventRow(event(notify.EventOfferCreated, "OFF1"))
	if row.EventName != notify.EventOfferCreated || row.OfferID != "OFF1" || row.Segment != "TR-1" {
		t.Errorf("row: %+v", row)
	}
	if string(row.Payload) != `{"units":40000}` {
		t.Errorf("payload: %s", row.Payload)
	}
	if len(row.AccountIDs) != 1 || row.AccountIDs[0] != "u1" {
		t.Errorf("account ids: %v", row.AccountIDs)
	}
}

func TestMarshalPayload_Nil(t *testing.T) {
	if got := persistence.MarshalPayload(nil); got != nil {
		t.Errorf("expected nil, got %s", got)
	}
	if got := persistence.MarshalPayload(make(chan int)); len(got) == 0 {
		t.Error("unencodable payload should still produce a row value")
	}
}
