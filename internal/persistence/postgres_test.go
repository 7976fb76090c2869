package persistence_test

import (
	"EnergyLedger/internal/ledger"
	"EnergyLedger/internal/notify"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/offer"
	"EnergyLedger/internal/persistence"
	"EnergyLedger/internal/store"
	"EnergyLedger/internal/testutil"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newPostgresStore(t *testing.T) (*persistence.PostgresStore, func()) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	return persistence.NewPostgresStore(db, observability.NewMetricsWith(prometheus.NewRegistry())), cleanup
}

func seed(t *testing.T, s *persistence.PostgresStore, id string, energy, tokens int64) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	err := s.CreateAccount(context.Background(), &ledger.Account{
		ID: id, Wallet: "0x" + id, GridSegment: "TR-1",
		EnergyAvailable: energy, TokenBalance: tokens,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
}

// ============================================================================
// Integration Test: PostgresStore
// ============================================================================

func TestPostgresStore_ReserveCommit(t *testing.T) {
	s, cleanup := newPostgresStore(t)
	defer cleanup()
	ctx := context.Background()
	seed(t, s, "seller", 100_000, 0)

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	acct, err := tx.AccountForUpdate(ctx, "seller")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	p := ledger.NewPosting("OFF1", now, acct)
	if err := p.Reserve("seller", 40_000); err != nil {
		t.Fatal(err)
	}
	batch, err := p.Finish()
	if err != nil {
		t.Fatal(err)
	}
	o := &offer.Offer{
		ID: "OFF1", CreatorID: "seller", GridSegment: "TR-1",
		Units: 40_000, RemainingUnits: 40_000, PricePerUnit: 3_000_000, TotalValue: 120_000_000,
		Status: offer.StatusOpen, CreatedAt: now,
	}
	if err := tx.PutAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}
	if err := tx.PutOffer(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := tx.AppendJournal(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := s.GetAccount(ctx, "seller")
	if err != nil {
		t.Fatal(err)
	}
	if got.EnergyAvailable != 60_000 || got.EnergyReserved != 40_000 || got.Version != 1 {
		t.Errorf("account: %+v", got)
	}
	stored, err := s.GetOffer(ctx, "OFF1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != offer.StatusOpen || stored.Version != 1 || stored.CompletedAt != nil {
		t.Errorf("offer: %+v", stored)
	}
	journals, err := s.ListJournals(ctx, "OFF1")
	if err != nil {
		t.Fatal(err)
	}
	if len(journals) != 1 || journals[0].Journals[0].CreditAccount.SubType != ledger.SubTypeEnergyAvailable {
		t.Errorf("journals: %+v", journals)
	}
}

func TestPostgresStore_RollbackDiscards(t *testing.T) {
	s, cleanup := newPostgresStore(t)
	defer cleanup()
	ctx := context.Background()
	seed(t, s, "a", 10, 0)

	tx, _ := s.BeginTx(ctx)
	acct, _ := tx.AccountForUpdate(ctx, "a")
	acct.EnergyAvailable = 0
	_ = tx.PutAccount(ctx, acct)
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); !errors.Is(err, store.ErrTxDone) {
		t.Errorf("expected ErrTxDone, got %v", err)
	}
	got, _ := s.GetAccount(ctx, "a")
	if got.EnergyAvailable != 10 {
		t.Errorf("rollback leaked: %d", got.EnergyAvailable)
	}
}

func TestPostgresStore_Errors(t *testing.T) {
	s, cleanup := newPostgresStore(t)
	defer cleanup()
	ctx := context.Background()
	seed(t, s, "a", 0, 0)

	if _, err := s.GetAccount(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	err := s.CreateAccount(ctx, &ledger.Account{ID: "a", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPostgresStore_IntentLifecycle(t *testing.T) {
	s, cleanup := newPostgresStore(t)
	defer cleanup()
	ctx := context.Background()
	seed(t, s, "seller", 10_000, 0)
	now := time.Now().UTC().Truncate(time.Microsecond)

	tx, _ := s.BeginTx(ctx)
	_ = tx.PutIntent(ctx, &store.Intent{
		ID: "i1", Kind: store.IntentCreate, OfferID: "OFF1", Units: 5_000,
		IdempotencyKey: "k1", TxHash: "0xabc", CreatedAt: now,
	})
	_ = tx.PutOffer(ctx, &offer.Offer{
		ID: "OFF1", CreatorID: "seller", GridSegment: "TR-1", Units: 5_000, RemainingUnits: 5_000,
		PricePerUnit: 1, TotalValue: 5, Status: offer.StatusHeld, PendingIntent: "i1", CreatedAt: now,
	})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	held, _ := s.ListHeldOffers(ctx)
	if len(held) != 1 || held[0].PendingIntent != "i1" {
		t.Fatalf("held: %+v", held)
	}
	in, err := s.GetIntent(ctx, "i1")
	if err != nil || in.TxHash != "0xabc" || in.Kind != store.IntentCreate {
		t.Fatalf("GetIntent: %+v, %v", in, err)
	}

	tx, _ = s.BeginTx(ctx)
	_ = tx.DeleteIntent(ctx, "i1")
	if _, err := tx.IntentForUpdate(ctx, "i1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted intent visible: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetIntent(ctx, "i1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ============================================================================
// Integration Test: Audit rows
// ============================================================================

func TestPostgresEventWriter_WritesRows(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	w := persistence.NewPostgresEventWriter(db)
	rows := []persistence.EventRow{
		persistence.NewEventRow(event(notify.EventOfferCreated, "OFF1")),
		persistence.NewEventRow(notify.Event{Name: notify.EventOfferCancelled, OfferID: "OFF1", Timestamp: time.Now()}),
	}
	if err := w.WriteEvents(ctx, rows); err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}

	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM energy.offer_events WHERE offer_id = 'OFF1'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("rows: got %d, want 2", n)
	}
}
