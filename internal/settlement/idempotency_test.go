package settlement_test

import (
	"EnergyLedger/internal/settlement"
	"testing"
)

// ============================================================================
// Test: ResultCache
// ============================================================================

func TestResultCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := settlement.NewResultCache(2)
	c.Put("a", settlement.Result{Success: true, TxReference: "0xa"})
	c.Put("b", settlement.Result{Success: true, TxReference: "0xb"})

	// Touch "a" so "b" becomes the oldest.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a cached")
	}
	c.Put("c", settlement.Result{Success: true, TxReference: "0xc"})

	if c.Size() != 2 {
		t.Errorf("size: got %d, want 2", c.Size())
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if got, ok := c.Get("a"); !ok || got.TxReference != "0xa" {
		t.Errorf("a: got %+v, %v", got, ok)
	}
}

func TestResultCache_EmptyKeyIgnored(t *testing.T) {
	c := settlement.NewResultCache(4)
	c.Put("", settlement.Result{Success: true})
	if c.Size() != 0 {
		t.Errorf("size: got %d, want 0", c.Size())
	}
	if _, ok := c.Get(""); ok {
		t.Error("empty key must never hit")
	}
}

func TestResultCache_PutReplaces(t *testing.T) {
	c := settlement.NewResultCache(4)
	c.Put("k", settlement.Result{BroadcastHash: "0x1", Outcome: settlement.Indeterminate})
	c.Put("k", settlement.Result{Success: true, TxReference: "0x1", BroadcastHash: "0x1"})

	got, ok := c.Get("k")
	if !ok || !got.Success || c.Size() != 1 {
		t.Errorf("got %+v (size %d)", got, c.Size())
	}
}
