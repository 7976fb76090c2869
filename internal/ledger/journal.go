package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeEnergyReserve JournalType = iota
	JournalTypeEnergyRelease
	JournalTypeEnergyTransfer
	JournalTypeTokenTransfer
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeEnergyReserve:
		return "energy_reserve"
	case JournalTypeEnergyRelease:
		return "energy_release"
	case JournalTypeEnergyTransfer:
		return "energy_transfer"
	case JournalTypeTokenTransfer:
		return "token_transfer"
	}
	return "unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   `json:"journal_id"`
	BatchID       uuid.UUID   `json:"batch_id"`
	EventRef      string      `json:"event_ref"`      // Offer id or settlement intent id
	DebitAccount  AccountKey  `json:"debit_account"`  // Bucket receiving the amount
	CreditAccount AccountKey  `json:"credit_account"` // Bucket giving up the amount
	Asset         Asset       `json:"asset"`
	Amount        int64       `json:"amount"` // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType `json:"journal_type"`
	Timestamp     int64       `json:"timestamp"` // epoch microseconds
}

// Batch represents the balanced set of journal entries of one operation
type Batch struct {
	BatchID   uuid.UUID `json:"batch_id"`
	EventRef  string    `json:"event_ref"`
	Timestamp int64     `json:"timestamp"`
	Journals  []Journal `json:"journals"`
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount between two buckets of the same
// asset, so every entry is balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.SubType.Asset() != j.Asset || j.CreditAccount.SubType.Asset() != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
