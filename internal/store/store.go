package store

import (
	"EnergyLedger/internal/ledger"
	"EnergyLedger/internal/offer"
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrTxDone        = errors.New("transaction already committed or rolled back")
	// ErrConflict marks a serialization failure; the whole transaction may be retried.
	ErrConflict = errors.New("transaction conflict")
)

// IntentKind identifies which settlement call an intent tracks
type IntentKind string

const (
	IntentCreate IntentKind = "create"
	IntentAccept IntentKind = "accept"
)

// Intent records a settlement whose outcome is not yet mirrored in the
// ledger. It exists only while the referenced offer is held.
type Intent struct {
	ID             string     `json:"intent_id"`
	Kind           IntentKind `json:"kind"`
	OfferID        string     `json:"offer_id"`
	BuyerID        string     `json:"buyer_id,omitempty"`
	Units          int64      `json:"units"`
	Value          int64      `json:"value"`
	IdempotencyKey string     `json:"idempotency_key"`
	TxHash         string     `json:"tx_hash,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Store is the durable home of accounts, offers and intents. Reads outside a
// transaction observe committed state only.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
	ListAccountsBySegment(ctx context.Context, segment string) ([]*ledger.Account, error)
	CreateAccount(ctx context.Context, acct *ledger.Account) error

	GetOffer(ctx context.Context, id string) (*offer.Offer, error)
	// ListOffers returns every offer ordered by CreatedAt, then ID.
	ListOffers(ctx context.Context) ([]*offer.Offer, error)
	ListHeldOffers(ctx context.Context) ([]*offer.Offer, error)

	GetIntent(ctx context.Context, id string) (*Intent, error)
	// ListJournals returns committed ledger batches referencing eventRef.
	ListJournals(ctx context.Context, eventRef string) ([]*ledger.Batch, error)
}

// Tx is a unit of isolation. Entities loaded "ForUpdate" stay locked against
// other transactions until Commit or Rollback. Returned values are copies;
// changes land only through Put* and Commit.
type Tx interface {
	AccountForUpdate(ctx context.Context, id string) (*ledger.Account, error)
	OfferForUpdate(ctx context.Context, id string) (*offer.Offer, error)
	IntentForUpdate(ctx context.Context, id string) (*Intent, error)

	PutAccount(ctx context.Context, acct *ledger.Account) error
	PutOffer(ctx context.Context, o *offer.Offer) error
	PutIntent(ctx context.Context, in *Intent) error
	DeleteIntent(ctx context.Context, id string) error
	// AppendJournal records the ledger movements of this transaction.
	AppendJournal(ctx context.Context, batch *ledger.Batch) error

	Commit() error
	// Rollback discards staged writes. It is a no-op after Commit.
	Rollback() error
}
