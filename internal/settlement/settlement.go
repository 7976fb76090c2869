// Package settlement submits offer creations and purchase confirmations to
// the on-chain settlement contract. Every call returns a Result; transport,
// signing and inclusion failures are reported in it rather than raised.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrUnknownSigner  = errors.New("no signer registered for address")
	ErrInvalidAddress = errors.New("invalid address")
	ErrNonceConflict  = errors.New("nonce conflict")
	ErrReverted       = errors.New("transaction reverted")
	ErrEncoding       = errors.New("encode contract call")
	ErrSubmission     = errors.New("submit transaction")
	ErrIndeterminate  = errors.New("settlement outcome unknown")
)

// Outcome classifies a settlement call
type Outcome int

const (
	// Succeeded: the transaction was included and did not revert.
	Succeeded Outcome = iota
	// Failed: the call definitively did not take effect on chain.
	Failed
	// Indeterminate: the transaction may or may not take effect (timeout,
	// transport failure after broadcast). Needs reconciliation.
	Indeterminate
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Indeterminate:
		return "indeterminate"
	}
	return "unknown"
}

// Result is the typed answer of a settlement call.
type Result struct {
	Success bool
	// TxReference is the included transaction hash, set iff Success.
	TxReference string
	// BroadcastHash is set once a signed transaction left the process,
	// whatever the outcome. Reconciliation looks it up on chain.
	BroadcastHash string
	Outcome       Outcome
	Err           error
}

func succeeded(hash string) Result {
	return Result{Success: true, TxReference: hash, BroadcastHash: hash, Outcome: Succeeded}
}

func failed(err error) Result {
	return Result{Outcome: Failed, Err: err}
}

func failedAfterBroadcast(hash string, err error) Result {
	return Result{Outcome: Failed, BroadcastHash: hash, Err: err}
}

func indeterminate(hash string, err error) Result {
	return Result{Outcome: Indeterminate, BroadcastHash: hash, Err: fmt.Errorf("%w: %v", ErrIndeterminate, err)}
}

// CreateSellOfferRequest mirrors a new offer on chain. Units and price are
// local fixed-point values; the adapter converts them at the boundary.
type CreateSellOfferRequest struct {
	SellerAddress  string
	Units          int64
	PricePerUnit   int64
	IdempotencyKey string
}

// ConfirmPurchaseRequest records a buyer's acceptance on chain.
type ConfirmPurchaseRequest struct {
	BuyerAddress   string
	SellerAddress  string
	Units          int64
	IdempotencyKey string
}

// LookupStatus is the chain's view of a previously broadcast transaction
type LookupStatus int

const (
	LookupUnknown LookupStatus = iota // not found (dropped or never received)
	LookupSucceeded
	LookupReverted
)

func (s LookupStatus) String() string {
	switch s {
	case LookupSucceeded:
		return "succeeded"
	case LookupReverted:
		return "reverted"
	}
	return "unknown"
}

// Adapter is the settlement capability consumed by the coordinator.
type Adapter interface {
	CreateSellOffer(ctx context.Context, req CreateSellOfferRequest) Result
	ConfirmPurchase(ctx context.Context, req ConfirmPurchaseRequest) Result
	LookupTransaction(ctx context.Context, txHash string) (LookupStatus, error)
	// TokenBalance returns the fee-token balance of address in chain units.
	TokenBalance(ctx context.Context, address string) (*big.Int, error)
}
