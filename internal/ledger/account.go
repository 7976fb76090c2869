package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientReserved = errors.New("insufficient reserved energy")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrUnknownAccount       = errors.New("account not part of posting")
	ErrBalanceOverflow      = errors.New("balance overflow")
)

// Asset distinguishes the two quantities an account holds
type Asset uint8

const (
	AssetEnergy Asset = iota + 1
	AssetToken
)

func (a Asset) String() string {
	switch a {
	case AssetEnergy:
		return "energy"
	case AssetToken:
		return "token"
	}
	return "unknown"
}

// AccountSubType represents a balance bucket within an account
type AccountSubType uint8

const (
	SubTypeEnergyAvailable AccountSubType = iota
	SubTypeEnergyReserved
	SubTypeTokens
)

// Asset returns the asset a bucket is denominated in.
func (s AccountSubType) Asset() Asset {
	if s == SubTypeTokens {
		return AssetToken
	}
	return AssetEnergy
}

func (s AccountSubType) String() string {
	switch s {
	case SubTypeEnergyAvailable:
		return "energy_available"
	case SubTypeEnergyReserved:
		return "energy_reserved"
	case SubTypeTokens:
		return "tokens"
	}
	return "unknown"
}

// AccountKey addresses one balance bucket of one account
type AccountKey struct {
	AccountID string
	SubType   AccountSubType
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("account:%s:%s", k.AccountID, k.SubType)
}

// Account is a participant's off-chain balance sheet.
// Energy values are EnergyConfig minor units, tokens are TokenConfig minor units.
type Account struct {
	ID              string    `json:"id"`
	Wallet          string    `json:"wallet_address"`
	GridSegment     string    `json:"grid_segment"`
	EnergyAvailable int64     `json:"energy_available"`
	EnergyReserved  int64     `json:"energy_reserved"`
	TokenBalance    int64     `json:"token_balance"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Clone returns a detached copy.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// TotalEnergy is available + reserved, the quantity conserved by every operation.
func (a *Account) TotalEnergy() int64 {
	return a.EnergyAvailable + a.EnergyReserved
}

func (a *Account) bucket(sub AccountSubType) *int64 {
	switch sub {
	case SubTypeEnergyAvailable:
		return &a.EnergyAvailable
	case SubTypeEnergyReserved:
		return &a.EnergyReserved
	default:
		return &a.TokenBalance
	}
}

// Balance returns the value of a bucket.
func (a *Account) Balance(sub AccountSubType) int64 {
	return *a.bucket(sub)
}
