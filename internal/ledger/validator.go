package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// ValidateAccount checks every bucket is non-negative
func (v *InvariantValidator) ValidateAccount(a *Account) error {
	for _, sub := range []AccountSubType{SubTypeEnergyAvailable, SubTypeEnergyReserved, SubTypeTokens} {
		if bal := a.Balance(sub); bal < 0 {
			return fmt.Errorf("account %s has negative balance: %d",
				AccountKey{AccountID: a.ID, SubType: sub}.AccountPath(), bal)
		}
	}
	return nil
}

// Totals sums each asset across the given accounts
func (v *InvariantValidator) Totals(accounts []*Account) map[Asset]int64 {
	totals := map[Asset]int64{AssetEnergy: 0, AssetToken: 0}
	for _, a := range accounts {
		totals[AssetEnergy] += a.TotalEnergy()
		totals[AssetToken] += a.TokenBalance
	}
	return totals
}

// ValidateConservation verifies no operation created or destroyed energy or tokens
func (v *InvariantValidator) ValidateConservation(before, after map[Asset]int64) error {
	for _, asset := range []Asset{AssetEnergy, AssetToken} {
		if before[asset] != after[asset] {
			return fmt.Errorf("%s not conserved: before=%d after=%d", asset, before[asset], after[asset])
		}
	}
	return nil
}
