package ledger

import (
	"fmt"
	"math"
)

// Balance primitives. Each one checks every precondition before writing a
// field, so a returned error always means the account is untouched.

// Reserve moves units from available to reserved energy.
func Reserve(a *Account, units int64) error {
	if units <= 0 {
		return ErrInvalidAmount
	}
	if a.EnergyAvailable < units {
		return fmt.Errorf("%w: account %s has %d available, need %d",
			ErrInsufficientBalance, a.ID, a.EnergyAvailable, units)
	}
	if a.EnergyReserved > math.MaxInt64-units {
		return ErrBalanceOverflow
	}
	a.EnergyAvailable -= units
	a.EnergyReserved += units
	return nil
}

// Release is the exact inverse of Reserve. Releasing more than is reserved
// is reported instead of clamped, so a double release surfaces as an error.
func Release(a *Account, units int64) error {
	if units <= 0 {
		return ErrInvalidAmount
	}
	if a.EnergyReserved < units {
		return fmt.Errorf("%w: account %s has %d reserved, release %d",
			ErrInsufficientReserved, a.ID, a.EnergyReserved, units)
	}
	if a.EnergyAvailable > math.MaxInt64-units {
		return ErrBalanceOverflow
	}
	a.EnergyReserved -= units
	a.EnergyAvailable += units
	return nil
}

// TransferEnergy moves units out of from's reservation into to's available energy.
func TransferEnergy(from, to *Account, units int64) error {
	if units <= 0 {
		return ErrInvalidAmount
	}
	if from.EnergyReserved < units {
		return fmt.Errorf("%w: account %s has %d reserved, transfer %d",
			ErrInsufficientReserved, from.ID, from.EnergyReserved, units)
	}
	if to.EnergyAvailable > math.MaxInt64-units {
		return ErrBalanceOverflow
	}
	from.EnergyReserved -= units
	to.EnergyAvailable += units
	return nil
}

// CreditTokens adds amount to the token balance.
func CreditTokens(a *Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if a.TokenBalance > math.MaxInt64-amount {
		return ErrBalanceOverflow
	}
	a.TokenBalance += amount
	return nil
}

// DebitTokens removes amount from the token balance.
func DebitTokens(a *Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if a.TokenBalance < amount {
		return fmt.Errorf("%w: account %s has %d tokens, need %d",
			ErrInsufficientBalance, a.ID, a.TokenBalance, amount)
	}
	a.TokenBalance -= amount
	return nil
}
