package math

import (
	"errors"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	EnergyConfig = DecimalConfig{DecimalPrecision: 3, Scale: 1_000}     // 0.001 kWh (1 Wh)
	TokenConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 token
	PriceConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // token per kWh
)

// ErrOverflow is returned when a fixed-point product does not fit int64.
var ErrOverflow = errors.New("fixed-point overflow")

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow.
// The result comes from the package pool; callers inside the package hand
// it back with putInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideRoundUp returns numerator / denominator rounded toward positive
// infinity. Both operands must be non-negative.
func DivideRoundUp(numerator *big.Int, denominator int64) int64 {
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.QuoRem(numerator, big.NewInt(denominator), remainder)
	result := quotient.Int64()
	if remainder.Sign() != 0 {
		result++
	}
	return result
}

// ComputeTotalValue returns the token value of units at pricePerUnit.
//
//	value = units * price / EnergyConfig.Scale
//
// Units are energy minor units, price is token minor units per whole energy
// unit. Sub-minor remainders round up so the seller is never short-paid.
func ComputeTotalValue(units, pricePerUnit int64) (int64, error) {
	if units < 0 || pricePerUnit < 0 {
		return 0, errors.New("negative operand")
	}

	raw := MultiplyInt128(units, pricePerUnit)
	defer putInt128(raw)

	maxRaw := getInt128()
	defer putInt128(maxRaw)
	maxRaw.Mul(big.NewInt(1<<63-1), big.NewInt(EnergyConfig.Scale))
	if raw.Cmp(maxRaw) > 0 {
		return 0, ErrOverflow
	}

	return DivideRoundUp(raw, EnergyConfig.Scale), nil
}

// ToChainUnits converts a local fixed-point value into the contract's native
// integer representation with chainDecimals decimal places.
func ToChainUnits(value int64, cfg DecimalConfig, chainDecimals int) (*big.Int, error) {
	if value < 0 {
		return nil, errors.New("negative value")
	}
	out := big.NewInt(value)
	shift := chainDecimals - cfg.DecimalPrecision
	switch {
	case shift > 0:
		out.Mul(out, pow10(shift))
	case shift < 0:
		div := pow10(-shift)
		rem := new(big.Int)
		out.QuoRem(out, div, rem)
		if rem.Sign() != 0 {
			// Refuse to truncate: the contract would record less than the ledger.
			return nil, errors.New("value not representable at chain precision")
		}
	}
	return out, nil
}

// FromChainUnits converts a chain-native integer back to a local fixed-point
// value. Digits below the local precision are truncated.
func FromChainUnits(value *big.Int, cfg DecimalConfig, chainDecimals int) (int64, error) {
	if value == nil {
		return 0, errors.New("nil value")
	}
	out := new(big.Int).Set(value)
	shift := chainDecimals - cfg.DecimalPrecision
	switch {
	case shift > 0:
		out.Quo(out, pow10(shift))
	case shift < 0:
		out.Mul(out, pow10(-shift))
	}
	if !out.IsInt64() {
		return 0, ErrOverflow
	}
	return out.Int64(), nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
