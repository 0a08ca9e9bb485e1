package risk

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	priceScale  = big.NewInt(1_000_000_000_000_000_000)
)

func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// ValueUSD converts an amount in the asset's smallest unit into a USD value
// scaled by 1e18, given a 1e18 fixed point USD price for one whole unit.
func ValueUSD(amount *big.Int, decimals uint8, priceUSD *big.Int) *big.Int {
	if amount == nil || priceUSD == nil || amount.Sign() <= 0 || priceUSD.Sign() <= 0 {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(amount, priceUSD)
	return value.Quo(value, pow10(decimals))
}

// UnitsForValue converts a 1e18-scaled USD value back into the asset's
// smallest unit, rounding down.
func UnitsForValue(valueUSD *big.Int, decimals uint8, priceUSD *big.Int) *big.Int {
	if valueUSD == nil || priceUSD == nil || valueUSD.Sign() <= 0 || priceUSD.Sign() <= 0 {
		return big.NewInt(0)
	}
	units := new(big.Int).Mul(valueUSD, pow10(decimals))
	return units.Quo(units, priceUSD)
}

// ApplyBps scales a value by a basis point ratio, rounding down.
func ApplyBps(value *big.Int, bps uint64) *big.Int {
	if value == nil || value.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(value, new(big.Int).SetUint64(bps))
	return scaled.Quo(scaled, basisPoints)
}

// HealthFactor divides threshold-weighted collateral value by debt value,
// both 1e18-scaled USD, producing a 1e18 fixed point ratio. A nil result
// means the position carries no debt.
func HealthFactor(weightedCollateralUSD, debtUSD *big.Int) *big.Int {
	if debtUSD == nil || debtUSD.Sign() == 0 {
		return nil
	}
	weighted := weightedCollateralUSD
	if weighted == nil {
		weighted = big.NewInt(0)
	}
	factor := new(big.Int).Mul(weighted, priceScale)
	return factor.Quo(factor, debtUSD)
}
