package vault

import "math/big"

// Share math rounds down on both sides so that rounding residue always
// stays in the pool. Neither function mutates its arguments.

// SharesForDeposit returns the shares issued for depositing amount into a
// pool holding totalAssets backed by totalShares. An empty pool issues one
// share per unit of asset.
func SharesForDeposit(amount, totalShares, totalAssets *big.Int) *big.Int {
	if totalShares.Sign() == 0 || totalAssets.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	out := new(big.Int).Mul(amount, totalShares)
	return out.Quo(out, totalAssets)
}

// AssetsForShares returns the assets redeemable for shares at the current
// exchange rate.
func AssetsForShares(shares, totalShares, totalAssets *big.Int) *big.Int {
	if totalShares.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(shares, totalAssets)
	return out.Quo(out, totalShares)
}

// YieldFromBps returns floor(totalAssets * bps / 10000).
func YieldFromBps(totalAssets *big.Int, bps int) *big.Int {
	out := new(big.Int).Mul(totalAssets, big.NewInt(int64(bps)))
	return out.Quo(out, big.NewInt(10_000))
}
