// Package spike selects sub-penny coins that jumped sharply in the last hour.
package spike

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/terminaldweller/spikescan/coingecko"
)

var (
	// MaxPrice is exclusive.
	MaxPrice = decimal.RequireFromString("0.01")
	// MinChange1h is exclusive, in percent.
	MinChange1h = decimal.RequireFromString("20.0")
)

// IsSpike reports whether a coin matches. A coin with a missing price or change never matches.
func IsSpike(coin coingecko.Coin) bool {
	if !coin.Price.Valid || !coin.Change1h.Valid {
		return false
	}

	return coin.Price.Decimal.LessThan(MaxPrice) && coin.Change1h.Decimal.GreaterThan(MinChange1h)
}

// Filter returns the matching coins in their input order.
func Filter(snapshot coingecko.Snapshot) coingecko.Snapshot {
	matched := make([]coingecko.Coin, 0)

	for _, coin := range snapshot.Coins {
		if IsSpike(coin) {
			matched = append(matched, coin)
		}
	}

	return coingecko.Snapshot{Coins: matched, RetrievedAt: snapshot.RetrievedAt}
}

// SortByChangeDesc orders coins by 1h change, largest first. Ties keep their order.
func SortByChangeDesc(coins []coingecko.Coin) {
	sort.SliceStable(coins, func(i, j int) bool {
		return coins[i].Change1h.Decimal.GreaterThan(coins[j].Change1h.Decimal)
	})
}
