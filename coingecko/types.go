package coingecko

import (
	"time"

	"github.com/shopspring/decimal"
)

// https://docs.coingecko.com/reference/coins-markets
type Coin struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Symbol   string              `json:"symbol"`
	Price    decimal.NullDecimal `json:"current_price"`
	Change1h decimal.NullDecimal `json:"price_change_percentage_1h_in_currency"`
	Rank     *int                `json:"market_cap_rank"`
}

// Snapshot is one page of market data in the order the provider returned it.
type Snapshot struct {
	Coins       []Coin    `json:"coins"`
	RetrievedAt time.Time `json:"retrievedAt"`
}

func (s Snapshot) Len() int {
	return len(s.Coins)
}

func (s Snapshot) IsEmpty() bool {
	return len(s.Coins) == 0
}
