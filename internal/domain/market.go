package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome names one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "Yes"
	OutcomeNo  Outcome = "No"
)

// MarketToken is one tradable token of a binary market.
type MarketToken struct {
	TokenID string
	Outcome Outcome
}

// Market is a catalog descriptor for one binary market. Catalog responses
// are advisory; only the token ids are trusted for trading.
type Market struct {
	ID       string
	Question string
	EndDate  time.Time
	Volume   decimal.Decimal
	Tokens   []MarketToken
}

// Token returns the token for the given outcome, if present.
func (m Market) Token(outcome Outcome) (MarketToken, bool) {
	for _, t := range m.Tokens {
		if t.Outcome == outcome {
			return t, true
		}
	}
	return MarketToken{}, false
}

// Binary reports whether the market carries exactly a YES and a NO token.
func (m Market) Binary() bool {
	if len(m.Tokens) != 2 {
		return false
	}
	_, yes := m.Token(OutcomeYes)
	_, no := m.Token(OutcomeNo)
	return yes && no
}

// PriceLevel is a single price+size entry in an order book side.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}
