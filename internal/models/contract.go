// Package models holds the value types that flow through the scanner: option
// contracts as delivered by the upstream gateway, the vertical spread results
// emitted to subscribers, and the event envelopes of the subscription stream.
package models

import (
	"fmt"
	"math"
	"time"
)

// OptionRight identifies the side of an option contract.
type OptionRight string

const (
	// RightCall is a call option.
	RightCall OptionRight = "call"
	// RightPut is a put option.
	RightPut OptionRight = "put"
)

// Contract is a single option instrument at a point in time. Contracts are
// immutable once produced by the upstream client; filters must never mutate
// them. Invariants enforced at the gateway boundary: Bid <= Ask and
// Expiry after the fetch time.
type Contract struct {
	Symbol       string      `json:"symbol"`
	Expiry       time.Time   `json:"expiry"`
	Strike       float64     `json:"strike"`
	Right        OptionRight `json:"right"`
	Bid          float64     `json:"bid"`
	Ask          float64     `json:"ask"`
	Last         float64     `json:"last"`
	Volume       int64       `json:"volume"`
	OpenInterest int64       `json:"open_interest"`
	Delta        float64     `json:"delta"`
	Gamma        float64     `json:"gamma"`
	Theta        float64     `json:"theta"`
	Vega         float64     `json:"vega"`
	IV           float64     `json:"iv"`
	ProbITM      float64     `json:"prob_itm"`
	// Underlying is the last trade price of the underlying at fetch time.
	Underlying float64 `json:"underlying"`
}

// ID returns a stable identifier for the contract, unique across the
// (symbol, expiry, strike, right) tuple. Quote fields do not participate, so
// the same instrument keeps the same id across ticks.
func (c *Contract) ID() string {
	return fmt.Sprintf("%s-%s-%.2f-%s", c.Symbol, c.Expiry.Format("20060102"), c.Strike, c.Right)
}

// BidAskSpread returns the quoted spread. NaN quotes yield NaN, which every
// range filter treats as a failure.
func (c *Contract) BidAskSpread() float64 {
	return c.Ask - c.Bid
}

// MidPrice returns the quote midpoint.
func (c *Contract) MidPrice() float64 {
	return (c.Bid + c.Ask) / 2
}

// DTE returns whole days to expiration relative to now, truncated toward zero.
func (c *Contract) DTE(now time.Time) int {
	return int(math.Floor(c.Expiry.Sub(now).Hours() / 24))
}

// HasValidQuote reports whether the contract carries a usable two-sided quote.
func (c *Contract) HasValidQuote() bool {
	if math.IsNaN(c.Bid) || math.IsNaN(c.Ask) {
		return false
	}
	return c.Bid >= 0 && c.Ask >= c.Bid
}
