package models

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContractIDIgnoresQuoteFields(t *testing.T) {
	expiry := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	a := Contract{Symbol: "SPY", Expiry: expiry, Strike: 100, Right: RightCall, Bid: 1.0, Ask: 1.1}
	b := a
	b.Bid, b.Ask, b.Volume = 2.0, 2.2, 999

	assert.Equal(t, a.ID(), b.ID())
	assert.Equal(t, "SPY-20261016-100.00-call", a.ID())
}

func TestContractDTETruncates(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	c := Contract{Expiry: now.Add(30 * 24 * time.Hour)}
	assert.Equal(t, 30, c.DTE(now))

	c = Contract{Expiry: now.Add(30*24*time.Hour - time.Hour)}
	assert.Equal(t, 29, c.DTE(now), "partial days truncate down")
}

func TestContractHasValidQuote(t *testing.T) {
	ok := Contract{Bid: 1.0, Ask: 1.1}
	assert.True(t, ok.HasValidQuote())

	crossed := Contract{Bid: 1.2, Ask: 1.0}
	assert.False(t, crossed.HasValidQuote())

	nan := Contract{Bid: math.NaN(), Ask: 1.0}
	assert.False(t, nan.HasValidQuote())

	negative := Contract{Bid: -0.5, Ask: 1.0}
	assert.False(t, negative.HasValidQuote())
}

func TestSentinelErrorsWrapAndMatch(t *testing.T) {
	wrapped := fmt.Errorf("%w: queue full", ErrOverload)
	assert.ErrorIs(t, wrapped, ErrOverload)
	assert.False(t, errors.Is(wrapped, ErrCircuitOpen))

	double := fmt.Errorf("tick: %w", wrapped)
	assert.ErrorIs(t, double, ErrOverload)
}
