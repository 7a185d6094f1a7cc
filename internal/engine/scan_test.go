package engine

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadscan/spreadscan/internal/models"
)

func callContract(sym string, expiry time.Time, strike, mid float64) models.Contract {
	return models.Contract{
		Symbol: sym, Expiry: expiry, Strike: strike, Right: models.RightCall,
		Bid: mid - 0.05, Ask: mid + 0.05, Last: mid,
		Volume: 500, OpenInterest: 1000,
		Delta: 0.5, Gamma: 0.01, Theta: -0.05, Vega: 0.1,
		IV: 0.3, ProbITM: 0.5, Underlying: 100,
	}
}

func TestBuildSpreadsPairsWithinStrikeWindow(t *testing.T) {
	expiry := time.Now().AddDate(0, 1, 0)
	var contracts []models.Contract
	// Descending value down the ladder so every pair is a debit.
	for i, strike := range []float64{100, 105, 110, 115, 120} {
		contracts = append(contracts, callContract("SPY", expiry, strike, 6.0-float64(i)))
	}

	spreads := buildSpreads(contracts, nil)

	// 5 strikes, pairs at most 3 apart: 3+3+2+1.
	assert.Len(t, spreads, 9)
	for _, s := range spreads {
		assert.Positive(t, s.NetDebit)
		assert.Positive(t, s.MaxProfit)
		assert.Less(t, s.LongLeg.Strike, s.ShortLeg.Strike, "calls go long the lower strike")
		assert.LessOrEqual(t, s.Width(), 15.0)
	}
}

func TestBuildSpreadsPutsLongHigherStrike(t *testing.T) {
	expiry := time.Now().AddDate(0, 1, 0)
	mk := func(strike, mid float64) models.Contract {
		c := callContract("SPY", expiry, strike, mid)
		c.Right = models.RightPut
		c.Delta = -0.4
		return c
	}
	// Puts gain value up the ladder.
	contracts := []models.Contract{mk(95, 2.0), mk(100, 4.0)}

	spreads := buildSpreads(contracts, nil)

	require.Len(t, spreads, 1)
	assert.Greater(t, spreads[0].LongLeg.Strike, spreads[0].ShortLeg.Strike, "puts go long the higher strike")
	assert.Positive(t, spreads[0].NetDebit)
}

func TestBuildSpreadsSkipsLegsAcrossExpiries(t *testing.T) {
	e1 := time.Now().AddDate(0, 1, 0)
	e2 := time.Now().AddDate(0, 2, 0)
	contracts := []models.Contract{
		callContract("SPY", e1, 100, 5),
		callContract("SPY", e2, 105, 3),
	}
	assert.Empty(t, buildSpreads(contracts, nil))
}

func TestBuildSpreadsDropsInvalidQuotes(t *testing.T) {
	expiry := time.Now().AddDate(0, 1, 0)
	bad := callContract("SPY", expiry, 100, 5)
	bad.Bid, bad.Ask = math.NaN(), math.NaN()
	contracts := []models.Contract{bad, callContract("SPY", expiry, 105, 3)}
	assert.Empty(t, buildSpreads(contracts, nil))
}

func TestBuildSpreadsAppliesSpreadFilters(t *testing.T) {
	expiry := time.Now().AddDate(0, 1, 0)
	contracts := []models.Contract{
		callContract("SPY", expiry, 100, 5),
		callContract("SPY", expiry, 105, 3),
	}
	rejectAll := func(*models.SpreadResult) bool { return false }
	assert.Empty(t, buildSpreads(contracts, rejectAll))
	assert.Len(t, buildSpreads(contracts, nil), 1)
}

func TestSortResultsDirectionAndTies(t *testing.T) {
	rs := []*models.SpreadResult{
		fakeResult("B", 10),
		fakeResult("A", 10),
		fakeResult("C", 30),
	}

	sortResults(rs, SortByScore, SortDesc)
	assert.Equal(t, []string{"C", "A", "B"}, ids(rs), "ties break by id")

	sortResults(rs, SortByScore, SortAsc)
	assert.Equal(t, []string{"A", "B", "C"}, ids(rs))
}

func TestSortResultsByExpiry(t *testing.T) {
	now := time.Now()
	a := fakeResult("A", 1)
	a.Expiry = now.AddDate(0, 2, 0)
	b := fakeResult("B", 2)
	b.Expiry = now.AddDate(0, 1, 0)
	rs := []*models.SpreadResult{a, b}

	sortResults(rs, SortByExpiry, SortAsc)
	assert.Equal(t, []string{"B", "A"}, ids(rs))
}

func TestTruncateResults(t *testing.T) {
	rs := []*models.SpreadResult{fakeResult("A", 1), fakeResult("B", 2), fakeResult("C", 3)}
	assert.Len(t, truncateResults(rs, 2), 2)
	assert.Len(t, truncateResults(rs, 0), 3)
	assert.Len(t, truncateResults(rs, 10), 3)
}

func TestScanSpecValidate(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	spec := ScanSpec{}
	spec.normalize(cfg)
	assert.ErrorIs(t, spec.validate(), models.ErrConfig, "empty symbol set rejected")

	spec = ScanSpec{Symbols: []string{"SPY"}, SortKey: "volume"}
	spec.normalize(cfg)
	assert.ErrorIs(t, spec.validate(), models.ErrConfig, "unknown sort key rejected")

	spec = ScanSpec{Symbols: []string{"SPY"}}
	spec.normalize(cfg)
	require.NoError(t, spec.validate())
	assert.Equal(t, cfg.DefaultScanInterval, spec.Interval)
	assert.Equal(t, cfg.DefaultMaxResults, spec.MaxResults)
	assert.Equal(t, SortByScore, spec.SortKey)
	assert.Equal(t, SortDesc, spec.SortDir)
}

func ids(rs []*models.SpreadResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func BenchmarkBuildSpreads(b *testing.B) {
	expiry := time.Now().AddDate(0, 1, 0)
	var contracts []models.Contract
	for i := 0; i < 200; i++ {
		contracts = append(contracts, callContract(fmt.Sprintf("S%d", i/20), expiry, 100+float64(i%20)*2.5, 6.0-float64(i%20)*0.2))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buildSpreads(contracts, nil)
	}
}
