package market

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/spreadscan/spreadscan/internal/models"
)

// MockProvider synthesizes plausible option chains for development runs and
// tests. Chains are generated once per symbol and re-quoted on every fetch so
// successive ticks observe small metric drift, which exercises the diff path.
type MockProvider struct {
	mu     sync.Mutex
	rng    *rand.Rand
	chains map[string][]models.Contract

	// Latency simulates upstream round-trip time per call.
	Latency time.Duration
	// FailNext forces the next n calls to fail, for breaker tests.
	FailNext int
	// QueueDepth is returned by Health.
	QueueDepth int
}

// NewMockProvider seeds a deterministic synthetic gateway.
func NewMockProvider(seed int64) *MockProvider {
	return &MockProvider{
		rng:    rand.New(rand.NewSource(seed)),
		chains: make(map[string][]models.Contract),
	}
}

// FetchContracts returns the synthetic chain for each symbol with fresh
// quotes.
func (m *MockProvider) FetchContracts(ctx context.Context, symbols []string) ([]models.Contract, error) {
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext > 0 {
		m.FailNext--
		return nil, context.DeadlineExceeded
	}

	var out []models.Contract
	for _, sym := range symbols {
		chain, ok := m.chains[sym]
		if !ok {
			chain = m.generateChain(sym)
			m.chains[sym] = chain
		}
		for i := range chain {
			c := chain[i]
			drift := (m.rng.Float64() - 0.5) * 0.04
			c.Bid = math.Max(0.01, c.Bid+drift)
			c.Ask = c.Bid + 0.02 + m.rng.Float64()*0.08
			c.Last = (c.Bid + c.Ask) / 2
			out = append(out, c)
		}
	}
	return out, nil
}

// Health reports the configured synthetic queue depth.
func (m *MockProvider) Health(_ context.Context) (Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{QueueDepth: m.QueueDepth, RTT: 20 * time.Millisecond}, nil
}

// generateChain builds calls and puts across four monthly expiries and twenty
// strikes around a synthetic spot price.
func (m *MockProvider) generateChain(symbol string) []models.Contract {
	spot := 50 + m.rng.Float64()*400
	var chain []models.Contract
	now := time.Now()

	for exp := 1; exp <= 4; exp++ {
		expiry := now.AddDate(0, exp, 0).Truncate(24 * time.Hour)
		dte := expiry.Sub(now).Hours() / 24
		for k := -10; k < 10; k++ {
			strike := math.Round(spot + float64(k)*spot*0.01*2.5) // ~2.5% steps
			moneyness := (spot - strike) / spot

			callDelta := clamp(0.5+moneyness*4, 0.01, 0.99)
			iv := 0.18 + math.Abs(moneyness)*0.4 + m.rng.Float64()*0.05
			mid := math.Max(0.05, spot*iv*math.Sqrt(dte/365)*0.4*callDelta)

			base := models.Contract{
				Symbol:       symbol,
				Expiry:       expiry,
				Strike:       strike,
				Bid:          math.Max(0.01, mid-0.05),
				Ask:          mid + 0.05,
				Last:         mid,
				Volume:       int64(m.rng.Intn(5000)),
				OpenInterest: int64(m.rng.Intn(20000)),
				Gamma:        0.02 * (1 - math.Abs(moneyness)*2),
				Vega:         spot * 0.01 * math.Sqrt(dte/365),
				IV:           iv,
				Underlying:   spot,
			}

			call := base
			call.Right = models.RightCall
			call.Delta = callDelta
			call.Theta = -mid / math.Max(dte, 1)
			call.ProbITM = callDelta
			chain = append(chain, call)

			put := base
			put.Right = models.RightPut
			put.Delta = callDelta - 1
			put.Theta = -mid / math.Max(dte, 1)
			put.ProbITM = 1 - callDelta
			chain = append(chain, put)
		}
	}
	return chain
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
