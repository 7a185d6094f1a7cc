package models

import (
	"fmt"
	"math"
	"time"

	"github.com/spreadscan/spreadscan/internal/util"
)

// priceTick is the penny increment option premiums quote in; derived prices
// are snapped to it so equal spreads hash and diff identically.
const priceTick = 0.01

// SpreadKind distinguishes net-debit from net-credit verticals.
type SpreadKind string

const (
	// SpreadDebit is a long vertical paid for up front.
	SpreadDebit SpreadKind = "debit"
	// SpreadCredit is a short vertical collected up front.
	SpreadCredit SpreadKind = "credit"
)

// SpreadResult is a scored vertical spread candidate. The ID is stable across
// ticks: two results with the same id from adjacent ticks are the same spread
// with refreshed metrics.
type SpreadResult struct {
	ID     string      `json:"id"`
	Symbol string      `json:"symbol"`
	Expiry time.Time   `json:"expiry"`
	Right  OptionRight `json:"right"`
	Kind   SpreadKind  `json:"kind"`

	LongLeg  Contract `json:"long_leg"`
	ShortLeg Contract `json:"short_leg"`

	NetDebit  float64 `json:"net_debit"`
	MaxProfit float64 `json:"max_profit"`
	MaxLoss   float64 `json:"max_loss"`
	Breakeven float64 `json:"breakeven"`
	PoP       float64 `json:"pop"`

	NetDelta float64 `json:"net_delta"`
	NetGamma float64 `json:"net_gamma"`
	NetTheta float64 `json:"net_theta"`
	NetVega  float64 `json:"net_vega"`

	// Liquidity snapshot across both legs.
	MinVolume       int64   `json:"min_volume"`
	MinOpenInterest int64   `json:"min_open_interest"`
	AvgBidAskSpread float64 `json:"avg_bid_ask_spread"`

	IVPercentile float64 `json:"iv_percentile,omitempty"`

	Score float64 `json:"score"`
}

// SpreadID derives the stable result id for a vertical. Exposed so tests and
// the diff layer can construct ids without a full result.
func SpreadID(symbol string, expiry time.Time, longStrike, shortStrike float64, right OptionRight) string {
	return fmt.Sprintf("%s-%s-%.2f-%.2f-%s", symbol, expiry.Format("20060102"), longStrike, shortStrike, right)
}

// Width returns the distance between the two strikes.
func (s *SpreadResult) Width() float64 {
	return math.Abs(s.ShortLeg.Strike - s.LongLeg.Strike)
}

// BuildVerticalSpread combines a long and a short leg of the same expiry and
// right into a scored candidate. Returns nil when the pair cannot form a
// vertical (mismatched expiry/right or identical strikes).
//
// Call verticals are built long-low/short-high (bull call, debit); put
// verticals long-high/short-low (bear put, debit). Net greeks are long minus
// short. PoP is approximated from the short leg's probability-ITM when the
// contract does not carry one.
func BuildVerticalSpread(long, short *Contract) *SpreadResult {
	if long.Right != short.Right || !long.Expiry.Equal(short.Expiry) {
		return nil
	}
	if long.Strike == short.Strike || long.Symbol != short.Symbol {
		return nil
	}

	s := &SpreadResult{
		ID:       SpreadID(long.Symbol, long.Expiry, long.Strike, short.Strike, long.Right),
		Symbol:   long.Symbol,
		Expiry:   long.Expiry,
		Right:    long.Right,
		Kind:     SpreadDebit,
		LongLeg:  *long,
		ShortLeg: *short,
	}

	width := s.Width()
	s.NetDebit = util.RoundToTick(long.Ask-short.Bid, priceTick)
	s.MaxProfit = util.RoundToTick(width-s.NetDebit, priceTick)
	s.MaxLoss = s.NetDebit
	if long.Right == RightCall {
		s.Breakeven = long.Strike + s.NetDebit
	} else {
		s.Breakeven = long.Strike - s.NetDebit
	}

	s.NetDelta = long.Delta - short.Delta
	s.NetGamma = long.Gamma - short.Gamma
	s.NetTheta = long.Theta - short.Theta
	s.NetVega = long.Vega - short.Vega

	s.MinVolume = minInt64(long.Volume, short.Volume)
	s.MinOpenInterest = minInt64(long.OpenInterest, short.OpenInterest)
	s.AvgBidAskSpread = (long.BidAskSpread() + short.BidAskSpread()) / 2

	// Delta approximation: the short leg's chance of expiring OTM.
	s.PoP = 1 - math.Abs(short.Delta)
	if short.ProbITM > 0 {
		s.PoP = 1 - short.ProbITM
	}

	s.Score = scoreSpread(s)
	return s
}

// scoreSpread ranks a candidate: risk/reward weighted 10x, theta decay 5x,
// probability of profit 20x, with a penalty for wide leg quotes.
func scoreSpread(s *SpreadResult) float64 {
	score := 0.0
	if s.MaxLoss > 0 {
		score += (s.MaxProfit / s.MaxLoss) * 10
	}
	score += s.NetTheta * 5
	score -= s.AvgBidAskSpread * 2
	if s.PoP > 0 {
		score += s.PoP * 20
	}
	return score
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
