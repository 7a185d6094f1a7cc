package filters

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/spreadscan/spreadscan/internal/models"
)

// ratioEpsilon guards the theta/gamma division against near-zero gamma.
const ratioEpsilon = 1e-9

// staticKey hashes a filter name and its parameters into a deterministic key.
// Identical configurations always produce identical keys.
func staticKey(name string, params ...float64) []byte {
	h := fnv.New64a()
	h.Write([]byte(name))
	var buf [8]byte
	for _, p := range params {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(p))
		h.Write(buf[:])
	}
	return h.Sum(nil)
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// inRange reports min <= v <= max with both ends inclusive. NaN fails.
func inRange(v, min, max float64) bool {
	return v >= min && v <= max
}

// DTEFilter keeps contracts whose whole days-to-expiry fall inside the
// configured window. The reference clock is injectable for tests.
type DTEFilter struct {
	cfg DTEConfig
	// Now overrides the reference time when non-nil.
	Now func() time.Time
}

// NewDTEFilter builds a DTE filter from its config.
func NewDTEFilter(cfg DTEConfig) *DTEFilter { return &DTEFilter{cfg: cfg} }

func (f *DTEFilter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Apply keeps contracts with MinDays <= floor((expiry-now)/24h) <= MaxDays.
func (f *DTEFilter) Apply(in []models.Contract) ([]models.Contract, error) {
	now := f.now()
	out := make([]models.Contract, 0, len(in))
	for i := range in {
		dte := in[i].DTE(now)
		if dte >= f.cfg.MinDays && dte <= f.cfg.MaxDays {
			out = append(out, in[i])
		}
	}
	return out, nil
}

func (f *DTEFilter) Name() string         { return "dte" }
func (f *DTEFilter) Priority() int        { return 20 }
func (f *DTEFilter) Cost() CostClass      { return CostLow }
func (f *DTEFilter) OrderDependent() bool { return false }

func (f *DTEFilter) StaticKey() []byte {
	return staticKey(f.Name(), float64(f.cfg.MinDays), float64(f.cfg.MaxDays))
}

func (f *DTEFilter) Validate() error {
	if f.cfg.MinDays < 0 || f.cfg.MaxDays < f.cfg.MinDays {
		return fmt.Errorf("%w: dte range [%d,%d]", models.ErrConfig, f.cfg.MinDays, f.cfg.MaxDays)
	}
	return nil
}

// DeltaFilter keeps contracts whose delta falls inside the configured band.
type DeltaFilter struct {
	cfg DeltaConfig
}

// NewDeltaFilter builds a delta filter from its config.
func NewDeltaFilter(cfg DeltaConfig) *DeltaFilter { return &DeltaFilter{cfg: cfg} }

// Apply keeps contracts with min <= delta <= max; put deltas are compared by
// absolute value when use_absolute is set. NaN deltas are dropped.
func (f *DeltaFilter) Apply(in []models.Contract) ([]models.Contract, error) {
	out := make([]models.Contract, 0, len(in))
	for i := range in {
		d := in[i].Delta
		if f.cfg.UseAbsolute && in[i].Right == models.RightPut {
			d = math.Abs(d)
		}
		if inRange(d, f.cfg.Min, f.cfg.Max) {
			out = append(out, in[i])
		}
	}
	return out, nil
}

func (f *DeltaFilter) Name() string         { return "delta" }
func (f *DeltaFilter) Priority() int        { return 30 }
func (f *DeltaFilter) Cost() CostClass      { return CostLow }
func (f *DeltaFilter) OrderDependent() bool { return false }

func (f *DeltaFilter) StaticKey() []byte {
	return staticKey(f.Name(), f.cfg.Min, f.cfg.Max, boolParam(f.cfg.UseAbsolute))
}

func (f *DeltaFilter) Validate() error {
	if f.cfg.Max < f.cfg.Min {
		return fmt.Errorf("%w: delta max %.4f < min %.4f", models.ErrConfig, f.cfg.Max, f.cfg.Min)
	}
	return nil
}

// GreeksFilter is the composite greeks gate: gamma cap, theta floor, vega cap,
// and an optional theta/gamma ratio requirement.
type GreeksFilter struct {
	cfg GreeksConfig
}

// NewGreeksFilter builds a greeks filter from its config.
func NewGreeksFilter(cfg GreeksConfig) *GreeksFilter { return &GreeksFilter{cfg: cfg} }

// Apply keeps contracts with gamma <= maxGamma, theta >= minTheta and
// vega <= maxVega. With a positive ratio configured, contracts with non-zero
// gamma must also satisfy |theta/gamma| >= ratio. NaN greeks fail every
// comparison.
func (f *GreeksFilter) Apply(in []models.Contract) ([]models.Contract, error) {
	out := make([]models.Contract, 0, len(in))
	for i := range in {
		c := &in[i]
		if !(c.Gamma <= f.cfg.MaxGamma && c.Theta >= f.cfg.MinTheta && c.Vega <= f.cfg.MaxVega) {
			continue
		}
		if f.cfg.ThetaGammaRatio > 0 && math.Abs(c.Gamma) > ratioEpsilon {
			if math.Abs(c.Theta/c.Gamma) < f.cfg.ThetaGammaRatio {
				continue
			}
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *GreeksFilter) Name() string         { return "greeks" }
func (f *GreeksFilter) Priority() int        { return 40 }
func (f *GreeksFilter) Cost() CostClass      { return CostLow }
func (f *GreeksFilter) OrderDependent() bool { return false }

func (f *GreeksFilter) StaticKey() []byte {
	return staticKey(f.Name(), f.cfg.MaxGamma, f.cfg.MinTheta, f.cfg.MaxVega, f.cfg.ThetaGammaRatio)
}

func (f *GreeksFilter) Validate() error {
	if f.cfg.ThetaGammaRatio < 0 {
		return fmt.Errorf("%w: theta_gamma_ratio must be >= 0", models.ErrConfig)
	}
	return nil
}

// LiquidityFilter keeps contracts that trade: enough volume or open interest,
// and a tight enough quote. In practice this is the most selective filter and
// the chain places it first until observed stats say otherwise.
type LiquidityFilter struct {
	cfg LiquidityConfig
}

// NewLiquidityFilter builds a liquidity filter from its config.
func NewLiquidityFilter(cfg LiquidityConfig) *LiquidityFilter { return &LiquidityFilter{cfg: cfg} }

// Apply keeps contracts with (volume >= minVol OR openInterest >= minOI) AND
// (ask - bid) <= maxSpread.
func (f *LiquidityFilter) Apply(in []models.Contract) ([]models.Contract, error) {
	out := make([]models.Contract, 0, len(in)/4)
	for i := range in {
		c := &in[i]
		if c.Volume < f.cfg.MinVolume && c.OpenInterest < f.cfg.MinOpenInterest {
			continue
		}
		spread := c.BidAskSpread()
		if math.IsNaN(spread) || spread > f.cfg.MaxSpread {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *LiquidityFilter) Name() string         { return "liquidity" }
func (f *LiquidityFilter) Priority() int        { return 10 }
func (f *LiquidityFilter) Cost() CostClass      { return CostLow }
func (f *LiquidityFilter) OrderDependent() bool { return false }

func (f *LiquidityFilter) StaticKey() []byte {
	return staticKey(f.Name(), float64(f.cfg.MinVolume), float64(f.cfg.MinOpenInterest), f.cfg.MaxSpread)
}

func (f *LiquidityFilter) Validate() error {
	if f.cfg.MinVolume < 0 || f.cfg.MinOpenInterest < 0 || f.cfg.MaxSpread < 0 {
		return fmt.Errorf("%w: liquidity thresholds must be >= 0", models.ErrConfig)
	}
	return nil
}

// StrikeFilter keeps contracts whose strike falls inside the configured band.
type StrikeFilter struct {
	cfg StrikeConfig
}

// NewStrikeFilter builds a strike filter from its config.
func NewStrikeFilter(cfg StrikeConfig) *StrikeFilter { return &StrikeFilter{cfg: cfg} }

func (f *StrikeFilter) Apply(in []models.Contract) ([]models.Contract, error) {
	out := make([]models.Contract, 0, len(in))
	for i := range in {
		if inRange(in[i].Strike, f.cfg.Min, f.cfg.Max) {
			out = append(out, in[i])
		}
	}
	return out, nil
}

func (f *StrikeFilter) Name() string         { return "strike" }
func (f *StrikeFilter) Priority() int        { return 25 }
func (f *StrikeFilter) Cost() CostClass      { return CostLow }
func (f *StrikeFilter) OrderDependent() bool { return false }

func (f *StrikeFilter) StaticKey() []byte {
	return staticKey(f.Name(), f.cfg.Min, f.cfg.Max)
}

func (f *StrikeFilter) Validate() error {
	if f.cfg.Max < f.cfg.Min {
		return fmt.Errorf("%w: strike max %.2f < min %.2f", models.ErrConfig, f.cfg.Max, f.cfg.Min)
	}
	return nil
}

// IVHistorySource supplies daily closing implied volatilities for the IV
// percentile rank. An empty history means the source has no data for the
// symbol and the filter fails with models.ErrDependency.
type IVHistorySource interface {
	GetHistory(symbol string, lookbackDays int) ([]float64, error)
}

// IVPercentileFilter ranks each contract's current IV within the trailing
// history of its symbol and keeps contracts whose rank falls inside the
// configured percentile band.
type IVPercentileFilter struct {
	cfg     IVPercentileConfig
	history IVHistorySource
}

// NewIVPercentileFilter builds an IV percentile filter bound to a history
// source.
func NewIVPercentileFilter(cfg IVPercentileConfig, history IVHistorySource) *IVPercentileFilter {
	return &IVPercentileFilter{cfg: cfg, history: history}
}

// Apply computes per-symbol IV percentile ranks. History is fetched once per
// distinct symbol in the batch; an unavailable or empty history fails the
// whole invocation with models.ErrDependency so the chain can degrade to
// pass-through.
func (f *IVPercentileFilter) Apply(in []models.Contract) ([]models.Contract, error) {
	if f.history == nil {
		return nil, fmt.Errorf("%w: iv history source not configured", models.ErrDependency)
	}

	histBySymbol := make(map[string][]float64)
	for i := range in {
		sym := in[i].Symbol
		if _, ok := histBySymbol[sym]; ok {
			continue
		}
		hist, err := f.history.GetHistory(sym, f.cfg.LookbackDays)
		if err != nil {
			return nil, fmt.Errorf("%w: iv history for %s: %v", models.ErrDependency, sym, err)
		}
		if len(hist) == 0 {
			return nil, fmt.Errorf("%w: no iv history for %s", models.ErrDependency, sym)
		}
		sorted := append([]float64(nil), hist...)
		sort.Float64s(sorted)
		histBySymbol[sym] = sorted
	}

	out := make([]models.Contract, 0, len(in))
	for i := range in {
		rank := percentileRank(histBySymbol[in[i].Symbol], in[i].IV)
		if inRange(rank, f.cfg.MinPercentile, f.cfg.MaxPercentile) {
			out = append(out, in[i])
		}
	}
	return out, nil
}

// percentileRank returns the percentage of sorted history values strictly
// below iv. NaN IV yields NaN, which fails the range check.
func percentileRank(sorted []float64, iv float64) float64 {
	if math.IsNaN(iv) {
		return math.NaN()
	}
	below := sort.SearchFloat64s(sorted, iv)
	return float64(below) / float64(len(sorted)) * 100
}

func (f *IVPercentileFilter) Name() string         { return "iv_percentile" }
func (f *IVPercentileFilter) Priority() int        { return 60 }
func (f *IVPercentileFilter) Cost() CostClass      { return CostHigh }
func (f *IVPercentileFilter) OrderDependent() bool { return false }

func (f *IVPercentileFilter) StaticKey() []byte {
	return staticKey(f.Name(), f.cfg.MinPercentile, f.cfg.MaxPercentile, float64(f.cfg.LookbackDays))
}

func (f *IVPercentileFilter) Validate() error {
	if f.cfg.MinPercentile < 0 || f.cfg.MaxPercentile > 100 || f.cfg.MaxPercentile < f.cfg.MinPercentile {
		return fmt.Errorf("%w: iv percentile band [%.1f,%.1f]", models.ErrConfig, f.cfg.MinPercentile, f.cfg.MaxPercentile)
	}
	if f.cfg.LookbackDays <= 0 {
		return fmt.Errorf("%w: iv percentile lookback_days must be > 0", models.ErrConfig)
	}
	return nil
}
