// Package filters implements the contract filter library and the chain
// executor that applies a configured filter list to option contract batches.
//
// Filters are pure value types: each holds only its parameters, applies in a
// single pass over its input without mutating it, and exposes a deterministic
// StaticKey so identical configurations hash identically for caching.
package filters

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spreadscan/spreadscan/internal/models"
)

// CostClass is a static hint for the chain optimizer before it has observed
// stats. High-cost filters (external lookups) are candidates for late
// placement and small-batch skips.
type CostClass int

const (
	// CostLow marks in-memory range checks.
	CostLow CostClass = iota
	// CostHigh marks filters that consult an external source per batch.
	CostHigh
)

// Filter is the capability set every contract filter implements.
//
// Apply must treat its input as read-only and may only fail with
// models.ErrDependency (a runtime dependency became unavailable); parameter
// errors are caught by Validate at chain construction and never surface from
// Apply.
type Filter interface {
	// Apply returns the subset of in that passes the filter.
	Apply(in []models.Contract) ([]models.Contract, error)
	// Name is a stable identifier used as cache-key prefix and stats key.
	Name() string
	// Priority is the default ordering hint; lower runs earlier. Used only
	// until the optimizer has stats for every filter in the chain.
	Priority() int
	// StaticKey is a deterministic hash of the filter's parameters.
	StaticKey() []byte
	// Validate rejects nonsensical parameters with models.ErrConfig.
	Validate() error
	// Cost classifies the per-contract expense of Apply.
	Cost() CostClass
	// OrderDependent pins the filter to its user-declared position; the
	// optimizer never moves such filters.
	OrderDependent() bool
}

// SpreadFilter is the analogous capability set for built spread candidates.
// Spread filters run after the vertical construction step.
type SpreadFilter interface {
	// Keep reports whether the spread passes.
	Keep(s *models.SpreadResult) bool
	Name() string
	StaticKey() []byte
	Validate() error
}

// Config is the tagged-variant filter configuration decoded from user JSON.
// Exactly the variants that are non-nil participate in the chain; the chain
// constructor is the only place user JSON becomes filter values.
type Config struct {
	DTE          *DTEConfig          `json:"dte,omitempty" yaml:"dte,omitempty"`
	Delta        *DeltaConfig        `json:"delta,omitempty" yaml:"delta,omitempty"`
	Greeks       *GreeksConfig       `json:"greeks,omitempty" yaml:"greeks,omitempty"`
	Liquidity    *LiquidityConfig    `json:"liquidity,omitempty" yaml:"liquidity,omitempty"`
	IVPercentile *IVPercentileConfig `json:"iv_percentile,omitempty" yaml:"iv_percentile,omitempty"`
	Strike       *StrikeConfig       `json:"strike,omitempty" yaml:"strike,omitempty"`
	SpreadWidth  *SpreadWidthConfig  `json:"spread_width,omitempty" yaml:"spread_width,omitempty"`
	Probability  *ProbabilityConfig  `json:"probability,omitempty" yaml:"probability,omitempty"`
}

// DTEConfig keeps contracts with MinDays <= days-to-expiry <= MaxDays.
type DTEConfig struct {
	MinDays int `json:"min_days" yaml:"min_days"`
	MaxDays int `json:"max_days" yaml:"max_days"`
}

// DeltaConfig keeps contracts with Min <= delta <= Max. When UseAbsolute is
// set, put deltas are compared by absolute value.
type DeltaConfig struct {
	Min         float64 `json:"min" yaml:"min"`
	Max         float64 `json:"max" yaml:"max"`
	UseAbsolute bool    `json:"use_absolute" yaml:"use_absolute"`
}

// GreeksConfig is the composite greeks gate. ThetaGammaRatio, when positive,
// additionally requires |theta/gamma| >= the ratio for contracts with
// non-zero gamma.
type GreeksConfig struct {
	MaxGamma        float64 `json:"max_gamma" yaml:"max_gamma"`
	MinTheta        float64 `json:"min_theta" yaml:"min_theta"`
	MaxVega         float64 `json:"max_vega" yaml:"max_vega"`
	ThetaGammaRatio float64 `json:"theta_gamma_ratio,omitempty" yaml:"theta_gamma_ratio,omitempty"`
}

// LiquidityConfig keeps contracts with (volume >= MinVolume OR open interest
// >= MinOpenInterest) AND bid-ask spread <= MaxSpread.
type LiquidityConfig struct {
	MinVolume       int64   `json:"min_volume" yaml:"min_volume"`
	MinOpenInterest int64   `json:"min_open_interest" yaml:"min_open_interest"`
	MaxSpread       float64 `json:"max_spread" yaml:"max_spread"`
}

// IVPercentileConfig ranks current IV within LookbackDays of daily history
// and keeps contracts whose rank falls in [MinPercentile, MaxPercentile].
type IVPercentileConfig struct {
	MinPercentile float64 `json:"min_percentile" yaml:"min_percentile"`
	MaxPercentile float64 `json:"max_percentile" yaml:"max_percentile"`
	LookbackDays  int     `json:"lookback_days" yaml:"lookback_days"`
}

// StrikeConfig keeps contracts with Min <= strike <= Max.
type StrikeConfig struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// SpreadWidthConfig bounds the distance between the two strikes of a built
// vertical. When Fractional is set the bounds are fractions of the underlying
// price instead of absolute dollars.
type SpreadWidthConfig struct {
	Min        float64 `json:"min" yaml:"min"`
	Max        float64 `json:"max" yaml:"max"`
	Fractional bool    `json:"fractional" yaml:"fractional"`
}

// ProbabilityConfig bounds the probability of profit of a built vertical.
type ProbabilityConfig struct {
	MinPoP float64 `json:"min_pop" yaml:"min_pop"`
	MaxPoP float64 `json:"max_pop" yaml:"max_pop"`
}

// ParseConfig decodes user JSON into the tagged variants, rejecting unknown
// fields.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parsing filter config: %v", models.ErrConfig, err)
	}
	return cfg, nil
}

// ContractFilters instantiates the contract-level filters configured in c, in
// default priority order. iv is required only when an IV percentile variant is
// present.
func (c Config) ContractFilters(iv IVHistorySource) []Filter {
	out := make([]Filter, 0, 6)
	if c.Liquidity != nil {
		out = append(out, &LiquidityFilter{cfg: *c.Liquidity})
	}
	if c.DTE != nil {
		out = append(out, &DTEFilter{cfg: *c.DTE})
	}
	if c.Strike != nil {
		out = append(out, &StrikeFilter{cfg: *c.Strike})
	}
	if c.Delta != nil {
		out = append(out, &DeltaFilter{cfg: *c.Delta})
	}
	if c.Greeks != nil {
		out = append(out, &GreeksFilter{cfg: *c.Greeks})
	}
	if c.IVPercentile != nil {
		out = append(out, &IVPercentileFilter{cfg: *c.IVPercentile, history: iv})
	}
	return out
}

// SpreadFilters instantiates the spread-level filters configured in c.
func (c Config) SpreadFilters() []SpreadFilter {
	out := make([]SpreadFilter, 0, 2)
	if c.SpreadWidth != nil {
		out = append(out, &SpreadWidthFilter{cfg: *c.SpreadWidth})
	}
	if c.Probability != nil {
		out = append(out, &ProbabilityFilter{cfg: *c.Probability})
	}
	return out
}

// Validate checks every configured variant.
func (c Config) Validate() error {
	for _, f := range c.ContractFilters(nil) {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("filter %s: %w", f.Name(), err)
		}
	}
	for _, f := range c.SpreadFilters() {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("filter %s: %w", f.Name(), err)
		}
	}
	return nil
}

// Empty reports whether no variant is configured.
func (c Config) Empty() bool {
	return c.DTE == nil && c.Delta == nil && c.Greeks == nil && c.Liquidity == nil &&
		c.IVPercentile == nil && c.Strike == nil && c.SpreadWidth == nil && c.Probability == nil
}
