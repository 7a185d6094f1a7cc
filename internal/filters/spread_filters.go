package filters

import (
	"fmt"

	"github.com/spreadscan/spreadscan/internal/models"
)

// SpreadWidthFilter bounds the strike distance of a built vertical, either in
// absolute dollars or as a fraction of the underlying price.
type SpreadWidthFilter struct {
	cfg SpreadWidthConfig
}

// NewSpreadWidthFilter builds a width filter from its config.
func NewSpreadWidthFilter(cfg SpreadWidthConfig) *SpreadWidthFilter {
	return &SpreadWidthFilter{cfg: cfg}
}

func (f *SpreadWidthFilter) Keep(s *models.SpreadResult) bool {
	width := s.Width()
	if f.cfg.Fractional {
		underlying := s.LongLeg.Underlying
		if underlying <= 0 {
			return false
		}
		width = width / underlying
	}
	return inRange(width, f.cfg.Min, f.cfg.Max)
}

func (f *SpreadWidthFilter) Name() string { return "spread_width" }

func (f *SpreadWidthFilter) StaticKey() []byte {
	return staticKey(f.Name(), f.cfg.Min, f.cfg.Max, boolParam(f.cfg.Fractional))
}

func (f *SpreadWidthFilter) Validate() error {
	if f.cfg.Min < 0 || f.cfg.Max < f.cfg.Min {
		return fmt.Errorf("%w: spread width range [%.4f,%.4f]", models.ErrConfig, f.cfg.Min, f.cfg.Max)
	}
	return nil
}

// ProbabilityFilter bounds the probability of profit of a built vertical.
type ProbabilityFilter struct {
	cfg ProbabilityConfig
}

// NewProbabilityFilter builds a probability filter from its config.
func NewProbabilityFilter(cfg ProbabilityConfig) *ProbabilityFilter {
	return &ProbabilityFilter{cfg: cfg}
}

func (f *ProbabilityFilter) Keep(s *models.SpreadResult) bool {
	return inRange(s.PoP, f.cfg.MinPoP, f.cfg.MaxPoP)
}

func (f *ProbabilityFilter) Name() string { return "probability" }

func (f *ProbabilityFilter) StaticKey() []byte {
	return staticKey(f.Name(), f.cfg.MinPoP, f.cfg.MaxPoP)
}

func (f *ProbabilityFilter) Validate() error {
	if f.cfg.MinPoP < 0 || f.cfg.MaxPoP > 1 || f.cfg.MaxPoP < f.cfg.MinPoP {
		return fmt.Errorf("%w: probability band [%.2f,%.2f]", models.ErrConfig, f.cfg.MinPoP, f.cfg.MaxPoP)
	}
	return nil
}
