package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spreadscan/spreadscan/internal/filters"
	"github.com/spreadscan/spreadscan/internal/models"
)

// Sort keys accepted by ScanSpec.
const (
	SortByScore     = "score"
	SortByPoP       = "pop"
	SortByMaxProfit = "max_profit"
	SortByNetDebit  = "net_debit"
	SortByExpiry    = "expiry"
)

// Sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// maxStrikeSteps bounds spread construction: legs may be at most this many
// strikes apart within an expiry's sorted strike ladder.
const maxStrikeSteps = 3

// ScanSpec is the user-supplied scan configuration. Interval, MaxResults and
// the sort fields are normalized against engine defaults before validation.
type ScanSpec struct {
	Symbols    []string       `json:"symbols"`
	Filters    filters.Config `json:"filters"`
	Interval   time.Duration  `json:"interval"`
	MaxResults int            `json:"max_results"`
	SortKey    string         `json:"sort_key"`
	SortDir    string         `json:"sort_dir"`
}

func (s *ScanSpec) normalize(cfg Config) {
	if s.Interval < time.Second {
		s.Interval = cfg.DefaultScanInterval
	}
	if s.MaxResults <= 0 {
		s.MaxResults = cfg.DefaultMaxResults
	}
	if s.SortKey == "" {
		s.SortKey = SortByScore
	}
	if s.SortDir == "" {
		if s.SortKey == SortByNetDebit || s.SortKey == SortByExpiry {
			s.SortDir = SortAsc
		} else {
			s.SortDir = SortDesc
		}
	}
}

func (s *ScanSpec) validate() error {
	if len(s.Symbols) == 0 {
		return fmt.Errorf("%w: scan needs at least one symbol", models.ErrConfig)
	}
	for _, sym := range s.Symbols {
		if sym == "" {
			return fmt.Errorf("%w: empty symbol", models.ErrConfig)
		}
	}
	switch s.SortKey {
	case SortByScore, SortByPoP, SortByMaxProfit, SortByNetDebit, SortByExpiry:
	default:
		return fmt.Errorf("%w: unknown sort key %q", models.ErrConfig, s.SortKey)
	}
	if s.SortDir != SortAsc && s.SortDir != SortDesc {
		return fmt.Errorf("%w: sort direction must be %q or %q", models.ErrConfig, SortAsc, SortDesc)
	}
	if err := s.Filters.Validate(); err != nil {
		return err
	}
	return nil
}

// ScanStatus is the externally visible state of one scan.
type ScanStatus struct {
	ID           string                   `json:"id"`
	Symbols      []string                 `json:"symbols"`
	Tick         uint64                   `json:"tick"`
	LastTickAt   time.Time                `json:"last_tick_at"`
	NextTickAt   time.Time                `json:"next_tick_at"`
	Results      int                      `json:"results"`
	Subscribers  int                      `json:"subscribers"`
	FilterStats  map[string]filters.Stats `json:"filter_stats"`
	CacheHitRate float64                  `json:"cache_hit_rate"`
	Warnings     []string                 `json:"warnings,omitempty"`
}

// scan is the runtime state behind one ScanSpec. All mutable fields are
// guarded by mu; the tick task and the admin calls are the only writers.
type scan struct {
	id   string
	spec ScanSpec
	exec *filters.Executor

	mu           sync.Mutex
	tick         uint64
	prev         map[string]*models.SpreadResult
	results      []*models.SpreadResult
	subs         map[string]*Subscriber
	lastTickAt   time.Time
	nextDueAt    time.Time
	lastWarnings []string
	inFlight     bool
	stopped      bool
}

// buildSpreads pairs surviving contracts into scored debit verticals. Legs
// share symbol, expiry and right; within each sorted strike ladder a pair may
// span at most maxStrikeSteps strikes. Calls go long the lower strike, puts
// long the higher, so every candidate is a debit spread. keep applies the
// spread-level filters.
func buildSpreads(contracts []models.Contract, keep func(*models.SpreadResult) bool) []*models.SpreadResult {
	groups := make(map[string][]models.Contract)
	for _, c := range contracts {
		if !c.HasValidQuote() {
			continue
		}
		key := c.Symbol + c.Expiry.Format("20060102") + string(c.Right)
		groups[key] = append(groups[key], c)
	}

	var out []*models.SpreadResult
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].Strike < group[j].Strike })
		for i := 0; i < len(group); i++ {
			for j := i + 1; j <= i+maxStrikeSteps && j < len(group); j++ {
				lo, hi := &group[i], &group[j]
				if lo.Strike == hi.Strike {
					continue
				}

				var s *models.SpreadResult
				if lo.Right == models.RightCall {
					s = models.BuildVerticalSpread(lo, hi)
				} else {
					s = models.BuildVerticalSpread(hi, lo)
				}
				if s == nil || s.NetDebit <= 0 || s.MaxProfit <= 0 {
					continue
				}
				if keep != nil && !keep(s) {
					continue
				}
				out = append(out, s)
			}
		}
	}
	return out
}

// sortResults orders rs by the scan's sort key and direction, breaking ties
// by id so the order is total and stable across ticks.
func sortResults(rs []*models.SpreadResult, key, dir string) {
	less := lessBy(key)
	desc := dir == SortDesc
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if desc {
			a, b = b, a
		}
		switch {
		case less(a, b):
			return true
		case less(b, a):
			return false
		default:
			return rs[i].ID < rs[j].ID
		}
	})
}

func lessBy(key string) func(a, b *models.SpreadResult) bool {
	switch key {
	case SortByPoP:
		return func(a, b *models.SpreadResult) bool { return a.PoP < b.PoP }
	case SortByMaxProfit:
		return func(a, b *models.SpreadResult) bool { return a.MaxProfit < b.MaxProfit }
	case SortByNetDebit:
		return func(a, b *models.SpreadResult) bool { return a.NetDebit < b.NetDebit }
	case SortByExpiry:
		return func(a, b *models.SpreadResult) bool { return a.Expiry.Before(b.Expiry) }
	default:
		return func(a, b *models.SpreadResult) bool { return a.Score < b.Score }
	}
}

func truncateResults(rs []*models.SpreadResult, max int) []*models.SpreadResult {
	if max > 0 && len(rs) > max {
		return rs[:max]
	}
	return rs
}
