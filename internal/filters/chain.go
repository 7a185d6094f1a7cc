package filters

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/models"
)

// Chain tuning knobs. Defaults applied by NewExecutor when zero.
const (
	// defaultReorderThreshold is the minimum run count every filter needs
	// before the optimizer reorders the chain by observed cost.
	defaultReorderThreshold = 10
	// skipBatchFloor is the input size below which high-cost filters are
	// skipped; the next full run is cheap enough to repair any drift.
	skipBatchFloor = 100
	// skipSelectivityCeil marks late-chain filters that retain nearly
	// everything as skippable.
	skipSelectivityCeil = 0.9
)

// ExecutorOptions configures a chain executor instance.
type ExecutorOptions struct {
	// CacheSize bounds the stage LRU. Zero means the package default.
	CacheSize int
	// DefaultTTL overrides the fallback cache lifetime for stages without a
	// kind-specific TTL floor.
	DefaultTTL time.Duration
	// ReorderThreshold overrides the run count before adaptive reordering.
	ReorderThreshold int64
	// DisableSkips turns off the small-batch and high-selectivity skip
	// heuristics for callers that need strict per-tick correctness.
	DisableSkips bool
	// ScanLabel tags this executor's metrics; usually the owning scan id.
	ScanLabel string
}

// Executor applies a filter chain in adaptively chosen order, caching stage
// outputs and learning per-filter selectivity and cost.
//
// An Executor is owned by exactly one scan and is not safe for concurrent
// use; the owning tick task is its single writer.
type Executor struct {
	filters       []Filter
	spreadFilters []SpreadFilter
	stats         map[string]*Stats
	cache         *stageCache
	opts          ExecutorOptions

	logger *logrus.Logger
	mx     *metrics.Metrics

	// now is injectable for tests.
	now func() time.Time
}

// NewExecutor builds an executor for the given config. The config must have
// been validated; a config error here is a programmer error and is returned
// wrapped in models.ErrInternal.
func NewExecutor(cfg Config, iv IVHistorySource, opts ExecutorOptions, logger *logrus.Logger, mx *metrics.Metrics) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: chain built from unvalidated config: %v", models.ErrInternal, err)
	}
	if opts.ReorderThreshold <= 0 {
		opts.ReorderThreshold = defaultReorderThreshold
	}
	if logger == nil {
		logger = logrus.New()
	}

	e := &Executor{
		filters:       cfg.ContractFilters(iv),
		spreadFilters: cfg.SpreadFilters(),
		stats:         make(map[string]*Stats),
		cache:         newStageCache(opts.CacheSize),
		opts:          opts,
		logger:        logger,
		mx:            mx,
		now:           time.Now,
	}

	// Default order: declared priority, stable.
	sort.SliceStable(e.filters, func(i, j int) bool {
		return e.filters[i].Priority() < e.filters[j].Priority()
	})
	for _, f := range e.filters {
		e.stats[f.Name()] = &Stats{}
	}
	return e, nil
}

// Swap replaces the filter set between ticks. Stats survive for filters whose
// static key is unchanged; the stage cache is carried as-is because its keys
// embed each filter's static key, so entries for changed filters can never
// hit again.
func (e *Executor) Swap(cfg Config, iv IVHistorySource) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	oldKeys := make(map[string][]byte, len(e.filters))
	for _, f := range e.filters {
		oldKeys[f.Name()] = f.StaticKey()
	}

	e.filters = cfg.ContractFilters(iv)
	e.spreadFilters = cfg.SpreadFilters()
	sort.SliceStable(e.filters, func(i, j int) bool {
		return e.filters[i].Priority() < e.filters[j].Priority()
	})

	stats := make(map[string]*Stats, len(e.filters))
	for _, f := range e.filters {
		if prev, ok := e.stats[f.Name()]; ok && bytes.Equal(oldKeys[f.Name()], f.StaticKey()) {
			stats[f.Name()] = prev
		} else {
			stats[f.Name()] = &Stats{}
		}
	}
	e.stats = stats
	return nil
}

// Apply runs the chain over in and returns the surviving contracts plus any
// warnings raised by degraded filters. The input is never mutated.
func (e *Executor) Apply(in []models.Contract) ([]models.Contract, []string) {
	if len(e.filters) == 0 || len(in) == 0 {
		return in, nil
	}

	order := e.effectiveOrder(len(in))
	now := e.now()

	var warnings []string
	current := in
	for i, f := range order {
		if len(current) == 0 {
			break
		}
		if e.shouldSkip(f, i, len(current)) {
			continue
		}

		key := stageKey(f, current)
		if cached, ok := e.cache.get(key, now); ok {
			current = cached
			continue
		}

		start := time.Now()
		out, err := f.Apply(current)
		elapsed := time.Since(start)

		if err != nil {
			if errors.Is(err, models.ErrDependency) {
				// Degrade to pass-through for this tick.
				e.logger.WithError(err).WithField("filter", f.Name()).Warn("filter dependency unavailable, passing through")
				warnings = append(warnings, fmt.Sprintf("%s: %v", f.Name(), err))
				continue
			}
			// Config errors are impossible post-validation; anything else is an
			// invariant violation. Pass through rather than dropping the tick.
			e.logger.WithError(err).WithField("filter", f.Name()).Error("filter failed unexpectedly, passing through")
			warnings = append(warnings, fmt.Sprintf("%s: %v", f.Name(), err))
			continue
		}

		e.stats[f.Name()].observe(len(current), len(out), elapsed)
		e.observeMetrics(f.Name(), len(current), len(out), elapsed)
		e.cache.put(key, out, e.ttlFor(f.Name()), now)
		current = out
	}

	if e.mx != nil && e.opts.ScanLabel != "" {
		e.mx.CacheHitRate.WithLabelValues(e.opts.ScanLabel).Set(e.cache.hitRate())
	}
	return current, warnings
}

// KeepSpread runs every spread-level filter against a built candidate.
func (e *Executor) KeepSpread(s *models.SpreadResult) bool {
	for _, f := range e.spreadFilters {
		if !f.Keep(s) {
			return false
		}
	}
	return true
}

// effectiveOrder returns the filters in execution order. Until every filter
// has ReorderThreshold observed runs the declared priority order stands.
// After that, filters are ordered by ascending estimated cost
// (selectivity x cost-per-contract x input size), except that order-dependent
// filters keep their declared slots.
func (e *Executor) effectiveOrder(inputSize int) []Filter {
	for _, f := range e.filters {
		if e.stats[f.Name()].Runs < e.opts.ReorderThreshold {
			return e.filters
		}
	}

	// Collect movable filters and their slots.
	movable := make([]Filter, 0, len(e.filters))
	slots := make([]int, 0, len(e.filters))
	for i, f := range e.filters {
		if !f.OrderDependent() {
			movable = append(movable, f)
			slots = append(slots, i)
		}
	}
	sort.SliceStable(movable, func(i, j int) bool {
		return e.stats[movable[i].Name()].estimatedCost(inputSize) <
			e.stats[movable[j].Name()].estimatedCost(inputSize)
	})

	order := make([]Filter, len(e.filters))
	copy(order, e.filters)
	for i, slot := range slots {
		order[slot] = movable[i]
	}
	return order
}

// shouldSkip applies the two skip heuristics. Skips never change observable
// correctness beyond the current tick: the stage's TTL floor guarantees the
// next full run re-evaluates the filter.
func (e *Executor) shouldSkip(f Filter, position, inputSize int) bool {
	if e.opts.DisableSkips {
		return false
	}
	if f.Cost() == CostHigh && inputSize < skipBatchFloor {
		e.countSkip(f.Name(), "small_batch")
		return true
	}
	st := e.stats[f.Name()]
	if position > 0 && st.Runs >= e.opts.ReorderThreshold && st.Selectivity >= skipSelectivityCeil {
		e.countSkip(f.Name(), "low_selectivity")
		return true
	}
	return false
}

// ttlFor resolves a stage's cache lifetime, honoring the configured default
// for stages without a kind-specific floor.
func (e *Executor) ttlFor(name string) time.Duration {
	ttl := stageTTL(name)
	if ttl == ttlDefault && e.opts.DefaultTTL > 0 {
		ttl = e.opts.DefaultTTL
	}
	return ttl
}

func (e *Executor) countSkip(name, reason string) {
	if e.mx != nil {
		e.mx.FilterSkips.WithLabelValues(name, reason).Inc()
	}
}

func (e *Executor) observeMetrics(name string, in, out int, elapsed time.Duration) {
	if e.mx == nil {
		return
	}
	e.mx.FilterDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	e.mx.FilterProcessed.WithLabelValues(name).Add(float64(in))
	e.mx.FilterRemoved.WithLabelValues(name).Add(float64(in - out))
}

// StatsSnapshot copies the current per-filter stats for status reporting.
func (e *Executor) StatsSnapshot() map[string]Stats {
	out := make(map[string]Stats, len(e.stats))
	for name, s := range e.stats {
		out[name] = *s
	}
	return out
}

// CacheHitRate reports the lifetime stage-cache hit ratio.
func (e *Executor) CacheHitRate() float64 {
	return e.cache.hitRate()
}

// FilterNames lists the chain's contract filters in declared order.
func (e *Executor) FilterNames() []string {
	names := make([]string, len(e.filters))
	for i, f := range e.filters {
		names[i] = f.Name()
	}
	return names
}
