package filters

import "time"

// ewmaAlpha weights new observations into the rolling stats.
const ewmaAlpha = 0.2

// Stats is the per-filter rolling record the optimizer reads: exponentially
// weighted selectivity (|out|/|in|) and cost per input contract, plus a run
// counter. Owned by the chain executor; single-writer, no locking needed.
type Stats struct {
	// Selectivity is the EWMA of output/input ratio. Lower is more selective.
	Selectivity float64
	// CostPerContract is the EWMA execution time per input contract.
	CostPerContract time.Duration
	// Runs counts completed invocations.
	Runs int64
	// LastRun is the wall time of the most recent invocation.
	LastRun time.Time
}

// observe folds one invocation into the rolling stats.
func (s *Stats) observe(in, out int, elapsed time.Duration) {
	if in == 0 {
		return
	}
	sel := float64(out) / float64(in)
	cost := elapsed / time.Duration(in)

	if s.Runs == 0 {
		s.Selectivity = sel
		s.CostPerContract = cost
	} else {
		s.Selectivity = ewmaAlpha*sel + (1-ewmaAlpha)*s.Selectivity
		s.CostPerContract = time.Duration(ewmaAlpha*float64(cost) + (1-ewmaAlpha)*float64(s.CostPerContract))
	}
	s.Runs++
	s.LastRun = time.Now()
}

// estimatedCost projects the expense of running the filter against a batch of
// the given size: work done on the input weighted by how much survives.
func (s *Stats) estimatedCost(inputSize int) float64 {
	return s.Selectivity * float64(s.CostPerContract) * float64(inputSize)
}
