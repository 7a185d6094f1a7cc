package engine

import (
	"math"
	"sort"

	"github.com/spreadscan/spreadscan/internal/models"
)

// Change-detection thresholds. Metric moves at or below these do not count as
// a change, keeping quote jitter out of the event stream.
const (
	priceEpsilon  = 0.01
	greeksEpsilon = 0.001
)

// tickDiff is the delta between two adjacent result sets. Applying removed,
// changed and added (in that order) to the previous set reproduces the next
// set exactly.
type tickDiff struct {
	added   []*models.SpreadResult
	removed []*models.SpreadResult
	changed []*models.SpreadResult
}

// computeDiff compares the previous tick's results (by id) against the new
// sorted set. Removed results are ordered by id so event order is
// deterministic; added and changed keep the sort order of next.
func computeDiff(prev map[string]*models.SpreadResult, next []*models.SpreadResult) tickDiff {
	var d tickDiff
	seen := make(map[string]bool, len(next))

	for _, r := range next {
		seen[r.ID] = true
		old, ok := prev[r.ID]
		if !ok {
			d.added = append(d.added, r)
			continue
		}
		if resultChanged(old, r) {
			d.changed = append(d.changed, r)
		}
	}

	for id, r := range prev {
		if !seen[id] {
			d.removed = append(d.removed, r)
		}
	}
	sort.Slice(d.removed, func(i, j int) bool { return d.removed[i].ID < d.removed[j].ID })
	return d
}

// resultChanged reports whether two snapshots of the same spread differ
// beyond the epsilon thresholds for price or greeks.
func resultChanged(a, b *models.SpreadResult) bool {
	return beyond(a.NetDebit, b.NetDebit, priceEpsilon) ||
		beyond(a.MaxProfit, b.MaxProfit, priceEpsilon) ||
		beyond(a.MaxLoss, b.MaxLoss, priceEpsilon) ||
		beyond(a.Breakeven, b.Breakeven, priceEpsilon) ||
		beyond(a.AvgBidAskSpread, b.AvgBidAskSpread, priceEpsilon) ||
		beyond(a.Score, b.Score, priceEpsilon) ||
		beyond(a.NetDelta, b.NetDelta, greeksEpsilon) ||
		beyond(a.NetGamma, b.NetGamma, greeksEpsilon) ||
		beyond(a.NetTheta, b.NetTheta, greeksEpsilon) ||
		beyond(a.NetVega, b.NetVega, greeksEpsilon) ||
		beyond(a.PoP, b.PoP, greeksEpsilon)
}

func beyond(a, b, eps float64) bool {
	return math.Abs(a-b) > eps
}
