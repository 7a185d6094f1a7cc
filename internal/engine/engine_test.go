package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadscan/spreadscan/internal/coordinator"
	"github.com/spreadscan/spreadscan/internal/filters"
	"github.com/spreadscan/spreadscan/internal/market"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/models"
)

// stubDispatcher resolves every batch immediately with canned data.
type stubDispatcher struct {
	contracts []models.Contract
	err       error
	calls     int
}

func (d *stubDispatcher) Submit(coordinator.Batch) (<-chan coordinator.Result, error) {
	d.calls++
	ch := make(chan coordinator.Result, 1)
	ch <- coordinator.Result{Contracts: d.contracts, Err: d.err}
	return ch, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newTestEngine(cfg Config, d Dispatcher) *Engine {
	return New(cfg, d, nil, quietLogger(), metrics.New())
}

func startScan(t *testing.T, e *Engine, spec ScanSpec) *scan {
	t.Helper()
	id, err := e.StartScan(spec)
	require.NoError(t, err)
	s, err := e.get(id)
	require.NoError(t, err)
	return s
}

func drain(sub *Subscriber) []models.Event {
	var out []models.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStartScanRejectsInvalidSpec(t *testing.T) {
	e := newTestEngine(Config{}, &stubDispatcher{})
	_, err := e.StartScan(ScanSpec{})
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestStartScanEnforcesScanLimit(t *testing.T) {
	e := newTestEngine(Config{MaxScans: 1}, &stubDispatcher{})
	_, err := e.StartScan(ScanSpec{Symbols: []string{"SPY"}})
	require.NoError(t, err)
	_, err = e.StartScan(ScanSpec{Symbols: []string{"QQQ"}})
	assert.ErrorIs(t, err, models.ErrOverload)
}

func TestEventOrderWithinTick(t *testing.T) {
	e := newTestEngine(Config{}, &stubDispatcher{})
	s := startScan(t, e, ScanSpec{Symbols: []string{"SPY"}})

	e1 := time.Now().AddDate(0, 1, 0)
	e2 := time.Now().AddDate(0, 2, 0)
	e3 := time.Now().AddDate(0, 3, 0)

	tick1 := []models.Contract{
		callContract("SPY", e1, 100, 5), callContract("SPY", e1, 105, 3),
		callContract("SPY", e2, 100, 5), callContract("SPY", e2, 105, 3),
	}
	e.completeTick(s, e.now(), tick1)

	sub, err := e.Subscribe(s.id, nil)
	require.NoError(t, err)
	burst := drain(sub)
	require.Len(t, burst, 2, "snapshot burst covers the current result set")
	for _, ev := range burst {
		assert.Equal(t, models.EventResult, ev.Type)
		assert.Equal(t, models.ActionAdded, ev.Data.(models.ResultEvent).Action)
	}

	// Next tick: e1 spread changed, e2 spread gone, e3 spread new.
	tick2 := []models.Contract{
		callContract("SPY", e1, 100, 5.5), callContract("SPY", e1, 105, 3),
		callContract("SPY", e3, 100, 5), callContract("SPY", e3, 105, 3),
	}
	e.completeTick(s, e.now(), tick2)

	events := drain(sub)
	require.Len(t, events, 4)

	removed := events[0].Data.(models.ResultEvent)
	assert.Equal(t, models.ActionRemoved, removed.Action)
	assert.Equal(t, e2.Format("20060102"), removed.Result.Expiry.Format("20060102"))

	changed := events[1].Data.(models.ResultEvent)
	assert.Equal(t, models.ActionChanged, changed.Action)
	assert.Equal(t, e1.Format("20060102"), changed.Result.Expiry.Format("20060102"))

	added := events[2].Data.(models.ResultEvent)
	assert.Equal(t, models.ActionAdded, added.Action)
	assert.Equal(t, e3.Format("20060102"), added.Result.Expiry.Format("20060102"))

	status := events[3]
	require.Equal(t, models.EventStatus, status.Type)
	st := status.Data.(models.StatusEvent)
	assert.Equal(t, 1, st.Added)
	assert.Equal(t, 1, st.Removed)
	assert.Equal(t, 1, st.Changed)
	assert.Equal(t, uint64(2), st.Tick)
}

func TestSnapshotPlusDiffsEqualsDirectSnapshot(t *testing.T) {
	e := newTestEngine(Config{}, &stubDispatcher{})
	s := startScan(t, e, ScanSpec{Symbols: []string{"SPY"}})

	e1 := time.Now().AddDate(0, 1, 0)
	e2 := time.Now().AddDate(0, 2, 0)

	e.completeTick(s, e.now(), []models.Contract{
		callContract("SPY", e1, 100, 5), callContract("SPY", e1, 105, 3),
	})

	sub, err := e.Subscribe(s.id, nil)
	require.NoError(t, err)

	e.completeTick(s, e.now(), []models.Contract{
		callContract("SPY", e1, 100, 5.5), callContract("SPY", e1, 105, 3),
		callContract("SPY", e2, 100, 5), callContract("SPY", e2, 105, 3),
	})
	e.completeTick(s, e.now(), []models.Contract{
		callContract("SPY", e2, 100, 5), callContract("SPY", e2, 105, 3),
	})

	replayed := make(map[string]*models.SpreadResult)
	for _, ev := range drain(sub) {
		re, ok := ev.Data.(models.ResultEvent)
		if !ok {
			continue
		}
		switch re.Action {
		case models.ActionRemoved:
			delete(replayed, re.Result.ID)
		default:
			replayed[re.Result.ID] = re.Result
		}
	}

	direct, _, _, err := e.Results(s.id, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, replayed, len(direct))
	for _, r := range direct {
		assert.Contains(t, replayed, r.ID)
	}
}

func TestMetricsEventEmittedPeriodically(t *testing.T) {
	e := newTestEngine(Config{}, &stubDispatcher{})
	s := startScan(t, e, ScanSpec{Symbols: []string{"SPY"}})

	sub, err := e.Subscribe(s.id, []models.EventType{models.EventMetrics})
	require.NoError(t, err)

	expiry := time.Now().AddDate(0, 1, 0)
	contracts := []models.Contract{
		callContract("SPY", expiry, 100, 5), callContract("SPY", expiry, 105, 3),
	}

	s.mu.Lock()
	s.tick = metricsEventEvery - 1
	s.mu.Unlock()
	e.completeTick(s, e.now(), contracts)

	events := drain(sub)
	require.Len(t, events, 1, "only the metrics event matches the subscription")
	require.Equal(t, models.EventMetrics, events[0].Type)
	me, ok := events[0].Data.(models.MetricsEvent)
	require.True(t, ok)
	assert.Equal(t, uint64(metricsEventEvery), me.Tick)
	assert.Equal(t, 1, me.Results)

	e.completeTick(s, e.now(), contracts)
	assert.Empty(t, drain(sub), "off-cadence ticks emit no metrics event")
}

func TestSkipTickKeepsPreviousResults(t *testing.T) {
	e := newTestEngine(Config{}, &stubDispatcher{})
	s := startScan(t, e, ScanSpec{Symbols: []string{"SPY"}})

	e1 := time.Now().AddDate(0, 1, 0)
	e.completeTick(s, e.now(), []models.Contract{
		callContract("SPY", e1, 100, 5), callContract("SPY", e1, 105, 3),
	})
	sub, err := e.Subscribe(s.id, nil)
	require.NoError(t, err)
	drain(sub)

	e.skipTick(s, fmt.Errorf("%w: upstream unhealthy", models.ErrCircuitOpen))

	events := drain(sub)
	require.Len(t, events, 1, "skipped tick emits only a status event")
	require.Equal(t, models.EventStatus, events[0].Type)
	st := events[0].Data.(models.StatusEvent)
	assert.Equal(t, "circuit_open", st.SkipReason)
	assert.Equal(t, 1, st.Results, "previous result set stands")

	status, err := e.Status(s.id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), status.Tick)
	assert.Equal(t, 1, status.Results)
}

func TestSlowSubscriberEvictedAfterConsecutiveSlowTicks(t *testing.T) {
	e := newTestEngine(Config{SubscriberQueue: 1}, &stubDispatcher{})
	s := startScan(t, e, ScanSpec{Symbols: []string{"SPY"}})

	e1 := time.Now().AddDate(0, 1, 0)
	contracts := []models.Contract{
		callContract("SPY", e1, 100, 5), callContract("SPY", e1, 105, 3),
	}
	e.completeTick(s, e.now(), contracts)

	slow, err := e.Subscribe(s.id, nil)
	require.NoError(t, err)
	healthy, err := e.Subscribe(s.id, nil)
	require.NoError(t, err)
	drain(healthy)

	// The slow subscriber never drains; its queue holds the snapshot burst.
	// Tick 1 drops (marked slow), ticks 2 and 3 stay slow, eviction on tick 3.
	for i := 0; i < 2; i++ {
		e.completeTick(s, e.now(), contracts)
		assert.NotEmpty(t, drain(healthy), "healthy subscriber keeps receiving")
		s.mu.Lock()
		_, stillThere := s.subs[slow.id]
		s.mu.Unlock()
		assert.True(t, stillThere, "tick %d: not yet evicted", i+1)
	}

	e.completeTick(s, e.now(), contracts)
	assert.NotEmpty(t, drain(healthy))

	s.mu.Lock()
	_, stillThere := s.subs[slow.id]
	s.mu.Unlock()
	assert.False(t, stillThere, "slow subscriber disconnected")

	// Stream ends: buffered event, then closed channel.
	<-slow.Events()
	_, ok := <-slow.Events()
	assert.False(t, ok)
}

func TestUpdateFiltersRoundTrip(t *testing.T) {
	e := newTestEngine(Config{}, &stubDispatcher{})
	s := startScan(t, e, ScanSpec{Symbols: []string{"SPY"}})

	cfg := filters.Config{DTE: &filters.DTEConfig{MinDays: 30, MaxDays: 60}}
	require.NoError(t, e.UpdateFilters(s.id, cfg))

	got, err := e.FilterConfig(s.id)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	bad := filters.Config{DTE: &filters.DTEConfig{MinDays: 60, MaxDays: 30}}
	assert.ErrorIs(t, e.UpdateFilters(s.id, bad), models.ErrConfig)
}

func TestStopScanClosesSubscribersAndSilencesTick(t *testing.T) {
	e := newTestEngine(Config{}, &stubDispatcher{})
	s := startScan(t, e, ScanSpec{Symbols: []string{"SPY"}})

	sub, err := e.Subscribe(s.id, nil)
	require.NoError(t, err)

	require.NoError(t, e.StopScan(s.id))
	_, ok := <-sub.Events()
	assert.False(t, ok, "subscriber stream closed on stop")

	// An in-flight tick finishing after stop emits nothing and changes nothing.
	e1 := time.Now().AddDate(0, 1, 0)
	e.completeTick(s, e.now(), []models.Contract{
		callContract("SPY", e1, 100, 5), callContract("SPY", e1, 105, 3),
	})
	assert.Empty(t, s.results)

	assert.Error(t, e.StopScan(s.id), "second stop reports not found")
}

func TestUnsubscribeLeavesNoDanglingReferences(t *testing.T) {
	e := newTestEngine(Config{}, &stubDispatcher{})
	s := startScan(t, e, ScanSpec{Symbols: []string{"SPY"}})

	sub, err := e.Subscribe(s.id, nil)
	require.NoError(t, err)
	e.Unsubscribe(s.id, sub.ID())

	s.mu.Lock()
	count := len(s.subs)
	s.mu.Unlock()
	assert.Zero(t, count)

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Repeat unsubscribe is a no-op.
	e.Unsubscribe(s.id, sub.ID())
}

func TestResultsPagination(t *testing.T) {
	e := newTestEngine(Config{}, &stubDispatcher{})
	s := startScan(t, e, ScanSpec{Symbols: []string{"SPY"}})

	e1 := time.Now().AddDate(0, 1, 0)
	var contracts []models.Contract
	for i, strike := range []float64{100, 105, 110, 115, 120} {
		contracts = append(contracts, callContract("SPY", e1, strike, 6.0-float64(i)))
	}
	e.completeTick(s, e.now(), contracts)

	all, total, tick, err := e.Results(s.id, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tick)
	assert.Equal(t, len(all), total)
	require.NotEmpty(t, all)

	page, _, _, err := e.Results(s.id, 2, 1, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)

	// Watermark at the current tick yields nothing new.
	stale, _, _, err := e.Results(s.id, 0, 0, tick)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestResultsSortedAndTruncatedInvariant(t *testing.T) {
	e := newTestEngine(Config{}, &stubDispatcher{})
	s := startScan(t, e, ScanSpec{Symbols: []string{"SPY"}, MaxResults: 3})

	e1 := time.Now().AddDate(0, 1, 0)
	var contracts []models.Contract
	for i, strike := range []float64{100, 105, 110, 115, 120, 125} {
		contracts = append(contracts, callContract("SPY", e1, strike, 7.0-float64(i)))
	}
	e.completeTick(s, e.now(), contracts)

	results, _, _, err := e.Results(s.id, 0, 0, 0)
	require.NoError(t, err)
	require.LessOrEqual(t, len(results), 3)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score, "sorted by score descending")
	}
}

func TestTickPanicDoesNotKillEngine(t *testing.T) {
	e := newTestEngine(Config{}, &panicDispatcher{})
	s := startScan(t, e, ScanSpec{Symbols: []string{"SPY"}})

	e.wg.Add(1)
	e.runTick(context.Background(), s)

	s.mu.Lock()
	inFlight := s.inFlight
	s.mu.Unlock()
	assert.False(t, inFlight, "panicked tick releases the in-flight flag")

	// The scan remains serviceable.
	_, err := e.Status(s.id)
	assert.NoError(t, err)
}

type panicDispatcher struct{}

func (*panicDispatcher) Submit(coordinator.Batch) (<-chan coordinator.Result, error) {
	panic("dispatcher exploded")
}

func TestEngineTickLoopEndToEnd(t *testing.T) {
	mock := market.NewMockProvider(7)
	mx := metrics.New()
	coord := coordinator.New(coordinator.Config{Workers: 2, CoalesceWindow: time.Millisecond}, mock, quietLogger(), mx)
	coord.Start(context.Background())
	defer coord.Stop()

	e := New(Config{TickInterval: 10 * time.Millisecond}, coord, nil, quietLogger(), mx)
	e.Start(context.Background())
	defer e.Stop()

	id, err := e.StartScan(ScanSpec{
		Symbols: []string{"AAPL"},
		Filters: filters.Config{
			Liquidity: &filters.LiquidityConfig{MinVolume: 1, MinOpenInterest: 1, MaxSpread: 5},
		},
		MaxResults: 10,
	})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := e.Status(id)
		require.NoError(t, err)
		if st.Tick >= 1 {
			break
		}
		require.True(t, time.Now().Before(deadline), "first tick never completed")
		time.Sleep(10 * time.Millisecond)
	}

	results, _, _, err := e.Results(id, 0, 0, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 10)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	require.NoError(t, e.StopScan(id))
}
