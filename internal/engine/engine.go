// Package engine owns the scan registry and the tick loop. Each tick a due
// scan fetches its symbols through the coordinator, runs its filter chain,
// builds and scores vertical spreads, diffs against the previous tick and
// fans the delta out to its subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spreadscan/spreadscan/internal/coordinator"
	"github.com/spreadscan/spreadscan/internal/filters"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/models"
)

// Dispatcher is the coordinator surface the engine needs. Satisfied by
// *coordinator.Coordinator.
type Dispatcher interface {
	Submit(batch coordinator.Batch) (<-chan coordinator.Result, error)
}

// Config tunes the engine.
type Config struct {
	// TickInterval is the dispatch loop cadence.
	TickInterval time.Duration
	// DefaultScanInterval applies when a spec omits its interval.
	DefaultScanInterval time.Duration
	// MaxScans bounds concurrent enrolled scans; exceeded means ErrOverload.
	MaxScans int
	// DefaultMaxResults applies when a spec omits its cap.
	DefaultMaxResults int
	// SubscriberQueue is the per-subscriber event queue capacity.
	SubscriberQueue int
	// DrainTimeout bounds how long Stop waits for in-flight ticks.
	DrainTimeout time.Duration
	// DisableSkips turns off the chain skip heuristics for every scan.
	DisableSkips bool
	// CacheSize bounds each scan's filter stage cache; zero means the
	// filters package default.
	CacheSize int
	// CacheTTL overrides the fallback stage cache lifetime.
	CacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.DefaultScanInterval < time.Second {
		c.DefaultScanInterval = 5 * time.Second
	}
	if c.MaxScans <= 0 {
		c.MaxScans = 32
	}
	if c.DefaultMaxResults <= 0 {
		c.DefaultMaxResults = 50
	}
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = 1000
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// metricsEventEvery is the tick cadence of stream metrics events.
const metricsEventEvery = 10

// Engine is the scan registry plus the tick loop.
type Engine struct {
	cfg        Config
	dispatcher Dispatcher
	iv         filters.IVHistorySource
	logger     *logrus.Logger
	mx         *metrics.Metrics

	mu    sync.RWMutex
	scans map[string]*scan

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is injectable for tests.
	now func() time.Time
}

// New builds an engine; call Start before enrolling scans that should tick.
func New(cfg Config, dispatcher Dispatcher, iv filters.IVHistorySource, logger *logrus.Logger, mx *metrics.Metrics) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		cfg:        cfg,
		dispatcher: dispatcher,
		iv:         iv,
		logger:     logger,
		mx:         mx,
		scans:      make(map[string]*scan),
		now:        time.Now,
	}
}

// Start launches the tick loop.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(e.ctx)
}

// Stop cancels the tick loop and drains in-flight tick tasks up to the
// configured timeout.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.Drain(e.cfg.DrainTimeout)
}

// Drain waits for outstanding tick tasks, up to timeout. Returns false when
// the timeout elapsed with tasks still running.
func (e *Engine) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// StartScan validates the spec, builds its chain executor and enrolls the
// scan. The first tick is due immediately.
func (e *Engine) StartScan(spec ScanSpec) (string, error) {
	spec.normalize(e.cfg)
	if err := spec.validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	exec, err := filters.NewExecutor(spec.Filters, e.iv, filters.ExecutorOptions{
		ScanLabel:    id,
		DisableSkips: e.cfg.DisableSkips,
		CacheSize:    e.cfg.CacheSize,
		DefaultTTL:   e.cfg.CacheTTL,
	}, e.logger, e.mx)
	if err != nil {
		return "", err
	}

	s := &scan{
		id:        id,
		spec:      spec,
		exec:      exec,
		prev:      make(map[string]*models.SpreadResult),
		subs:      make(map[string]*Subscriber),
		nextDueAt: e.now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.scans) >= e.cfg.MaxScans {
		return "", fmt.Errorf("%w: scan limit %d reached", models.ErrOverload, e.cfg.MaxScans)
	}
	e.scans[id] = s
	if e.mx != nil {
		e.mx.ActiveScans.Inc()
	}
	e.logger.WithFields(logrus.Fields{"scan": id, "symbols": len(spec.Symbols)}).Info("scan started")
	return id, nil
}

// StopScan removes the scan and closes its subscribers. An in-flight tick
// completes but emits nothing.
func (e *Engine) StopScan(id string) error {
	e.mu.Lock()
	s, ok := e.scans[id]
	if ok {
		delete(e.scans, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: scan %s", models.ErrNotFound, id)
	}

	s.mu.Lock()
	s.stopped = true
	for subID, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, subID)
		if e.mx != nil {
			e.mx.Subscribers.Dec()
		}
	}
	s.mu.Unlock()

	if e.mx != nil {
		e.mx.ActiveScans.Dec()
	}
	e.logger.WithField("scan", id).Info("scan stopped")
	return nil
}

// UpdateFilters atomically replaces the scan's chain. The swap happens under
// the scan lock, so it never interleaves with a running chain; stats and
// cached stages survive for filters whose static key is unchanged.
func (e *Engine) UpdateFilters(id string, cfg filters.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s, err := e.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("%w: scan %s", models.ErrNotFound, id)
	}
	if err := s.exec.Swap(cfg, e.iv); err != nil {
		return err
	}
	s.spec.Filters = cfg
	e.logger.WithField("scan", id).Info("scan filters updated")
	return nil
}

// FilterConfig returns the scan's current filter configuration.
func (e *Engine) FilterConfig(id string) (filters.Config, error) {
	s, err := e.get(id)
	if err != nil {
		return filters.Config{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec.Filters, nil
}

// Status snapshots one scan.
func (e *Engine) Status(id string) (ScanStatus, error) {
	s, err := e.get(id)
	if err != nil {
		return ScanStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ScanStatus{
		ID:           s.id,
		Symbols:      append([]string(nil), s.spec.Symbols...),
		Tick:         s.tick,
		LastTickAt:   s.lastTickAt,
		NextTickAt:   s.nextDueAt,
		Results:      len(s.results),
		Subscribers:  len(s.subs),
		FilterStats:  s.exec.StatsSnapshot(),
		CacheHitRate: s.exec.CacheHitRate(),
		Warnings:     append([]string(nil), s.lastWarnings...),
	}, nil
}

// Results pages through the scan's current result set. since is a tick
// watermark: a caller that has seen tick n passes since=n and receives
// nothing until a newer tick lands. Returns the page, the total result count
// and the current tick.
func (e *Engine) Results(id string, limit, offset int, since uint64) ([]*models.SpreadResult, int, uint64, error) {
	s, err := e.get(id)
	if err != nil {
		return nil, 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.results)
	if since >= s.tick && s.tick > 0 {
		return nil, total, s.tick, nil
	}
	if offset >= total {
		return nil, total, s.tick, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := make([]*models.SpreadResult, end-offset)
	copy(page, s.results[offset:end])
	return page, total, s.tick, nil
}

// Subscribe attaches a stream to a scan. The current result set is delivered
// first as a synthetic added burst, then live diffs follow; the burst and the
// diffs cannot interleave because both happen under the scan lock.
func (e *Engine) Subscribe(id string, wants []models.EventType) (*Subscriber, error) {
	s, err := e.get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("%w: scan %s", models.ErrNotFound, id)
	}

	sub := newSubscriber(e.cfg.SubscriberQueue, wants)
	now := e.now()
	if sub.Wants(models.EventResult) {
		for _, r := range s.results {
			ev := models.Event{
				Type:      models.EventResult,
				Timestamp: now,
				ScanID:    s.id,
				Data:      models.ResultEvent{Action: models.ActionAdded, Result: r},
			}
			if !sub.push(ev) && e.mx != nil {
				e.mx.DroppedEvents.Inc()
			}
		}
	}
	s.subs[sub.id] = sub
	if e.mx != nil {
		e.mx.Subscribers.Inc()
	}
	return sub, nil
}

// Unsubscribe detaches and closes a subscriber. Unknown ids are a no-op so
// transport teardown can be unconditional.
func (e *Engine) Unsubscribe(scanID, subID string) {
	s, err := e.get(scanID)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subID]
	if !ok {
		return
	}
	delete(s.subs, subID)
	close(sub.ch)
	if e.mx != nil {
		e.mx.Subscribers.Dec()
	}
}

// UpdateSubscription replaces a subscriber's event-type selection.
func (e *Engine) UpdateSubscription(scanID, subID string, wants []models.EventType) error {
	s, err := e.get(scanID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subID]
	if !ok {
		return fmt.Errorf("%w: subscriber %s", models.ErrNotFound, subID)
	}
	sub.SetWants(wants)
	return nil
}

// ScanIDs lists enrolled scans.
func (e *Engine) ScanIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.scans))
	for id := range e.scans {
		out = append(out, id)
	}
	return out
}

func (e *Engine) get(id string) (*scan, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.scans[id]
	if !ok {
		return nil, fmt.Errorf("%w: scan %s", models.ErrNotFound, id)
	}
	return s, nil
}

// loop drives tick dispatch.
func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.dispatchDue(ctx)
		}
	}
}

// dispatchDue spawns one tick task per due scan. A scan with an outstanding
// tick is never dispatched again until it completes, which also guarantees at
// most one coordinator request per scan in flight.
func (e *Engine) dispatchDue(ctx context.Context) {
	now := e.now()

	e.mu.RLock()
	var due []*scan
	for _, s := range e.scans {
		s.mu.Lock()
		if !s.inFlight && !s.stopped && !s.nextDueAt.After(now) {
			s.inFlight = true
			due = append(due, s)
		}
		s.mu.Unlock()
	}
	e.mu.RUnlock()

	for _, s := range due {
		e.wg.Add(1)
		go e.runTick(ctx, s)
	}
}

// runTick executes one full scan cycle. Panics are contained: the tick is
// counted as failed and the scan continues at its next interval.
func (e *Engine) runTick(ctx context.Context, s *scan) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("scan", s.id).Errorf("tick panicked: %v", r)
			if e.mx != nil {
				e.mx.TicksTotal.WithLabelValues("failed").Inc()
			}
		}
		s.mu.Lock()
		s.inFlight = false
		if !s.nextDueAt.After(e.now()) {
			s.nextDueAt = e.now().Add(s.spec.Interval)
		}
		s.mu.Unlock()
	}()

	start := e.now()
	ch, err := e.dispatcher.Submit(coordinator.Batch{
		ScanID:   s.id,
		Symbols:  s.spec.Symbols,
		Deadline: start.Add(s.spec.Interval),
	})
	if err != nil {
		e.skipTick(s, err)
		return
	}

	select {
	case <-ctx.Done():
		return
	case res := <-ch:
		if res.Err != nil {
			e.skipTick(s, res.Err)
			return
		}
		e.completeTick(s, start, res.Contracts)
	}
}

// skipTick records a tick that produced no results. The previous result set
// stands, no diff is emitted, and subscribers see only a status event with
// the skip reason.
func (e *Engine) skipTick(s *scan, cause error) {
	reason := skipReason(cause)
	e.logger.WithError(cause).WithFields(logrus.Fields{"scan": s.id, "reason": reason}).Warn("tick skipped")
	if e.mx != nil {
		e.mx.TicksTotal.WithLabelValues("skipped").Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.tick++
	now := e.now()
	s.lastTickAt = now
	s.nextDueAt = now.Add(s.spec.Interval)

	status := models.Event{
		Type:      models.EventStatus,
		Timestamp: now,
		ScanID:    s.id,
		Data: models.StatusEvent{
			Tick:        s.tick,
			Symbols:     len(s.spec.Symbols),
			Results:     len(s.results),
			SkipReason:  reason,
			NextTickAt:  s.nextDueAt,
			Subscribers: len(s.subs),
		},
	}
	e.fanOut(s, []models.Event{status})
}

// completeTick runs the chain, builds the result set, diffs and broadcasts.
func (e *Engine) completeTick(s *scan, start time.Time, contracts []models.Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	filtered, warnings := s.exec.Apply(contracts)
	results := buildSpreads(filtered, s.exec.KeepSpread)
	sortResults(results, s.spec.SortKey, s.spec.SortDir)
	results = truncateResults(results, s.spec.MaxResults)

	d := computeDiff(s.prev, results)

	s.tick++
	now := e.now()
	s.lastTickAt = now
	s.nextDueAt = now.Add(s.spec.Interval)
	s.lastWarnings = warnings
	s.results = results
	s.prev = make(map[string]*models.SpreadResult, len(results))
	for _, r := range results {
		s.prev[r.ID] = r
	}

	elapsed := now.Sub(start)
	if e.mx != nil {
		e.mx.TickDuration.WithLabelValues(s.id).Observe(elapsed.Seconds())
		e.mx.TicksTotal.WithLabelValues("ok").Inc()
		e.mx.ResultsEmitted.WithLabelValues(string(models.ActionAdded)).Add(float64(len(d.added)))
		e.mx.ResultsEmitted.WithLabelValues(string(models.ActionRemoved)).Add(float64(len(d.removed)))
		e.mx.ResultsEmitted.WithLabelValues(string(models.ActionChanged)).Add(float64(len(d.changed)))
	}

	events := make([]models.Event, 0, len(d.removed)+len(d.changed)+len(d.added)+1)
	appendResults := func(action models.DiffAction, rs []*models.SpreadResult) {
		for _, r := range rs {
			events = append(events, models.Event{
				Type:      models.EventResult,
				Timestamp: now,
				ScanID:    s.id,
				Data:      models.ResultEvent{Action: action, Result: r},
			})
		}
	}
	// Fixed intra-tick order so clients can apply updates idempotently.
	appendResults(models.ActionRemoved, d.removed)
	appendResults(models.ActionChanged, d.changed)
	appendResults(models.ActionAdded, d.added)
	events = append(events, models.Event{
		Type:      models.EventStatus,
		Timestamp: now,
		ScanID:    s.id,
		Data: models.StatusEvent{
			Tick:        s.tick,
			Symbols:     len(s.spec.Symbols),
			Contracts:   len(contracts),
			Results:     len(results),
			Added:       len(d.added),
			Removed:     len(d.removed),
			Changed:     len(d.changed),
			Duration:    elapsed,
			Warnings:    warnings,
			NextTickAt:  s.nextDueAt,
			Subscribers: len(s.subs),
		},
	})
	if s.tick%metricsEventEvery == 0 {
		events = append(events, models.Event{
			Type:      models.EventMetrics,
			Timestamp: now,
			ScanID:    s.id,
			Data: models.MetricsEvent{
				Tick:         s.tick,
				TickDuration: elapsed,
				Results:      len(results),
				CacheHitRate: s.exec.CacheHitRate(),
				Subscribers:  len(s.subs),
			},
		})
	}

	e.fanOut(s, events)
}

// fanOut pushes events to every subscriber and applies slow-subscriber
// accounting. Must be called with s.mu held.
func (e *Engine) fanOut(s *scan, events []models.Event) {
	for id, sub := range s.subs {
		dropped := false
		for _, ev := range events {
			if !sub.Wants(ev.Type) {
				continue
			}
			if !sub.push(ev) {
				dropped = true
				if e.mx != nil {
					e.mx.DroppedEvents.Inc()
				}
			}
		}

		if !dropped {
			sub.slowStreak = 0
			continue
		}
		sub.slowStreak++
		if sub.slowStreak < slowTickLimit {
			e.logger.WithFields(logrus.Fields{"scan": s.id, "subscriber": id}).Warn("subscriber slow, queue full")
			continue
		}

		// Stayed slow too long; cut it loose so the scan stays low-jitter for
		// everyone else.
		sub.push(models.Event{
			Type:      models.EventError,
			Timestamp: e.now(),
			ScanID:    s.id,
			Data:      models.ErrorEvent{Code: "slow_consumer", Message: "subscriber queue full for consecutive ticks"},
		})
		delete(s.subs, id)
		close(sub.ch)
		if e.mx != nil {
			e.mx.Subscribers.Dec()
			e.mx.SlowEvictions.Inc()
		}
		e.logger.WithFields(logrus.Fields{"scan": s.id, "subscriber": id}).Warn("slow subscriber disconnected")
	}
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, models.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, models.ErrDeadline):
		return "deadline"
	case errors.Is(err, models.ErrOverload):
		return "overload"
	case errors.Is(err, models.ErrDependency):
		return "dependency"
	default:
		return "error"
	}
}
