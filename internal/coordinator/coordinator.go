// Package coordinator paces batched contract fetches against the rate-limited
// upstream gateway. A fixed worker pool pulls from one bounded queue; a
// semaphore caps in-flight upstream calls independently of the pool size;
// every call sits behind an adaptive backpressure delay, a token-bucket
// request budget, and a circuit breaker.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/spreadscan/spreadscan/internal/market"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/models"
)

// Config tunes the coordinator.
type Config struct {
	// Workers is the dispatcher pool size.
	Workers int
	// MaxConcurrent caps simultaneous in-flight upstream calls.
	MaxConcurrent int64
	// QueueSize bounds the request queue; a full queue rejects with
	// models.ErrOverload.
	QueueSize int
	// CoalesceWindow is how long a worker waits to merge overlapping batches.
	// Capped at 50ms.
	CoalesceWindow time.Duration
	// HealthPollInterval is the upstream health poll cadence, capped at 5s.
	HealthPollInterval time.Duration
	// AdaptiveBackpressure enables the queue-depth delay table.
	AdaptiveBackpressure bool
	// QueueThresholds override the backpressure breakpoints.
	QueueThresholds QueueThresholds
	// RequestsPerSecond is the token-bucket refill rate; Burst its capacity.
	RequestsPerSecond float64
	Burst             float64
	// Circuit tunes the upstream circuit breaker.
	Circuit CircuitSettings
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.CoalesceWindow <= 0 || c.CoalesceWindow > 50*time.Millisecond {
		c.CoalesceWindow = 50 * time.Millisecond
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 45
	}
	if c.Burst <= 0 {
		c.Burst = c.RequestsPerSecond
	}
}

// Batch is one caller-submitted fetch: the symbols a scan needs this tick and
// the deadline after which the result is useless.
type Batch struct {
	ScanID   string
	Symbols  []string
	Deadline time.Time
}

// Result resolves a submitted batch.
type Result struct {
	Contracts []models.Contract
	Err       error
}

type request struct {
	batch  Batch
	result chan Result
}

func (r *request) deliver(res Result) {
	// result is buffered with capacity 1 and delivered exactly once.
	r.result <- res
}

// Coordinator dispatches batched fetches to the upstream provider.
type Coordinator struct {
	cfg      Config
	provider market.Provider
	queue    chan *request
	sem      *semaphore.Weighted
	bucket   *TokenBucket
	breaker  *breaker
	health   *healthTracker

	logger *logrus.Logger
	mx     *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	probing atomic.Bool
}

// New builds a coordinator; call Start before submitting.
func New(cfg Config, provider market.Provider, logger *logrus.Logger, mx *metrics.Metrics) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}

	c := &Coordinator{
		cfg:      cfg,
		provider: provider,
		queue:    make(chan *request, cfg.QueueSize),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		bucket:   NewTokenBucket(cfg.Burst, cfg.RequestsPerSecond),
		health:   newHealthTracker(cfg.QueueThresholds, cfg.AdaptiveBackpressure),
		logger:   logger,
		mx:       mx,
	}
	c.breaker = newBreaker(cfg.Circuit, logger, c.health.setCircuit)
	c.health.setCircuit(c.breaker.state())
	return c
}

// Start launches the worker pool and health poller.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(c.ctx)
	}
	c.wg.Add(1)
	go c.pollHealth(c.ctx)
}

// Stop cancels the workers and resolves every queued request with
// models.ErrOverload.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	for {
		select {
		case req := <-c.queue:
			req.deliver(Result{Err: fmt.Errorf("%w: coordinator stopped", models.ErrOverload)})
		default:
			return
		}
	}
}

// Submit enqueues a batch and returns the channel its result will arrive on.
// A full queue fails immediately with models.ErrOverload; the request never
// blocks the caller.
func (c *Coordinator) Submit(batch Batch) (<-chan Result, error) {
	if len(batch.Symbols) == 0 {
		return nil, fmt.Errorf("%w: batch has no symbols", models.ErrConfig)
	}
	req := &request{batch: batch, result: make(chan Result, 1)}
	select {
	case c.queue <- req:
		if c.mx != nil {
			c.mx.QueueDepth.Set(float64(len(c.queue)))
		}
		return req.result, nil
	default:
		return nil, fmt.Errorf("%w: coordinator queue full", models.ErrOverload)
	}
}

// State snapshots current upstream health and coordinator posture.
func (c *Coordinator) State() State {
	s := c.health.snapshot()
	s.Circuit = c.breaker.state()
	return s
}

// worker is one dispatcher loop: pop, coalesce, pace, call, demultiplex.
func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()

	var carry *request
	for {
		var head *request
		if carry != nil {
			head, carry = carry, nil
		} else {
			select {
			case <-ctx.Done():
				return
			case head = <-c.queue:
			}
		}

		group, next := c.coalesce(ctx, head)
		carry = next

		live := group[:0]
		now := time.Now()
		for _, req := range group {
			if !req.batch.Deadline.IsZero() && now.After(req.batch.Deadline) {
				// Expired while queued; dropped without consuming a permit.
				req.deliver(Result{Err: fmt.Errorf("%w: expired in queue", models.ErrDeadline)})
				continue
			}
			live = append(live, req)
		}
		if len(live) == 0 {
			continue
		}

		c.dispatch(ctx, live)
	}
}

// coalesce merges queued batches that share symbols with head, within the
// coalesce window and the gateway's per-call symbol limit. A popped request
// that cannot merge is returned as carry for the next iteration.
func (c *Coordinator) coalesce(ctx context.Context, head *request) ([]*request, *request) {
	group := []*request{head}
	symbols := make(map[string]bool, len(head.batch.Symbols))
	for _, s := range head.batch.Symbols {
		symbols[s] = true
	}

	deadline := time.NewTimer(c.cfg.CoalesceWindow)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return group, nil
		case <-deadline.C:
			return group, nil
		case req := <-c.queue:
			added, ok := mergeSymbols(symbols, req.batch.Symbols)
			if !ok {
				return group, req
			}
			for _, s := range added {
				symbols[s] = true
			}
			group = append(group, req)
			if c.mx != nil {
				c.mx.CoalescedBatches.Inc()
			}
		}
	}
}

// mergeSymbols reports whether in can join the union: it must overlap the
// current set and the merged set must respect the per-call limit. Returns the
// symbols in would add.
func mergeSymbols(union map[string]bool, in []string) ([]string, bool) {
	overlap := false
	var added []string
	for _, s := range in {
		if union[s] {
			overlap = true
		} else {
			added = append(added, s)
		}
	}
	if !overlap || len(union)+len(added) > market.MaxSymbolsPerCall {
		return nil, false
	}
	return added, true
}

// dispatch paces and executes one upstream call for a coalesced group, then
// routes contracts back to each member by symbol.
func (c *Coordinator) dispatch(ctx context.Context, group []*request) {
	// Adaptive backpressure: sleep before the call, scaled by the last
	// observed upstream queue depth.
	delay := c.health.computeDelay()
	if c.mx != nil {
		c.mx.BackpressureDelay.Observe(delay.Seconds())
	}
	select {
	case <-ctx.Done():
		c.failAll(group, ctx.Err())
		return
	case <-time.After(delay):
	}

	if err := c.bucket.Wait(ctx); err != nil {
		c.failAll(group, err)
		return
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.failAll(group, err)
		return
	}
	if c.mx != nil {
		c.mx.InflightCalls.Inc()
	}

	symbols := unionSymbols(group)
	callCtx, cancel := context.WithCancel(ctx)
	if earliest, ok := earliestDeadline(group); ok {
		callCtx, cancel = context.WithDeadline(ctx, earliest)
	}

	start := time.Now()
	res, err := c.breaker.execute(func() (interface{}, error) {
		return c.provider.FetchContracts(callCtx, symbols)
	})
	rtt := time.Since(start)
	cancel()

	c.sem.Release(1)
	if c.mx != nil {
		c.mx.InflightCalls.Dec()
		c.mx.QueueDepth.Set(float64(len(c.queue)))
	}
	c.health.observeCall(rtt, err)
	c.maybeProbeHealth()

	if err != nil {
		c.countOutcome(err)
		c.failAll(group, mapUpstreamError(err))
		return
	}
	c.countOutcome(nil)

	contracts := res.([]models.Contract)
	for _, req := range group {
		req.deliver(Result{Contracts: selectSymbols(contracts, req.batch.Symbols)})
	}
}

func (c *Coordinator) failAll(group []*request, err error) {
	for _, req := range group {
		req.deliver(Result{Err: err})
	}
}

func (c *Coordinator) countOutcome(err error) {
	if c.mx == nil {
		return
	}
	switch {
	case err == nil:
		c.mx.UpstreamCalls.WithLabelValues("ok").Inc()
	case errors.Is(err, models.ErrCircuitOpen):
		c.mx.UpstreamCalls.WithLabelValues("circuit_open").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		c.mx.UpstreamCalls.WithLabelValues("deadline").Inc()
	default:
		c.mx.UpstreamCalls.WithLabelValues("error").Inc()
	}
}

// mapUpstreamError folds raw provider failures into the scanner taxonomy.
func mapUpstreamError(err error) error {
	switch {
	case errors.Is(err, models.ErrCircuitOpen):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", models.ErrDeadline, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: upstream fetch: %v", models.ErrDependency, err)
	}
}

func unionSymbols(group []*request) []string {
	seen := make(map[string]bool)
	var out []string
	for _, req := range group {
		for _, s := range req.batch.Symbols {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func earliestDeadline(group []*request) (time.Time, bool) {
	var earliest time.Time
	for _, req := range group {
		d := req.batch.Deadline
		if d.IsZero() {
			continue
		}
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	return earliest, !earliest.IsZero()
}

// selectSymbols filters fetched contracts down to one request's symbol set.
func selectSymbols(contracts []models.Contract, symbols []string) []models.Contract {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	out := make([]models.Contract, 0, len(contracts))
	for i := range contracts {
		if want[contracts[i].Symbol] {
			out = append(out, contracts[i])
		}
	}
	return out
}
