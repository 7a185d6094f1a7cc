package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/spreadscan/spreadscan/internal/market"
)

// QueueThresholds are the upstream queue-depth breakpoints driving the
// adaptive backpressure table. Delays escalate monotonically with depth.
type QueueThresholds struct {
	Low      int `yaml:"low" json:"low"`
	Medium   int `yaml:"medium" json:"medium"`
	High     int `yaml:"high" json:"high"`
	Critical int `yaml:"critical" json:"critical"`
}

// DefaultQueueThresholds mirror the gateway's observed congestion knees.
var DefaultQueueThresholds = QueueThresholds{Low: 25, Medium: 50, High: 75, Critical: 100}

// Backpressure delay steps, one per threshold band.
const (
	delayIdle     = 10 * time.Millisecond
	delayLow      = 25 * time.Millisecond
	delayMedium   = 50 * time.Millisecond
	delayHigh     = 100 * time.Millisecond
	delayCritical = 500 * time.Millisecond
)

// State is a loosely consistent snapshot of upstream health plus the
// coordinator's own posture. Written by workers and the health poller, read
// by anyone; a short mutex keeps the fields mutually consistent.
type State struct {
	QueueDepth        int           `json:"queue_depth"`
	RTT               time.Duration `json:"rtt"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	Circuit           string        `json:"circuit"`
	CurrentDelay      time.Duration `json:"current_delay"`
	LastHealthPoll    time.Time     `json:"last_health_poll"`
}

// healthTracker owns the mutable State.
type healthTracker struct {
	mu         sync.Mutex
	state      State
	thresholds QueueThresholds
	adaptive   bool
}

func newHealthTracker(thresholds QueueThresholds, adaptive bool) *healthTracker {
	if thresholds == (QueueThresholds{}) {
		thresholds = DefaultQueueThresholds
	}
	return &healthTracker{thresholds: thresholds, adaptive: adaptive}
}

// computeDelay maps the last observed upstream queue depth onto the
// backpressure table. With adaptive backpressure disabled the idle delay
// always applies.
func (h *healthTracker) computeDelay() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	d := delayIdle
	if h.adaptive {
		switch depth := h.state.QueueDepth; {
		case depth > h.thresholds.Critical:
			d = delayCritical
		case depth > h.thresholds.High:
			d = delayHigh
		case depth > h.thresholds.Medium:
			d = delayMedium
		case depth > h.thresholds.Low:
			d = delayLow
		}
	}
	h.state.CurrentDelay = d
	return d
}

// observeHealth folds a health poll into the state.
func (h *healthTracker) observeHealth(hl market.Health, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.QueueDepth = hl.QueueDepth
	h.state.RTT = hl.RTT
	h.state.LastHealthPoll = at
}

// observeCall folds a call outcome into the state.
func (h *healthTracker) observeCall(rtt time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.state.ConsecutiveErrors++
		return
	}
	h.state.ConsecutiveErrors = 0
	h.state.RTT = rtt
}

func (h *healthTracker) lastPoll() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.LastHealthPoll
}

func (h *healthTracker) setCircuit(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Circuit = s
}

func (h *healthTracker) snapshot() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// healthPollInterval normalizes the configured poll cadence, capped at 5s.
func (c *Coordinator) healthPollInterval() time.Duration {
	if c.cfg.HealthPollInterval <= 0 || c.cfg.HealthPollInterval > 5*time.Second {
		return 5 * time.Second
	}
	return c.cfg.HealthPollInterval
}

// pollHealth runs the background health poll until ctx is cancelled.
func (c *Coordinator) pollHealth(ctx context.Context) {
	defer c.wg.Done()

	interval := c.healthPollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, interval)
			h, err := c.provider.Health(pollCtx)
			cancel()
			if err != nil {
				c.logger.WithError(err).Warn("upstream health poll failed")
				continue
			}
			c.health.observeHealth(h, time.Now())
			if c.mx != nil {
				c.mx.UpstreamQueue.Set(float64(h.QueueDepth))
			}
		}
	}
}

// maybeProbeHealth refreshes upstream health after a completed call when the
// last sample is older than half the poll cadence, so backpressure sees a
// congestion spike before the next scheduled poll. At most one probe runs at
// a time and failures are left for the poller to report.
func (c *Coordinator) maybeProbeHealth() {
	maxAge := c.healthPollInterval() / 2
	if time.Since(c.health.lastPoll()) < maxAge {
		return
	}
	if !c.probing.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.probing.Store(false)

		probeCtx, cancel := context.WithTimeout(c.ctx, maxAge)
		defer cancel()
		h, err := c.provider.Health(probeCtx)
		if err != nil {
			return
		}
		c.health.observeHealth(h, time.Now())
		if c.mx != nil {
			c.mx.UpstreamQueue.Set(float64(h.QueueDepth))
		}
	}()
}

// TokenBucket paces request emission against the upstream's per-second
// budget. Tokens refill continuously; Wait blocks until one is available or
// the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and refill
// rate per second.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
