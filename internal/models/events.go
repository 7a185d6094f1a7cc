package models

import "time"

// EventType enumerates the server-to-client message kinds on the
// subscription stream.
type EventType string

const (
	// EventResult carries one spread result with its diff action.
	EventResult EventType = "result"
	// EventStatus carries per-tick scan statistics.
	EventStatus EventType = "status"
	// EventError reports a subscriber-scoped failure.
	EventError EventType = "error"
	// EventMetrics carries periodic engine metrics.
	EventMetrics EventType = "metrics"
)

// DiffAction classifies how a result changed relative to the previous tick.
type DiffAction string

const (
	// ActionAdded marks a result absent from the previous tick.
	ActionAdded DiffAction = "added"
	// ActionRemoved marks a result present last tick but gone now.
	ActionRemoved DiffAction = "removed"
	// ActionChanged marks a result whose metrics moved beyond the epsilon
	// thresholds for price or greeks.
	ActionChanged DiffAction = "changed"
)

// Event is the envelope for every server-to-client stream message. Timestamp
// is serialized as RFC 3339 (ISO-8601).
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	ScanID    string      `json:"scan_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// ResultEvent is the payload of an EventResult message.
type ResultEvent struct {
	Action DiffAction    `json:"action"`
	Result *SpreadResult `json:"result"`
}

// StatusEvent is emitted once per tick after the diff fan-out.
type StatusEvent struct {
	Tick        uint64        `json:"tick"`
	Symbols     int           `json:"symbols"`
	Contracts   int           `json:"contracts"`
	Results     int           `json:"results"`
	Added       int           `json:"added"`
	Removed     int           `json:"removed"`
	Changed     int           `json:"changed"`
	Duration    time.Duration `json:"duration_ns"`
	SkipReason  string        `json:"skip_reason,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	NextTickAt  time.Time     `json:"next_tick_at"`
	Subscribers int           `json:"subscribers"`
}

// ErrorEvent is the payload of an EventError message.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MetricsEvent is the payload of an EventMetrics message, emitted
// periodically on the stream for clients that chart scan health without
// scraping the Prometheus endpoint.
type MetricsEvent struct {
	Tick         uint64        `json:"tick"`
	TickDuration time.Duration `json:"tick_duration_ns"`
	Results      int           `json:"results"`
	CacheHitRate float64       `json:"cache_hit_rate"`
	Subscribers  int           `json:"subscribers"`
}
