package models

import "errors"

// Error taxonomy for the scanner. Every recoverable failure in the system maps
// to one of these sentinels so callers can branch with errors.Is instead of
// string matching.
var (
	// ErrConfig marks invalid user input. Surfaced to the caller of
	// StartScan/UpdateFilters, never produced mid-tick.
	ErrConfig = errors.New("invalid configuration")

	// ErrDependency marks transient unavailability of an external data source
	// (IV history, upstream gateway). Recovered locally as pass-through or
	// tick-skip.
	ErrDependency = errors.New("dependency unavailable")

	// ErrDeadline marks a coordinator request that exceeded its per-call
	// deadline. Recovered as a tick-skip.
	ErrDeadline = errors.New("request deadline exceeded")

	// ErrCircuitOpen marks an upstream that is failing fast behind the circuit
	// breaker. Recovered as a tick-skip and surfaced in the status event.
	ErrCircuitOpen = errors.New("upstream circuit open")

	// ErrOverload marks a full internal queue or a scan-count limit. Surfaced
	// to the API caller at admission time.
	ErrOverload = errors.New("scanner overloaded")

	// ErrNotFound marks a lookup for a scan, subscriber or preset that does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrProtocol marks a malformed subscriber message. The subscriber is
	// disconnected.
	ErrProtocol = errors.New("protocol violation")

	// ErrInternal marks a programmer error or invariant violation. Logged with
	// full context; the tick fails and the scan continues at the next interval.
	ErrInternal = errors.New("internal error")
)
