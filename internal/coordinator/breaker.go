package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/spreadscan/spreadscan/internal/models"
)

// CircuitSettings tune the breaker wrapping every upstream call.
type CircuitSettings struct {
	// MaxFailures is the consecutive-error count that opens the circuit.
	MaxFailures uint32 `yaml:"max_failures" json:"max_failures"`
	// ResetTimeout is how long the circuit stays open before allowing a
	// single half-open probe.
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// DefaultCircuitSettings: trip after 5 consecutive failures, probe after 30s.
var DefaultCircuitSettings = CircuitSettings{MaxFailures: 5, ResetTimeout: 30 * time.Second}

// breaker adapts sony/gobreaker to the scanner's error taxonomy: while open,
// calls fail immediately with models.ErrCircuitOpen and never reach the
// upstream.
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(settings CircuitSettings, logger *logrus.Logger, onState func(string)) *breaker {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = DefaultCircuitSettings.MaxFailures
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = DefaultCircuitSettings.ResetTimeout
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1, // single half-open probe
		Timeout:     settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
			if onState != nil {
				onState(to.String())
			}
		},
	})
	return &breaker{cb: cb}
}

// execute runs fn behind the breaker, translating gobreaker's open-state
// errors into models.ErrCircuitOpen.
func (b *breaker) execute(fn func() (interface{}, error)) (interface{}, error) {
	res, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", models.ErrCircuitOpen, err)
		}
		return nil, err
	}
	return res, nil
}

// state reports the current breaker state name.
func (b *breaker) state() string {
	return b.cb.State().String()
}
