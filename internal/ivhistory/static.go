package ivhistory

import (
	"fmt"
	"sync"

	"github.com/spreadscan/spreadscan/internal/models"
)

// Static is a fixed in-memory history source for tests and offline runs.
type Static struct {
	mu   sync.RWMutex
	data map[string][]float64
}

// NewStatic builds an empty static source; seed it with Set.
func NewStatic() *Static {
	return &Static{data: make(map[string][]float64)}
}

// Set replaces the history for a symbol.
func (s *Static) Set(symbol string, values []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[symbol] = append([]float64(nil), values...)
}

// GetHistory returns the trailing lookbackDays values for symbol, or
// models.ErrDependency when the symbol is unknown.
func (s *Static) GetHistory(symbol string, lookbackDays int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.data[symbol]
	if !ok || len(values) == 0 {
		return nil, fmt.Errorf("%w: no iv history for %s", models.ErrDependency, symbol)
	}
	return trim(values, lookbackDays), nil
}
