// Package market defines the contract with the upstream brokerage market-data
// gateway. The scanner depends only on the Provider interface; the package
// ships a REST client for the real gateway and a synthetic in-memory
// implementation for development and tests.
package market

import (
	"context"
	"time"

	"github.com/spreadscan/spreadscan/internal/models"
)

// Health is the gateway's self-reported load snapshot, polled by the
// coordinator at most every five seconds.
type Health struct {
	QueueDepth   int           `json:"queue_depth"`
	RTT          time.Duration `json:"rtt"`
	RecentErrors int           `json:"recent_errors"`
}

// Provider is the upstream market-data gateway. FetchContracts returns every
// listed option contract across expiries and strikes for each requested
// symbol; the call must honor ctx cancellation and its deadline.
type Provider interface {
	FetchContracts(ctx context.Context, symbols []string) ([]models.Contract, error)
	Health(ctx context.Context) (Health, error)
}

// MaxSymbolsPerCall is the gateway's batched-call limit. The coordinator never
// coalesces batches beyond it.
const MaxSymbolsPerCall = 50
