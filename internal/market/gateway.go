package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/spreadscan/spreadscan/internal/models"
)

// GatewayOptions configure the REST gateway client.
type GatewayOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Gateway is the REST client for the brokerage market-data gateway. It is a
// thin transport: pacing, retries across ticks and circuit breaking are the
// coordinator's job, so the client itself never retries.
type Gateway struct {
	http   *resty.Client
	logger *logrus.Logger
}

// NewGateway builds a gateway client.
func NewGateway(opts GatewayOptions, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout)
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}

	return &Gateway{http: client, logger: logger}
}

type contractsResponse struct {
	Contracts []models.Contract `json:"contracts"`
}

// FetchContracts fetches the full option chain for the given symbols in one
// batched call. Context errors pass through unwrapped so the caller can map
// deadline and cancellation separately from gateway faults.
func (g *Gateway) FetchContracts(ctx context.Context, symbols []string) ([]models.Contract, error) {
	var out contractsResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&out).
		Get("/v1/contracts")
	if err != nil {
		return nil, fmt.Errorf("fetching contracts: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: gateway returned %s", models.ErrDependency, resp.Status())
	}
	return out.Contracts, nil
}

// Health reports the gateway's self-declared load snapshot.
func (g *Gateway) Health(ctx context.Context) (Health, error) {
	var out Health
	resp, err := g.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/health")
	if err != nil {
		return Health{}, fmt.Errorf("fetching gateway health: %w", err)
	}
	if resp.IsError() {
		return Health{}, fmt.Errorf("%w: gateway returned %s", models.ErrDependency, resp.Status())
	}
	return out, nil
}
