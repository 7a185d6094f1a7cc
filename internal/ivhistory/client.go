// Package ivhistory supplies daily implied-volatility history for the IV
// percentile filter. The HTTP client fronts the external history service; a
// static source backs tests and offline runs.
package ivhistory

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/spreadscan/spreadscan/internal/models"
)

// defaultCacheTTL bounds how long a fetched history is reused. Daily closes
// only move once a day; an hour keeps the filter fresh without hammering the
// service on every tick.
const defaultCacheTTL = time.Hour

// historyResponse is the service's wire shape.
type historyResponse struct {
	Symbol string    `json:"symbol"`
	Values []float64 `json:"values"`
}

// Client fetches IV history over HTTP with a per-symbol cache. Implements
// filters.IVHistorySource.
type Client struct {
	http   *resty.Client
	logger *logrus.Logger

	mu    sync.Mutex
	cache map[string]cachedHistory
	ttl   time.Duration
}

type cachedHistory struct {
	values    []float64
	expiresAt time.Time
}

// ClientOptions configures the history client.
type ClientOptions struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// NewClient builds the HTTP history source.
func NewClient(opts ClientOptions, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}

	hc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond)
	if opts.APIKey != "" {
		hc.SetAuthToken(opts.APIKey)
	}

	return &Client{
		http:   hc,
		logger: logger,
		cache:  make(map[string]cachedHistory),
		ttl:    opts.CacheTTL,
	}
}

// GetHistory returns up to lookbackDays daily closing IVs for symbol, most
// recent last. Failures and empty payloads surface as models.ErrDependency so
// the chain can degrade to pass-through.
func (c *Client) GetHistory(symbol string, lookbackDays int) ([]float64, error) {
	c.mu.Lock()
	if entry, ok := c.cache[symbol]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return trim(entry.values, lookbackDays), nil
	}
	c.mu.Unlock()

	var payload historyResponse
	resp, err := c.http.R().
		SetResult(&payload).
		SetQueryParam("days", fmt.Sprintf("%d", lookbackDays)).
		SetPathParam("symbol", symbol).
		Get("/iv/{symbol}")
	if err != nil {
		return nil, fmt.Errorf("%w: iv history request for %s: %v", models.ErrDependency, symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: iv history for %s: status %d", models.ErrDependency, symbol, resp.StatusCode())
	}
	if len(payload.Values) == 0 {
		return nil, fmt.Errorf("%w: iv history for %s is empty", models.ErrDependency, symbol)
	}

	c.mu.Lock()
	c.cache[symbol] = cachedHistory{values: payload.Values, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"symbol": symbol, "points": len(payload.Values)}).Debug("iv history fetched")
	return trim(payload.Values, lookbackDays), nil
}

// trim keeps the trailing lookbackDays entries.
func trim(values []float64, lookbackDays int) []float64 {
	if lookbackDays > 0 && len(values) > lookbackDays {
		return values[len(values)-lookbackDays:]
	}
	return values
}
