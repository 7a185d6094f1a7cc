package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadscan/spreadscan/internal/coordinator"
	"github.com/spreadscan/spreadscan/internal/engine"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/presets"
)

type stubDispatcher struct{}

func (stubDispatcher) Submit(coordinator.Batch) (<-chan coordinator.Result, error) {
	ch := make(chan coordinator.Result, 1)
	ch <- coordinator.Result{}
	return ch, nil
}

func quietTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestServer(t *testing.T, cfg Config) (*Server, *engine.Engine) {
	t.Helper()
	logger := quietTestLogger()

	eng := engine.New(engine.Config{}, stubDispatcher{}, nil, logger, metrics.New())
	store, err := presets.NewStore(filepath.Join(t.TempDir(), "presets.json"))
	require.NoError(t, err)

	return NewServer(cfg, eng, store, metrics.New(), logger), eng
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestStartScanLifecycle(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/scans", scanRequest{
		Symbols:  []string{"SPY"},
		Interval: "5s",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]string
	decodeBody(t, rec, &created)
	id := created["id"]
	require.NotEmpty(t, id)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/scans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Scans []string `json:"scans"`
	}
	decodeBody(t, rec, &listed)
	assert.Contains(t, listed.Scans, id)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/scans/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status engine.ScanStatus
	decodeBody(t, rec, &status)
	assert.Equal(t, id, status.ID)
	assert.Equal(t, []string{"SPY"}, status.Symbols)

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/api/scans/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/api/scans/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartScanRejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	tests := []struct {
		name string
		body interface{}
	}{
		{"no symbols", scanRequest{}},
		{"bad interval", scanRequest{Symbols: []string{"SPY"}, Interval: "soon"}},
		{"bad sort key", scanRequest{Symbols: []string{"SPY"}, SortKey: "volume"}},
		{"unknown field", map[string]interface{}{"symbols": []string{"SPY"}, "sybmols": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, s.Handler(), http.MethodPost, "/api/scans", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestScanStatusUnknownScan(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/scans/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScanResultsEmptyBeforeFirstTick(t *testing.T) {
	s, eng := newTestServer(t, Config{})
	id, err := eng.StartScan(engine.ScanSpec{Symbols: []string{"SPY"}})
	require.NoError(t, err)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/scans/"+id+"/results?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Results []json.RawMessage `json:"results"`
		Total   int               `json:"total"`
		Tick    uint64            `json:"tick"`
	}
	decodeBody(t, rec, &page)
	assert.Empty(t, page.Results)
	assert.Zero(t, page.Total)
	assert.Zero(t, page.Tick)
}

func TestFilterUpdateRoundTrip(t *testing.T) {
	s, eng := newTestServer(t, Config{})
	id, err := eng.StartScan(engine.ScanSpec{Symbols: []string{"SPY"}})
	require.NoError(t, err)

	body := `{"dte":{"min_days":30,"max_days":60}}`
	req := httptest.NewRequest(http.MethodPut, "/api/scans/"+id+"/filters", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/scans/"+id+"/filters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, body, rec.Body.String())

	// Unknown filter names and invalid ranges are both 400s.
	for _, bad := range []string{`{"dte":{"min_days":60,"max_days":30}}`, `{"dte2":{}}`, `{not json`} {
		req = httptest.NewRequest(http.MethodPut, "/api/scans/"+id+"/filters", bytes.NewReader([]byte(bad)))
		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestPresetCRUD(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	blob := `{"filters":{"liquidity":{"min_volume":100}}}`
	req := httptest.NewRequest(http.MethodPut, "/api/presets/liquid", bytes.NewReader([]byte(blob)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/presets/liquid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, blob, rec.Body.String())

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/presets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Presets []string `json:"presets"`
	}
	decodeBody(t, rec, &listed)
	assert.Equal(t, []string{"liquid"}, listed.Presets)

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/api/presets/liquid", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/presets/liquid", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/api/presets/bad", bytes.NewReader([]byte(`{oops`)))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t, Config{AuthToken: "hunter2"})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/scans", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
	req.Header.Set("X-Auth-Token", "hunter2")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/scans?token=hunter2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scanner_active_scans")
}

func TestScanRequestIntervalParsing(t *testing.T) {
	spec, err := (&scanRequest{Symbols: []string{"SPY"}, Interval: "2s"}).toSpec()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, spec.Interval)

	_, err = (&scanRequest{Symbols: []string{"SPY"}, Interval: "fast"}).toSpec()
	assert.Error(t, err)
}
