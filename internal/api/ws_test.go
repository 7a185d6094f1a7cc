package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadscan/spreadscan/internal/coordinator"
	"github.com/spreadscan/spreadscan/internal/engine"
	"github.com/spreadscan/spreadscan/internal/models"
)

func wsURL(srv *httptest.Server, scanID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/scans/" + scanID
}

func dialScan(t *testing.T, srv *httptest.Server, scanID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, scanID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWSUnknownScanRejected(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "nope"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWSPingPong(t *testing.T) {
	s, eng := newTestServer(t, Config{})
	id, err := eng.StartScan(engine.ScanSpec{Symbols: []string{"SPY"}})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialScan(t, srv, id)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	ev := readEvent(t, conn)
	assert.Equal(t, models.EventType("pong"), ev.Type)
	assert.Equal(t, id, ev.ScanID)
}

func TestWSLegacyActionKeyStillAccepted(t *testing.T) {
	s, eng := newTestServer(t, Config{})
	id, err := eng.StartScan(engine.ScanSpec{Symbols: []string{"SPY"}})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialScan(t, srv, id)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)))

	ev := readEvent(t, conn)
	assert.Equal(t, models.EventType("pong"), ev.Type)
}

func TestWSSubscribeNarrowsEvents(t *testing.T) {
	s, eng := newTestServer(t, Config{})
	id, err := eng.StartScan(engine.ScanSpec{Symbols: []string{"SPY"}})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialScan(t, srv, id)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","events":["status"]}`)))

	// A ping after the subscribe proves the message was accepted rather than
	// treated as a protocol violation.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	ev := readEvent(t, conn)
	assert.Equal(t, models.EventType("pong"), ev.Type)
}

func TestWSMalformedMessageDisconnects(t *testing.T) {
	s, eng := newTestServer(t, Config{})
	id, err := eng.StartScan(engine.ScanSpec{Symbols: []string{"SPY"}})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialScan(t, srv, id)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	ev := readEvent(t, conn)
	require.Equal(t, models.EventError, ev.Type)
	payload, err := json.Marshal(ev.Data)
	require.NoError(t, err)
	var errEv models.ErrorEvent
	require.NoError(t, json.Unmarshal(payload, &errEv))
	assert.Equal(t, "protocol", errEv.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection closed after protocol violation")
}

func TestWSUnknownMessageTypeDisconnects(t *testing.T) {
	s, eng := newTestServer(t, Config{})
	id, err := eng.StartScan(engine.ScanSpec{Symbols: []string{"SPY"}})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialScan(t, srv, id)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "eval"}))

	ev := readEvent(t, conn)
	assert.Equal(t, models.EventError, ev.Type)
}

func TestWSClosedWhenScanStops(t *testing.T) {
	s, eng := newTestServer(t, Config{})
	id, err := eng.StartScan(engine.ScanSpec{Symbols: []string{"SPY"}})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialScan(t, srv, id)
	require.NoError(t, eng.StopScan(id))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWSConnectionLimit(t *testing.T) {
	s, eng := newTestServer(t, Config{MaxConnections: 1})
	id, err := eng.StartScan(engine.ScanSpec{Symbols: []string{"SPY"}})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	dialScan(t, srv, id)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, id), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// tickingDispatcher serves a small call ladder so live ticks produce spreads.
type tickingDispatcher struct{}

func (tickingDispatcher) Submit(b coordinator.Batch) (<-chan coordinator.Result, error) {
	expiry := time.Now().Add(45 * 24 * time.Hour)
	var contracts []models.Contract
	for _, strike := range []float64{100, 105} {
		contracts = append(contracts, models.Contract{
			Symbol:       "SPY",
			Expiry:       expiry,
			Strike:       strike,
			Right:        models.RightCall,
			Bid:          110 - strike + 0.95,
			Ask:          110 - strike + 1.05,
			Volume:       500,
			OpenInterest: 1000,
			Delta:        0.5,
			Theta:        -0.03,
			ProbITM:      0.55,
			Underlying:   110,
		})
	}
	ch := make(chan coordinator.Result, 1)
	ch <- coordinator.Result{Contracts: contracts}
	return ch, nil
}

func TestWSStreamsTickEvents(t *testing.T) {
	logger := quietTestLogger()
	eng := engine.New(engine.Config{TickInterval: 10 * time.Millisecond}, tickingDispatcher{}, nil, logger, nil)
	s := NewServer(Config{}, eng, nil, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	id, err := eng.StartScan(engine.ScanSpec{Symbols: []string{"SPY"}, Interval: time.Second})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialScan(t, srv, id)

	seen := map[models.EventType]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && (!seen[models.EventResult] || !seen[models.EventStatus]) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var ev models.Event
		require.NoError(t, conn.ReadJSON(&ev))
		seen[ev.Type] = true
	}
	assert.True(t, seen[models.EventResult], "result event streamed")
	assert.True(t, seen[models.EventStatus], "status event streamed")
}
