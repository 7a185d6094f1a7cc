package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/spreadscan/spreadscan/internal/engine"
	"github.com/spreadscan/spreadscan/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins; auth is the token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientMessage is what subscribers send. Type selects the operation; the
// older action key is still honored for clients that predate it. Events
// narrows the subscription to the named types; empty keeps the current
// selection.
type clientMessage struct {
	Type   string   `json:"type"` // subscribe | unsubscribe | ping
	Action string   `json:"action,omitempty"`
	Events []string `json:"events,omitempty"`
}

// op resolves the requested operation, preferring type over the action alias.
func (m clientMessage) op() string {
	if m.Type != "" {
		return m.Type
	}
	return m.Action
}

// wsClient bridges one WebSocket connection to one engine subscriber. The
// write pump is the only writer on the connection; protocol replies from the
// read side go through the out channel.
type wsClient struct {
	conn   *websocket.Conn
	scanID string
	sub    *engine.Subscriber
	engine *engine.Engine
	logger *logrus.Logger
	out    chan models.Event
	ping   time.Duration
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && int(s.wsConns.Load()) >= s.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	scanID := chi.URLParam(r, "id")
	sub, err := s.engine.Subscribe(scanID, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.engine.Unsubscribe(scanID, sub.ID())
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.wsConns.Add(1)
	c := &wsClient{
		conn:   conn,
		scanID: scanID,
		sub:    sub,
		engine: s.engine,
		logger: s.logger,
		out:    make(chan models.Event, 8),
		ping:   s.cfg.PingInterval,
	}

	go c.writePump()
	go func() {
		c.readPump()
		s.wsConns.Add(-1)
	}()
}

// readPump consumes client messages until the connection drops or the client
// violates the protocol. It owns teardown: unsubscribing here makes the engine
// close the event channel, which in turn ends the write pump.
func (c *wsClient) readPump() {
	defer func() {
		c.engine.Unsubscribe(c.scanID, c.sub.ID())
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("websocket read failed")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.protocolError("malformed message")
			return
		}

		switch msg.op() {
		case "subscribe":
			wants, err := parseEventTypes(msg.Events)
			if err != nil {
				c.protocolError(err.Error())
				return
			}
			if err := c.engine.UpdateSubscription(c.scanID, c.sub.ID(), wants); err != nil {
				return
			}
		case "unsubscribe":
			return
		case "ping":
			c.reply(models.Event{Type: "pong", Timestamp: time.Now(), ScanID: c.scanID})
		default:
			c.protocolError(fmt.Sprintf("unknown message type %q", msg.op()))
			return
		}
	}
}

// writePump is the single connection writer. It drains the subscriber stream
// and the reply channel, and keeps the connection alive with pings. A closed
// subscriber stream (eviction or scan stop) closes the connection.
func (c *wsClient) writePump() {
	ping := c.ping
	if ping <= 0 || ping >= pongWait {
		ping = (pongWait * 9) / 10
	}
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription closed"))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case ev := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) reply(ev models.Event) {
	select {
	case c.out <- ev:
	default:
	}
}

func (c *wsClient) protocolError(detail string) {
	c.logger.WithField("scan", c.scanID).Warnf("subscriber protocol violation: %s", detail)
	c.reply(models.Event{
		Type:      models.EventError,
		Timestamp: time.Now(),
		ScanID:    c.scanID,
		Data:      models.ErrorEvent{Code: "protocol", Message: fmt.Sprintf("%v: %s", models.ErrProtocol, detail)},
	})
	// Give the write pump a beat to flush the error before teardown.
	time.Sleep(50 * time.Millisecond)
}

func parseEventTypes(names []string) ([]models.EventType, error) {
	out := make([]models.EventType, 0, len(names))
	for _, n := range names {
		switch t := models.EventType(n); t {
		case models.EventResult, models.EventStatus, models.EventError, models.EventMetrics:
			out = append(out, t)
		default:
			return nil, fmt.Errorf("unknown event type %q", n)
		}
	}
	return out, nil
}
