// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/bus"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/config"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

const wsWriteTimeout = 10 * time.Second

// envelope is the wire frame for every websocket message.
type envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// clientMessage is what subscribers may send: subscribe with filters, or
// ping.
type clientMessage struct {
	Type    string     `json:"type"`
	Filters bus.Filter `json:"filters"`
}

// wsHub owns the live anomaly channel: connection admission, the per-session
// pump, and heartbeats.
type wsHub struct {
	cfg *config.Config
	bus *bus.Bus

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	closed   bool
}

type wsSession struct {
	conn *websocket.Conn
	sub  *bus.Subscriber

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newWSHub(cfg *config.Config, b *bus.Bus) *wsHub {
	return &wsHub{
		cfg: cfg,
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 10,
			WriteBufferSize: 1 << 12,
			// The dashboard is served from another origin in development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*wsSession]struct{}),
	}
}

func (h *wsHub) handleConnection(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed || len(h.sessions) >= h.cfg.WSMaxConnections {
		h.mu.Unlock()
		writeError(w, KindTooManyClients, "subscriber limit reached")
		return
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("ws: upgrade failed: %v", err)
		return
	}

	sub := h.bus.Subscribe(bus.Filter{})
	if sub == nil { // bus already shut down
		conn.Close()
		return
	}

	sess := &wsSession{conn: conn, sub: sub, done: make(chan struct{})}
	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	h.mu.Unlock()

	sess.send("connected", map[string]string{"subscriber_id": sub.ID()})
	log.Infof("ws: subscriber %s connected", sub.ID())

	go h.writePump(sess)
	go h.readPump(sess)
}

// writePump delivers anomalies, heartbeats, and the close reason.
func (h *wsHub) writePump(sess *wsSession) {
	heartbeat := time.NewTicker(h.cfg.WSHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case a, ok := <-sess.sub.C:
			if !ok {
				reason := bus.ReasonShutdown
				select {
				case reason = <-sess.sub.Closed:
				default:
				}
				sess.send("stats", map[string]string{"reason": string(reason)})
				h.drop(sess)
				return
			}
			sess.send("anomaly", wsAnomaly(a))
		case <-heartbeat.C:
			if !sess.send("heartbeat", nil) {
				h.drop(sess)
				return
			}
		case <-sess.done:
			return
		}
	}
}

// readPump handles subscribe and ping frames until the peer goes away.
func (h *wsHub) readPump(sess *wsSession) {
	defer h.drop(sess)
	for {
		_, payload, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Debugf("ws: ignoring malformed frame from %s: %v", sess.sub.ID(), err)
			continue
		}
		switch msg.Type {
		case "subscribe":
			h.bus.UpdateFilter(sess.sub, msg.Filters)
			sess.send("subscribed", msg.Filters)
		case "ping":
			sess.send("pong", nil)
		}
	}
}

// wsAnomaly is the anomaly projection pushed over the live channel.
func wsAnomaly(a transit.Anomaly) map[string]interface{} {
	return map[string]interface{}{
		"anomaly_id":      a.AnomalyID,
		"detected_at":     a.DetectedAt,
		"station_id":      a.StationID,
		"line":            a.Line,
		"kind":            a.Kind,
		"severity":        a.Severity,
		"severity_bucket": transit.SeverityBucket(a.Severity),
		"model_name":      a.ModelName,
		"model_version":   a.ModelVersion,
		"features":        a.Features,
	}
}

func (sess *wsSession) send(msgType string, data interface{}) bool {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
	err := sess.conn.WriteJSON(envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	return err == nil
}

func (h *wsHub) drop(sess *wsSession) {
	sess.once.Do(func() {
		close(sess.done)
		h.bus.Unsubscribe(sess.sub)
		sess.conn.Close()
		h.mu.Lock()
		delete(h.sessions, sess)
		h.mu.Unlock()
		log.Infof("ws: subscriber %s disconnected", sess.sub.ID())
	})
}

// shutdown closes every live session.
func (h *wsHub) shutdown() {
	h.mu.Lock()
	h.closed = true
	open := make([]*wsSession, 0, len(h.sessions))
	for sess := range h.sessions {
		open = append(open, sess)
	}
	h.mu.Unlock()

	for _, sess := range open {
		sess.send("stats", map[string]string{"reason": string(bus.ReasonShutdown)})
		h.drop(sess)
	}
}
