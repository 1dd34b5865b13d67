package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jarvis-agent/jarvis/internal/events"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 75 * time.Second
	wsPingEvery = 30 * time.Second
	// wsEventBuf is the per-connection outbound buffer. The bus drops
	// events for a subscriber whose buffer is full, so one slow
	// dashboard tab loses frames instead of stalling the publishers,
	// and delivered frames stay in publish order.
	wsEventBuf = 256
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard may be served from another origin; the creator
	// token is the gate here, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection and streams bus events as JSON
// frames, starting with a status snapshot so a reconnecting dashboard
// renders immediately.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	sub, unsubscribe := s.bus.Subscribe(wsEventBuf)
	defer unsubscribe()

	// The reader only surfaces pongs and disconnects; clients never
	// send payloads on this socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeFrame(conn, s.statusFrame()); err != nil {
		return
	}

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := writeFrame(conn, eventFrame(e)); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			s.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, frame map[string]any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(frame)
}

// statusFrame is the initial push: the same facts as GET /status in
// the flat frame shape the dashboard consumes.
func (s *Server) statusFrame() map[string]any {
	frame := map[string]any{
		"type":      "status",
		"timestamp": time.Now().UTC(),
	}
	if st, err := s.store.State(); err == nil {
		status := "running"
		if st.Paused {
			status = "paused"
		}
		frame["status"] = status
		frame["iteration"] = st.Iteration
		frame["paused"] = st.Paused
	}
	if s.loop != nil {
		frame["next_wake_seconds"] = s.loop.NextSleep().Seconds()
	}
	return frame
}

// eventFrame flattens a bus event into the wire shape: type and source
// first, then the event's own data keys.
func eventFrame(e events.Event) map[string]any {
	frame := map[string]any{
		"type":      e.Kind,
		"source":    e.Source,
		"timestamp": e.Timestamp,
	}
	for k, v := range e.Data {
		switch k {
		case "type", "source", "timestamp":
			continue
		}
		frame[k] = v
	}
	return frame
}
