package api

import (
	"net/http"
	"time"

	"github.com/MrCodeEU/cortex/pkg/pipeline"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	streamCapacity = 4
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleSnapshotStream pushes every completed snapshot to a websocket
// client, starting with the current one. Slow clients miss snapshots.
func (s *Server) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.svc.Subscribe(streamCapacity)
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "snapshot stream unavailable")
		return
	}
	defer s.svc.Unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// The reader only handles control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(snap *pipeline.Snapshot) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(snap) == nil
	}

	if !send(s.svc.CurrentSnapshot()) {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg, ok := <-sub.Receiver:
			if !ok {
				return
			}
			snap, ok := pipeline.SnapshotFrom(msg)
			if !ok {
				continue
			}
			if !send(snap) {
				return
			}
		}
	}
}
