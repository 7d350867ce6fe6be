package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/cloudquay/cloudquay/pkg/websession"
)

const eventWriteTimeout = 10 * time.Second

// handleEvents upgrades the request to a WebSocket and streams session
// events until the client disconnects or the session closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, sess *websession.Session) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin enforcement is left to the proxy
	})
	if err != nil {
		slog.Debug("events: websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, unsubscribe := sess.SubscribeEvents()
	defer unsubscribe()

	// Reads are discarded; the socket exists only to push events. The
	// read loop surfaces client disconnects through ctx cancellation.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Session closed; tell the client why.
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("events: write failed", "session_id", sess.ID(), "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev websession.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
