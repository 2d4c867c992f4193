package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleOpsFeed streams operation log entries over a websocket as they are
// written. The feed is best-effort: a client that stops reading gets its
// subscription dropped by the store and the socket is closed with a policy
// violation code rather than letting its backlog grow.
func (s *Server) handleOpsFeed(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so entries written right
	// after the client's dial returns are already captured.
	feed := s.store.SubscribeOps()
	defer s.store.Unsubscribe(feed)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the handshake failure.
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case entry, ok := <-feed.C():
			if !ok {
				// Dropped for falling behind, or the store closed.
				_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := wsjson.Write(ctx, conn, entry); err != nil {
				return
			}
		}
	}
}
