package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const feedWriteTimeout = 5 * time.Second

// feedEvent is the wire shape of one activity feed frame.
type feedEvent struct {
	Topic   string      `json:"topic"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// handleFeed streams live bus events over a websocket. The feed is push
// only; client frames are discarded. The optional ?topic= query param
// narrows the subscription to a topic prefix, e.g. topic=escrow.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}
	topic := r.URL.Query().Get("topic")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("feed accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub := s.cfg.Bus.Subscribe(topic)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("feed client connected", "remote", r.RemoteAddr, "topic", topic)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("feed client disconnected", "remote", r.RemoteAddr)
			return
		case ev := <-sub.Ch():
			wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(wctx, conn, feedEvent{Topic: ev.Topic, At: time.Now().UTC(), Payload: ev.Payload})
			cancel()
			if err != nil {
				s.logger.Info("feed client dropped", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
