package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type changeMessage struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
}

const changeWriteTimeout = 5 * time.Second

// handleChanges streams one changed message per render. The current
// sequence is sent on connect; a slow client only sees the latest sequence.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("changes upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// the stream is write-only; CloseRead handles control frames and ends ctx
	// when the client goes away
	ctx := conn.CloseRead(r.Context())

	latest := make(chan uint64, 1)
	unsubscribe := s.view.OnChange(func(seq uint64) {
		select {
		case latest <- seq:
		default:
			select {
			case <-latest:
			default:
			}
			select {
			case latest <- seq:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := writeChange(ctx, conn, s.view.Seq()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case seq := <-latest:
			if err := writeChange(ctx, conn, seq); err != nil {
				s.logger.Debug("changes client dropped", "error", err)
				return
			}
		}
	}
}

func writeChange(ctx context.Context, conn *websocket.Conn, seq uint64) error {
	ctx, cancel := context.WithTimeout(ctx, changeWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, changeMessage{Type: "changed", Seq: seq})
}
