package hub

import (
	"context"
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"
)

// wsTransport adapts a WebSocket to the connection Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// ServeWS upgrades the request and runs the connection's read loop until the
// client goes away. principal is the authenticated user id, empty in dev.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, principal string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Long-lived streams; context takeover holds too much memory per
		// connection at fan-out scale.
		CompressionMode: websocket.CompressionDisabled,
		OriginPatterns:  []string{"*"},
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := h.Register(principal, &wsTransport{conn: ws})
	defer h.remove(conn, "client disconnected")

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.sendError(conn, CodeBadCommand, "malformed command")
			continue
		}
		h.HandleCommand(conn, &cmd)
	}
}
