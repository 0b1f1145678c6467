package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// WSListener is a [Listener] backed by a websocket connection.
type WSListener struct {
	id   string
	conn *websocket.Conn
}

// ID implements [Listener].
func (l *WSListener) ID() string { return l.id }

// Send implements [Listener] by writing one text frame.
func (l *WSListener) Send(ctx context.Context, payload []byte) error {
	return l.conn.Write(ctx, websocket.MessageText, payload)
}

// ServeOptions configures [Hub.ServeWS].
type ServeOptions struct {
	// OriginPatterns lists allowed cross-origin hosts. Empty allows only
	// same-origin requests.
	OriginPatterns []string

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration
}

// ServeWS upgrades the request, registers the connection as a listener of
// sessionID and blocks until the client disconnects or the request context
// ends. Client messages are ignored; the channel is push-only.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string, opts ServeOptions) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: opts.OriginPatterns,
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	l := &WSListener{id: uuid.NewString(), conn: conn}
	h.Connect(sessionID, l)
	defer h.Disconnect(sessionID, l)

	// CloseRead discards client frames and cancels ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())

	var tick <-chan time.Time
	if opts.PingInterval > 0 {
		ticker := time.NewTicker(opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case <-tick:
			pingCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return nil
			}
		}
	}
}
