// ABOUTME: WebSocket agent transport built on coder/websocket
// ABOUTME: Upgrades HTTP requests at the agent endpoint and hands the socket to the Handler

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/2389/mothership-gateway/internal/agent"
)

// maxFrameBytes bounds a single inbound agent frame.
const maxFrameBytes = 4 << 20

// maxCloseReason is the longest reason a websocket close frame can carry.
const maxCloseReason = 123

// wsTransport adapts a websocket connection to agent.Transport.
type wsTransport struct {
	conn *websocket.Conn

	// life ends once Close has finished, releasing any blocked Read.
	life   context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(maxFrameBytes)
	life, cancel := context.WithCancel(context.Background())
	return &wsTransport{conn: conn, life: life, cancel: cancel}
}

// Read returns the next text or binary message. A normal close from the
// peer is reported as io.EOF. Cancelling ctx closes the connection with a
// going-away status rather than abandoning the read mid-frame.
func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = t.Close(agent.ReasonShutdown) })
	defer stop()

	_, data, err := t.conn.Read(t.life)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		if t.life.Err() != nil {
			return nil, agent.ErrConnectionClosed
		}
		return nil, err
	}
	return data, nil
}

// Write sends one text message.
func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Close starts the closing handshake without waiting for it to finish.
// A pending Read returns once the handshake completes or times out.
func (t *wsTransport) Close(reason string) error {
	t.once.Do(func() {
		code := closeStatusFor(reason)
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		go func() {
			_ = t.conn.Close(code, reason)
			t.cancel()
		}()
	})
	return nil
}

func closeStatusFor(reason string) websocket.StatusCode {
	switch reason {
	case agent.ReasonShutdown:
		return websocket.StatusGoingAway
	case agent.ReasonHeartbeatTimeout, agent.ReasonSuperseded:
		return websocket.StatusPolicyViolation
	case agent.ReasonSendFailed:
		return websocket.StatusInternalError
	default:
		return websocket.StatusNormalClosure
	}
}

// WebSocketOptions configures the websocket endpoint.
type WebSocketOptions struct {
	// OriginPatterns lists allowed cross-origin hosts. Empty means same
	// origin only unless InsecureSkipVerify is set.
	OriginPatterns     []string
	InsecureSkipVerify bool
}

// NewWebSocketHandler returns an HTTP handler that upgrades each request and
// serves the resulting agent connection until it closes.
func NewWebSocketHandler(ctx context.Context, h *Handler, opts WebSocketOptions, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns:     opts.OriginPatterns,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		})
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}

		t := newWSTransport(conn)
		defer t.Close(agent.ReasonDisconnected)

		if err := h.Serve(ctx, t); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("websocket session ended", "remote_addr", r.RemoteAddr, "error", err)
		}
	})
}
