package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/pokerpoints/internal/auth"
	"github.com/foxseedlab/pokerpoints/internal/config"
	"github.com/foxseedlab/pokerpoints/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	actionTimeout = 15 * time.Second
	sendBuffer    = 64
)

var errConnectionClosed = errors.New("connection closed")

// Handler upgrades requests to websocket connections and feeds their
// frames to the session manager.
type Handler struct {
	manager  *session.Manager
	verifier auth.Verifier
	upgrader websocket.Upgrader

	maxMessageBytes int64
	pingInterval    time.Duration
}

func NewHandler(cfg *config.Config, manager *session.Manager, verifier auth.Verifier) *Handler {
	return &Handler{
		manager:  manager,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.CORSAllowedOrigins),
		},
		maxMessageBytes: cfg.WSMaxMessageBytes,
		pingInterval:    cfg.WSPingInterval,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		slog.Info("websocket auth rejected", "error", err)
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     uuid.Must(uuid.NewV7()).String(),
		userID: userID,
		ws:     ws,
		out:    make(chan frame, sendBuffer),
		closed: make(chan struct{}),
	}
	h.manager.Connect(c)
	slog.Debug("websocket opened", "connection_id", c.id, "authenticated", userID != "")

	readTimeout := h.pingInterval * 5 / 2
	ws.SetReadLimit(h.maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	go h.readLoop(ctx, c, done)
	h.writeLoop(c, done)

	cancel()
	c.close()
	_ = ws.Close()
	<-done
	h.manager.Disconnect(context.Background(), c)
	slog.Debug("websocket closed", "connection_id", c.id)
}

// readLoop decodes client frames and handles them in arrival order.
func (h *Handler) readLoop(ctx context.Context, c *conn, done chan struct{}) {
	defer close(done)
	for {
		var in clientFrame
		if err := c.ws.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("websocket read failed", "connection_id", c.id, "error", err)
			}
			return
		}
		actionCtx, cancel := context.WithTimeout(ctx, actionTimeout)
		reply := h.dispatch(actionCtx, c, in)
		cancel()
		if err := c.push(reply); err != nil {
			return
		}
	}
}

// writeLoop is the only writer of the socket.
func (h *Handler) writeLoop(c *conn, done chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				slog.Debug("websocket write failed", "connection_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.closed:
			return
		case <-done:
			return
		}
	}
}

func (h *Handler) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		token = BearerToken(r)
	}
	if token == "" {
		return "", nil
	}
	return h.verifier.Verify(r.Context(), token)
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// conn is one websocket client. Send never blocks; a client that cannot
// keep up with its events is disconnected.
type conn struct {
	id     string
	userID string
	ws     *websocket.Conn

	out       chan frame
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *conn) ID() string     { return c.id }
func (c *conn) UserID() string { return c.userID }

func (c *conn) Send(ev session.Event) error {
	return c.push(frame{Type: ev.Type, Payload: ev.Payload})
}

func (c *conn) push(f frame) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return errConnectionClosed
	default:
		slog.Warn("websocket send buffer full; closing", "connection_id", c.id)
		c.close()
		return errConnectionClosed
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
