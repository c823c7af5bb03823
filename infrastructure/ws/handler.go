// Package ws exposes the hub over websockets: one upgraded HTTP connection per client device.
package ws

import (
	"context"
	goerrors "errors"
	"log/slog"
	"messenger-hub/auth"
	"messenger-hub/domain"
	"messenger-hub/runtime"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// SessionHandler is the part of the hub the websocket layer drives.
type SessionHandler interface {
	OnConnect(ctx context.Context, info runtime.HandshakeInfo) (domain.ConnectionID, error)
	OnMessage(ctx context.Context, connID domain.ConnectionID, raw []byte) error
	OnClose(connID domain.ConnectionID, cause error)
}

type Config struct {
	ReadLimit      int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
	BufferSize     int
}

type Handler struct {
	log      *slog.Logger
	hub      SessionHandler
	config   Config
	upgrader websocket.Upgrader
}

func NewHandler(log *slog.Logger, hub SessionHandler, config Config) *Handler {
	if config.WriteWait <= 0 {
		config.WriteWait = 10 * time.Second
	}
	if config.PongWait <= 0 {
		config.PongWait = 60 * time.Second
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.PongWait {
		config.PingInterval = config.PongWait * 9 / 10
	}
	h := &Handler{log: log, hub: hub, config: config}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.BufferSize,
		WriteBufferSize: config.BufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(h.config.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeHTTP upgrades the request, hands the handshake to the hub and then
// runs the read loop on the request goroutine until the connection ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "websocket endpoint only accepts GET requests", http.StatusMethodNotAllowed)
		return
	}
	token := auth.BearerToken(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	transport := NewTransport(conn, h.config.WriteWait)
	if h.config.ReadLimit > 0 {
		conn.SetReadLimit(h.config.ReadLimit)
	}

	ctx := context.WithoutCancel(r.Context())
	connID, err := h.hub.OnConnect(ctx, runtime.HandshakeInfo{
		Token:      token,
		Transport:  transport,
		RemoteAddr: r.RemoteAddr,
		DeviceID:   r.URL.Query().Get("device"),
	})
	if err != nil {
		// The hub already closed the transport with the matching code.
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go h.keepAlive(connID, transport, stop)

	h.hub.OnClose(connID, h.readLoop(ctx, connID, conn))
}

// readLoop returns nil when the client closed normally, the read error otherwise.
func (h *Handler) readLoop(ctx context.Context, connID domain.ConnectionID, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("Client closed", "conn_id", connID)
				return nil
			}
			if goerrors.Is(err, websocket.ErrReadLimit) {
				h.log.Warn("Frame exceeds read limit", "conn_id", connID, "limit", h.config.ReadLimit)
			} else {
				h.log.Debug("Read ended", "conn_id", connID, "error", err)
			}
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
		if err := h.hub.OnMessage(ctx, connID, raw); err != nil {
			h.log.Debug("Frame rejected", "conn_id", connID, "error", err)
		}
	}
}

func (h *Handler) keepAlive(connID domain.ConnectionID, t *Transport, stop <-chan struct{}) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				h.log.Debug("Ping failed", "conn_id", connID, "error", err)
				return
			}
		}
	}
}
