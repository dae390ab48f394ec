package broadcast

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
)

// CloseAuthFailure is the close code sent when token validation fails, so
// dashboard clients can distinguish a bad token from a normal disconnect.
const CloseAuthFailure = 4001

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// ScopePlatform marks tokens that may read across tenants. Platform-scoped
// connections pass the tenant to watch via the tenant_id query parameter.
const ScopePlatform = "platform"

// StreamClaims are the JWT claims the push channel accepts. The token is
// issued by the administrative backend; this service only validates it.
type StreamClaims struct {
	TenantID string `json:"tenant_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// streamFrame is a single message on the push channel.
type streamFrame struct {
	Type    string                `json:"type"` // "snapshot" or "update"
	Entries []model.SnapshotEntry `json:"entries,omitempty"`
	Entry   *model.SnapshotEntry  `json:"entry,omitempty"`
}

// StreamHandler upgrades dashboard connections and streams snapshot updates.
type StreamHandler struct {
	hub      *Hub
	secret   []byte
	log      *logging.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates the websocket handler. secret is the shared JWT
// signing secret.
func NewStreamHandler(hub *Hub, secret string, log *logging.Logger) *StreamHandler {
	return &StreamHandler{
		hub:    hub,
		secret: []byte(secret),
		log:    log.Named("stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browsers cannot set headers on websocket dials; origin policy
			// is enforced by the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ValidateToken parses and validates a stream token, returning the tenant
// scope for the connection.
func (h *StreamHandler) ValidateToken(tokenString, queryTenantID string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &StreamClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return h.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*StreamClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}

	if claims.Scope == ScopePlatform {
		// Platform users choose the tenant to watch; empty means all.
		return queryTenantID, nil
	}
	if claims.TenantID == "" {
		return "", errors.New("token missing tenant")
	}
	return claims.TenantID, nil
}

// ServeHTTP handles GET /api/v1/stream?token=<jwt>. The connection is
// upgraded first so an auth failure can be reported with CloseAuthFailure
// instead of an opaque handshake error.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	tenantID, err := h.ValidateToken(r.URL.Query().Get("token"), r.URL.Query().Get("tenant_id"))
	if err != nil {
		h.log.Warn("stream auth failed", "error", err)
		msg := websocket.FormatCloseMessage(CloseAuthFailure, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	sub := h.hub.Subscribe(tenantID)
	defer sub.Close()
	defer conn.Close()

	// Full snapshot on connect, incremental updates after.
	if err := h.writeFrame(conn, &streamFrame{Type: "snapshot", Entries: h.hub.Snapshot(tenantID)}); err != nil {
		return
	}

	// Read pump: discard client frames, surface disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case entry, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := h.writeFrame(conn, &streamFrame{Type: "update", Entry: &entry}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *StreamHandler) writeFrame(conn *websocket.Conn, frame *streamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}
