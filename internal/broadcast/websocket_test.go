package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
)

const testSecret = "stream-test-secret"

func signToken(t *testing.T, claims StreamClaims) string {
	t.Helper()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func dialStream(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func TestValidateToken(t *testing.T) {
	h := NewStreamHandler(NewHub(8, logging.Default()), testSecret, logging.Default())

	t.Run("tenant token", func(t *testing.T) {
		tok := signToken(t, StreamClaims{TenantID: "t1"})
		tenantID, err := h.ValidateToken(tok, "")
		require.NoError(t, err)
		assert.Equal(t, "t1", tenantID)
	})

	t.Run("platform token follows query tenant", func(t *testing.T) {
		tok := signToken(t, StreamClaims{Scope: ScopePlatform})
		tenantID, err := h.ValidateToken(tok, "t2")
		require.NoError(t, err)
		assert.Equal(t, "t2", tenantID)
	})

	t.Run("platform token without query sees all", func(t *testing.T) {
		tok := signToken(t, StreamClaims{Scope: ScopePlatform})
		tenantID, err := h.ValidateToken(tok, "")
		require.NoError(t, err)
		assert.Empty(t, tenantID)
	})

	t.Run("missing tenant rejected", func(t *testing.T) {
		tok := signToken(t, StreamClaims{})
		_, err := h.ValidateToken(tok, "")
		assert.Error(t, err)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		claims := StreamClaims{TenantID: "t1"}
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
		require.NoError(t, err)
		_, err = h.ValidateToken(tok, "")
		assert.Error(t, err)
	})

	t.Run("expired rejected", func(t *testing.T) {
		claims := StreamClaims{TenantID: "t1"}
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = h.ValidateToken(tok, "")
		assert.Error(t, err)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := h.ValidateToken("not-a-jwt", "")
		assert.Error(t, err)
	})
}

func TestStreamSnapshotOnConnect(t *testing.T) {
	hub := NewHub(8, logging.Default())
	hub.Publish(model.SnapshotEntry{SensorKey: "a", TenantID: "t1", Label: "ok"})
	hub.Publish(model.SnapshotEntry{SensorKey: "b", TenantID: "t2"})

	srv := httptest.NewServer(NewStreamHandler(hub, testSecret, logging.Default()))
	defer srv.Close()

	conn, err := dialStream(t, srv, "token="+signToken(t, StreamClaims{TenantID: "t1"}))
	require.NoError(t, err)
	defer conn.Close()

	var frame struct {
		Type    string                `json:"type"`
		Entries []model.SnapshotEntry `json:"entries"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "snapshot", frame.Type)
	require.Len(t, frame.Entries, 1, "snapshot is tenant scoped")
	assert.Equal(t, "a", frame.Entries[0].SensorKey)
}

func TestStreamReceivesUpdates(t *testing.T) {
	hub := NewHub(8, logging.Default())
	srv := httptest.NewServer(NewStreamHandler(hub, testSecret, logging.Default()))
	defer srv.Close()

	conn, err := dialStream(t, srv, "token="+signToken(t, StreamClaims{TenantID: "t1"}))
	require.NoError(t, err)
	defer conn.Close()

	// Drain the connect snapshot first.
	var snapshot map[string]any
	require.NoError(t, conn.ReadJSON(&snapshot))

	// The subscriber registers inside the handler goroutine; wait for it.
	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish(model.SnapshotEntry{SensorKey: "a", TenantID: "t1", Label: "bearing_wear"})

	var frame struct {
		Type  string               `json:"type"`
		Entry *model.SnapshotEntry `json:"entry"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "update", frame.Type)
	require.NotNil(t, frame.Entry)
	assert.Equal(t, "bearing_wear", frame.Entry.Label)
}

func TestStreamAuthFailureCloseCode(t *testing.T) {
	hub := NewHub(8, logging.Default())
	srv := httptest.NewServer(NewStreamHandler(hub, testSecret, logging.Default()))
	defer srv.Close()

	conn, err := dialStream(t, srv, "token=bogus")
	require.NoError(t, err, "upgrade succeeds so the close code can be delivered")
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseAuthFailure, closeErr.Code)
}

func TestStreamSubscriberRemovedOnDisconnect(t *testing.T) {
	hub := NewHub(8, logging.Default())
	srv := httptest.NewServer(NewStreamHandler(hub, testSecret, logging.Default()))
	defer srv.Close()

	conn, err := dialStream(t, srv, "token="+signToken(t, StreamClaims{TenantID: "t1"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
