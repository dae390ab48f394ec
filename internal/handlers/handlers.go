package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/broadcast"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/pipeline"
)

// BrokerStatus reports the transport connection state.
type BrokerStatus interface {
	IsConnected() bool
}

// StoreStatus reports the document store connection state.
type StoreStatus interface {
	Initialized() bool
}

// RegistrySize reports how many sensor bindings are cached.
type RegistrySize interface {
	Size() int
}

// IngestHandler serves the health and dashboard API surface.
type IngestHandler struct {
	pipeline *pipeline.Pipeline
	hub      *broadcast.Hub
	stream   *broadcast.StreamHandler
	broker   BrokerStatus
	store    StoreStatus
	registry RegistrySize // nil when the registry is disabled
	log      *logging.Logger
}

func NewIngestHandler(
	p *pipeline.Pipeline,
	hub *broadcast.Hub,
	stream *broadcast.StreamHandler,
	broker BrokerStatus,
	store StoreStatus,
	registry RegistrySize,
	log *logging.Logger,
) *IngestHandler {
	return &IngestHandler{
		pipeline: p,
		hub:      hub,
		stream:   stream,
		broker:   broker,
		store:    store,
		registry: registry,
		log:      log.Named("http"),
	}
}

type healthResponse struct {
	Status       string         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	Broker       string         `json:"broker"`
	Store        string         `json:"store"`
	RegistrySize int            `json:"registry_size,omitempty"`
	Pipeline     pipeline.Stats `json:"pipeline"`
	Subscribers  int            `json:"subscribers"`
}

// Health reports liveness plus the state of each downstream dependency.
// Degraded dependencies are reported but do not fail the check: the service
// keeps queueing and retrying while the broker or store recovers.
func (h *IngestHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := healthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		Broker:      "connected",
		Store:       "connected",
		Pipeline:    h.pipeline.Health(),
		Subscribers: h.hub.SubscriberCount(),
	}
	if !h.broker.IsConnected() {
		resp.Status = "degraded"
		resp.Broker = "disconnected"
	}
	if !h.store.Initialized() {
		resp.Status = "degraded"
		resp.Store = "disconnected"
	}
	if h.registry != nil {
		resp.RegistrySize = h.registry.Size()
	}

	h.sendJSON(w, http.StatusOK, resp)
}

// Ready fails hard when the store never initialized, so orchestrators hold
// traffic until the first successful connect.
func (h *IngestHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.store.Initialized() {
		h.sendError(w, http.StatusServiceUnavailable, "document store not initialized")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Latest returns the current snapshot of per-sensor readings, scoped to the
// caller's tenant.
func (h *IngestHandler) Latest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tenantID, err := h.stream.ValidateToken(bearerToken(r), r.URL.Query().Get("tenant_id"))
	if err != nil {
		h.sendError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	entries := h.hub.Snapshot(tenantID)
	h.sendJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

// Stream upgrades to the realtime dashboard websocket.
func (h *IngestHandler) Stream(w http.ResponseWriter, r *http.Request) {
	h.stream.ServeHTTP(w, r)
}

func (h *IngestHandler) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("response encoding failed", "error", err)
	}
}

func (h *IngestHandler) sendError(w http.ResponseWriter, status int, msg string) {
	h.sendJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Browser websocket clients cannot set headers, so the token may arrive
	// as a query parameter.
	return r.URL.Query().Get("token")
}
