// Package registry resolves transport topics into multi-tenant sensor
// context. Bindings live in PostgreSQL, owned by the administrative backend;
// this service keeps read-only in-memory caches refreshed on an interval so
// no per-message database lookup is needed.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
)

const sensorRefreshSQL = `
SELECT
    s.sensor_code,
    s.id::text        AS sensor_id,
    s.tenant_id::text AS tenant_id,
    t.tenant_code,
    a.site_id::text   AS site_id,
    si.site_code,
    s.asset_id::text  AS asset_id,
    COALESCE(s.gateway_id::text, '') AS gateway_id
FROM sensors s
JOIN tenants t  ON t.id = s.tenant_id
JOIN assets  a  ON a.id = s.asset_id
JOIN sites   si ON si.id = a.site_id
WHERE s.is_active  = true
  AND s.is_deleted = false
  AND a.is_active  = true
  AND a.is_deleted = false
  AND t.is_active  = true
  AND t.is_deleted = false
`

const modelRefreshSQL = `
SELECT
    amv.asset_id::text         AS asset_id,
    amv.model_version_id::text AS model_version_id,
    COALESCE(mv.full_version_label, '') AS version_label
FROM asset_model_versions amv
JOIN ml_model_versions mv ON mv.id = amv.model_version_id
WHERE amv.is_active = true
`

// SensorBinding maps a sensor code to its tenant/site/asset context.
type SensorBinding struct {
	SensorID   string
	TenantID   string
	TenantCode string
	SiteID     string
	SiteCode   string
	AssetID    string
	GatewayID  string
}

// ModelBinding is the active model version serving an asset.
type ModelBinding struct {
	ModelVersionID string
	VersionLabel   string
}

// querier is the subset of pgxpool.Pool the cache needs.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Cache holds the sensor and model binding lookups. Lookups are lock-cheap;
// Refresh swaps complete maps so readers never see a partial load.
type Cache struct {
	pool     querier
	interval time.Duration
	log      *logging.Logger

	mu      sync.RWMutex
	sensors map[string]SensorBinding
	models  map[string]ModelBinding
}

// New creates a cache backed by the given pool.
func New(pool *pgxpool.Pool, interval time.Duration, log *logging.Logger) *Cache {
	return newCache(pool, interval, log)
}

func newCache(pool querier, interval time.Duration, log *logging.Logger) *Cache {
	return &Cache{
		pool:     pool,
		interval: interval,
		log:      log.Named("registry"),
		sensors:  make(map[string]SensorBinding),
		models:   make(map[string]ModelBinding),
	}
}

// Refresh reloads both binding maps from PostgreSQL.
func (c *Cache) Refresh(ctx context.Context) error {
	sensors, err := c.loadSensors(ctx)
	if err != nil {
		return fmt.Errorf("refresh sensor bindings: %w", err)
	}
	models, err := c.loadModels(ctx)
	if err != nil {
		return fmt.Errorf("refresh model bindings: %w", err)
	}

	c.mu.Lock()
	c.sensors = sensors
	c.models = models
	c.mu.Unlock()

	c.log.Debug("registry refreshed", "sensors", len(sensors), "model_bindings", len(models))
	return nil
}

func (c *Cache) loadSensors(ctx context.Context) (map[string]SensorBinding, error) {
	rows, err := c.pool.Query(ctx, sensorRefreshSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]SensorBinding)
	for rows.Next() {
		var code string
		var b SensorBinding
		if err := rows.Scan(&code, &b.SensorID, &b.TenantID, &b.TenantCode,
			&b.SiteID, &b.SiteCode, &b.AssetID, &b.GatewayID); err != nil {
			return nil, err
		}
		out[code] = b
	}
	return out, rows.Err()
}

func (c *Cache) loadModels(ctx context.Context) (map[string]ModelBinding, error) {
	rows, err := c.pool.Query(ctx, modelRefreshSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]ModelBinding)
	for rows.Next() {
		var assetID string
		var b ModelBinding
		if err := rows.Scan(&assetID, &b.ModelVersionID, &b.VersionLabel); err != nil {
			return nil, err
		}
		out[assetID] = b
	}
	return out, rows.Err()
}

// Run refreshes the cache on the configured interval until ctx is cancelled.
// The initial load failure is logged, not fatal: the pipeline tolerates an
// empty registry by writing records without tenant context.
func (c *Cache) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.log.Warn("initial registry refresh failed", "error", err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Warn("registry refresh failed", "error", err)
			}
		}
	}
}

// Lookup returns the binding for a sensor code.
func (c *Cache) Lookup(sensorCode string) (SensorBinding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.sensors[sensorCode]
	return b, ok
}

// ModelFor returns the active model binding for an asset.
func (c *Cache) ModelFor(assetID string) (ModelBinding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.models[assetID]
	return b, ok
}

// Size returns the number of cached sensor bindings.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sensors)
}

// Resolve parses a topic and builds the full message context. Unparseable
// topics and unknown sensor codes yield an unresolved context; the sensor
// code, when present, still keys the lane and snapshot.
func (c *Cache) Resolve(topic string) model.SensorContext {
	parsed := ParseTopic(topic)
	if parsed == nil {
		return model.SensorContext{}
	}

	ctx := model.SensorContext{SensorCode: parsed.SensorCode}
	binding, ok := c.Lookup(parsed.SensorCode)
	if !ok {
		return ctx
	}

	ctx.SensorID = binding.SensorID
	ctx.TenantID = binding.TenantID
	ctx.TenantCode = binding.TenantCode
	ctx.SiteID = binding.SiteID
	ctx.SiteCode = binding.SiteCode
	ctx.AssetID = binding.AssetID
	ctx.GatewayID = binding.GatewayID
	ctx.Resolved = true

	if mb, ok := c.ModelFor(binding.AssetID); ok {
		ctx.ModelVersionID = mb.ModelVersionID
		ctx.ModelVersionLabel = mb.VersionLabel
	}
	return ctx
}

// Static returns a cache preloaded with fixed bindings and no database. Used
// by tests and by deployments that run without a registry database.
func Static(sensors map[string]SensorBinding, models map[string]ModelBinding, log *logging.Logger) *Cache {
	c := newCache(nil, time.Hour, log)
	if sensors != nil {
		c.sensors = sensors
	}
	if models != nil {
		c.models = models
	}
	return c
}
