// Package model defines the data shapes flowing through the ingestion pipeline.
package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Variant identifies which of the known payload schemas a message matched.
type Variant string

const (
	// VariantSimple is the basic four-field shape (temperature, vibration,
	// pressure, humidity) published by lightweight sensors.
	VariantSimple Variant = "simple"

	// VariantDense is the full instrumentation shape, keyed by the presence
	// of per-band vibration fields such as motor_DE_vib_band_1.
	VariantDense Variant = "dense"

	// VariantUnknown marks structurally unrecognized payloads. They are still
	// written as raw telemetry but are never fed to feature extraction.
	VariantUnknown Variant = "unknown"
)

// RawMessage is the transport envelope handed from the MQTT callback to the
// processing pipeline. Payload holds the message bytes exactly as received.
type RawMessage struct {
	ID         string
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// FeatureEntry is one key/value pair of a canonical record. Entries are
// ordered; the order is part of the record's contract.
type FeatureEntry struct {
	Key   string  `json:"key" bson:"key"`
	Value float64 `json:"value" bson:"value"`
}

// CanonicalRecord is the flat, schema-normalized representation of a sensor
// reading. Meta carries the non-numeric fields (sensor code, state, regime)
// and Notes carries normalization diagnostics.
type CanonicalRecord struct {
	Variant Variant
	Entries []FeatureEntry
	Meta    map[string]string
	Notes   []string
}

// Get returns the value for a canonical key, if present.
func (r *CanonicalRecord) Get(key string) (float64, bool) {
	for _, e := range r.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return 0, false
}

// Values returns the entries as a plain map. The result is a copy.
func (r *CanonicalRecord) Values() map[string]float64 {
	out := make(map[string]float64, len(r.Entries))
	for _, e := range r.Entries {
		out[e.Key] = e.Value
	}
	return out
}

// SensorContext is the multi-tenant context resolved for a message from the
// sensor registry. All identifiers are UUID strings. A zero context (Resolved
// false) is tolerated throughout the pipeline: records are written without
// tenant fields and alert publishing is skipped.
type SensorContext struct {
	TenantID          string
	TenantCode        string
	SiteID            string
	SiteCode          string
	AssetID           string
	SensorID          string
	SensorCode        string
	GatewayID         string
	ModelVersionID    string
	ModelVersionLabel string
	Resolved          bool
}

// Key returns the lane/snapshot key for this context. Resolved contexts key
// by tenant:asset:sensor so renamed sensor codes do not split a lane.
func (c SensorContext) Key() string {
	if c.Resolved {
		return c.TenantID + ":" + c.AssetID + ":" + c.SensorID
	}
	if c.SensorCode != "" {
		return c.SensorCode
	}
	return "unknown"
}

// RawTelemetry is one document per inbound message, written to the
// raw-telemetry collection for every successfully decoded payload.
// PayloadRaw preserves the message bytes exactly as received; Payload is the
// decoded form kept for ad hoc queries. Normalized is present only when
// normalization succeeded. Documents are immutable after insert and expire
// via a collection-level TTL index.
type RawTelemetry struct {
	ID         primitive.ObjectID `json:"id" bson:"_id"`
	TenantID   string             `json:"tenant_id,omitempty" bson:"tenant_id,omitempty"`
	SiteID     string             `json:"site_id,omitempty" bson:"site_id,omitempty"`
	AssetID    string             `json:"asset_id,omitempty" bson:"asset_id,omitempty"`
	SensorID   string             `json:"sensor_id,omitempty" bson:"sensor_id,omitempty"`
	Topic      string             `json:"topic" bson:"topic"`
	Timestamp  time.Time          `json:"timestamp" bson:"ts"`
	Payload    bson.M             `json:"payload" bson:"payload"`
	PayloadRaw []byte             `json:"-" bson:"payload_raw"`
	Normalized []FeatureEntry     `json:"normalized,omitempty" bson:"normalized,omitempty"`
	Validation map[string]string  `json:"validation,omitempty" bson:"validation,omitempty"`
}

// TopPrediction is one alternative label with its score.
type TopPrediction struct {
	Label string  `json:"label" bson:"label"`
	Score float64 `json:"score" bson:"score"`
}

// Prediction is one document per successful inference, written to the
// predictions collection. RawRef points at the originating RawTelemetry
// document. Never created for failed or skipped inference.
type Prediction struct {
	ID                primitive.ObjectID `json:"id" bson:"_id"`
	TenantID          string             `json:"tenant_id,omitempty" bson:"tenant_id,omitempty"`
	SiteID            string             `json:"site_id,omitempty" bson:"site_id,omitempty"`
	AssetID           string             `json:"asset_id,omitempty" bson:"asset_id,omitempty"`
	SensorID          string             `json:"sensor_id,omitempty" bson:"sensor_id,omitempty"`
	RawRef            primitive.ObjectID `json:"raw_ref" bson:"raw_ref"`
	Timestamp         time.Time          `json:"timestamp" bson:"ts"`
	Normalized        []FeatureEntry     `json:"normalized,omitempty" bson:"normalized,omitempty"`
	Validation        map[string]string  `json:"validation,omitempty" bson:"validation,omitempty"`
	Label             string             `json:"label" bson:"label"`
	Probability       float64            `json:"probability" bson:"probability"`
	TopK              []TopPrediction    `json:"top_k" bson:"top_k"`
	ModelVersionID    string             `json:"model_version_id,omitempty" bson:"model_version_id,omitempty"`
	ModelVersionLabel string             `json:"model_version_label,omitempty" bson:"model_version_label,omitempty"`
	Explanation       bson.M             `json:"explanation,omitempty" bson:"explanation,omitempty"`
}

// SnapshotEntry is the latest reading for one sensor, held in the in-memory
// snapshot and pushed to dashboard subscribers. Label and Probability are
// zero until an inference for that sensor succeeds.
type SnapshotEntry struct {
	SensorKey   string         `json:"sensor_key"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Topic       string         `json:"topic"`
	Variant     Variant        `json:"variant"`
	Reading     []FeatureEntry `json:"reading,omitempty"`
	Label       string         `json:"label,omitempty"`
	Probability float64        `json:"probability,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
