// Package schema classifies inbound payloads against the closed set of known
// schema variants and converts them into canonical flat records.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
)

// ErrUnrecognized is returned for payloads that match no known variant.
// Callers still persist the raw payload; the error only blocks extraction.
var ErrUnrecognized = errors.New("schema: unrecognized payload shape")

// Canonical keys of the simple variant.
const (
	KeyTemperature = "temperature"
	KeyVibration   = "vibration"
	KeyPressure    = "pressure"
	KeyHumidity    = "humidity"
)

// denseMarker selects the dense variant when present. The dense shape is the
// full instrumentation payload from gateway-attached sensors.
const denseMarker = "motor_DE_vib_band_1"

var simpleKeys = []string{KeyTemperature, KeyVibration, KeyPressure, KeyHumidity}

// DenseBaseColumns returns the 24 base sensor columns of the dense variant in
// canonical order: {motor,pump} x {DE,NDE} x {vib_band_1..4, ultra_db, temp_c}.
func DenseBaseColumns() []string {
	cols := make([]string, 0, 24)
	for _, loc := range []string{"motor_DE", "motor_NDE", "pump_DE", "pump_NDE"} {
		for band := 1; band <= 4; band++ {
			cols = append(cols, fmt.Sprintf("%s_vib_band_%d", loc, band))
		}
		cols = append(cols, loc+"_ultra_db", loc+"_temp_c")
	}
	return cols
}

// Classify determines which variant a decoded payload matches. Selection is
// structural: the dense marker key wins, then the basic four-field shape.
func Classify(payload map[string]any) model.Variant {
	if _, ok := payload[denseMarker]; ok {
		return model.VariantDense
	}
	if _, ok := payload["sensor_id"]; ok {
		for _, k := range simpleKeys {
			if _, present := payload[k]; present {
				return model.VariantSimple
			}
		}
	}
	return model.VariantUnknown
}

// Normalize converts a decoded payload into a canonical record. Unknown
// shapes return ErrUnrecognized.
func Normalize(payload map[string]any) (*model.CanonicalRecord, error) {
	switch Classify(payload) {
	case model.VariantSimple:
		return normalizeSimple(payload), nil
	case model.VariantDense:
		return normalizeDense(payload), nil
	default:
		return nil, ErrUnrecognized
	}
}

func normalizeSimple(payload map[string]any) *model.CanonicalRecord {
	rec := &model.CanonicalRecord{
		Variant: model.VariantSimple,
		Meta:    map[string]string{},
	}
	if code, ok := asString(payload["sensor_id"]); ok {
		rec.Meta["sensor_id"] = code
	}

	var missing []string
	for _, k := range simpleKeys {
		if v, ok := asFloat(payload[k]); ok {
			rec.Entries = append(rec.Entries, model.FeatureEntry{Key: k, Value: v})
		} else {
			missing = append(missing, k)
		}
	}
	rec.Notes = append(rec.Notes, "matched variant: simple")
	if len(missing) > 0 {
		rec.Notes = append(rec.Notes, "missing keys: "+strings.Join(missing, ","))
	}
	return rec
}

func normalizeDense(payload map[string]any) *model.CanonicalRecord {
	rec := &model.CanonicalRecord{
		Variant: model.VariantDense,
		Meta:    map[string]string{},
	}
	if code, ok := asString(payload["sensor_id"]); ok {
		rec.Meta["sensor_id"] = code
	}
	for _, k := range []string{"state", "regime"} {
		if v, ok := asString(payload[k]); ok {
			rec.Meta[k] = v
		}
	}

	var missing []string
	for _, col := range DenseBaseColumns() {
		if v, ok := asFloat(payload[col]); ok {
			rec.Entries = append(rec.Entries, model.FeatureEntry{Key: col, Value: v})
		} else {
			missing = append(missing, col)
		}
	}
	rec.Notes = append(rec.Notes, "matched variant: dense")
	if len(missing) > 0 {
		sort.Strings(missing)
		rec.Notes = append(rec.Notes, "missing keys: "+strings.Join(missing, ","))
	}
	return rec
}

// asFloat accepts the numeric shapes encoding/json produces plus plain ints
// from hand-built payloads in tests and tools.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}
