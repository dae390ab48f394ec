package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
)

func simplePayload() map[string]any {
	return map[string]any{
		"sensor_id":   "pump-007",
		"temperature": 47.2,
		"vibration":   2.1,
		"pressure":    101.4,
		"humidity":    38.0,
	}
}

func densePayload() map[string]any {
	payload := map[string]any{
		"sensor_id": "gw-pump-001",
		"state":     "running",
		"regime":    "steady",
	}
	for i, col := range DenseBaseColumns() {
		payload[col] = float64(i) + 0.5
	}
	return payload
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    model.Variant
	}{
		{"simple", simplePayload(), model.VariantSimple},
		{"dense", densePayload(), model.VariantDense},
		{"empty", map[string]any{}, model.VariantUnknown},
		{"sensor id alone", map[string]any{"sensor_id": "x"}, model.VariantUnknown},
		{"unrelated fields", map[string]any{"foo": 1.0, "bar": "baz"}, model.VariantUnknown},
		{
			// The marker key alone is enough even when simple keys are present.
			"marker wins over simple shape",
			map[string]any{"sensor_id": "x", "temperature": 20.0, "motor_DE_vib_band_1": 1.0},
			model.VariantDense,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.payload))
		})
	}
}

func TestNormalizeSimple(t *testing.T) {
	rec, err := Normalize(simplePayload())
	require.NoError(t, err)

	assert.Equal(t, model.VariantSimple, rec.Variant)
	assert.Equal(t, "pump-007", rec.Meta["sensor_id"])
	assert.Len(t, rec.Entries, 4)

	v, ok := rec.Get(KeyTemperature)
	require.True(t, ok)
	assert.Equal(t, 47.2, v)
	assert.Contains(t, rec.Notes, "matched variant: simple")
}

func TestNormalizeSimpleMissingKeys(t *testing.T) {
	payload := simplePayload()
	delete(payload, KeyPressure)
	delete(payload, KeyHumidity)

	rec, err := Normalize(payload)
	require.NoError(t, err)

	assert.Len(t, rec.Entries, 2)
	require.Len(t, rec.Notes, 2)
	assert.Equal(t, "missing keys: pressure,humidity", rec.Notes[1])
}

func TestNormalizeDense(t *testing.T) {
	rec, err := Normalize(densePayload())
	require.NoError(t, err)

	assert.Equal(t, model.VariantDense, rec.Variant)
	assert.Len(t, rec.Entries, 24)
	assert.Equal(t, "running", rec.Meta["state"])
	assert.Equal(t, "steady", rec.Meta["regime"])

	// Entries preserve canonical column order.
	cols := DenseBaseColumns()
	for i, entry := range rec.Entries {
		assert.Equal(t, cols[i], entry.Key)
	}
}

func TestNormalizeDensePartial(t *testing.T) {
	payload := densePayload()
	delete(payload, "pump_NDE_temp_c")
	delete(payload, "motor_DE_ultra_db")

	rec, err := Normalize(payload)
	require.NoError(t, err)

	assert.Len(t, rec.Entries, 22)
	require.Len(t, rec.Notes, 2)
	assert.Equal(t, "missing keys: motor_DE_ultra_db,pump_NDE_temp_c", rec.Notes[1])
}

func TestNormalizeUnrecognized(t *testing.T) {
	rec, err := Normalize(map[string]any{"foo": "bar"})
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrUnrecognized)
}

func TestNormalizeNonNumericValues(t *testing.T) {
	payload := simplePayload()
	payload[KeyVibration] = "not-a-number"

	rec, err := Normalize(payload)
	require.NoError(t, err)

	_, ok := rec.Get(KeyVibration)
	assert.False(t, ok)
	assert.Equal(t, "missing keys: vibration", rec.Notes[1])
}

func TestDenseBaseColumns(t *testing.T) {
	cols := DenseBaseColumns()
	require.Len(t, cols, 24)
	assert.Equal(t, "motor_DE_vib_band_1", cols[0])
	assert.Equal(t, "motor_DE_temp_c", cols[5])
	assert.Equal(t, "pump_NDE_temp_c", cols[23])

	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		assert.False(t, seen[c], "duplicate column %s", c)
		seen[c] = true
	}
}
