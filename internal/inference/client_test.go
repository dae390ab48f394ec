package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *Request {
	return &Request{
		Features:  []float64{47.5, 2.2, 101.3, 41.0},
		TopK:      3,
		SensorID:  "sensor-1",
		RequestID: "req-1",
	}
}

func TestPredictSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{
			"prediction": "bearing_wear",
			"confidence": 0.87,
			"top_predictions": []map[string]any{
				{"label": "bearing_wear", "confidence": 0.87},
				{"label": "normal", "confidence": 0.09},
			},
			"model_version":    "2024.06",
			"model_version_id": "mv-42",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-key", time.Second)
	res, err := client.Predict(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "/predict", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, []float64{47.5, 2.2, 101.3, 41.0}, gotReq.Features)

	assert.Equal(t, "bearing_wear", res.Label)
	assert.Equal(t, 0.87, res.Probability)
	require.Len(t, res.TopK, 2)
	assert.Equal(t, "normal", res.TopK[1].Label)
	assert.Equal(t, "mv-42", res.ModelVersionID)
}

func TestPredictNon2xxIsInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", time.Second)
	_, err := client.Predict(context.Background(), testRequest())

	var infErr *Error
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, FailureInvalidResponse, infErr.Kind)
	assert.Contains(t, infErr.Error(), "status 503")
}

func TestPredictUndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", time.Second)
	_, err := client.Predict(context.Background(), testRequest())

	var infErr *Error
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, FailureInvalidResponse, infErr.Kind)
}

func TestPredictMissingPrediction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"confidence": 0.5})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", time.Second)
	_, err := client.Predict(context.Background(), testRequest())

	var infErr *Error
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, FailureInvalidResponse, infErr.Kind)
}

func TestPredictConfidenceOutOfRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"prediction": "normal", "confidence": 1.5})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", time.Second)
	_, err := client.Predict(context.Background(), testRequest())

	var infErr *Error
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, FailureInvalidResponse, infErr.Kind)
}

func TestPredictTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 20*time.Millisecond)
	_, err := client.Predict(context.Background(), testRequest())

	var infErr *Error
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, FailureTimeout, infErr.Kind)
}

func TestPredictConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // deliberately closed before use

	client := NewClient(srv.URL, "", time.Second)
	_, err := client.Predict(context.Background(), testRequest())

	var infErr *Error
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, FailureUnreachable, infErr.Kind)
}

func TestPredictContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(srv.URL, "", time.Second)
	_, err := client.Predict(ctx, testRequest())

	var infErr *Error
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, FailureUnreachable, infErr.Kind)
}
