// Package inference calls the external fault classification service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
)

// Failure classifies why an inference call did not yield a usable result.
type Failure string

const (
	// FailureUnreachable covers connection errors and cancelled calls.
	FailureUnreachable Failure = "inference_unreachable"

	// FailureTimeout covers calls that exceeded the configured deadline.
	FailureTimeout Failure = "inference_timeout"

	// FailureInvalidResponse covers non-2xx statuses and undecodable or
	// out-of-contract bodies.
	FailureInvalidResponse Failure = "inference_invalid_response"
)

// Error is the typed failure returned by Predict. Inference failures are
// never fatal to ingestion; callers persist raw telemetry and move on.
type Error struct {
	Kind Failure
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Request carries the feature vector plus minimal context to the service.
type Request struct {
	Features       []float64 `json:"features"`
	TopK           int       `json:"top_k"`
	TenantID       string    `json:"tenant_id,omitempty"`
	AssetID        string    `json:"asset_id,omitempty"`
	SensorID       string    `json:"sensor_id,omitempty"`
	ModelVersionID string    `json:"model_version_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// Result is a successful classification.
type Result struct {
	Label          string
	Probability    float64
	TopK           []model.TopPrediction
	ModelVersion   string
	ModelVersionID string
}

// wire shapes of the service's /predict endpoint.
type predictResponse struct {
	Prediction     string          `json:"prediction"`
	Confidence     float64         `json:"confidence"`
	TopPredictions []topPrediction `json:"top_predictions"`
	ModelVersion   string          `json:"model_version"`
	ModelVersionID string          `json:"model_version_id"`
}

type topPrediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Client is an HTTP client for the classification service. Every call is
// bounded by the configured timeout; the timeout must stay shorter than the
// MQTT keep-alive so a stalled service cannot starve sensor lanes.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client. timeout bounds the whole request/response.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Predict submits a feature vector and returns the classification or a typed
// *Error.
func (c *Client) Predict(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: FailureInvalidResponse, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: FailureUnreachable, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: classifyTransportError(err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Kind: FailureInvalidResponse, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind: FailureInvalidResponse,
			Err:  fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 200)),
		}
	}

	var decoded predictResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &Error{Kind: FailureInvalidResponse, Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.Prediction == "" {
		return nil, &Error{Kind: FailureInvalidResponse, Err: errors.New("response missing prediction")}
	}
	if decoded.Confidence < 0 || decoded.Confidence > 1 {
		return nil, &Error{Kind: FailureInvalidResponse, Err: fmt.Errorf("confidence %v out of range", decoded.Confidence)}
	}

	result := &Result{
		Label:          decoded.Prediction,
		Probability:    decoded.Confidence,
		ModelVersion:   decoded.ModelVersion,
		ModelVersionID: decoded.ModelVersionID,
	}
	for _, tp := range decoded.TopPredictions {
		result.TopK = append(result.TopK, model.TopPrediction{Label: tp.Label, Score: tp.Confidence})
	}
	return result, nil
}

func classifyTransportError(err error) Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureUnreachable
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
