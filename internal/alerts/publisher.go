// Package alerts publishes fault prediction events to the message bus for
// rule-based evaluation by the alerting backend.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/metrics"
)

// SubjectFault is the subject fault events are published on.
// Pattern: {domain}.{action}.{resource}
const SubjectFault = "ingest.alerts.fault"

// FaultEvent is one detected fault, published when a prediction's label is
// non-normal and its probability clears the configured threshold.
type FaultEvent struct {
	TenantID       string    `json:"tenant_id"`
	SiteID         string    `json:"site_id,omitempty"`
	AssetID        string    `json:"asset_id,omitempty"`
	SensorID       string    `json:"sensor_id,omitempty"`
	PredictionID   string    `json:"prediction_id"`
	Label          string    `json:"label"`
	Probability    float64   `json:"probability"`
	ModelVersionID string    `json:"model_version_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher publishes fault events over NATS.
type Publisher struct {
	conn *nats.Conn
	log  *logging.Logger
}

// Connect establishes the NATS connection with infinite reconnects.
func Connect(url, name string, log *logging.Logger) (*Publisher, error) {
	l := log.Named("alerts")
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			l.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{conn: conn, log: l}, nil
}

// PublishFault publishes one fault event, retrying once. Fire-and-forget
// beyond that: alert delivery never blocks a sensor lane.
func (p *Publisher) PublishFault(ctx context.Context, ev *FaultEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal fault event: %w", err)
	}

	if err := p.publish(ctx, data); err != nil {
		if err = p.publish(ctx, data); err != nil {
			metrics.AlertsPublished.WithLabelValues("error").Inc()
			return fmt.Errorf("publish fault event: %w", err)
		}
	}

	metrics.AlertsPublished.WithLabelValues("ok").Inc()
	p.log.Info("fault alert published",
		"label", ev.Label,
		"probability", ev.Probability,
		"tenant_id", ev.TenantID,
		"sensor_id", ev.SensorID)
	return nil
}

func (p *Publisher) publish(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.conn.Publish(SubjectFault, data)
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
}
