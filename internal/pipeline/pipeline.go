// Package pipeline orchestrates the hand-off from the transport callback to
// the per-sensor processing lanes and sequences each message through
// normalize, extract, infer, persist, and broadcast.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/alerts"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/features"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/inference"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/metrics"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/schema"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/storage"
)

// ContextResolver resolves a transport topic into sensor context.
type ContextResolver interface {
	Resolve(topic string) model.SensorContext
}

// Store is the dual-write persistence boundary.
type Store interface {
	Initialized() bool
	WriteRawTelemetry(ctx context.Context, doc *model.RawTelemetry) error
	WritePrediction(ctx context.Context, doc *model.Prediction) error
}

// Inferencer submits feature vectors for classification.
type Inferencer interface {
	Predict(ctx context.Context, req *inference.Request) (*inference.Result, error)
}

// Broadcaster receives snapshot updates for the push channel.
type Broadcaster interface {
	Publish(entry model.SnapshotEntry)
}

// FaultPublisher publishes detected faults to the message bus.
type FaultPublisher interface {
	PublishFault(ctx context.Context, ev *alerts.FaultEvent) error
}

// Options tune pipeline behaviour. Zero values fall back to defaults.
type Options struct {
	// LaneCapacity bounds each lane's queue.
	LaneCapacity int

	// LaneCount fixes the size of the lane pool. Keys map onto lanes by
	// hash, so the goroutine count never grows with the key space.
	LaneCount int

	// TopK is the number of alternative labels requested from inference.
	TopK int

	// AlertThreshold is the minimum probability for fault alert publishing.
	AlertThreshold float64

	// NormalLabel is the prediction label that suppresses alerting.
	NormalLabel string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.LaneCapacity <= 0 {
		out.LaneCapacity = 256
	}
	if out.LaneCount <= 0 {
		out.LaneCount = 32
	}
	if out.TopK <= 0 {
		out.TopK = 3
	}
	if out.AlertThreshold <= 0 {
		out.AlertThreshold = 0.6
	}
	if out.NormalLabel == "" {
		out.NormalLabel = "normal"
	}
	return out
}

// Pipeline is the ingestion orchestrator.
type Pipeline struct {
	resolver  ContextResolver
	extractor *features.Extractor
	infer     Inferencer
	store     Store
	hub       Broadcaster
	faults    FaultPublisher // nil when alert publishing is disabled
	opts      Options
	log       *logging.Logger
	lanes     *lanes

	startedAt time.Time
	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New wires a pipeline. faults may be nil.
func New(
	resolver ContextResolver,
	extractor *features.Extractor,
	infer Inferencer,
	store Store,
	hub Broadcaster,
	faults FaultPublisher,
	opts Options,
	log *logging.Logger,
) *Pipeline {
	p := &Pipeline{
		resolver:  resolver,
		extractor: extractor,
		infer:     infer,
		store:     store,
		hub:       hub,
		faults:    faults,
		opts:      opts.withDefaults(),
		log:       log.Named("pipeline"),
		startedAt: time.Now().UTC(),
	}
	p.lanes = newLanes(p.opts.LaneCapacity, p.opts.LaneCount, p.process, log)
	return p
}

// HandleMessage is the transport hand-off, invoked on the MQTT client's
// callback goroutine. It must return quickly and must never panic past its
// own boundary: a failure escaping here would kill the broker connection.
func (p *Pipeline) HandleMessage(topic string, payload []byte, receivedAt time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in transport hand-off", "topic", topic, "panic", r)
		}
	}()

	metrics.MessageBytesTotal.Add(float64(len(payload)))

	msg := &model.RawMessage{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: receivedAt.UTC(),
	}

	key := p.resolver.Resolve(topic).Key()
	if !p.lanes.dispatch(key, msg) {
		p.dropped.Add(1)
		metrics.MessagesTotal.WithLabelValues(string(OutcomeDropped)).Inc()
		p.log.Warn("message dropped at hand-off",
			"topic", topic,
			"sensor_key", key,
			"message_id", msg.ID)
	}
}

// Shutdown stops accepting new messages, drains lane work for up to grace,
// then cancels whatever is still in flight.
func (p *Pipeline) Shutdown(grace time.Duration) {
	p.log.Info("pipeline shutting down", "grace", grace, "queued", p.lanes.depth())
	p.lanes.shutdown(grace)
	p.log.Info("pipeline stopped",
		"processed", p.processed.Load(),
		"failed", p.failed.Load(),
		"dropped", p.dropped.Load())
}

// Stats is a snapshot of pipeline counters for health reporting.
type Stats struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Processed     uint64 `json:"processed"`
	Failed        uint64 `json:"failed"`
	Dropped       uint64 `json:"dropped"`
	Queued        int    `json:"queued"`
}

// Health returns live pipeline counters.
func (p *Pipeline) Health() Stats {
	return Stats{
		UptimeSeconds: int64(time.Since(p.startedAt).Seconds()),
		Processed:     p.processed.Load(),
		Failed:        p.failed.Load(),
		Dropped:       p.dropped.Load(),
		Queued:        p.lanes.depth(),
	}
}

// process runs the full per-message sequence inside the sensor's lane.
func (p *Pipeline) process(ctx context.Context, key string, msg *model.RawMessage) {
	outcome := p.processMessage(ctx, key, msg)

	metrics.MessagesTotal.WithLabelValues(string(outcome)).Inc()
	switch outcome {
	case OutcomeProcessed, OutcomeWindowFilling, OutcomeSchemaUnrecognized:
		p.processed.Add(1)
	default:
		p.failed.Add(1)
	}
}

func (p *Pipeline) processMessage(ctx context.Context, key string, msg *model.RawMessage) Outcome {
	log := p.log.With("sensor_key", key, "topic", msg.Topic, "message_id", msg.ID)

	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Warn("undecodable payload dropped", "error", err)
		return OutcomeDecodeError
	}

	sctx := p.resolver.Resolve(msg.Topic)

	rec, err := schema.Normalize(payload)
	if err != nil && !errors.Is(err, schema.ErrUnrecognized) {
		log.Error("normalization failed", "error", err)
		return OutcomeSchemaUnrecognized
	}
	variant := model.VariantUnknown
	if rec != nil {
		variant = rec.Variant
	}
	metrics.NormalizationTotal.WithLabelValues(string(variant)).Inc()

	raw := p.buildRawTelemetry(msg, payload, sctx, rec)
	rawWriteFailed := false
	if writeErr := p.store.WriteRawTelemetry(ctx, raw); writeErr != nil {
		rawWriteFailed = true
		log.Error("raw telemetry write failed", "error", writeErr)
	}

	// The raw reading reaches the dashboard regardless of what extraction
	// and inference do with it.
	entry := p.snapshotEntry(key, msg, sctx, rec)
	p.hub.Publish(entry)

	if rec == nil {
		return OutcomeSchemaUnrecognized
	}

	extractStart := time.Now()
	result, err := p.extractor.Extract(key, rec)
	metrics.ExtractionDuration.Observe(time.Since(extractStart).Seconds())
	if err != nil {
		if errors.Is(err, features.ErrWindowFilling) {
			log.Debug("window filling", "fill", p.extractor.WindowFill(key))
			return p.settle(OutcomeWindowFilling, rawWriteFailed)
		}
		log.Warn("feature extraction failed", "error", err)
		return p.settle(OutcomeExtractionFailed, rawWriteFailed)
	}

	inferStart := time.Now()
	pred, err := p.infer.Predict(ctx, &inference.Request{
		Features:       result.Features,
		TopK:           p.opts.TopK,
		TenantID:       sctx.TenantID,
		AssetID:        sctx.AssetID,
		SensorID:       sctx.SensorID,
		ModelVersionID: sctx.ModelVersionID,
		RequestID:      msg.ID,
		Timestamp:      msg.ReceivedAt,
	})
	metrics.InferenceDuration.Observe(time.Since(inferStart).Seconds())
	if err != nil {
		outcome := inferenceOutcome(err)
		metrics.InferenceFailures.WithLabelValues(string(outcome)).Inc()
		log.Warn("inference failed", "outcome", outcome, "error", err)
		return p.settle(outcome, rawWriteFailed)
	}

	doc := p.buildPrediction(raw, sctx, pred)
	predictionWriteFailed := false
	if writeErr := p.store.WritePrediction(ctx, doc); writeErr != nil {
		predictionWriteFailed = true
		log.Error("prediction write failed", "error", writeErr)
	}

	entry.Label = pred.Label
	entry.Probability = pred.Probability
	entry.UpdatedAt = time.Now().UTC()
	p.hub.Publish(entry)

	p.maybePublishFault(ctx, sctx, doc, log)

	if rawWriteFailed || predictionWriteFailed {
		return OutcomeWriteFailed
	}
	return OutcomeProcessed
}

// settle folds a raw-write failure into outcomes that otherwise ended the
// message early, so persistence problems stay visible in the counters.
func (p *Pipeline) settle(outcome Outcome, rawWriteFailed bool) Outcome {
	if rawWriteFailed {
		return OutcomeWriteFailed
	}
	return outcome
}

func inferenceOutcome(err error) Outcome {
	var infErr *inference.Error
	if errors.As(err, &infErr) {
		switch infErr.Kind {
		case inference.FailureTimeout:
			return OutcomeInferTimeout
		case inference.FailureInvalidResponse:
			return OutcomeInferInvalid
		}
	}
	return OutcomeInferUnreachable
}

func (p *Pipeline) buildRawTelemetry(
	msg *model.RawMessage,
	payload map[string]any,
	sctx model.SensorContext,
	rec *model.CanonicalRecord,
) *model.RawTelemetry {
	doc := &model.RawTelemetry{
		ID:         storage.NewDocumentID(),
		Topic:      msg.Topic,
		Timestamp:  msg.ReceivedAt,
		Payload:    bson.M(payload),
		PayloadRaw: msg.Payload,
		Validation: map[string]string{"variant": string(model.VariantUnknown)},
	}
	if sctx.Resolved {
		doc.TenantID = sctx.TenantID
		doc.SiteID = sctx.SiteID
		doc.AssetID = sctx.AssetID
		doc.SensorID = sctx.SensorID
	}
	if rec != nil {
		doc.Normalized = rec.Entries
		doc.Validation["variant"] = string(rec.Variant)
		if len(rec.Notes) > 0 {
			doc.Validation["detail"] = strings.Join(rec.Notes, "; ")
		}
	} else {
		doc.Validation["detail"] = "no schema variant matched"
	}
	return doc
}

func (p *Pipeline) buildPrediction(
	raw *model.RawTelemetry,
	sctx model.SensorContext,
	res *inference.Result,
) *model.Prediction {
	modelVersionID := res.ModelVersionID
	if modelVersionID == "" {
		modelVersionID = sctx.ModelVersionID
	}
	return &model.Prediction{
		ID:                storage.NewDocumentID(),
		TenantID:          raw.TenantID,
		SiteID:            raw.SiteID,
		AssetID:           raw.AssetID,
		SensorID:          raw.SensorID,
		RawRef:            raw.ID,
		Timestamp:         raw.Timestamp,
		Normalized:        raw.Normalized,
		Validation:        raw.Validation,
		Label:             res.Label,
		Probability:       res.Probability,
		TopK:              res.TopK,
		ModelVersionID:    modelVersionID,
		ModelVersionLabel: sctx.ModelVersionLabel,
	}
}

func (p *Pipeline) snapshotEntry(
	key string,
	msg *model.RawMessage,
	sctx model.SensorContext,
	rec *model.CanonicalRecord,
) model.SnapshotEntry {
	entry := model.SnapshotEntry{
		SensorKey: key,
		Topic:     msg.Topic,
		Variant:   model.VariantUnknown,
		UpdatedAt: time.Now().UTC(),
	}
	if sctx.Resolved {
		entry.TenantID = sctx.TenantID
	}
	if rec != nil {
		entry.Variant = rec.Variant
		entry.Reading = rec.Entries
	}
	return entry
}

func (p *Pipeline) maybePublishFault(
	ctx context.Context,
	sctx model.SensorContext,
	doc *model.Prediction,
	log *logging.Logger,
) {
	if p.faults == nil {
		return
	}
	if strings.EqualFold(doc.Label, p.opts.NormalLabel) || doc.Probability < p.opts.AlertThreshold {
		return
	}
	if !sctx.Resolved {
		log.Warn("fault detected but context unresolved, alert skipped",
			"label", doc.Label, "probability", doc.Probability)
		return
	}

	ev := &alerts.FaultEvent{
		TenantID:       doc.TenantID,
		SiteID:         doc.SiteID,
		AssetID:        doc.AssetID,
		SensorID:       doc.SensorID,
		PredictionID:   doc.ID.Hex(),
		Label:          doc.Label,
		Probability:    doc.Probability,
		ModelVersionID: doc.ModelVersionID,
		Timestamp:      time.Now().UTC(),
	}
	if err := p.faults.PublishFault(ctx, ev); err != nil {
		log.Error("fault alert publish failed", "error", err)
	}
}
