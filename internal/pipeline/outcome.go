package pipeline

// Outcome classifies how the pipeline finished with one message. Every
// failure mode is a contained, typed outcome; nothing propagates back into
// the transport callback.
type Outcome string

const (
	// OutcomeProcessed: normalization, extraction, inference, and both
	// writes all succeeded.
	OutcomeProcessed Outcome = "processed"

	// OutcomeDecodeError: payload bytes were not valid JSON. The message is
	// dropped; no raw telemetry is written.
	OutcomeDecodeError Outcome = "transport_decode_error"

	// OutcomeSchemaUnrecognized: structurally unknown payload. Raw telemetry
	// is written without a normalized payload; no prediction is attempted.
	OutcomeSchemaUnrecognized Outcome = "schema_unrecognized"

	// OutcomeExtractionFailed: normalization succeeded but the required
	// canonical keys were entirely absent.
	OutcomeExtractionFailed Outcome = "extraction_failed"

	// OutcomeWindowFilling: dense sensor still accumulating its window.
	// A skip, not a failure.
	OutcomeWindowFilling Outcome = "window_filling"

	// Inference failures. Raw telemetry is written; no prediction.
	OutcomeInferUnreachable Outcome = "inference_unreachable"
	OutcomeInferTimeout     Outcome = "inference_timeout"
	OutcomeInferInvalid     Outcome = "inference_invalid_response"

	// OutcomeWriteFailed: one or both persistence writes failed after their
	// single retry. Does not block the other write or the broadcast.
	OutcomeWriteFailed Outcome = "persistence_write_failed"

	// OutcomeDropped: lane queue full or pipeline shutting down; the message
	// was discarded at the hand-off.
	OutcomeDropped Outcome = "queue_full_dropped"
)
