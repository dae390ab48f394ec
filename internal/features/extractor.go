package features

import (
	"errors"
	"fmt"
	"sync"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/schema"
)

// Mode reports which extraction path produced a vector.
type Mode string

const (
	// ModeSparse is the four-scalar path for simple-variant records. The
	// scalars occupy the head of the vector; the remainder is zero padding,
	// which is the layout the deployed model was trained against.
	ModeSparse Mode = "sparse"

	// ModeDense is the windowed statistics path for dense-variant records.
	ModeDense Mode = "dense"
)

var (
	// ErrWindowFilling is returned while a sensor's window has fewer readings
	// than the configured window size. It is a skip, not a failure: the raw
	// record is still persisted, no prediction is attempted.
	ErrWindowFilling = errors.New("features: window still filling")

	// ErrNoFeatures is returned when a record carries none of the keys its
	// variant requires, so no meaningful vector can be produced.
	ErrNoFeatures = errors.New("features: required keys entirely absent")
)

// sparseKeys occupy the head of a sparse vector, in order. Manifests must be
// at least this wide; LoadManifest enforces that.
var sparseKeys = []string{
	schema.KeyTemperature, schema.KeyVibration, schema.KeyPressure, schema.KeyHumidity,
}

// Result is a completed extraction: a vector of exactly the manifest width.
type Result struct {
	Mode     Mode
	Features []float64
}

// Extractor maps canonical records to fixed-width feature vectors. Dense
// records feed a per-sensor sliding window; the emitted vector is the
// manifest-ordered set of window statistics. Sparse records map directly.
//
// Extract output is always a vector of the declared width or an error, never
// a short vector.
type Extractor struct {
	manifest   *Manifest
	windowSize int

	mu      sync.Mutex
	windows map[string]*window
}

// NewExtractor creates an extractor for the given manifest and window size.
func NewExtractor(manifest *Manifest, windowSize int) *Extractor {
	return &Extractor{
		manifest:   manifest,
		windowSize: windowSize,
		windows:    make(map[string]*window),
	}
}

// Width returns the declared output vector width.
func (e *Extractor) Width() int {
	return e.manifest.Width()
}

// ManifestVersion returns the active manifest version identifier.
func (e *Extractor) ManifestVersion() string {
	return e.manifest.Version
}

// WindowFill reports how many readings are buffered for a sensor key.
func (e *Extractor) WindowFill(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.windows[key]; ok {
		return w.len()
	}
	return 0
}

// Extract derives the feature vector for a canonical record. key identifies
// the sensor lane, scoping the dense sliding window.
func (e *Extractor) Extract(key string, rec *model.CanonicalRecord) (*Result, error) {
	switch rec.Variant {
	case model.VariantSimple:
		return e.extractSparse(rec)
	case model.VariantDense:
		return e.extractDense(key, rec)
	default:
		return nil, fmt.Errorf("features: variant %q is not extractable", rec.Variant)
	}
}

func (e *Extractor) extractSparse(rec *model.CanonicalRecord) (*Result, error) {
	if len(rec.Entries) == 0 {
		return nil, ErrNoFeatures
	}
	vec := make([]float64, e.manifest.Width())
	for i, k := range sparseKeys {
		if v, ok := rec.Get(k); ok {
			vec[i] = v
		}
	}
	return &Result{Mode: ModeSparse, Features: vec}, nil
}

func (e *Extractor) extractDense(key string, rec *model.CanonicalRecord) (*Result, error) {
	if len(rec.Entries) == 0 {
		return nil, ErrNoFeatures
	}

	cols := schema.DenseBaseColumns()
	row := make([]float64, len(cols))
	for i, col := range cols {
		if v, ok := rec.Get(col); ok {
			row[i] = v
		} else {
			row[i] = MissingValue
		}
	}

	w := e.windowFor(key)
	if full := w.push(row); !full {
		return nil, ErrWindowFilling
	}

	// One statistics block per base column, then read out in manifest order
	// so a manifest revision can reorder or subset without touching the math.
	stats := make(map[string]float64, len(cols)*len(statNames))
	for i, col := range cols {
		for j, v := range columnStats(w.column(i)) {
			stats[col+"_"+statNames[j]] = v
		}
	}

	vec := make([]float64, e.manifest.Width())
	for i, k := range e.manifest.Keys {
		if v, ok := stats[k]; ok {
			vec[i] = v
		} else {
			vec[i] = MissingValue
		}
	}
	return &Result{Mode: ModeDense, Features: vec}, nil
}

// Reset drops the buffered window for a sensor key.
func (e *Extractor) Reset(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.windows, key)
}

// windowFor returns the window for a key, creating it on first use. Only the
// map is guarded; window contents are owned by the sensor's lane.
func (e *Extractor) windowFor(key string) *window {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[key]
	if !ok {
		w = newWindow(e.windowSize)
		e.windows[key] = w
	}
	return w
}
