// Package features derives fixed-width numeric feature vectors from
// canonical sensor records for the fault classification service.
package features

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/schema"
)

// MissingValue is the sentinel substituted for any canonical key the
// extractor cannot resolve. It is deliberately far outside every physical
// sensor range so a substituted value is visible in stored vectors and can
// never be mistaken for a real zero reading.
const MissingValue = -9999.0

// statNames are the per-column window statistics, in wire order. The dense
// vector is one block of these per base sensor column.
var statNames = []string{
	"mean", "std", "min", "max", "median", "p25", "p75",
	"range", "var", "rms", "mad", "sum", "sumsq", "maxmin_ratio",
}

// Manifest is the versioned, ordered list of feature keys the inference
// service expects. The vector width is the number of keys; the reference
// deployment ships 24 base columns x 14 statistics = 336.
type Manifest struct {
	Version string   `yaml:"version"`
	Keys    []string `yaml:"keys"`
}

// Width returns the declared feature vector width.
func (m *Manifest) Width() int {
	return len(m.Keys)
}

// DefaultManifest builds the reference deployment layout: for each dense
// base column, one block of the window statistics in statNames order.
func DefaultManifest() *Manifest {
	cols := schema.DenseBaseColumns()
	keys := make([]string, 0, len(cols)*len(statNames))
	for _, col := range cols {
		for _, stat := range statNames {
			keys = append(keys, col+"_"+stat)
		}
	}
	return &Manifest{Version: "v1", Keys: keys}
}

// LoadManifest reads a manifest override from a YAML file. An empty path
// returns the default manifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Version == "" {
		return fmt.Errorf("manifest missing version")
	}
	if len(m.Keys) == 0 {
		return fmt.Errorf("manifest %s has no keys", m.Version)
	}
	if len(m.Keys) < len(sparseKeys) {
		return fmt.Errorf("manifest %s has %d keys, need at least %d to hold the sparse scalars",
			m.Version, len(m.Keys), len(sparseKeys))
	}
	seen := make(map[string]struct{}, len(m.Keys))
	for _, k := range m.Keys {
		if _, dup := seen[k]; dup {
			return fmt.Errorf("manifest %s: duplicate key %s", m.Version, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}
