package ml

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// FormatVersion is bumped on any incompatible change to the artifact layout.
const FormatVersion = 1

type artifact struct {
	FormatVersion int         `json:"format_version"`
	ModelType     string      `json:"model_type"`
	Features      []string    `json:"features"`
	Classes       []string    `json:"classes"`
	Coefficients  []float64   `json:"coefficients"`
	Intercept     float64     `json:"intercept"`
	Scaler        Scaler      `json:"scaler"`
	TrainedAt     time.Time   `json:"trained_at"`
	Seed          int64       `json:"seed"`
	TrainRatio    float64     `json:"train_ratio"`
	Iterations    int         `json:"iterations"`
	Converged     bool        `json:"converged"`
	Evaluation    *Evaluation `json:"evaluation,omitempty"`
}

// MarshalModel encodes m in the artifact format.
func MarshalModel(m *Model) ([]byte, error) {
	if m == nil {
		return nil, ErrNotTrained
	}
	return json.MarshalIndent(artifact{
		FormatVersion: FormatVersion,
		ModelType:     ModelTypeLogistic,
		Features:      m.schema.Names(),
		Classes:       []string{m.classes[0], m.classes[1]},
		Coefficients:  m.coefficients,
		Intercept:     m.intercept,
		Scaler:        m.scaler,
		TrainedAt:     m.trainedAt,
		Seed:          m.seed,
		TrainRatio:    m.trainRatio,
		Iterations:    m.iterations,
		Converged:     m.converged,
		Evaluation:    m.evaluation,
	}, "", "  ")
}

// UnmarshalModel decodes and validates an artifact.
func UnmarshalModel(payload []byte) (*Model, error) {
	var a artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("%w: decode artifact: %v", ErrLoad, err)
	}
	if a.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, a.FormatVersion, FormatVersion)
	}
	if a.ModelType != ModelTypeLogistic {
		return nil, fmt.Errorf("%w: unsupported model type %q", ErrLoad, a.ModelType)
	}
	d := len(a.Features)
	switch {
	case d == 0:
		return nil, fmt.Errorf("%w: artifact lists no features", ErrLoad)
	case len(a.Classes) != 2:
		return nil, fmt.Errorf("%w: artifact must list two classes, got %d", ErrLoad, len(a.Classes))
	case a.Classes[0] == a.Classes[1]:
		return nil, fmt.Errorf("%w: artifact classes must be distinct, got %q twice", ErrLoad, a.Classes[0])
	case len(a.Coefficients) != d:
		return nil, fmt.Errorf("%w: %d coefficients for %d features", ErrSchemaMismatch, len(a.Coefficients), d)
	case len(a.Scaler.Mean) != d || len(a.Scaler.Std) != d:
		return nil, fmt.Errorf("%w: scaler size does not match %d features", ErrSchemaMismatch, d)
	}
	schema := NewSchema(a.Features)
	if dup := schema.Duplicate(); dup != "" {
		return nil, fmt.Errorf("%w: feature %q listed twice", ErrSchemaMismatch, dup)
	}
	for j, std := range a.Scaler.Std {
		if std == 0 {
			return nil, fmt.Errorf("%w: zero scale for feature %q", ErrLoad, a.Features[j])
		}
	}

	return &Model{
		schema:       schema,
		classes:      [2]string{a.Classes[0], a.Classes[1]},
		coefficients: a.Coefficients,
		intercept:    a.Intercept,
		scaler:       a.Scaler,
		trainedAt:    a.TrainedAt,
		seed:         a.Seed,
		trainRatio:   a.TrainRatio,
		iterations:   a.Iterations,
		converged:    a.Converged,
		evaluation:   a.Evaluation,
		fingerprint:  fingerprint(payload),
	}, nil
}

func fingerprintModel(m *Model) string {
	payload, err := MarshalModel(m)
	if err != nil {
		return ""
	}
	return fingerprint(payload)
}

func fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}
