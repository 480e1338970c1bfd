package ml

import "errors"

var (
	// ErrLoad marks a dataset or artifact that is missing, malformed, or incomplete.
	ErrLoad = errors.New("load error")
	// ErrSchemaMismatch marks a feature vector or model whose features differ from the expected schema.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrUnsupportedVersion marks an artifact written with an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported artifact format version")
	// ErrOutOfRange marks a feature value outside the range observed in the dataset.
	ErrOutOfRange = errors.New("feature value out of range")
	// ErrNotTrained is returned when no model is available.
	ErrNotTrained = errors.New("model not trained")
)
