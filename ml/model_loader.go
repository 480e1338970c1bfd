package ml

import (
	"fmt"
	"os"
	"path/filepath"
)

// SaveModel writes the artifact to path, replacing any previous file. The bytes go to a
// temporary file in the same directory first and are renamed into place, so a watcher
// or concurrent reader never sees a half-written artifact.
func SaveModel(path string, m *Model) error {
	payload, err := MarshalModel(m)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadModel reads and validates the artifact at path.
func LoadModel(path string) (*Model, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read artifact: %v", ErrLoad, err)
	}
	m, err := UnmarshalModel(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
