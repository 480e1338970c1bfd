package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "model:\n  path: out/model.json\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, "out/model.json", cfg.Model.Path)
	assert.Equal(t, def.Dataset, cfg.Dataset)
	assert.Equal(t, def.Training, cfg.Training)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 1024, cfg.Cache.Size)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Database.Path)
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
dataset:
  path: data/wdbc.csv
  id_column: patient
  label_column: outcome
  label_names:
    B: Benign
    M: Malignant
model:
  path: models/lr.json
  watch: true
training:
  seed: 7
  train_ratio: 0.8
  max_iterations: 200
  l2: 0.5
  metrics_file: metrics/train.prom
http:
  port: 9090
  timeout: 5s
  allowed_origins: ["http://localhost:9090"]
database:
  path: data/app.db
  record_predictions: true
cache:
  size: 16
log:
  level: debug
  file: logs/app.log
auth:
  users:
    - username: clinician
      password: secret
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "patient", cfg.Dataset.IDColumn)
	assert.Equal(t, "outcome", cfg.Dataset.LabelColumn)
	assert.Equal(t, map[string]string{"B": "Benign", "M": "Malignant"}, cfg.Dataset.LabelNames)
	assert.True(t, cfg.Model.Watch)
	assert.Equal(t, TrainingConfig{Seed: 7, TrainRatio: 0.8, MaxIterations: 200, L2: 0.5, MetricsFile: "metrics/train.prom"}, cfg.Training)
	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, []string{"http://localhost:9090"}, cfg.HTTP.AllowedOrigins)
	assert.True(t, cfg.Database.RecordPredictions)
	assert.Equal(t, 16, cfg.Cache.Size)
	assert.Equal(t, "logs/app.log", cfg.Log.File)
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, User{Username: "clinician", Password: "secret"}, cfg.Auth.Users[0])
}

func TestLoadKeepsExplicitZeros(t *testing.T) {
	cfg, err := Load(writeConfig(t, "training:\n  seed: 0\n  l2: 0\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.Training.Seed)
	assert.Zero(t, cfg.Training.L2)
	assert.Equal(t, Default().Training.TrainRatio, cfg.Training.TrainRatio)

	cfg, err = Load(writeConfig(t, "training:\n  train_ratio: 0.6\n"))
	require.NoError(t, err)
	assert.EqualValues(t, 2529, cfg.Training.Seed)
	assert.Equal(t, 1.0, cfg.Training.L2)
	assert.Equal(t, 0.6, cfg.Training.TrainRatio)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"MODEL_PATH", "/srv/model.json")
	t.Setenv(EnvPrefix+"HTTP_PORT", "7000")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "http:\n  port: 9090\n"))
	require.NoError(t, err)
	assert.Equal(t, "/srv/model.json", cfg.Model.Path)
	assert.Equal(t, 7000, cfg.HTTP.Port)
	assert.Equal(t, "warn", cfg.Log.Level)

	t.Setenv(EnvPrefix+"HTTP_PORT", "seventy")
	_, err = Load(writeConfig(t, ""))
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "dataset: [unterminated"},
		{"ratio too large", "training:\n  train_ratio: 1.5\n"},
		{"negative penalty", "training:\n  l2: -1\n"},
		{"port out of range", "http:\n  port: 70000\n"},
		{"same columns", "dataset:\n  id_column: x\n  label_column: x\n"},
		{"nameless user", "auth:\n  users:\n    - password: p\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
