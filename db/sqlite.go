package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name VARCHAR(50) NOT NULL,
        model_path TEXT NOT NULL,
        fingerprint VARCHAR(32) NOT NULL,
        accuracy REAL,
        precision REAL,
        recall REAL,
        f1 REAL,
        train_samples INTEGER,
        test_samples INTEGER,
        iterations INTEGER,
        converged INTEGER,
        seed INTEGER,
        trained_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT NOT NULL,
        source VARCHAR(20) NOT NULL,
        fingerprint VARCHAR(32) NOT NULL,
        predicted_label VARCHAR(20) NOT NULL,
        confidence REAL NOT NULL,
        features TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_training_log_trained_at ON training_log(trained_at);
    CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions(created_at);
    `

// ErrClosed is returned by a Store after Close.
var ErrClosed = errors.New("database closed")

// Store persists training runs and served predictions in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database file and its tables if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	database, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	database.SetMaxOpenConns(4)
	database.SetConnMaxLifetime(time.Hour)

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	return &Store{db: database}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type TrainingLog struct {
	ID           int64     `json:"id"`
	ModelName    string    `json:"model_name"`
	ModelPath    string    `json:"model_path"`
	Fingerprint  string    `json:"fingerprint"`
	Accuracy     float64   `json:"accuracy"`
	Precision    float64   `json:"precision"`
	Recall       float64   `json:"recall"`
	F1           float64   `json:"f1"`
	TrainSamples int       `json:"train_samples"`
	TestSamples  int       `json:"test_samples"`
	Iterations   int       `json:"iterations"`
	Converged    bool      `json:"converged"`
	Seed         int64     `json:"seed"`
	TrainedAt    time.Time `json:"trained_at"`
}

// SaveTrainingLog records one training run and returns its row id.
func (s *Store) SaveTrainingLog(ctx context.Context, entry TrainingLog) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO training_log (
            model_name, model_path, fingerprint, accuracy, precision, recall, f1,
            train_samples, test_samples, iterations, converged, seed, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ModelName,
		entry.ModelPath,
		entry.Fingerprint,
		entry.Accuracy,
		entry.Precision,
		entry.Recall,
		entry.F1,
		entry.TrainSamples,
		entry.TestSamples,
		entry.Iterations,
		entry.Converged,
		entry.Seed,
		entry.TrainedAt.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LoadTrainingLog returns the most recent runs first; limit <= 0 returns all.
func (s *Store) LoadTrainingLog(ctx context.Context, limit int) ([]TrainingLog, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, model_name, model_path, fingerprint, accuracy, precision, recall, f1,
               train_samples, test_samples, iterations, converged, seed, trained_at
        FROM training_log
        ORDER BY trained_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var l TrainingLog
		if err := rows.Scan(&l.ID, &l.ModelName, &l.ModelPath, &l.Fingerprint, &l.Accuracy, &l.Precision,
			&l.Recall, &l.F1, &l.TrainSamples, &l.TestSamples, &l.Iterations, &l.Converged, &l.Seed,
			&l.TrainedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// PredictionRecord is one served prediction.
type PredictionRecord struct {
	RequestID   string    `json:"request_id"`
	Source      string    `json:"source"`
	Fingerprint string    `json:"fingerprint"`
	Label       string    `json:"label"`
	Confidence  float64   `json:"confidence"`
	Features    []float64 `json:"features"`
	CreatedAt   time.Time `json:"created_at"`
}

// SavePrediction appends rec to the audit table.
func (s *Store) SavePrediction(ctx context.Context, rec PredictionRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO predictions (
            request_id, source, fingerprint, predicted_label, confidence, features, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Source, rec.Fingerprint, rec.Label, rec.Confidence, string(features), rec.CreatedAt.UTC())
	return err
}

// RecentPredictions returns up to limit predictions, newest first.
func (s *Store) RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT request_id, source, fingerprint, predicted_label, confidence, features, created_at
        FROM predictions
        ORDER BY created_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]PredictionRecord, 0)
	for rows.Next() {
		var (
			rec      PredictionRecord
			features string
		)
		if err := rows.Scan(&rec.RequestID, &rec.Source, &rec.Fingerprint, &rec.Label, &rec.Confidence,
			&features, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(features), &rec.Features); err != nil {
			return nil, fmt.Errorf("prediction %s: decode features: %w", rec.RequestID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
