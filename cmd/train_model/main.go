package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"cancerdetect/config"
	"cancerdetect/db"
	"cancerdetect/logger"
	"cancerdetect/ml"
	"cancerdetect/monitoring"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	dataPath := flag.String("data", "", "dataset csv (overrides dataset.path)")
	modelPath := flag.String("model_path", "", "model output path (overrides model.path)")
	seed := flag.Int64("seed", 0, "split seed (overrides training.seed)")
	trainRatio := flag.Float64("train_ratio", 0, "share of rows used for fitting (overrides training.train_ratio)")
	maxIter := flag.Int("max_iter", 0, "optimizer iteration cap (overrides training.max_iterations)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg, *dataPath, *modelPath, *seed, *trainRatio, *maxIter)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	lg, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	result, err := train(cfg, lg.With(zap.String("component", "trainer")), monitoring.NewMetrics())
	if err != nil {
		lg.Fatal("training failed", zap.Error(err))
	}

	fmt.Println(result.model.Evaluation().ConfusionTable())
	fmt.Printf("model saved to %s\n", cfg.Model.Path)
}

func applyFlags(cfg *config.Config, dataPath, modelPath string, seed int64, trainRatio float64, maxIter int) {
	if dataPath != "" {
		cfg.Dataset.Path = dataPath
	}
	if modelPath != "" {
		cfg.Model.Path = modelPath
	}
	if seed != 0 {
		cfg.Training.Seed = seed
	}
	if trainRatio != 0 {
		cfg.Training.TrainRatio = trainRatio
	}
	if maxIter != 0 {
		cfg.Training.MaxIterations = maxIter
	}
}

type trainResult struct {
	model *ml.Model
	runID int64
}

// train runs load, split, fit, evaluate and save, then records the run when a database
// is configured.
func train(cfg *config.Config, lg *zap.Logger, metrics *monitoring.Metrics) (trainResult, error) {
	start := time.Now()

	ds, err := ml.LoadDataset(cfg.Dataset.Path, ml.DatasetOptions{
		IDColumn:    cfg.Dataset.IDColumn,
		LabelColumn: cfg.Dataset.LabelColumn,
	})
	if err != nil {
		return trainResult{}, err
	}
	lg.Info("dataset loaded",
		zap.String("path", cfg.Dataset.Path),
		zap.Int("rows", ds.Len()),
		zap.Int("features", ds.Schema.Len()),
		zap.Strings("classes", ds.Classes()))

	trainSet, testSet, err := ml.TrainTestSplit(ds, cfg.Training.TrainRatio, cfg.Training.Seed)
	if err != nil {
		return trainResult{}, err
	}

	opts := ml.DefaultTrainOptions()
	opts.MaxIterations = cfg.Training.MaxIterations
	opts.L2 = cfg.Training.L2
	opts.Seed = cfg.Training.Seed
	opts.TrainRatio = cfg.Training.TrainRatio

	model, err := ml.Train(trainSet, opts)
	if err != nil {
		return trainResult{}, err
	}
	if !model.Converged() {
		lg.Warn("optimizer stopped before convergence", zap.Int("iterations", model.Iterations()))
	}

	ev, err := ml.Evaluate(model, testSet)
	if err != nil {
		return trainResult{}, err
	}
	model = model.WithEvaluation(ev)

	if err := ml.SaveModel(cfg.Model.Path, model); err != nil {
		return trainResult{}, err
	}
	elapsed := time.Since(start)
	metrics.ObserveTraining(ev.Accuracy, elapsed)

	lg.Info("model trained",
		zap.String("path", cfg.Model.Path),
		zap.String("fingerprint", model.Fingerprint()),
		zap.Int("train_samples", trainSet.Len()),
		zap.Int("test_samples", testSet.Len()),
		zap.Int("iterations", model.Iterations()),
		zap.Float64("accuracy", ev.Accuracy),
		zap.Float64("precision", ev.Precision),
		zap.Float64("recall", ev.Recall),
		zap.Float64("f1", ev.F1),
		zap.Duration("elapsed", elapsed))

	if path := cfg.Training.MetricsFile; path != "" {
		if err := writeMetrics(path, metrics); err != nil {
			lg.Warn("write training metrics failed", zap.String("path", path), zap.Error(err))
		} else {
			lg.Info("training metrics written", zap.String("path", path))
		}
	}

	result := trainResult{model: model}
	if cfg.Database.Path == "" {
		return result, nil
	}

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return result, err
	}
	defer store.Close()

	result.runID, err = store.SaveTrainingLog(context.Background(), db.TrainingLog{
		ModelName:    ml.ModelTypeLogistic,
		ModelPath:    cfg.Model.Path,
		Fingerprint:  model.Fingerprint(),
		Accuracy:     ev.Accuracy,
		Precision:    ev.Precision,
		Recall:       ev.Recall,
		F1:           ev.F1,
		TrainSamples: trainSet.Len(),
		TestSamples:  testSet.Len(),
		Iterations:   model.Iterations(),
		Converged:    model.Converged(),
		Seed:         cfg.Training.Seed,
		TrainedAt:    model.TrainedAt(),
	})
	if err != nil {
		return result, fmt.Errorf("record training run: %w", err)
	}
	lg.Info("training run recorded", zap.String("database", cfg.Database.Path), zap.Int64("run_id", result.runID))
	return result, nil
}

// writeMetrics dumps the registry for a textfile collector. The trainer exits right
// after, so there is nothing to scrape.
func writeMetrics(path string, metrics *monitoring.Metrics) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, metrics.Registry())
}
