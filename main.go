package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cancerdetect/auth"
	"cancerdetect/config"
	"cancerdetect/db"
	qhttp "cancerdetect/http"
	"cancerdetect/logger"
	"cancerdetect/ml"
	"cancerdetect/monitoring"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("server stopped", zap.Error(err))
	}
	lg.Info("exiting")
}

func run(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	// 2. Feature ranges come from the raw dataset, not the artifact.
	ds, err := ml.LoadDataset(cfg.Dataset.Path, ml.DatasetOptions{
		IDColumn:    cfg.Dataset.IDColumn,
		LabelColumn: cfg.Dataset.LabelColumn,
	})
	if err != nil {
		return err
	}
	ranges, err := ml.ComputeFeatureRanges(ds)
	if err != nil {
		return err
	}
	lg.Info("feature ranges computed", zap.String("dataset", cfg.Dataset.Path), zap.Int("features", len(ranges.Ranges)))

	// 3. Load the model
	metrics := monitoring.NewMetrics()
	store := ml.NewModelStore(cfg.Model.Path,
		ml.WithLogger(lg.With(zap.String("component", "model_store"))),
		ml.WithValidator(func(m *ml.Model) error {
			return m.Schema().Check(ranges.Schema)
		}))
	predictor, err := ml.NewCachedPredictor(store, cfg.Cache.Size)
	if err != nil {
		return err
	}
	if err := metrics.RegisterCacheStats(predictor.Stats); err != nil {
		return err
	}

	store.OnReloadError(func(error) { metrics.ModelRejected() })
	if err := store.Load(); err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	active := store.Model()
	metrics.ModelActivated(active.TrainedAt(), active.Schema().Len())

	// 4. Optional persistence
	var database *db.Store
	if cfg.Database.Path != "" {
		database, err = db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer database.Close()
		lg.Info("database initialized", zap.String("path", cfg.Database.Path))
	}

	creds := make([]auth.Credential, len(cfg.Auth.Users))
	for i, u := range cfg.Auth.Users {
		creds[i] = auth.Credential{Username: u.Username, Password: u.Password}
	}
	verifier := auth.NewStaticVerifier(creds)
	if verifier.Len() == 0 {
		lg.Warn("no login users configured; every login attempt will fail")
	}

	// 5. HTTP server
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		Timeout:        cfg.HTTP.Timeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, qhttp.Dependencies{
		Logger:            lg.With(zap.String("component", "http")),
		Predictor:         predictor,
		Ranges:            ranges,
		Verifier:          verifier,
		Store:             database,
		RecordPredictions: cfg.Database.RecordPredictions,
		Metrics:           metrics,
		LabelNames:        cfg.Dataset.LabelNames,
		ModelPath:         cfg.Model.Path,
	})

	store.OnSwap(func(m *ml.Model) {
		predictor.Purge()
		metrics.ModelActivated(m.TrainedAt(), m.Schema().Len())
		server.NotifyModel(m)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if cfg.Model.Watch {
		g.Go(func() error {
			return store.Watch(gctx)
		})
	}
	return g.Wait()
}
