// Package config loads the YAML configuration shared by the server and the trainer.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CANCERDETECT_"

// Config 应用配置
type Config struct {
	Dataset  DatasetConfig  `yaml:"dataset"`
	Model    ModelConfig    `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
}

// DatasetConfig 数据集配置
type DatasetConfig struct {
	Path        string `yaml:"path"`
	IDColumn    string `yaml:"id_column"`
	LabelColumn string `yaml:"label_column"`
	// LabelNames maps raw labels to display names, e.g. M -> Malignant.
	LabelNames map[string]string `yaml:"label_names"`
}

// ModelConfig 模型配置
type ModelConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// TrainingConfig 训练配置
type TrainingConfig struct {
	Seed          int64   `yaml:"seed"`
	TrainRatio    float64 `yaml:"train_ratio"`
	MaxIterations int     `yaml:"max_iterations"`
	L2            float64 `yaml:"l2"`
	// MetricsFile receives the trainer's metrics in Prometheus text format; empty skips it.
	MetricsFile string `yaml:"metrics_file"`
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// DatabaseConfig 数据库配置; an empty path disables persistence.
type DatabaseConfig struct {
	Path              string `yaml:"path"`
	RecordPredictions bool   `yaml:"record_predictions"`
}

// CacheConfig 预测缓存配置
type CacheConfig struct {
	Size int `yaml:"size"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AuthConfig 登录配置
type AuthConfig struct {
	Users []User `yaml:"users"`
}

// User is one accepted login.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Dataset: DatasetConfig{
			Path:        "data/data.csv",
			IDColumn:    "id",
			LabelColumn: "diagnosis",
		},
		Model: ModelConfig{Path: "models/model.json"},
		Training: TrainingConfig{
			Seed:          2529,
			TrainRatio:    0.7,
			MaxIterations: 5000,
			L2:            1.0,
		},
		HTTP: HTTPConfig{
			Port:           8080,
			Timeout:        30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Cache: CacheConfig{Size: 1024},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load 加载配置文件, then applies .env and environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// a missing .env is not an error
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over Default, so keys absent from the file keep their default.
// Keys present with an empty value fall back to the default too, except training.seed
// and training.l2 where zero is meaningful.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Dataset.Path == "" {
		c.Dataset.Path = def.Dataset.Path
	}
	if c.Dataset.IDColumn == "" {
		c.Dataset.IDColumn = def.Dataset.IDColumn
	}
	if c.Dataset.LabelColumn == "" {
		c.Dataset.LabelColumn = def.Dataset.LabelColumn
	}
	if c.Model.Path == "" {
		c.Model.Path = def.Model.Path
	}
	if c.Training.TrainRatio == 0 {
		c.Training.TrainRatio = def.Training.TrainRatio
	}
	if c.Training.MaxIterations == 0 {
		c.Training.MaxIterations = def.Training.MaxIterations
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = def.HTTP.Port
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = def.HTTP.Timeout
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = def.HTTP.AllowedOrigins
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = def.Cache.Size
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = def.Log.MaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = def.Log.MaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = def.Log.MaxAgeDays
	}
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvPrefix + "DATASET_PATH"); ok && v != "" {
		c.Dataset.Path = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "MODEL_PATH"); ok && v != "" {
		c.Model.Path = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "DATABASE_PATH"); ok {
		c.Database.Path = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "HTTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sHTTP_PORT: %w", EnvPrefix, err)
		}
		c.HTTP.Port = port
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Training.TrainRatio <= 0 || c.Training.TrainRatio >= 1 {
		return fmt.Errorf("training.train_ratio must be in (0, 1), got %g", c.Training.TrainRatio)
	}
	if c.Training.L2 < 0 {
		return fmt.Errorf("training.l2 must not be negative, got %g", c.Training.L2)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.Dataset.IDColumn == c.Dataset.LabelColumn {
		return errors.New("dataset.id_column and dataset.label_column must differ")
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" {
			return fmt.Errorf("auth.users[%d]: username is required", i)
		}
	}
	return nil
}
