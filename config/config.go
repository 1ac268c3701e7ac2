// Package config loads the service configuration from a YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jupark12/cropmask-pipeline/inference"
	"github.com/jupark12/cropmask-pipeline/models"
)

// InferenceConfig holds the sliding-window and model tensor settings
type InferenceConfig struct {
	WindowSize int    `yaml:"window_size" validate:"gte=1"`
	Step       int    `yaml:"step" validate:"gte=1"`
	Bands      []int  `yaml:"bands" validate:"min=1,dive,gte=0"`
	InputName  string `yaml:"input_name" validate:"required"`
	OutputName string `yaml:"output_name" validate:"required"`
	// RuntimeLibrary is the onnxruntime shared library
	RuntimeLibrary string `yaml:"runtime_library"`
}

// Config is the service configuration
type Config struct {
	Addr string `yaml:"addr" validate:"required"`
	// DatabaseURL selects Postgres; when empty jobs are kept in SQLitePath
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" validate:"required_without=DatabaseURL"`
	// RedisURL selects the Redis progress store; when empty progress is kept in process
	RedisURL string `yaml:"redis_url"`

	InputRoot  string `yaml:"input_root" validate:"required"`
	OutputRoot string `yaml:"output_root" validate:"required"`
	LogsRoot   string `yaml:"logs_root" validate:"required"`

	Workers      int `yaml:"workers" validate:"gte=1"`
	MergeWorkers int `yaml:"merge_workers" validate:"gte=0"`
	AreaWorkers  int `yaml:"area_workers" validate:"gte=0"`
	// GPUMemoryThresholdMB is the memory use below which a GPU counts as idle
	GPUMemoryThresholdMB int `yaml:"gpu_memory_threshold_mb" validate:"gte=0"`

	Inference       InferenceConfig         `yaml:"inference"`
	DefaultPipeline string                  `yaml:"default_pipeline"`
	Pipelines       []models.PipelineConfig `yaml:"pipelines" validate:"dive"`
}

// Default returns the configuration used for unset fields
func Default() Config {
	def := inference.DefaultConfig()
	return Config{
		Addr:                 ":8080",
		SQLitePath:           ".data/jobs.db",
		InputRoot:            "data/input",
		OutputRoot:           "data/output",
		LogsRoot:             "data/logs",
		Workers:              1,
		MergeWorkers:         4,
		AreaWorkers:          4,
		GPUMemoryThresholdMB: 200,
		Inference: InferenceConfig{
			WindowSize: def.WindowHeight,
			Step:       def.Step,
			Bands:      def.Bands,
			InputName:  "input",
			OutputName: "output",
		},
	}
}

// Load reads path over the defaults, then applies .env and environment
// overrides. A missing path is not an error when it was not named explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	for i := range cfg.Pipelines {
		if cfg.Pipelines[i].BatchSize == 0 {
			cfg.Pipelines[i].BatchSize = inference.DefaultConfig().BatchSize
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"DATABASE_URL":              &c.DatabaseURL,
		"REDIS_URL":                 &c.RedisURL,
		"CROPMASK_ADDR":             &c.Addr,
		"CROPMASK_SQLITE_PATH":      &c.SQLitePath,
		"CROPMASK_INPUT_ROOT":       &c.InputRoot,
		"CROPMASK_OUTPUT_ROOT":      &c.OutputRoot,
		"CROPMASK_LOGS_ROOT":        &c.LogsRoot,
		"CROPMASK_DEFAULT_PIPELINE": &c.DefaultPipeline,
		"CROPMASK_ONNXRUNTIME_LIB":  &c.Inference.RuntimeLibrary,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"CROPMASK_WORKERS":       &c.Workers,
		"CROPMASK_MERGE_WORKERS": &c.MergeWorkers,
		"CROPMASK_AREA_WORKERS":  &c.AreaWorkers,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks field constraints and pipeline references
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			ve := verrs[0]
			return &models.ValidationError{Field: ve.Namespace(), Message: ve.Tag()}
		}
		return err
	}
	seen := make(map[string]bool, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if seen[p.ID] {
			return &models.ValidationError{Field: "pipelines", Message: "duplicate id " + p.ID}
		}
		seen[p.ID] = true
	}
	if c.DefaultPipeline != "" && !seen[c.DefaultPipeline] {
		return &models.ValidationError{Field: "default_pipeline", Message: "unknown pipeline " + c.DefaultPipeline}
	}
	return nil
}

// Pipeline returns the pipeline config with id
func (c *Config) Pipeline(id string) (*models.PipelineConfig, bool) {
	for i := range c.Pipelines {
		if c.Pipelines[i].ID == id {
			return &c.Pipelines[i], true
		}
	}
	return nil, false
}

// EngineConfig returns the inference engine settings for a pipeline
func (c *Config) EngineConfig(pc *models.PipelineConfig) inference.Config {
	return inference.Config{
		WindowHeight: c.Inference.WindowSize,
		WindowWidth:  c.Inference.WindowSize,
		Step:         c.Inference.Step,
		BatchSize:    pc.BatchSize,
		Bands:        c.Inference.Bands,
	}
}
