package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/cropmask-pipeline/models"
)

const sample = `
addr: ":9090"
input_root: /data/input
output_root: /data/output
logs_root: /data/logs
workers: 2
inference:
  window_size: 256
  step: 128
  bands: [0, 1, 2]
  input_name: x
  output_name: logits
default_pipeline: usa
pipelines:
  - id: usa
    name: USA 2024
    country: USA
    weights_path: /models/usa.onnx
    shapefile_path: /boundaries/usa.shp
    crops: [Corn, Soybean]
  - id: kor
    country: KOR
    weights_path: /models/kor.onnx
    shapefile_path: /boundaries/kor.shp
    batch_size: 16
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/data/input", cfg.InputRoot)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 4, cfg.MergeWorkers, "unset fields keep defaults")
	assert.Equal(t, ".data/jobs.db", cfg.SQLitePath)
	assert.Equal(t, []int{0, 1, 2}, cfg.Inference.Bands)

	usa, ok := cfg.Pipeline("usa")
	require.True(t, ok)
	assert.Equal(t, 64, usa.BatchSize)
	assert.Equal(t, []string{"Corn", "Soybean"}, usa.Crops)
	kor, ok := cfg.Pipeline("kor")
	require.True(t, ok)
	assert.Equal(t, 16, kor.BatchSize)
	_, ok = cfg.Pipeline("mars")
	assert.False(t, ok)

	ec := cfg.EngineConfig(kor)
	assert.Equal(t, 256, ec.WindowHeight)
	assert.Equal(t, 256, ec.WindowWidth)
	assert.Equal(t, 128, ec.Step)
	assert.Equal(t, 16, ec.BatchSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://cropmask@localhost/jobs")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CROPMASK_OUTPUT_ROOT", "/mnt/output")
	t.Setenv("CROPMASK_WORKERS", "3")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "postgres://cropmask@localhost/jobs", cfg.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "/mnt/output", cfg.OutputRoot)
	assert.Equal(t, 3, cfg.Workers)
}

func TestLoad_WithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Addr, cfg.Addr)
	assert.Empty(t, cfg.Pipelines)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	_, err = Load(writeConfig(t, "addr: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config")

	t.Setenv("CROPMASK_WORKERS", "many")
	_, err = Load("")
	assert.ErrorContains(t, err, "invalid CROPMASK_WORKERS")
}

func TestValidate(t *testing.T) {
	pipeline := models.PipelineConfig{ID: "usa", WeightsPath: "/w.onnx", ShapefilePath: "/s.shp"}
	tests := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"no workers", func(c *Config) { c.Workers = 0 }, "Workers"},
		{"no store", func(c *Config) { c.SQLitePath = "" }, "SQLitePath"},
		{"pipeline without weights", func(c *Config) {
			c.Pipelines = []models.PipelineConfig{{ID: "usa", ShapefilePath: "/s.shp"}}
		}, "WeightsPath"},
		{"duplicate pipeline", func(c *Config) {
			c.Pipelines = []models.PipelineConfig{pipeline, pipeline}
		}, "duplicate id usa"},
		{"unknown default", func(c *Config) {
			c.Pipelines = []models.PipelineConfig{pipeline}
			c.DefaultPipeline = "kor"
		}, "unknown pipeline kor"},
		{"no bands", func(c *Config) { c.Inference.Bands = nil }, "Bands"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.edit(&cfg)
			err := cfg.Validate()
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Error(), tt.want)
		})
	}

	cfg := Default()
	cfg.SQLitePath = ""
	cfg.DatabaseURL = "postgres://localhost/jobs"
	assert.NoError(t, cfg.Validate())
}
