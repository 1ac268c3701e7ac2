package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jupark12/cropmask-pipeline/area"
	"github.com/jupark12/cropmask-pipeline/auditlog"
	"github.com/jupark12/cropmask-pipeline/config"
	"github.com/jupark12/cropmask-pipeline/geotiff"
	"github.com/jupark12/cropmask-pipeline/gpu"
	"github.com/jupark12/cropmask-pipeline/inference"
	"github.com/jupark12/cropmask-pipeline/inference/onnx"
	"github.com/jupark12/cropmask-pipeline/merge"
	"github.com/jupark12/cropmask-pipeline/models"
	"github.com/jupark12/cropmask-pipeline/progress"
	"github.com/jupark12/cropmask-pipeline/queue"
	"github.com/jupark12/cropmask-pipeline/server"
	"github.com/jupark12/cropmask-pipeline/thumbnail"
	"github.com/jupark12/cropmask-pipeline/worker"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("config", "", "YAML config file")
	cmd.Flags().String("addr", "", "HTTP listen address (overrides config)")
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (queue.Store, error) {
	if cfg.DatabaseURL != "" {
		log.Info().Msg("using postgres job store")
		return queue.ConnectPostgres(ctx, cfg.DatabaseURL)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	log.Info().Str("path", cfg.SQLitePath).Msg("using sqlite job store")
	return queue.NewSQLiteStore(cfg.SQLitePath)
}

func openProgress(ctx context.Context, cfg *config.Config, audit *auditlog.Logger) *progress.Store {
	var client *redis.Client
	if cfg.RedisURL != "" {
		c, err := progress.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, keeping progress in process")
		} else {
			client = c
		}
	}
	return progress.NewStore(client, audit)
}

// inferenceFactory builds an engine per job with the pipeline's weights and
// the job's class count
func inferenceFactory(cfg *config.Config, driver *geotiff.Driver, prog *progress.Store, audit *auditlog.Logger) worker.InferenceFactory {
	return func(pc *models.PipelineConfig, schema *models.CropSchema) (worker.Inferencer, error) {
		ecfg := cfg.EngineConfig(pc)
		predictors := onnx.NewFactory(onnx.Options{
			SharedLibrary: cfg.Inference.RuntimeLibrary,
			WeightsPath:   pc.WeightsPath,
			InputName:     cfg.Inference.InputName,
			OutputName:    cfg.Inference.OutputName,
			Bands:         len(ecfg.Bands),
			Classes:       schema.NumClasses(),
			WindowHeight:  ecfg.WindowHeight,
			WindowWidth:   ecfg.WindowWidth,
		})
		return inference.NewEngine(driver, predictors, prog, audit, ecfg), nil
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.OutputRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create output root: %w", err)
	}
	audit := auditlog.New(cfg.LogsRoot)
	prog := openProgress(ctx, cfg, audit)
	defer prog.Close()

	sched := queue.NewScheduler(store, audit)
	defer sched.Stop()

	prober := gpu.NewProber()
	prober.ThresholdMB = cfg.GPUMemoryThresholdMB
	driver := geotiff.New()

	srv := server.NewServer(server.Options{
		Addr:            cfg.Addr,
		Scheduler:       sched,
		Progress:        prog,
		Audit:           audit,
		GPUs:            prober,
		OutputRoot:      cfg.OutputRoot,
		Pipelines:       cfg.Pipeline,
		DefaultPipeline: cfg.DefaultPipeline,
	})
	sched.SetNotifier(srv.NotifyJobUpdate)
	prog.SetNotifier(srv.NotifyProgress)

	chain := worker.NewChain(worker.Options{
		Store:     store,
		Scheduler: sched,
		Progress:  prog,
		Audit:     audit,
		Stages: worker.Stages{
			Inference:  inferenceFactory(cfg, driver, prog, audit),
			Merge:      merge.NewEngine(driver, prog, audit),
			Area:       area.NewEngine(driver, driver, driver, prog, audit),
			Thumbnails: thumbnail.New(driver, driver),
		},
		Pipelines: cfg.Pipeline,
		GPUs:      prober.Count,
		InputRoot: cfg.InputRoot,
		Exec:      worker.ExecContext{MergeWorkers: cfg.MergeWorkers, AreaWorkers: cfg.AreaWorkers},
		Notify:    srv.NotifyJobUpdate,
	})
	pool := worker.NewPool(chain, cfg.Workers)
	pool.Start(ctx, sched.Jobs())

	if err := sched.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("failed to recover pending jobs")
	}
	log.Info().Int("workers", cfg.Workers).Int("pipelines", len(cfg.Pipelines)).Msg("crop mask pipeline started")

	err = srv.Start(ctx)
	cancel()
	log.Info().Msg("shutting down, waiting for running stages")
	pool.Wait()
	return err
}
