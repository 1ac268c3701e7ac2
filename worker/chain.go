package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jupark12/cropmask-pipeline/area"
	"github.com/jupark12/cropmask-pipeline/auditlog"
	"github.com/jupark12/cropmask-pipeline/inference"
	"github.com/jupark12/cropmask-pipeline/merge"
	"github.com/jupark12/cropmask-pipeline/models"
	"github.com/jupark12/cropmask-pipeline/outputs"
	"github.com/jupark12/cropmask-pipeline/progress"
	"github.com/jupark12/cropmask-pipeline/queue"
)

// Inferencer runs the inference stage
type Inferencer interface {
	Run(ctx context.Context, req inference.Request) error
}

// InferenceFactory builds an inference engine for a pipeline's model
type InferenceFactory func(pc *models.PipelineConfig, schema *models.CropSchema) (Inferencer, error)

// Merger runs the merge stage
type Merger interface {
	Run(ctx context.Context, req merge.Request) error
}

// AreaCalculator runs the area stage
type AreaCalculator interface {
	Run(ctx context.Context, req area.Request) error
}

// Thumbnailer renders one mosaic preview
type Thumbnailer interface {
	Create(tiffPath, pngPath string) (models.Bounds, error)
}

// Stages are the engines the chain drives
type Stages struct {
	Inference  InferenceFactory
	Merge      Merger
	Area       AreaCalculator
	Thumbnails Thumbnailer
}

// ExecContext carries the per-stage pool sizes
type ExecContext struct {
	MergeWorkers int
	AreaWorkers  int
}

// Outcome is how a stage ended without error
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
)

// StageResult is returned by every stage
type StageResult struct {
	Outcome Outcome
	// Outputs is the number of files catalogued by the stage
	Outputs int
}

// Options configure a Chain
type Options struct {
	Store     queue.Store
	Scheduler *queue.Scheduler
	Progress  *progress.Store
	Audit     *auditlog.Logger
	Stages    Stages
	// Pipelines resolves a job's pipeline config ID
	Pipelines func(id string) (*models.PipelineConfig, bool)
	// GPUs returns the number of GPUs available to inference
	GPUs      func(ctx context.Context) int
	InputRoot string
	Exec      ExecContext
	// Notify is called after every job update the chain writes
	Notify func(*models.Job)
}

// Chain runs the stages of one job in order. It is the only writer of a
// running job's status, current step and progress percent.
type Chain struct {
	opts Options
}

// NewChain creates a chain
func NewChain(opts Options) *Chain {
	return &Chain{opts: opts}
}

type stage struct {
	step     models.Step
	name     string
	progress string
	output   models.OutputStep
	run      func(ctx context.Context, job *models.Job) (StageResult, error)
}

func (c *Chain) stages() []stage {
	return []stage{
		{models.StepInference, "Inference", progress.StepInference, models.OutputInference, c.runInference},
		{models.StepMerge, "Merge", progress.StepMerge, models.OutputMerge, c.runMerge},
		{models.StepArea, "Area calculation", progress.StepArea, models.OutputArea, c.runArea},
		{models.StepThumbnail, "Thumbnail generation", progress.StepThumbnail, "", c.runThumbnails},
	}
}

// Run executes the workflow of a claimed job. Whatever the outcome, the
// next pending job is promoted afterwards.
func (c *Chain) Run(ctx context.Context, jobID string) {
	defer func() {
		if _, err := c.opts.Scheduler.StartNextPending(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("failed to start next pending job")
		}
	}()

	job, err := c.prepare(ctx, jobID)
	if err != nil {
		if job != nil {
			c.fail(ctx, job, progress.StepWorkflow, "workflow task", err, debug.Stack())
		} else {
			log.Error().Err(err).Str("job_id", jobID).Msg("failed to load job")
		}
		return
	}
	for _, st := range c.stages() {
		if !c.runStage(ctx, jobID, st) {
			return
		}
	}
}

// prepare validates inputs and records the chain handle. The job is
// returned alongside errors that should fail it. A cancel flag raised after
// the claim is left for the first stage to observe.
func (c *Chain) prepare(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := c.opts.Store.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusRunning {
		return nil, fmt.Errorf("job %s is %s, not RUNNING", jobID, job.Status)
	}

	job.ChainID = uuid.NewString()
	if err := ValidateInputs(c.opts.InputRoot, job); err != nil {
		return job, err
	}
	if err := EnsureOutputs(job.OutputRoot); err != nil {
		return job, err
	}
	job.ProgressPercent = 0
	job.CurrentStep = models.StepNone
	job.LastState = "RUNNING"
	job.ErrorMessage = ""
	if err := c.save(ctx, job); err != nil {
		return job, err
	}
	c.opts.Progress.Set(ctx, jobID, 0, 0, "Queued")
	c.opts.Audit.Append(jobID, "Workflow queued")
	log.Info().Str("job_id", jobID).Str("chain_id", job.ChainID).Msg("workflow started")
	return job, nil
}

// ValidateInputs checks the input base <root>/<country>/<year> and every
// selected state directory under it
func ValidateInputs(inputRoot string, job *models.Job) error {
	if job.Input.Year == "" || job.Input.Country == "" {
		return &models.ValidationError{Field: "input", Message: "year and country are required"}
	}
	if len(job.States) == 0 {
		return &models.ValidationError{Field: "states", Message: "at least one state is required"}
	}
	if job.OutputRoot == "" {
		return &models.ValidationError{Field: "output_root", Message: "output root is not set"}
	}
	base := filepath.Join(inputRoot, job.Input.Country, job.Input.Year)
	if _, err := os.Stat(base); err != nil {
		return &models.ValidationError{Field: "input", Message: "input base not found: " + base}
	}
	var missing []string
	for _, s := range job.States {
		if _, err := os.Stat(filepath.Join(base, s)); err != nil {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return &models.ValidationError{Field: "states", Message: "missing states: " + strings.Join(missing, ", ")}
	}
	return nil
}

// EnsureOutputs creates the output directory families under root
func EnsureOutputs(root string) error {
	for _, step := range models.OutputSteps {
		if err := os.MkdirAll(filepath.Join(root, string(step)), 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return nil
}

// save persists job even after ctx is cancelled, so a shutdown never leaves
// a job RUNNING
func (c *Chain) save(ctx context.Context, job *models.Job) error {
	if err := c.opts.Store.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		return err
	}
	if c.opts.Notify != nil {
		c.opts.Notify(job)
	}
	return nil
}

// runStage reports whether the chain should continue
func (c *Chain) runStage(ctx context.Context, jobID string, st stage) bool {
	job, err := c.opts.Store.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Str("step", string(st.step)).Msg("failed to load job")
		return false
	}
	if c.opts.Progress.IsCancelled(ctx, jobID) {
		c.cancel(ctx, job, st)
		return false
	}

	job.CurrentStep = st.step
	job.TaskID = uuid.NewString()
	if err := c.save(ctx, job); err != nil {
		c.fail(ctx, job, st.progress, strings.ToLower(st.name)+" task", err, nil)
		return false
	}
	c.opts.Audit.Append(jobID, st.name+" task started")
	log.Info().Str("job_id", jobID).Str("step", string(st.step)).Msg("stage started")

	res, stack, err := c.execute(ctx, job, st)
	if err == nil && st.output != "" {
		var n int
		n, err = outputs.Sync(ctx, c.opts.Store, job, st.output, outputs.Base(job, st.output))
		res.Outputs += n
	}
	if err != nil {
		c.fail(ctx, job, st.progress, strings.ToLower(st.name)+" task", err, stack)
		return false
	}
	if res.Outcome == OutcomeCancelled {
		c.cancel(ctx, job, st)
		return false
	}

	job.ProgressPercent = st.step.Milestone()
	if st.step == models.StepThumbnail {
		job.Status = models.StatusSuccess
		job.CurrentStep = models.StepNone
		job.LastState = "SUCCESS"
	}
	if err := c.save(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to record stage completion")
		return false
	}
	c.opts.Audit.Append(jobID, st.name+" task completed")
	log.Info().Str("job_id", jobID).Str("step", string(st.step)).Int("outputs", res.Outputs).Int("percent", job.ProgressPercent).Msg("stage completed")
	return true
}

// execute runs a stage, turning ErrCancelled into the cancelled outcome and
// a panic into an error with its stack
func (c *Chain) execute(ctx context.Context, job *models.Job, st stage) (res StageResult, stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = debug.Stack()
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	res, err = st.run(ctx, job)
	if errors.Is(err, progress.ErrCancelled) {
		return StageResult{Outcome: OutcomeCancelled}, nil, nil
	}
	if err != nil {
		stack = debug.Stack()
	}
	return res, stack, err
}

func (c *Chain) cancel(ctx context.Context, job *models.Job, st stage) {
	job.Status = models.StatusCancelled
	job.LastState = "REVOKED"
	job.ErrorMessage = "Cancelled by user."
	if err := c.save(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to record cancellation")
	}
	c.opts.Audit.Append(job.ID, st.name+" cancelled")
	log.Info().Str("job_id", job.ID).Str("step", string(st.step)).Msg("job cancelled")
}

func (c *Chain) fail(ctx context.Context, job *models.Job, step, label string, err error, stack []byte) {
	job.Status = models.StatusFailed
	job.LastState = "FAILURE"
	job.ErrorMessage = err.Error()
	if saveErr := c.save(ctx, job); saveErr != nil {
		log.Error().Err(saveErr).Str("job_id", job.ID).Msg("failed to record failure")
	}
	message := auditlog.FormatErrorWithTrace(label, err, stack, 3)
	c.opts.Progress.SetStep(ctx, job.ID, step, 0, 0, message)
	c.opts.Audit.Append(job.ID, message)
	log.Error().Err(err).Str("job_id", job.ID).Str("step", step).Msg("job failed")
}

func (c *Chain) pipeline(job *models.Job, stage string) (*models.PipelineConfig, error) {
	if job.PipelineConfigID != "" && c.opts.Pipelines != nil {
		if pc, ok := c.opts.Pipelines(job.PipelineConfigID); ok {
			return pc, nil
		}
	}
	return nil, fmt.Errorf("pipeline config is required for %s", stage)
}

func (c *Chain) runInference(ctx context.Context, job *models.Job) (StageResult, error) {
	pc, err := c.pipeline(job, "inference")
	if err != nil {
		return StageResult{}, err
	}
	schema, err := models.ParseCrops(job.Crops)
	if err != nil {
		return StageResult{}, err
	}
	engine, err := c.opts.Stages.Inference(pc, schema)
	if err != nil {
		return StageResult{}, err
	}
	available := 0
	if c.opts.GPUs != nil {
		available = c.opts.GPUs(ctx)
	}
	return StageResult{}, engine.Run(ctx, inference.Request{
		JobID:        job.ID,
		InputRoot:    c.opts.InputRoot,
		OutputRoot:   job.OutputRoot,
		Year:         job.Input.Year,
		Country:      job.Input.Country,
		States:       job.States,
		Schema:       schema,
		SkipExisting: job.SkipInference,
		GPUs:         inference.ResolveDevices(job.GPUCount, available),
	})
}

func (c *Chain) runMerge(ctx context.Context, job *models.Job) (StageResult, error) {
	schema, err := models.ParseCrops(job.Crops)
	if err != nil {
		return StageResult{}, err
	}
	return StageResult{}, c.opts.Stages.Merge.Run(ctx, merge.Request{
		JobID:        job.ID,
		OutputRoot:   job.OutputRoot,
		Year:         job.Input.Year,
		Country:      job.Input.Country,
		States:       job.States,
		Crops:        schema.Crops,
		SkipExisting: job.SkipMerge,
		Workers:      c.opts.Exec.MergeWorkers,
	})
}

func (c *Chain) runArea(ctx context.Context, job *models.Job) (StageResult, error) {
	pc, err := c.pipeline(job, "area calculation")
	if err != nil {
		return StageResult{}, err
	}
	schema, err := models.ParseCrops(job.Crops)
	if err != nil {
		return StageResult{}, err
	}
	return StageResult{}, c.opts.Stages.Area.Run(ctx, area.Request{
		JobID:        job.ID,
		OutputRoot:   job.OutputRoot,
		Year:         job.Input.Year,
		Country:      job.Input.Country,
		States:       job.States,
		Crops:        schema.Crops,
		Shapefile:    pc.ShapefilePath,
		SkipExisting: job.SkipArea,
		Workers:      c.opts.Exec.AreaWorkers,
	})
}

// runThumbnails renders a preview of every catalogued mosaic
func (c *Chain) runThumbnails(ctx context.Context, job *models.Job) (StageResult, error) {
	merged, err := c.opts.Store.ListOutputs(ctx, job.ID, models.OutputMerge)
	if err != nil {
		return StageResult{}, err
	}
	dir := outputs.Base(job, models.OutputThumbnail)
	tok := c.opts.Progress.Token(job.ID)
	c.opts.Progress.SetStep(ctx, job.ID, progress.StepThumbnail, 0, int64(len(merged)), "Generating thumbnails")

	var res StageResult
	for _, m := range merged {
		if err := tok.Check(ctx); err != nil {
			return res, err
		}
		if _, err := os.Stat(m.AbsolutePath); err != nil {
			continue
		}
		rel := strings.TrimSuffix(m.RelativePath, filepath.Ext(m.RelativePath)) + ".png"
		pngPath := filepath.Join(dir, filepath.FromSlash(rel))
		bounds, err := c.opts.Stages.Thumbnails.Create(m.AbsolutePath, pngPath)
		if err != nil {
			return res, fmt.Errorf("failed to render %s: %w", m.RelativePath, err)
		}
		info, err := os.Stat(pngPath)
		if err != nil {
			return res, err
		}
		out, err := outputs.NewOutput(job.ID, models.OutputThumbnail, pngPath, dir, info)
		if err != nil {
			return res, err
		}
		out.Bounds = &bounds
		if err := c.opts.Store.UpsertOutput(ctx, out); err != nil {
			return res, err
		}
		res.Outputs++
		c.opts.Audit.Append(job.ID, "Generated thumbnail for "+filepath.Base(m.AbsolutePath))
		c.opts.Progress.IncrementStep(ctx, job.ID, progress.StepThumbnail, 1, "Generating thumbnails")
	}
	return res, nil
}
