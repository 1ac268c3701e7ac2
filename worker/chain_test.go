package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/cropmask-pipeline/area"
	"github.com/jupark12/cropmask-pipeline/auditlog"
	"github.com/jupark12/cropmask-pipeline/inference"
	"github.com/jupark12/cropmask-pipeline/merge"
	"github.com/jupark12/cropmask-pipeline/models"
	"github.com/jupark12/cropmask-pipeline/progress"
	"github.com/jupark12/cropmask-pipeline/queue"
	"github.com/jupark12/cropmask-pipeline/raster"
	"github.com/jupark12/cropmask-pipeline/raster/rastertest"
	"github.com/jupark12/cropmask-pipeline/thumbnail"
)

const (
	tileSize  = 8
	shapefile = "/boundaries/states.shp"
)

// brightPredictor labels the brightest pixels with the last class, mid-range
// pixels class 1 and the rest class 0
type brightPredictor struct{ classes int }

func (p *brightPredictor) Predict(_ context.Context, input []float32, n int) ([]float32, error) {
	plane := tileSize * tileSize
	out := make([]float32, n*p.classes*plane)
	for i := 0; i < n; i++ {
		for px := 0; px < plane; px++ {
			class := 0
			if v := input[i*plane+px]; v > 60000 {
				class = p.classes - 1
			} else if v > 30000 {
				class = 1
			}
			out[(i*p.classes+class)*plane+px] = 5
		}
	}
	return out, nil
}

func (p *brightPredictor) Close() error { return nil }

type inferFunc func(context.Context, inference.Request) error

func (f inferFunc) Run(ctx context.Context, req inference.Request) error { return f(ctx, req) }

type mergeFunc func(context.Context, merge.Request) error

func (f mergeFunc) Run(ctx context.Context, req merge.Request) error { return f(ctx, req) }

type areaFunc func(context.Context, area.Request) error

func (f areaFunc) Run(ctx context.Context, req area.Request) error { return f(ctx, req) }

type update struct {
	status  models.JobStatus
	step    models.Step
	percent int
}

type harness struct {
	root     string
	store    *queue.SQLiteStore
	sched    *queue.Scheduler
	progress *progress.Store
	audit    *auditlog.Logger
	opts     Options

	mu      sync.Mutex
	updates map[string][]update
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := queue.NewSQLiteStore(filepath.Join(root, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		root:    root,
		store:   store,
		audit:   auditlog.New(filepath.Join(root, "logs")),
		updates: map[string][]update{},
	}
	h.progress = progress.NewStore(nil, h.audit)
	h.sched = queue.NewScheduler(store, h.audit)
	t.Cleanup(h.sched.Stop)

	// left half dark, then a mid-range and a bright quarter
	band := make([]float64, tileSize*tileSize)
	for y := 0; y < tileSize; y++ {
		for x := tileSize / 2; x < tileSize; x++ {
			band[y*tileSize+x] = 50
			if x >= tileSize*3/4 {
				band[y*tileSize+x] = 100
			}
		}
	}
	for state, top := range map[string]float64{"Kansas": 0, "Nebraska": 20} {
		inputDir := filepath.Join(root, "input", "USA", "2024", state)
		require.NoError(t, os.MkdirAll(inputDir, 0o755))
		info := raster.Info{Width: tileSize, Height: tileSize, GeoTransform: raster.GeoTransform{0, 1, 0, top, 0, -1}}
		require.NoError(t, rastertest.Write(filepath.Join(inputDir, "tile_0.tif"), info, band))
	}

	driver := rastertest.New()
	projector := &rastertest.Projector{}
	features := rastertest.Features{shapefile: {
		{Name: "Kansas", Geometry: orb.Polygon{{{-1, 1}, {81, 1}, {81, -81}, {-1, -81}, {-1, 1}}}},
		{Name: "Nebraska", Geometry: orb.Polygon{{{-1, 21}, {81, 21}, {81, -61}, {-1, -61}, {-1, 21}}}},
	}}
	pipeline := &models.PipelineConfig{ID: "default", WeightsPath: "/weights/model.onnx", ShapefilePath: shapefile, BatchSize: 2}

	h.opts = Options{
		Store:     store,
		Scheduler: h.sched,
		Progress:  h.progress,
		Audit:     h.audit,
		Stages: Stages{
			Inference: func(pc *models.PipelineConfig, schema *models.CropSchema) (Inferencer, error) {
				cfg := inference.Config{WindowHeight: tileSize, WindowWidth: tileSize, Step: tileSize / 2, BatchSize: pc.BatchSize, Bands: []int{0}}
				factory := func(int) (inference.Predictor, error) {
					return &brightPredictor{classes: schema.NumClasses()}, nil
				}
				return inference.NewEngine(driver, factory, h.progress, h.audit, cfg), nil
			},
			Merge:      merge.NewEngine(driver, h.progress, h.audit),
			Area:       area.NewEngine(driver, projector, features, h.progress, h.audit),
			Thumbnails: thumbnail.New(driver, projector),
		},
		Pipelines: func(id string) (*models.PipelineConfig, bool) {
			if id == pipeline.ID {
				return pipeline, true
			}
			return nil, false
		},
		InputRoot: filepath.Join(root, "input"),
		Exec:      ExecContext{MergeWorkers: 2, AreaWorkers: 2},
		Notify:    h.record,
	}
	return h
}

func (h *harness) record(job *models.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates[job.ID] = append(h.updates[job.ID], update{job.Status, job.CurrentStep, job.ProgressPercent})
}

// percents returns the distinct progress percents a job passed through
func (h *harness) percents(jobID string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int
	for _, u := range h.updates[jobID] {
		if len(out) == 0 || out[len(out)-1] != u.percent {
			out = append(out, u.percent)
		}
	}
	return out
}

func (h *harness) create(t *testing.T, id string, created time.Time, edit ...func(*models.Job)) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:               id,
		PipelineConfigID: "default",
		Input:            models.JobInput{Year: "2024", Country: "USA"},
		States:           []string{"Kansas"},
		Crops:            "corn",
		OutputName:       id,
		OutputRoot:       filepath.Join(h.root, "output", id),
		Status:           models.StatusPending,
		CreatedAt:        created,
	}
	for _, fn := range edit {
		fn(job)
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return job
}

// claim creates a job and takes it off the dispatch channel
func (h *harness) claim(t *testing.T, id string, edit ...func(*models.Job)) string {
	t.Helper()
	h.create(t, id, time.Now(), edit...)
	started, err := h.sched.QueueOrStart(context.Background(), id)
	require.NoError(t, err)
	require.True(t, started)
	return h.next(t)
}

func (h *harness) next(t *testing.T) string {
	t.Helper()
	select {
	case id := <-h.sched.Jobs():
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no job dispatched")
		return ""
	}
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) log(t *testing.T, id string) string {
	t.Helper()
	data, err := os.ReadFile(h.audit.LogPath(id))
	require.NoError(t, err)
	return string(data)
}

func TestChain_RunsEveryStageInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.claim(t, "job-1")

	NewChain(h.opts).Run(ctx, id)

	job := h.job(t, id)
	assert.Equal(t, models.StatusSuccess, job.Status)
	assert.Equal(t, 100, job.ProgressPercent)
	assert.Equal(t, models.StepNone, job.CurrentStep)
	assert.Equal(t, "SUCCESS", job.LastState)
	assert.NotEmpty(t, job.ChainID)
	assert.Equal(t, []int{0, 25, 50, 75, 100}, h.percents(id))

	for _, step := range models.OutputSteps {
		outs, err := h.store.ListOutputs(ctx, id, step)
		require.NoError(t, err)
		assert.NotEmpty(t, outs, "outputs of %s", step)
	}
	thumbs, err := h.store.ListOutputs(ctx, id, models.OutputThumbnail)
	require.NoError(t, err)
	require.Len(t, thumbs, 1)
	assert.Equal(t, "2024/USA/Kansas/Corn/2024_USA_Kansas_Corn.png", thumbs[0].RelativePath)
	require.NotNil(t, thumbs[0].Bounds)
	assert.Equal(t, models.Bounds{{0, 0}, {-8, 8}}, *thumbs[0].Bounds)

	csv, err := os.ReadFile(area.CSVPath(job.OutputRoot, "2024", "USA", "Corn"))
	require.NoError(t, err)
	assert.Contains(t, string(csv), "Kansas,2024,Corn,1,3200,0.32,0.79")

	text := h.log(t, id)
	assert.Contains(t, text, "Workflow queued")
	assert.Contains(t, text, "Inference task completed")
	assert.Contains(t, text, "Thumbnail generation task completed")
}

func TestChain_RunsTwoStatesTwoCrops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.claim(t, "job-1", func(j *models.Job) {
		j.States = []string{"Kansas", "Nebraska"}
		j.Crops = "corn, soybean"
	})

	NewChain(h.opts).Run(ctx, id)

	job := h.job(t, id)
	require.Equal(t, models.StatusSuccess, job.Status, job.ErrorMessage)
	assert.Equal(t, []int{0, 25, 50, 75, 100}, h.percents(id))

	for _, step := range []models.OutputStep{models.OutputInference, models.OutputMerge} {
		outs, err := h.store.ListOutputs(ctx, id, step)
		require.NoError(t, err)
		assert.Len(t, outs, 4, "outputs of %s", step)
	}
	csvs, err := h.store.ListOutputs(ctx, id, models.OutputArea)
	require.NoError(t, err)
	assert.Len(t, csvs, 2)

	thumbs, err := h.store.ListOutputs(ctx, id, models.OutputThumbnail)
	require.NoError(t, err)
	bounds := map[string]models.Bounds{}
	for _, th := range thumbs {
		require.NotNil(t, th.Bounds, th.RelativePath)
		bounds[th.RelativePath] = *th.Bounds
	}
	assert.Equal(t, map[string]models.Bounds{
		"2024/USA/Kansas/Corn/2024_USA_Kansas_Corn.png":           {{0, 0}, {-8, 8}},
		"2024/USA/Kansas/Soybean/2024_USA_Kansas_Soybean.png":     {{0, 0}, {-8, 8}},
		"2024/USA/Nebraska/Corn/2024_USA_Nebraska_Corn.png":       {{20, 0}, {12, 8}},
		"2024/USA/Nebraska/Soybean/2024_USA_Nebraska_Soybean.png": {{20, 0}, {12, 8}},
	}, bounds)

	for _, crop := range []string{"Corn", "Soybean"} {
		csv, err := os.ReadFile(area.CSVPath(job.OutputRoot, "2024", "USA", crop))
		require.NoError(t, err, crop)
		for _, state := range []string{"Kansas", "Nebraska"} {
			assert.Contains(t, string(csv), state+",2024,"+crop+",1,1600,0.16,0.4")
		}
	}
}

func TestChain_CancelAfterClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inferred := false
	h.opts.Stages.Inference = func(*models.PipelineConfig, *models.CropSchema) (Inferencer, error) {
		inferred = true
		return inferFunc(func(context.Context, inference.Request) error { return nil }), nil
	}
	merged := false
	h.opts.Stages.Merge = mergeFunc(func(context.Context, merge.Request) error {
		merged = true
		return nil
	})
	id := h.claim(t, "job-1")
	h.progress.SetCancel(ctx, id, true)

	NewChain(h.opts).Run(ctx, id)

	job := h.job(t, id)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Equal(t, 0, job.ProgressPercent)
	assert.False(t, inferred)
	assert.False(t, merged)
	assert.Contains(t, h.log(t, id), "Inference cancelled")
}

func TestChain_CancelBeforeStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.opts.Stages.Inference = func(*models.PipelineConfig, *models.CropSchema) (Inferencer, error) {
		return inferFunc(func(ctx context.Context, req inference.Request) error {
			h.progress.SetCancel(ctx, req.JobID, true)
			return nil
		}), nil
	}
	merged := false
	h.opts.Stages.Merge = mergeFunc(func(context.Context, merge.Request) error {
		merged = true
		return nil
	})
	id := h.claim(t, "job-1")
	h.create(t, "job-2", time.Now().Add(time.Second))

	NewChain(h.opts).Run(ctx, id)

	job := h.job(t, id)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Equal(t, 25, job.ProgressPercent)
	assert.False(t, merged)
	assert.Contains(t, h.log(t, id), "Merge cancelled")

	assert.Equal(t, "job-2", h.next(t))
	assert.Equal(t, models.StatusRunning, h.job(t, "job-2").Status)
}

func TestChain_CancelledEngineStopsChain(t *testing.T) {
	h := newHarness(t)
	h.opts.Stages.Inference = func(*models.PipelineConfig, *models.CropSchema) (Inferencer, error) {
		return inferFunc(func(context.Context, inference.Request) error {
			return progress.ErrCancelled
		}), nil
	}
	id := h.claim(t, "job-1")

	NewChain(h.opts).Run(context.Background(), id)

	job := h.job(t, id)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Equal(t, 0, job.ProgressPercent)
	assert.Contains(t, h.log(t, id), "Inference cancelled")
}

func TestChain_StageFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.opts.Stages.Merge = mergeFunc(func(context.Context, merge.Request) error {
		return &merge.AggregateError{Stage: "Merge", Failures: []string{"Kansas/Corn: No tiles found"}}
	})
	id := h.claim(t, "job-1")
	h.create(t, "job-2", time.Now().Add(time.Second))

	NewChain(h.opts).Run(ctx, id)

	job := h.job(t, id)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "FAILURE", job.LastState)
	assert.Equal(t, "Merge failed for 1 task(s): Kansas/Corn: No tiles found", job.ErrorMessage)
	assert.Equal(t, 25, job.ProgressPercent)

	rec := h.progress.GetStep(ctx, id, progress.StepMerge)
	assert.Contains(t, rec.Message, "ERROR | merge task |")
	assert.Contains(t, h.log(t, id), "ERROR | merge task |")

	assert.Equal(t, "job-2", h.next(t))
}

func TestChain_PanicFailsJob(t *testing.T) {
	h := newHarness(t)
	h.opts.Stages.Area = areaFunc(func(context.Context, area.Request) error {
		panic("boom")
	})
	id := h.claim(t, "job-1")

	NewChain(h.opts).Run(context.Background(), id)

	job := h.job(t, id)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "panic: boom", job.ErrorMessage)
	assert.Equal(t, 50, job.ProgressPercent)
}

func TestChain_ValidationFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.claim(t, "job-1", func(j *models.Job) { j.States = []string{"Kansas", "Iowa"} })

	NewChain(h.opts).Run(ctx, id)

	job := h.job(t, id)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "validation error: states - missing states: Iowa", job.ErrorMessage)
	rec := h.progress.GetStep(ctx, id, progress.StepWorkflow)
	assert.Contains(t, rec.Message, "ERROR | workflow task |")
}

func TestChain_MissingPipelineConfig(t *testing.T) {
	h := newHarness(t)
	id := h.claim(t, "job-1", func(j *models.Job) { j.PipelineConfigID = "" })

	NewChain(h.opts).Run(context.Background(), id)

	job := h.job(t, id)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "pipeline config is required for inference", job.ErrorMessage)
	assert.Equal(t, models.StepInference, job.CurrentStep)
}

func TestValidateInputs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "USA", "2024", "Kansas"), 0o755))
	valid := func() *models.Job {
		return &models.Job{
			Input:      models.JobInput{Year: "2024", Country: "USA"},
			States:     []string{"Kansas"},
			OutputRoot: "/out",
		}
	}

	assert.NoError(t, ValidateInputs(root, valid()))

	tests := []struct {
		name string
		edit func(*models.Job)
		want string
	}{
		{"no year", func(j *models.Job) { j.Input.Year = "" }, "year and country are required"},
		{"no states", func(j *models.Job) { j.States = nil }, "at least one state is required"},
		{"no output root", func(j *models.Job) { j.OutputRoot = "" }, "output root is not set"},
		{"no input base", func(j *models.Job) { j.Input.Year = "2023" }, "input base not found"},
		{"missing states", func(j *models.Job) { j.States = []string{"Iowa", "Kansas", "Ohio"} }, "missing states: Iowa, Ohio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := valid()
			tt.edit(job)
			err := ValidateInputs(root, job)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Message, tt.want)
		})
	}
}

func TestPool_ProcessesDispatchedJobs(t *testing.T) {
	h := newHarness(t)
	noop := func(*models.PipelineConfig, *models.CropSchema) (Inferencer, error) {
		return inferFunc(func(context.Context, inference.Request) error { return nil }), nil
	}
	h.opts.Stages = Stages{
		Inference:  noop,
		Merge:      mergeFunc(func(context.Context, merge.Request) error { return nil }),
		Area:       areaFunc(func(context.Context, area.Request) error { return nil }),
		Thumbnails: thumbnail.New(rastertest.New(), &rastertest.Projector{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(NewChain(h.opts), 2)
	pool.Start(ctx, h.sched.Jobs())
	defer func() {
		cancel()
		pool.Wait()
	}()

	h.create(t, "job-1", time.Now())
	h.create(t, "job-2", time.Now().Add(time.Second))
	_, err := h.sched.QueueOrStart(ctx, "job-1")
	require.NoError(t, err)

	for _, id := range []string{"job-1", "job-2"} {
		id := id
		assert.Eventually(t, func() bool {
			job, err := h.store.GetJob(context.Background(), id)
			return err == nil && job.Status == models.StatusSuccess
		}, 5*time.Second, 10*time.Millisecond)
	}
	assert.Eventually(t, func() bool { return len(pool.Busy()) == 0 }, time.Second, 10*time.Millisecond)
}
