// Package area measures the area of each crop class inside each state's
// boundary from the merged mosaics and maintains per-crop CSV tables.
package area

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jupark12/cropmask-pipeline/auditlog"
	"github.com/jupark12/cropmask-pipeline/merge"
	"github.com/jupark12/cropmask-pipeline/progress"
	"github.com/jupark12/cropmask-pipeline/raster"
)

const (
	// Dir is the output subdirectory of area CSVs
	Dir = "calculate_area"
	// DefaultResolution is the UTM pixel size in metres
	DefaultResolution = 10.0
	// NoData marks warped pixels outside the source
	NoData = 255
	// NameAttribute is the boundary attribute holding the state name
	NameAttribute = "NAME_1"
)

var stateCSVHeaders = []string{
	"timestamp", "state", "crop", "input_path", "input_bytes", "elapsed_sec", "elapsed_hms", "status",
}

// Request is one area run
type Request struct {
	JobID        string
	OutputRoot   string
	Year         string
	Country      string
	States       []string
	Crops        []string
	Shapefile    string
	Resolution   float64
	SkipExisting bool
	Workers      int
}

// Task measures one merged mosaic
type Task struct {
	State string
	Crop  string
	Input string
}

type result struct {
	Task
	rows       []Row
	status     string
	err        error
	inputBytes int64
	elapsed    time.Duration
}

// Engine runs area requests
type Engine struct {
	driver    raster.Driver
	projector raster.Projector
	features  raster.FeatureSource
	progress  *progress.Store
	audit     *auditlog.Logger
}

// NewEngine creates an engine
func NewEngine(driver raster.Driver, projector raster.Projector, features raster.FeatureSource, store *progress.Store, audit *auditlog.Logger) *Engine {
	return &Engine{
		driver:    driver,
		projector: projector,
		features:  features,
		progress:  store,
		audit:     audit,
	}
}

// Tasks lists the mosaics to measure, crops outer. Missing mosaics are
// left out, as are crops whose CSV exists when SkipExisting is set.
func Tasks(req Request) []Task {
	var tasks []Task
	for _, crop := range req.Crops {
		if req.SkipExisting {
			if _, err := os.Stat(CSVPath(req.OutputRoot, req.Year, req.Country, crop)); err == nil {
				continue
			}
		}
		for _, state := range req.States {
			path := merge.OutputPath(req.OutputRoot, req.Year, req.Country, state, crop)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			tasks = append(tasks, Task{State: state, Crop: crop, Input: path})
		}
	}
	return tasks
}

// Run measures every task on a bounded pool, then rewrites the CSV of each
// crop. Failed tasks are reported together as a *merge.AggregateError.
func (e *Engine) Run(ctx context.Context, req Request) error {
	inputBase := filepath.Join(req.OutputRoot, merge.MergedDir, req.Year, req.Country)
	if _, err := os.Stat(inputBase); err != nil {
		e.audit.Append(req.JobID, "Area calculation skipped: no merged mosaics at "+inputBase)
		return nil
	}
	if req.Resolution <= 0 {
		req.Resolution = DefaultResolution
	}
	tasks := Tasks(req)
	e.logSkipped(req)
	total := int64(len(tasks))
	e.progress.Set(ctx, req.JobID, 0, total, "Starting area calculation")
	e.progress.SetStep(ctx, req.JobID, progress.StepArea, 0, total, "Starting area calculation")
	if len(tasks) == 0 {
		return nil
	}

	tempDir, err := os.MkdirTemp("", "cropmask-area-")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	e.audit.Append(req.JobID, "Area calculation started")
	workers := req.Workers
	if workers <= 0 {
		workers = merge.DefaultWorkers
	}
	results := make(chan result)
	var g errgroup.Group
	g.SetLimit(workers)
	go func() {
		for i, t := range tasks {
			i, t := i, t
			g.Go(func() error {
				results <- e.measure(ctx, req, t, filepath.Join(tempDir, fmt.Sprintf("temp_area_%d_%s", i, filepath.Base(t.Input))))
				return nil
			})
		}
		g.Wait()
		close(results)
	}()

	rowsByCrop := make(map[string][]Row)
	processed := make(map[string][]string)
	var failures []string
	for res := range results {
		e.logResult(req.JobID, res)
		switch res.status {
		case "ok":
			rowsByCrop[res.Crop] = append(rowsByCrop[res.Crop], res.rows...)
			processed[res.Crop] = append(processed[res.Crop], res.State)
		case "failed":
			failures = append(failures, fmt.Sprintf("%s/%s: %v", res.State, res.Crop, res.err))
		}
		e.progress.Increment(ctx, req.JobID, 1, "Calculating area")
		e.progress.IncrementStep(ctx, req.JobID, progress.StepArea, 1, "Calculating area")
	}

	for _, crop := range req.Crops {
		rows := rowsByCrop[crop]
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].State != rows[j].State {
				return rows[i].State < rows[j].State
			}
			return rows[i].ClassID < rows[j].ClassID
		})
		path := CSVPath(req.OutputRoot, req.Year, req.Country, crop)
		if err := UpdateCSV(path, rows, processed[crop]); err != nil {
			return fmt.Errorf("failed to update %s: %w", path, err)
		}
	}
	e.audit.Append(req.JobID, "Area calculation finished")

	if e.progress.Token(req.JobID).Cancelled(ctx) {
		return progress.ErrCancelled
	}
	if len(failures) > 0 {
		return &merge.AggregateError{Stage: "Area calculation", Failures: failures}
	}
	return nil
}

// logSkipped audits the mosaics left out because their crop's CSV exists
func (e *Engine) logSkipped(req Request) {
	if !req.SkipExisting {
		return
	}
	for _, crop := range req.Crops {
		if _, err := os.Stat(CSVPath(req.OutputRoot, req.Year, req.Country, crop)); err != nil {
			continue
		}
		for _, state := range req.States {
			path := merge.OutputPath(req.OutputRoot, req.Year, req.Country, state, crop)
			st, err := os.Stat(path)
			if err != nil {
				continue
			}
			e.logResult(req.JobID, result{
				Task:       Task{State: state, Crop: crop, Input: path},
				status:     "skipped",
				inputBytes: st.Size(),
			})
		}
	}
}

func (e *Engine) logResult(jobID string, res result) {
	row := []string{
		time.Now().UTC().Format("2006-01-02T15:04:05.000000"),
		res.State,
		res.Crop,
		res.Input,
		fmt.Sprint(res.inputBytes),
		auditlog.FormatElapsedSec(res.elapsed),
		auditlog.FormatElapsedHMS(res.elapsed),
		res.status,
	}
	if err := e.audit.AppendRow(jobID, "area_states", stateCSVHeaders, row); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to append area row")
	}
	e.audit.Append(jobID, fmt.Sprintf("Area %s/%s status=%s elapsed=%.2fs input_bytes=%d",
		res.State, res.Crop, res.status, res.elapsed.Seconds(), res.inputBytes))
}

func (e *Engine) measure(ctx context.Context, req Request, t Task, tmp string) result {
	res := result{Task: t}
	if e.progress.Token(req.JobID).Cancelled(ctx) {
		res.status = "cancelled"
		return res
	}
	if st, err := os.Stat(t.Input); err == nil {
		res.inputBytes = st.Size()
	}
	started := time.Now()
	counts, err := e.countInUTM(req, t, tmp)
	res.elapsed = time.Since(started)
	if err != nil {
		res.status = "failed"
		res.err = err
		e.audit.Append(req.JobID, auditlog.FormatErrorWithTrace("area "+t.State+"/"+t.Crop, err, debug.Stack(), 3))
		return res
	}
	for cls, n := range counts {
		if cls == 0 {
			continue
		}
		res.rows = append(res.rows, NewRow(t.State, req.Year, t.Crop, cls, n, req.Resolution))
	}
	res.status = "ok"
	return res
}

// countInUTM warps the mosaic into its UTM zone and counts class pixels
// inside the state boundary
func (e *Engine) countInUTM(req Request, t Task, tmp string) (map[int]int64, error) {
	src, err := e.driver.Open(t.Input)
	if err != nil {
		return nil, err
	}
	info := src.Info()
	src.Close()

	cx, cy := info.Bounds().Center()
	xs, ys := []float64{cx}, []float64{cy}
	if err := e.projector.ToLonLat(info.Projection, xs, ys); err != nil {
		return nil, fmt.Errorf("failed to locate %s: %w", t.Input, err)
	}
	_, epsg := UTMZone(xs[0], ys[0])

	defer os.Remove(tmp)
	if err := e.projector.WarpUTM(t.Input, tmp, epsg, req.Resolution, NoData); err != nil {
		return nil, err
	}
	rd, err := e.driver.Open(tmp)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	feats, err := e.features.Features(req.Shapefile, NameAttribute, rd.Info().Projection)
	if err != nil {
		return nil, err
	}
	want := NormalizeName(t.State)
	var polys []orb.Polygon
	for _, f := range feats {
		if NormalizeName(f.Name) != want {
			continue
		}
		p, err := polygons(f.Geometry)
		if err != nil {
			return nil, err
		}
		polys = append(polys, p...)
	}
	if len(polys) == 0 {
		return nil, fmt.Errorf("state name '%s' not found in shapefile", strings.ReplaceAll(t.State, "_", " "))
	}
	return CountInside(rd, polys)
}
