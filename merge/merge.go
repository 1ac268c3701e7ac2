// Package merge mosaics per-tile crop masks into one raster per state and
// crop. Output is produced block by block so memory stays bounded by the
// block size rather than the mosaic size.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jupark12/cropmask-pipeline/auditlog"
	"github.com/jupark12/cropmask-pipeline/inference"
	"github.com/jupark12/cropmask-pipeline/progress"
	"github.com/jupark12/cropmask-pipeline/raster"
)

const (
	// MergedDir is the output subdirectory of merged mosaics
	MergedDir = "merged_cropmasks"
	// NoData marks mosaic pixels no tile covers
	NoData = 99
	// DefaultBlockSize is the edge of one output compute block
	DefaultBlockSize = 2048
	// DefaultWorkers bounds concurrent merge tasks
	DefaultWorkers = 4
)

const (
	msgCancelled = "Cancelled"
	msgNoTiles   = "No tiles found"
	msgSkipped   = "Skipped (Exists)"
	msgSuccess   = "Success"
)

var stateCSVHeaders = []string{
	"timestamp", "state", "crop", "output_path", "output_bytes", "elapsed_sec", "elapsed_hms", "status",
}

// AggregateError reports every failed task of a stage run
type AggregateError struct {
	Stage    string
	Failures []string
}

func (e *AggregateError) Error() string {
	shown := e.Failures
	if len(shown) > 5 {
		shown = shown[:5]
	}
	return fmt.Sprintf("%s failed for %d task(s): %s", e.Stage, len(e.Failures), strings.Join(shown, "; "))
}

// Request is one merge run
type Request struct {
	JobID        string
	OutputRoot   string
	Year         string
	Country      string
	States       []string
	Crops        []string
	SkipExisting bool
	Workers      int
}

// Task merges the tiles of one state and crop
type Task struct {
	State      string
	Crop       string
	InputDir   string
	OutputPath string
}

// Result is the outcome of one task
type Result struct {
	Task
	OK          bool
	Skipped     bool
	Message     string
	Elapsed     time.Duration
	OutputBytes int64
}

// Engine runs merge requests
type Engine struct {
	driver    raster.Driver
	progress  *progress.Store
	audit     *auditlog.Logger
	blockSize int
}

// NewEngine creates an engine with DefaultBlockSize blocks
func NewEngine(driver raster.Driver, store *progress.Store, audit *auditlog.Logger) *Engine {
	return &Engine{driver: driver, progress: store, audit: audit, blockSize: DefaultBlockSize}
}

// WithBlockSize overrides the compute block edge
func (e *Engine) WithBlockSize(n int) *Engine {
	e.blockSize = n
	return e
}

// OutputPath returns the mosaic path of a state and crop
func OutputPath(outputRoot, year, country, state, crop string) string {
	name := fmt.Sprintf("%s_%s_%s_%s.tif", year, country, state, crop)
	return filepath.Join(outputRoot, MergedDir, year, country, state, crop, name)
}

// Tasks lists one task per state and crop, states outer
func Tasks(req Request) []Task {
	inputBase := filepath.Join(req.OutputRoot, inference.TilesDir, req.Year, req.Country)
	tasks := make([]Task, 0, len(req.States)*len(req.Crops))
	for _, state := range req.States {
		for _, crop := range req.Crops {
			tasks = append(tasks, Task{
				State:      state,
				Crop:       crop,
				InputDir:   filepath.Join(inputBase, state, crop),
				OutputPath: OutputPath(req.OutputRoot, req.Year, req.Country, state, crop),
			})
		}
	}
	return tasks
}

// Run merges every task on a bounded pool. Failed tasks do not stop the
// others; they are returned together as an *AggregateError.
func (e *Engine) Run(ctx context.Context, req Request) error {
	inputBase := filepath.Join(req.OutputRoot, inference.TilesDir, req.Year, req.Country)
	if _, err := os.Stat(inputBase); err != nil {
		e.audit.Append(req.JobID, "Merge skipped: no inference tiles at "+inputBase)
		return nil
	}
	tasks := Tasks(req)
	total := int64(len(tasks))
	e.progress.Set(ctx, req.JobID, 0, total, "Starting merge")
	e.progress.SetStep(ctx, req.JobID, progress.StepMerge, 0, total, "Starting merge")
	e.progress.SetStep(ctx, req.JobID, progress.StepMergeTiles, 0, 0, "Starting merge tiles")
	e.progress.SetStep(ctx, req.JobID, progress.StepMergeCompute, 0, 0, "Starting merge compute")
	e.audit.Append(req.JobID, "Merge started")

	workers := req.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	results := make(chan Result)
	var g errgroup.Group
	g.SetLimit(workers)
	go func() {
		for _, t := range tasks {
			t := t
			g.Go(func() error {
				results <- e.mergeTask(ctx, req, t)
				return nil
			})
		}
		g.Wait()
		close(results)
	}()

	var failures []string
	for res := range results {
		msg := fmt.Sprintf("Merging %s %s", res.State, res.Crop)
		e.progress.Increment(ctx, req.JobID, 1, msg)
		e.progress.IncrementStep(ctx, req.JobID, progress.StepMerge, 1, msg)
		e.logResult(req.JobID, res)
		if !res.OK {
			e.audit.Append(req.JobID, auditlog.FormatErrorMessage("merge "+res.State+"/"+res.Crop, res.Message))
			failures = append(failures, fmt.Sprintf("%s/%s: %s", res.State, res.Crop, res.Message))
		}
	}
	e.audit.Append(req.JobID, "Merge finished")

	if e.progress.Token(req.JobID).Cancelled(ctx) {
		return progress.ErrCancelled
	}
	if len(failures) > 0 {
		return &AggregateError{Stage: "Merge", Failures: failures}
	}
	return nil
}

func (e *Engine) logResult(jobID string, res Result) {
	status := "ok"
	switch {
	case !res.OK:
		status = "failed"
	case res.Skipped:
		status = "skipped"
	}
	row := []string{
		time.Now().UTC().Format("2006-01-02T15:04:05.000000"),
		res.State,
		res.Crop,
		res.OutputPath,
		fmt.Sprint(res.OutputBytes),
		auditlog.FormatElapsedSec(res.Elapsed),
		auditlog.FormatElapsedHMS(res.Elapsed),
		status,
	}
	if err := e.audit.AppendRow(jobID, "merge_states", stateCSVHeaders, row); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to append merge row")
	}
	e.audit.Append(jobID, fmt.Sprintf("Merge %s/%s status=%s elapsed=%.2fs output_bytes=%d",
		res.State, res.Crop, res.Message, res.Elapsed.Seconds(), res.OutputBytes))
}

func fileSize(path string) int64 {
	if st, err := os.Stat(path); err == nil {
		return st.Size()
	}
	return 0
}

func (e *Engine) mergeTask(ctx context.Context, req Request, t Task) Result {
	res := Result{Task: t}
	tok := e.progress.Token(req.JobID)
	if tok.Cancelled(ctx) {
		res.Message = msgCancelled
		return res
	}
	tiles, err := inference.ListTiles(t.InputDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		res.Message = fmt.Sprintf("failed to list tiles: %v", err)
		return res
	}
	if len(tiles) == 0 {
		res.Message = msgNoTiles
		return res
	}
	if req.SkipExisting {
		if st, err := os.Stat(t.OutputPath); err == nil {
			res.OK = true
			res.Skipped = true
			res.Message = msgSkipped
			res.OutputBytes = st.Size()
			return res
		}
	}

	started := time.Now()
	err = e.mosaic(ctx, req.JobID, t, tiles)
	res.Elapsed = time.Since(started)
	if err != nil {
		os.Remove(t.OutputPath)
		if errors.Is(err, progress.ErrCancelled) {
			res.Message = msgCancelled
		} else {
			res.Message = err.Error()
		}
		return res
	}
	res.OK = true
	res.Message = msgSuccess
	res.OutputBytes = fileSize(t.OutputPath)
	return res
}

type source struct {
	rd     raster.Reader
	info   raster.Info
	bounds raster.Bounds
}

func (e *Engine) mosaic(ctx context.Context, jobID string, t Task, tiles []string) error {
	tok := e.progress.Token(jobID)
	e.progress.AddStepTotal(ctx, jobID, progress.StepMergeTiles, int64(len(tiles)))

	sources := make([]source, 0, len(tiles))
	defer func() {
		for _, s := range sources {
			s.rd.Close()
		}
	}()
	for _, path := range tiles {
		if err := tok.Check(ctx); err != nil {
			return err
		}
		rd, err := e.driver.Open(path)
		if err != nil {
			return err
		}
		info := rd.Info()
		sources = append(sources, source{rd: rd, info: info, bounds: info.Bounds()})
		e.progress.IncrementStep(ctx, jobID, progress.StepMergeTiles, 1, fmt.Sprintf("Reading %s %s", t.State, t.Crop))
	}

	out := plan(sources)
	if err := os.MkdirAll(filepath.Dir(t.OutputPath), 0o755); err != nil {
		return err
	}
	w, err := e.driver.Create(t.OutputPath, out, raster.CreateOptions{Compress: "DEFLATE", Tiled: true, BigTIFF: true})
	if err != nil {
		return err
	}

	blocks := Blocks(out.Height, out.Width, e.blockSize)
	e.progress.AddStepTotal(ctx, jobID, progress.StepMergeCompute, int64(len(blocks)))
	for _, b := range blocks {
		if err := tok.Check(ctx); err != nil {
			w.Close()
			return err
		}
		buf, err := composite(out, b, sources)
		if err != nil {
			w.Close()
			return err
		}
		if err := w.WriteWindow(b.Col, b.Row, b.Width, b.Height, buf); err != nil {
			w.Close()
			return err
		}
		e.progress.IncrementStep(ctx, jobID, progress.StepMergeCompute, 1, fmt.Sprintf("Computing %s %s", t.State, t.Crop))
	}
	return w.Close()
}

// plan lays the output grid over the union of the tiles at the first tile's
// resolution and projection
func plan(sources []source) raster.Info {
	first := sources[0].info
	union := sources[0].bounds
	for _, s := range sources[1:] {
		union = union.Union(s.bounds)
	}
	resX, resY := first.GeoTransform.ResX(), first.GeoTransform.ResY()
	return raster.Info{
		Width:        cells(union.MaxX-union.MinX, resX),
		Height:       cells(union.MaxY-union.MinY, resY),
		Bands:        1,
		GeoTransform: raster.GeoTransform{union.MinX, resX, 0, union.MaxY, 0, -resY},
		Projection:   first.Projection,
		NoData:       NoData,
		HasNoData:    true,
	}
}

func cells(extent, res float64) int {
	n := int(math.Ceil(extent/res - 1e-6))
	return max(n, 1)
}

// Blocks tiles a height×width grid into size×size blocks, clipped at the edges
func Blocks(height, width, size int) []raster.Window {
	var blocks []raster.Window
	for r := 0; r < height; r += size {
		for c := 0; c < width; c += size {
			blocks = append(blocks, raster.Window{
				Row:    r,
				Col:    c,
				Height: min(size, height-r),
				Width:  min(size, width-c),
			})
		}
	}
	return blocks
}

// composite fills one output block; the first tile with a valid pixel wins
func composite(out raster.Info, b raster.Window, sources []source) ([]uint8, error) {
	buf := make([]uint8, b.Width*b.Height)
	filled := make([]bool, len(buf))
	for i := range buf {
		buf[i] = NoData
	}
	remaining := len(buf)

	bx0, by1 := out.GeoTransform.PixelToWorld(float64(b.Col), float64(b.Row))
	bx1, by0 := out.GeoTransform.PixelToWorld(float64(b.Col+b.Width), float64(b.Row+b.Height))

	var vals []float64
	for _, s := range sources {
		if remaining == 0 {
			break
		}
		if s.bounds.MaxX <= bx0 || s.bounds.MinX >= bx1 || s.bounds.MaxY <= by0 || s.bounds.MinY >= by1 {
			continue
		}
		// source pixel window covering the overlap
		c0, r0 := s.info.GeoTransform.WorldToPixel(math.Max(bx0, s.bounds.MinX), math.Min(by1, s.bounds.MaxY))
		c1, r1 := s.info.GeoTransform.WorldToPixel(math.Min(bx1, s.bounds.MaxX), math.Max(by0, s.bounds.MinY))
		sc0 := clamp(int(math.Floor(c0)), 0, s.info.Width-1)
		sr0 := clamp(int(math.Floor(r0)), 0, s.info.Height-1)
		sc1 := clamp(int(math.Ceil(c1)), sc0+1, s.info.Width)
		sr1 := clamp(int(math.Ceil(r1)), sr0+1, s.info.Height)
		sw, sh := sc1-sc0, sr1-sr0

		if cap(vals) < sw*sh {
			vals = make([]float64, sw*sh)
		}
		vals = vals[:sw*sh]
		if err := s.rd.ReadWindow(0, sc0, sr0, sw, sh, vals); err != nil {
			return nil, err
		}

		for y := 0; y < b.Height; y++ {
			for x := 0; x < b.Width; x++ {
				i := y*b.Width + x
				if filled[i] {
					continue
				}
				wx, wy := out.GeoTransform.PixelToWorld(float64(b.Col+x)+0.5, float64(b.Row+y)+0.5)
				fc, fr := s.info.GeoTransform.WorldToPixel(wx, wy)
				tc, tr := int(math.Floor(fc))-sc0, int(math.Floor(fr))-sr0
				if tc < 0 || tr < 0 || tc >= sw || tr >= sh {
					continue
				}
				v := vals[tr*sw+tc]
				if math.IsNaN(v) || (s.info.HasNoData && v == s.info.NoData) {
					continue
				}
				buf[i] = uint8(v)
				filled[i] = true
				remaining--
			}
		}
	}
	return buf, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
