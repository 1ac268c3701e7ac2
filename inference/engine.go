// Package inference runs the segmentation model over input tiles with
// overlapping sliding windows and writes one binary mask per crop.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jupark12/cropmask-pipeline/auditlog"
	"github.com/jupark12/cropmask-pipeline/models"
	"github.com/jupark12/cropmask-pipeline/progress"
	"github.com/jupark12/cropmask-pipeline/raster"
)

// MaskNoData is the nodata value written on every crop mask
const MaskNoData = 99

// TilesDir is the output subdirectory of per-tile masks
const TilesDir = "inference_tiles"

var tileCSVHeaders = []string{
	"timestamp", "state", "tile", "input_bytes", "output_bytes", "elapsed_sec", "elapsed_hms", "status",
}

// Predictor runs the model on a batch of patches. The input holds n patches
// laid out [n][bands][h][w]; the result holds logits laid out [n][classes][h][w].
type Predictor interface {
	Predict(ctx context.Context, input []float32, n int) ([]float32, error)
	Close() error
}

// PredictorFactory loads the model on a GPU rank, or on the CPU for rank CPU
type PredictorFactory func(device int) (Predictor, error)

// Config holds the sliding-window parameters
type Config struct {
	WindowHeight int
	WindowWidth  int
	Step         int
	BatchSize    int
	Bands        []int
}

// DefaultConfig returns 224×224 windows at a 112 pixel step over bands 0..4
func DefaultConfig() Config {
	return Config{
		WindowHeight: 224,
		WindowWidth:  224,
		Step:         112,
		BatchSize:    64,
		Bands:        []int{0, 1, 2, 3, 4},
	}
}

// Request is one inference run
type Request struct {
	JobID        string
	InputRoot    string
	OutputRoot   string
	Year         string
	Country      string
	States       []string
	Schema       *models.CropSchema
	SkipExisting bool
	// GPUs is the resolved device count, see ResolveDevices
	GPUs int
}

// Engine runs inference requests
type Engine struct {
	driver       raster.Driver
	newPredictor PredictorFactory
	progress     *progress.Store
	audit        *auditlog.Logger
	cfg          Config
}

// NewEngine creates an engine
func NewEngine(driver raster.Driver, factory PredictorFactory, store *progress.Store, audit *auditlog.Logger, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Engine{
		driver:       driver,
		newPredictor: factory,
		progress:     store,
		audit:        audit,
		cfg:          cfg,
	}
}

// statePaths returns the input directories of the requested states that exist
func statePaths(base string, states []string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", base, err)
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			present[e.Name()] = true
		}
	}
	var paths []string
	for _, s := range states {
		if present[s] {
			paths = append(paths, filepath.Join(base, s))
		}
	}
	return paths, nil
}

// ListTiles returns the sorted .tif/.tiff files of a directory
func ListTiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".tif" || ext == ".tiff" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Run processes every tile of every requested state. It returns
// progress.ErrCancelled when the job was cancelled between units of work.
func (e *Engine) Run(ctx context.Context, req Request) error {
	base := filepath.Join(req.InputRoot, req.Country, req.Year)
	states, err := statePaths(base, req.States)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		e.audit.Append(req.JobID, "Inference skipped: no requested state directories found")
		return nil
	}

	var total int64
	for _, s := range states {
		files, err := ListTiles(s)
		if err != nil {
			return fmt.Errorf("failed to list tiles in %s: %w", s, err)
		}
		total += int64(len(files))
	}
	e.progress.Set(ctx, req.JobID, 0, total, "Starting inference")
	e.progress.SetStep(ctx, req.JobID, progress.StepInference, 0, total, "Starting inference")
	e.progress.SetStep(ctx, req.JobID, progress.StepInferenceWindows, 0, 0, "Starting windows")
	e.audit.Append(req.JobID, "Inference started")

	tok := e.progress.Token(req.JobID)
	for _, s := range states {
		if err := tok.Check(ctx); err != nil {
			return err
		}
		if err := e.runState(ctx, req, s); err != nil {
			return err
		}
	}
	e.audit.Append(req.JobID, "Inference finished")
	return nil
}

func (e *Engine) runState(ctx context.Context, req Request, statePath string) error {
	state := filepath.Base(statePath)
	files, err := ListTiles(statePath)
	if err != nil {
		return fmt.Errorf("failed to list tiles in %s: %w", statePath, err)
	}
	if len(files) == 0 {
		return nil
	}
	log.Info().Str("job_id", req.JobID).Str("state", state).Int("tiles", len(files)).Int("gpus", req.GPUs).Msg("inference state started")

	if req.GPUs <= 1 {
		device := CPU
		if req.GPUs == 1 {
			device = 0
		}
		pred, err := e.newPredictor(device)
		if err != nil {
			return fmt.Errorf("failed to load model: %w", err)
		}
		defer pred.Close()
		return e.runFiles(ctx, req, state, pred, files, "")
	}

	g, gCtx := errgroup.WithContext(ctx)
	for rank, chunk := range SplitFiles(files, req.GPUs) {
		if len(chunk) == 0 {
			continue
		}
		rank, chunk := rank, chunk
		g.Go(func() error {
			pred, err := e.newPredictor(rank)
			if err != nil {
				return fmt.Errorf("failed to load model on GPU %d: %w", rank, err)
			}
			defer pred.Close()
			return e.runFiles(gCtx, req, state, pred, chunk, fmt.Sprintf("[GPU %d] ", rank))
		})
	}
	return g.Wait()
}

func (e *Engine) outputPath(req Request, state, crop, tile string) string {
	return filepath.Join(req.OutputRoot, TilesDir, req.Year, req.Country, state, crop, tile)
}

func (e *Engine) allOutputsExist(req Request, state, tile string) bool {
	for _, crop := range req.Schema.Crops {
		if _, err := os.Stat(e.outputPath(req, state, crop, tile)); err != nil {
			return false
		}
	}
	return true
}

func (e *Engine) runFiles(ctx context.Context, req Request, state string, pred Predictor, files []string, label string) error {
	tok := e.progress.Token(req.JobID)
	for _, path := range files {
		if err := tok.Check(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		tile := filepath.Base(path)

		if req.SkipExisting && e.allOutputsExist(req, state, tile) {
			msg := "Skipping " + state
			e.progress.Increment(ctx, req.JobID, 1, msg)
			e.progress.IncrementStep(ctx, req.JobID, progress.StepInference, 1, msg)
			e.logTile(req.JobID, state, tile, path, nil, 0, "skipped")
			continue
		}

		started := time.Now()
		outputs, err := e.processTile(ctx, req, state, pred, path, label+tile)
		if err != nil {
			if errors.Is(err, progress.ErrCancelled) || tok.Cancelled(ctx) {
				return progress.ErrCancelled
			}
			e.logTile(req.JobID, state, tile, path, outputs, time.Since(started), "failed")
			e.audit.Append(req.JobID, auditlog.FormatErrorWithTrace("inference "+state+"/"+tile, err, debug.Stack(), 3))
			return fmt.Errorf("inference %s/%s: %w", state, tile, err)
		}
		e.logTile(req.JobID, state, tile, path, outputs, time.Since(started), "ok")

		msg := "Processing " + state
		e.progress.Increment(ctx, req.JobID, 1, msg)
		e.progress.IncrementStep(ctx, req.JobID, progress.StepInference, 1, msg)
	}
	return nil
}

func (e *Engine) processTile(ctx context.Context, req Request, state string, pred Predictor, path, desc string) ([]string, error) {
	rd, err := e.driver.Open(path)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	labels, err := e.predict(ctx, req.JobID, rd, pred, req.Schema.NumClasses(), desc)
	if err != nil {
		return nil, err
	}

	info := rd.Info()
	out := raster.Info{
		Width:        info.Width,
		Height:       info.Height,
		GeoTransform: info.GeoTransform,
		Projection:   info.Projection,
		NoData:       MaskNoData,
		HasNoData:    true,
	}
	mask := make([]uint8, len(labels))
	var written []string
	for _, crop := range req.Schema.Crops {
		class := uint8(req.Schema.ClassID(crop))
		for i, l := range labels {
			if l == class {
				mask[i] = 1
			} else {
				mask[i] = 0
			}
		}
		dst := e.outputPath(req, state, crop, filepath.Base(path))
		if err := writeMask(e.driver, dst, out, mask); err != nil {
			return written, err
		}
		written = append(written, dst)
	}
	return written, nil
}

func writeMask(driver raster.Driver, path string, info raster.Info, mask []uint8) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	w, err := driver.Create(path, info, raster.CreateOptions{Compress: "DEFLATE"})
	if err != nil {
		return err
	}
	if err := w.WriteWindow(0, 0, info.Width, info.Height, mask); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return w.Close()
}

// predict accumulates softmax probabilities of every window and returns the
// per-pixel argmax label
func (e *Engine) predict(ctx context.Context, jobID string, rd raster.Reader, pred Predictor, classes int, desc string) ([]uint8, error) {
	info := rd.Info()
	for _, b := range e.cfg.Bands {
		if b >= info.Bands {
			return nil, fmt.Errorf("band %d requested, raster has %d bands", b, info.Bands)
		}
	}
	h, w := info.Height, info.Width
	wh, ww := e.cfg.WindowHeight, e.cfg.WindowWidth
	windows := raster.SlidingWindows(h, w, e.cfg.Step, wh, ww)
	e.progress.AddStepTotal(ctx, jobID, progress.StepInferenceWindows, int64(len(windows)))

	accum := make([]float32, h*w*classes)
	patchSize := len(e.cfg.Bands) * wh * ww

	// the cancel flag is observed between tiles only; a started tile completes
	for start := 0; start < len(windows); start += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := windows[start:min(start+e.cfg.BatchSize, len(windows))]
		input := make([]float32, len(batch)*patchSize)
		for i, win := range batch {
			if err := e.readPatch(rd, win, input[i*patchSize:(i+1)*patchSize]); err != nil {
				return nil, err
			}
		}
		logits, err := pred.Predict(ctx, input, len(batch))
		if err != nil {
			return nil, fmt.Errorf("predict: %w", err)
		}
		if len(logits) != len(batch)*classes*wh*ww {
			return nil, fmt.Errorf("predictor returned %d values, want %d", len(logits), len(batch)*classes*wh*ww)
		}
		for i, win := range batch {
			accumulate(accum, logits[i*classes*wh*ww:(i+1)*classes*wh*ww], win, h, w, classes)
		}
		e.progress.IncrementStep(ctx, jobID, progress.StepInferenceWindows, int64(len(batch)), "Windows "+desc)
	}
	return Argmax(accum, classes), nil
}

// readPatch fills one [bands][h][w] patch, stretching each band over the
// in-bounds part of the window and leaving the rest zero
func (e *Engine) readPatch(rd raster.Reader, win raster.Window, patch []float32) error {
	info := rd.Info()
	in, offR, offC, ok := win.Clip(info.Height, info.Width)
	if !ok {
		return nil
	}
	plane := win.Height * win.Width
	vals := make([]float64, in.Width*in.Height)
	stretched := make([]float32, len(vals))
	for bi, band := range e.cfg.Bands {
		if err := rd.ReadWindow(band, in.Col, in.Row, in.Width, in.Height, vals); err != nil {
			return err
		}
		Stretch(vals, stretched)
		dst := patch[bi*plane : (bi+1)*plane]
		for y := 0; y < in.Height; y++ {
			copy(dst[(offR+y)*win.Width+offC:(offR+y)*win.Width+offC+in.Width], stretched[y*in.Width:(y+1)*in.Width])
		}
	}
	return nil
}

// accumulate adds the softmax of one window's logits into the H×W×C sum
func accumulate(accum, logits []float32, win raster.Window, h, w, classes int) {
	in, offR, offC, ok := win.Clip(h, w)
	if !ok {
		return
	}
	plane := win.Height * win.Width
	probs := make([]float64, classes)
	for y := 0; y < in.Height; y++ {
		for x := 0; x < in.Width; x++ {
			p := (offR+y)*win.Width + offC + x
			maxv := math.Inf(-1)
			for c := 0; c < classes; c++ {
				maxv = math.Max(maxv, float64(logits[c*plane+p]))
			}
			var sum float64
			for c := 0; c < classes; c++ {
				probs[c] = math.Exp(float64(logits[c*plane+p]) - maxv)
				sum += probs[c]
			}
			base := ((in.Row+y)*w + in.Col + x) * classes
			for c := 0; c < classes; c++ {
				accum[base+c] += float32(probs[c] / sum)
			}
		}
	}
}

// Argmax returns the index of the largest class per pixel; ties go to the
// lowest class
func Argmax(accum []float32, classes int) []uint8 {
	labels := make([]uint8, len(accum)/classes)
	for i := range labels {
		best := 0
		for c := 1; c < classes; c++ {
			if accum[i*classes+c] > accum[i*classes+best] {
				best = c
			}
		}
		labels[i] = uint8(best)
	}
	return labels
}

func (e *Engine) logTile(jobID, state, tile, input string, outputs []string, elapsed time.Duration, status string) {
	var inBytes, outBytes int64
	if st, err := os.Stat(input); err == nil {
		inBytes = st.Size()
	}
	for _, p := range outputs {
		if st, err := os.Stat(p); err == nil {
			outBytes += st.Size()
		}
	}
	row := []string{
		time.Now().UTC().Format("2006-01-02T15:04:05.000000"),
		state,
		tile,
		fmt.Sprint(inBytes),
		fmt.Sprint(outBytes),
		auditlog.FormatElapsedSec(elapsed),
		auditlog.FormatElapsedHMS(elapsed),
		status,
	}
	if err := e.audit.AppendRow(jobID, "inference_tiles", tileCSVHeaders, row); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to append inference row")
	}
	e.audit.Append(jobID, fmt.Sprintf("Inference %s: %s/%s elapsed=%.2fs output_bytes=%d", status, state, tile, elapsed.Seconds(), outBytes))
}
