package inference

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/cropmask-pipeline/auditlog"
	"github.com/jupark12/cropmask-pipeline/models"
	"github.com/jupark12/cropmask-pipeline/progress"
	"github.com/jupark12/cropmask-pipeline/raster"
	"github.com/jupark12/cropmask-pipeline/raster/rastertest"
)

const testWindow = 8

// thresholdPredictor labels bright pixels class 1 and dark pixels class 2
type thresholdPredictor struct {
	mu      sync.Mutex
	calls   int
	onCall  func(call int)
	classes int
}

func (p *thresholdPredictor) Predict(ctx context.Context, input []float32, n int) ([]float32, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if p.onCall != nil {
		p.onCall(call)
	}
	plane := testWindow * testWindow
	out := make([]float32, n*p.classes*plane)
	for i := 0; i < n; i++ {
		for px := 0; px < plane; px++ {
			class := 2
			if input[i*plane+px] > 30000 {
				class = 1
			}
			out[(i*p.classes+class)*plane+px] = 5
		}
	}
	return out, nil
}

func (p *thresholdPredictor) Close() error { return nil }

type fixture struct {
	engine   *Engine
	store    *progress.Store
	audit    *auditlog.Logger
	pred     *thresholdPredictor
	devices  []int
	req      Request
	inputDir string
}

func newFixture(t *testing.T, size int, tiles ...string) *fixture {
	t.Helper()
	root := t.TempDir()
	inputDir := filepath.Join(root, "input", "USA", "2024", "Kansas")
	require.NoError(t, os.MkdirAll(inputDir, 0o755))

	band := make([]float64, size*size)
	for y := 0; y < size; y++ {
		for x := size / 2; x < size; x++ {
			band[y*size+x] = 100
		}
	}
	info := raster.Info{Width: size, Height: size, GeoTransform: raster.GeoTransform{0, 1, 0, 0, 0, -1}}
	for _, name := range tiles {
		require.NoError(t, rastertest.Write(filepath.Join(inputDir, name), info, band))
	}

	schema, err := models.ParseCrops("corn, soybean")
	require.NoError(t, err)

	f := &fixture{
		audit:    auditlog.New(filepath.Join(root, "logs")),
		pred:     &thresholdPredictor{classes: schema.NumClasses()},
		inputDir: inputDir,
	}
	f.store = progress.NewStore(nil, f.audit)
	var mu sync.Mutex
	factory := func(device int) (Predictor, error) {
		mu.Lock()
		f.devices = append(f.devices, device)
		mu.Unlock()
		return f.pred, nil
	}
	cfg := Config{WindowHeight: testWindow, WindowWidth: testWindow, Step: testWindow / 2, BatchSize: 2, Bands: []int{0}}
	f.engine = NewEngine(rastertest.New(), factory, f.store, f.audit, cfg)
	f.req = Request{
		JobID:      "job-1",
		InputRoot:  filepath.Join(root, "input"),
		OutputRoot: filepath.Join(root, "output"),
		Year:       "2024",
		Country:    "USA",
		States:     []string{"Kansas"},
		Schema:     schema,
	}
	return f
}

func (f *fixture) mask(t *testing.T, crop, tile string) []float64 {
	t.Helper()
	info, bands, err := rastertest.Read(f.engine.outputPath(f.req, "Kansas", crop, tile))
	require.NoError(t, err)
	assert.True(t, info.HasNoData)
	assert.Equal(t, float64(MaskNoData), info.NoData)
	return bands[0]
}

func TestEngine_WritesOneMaskPerCrop(t *testing.T) {
	f := newFixture(t, testWindow, "a.tif")
	require.NoError(t, f.engine.Run(context.Background(), f.req))

	corn := f.mask(t, "Corn", "a.tif")
	soy := f.mask(t, "Soybean", "a.tif")
	for y := 0; y < testWindow; y++ {
		for x := 0; x < testWindow; x++ {
			bright := x >= testWindow/2
			assert.Equal(t, bright, corn[y*testWindow+x] == 1, "corn at (%d,%d)", x, y)
			assert.Equal(t, !bright, soy[y*testWindow+x] == 1, "soybean at (%d,%d)", x, y)
		}
	}

	rec := f.store.GetStep(context.Background(), "job-1", progress.StepInference)
	assert.Equal(t, progress.Record{Current: 1, Total: 1, Percent: 100, Message: "Processing Kansas"}, rec)
	assert.Equal(t, []int{CPU}, f.devices)
}

func TestEngine_SkipsExistingOnRerun(t *testing.T) {
	f := newFixture(t, testWindow, "a.tif", "b.tif")
	f.req.SkipExisting = true
	require.NoError(t, f.engine.Run(context.Background(), f.req))
	calls := f.pred.calls

	require.NoError(t, f.engine.Run(context.Background(), f.req))
	assert.Equal(t, calls, f.pred.calls, "second run must not predict")

	data, err := os.ReadFile(f.audit.CSVPath("job-1", "inference_tiles"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, strings.Join(tileCSVHeaders, ","), lines[0])
	assert.True(t, strings.HasSuffix(lines[3], ",skipped"))
	assert.True(t, strings.HasSuffix(lines[4], ",skipped"))
}

func TestEngine_CancelFinishesCurrentTile(t *testing.T) {
	f := newFixture(t, 2*testWindow, "a.tif", "b.tif")
	ctx := context.Background()
	f.pred.onCall = func(call int) {
		if call == 1 {
			f.store.SetCancel(ctx, "job-1", true)
		}
	}

	err := f.engine.Run(ctx, f.req)
	assert.ErrorIs(t, err, progress.ErrCancelled)
	assert.Equal(t, 5, f.pred.calls, "every batch of a.tif runs")

	f.mask(t, "Corn", "a.tif")
	_, statErr := os.Stat(f.engine.outputPath(f.req, "Kansas", "Corn", "b.tif"))
	assert.True(t, os.IsNotExist(statErr))

	windows := f.store.GetStep(ctx, "job-1", progress.StepInferenceWindows)
	assert.Equal(t, int64(9), windows.Total)
	assert.Equal(t, int64(9), windows.Current)
	assert.Equal(t, int64(1), f.store.GetStep(ctx, "job-1", progress.StepInference).Current)
}

func TestEngine_SplitsTilesAcrossGPUs(t *testing.T) {
	f := newFixture(t, testWindow, "a.tif", "b.tif", "c.tif")
	f.req.GPUs = 2
	require.NoError(t, f.engine.Run(context.Background(), f.req))

	assert.ElementsMatch(t, []int{0, 1}, f.devices)
	for _, tile := range []string{"a.tif", "b.tif", "c.tif"} {
		f.mask(t, "Corn", tile)
	}
	assert.Equal(t, 100, f.store.Get(context.Background(), "job-1").Percent)
}

func TestEngine_NoMatchingStates(t *testing.T) {
	f := newFixture(t, testWindow, "a.tif")
	f.req.States = []string{"Nebraska"}
	require.NoError(t, f.engine.Run(context.Background(), f.req))
	assert.Zero(t, f.pred.calls)
}

func TestPercentileMatchesLinearInterpolation(t *testing.T) {
	values := []float64{10, 1, 9, 2, 8, 3, 7, 4, 6, 5}
	assert.InDelta(t, 1.18, Percentile(values, 2), 1e-9)
	assert.InDelta(t, 9.82, Percentile(values, 98), 1e-9)
	assert.Equal(t, 10.0, values[0], "input must not be reordered")
}

func TestStretch_ConstantBandIsZero(t *testing.T) {
	out := make([]float32, 4)
	Stretch([]float64{7, 7, 7, 7}, out)
	assert.Equal(t, []float32{0, 0, 0, 0}, out)

	Stretch([]float64{0, 0, 100, 100}, out)
	assert.Equal(t, []float32{0, 0, 65535, 65535}, out)
}

func TestArgmax_FirstMaxWins(t *testing.T) {
	accum := []float32{0.5, 0.5, 0, 0.1, 0.2, 0.7}
	assert.Equal(t, []uint8{0, 2}, Argmax(accum, 3))
}

func TestResolveDevices(t *testing.T) {
	assert.Equal(t, 4, ResolveDevices(-1, 4))
	assert.Equal(t, 0, ResolveDevices(0, 4))
	assert.Equal(t, 2, ResolveDevices(2, 4))
	assert.Equal(t, 4, ResolveDevices(8, 4))
	assert.Equal(t, 0, ResolveDevices(2, 0))
}

func TestSplitFiles(t *testing.T) {
	files := []string{"a", "b", "c", "d", "e"}
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, SplitFiles(files, 3))
	assert.Equal(t, [][]string{{"a"}, nil}, SplitFiles([]string{"a"}, 2))
	assert.Equal(t, [][]string{files}, SplitFiles(files, 1))
}
