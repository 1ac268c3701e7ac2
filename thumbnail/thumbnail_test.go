package thumbnail

import (
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/cropmask-pipeline/models"
	"github.com/jupark12/cropmask-pipeline/raster"
	"github.com/jupark12/cropmask-pipeline/raster/rastertest"
)

func TestFitSize(t *testing.T) {
	w, h := FitSize(4096, 2048, MaxSize)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 512, h)

	w, h = FitSize(100000, 10, MaxSize)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 1, h)

	w, h = FitSize(2, 4, MaxSize)
	assert.Equal(t, 512, w)
	assert.Equal(t, 1024, h)
}

func TestCreate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "mask.tif")
	info := raster.Info{
		Width:        20,
		Height:       10,
		GeoTransform: raster.GeoTransform{-100, 0.1, 0, 40, 0, -0.1},
		NoData:       99,
		HasNoData:    true,
	}
	band := make([]float64, info.Width*info.Height)
	for y := 0; y < info.Height; y++ {
		for x := 0; x < info.Width/2; x++ {
			band[y*info.Width+x] = 1
		}
		band[y*info.Width+info.Width-1] = 99
	}
	require.NoError(t, rastertest.Write(src, info, band))

	g := New(rastertest.New(), &rastertest.Projector{})
	out := filepath.Join(dir, "thumbs", "mask.png")
	bounds, err := g.Create(src, out)
	require.NoError(t, err)

	assert.InDelta(t, 40, bounds[0][0], 1e-9)
	assert.InDelta(t, -100, bounds[0][1], 1e-9)
	assert.InDelta(t, 39, bounds[1][0], 1e-9)
	assert.InDelta(t, -98, bounds[1][1], 1e-9)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 1024, img.Bounds().Dx())
	assert.Equal(t, 512, img.Bounds().Dy())

	assert.Equal(t, Fill, color.NRGBAModel.Convert(img.At(10, 10)))
	assert.Equal(t, color.NRGBA{}, color.NRGBAModel.Convert(img.At(700, 10)))
	assert.Equal(t, color.NRGBA{}, color.NRGBAModel.Convert(img.At(1020, 10)))
}

func TestBoundsOrder(t *testing.T) {
	g := New(rastertest.New(), &rastertest.Projector{})
	b, err := g.Bounds(raster.Info{Width: 10, Height: 10, GeoTransform: raster.GeoTransform{10, 1, 0, 50, 0, -1}})
	require.NoError(t, err)
	assert.Equal(t, models.Bounds{{50, 10}, {40, 20}}, b)
}
