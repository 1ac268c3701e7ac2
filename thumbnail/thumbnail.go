// Package thumbnail renders small PNG previews of crop mosaics together with
// their WGS84 bounds for map overlays.
package thumbnail

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/jupark12/cropmask-pipeline/models"
	"github.com/jupark12/cropmask-pipeline/raster"
)

// MaxSize bounds both thumbnail edges
const MaxSize = 1024

// ClassValue is the mask value drawn; every other value is transparent
const ClassValue = 1

// Fill is the colour of ClassValue pixels
var Fill = color.NRGBA{R: 30, G: 144, B: 255, A: 150}

// densify is the number of points sampled per edge when reprojecting bounds
const densify = 21

// Generator writes thumbnails
type Generator struct {
	driver    raster.Driver
	projector raster.Projector
}

// New creates a generator
func New(driver raster.Driver, projector raster.Projector) *Generator {
	return &Generator{driver: driver, projector: projector}
}

// FitSize scales w×h to fit inside max×max, keeping the aspect ratio and
// at least one pixel per side
func FitSize(w, h, max int) (int, int) {
	scale := math.Min(float64(max)/float64(w), float64(max)/float64(h))
	outW := int(math.RoundToEven(float64(w) * scale))
	outH := int(math.RoundToEven(float64(h) * scale))
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	return outW, outH
}

// Bounds returns the [[north, west], [south, east]] WGS84 box of a raster
func (g *Generator) Bounds(info raster.Info) (models.Bounds, error) {
	xs, ys := info.Bounds().EdgePoints(densify)
	if err := g.projector.ToLonLat(info.Projection, xs, ys); err != nil {
		return models.Bounds{}, err
	}
	west, east := xs[0], xs[0]
	south, north := ys[0], ys[0]
	for i := range xs {
		west = math.Min(west, xs[i])
		east = math.Max(east, xs[i])
		south = math.Min(south, ys[i])
		north = math.Max(north, ys[i])
	}
	return models.Bounds{{north, west}, {south, east}}, nil
}

// Create renders tiffPath to pngPath and returns its WGS84 bounds
func (g *Generator) Create(tiffPath, pngPath string) (models.Bounds, error) {
	rd, err := g.driver.Open(tiffPath)
	if err != nil {
		return models.Bounds{}, err
	}
	defer rd.Close()

	info := rd.Info()
	bounds, err := g.Bounds(info)
	if err != nil {
		return models.Bounds{}, fmt.Errorf("failed to compute bounds of %s: %w", tiffPath, err)
	}

	w, h := FitSize(info.Width, info.Height, MaxSize)
	data := make([]float64, w*h)
	if err := rd.ReadResampled(0, w, h, data); err != nil {
		return models.Bounds{}, fmt.Errorf("failed to read %s: %w", tiffPath, err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if data[y*w+x] == ClassValue {
				img.SetNRGBA(x, y, Fill)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(pngPath), 0o755); err != nil {
		return models.Bounds{}, err
	}
	f, err := os.Create(pngPath)
	if err != nil {
		return models.Bounds{}, err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return models.Bounds{}, fmt.Errorf("failed to encode %s: %w", pngPath, err)
	}
	return bounds, f.Close()
}
