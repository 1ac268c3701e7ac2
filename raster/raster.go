// Package raster defines the georeferenced grid types and I/O interfaces the
// pipeline engines are written against. Concrete drivers live in geotiff
// (GDAL) and raster/rastertest.
package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// GeoTransform is the affine pixel-to-world transform in GDAL order:
// origin x, pixel width, row rotation, origin y, column rotation, pixel height.
type GeoTransform [6]float64

// PixelToWorld maps a (col, row) pixel coordinate to world coordinates
func (g GeoTransform) PixelToWorld(col, row float64) (x, y float64) {
	x = g[0] + col*g[1] + row*g[2]
	y = g[3] + col*g[4] + row*g[5]
	return x, y
}

// WorldToPixel maps world coordinates back to a fractional (col, row).
// Rotated transforms are not supported.
func (g GeoTransform) WorldToPixel(x, y float64) (col, row float64) {
	return (x - g[0]) / g[1], (y - g[3]) / g[5]
}

// ResX is the pixel width in world units
func (g GeoTransform) ResX() float64 { return g[1] }

// ResY is the absolute pixel height in world units
func (g GeoTransform) ResY() float64 { return math.Abs(g[5]) }

// Bounds is an axis-aligned world box
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Center returns the middle of the box
func (b Bounds) Center() (x, y float64) {
	return (b.MinX + b.MaxX) / 2, (b.MinY + b.MaxY) / 2
}

// Union returns the smallest box containing both
func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// EdgePoints samples n points along every edge of the box, corners included,
// so a reprojected box can be computed the way transform_bounds does.
func (b Bounds) EdgePoints(n int) (xs, ys []float64) {
	if n < 2 {
		n = 2
	}
	for i := 0; i < n; i++ {
		f := float64(i) / float64(n-1)
		x := b.MinX + f*(b.MaxX-b.MinX)
		y := b.MinY + f*(b.MaxY-b.MinY)
		xs = append(xs, x, x, b.MinX, b.MaxX)
		ys = append(ys, b.MinY, b.MaxY, y, y)
	}
	return xs, ys
}

// Info describes a raster dataset
type Info struct {
	Width        int
	Height       int
	Bands        int
	GeoTransform GeoTransform
	Projection   string
	NoData       float64
	HasNoData    bool
}

// Bounds returns the world extent of the raster
func (i Info) Bounds() Bounds {
	x0, y0 := i.GeoTransform.PixelToWorld(0, 0)
	x1, y1 := i.GeoTransform.PixelToWorld(float64(i.Width), float64(i.Height))
	return Bounds{
		MinX: math.Min(x0, x1),
		MinY: math.Min(y0, y1),
		MaxX: math.Max(x0, x1),
		MaxY: math.Max(y0, y1),
	}
}

// Reader reads pixel windows from an open dataset. Bands are 0-based.
type Reader interface {
	Info() Info
	// ReadWindow reads a w×h window at (col, row) into buf in row-major order.
	// The window must lie inside the raster.
	ReadWindow(band, col, row, w, h int, buf []float64) error
	// ReadResampled reads the whole band nearest-resampled to outW×outH.
	ReadResampled(band, outW, outH int, buf []float64) error
	Close() error
}

// Writer writes single-band byte rasters window by window
type Writer interface {
	WriteWindow(col, row, w, h int, buf []uint8) error
	Close() error
}

// CreateOptions controls the encoding of a new dataset
type CreateOptions struct {
	Compress string
	Tiled    bool
	BigTIFF  bool
}

// Driver opens and creates datasets
type Driver interface {
	Open(path string) (Reader, error)
	// Create makes a single-band byte raster shaped and georeferenced like info.
	// info.NoData is written as the band's nodata value when HasNoData is set.
	Create(path string, info Info, opts CreateOptions) (Writer, error)
}

// Projector converts between coordinate reference systems
type Projector interface {
	// ToLonLat converts points in place from a WKT projection to WGS84 lon/lat
	ToLonLat(projection string, xs, ys []float64) error
	// WarpUTM reprojects src into the UTM zone epsg at res metres per pixel
	// using nearest-neighbour resampling and writes it to dst.
	WarpUTM(src, dst string, epsg int, res, nodata float64) error
}

// Feature is one polygon feature of a boundary layer
type Feature struct {
	Name     string
	Geometry orb.Geometry
}

// FeatureSource reads polygon features from a vector file
type FeatureSource interface {
	// Features returns each feature's attr value and geometry reprojected
	// into projection.
	Features(path, attr, projection string) ([]Feature, error)
}

// ErrWindow is returned for windows that fall outside the raster
var ErrWindow = errors.New("window outside raster")

// CheckWindow validates a read or write window against a raster size
func CheckWindow(info Info, col, row, w, h, buflen int) error {
	if col < 0 || row < 0 || w <= 0 || h <= 0 || col+w > info.Width || row+h > info.Height {
		return fmt.Errorf("%w: %dx%d at (%d,%d) in %dx%d", ErrWindow, w, h, col, row, info.Width, info.Height)
	}
	if buflen < w*h {
		return fmt.Errorf("buffer holds %d values, window needs %d", buflen, w*h)
	}
	return nil
}

// NearestIndex maps output pixel i of an axis resampled from src to dst
// cells onto its nearest source pixel.
func NearestIndex(i, src, dst int) int {
	idx := int((float64(i) + 0.5) * float64(src) / float64(dst))
	if idx >= src {
		idx = src - 1
	}
	return idx
}
