// Package rastertest is a file-backed raster.Driver for tests. Datasets are
// gob-encoded grids, so engines can be exercised without GDAL.
package rastertest

import (
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"github.com/jupark12/cropmask-pipeline/raster"
)

type dataset struct {
	Info  raster.Info
	Bands [][]float64
}

// Driver implements raster.Driver on gob files
type Driver struct {
	mu      sync.Mutex
	created []string
	opts    map[string]raster.CreateOptions
}

// New returns an empty driver
func New() *Driver {
	return &Driver{opts: make(map[string]raster.CreateOptions)}
}

// Created lists the paths passed to Create, in call order
func (d *Driver) Created() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.created...)
}

// Options returns the options a path was created with
func (d *Driver) Options(path string) raster.CreateOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts[path]
}

// Write stores a dataset with the given bands; each band has Width*Height values
func Write(path string, info raster.Info, bands ...[]float64) error {
	info.Bands = len(bands)
	for i, b := range bands {
		if len(b) != info.Width*info.Height {
			return fmt.Errorf("band %d has %d values, want %d", i, len(b), info.Width*info.Height)
		}
	}
	return save(path, dataset{Info: info, Bands: bands})
}

// Read loads a dataset written by Write or by the driver
func Read(path string) (raster.Info, [][]float64, error) {
	ds, err := load(path)
	if err != nil {
		return raster.Info{}, nil, err
	}
	return ds.Info, ds.Bands, nil
}

func save(path string, ds dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(ds); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func load(path string) (dataset, error) {
	var ds dataset
	f, err := os.Open(path)
	if err != nil {
		return ds, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&ds); err != nil {
		return ds, fmt.Errorf("decode %s: %w", path, err)
	}
	return ds, nil
}

// Open implements raster.Driver
func (d *Driver) Open(path string) (raster.Reader, error) {
	ds, err := load(path)
	if err != nil {
		return nil, err
	}
	return &reader{ds: ds}, nil
}

// Create implements raster.Driver
func (d *Driver) Create(path string, info raster.Info, opts raster.CreateOptions) (raster.Writer, error) {
	info.Bands = 1
	band := make([]float64, info.Width*info.Height)
	if info.HasNoData {
		for i := range band {
			band[i] = info.NoData
		}
	}
	// create the file up front so existence checks see it like a real driver
	if err := save(path, dataset{Info: info, Bands: [][]float64{band}}); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.created = append(d.created, path)
	d.opts[path] = opts
	d.mu.Unlock()
	return &writer{path: path, ds: dataset{Info: info, Bands: [][]float64{band}}}, nil
}

type reader struct {
	ds dataset
}

func (r *reader) Info() raster.Info { return r.ds.Info }

func (r *reader) ReadWindow(band, col, row, w, h int, buf []float64) error {
	info := r.ds.Info
	if band < 0 || band >= len(r.ds.Bands) {
		return fmt.Errorf("band %d out of range", band)
	}
	if err := raster.CheckWindow(info, col, row, w, h, len(buf)); err != nil {
		return err
	}
	src := r.ds.Bands[band]
	for y := 0; y < h; y++ {
		copy(buf[y*w:(y+1)*w], src[(row+y)*info.Width+col:(row+y)*info.Width+col+w])
	}
	return nil
}

func (r *reader) ReadResampled(band, outW, outH int, buf []float64) error {
	info := r.ds.Info
	if band < 0 || band >= len(r.ds.Bands) {
		return fmt.Errorf("band %d out of range", band)
	}
	if len(buf) < outW*outH {
		return fmt.Errorf("buffer holds %d values, need %d", len(buf), outW*outH)
	}
	src := r.ds.Bands[band]
	for y := 0; y < outH; y++ {
		sy := raster.NearestIndex(y, info.Height, outH)
		for x := 0; x < outW; x++ {
			sx := raster.NearestIndex(x, info.Width, outW)
			buf[y*outW+x] = src[sy*info.Width+sx]
		}
	}
	return nil
}

func (r *reader) Close() error { return nil }

type writer struct {
	path string
	ds   dataset
}

func (w *writer) WriteWindow(col, row, width, height int, buf []uint8) error {
	info := w.ds.Info
	if err := raster.CheckWindow(info, col, row, width, height, len(buf)); err != nil {
		return err
	}
	dst := w.ds.Bands[0]
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dst[(row+y)*info.Width+col+x] = float64(buf[y*width+x])
		}
	}
	return nil
}

func (w *writer) Close() error {
	return save(w.path, w.ds)
}
