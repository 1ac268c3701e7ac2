// Package geotiff implements the raster interfaces on top of GDAL through
// godal: GeoTIFF reads and writes, UTM warps, lon/lat transforms and
// shapefile boundaries.
package geotiff

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/jupark12/cropmask-pipeline/raster"
)

var registerOnce sync.Once

// Driver is the GDAL-backed raster.Driver, raster.Projector and
// raster.FeatureSource
type Driver struct{}

// New registers the GDAL drivers once and returns a Driver
func New() *Driver {
	registerOnce.Do(godal.RegisterAll)
	return &Driver{}
}

// Open implements raster.Driver
func (d *Driver) Open(path string) (raster.Reader, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := describe(ds)
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &reader{ds: ds, info: info}, nil
}

func describe(ds *godal.Dataset) (raster.Info, error) {
	st := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		return raster.Info{}, err
	}
	info := raster.Info{
		Width:        st.SizeX,
		Height:       st.SizeY,
		Bands:        st.NBands,
		GeoTransform: raster.GeoTransform(gt),
		Projection:   ds.Projection(),
	}
	if bands := ds.Bands(); len(bands) > 0 {
		info.NoData, info.HasNoData = bands[0].NoData()
	}
	return info, nil
}

// Create implements raster.Driver
func (d *Driver) Create(path string, info raster.Info, opts raster.CreateOptions) (raster.Writer, error) {
	var co []string
	if opts.Compress != "" {
		co = append(co, "COMPRESS="+opts.Compress)
	}
	if opts.Tiled {
		co = append(co, "TILED=YES")
	}
	if opts.BigTIFF {
		co = append(co, "BIGTIFF=YES")
	}
	ds, err := godal.Create(godal.GTiff, path, 1, godal.Byte, info.Width, info.Height, godal.CreationOption(co...))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := ds.SetGeoTransform([6]float64(info.GeoTransform)); err != nil {
		ds.Close()
		return nil, fmt.Errorf("failed to set geotransform on %s: %w", path, err)
	}
	if info.Projection != "" {
		if err := ds.SetProjection(info.Projection); err != nil {
			ds.Close()
			return nil, fmt.Errorf("failed to set projection on %s: %w", path, err)
		}
	}
	if info.HasNoData {
		if err := ds.Bands()[0].SetNoData(info.NoData); err != nil {
			ds.Close()
			return nil, fmt.Errorf("failed to set nodata on %s: %w", path, err)
		}
	}
	info.Bands = 1
	return &writer{ds: ds, info: info}, nil
}

type reader struct {
	ds   *godal.Dataset
	info raster.Info
}

func (r *reader) Info() raster.Info { return r.info }

func (r *reader) band(i int) (godal.Band, error) {
	bands := r.ds.Bands()
	if i < 0 || i >= len(bands) {
		return godal.Band{}, fmt.Errorf("band %d out of range (%d bands)", i, len(bands))
	}
	return bands[i], nil
}

func (r *reader) ReadWindow(band, col, row, w, h int, buf []float64) error {
	if err := raster.CheckWindow(r.info, col, row, w, h, len(buf)); err != nil {
		return err
	}
	b, err := r.band(band)
	if err != nil {
		return err
	}
	return b.Read(col, row, buf[:w*h], w, h)
}

func (r *reader) ReadResampled(band, outW, outH int, buf []float64) error {
	b, err := r.band(band)
	if err != nil {
		return err
	}
	return b.Read(0, 0, buf[:outW*outH], outW, outH,
		godal.Window(r.info.Width, r.info.Height),
		godal.Resampling(godal.Nearest))
}

func (r *reader) Close() error { return r.ds.Close() }

type writer struct {
	ds   *godal.Dataset
	info raster.Info
}

func (w *writer) WriteWindow(col, row, width, height int, buf []uint8) error {
	if err := raster.CheckWindow(w.info, col, row, width, height, len(buf)); err != nil {
		return err
	}
	return w.ds.Bands()[0].Write(col, row, buf[:width*height], width, height)
}

func (w *writer) Close() error { return w.ds.Close() }

// WarpUTM implements raster.Projector
func (d *Driver) WarpUTM(src, dst string, epsg int, res, nodata float64) error {
	ds, err := godal.Open(src, godal.RasterOnly())
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer ds.Close()

	r := strconv.FormatFloat(res, 'f', -1, 64)
	out, err := ds.Warp(dst, []string{
		"-of", "GTiff",
		"-t_srs", fmt.Sprintf("EPSG:%d", epsg),
		"-tr", r, r,
		"-r", "near",
		"-dstnodata", strconv.FormatFloat(nodata, 'f', -1, 64),
		"-co", "COMPRESS=DEFLATE",
	})
	if err != nil {
		return fmt.Errorf("failed to warp %s to EPSG:%d: %w", src, epsg, err)
	}
	return out.Close()
}

// ToLonLat implements raster.Projector
func (d *Driver) ToLonLat(projection string, xs, ys []float64) error {
	src, err := godal.NewSpatialRefFromWKT(projection)
	if err != nil {
		return fmt.Errorf("failed to parse projection: %w", err)
	}
	defer src.Close()
	// proj4 keeps lon/lat axis order regardless of the GDAL version
	dst, err := godal.NewSpatialRefFromProj4("+proj=longlat +datum=WGS84 +no_defs")
	if err != nil {
		return err
	}
	defer dst.Close()

	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		return fmt.Errorf("failed to build transform: %w", err)
	}
	defer trn.Close()
	return trn.TransformEx(xs, ys, make([]float64, len(xs)), nil)
}
