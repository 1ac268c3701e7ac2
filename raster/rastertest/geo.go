package rastertest

import (
	"fmt"
	"sync"

	"github.com/jupark12/cropmask-pipeline/raster"
)

// Projector treats every projection as lon/lat and "warps" by copying the
// grid with its pixel size replaced by the requested resolution.
type Projector struct {
	mu    sync.Mutex
	warps []int
}

// Warps returns the EPSG codes passed to WarpUTM, in call order
func (p *Projector) Warps() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.warps...)
}

// ToLonLat implements raster.Projector
func (p *Projector) ToLonLat(projection string, xs, ys []float64) error {
	if len(xs) != len(ys) {
		return fmt.Errorf("mismatched coordinates: %d x, %d y", len(xs), len(ys))
	}
	return nil
}

// WarpUTM implements raster.Projector
func (p *Projector) WarpUTM(src, dst string, epsg int, res, nodata float64) error {
	ds, err := load(src)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.warps = append(p.warps, epsg)
	p.mu.Unlock()

	info := ds.Info
	if info.HasNoData {
		for _, band := range ds.Bands {
			for i, v := range band {
				if v == info.NoData {
					band[i] = nodata
				}
			}
		}
	}
	info.GeoTransform[1] = res
	info.GeoTransform[5] = -res
	info.Projection = fmt.Sprintf("EPSG:%d", epsg)
	info.NoData = nodata
	info.HasNoData = true
	return save(dst, dataset{Info: info, Bands: ds.Bands})
}

// Features is an in-memory raster.FeatureSource keyed by file path
type Features map[string][]raster.Feature

// Features implements raster.FeatureSource
func (f Features) Features(path, attr, projection string) ([]raster.Feature, error) {
	feats, ok := f[path]
	if !ok {
		return nil, fmt.Errorf("no such boundary file: %s", path)
	}
	return feats, nil
}
