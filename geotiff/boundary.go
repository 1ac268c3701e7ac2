package geotiff

import (
	"fmt"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jupark12/cropmask-pipeline/raster"
)

// Features implements raster.FeatureSource. Every feature of the first
// layer is returned with attr as its name and its geometry reprojected.
func (d *Driver) Features(path, attr, projection string) ([]raster.Feature, error) {
	ds, err := godal.Open(path, godal.VectorOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to open boundary %s: %w", path, err)
	}
	defer ds.Close()

	layers := ds.Layers()
	if len(layers) == 0 {
		return nil, fmt.Errorf("boundary %s has no layers", path)
	}
	layer := layers[0]

	var to *godal.SpatialRef
	if projection != "" {
		to, err = godal.NewSpatialRefFromWKT(projection)
		if err != nil {
			return nil, fmt.Errorf("failed to parse projection: %w", err)
		}
		defer to.Close()
	}

	var feats []raster.Feature
	layer.ResetReading()
	for {
		f := layer.NextFeature()
		if f == nil {
			break
		}
		feat, err := readFeature(f, attr, to)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		feats = append(feats, feat)
	}
	return feats, nil
}

func readFeature(f *godal.Feature, attr string, to *godal.SpatialRef) (raster.Feature, error) {
	var feat raster.Feature
	if field, ok := f.Fields()[attr]; ok {
		feat.Name = field.String()
	}
	geom := f.Geometry()
	defer geom.Close()
	if to != nil {
		if err := geom.Reproject(to); err != nil {
			return feat, fmt.Errorf("failed to reproject %q: %w", feat.Name, err)
		}
	}
	b, err := geom.WKB()
	if err != nil {
		return feat, fmt.Errorf("failed to encode %q: %w", feat.Name, err)
	}
	feat.Geometry, err = wkb.Unmarshal(b)
	if err != nil {
		return feat, fmt.Errorf("failed to decode %q: %w", feat.Name, err)
	}
	return feat, nil
}
