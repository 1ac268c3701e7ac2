package area

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/paulmach/orb"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jupark12/cropmask-pipeline/raster"
)

// NormalizeName strips accents, turns underscores into spaces and folds case
// and runs of whitespace, so "São_Paulo" and "sao  paulo" compare equal.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	stripped = strings.ReplaceAll(stripped, "_", " ")
	return strings.ToLower(strings.Join(strings.Fields(stripped), " "))
}

// UTMZone returns the zone number and EPSG code of the UTM zone holding a
// lon/lat point
func UTMZone(lon, lat float64) (zone, epsg int) {
	zone = int((lon+180)/6) + 1
	if lat < 0 {
		return zone, 32700 + zone
	}
	return zone, 32600 + zone
}

// polygons flattens a geometry into its polygons
func polygons(g orb.Geometry) ([]orb.Polygon, error) {
	switch g := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{g}, nil
	case orb.MultiPolygon:
		return []orb.Polygon(g), nil
	case orb.Collection:
		var out []orb.Polygon
		for _, sub := range g {
			p, err := polygons(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, p...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("boundary geometry is %s, want polygon", g.GeoJSONType())
	}
}

// CountInside counts pixel values of band 0 whose pixel centre falls inside
// any of the polygons, skipping the raster's nodata value. Polygons are in
// the raster's coordinates.
func CountInside(rd raster.Reader, polys []orb.Polygon) (map[int]int64, error) {
	info := rd.Info()
	gt := info.GeoTransform
	counts := make(map[int]int64)
	if len(polys) == 0 {
		return counts, nil
	}

	var bound orb.Bound
	for i, p := range polys {
		if i == 0 {
			bound = p.Bound()
		} else {
			bound = bound.Union(p.Bound())
		}
	}
	_, rTop := gt.WorldToPixel(bound.Min[0], bound.Max[1])
	_, rBottom := gt.WorldToPixel(bound.Min[0], bound.Min[1])
	r0 := max(int(math.Floor(math.Min(rTop, rBottom))), 0)
	r1 := min(int(math.Ceil(math.Max(rTop, rBottom))), info.Height)

	row := make([]float64, info.Width)
	inside := make([]bool, info.Width)
	var xs []float64
	for r := r0; r < r1; r++ {
		_, y := gt.PixelToWorld(0, float64(r)+0.5)
		for i := range inside {
			inside[i] = false
		}
		hit := false
		for _, p := range polys {
			xs = crossings(xs[:0], p, y)
			for i := 0; i+1 < len(xs); i += 2 {
				if fillSpan(inside, gt, xs[i], xs[i+1]) {
					hit = true
				}
			}
		}
		if !hit {
			continue
		}
		if err := rd.ReadWindow(0, 0, r, info.Width, 1, row); err != nil {
			return nil, err
		}
		for c, in := range inside {
			if !in {
				continue
			}
			v := row[c]
			if math.IsNaN(v) || (info.HasNoData && v == info.NoData) {
				continue
			}
			counts[int(v)]++
		}
	}
	return counts, nil
}

// crossings returns the sorted x positions where the horizontal line y
// crosses the rings of p
func crossings(xs []float64, p orb.Polygon, y float64) []float64 {
	for _, ring := range p {
		n := len(ring)
		for i := 0; i < n; i++ {
			a, b := ring[i], ring[(i+1)%n]
			if (a[1] <= y && b[1] > y) || (b[1] <= y && a[1] > y) {
				t := (y - a[1]) / (b[1] - a[1])
				xs = append(xs, a[0]+t*(b[0]-a[0]))
			}
		}
	}
	sort.Float64s(xs)
	return xs
}

// fillSpan marks pixels whose centre lies in [xa, xb)
func fillSpan(inside []bool, gt raster.GeoTransform, xa, xb float64) bool {
	ca, _ := gt.WorldToPixel(xa, 0)
	cb, _ := gt.WorldToPixel(xb, 0)
	if ca > cb {
		ca, cb = cb, ca
	}
	start := max(int(math.Ceil(ca-0.5)), 0)
	end := min(int(math.Ceil(cb-0.5)), len(inside))
	for c := start; c < end; c++ {
		inside[c] = true
	}
	return end > start
}
