package inference

import (
	"math"
	"sort"
)

// Percentile returns the p-th percentile of values using linear
// interpolation between closest ranks. values is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Stretch maps values onto 0..65535 between their 2nd and 98th percentiles,
// clipping outside that range, and writes whole uint16 levels into out.
func Stretch(values []float64, out []float32) {
	if len(values) == 0 {
		return
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	lower := percentileSorted(sorted, 2)
	upper := percentileSorted(sorted, 98)
	denom := upper - lower
	if denom == 0 {
		denom = 1e-6
	}
	for i, v := range values {
		n := (v - lower) / denom
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		out[i] = float32(math.Floor(n * 65535))
	}
}
