package raster

// Window is a sub-raster at (Col, Row) of Width×Height pixels. It may extend
// past the raster edge when the raster is smaller than the window.
type Window struct {
	Row    int
	Col    int
	Height int
	Width  int
}

// axisOrigins returns window origins along one axis: multiples of step, plus
// one origin snapped to dim-win when the last regular window stops short.
func axisOrigins(dim, win, step int) []int {
	if dim <= win || step <= 0 {
		return []int{0}
	}
	var origins []int
	for o := 0; o <= dim-win; o += step {
		origins = append(origins, o)
	}
	if last := origins[len(origins)-1]; last+win < dim {
		origins = append(origins, dim-win)
	}
	return origins
}

// SlidingWindows enumerates windows covering a height×width raster, rows outer
func SlidingWindows(height, width, step, winH, winW int) []Window {
	rows := axisOrigins(height, winH, step)
	cols := axisOrigins(width, winW, step)
	windows := make([]Window, 0, len(rows)*len(cols))
	for _, r := range rows {
		for _, c := range cols {
			windows = append(windows, Window{Row: r, Col: c, Height: winH, Width: winW})
		}
	}
	return windows
}

// Clip returns the part of w inside a height×width raster and the offset of
// that part within the window. ok is false when nothing overlaps.
func (w Window) Clip(height, width int) (inside Window, offRow, offCol int, ok bool) {
	r0, c0 := max(w.Row, 0), max(w.Col, 0)
	r1, c1 := min(w.Row+w.Height, height), min(w.Col+w.Width, width)
	if r1 <= r0 || c1 <= c0 {
		return Window{}, 0, 0, false
	}
	return Window{Row: r0, Col: c0, Height: r1 - r0, Width: c1 - c0}, r0 - w.Row, c0 - w.Col, true
}
