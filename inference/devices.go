package inference

// CPU is the device rank passed to a PredictorFactory for CPU execution
const CPU = -1

// ResolveDevices turns a job's GPU request into the number of GPUs to use.
// -1 means every available GPU, 0 means CPU, N is capped at what is
// available and falls back to CPU when there is none.
func ResolveDevices(requested, available int) int {
	switch {
	case requested < 0:
		return available
	case requested == 0 || available <= 0:
		return 0
	default:
		return min(requested, available)
	}
}

// SplitFiles divides a sorted file list into n contiguous chunks of
// ceil(len/n) files. Trailing chunks may be short or empty.
func SplitFiles(files []string, n int) [][]string {
	if n <= 1 {
		return [][]string{files}
	}
	size := (len(files) + n - 1) / n
	chunks := make([][]string, n)
	for rank := 0; rank < n; rank++ {
		start := rank * size
		if start >= len(files) {
			continue
		}
		end := min(start+size, len(files))
		chunks[rank] = files[start:end]
	}
	return chunks
}
