package features

import (
	"math"
	"sort"
)

// window is a FIFO buffer of the most recent base-feature rows for one
// sensor. Rows are fixed-width; the oldest row is evicted once the buffer
// holds size rows. A window is only ever touched by its sensor's lane, so it
// carries no locking of its own.
type window struct {
	size int
	rows [][]float64
}

func newWindow(size int) *window {
	return &window{size: size}
}

// push appends a row and reports whether the window is full.
func (w *window) push(row []float64) bool {
	w.rows = append(w.rows, row)
	if len(w.rows) > w.size {
		w.rows = w.rows[1:]
	}
	return len(w.rows) >= w.size
}

func (w *window) len() int {
	return len(w.rows)
}

// column extracts the values of one base column across all buffered rows.
func (w *window) column(idx int) []float64 {
	vals := make([]float64, len(w.rows))
	for i, row := range w.rows {
		vals[i] = row[idx]
	}
	return vals
}

// columnStats computes the 14 window statistics for one column, in the same
// order as statNames. The layout and formulas are fixed by the trained
// model's feature engineering and must not be reordered.
func columnStats(values []float64) []float64 {
	n := float64(len(values))
	var sum, sumsq float64
	minV, maxV := values[0], values[0]
	for _, v := range values {
		sum += v
		sumsq += v * v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	mean := sum / n

	var variance, mad float64
	for _, v := range values {
		d := v - mean
		variance += d * d
		mad += math.Abs(d)
	}
	variance /= n
	mad /= n

	std := math.Sqrt(variance)
	rms := math.Sqrt(sumsq / n)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	return []float64{
		mean,
		std,
		minV,
		maxV,
		percentile(sorted, 50),
		percentile(sorted, 25),
		percentile(sorted, 75),
		maxV - minV,
		variance,
		rms,
		mad,
		sum,
		sumsq,
		maxV / (minV + 1e-8),
	}
}

// percentile computes the p-th percentile of sorted values using linear
// interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
