package stats

import (
	"math"
	"sort"
)

// Quantile returns the q-th quantile of an ascending sample, interpolating
// linearly between the two closest order statistics at position q*(n-1).
func Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 || q < 0 || q > 1 {
		return math.NaN()
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func sortedCopy(x []float64) []float64 {
	s := make([]float64, len(x))
	copy(s, x)
	sort.Float64s(s)
	return s
}

// MaxAutoBins bounds the bin count AutoBins may return.
const MaxAutoBins = 1 << 14

// AutoBins picks the number of equal-width bins for a finite, ascending
// sample: the smaller of the Freedman-Diaconis and Sturges widths, falling
// back to Sturges when the IQR is zero. When the chosen width would give
// more bins than samples (or more than MaxAutoBins), Sturges is used.
func AutoBins(sorted []float64) int {
	n := len(sorted)
	if n == 0 {
		return 1
	}
	ptp := sorted[n-1] - sorted[0]
	if ptp == 0 {
		return 1
	}

	sturgesBins := int(math.Ceil(math.Log2(float64(n)) + 1))
	if math.IsInf(ptp, 0) {
		return sturgesBins
	}
	sturges := ptp / (math.Log2(float64(n)) + 1)
	iqr := Quantile(sorted, 0.75) - Quantile(sorted, 0.25)
	fd := 2 * iqr / math.Cbrt(float64(n))

	width := sturges
	if fd > 0 {
		width = math.Min(fd, sturges)
	}
	if width == 0 {
		return 1
	}
	bins := math.Ceil(ptp / width)
	if math.IsNaN(bins) || bins > float64(min(n, MaxAutoBins)) {
		return sturgesBins
	}
	return max(int(bins), 1)
}

// Histogram holds bin counts and the len(Counts)+1 bin edges.
type Histogram struct {
	Counts []int
	Edges  []float64
}

// Centers returns the midpoint of every bin.
func (h Histogram) Centers() []float64 {
	c := make([]float64, len(h.Counts))
	for i := range c {
		c[i] = h.Edges[i] + (h.Edges[i+1]-h.Edges[i])/2
	}
	return c
}

// Modes returns the center of every bin that holds the maximum count.
func (h Histogram) Modes() []float64 {
	maxCount := -1
	for _, c := range h.Counts {
		if c > maxCount {
			maxCount = c
		}
	}
	centers := h.Centers()
	var modes []float64
	for i, c := range h.Counts {
		if c == maxCount {
			modes = append(modes, centers[i])
		}
	}
	return modes
}

// NewHistogram bins a finite sample into AutoBins equal-width bins spanning
// [min, max]; the last bin is closed. A constant sample gets a single bin
// of width one centered on the value.
func NewHistogram(x []float64) Histogram {
	sorted := sortedCopy(x)
	return histogramSorted(x, sorted)
}

func histogramSorted(x, sorted []float64) Histogram {
	if len(sorted) == 0 {
		return Histogram{Counts: []int{0}, Edges: []float64{0, 1}}
	}
	first, last := sorted[0], sorted[len(sorted)-1]
	if first == last {
		first -= 0.5
		last += 0.5
	}
	nbins := AutoBins(sorted)

	// Work on half-scale values when the range overflows float64.
	scale := 1.0
	if math.IsInf(last-first, 0) {
		scale = 0.5
	}
	span := last*scale - first*scale
	step := span / float64(nbins)

	edges := make([]float64, nbins+1)
	for i := range edges {
		edges[i] = (first*scale + float64(i)*step) / scale
	}
	edges[nbins] = last

	counts := make([]int, nbins)
	norm := float64(nbins) / span
	for _, v := range x {
		idx := int((v*scale - first*scale) * norm)
		if idx >= nbins {
			idx = nbins - 1
		}
		if idx < 0 {
			idx = 0
		}
		// rounding in the scaled index can land one bin off
		if v < edges[idx] && idx > 0 {
			idx--
		} else if idx != nbins-1 && v >= edges[idx+1] {
			idx++
		}
		counts[idx]++
	}
	return Histogram{Counts: counts, Edges: edges}
}
