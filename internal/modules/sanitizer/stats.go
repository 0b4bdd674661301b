package sanitizer

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// madScale converts a median absolute deviation into a consistent estimate
// of the standard deviation under normality.
const madScale = 1.4826

// minSpread guards divisions when every comparable reports the same rate.
const minSpread = 1e-9

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// sortedCopy returns the values in ascending order without mutating the input.
func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}

// quantile returns the empirical sample quantile of sorted data.
func quantile(sorted []float64, p float64) float64 {
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// madZ returns the robust z-score of value against the sorted comparables:
// distance from the median in units of the scaled median absolute deviation.
func madZ(value float64, sorted []float64) float64 {
	median := quantile(sorted, 0.5)
	devs := make([]float64, len(sorted))
	for i, v := range sorted {
		devs[i] = math.Abs(v - median)
	}
	sort.Float64s(devs)
	scaled := madScale * quantile(devs, 0.5)
	if scaled < minSpread {
		scaled = minSpread
	}
	return math.Abs(value-median) / scaled
}

// iqrExcess returns how many IQR units the value sits beyond the Tukey
// fences, zero when it is inside them.
func iqrExcess(value float64, sorted []float64, multiplier float64) float64 {
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	span := iqr
	if span < minSpread {
		span = minSpread
	}
	switch {
	case value > q3+multiplier*iqr:
		return (value - (q3 + multiplier*iqr)) / span
	case value < q1-multiplier*iqr:
		return ((q1 - multiplier*iqr) - value) / span
	}
	return 0
}
