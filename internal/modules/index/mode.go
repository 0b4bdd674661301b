package index

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/stableyield/indexd/internal/domain"
)

const (
	// modeVolWindow is the sample count of one volatility window in the
	// daily-downsampled value series.
	modeVolWindow = 30
	// modeMinTVLSamples gates the BEAR percentile test.
	modeMinTVLSamples = 5
)

// ModeInputs carries the trailing daily context for mode classification.
// Series are ordered oldest first.
type ModeInputs struct {
	ValueHistory30d  []float64
	ValueHistory180d []float64
	TVLHistory90d    []float64
	CurrentTVLUSD    float64
}

// ClassifyMode labels the snapshot's market condition. HIGH_VOL dominates
// BEAR; with insufficient history the mode stays NORMAL.
func (c *Compositor) ClassifyMode(in ModeInputs) domain.IndexMode {
	if highVolatility(in) {
		return domain.ModeHighVol
	}
	if bearMarket(in) {
		return domain.ModeBear
	}
	return domain.ModeNormal
}

// highVolatility compares the current 30-day volatility against twice the
// mean of the 30-day volatilities rolled across the long series.
func highVolatility(in ModeInputs) bool {
	if len(in.ValueHistory30d) < 2 || len(in.ValueHistory180d) < modeVolWindow {
		return false
	}
	vol30 := stat.StdDev(in.ValueHistory30d, nil)

	sum := 0.0
	windows := 0
	for i := 0; i+modeVolWindow <= len(in.ValueHistory180d); i++ {
		sum += stat.StdDev(in.ValueHistory180d[i:i+modeVolWindow], nil)
		windows++
	}
	baseline := sum / float64(windows)
	return vol30 > 2*baseline
}

// bearMarket fires when aggregate DeFi TVL sits below the 20th percentile
// of its trailing window.
func bearMarket(in ModeInputs) bool {
	if len(in.TVLHistory90d) < modeMinTVLSamples {
		return false
	}
	sorted := make([]float64, len(in.TVLHistory90d))
	copy(sorted, in.TVLHistory90d)
	sort.Float64s(sorted)
	return in.CurrentTVLUSD < stat.Quantile(0.20, stat.Empirical, sorted, nil)
}
