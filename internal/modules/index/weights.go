package index

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/stableyield/indexd/internal/domain"
)

const (
	// sigmaFloor keeps EQUAL_RISK finite for constant RAY histories.
	sigmaFloor = 1e-6
	// capEps tolerates float drift when testing weights against the cap.
	capEps = 1e-9
)

// rawWeights evaluates the scheme's proportionality input per candidate.
// Candidates with no usable input are dropped from the basket.
func (c *Compositor) rawWeights(scheme domain.WeightScheme, pool []Candidate) ([]Candidate, []float64) {
	kept := make([]Candidate, 0, len(pool))
	raw := make([]float64, 0, len(pool))
	for i := range pool {
		cand := &pool[i]
		w, ok := c.rawWeight(scheme, cand)
		if !ok {
			c.log.Debug().
				Str("symbol", cand.Sample.Symbol).
				Str("source", cand.Sample.SourceID).
				Str("scheme", string(scheme)).
				Msg("Constituent dropped for missing weight input")
			continue
		}
		kept = append(kept, *cand)
		raw = append(raw, w)
	}
	return kept, raw
}

func (c *Compositor) rawWeight(scheme domain.WeightScheme, cand *Candidate) (float64, bool) {
	switch scheme {
	case domain.WeightEqualRisk:
		hist := cand.RAYHistory
		if n := len(hist); n > c.cfg.EqualRiskWindow {
			hist = hist[n-c.cfg.EqualRiskWindow:]
		}
		if len(hist) < 2 {
			return 0, false
		}
		sigma := stat.StdDev(hist, nil)
		if sigma < sigmaFloor {
			sigma = sigmaFloor
		}
		return 1 / sigma, true
	case domain.WeightCapacity:
		if cand.Sample.CapacityUSD == nil || *cand.Sample.CapacityUSD <= 0 {
			return 0, false
		}
		return *cand.Sample.CapacityUSD, true
	case domain.WeightTVLMaturity:
		if cand.Sample.TVLUSD == nil || *cand.Sample.TVLUSD <= 0 {
			return 0, false
		}
		maturity := math.Max(0, math.Min(1, float64(cand.OperationalDays)/365))
		if maturity <= 0 {
			return 0, false
		}
		return *cand.Sample.TVLUSD * maturity, true
	case domain.WeightEqual:
		return 1, true
	default: // MARKET_CAP
		if cand.MarketCapUSD <= 0 {
			return 0, false
		}
		return cand.MarketCapUSD, true
	}
}

func normalize(raw []float64) []float64 {
	sum := 0.0
	for _, w := range raw {
		sum += w
	}
	out := make([]float64, len(raw))
	for i, w := range raw {
		out[i] = w / sum
	}
	return out
}

// applyCap clips weights to the per-constituent cap by iterative
// water-filling: excess is redistributed proportionally among uncapped
// members until nothing exceeds the cap. When the cap is unsatisfiable
// (cap·n < 1) the basket falls back to uniform so weights still sum to 1.
func applyCap(weights []float64, cap float64) {
	n := len(weights)
	if n == 0 {
		return
	}
	if float64(n)*cap < 1 {
		for i := range weights {
			weights[i] = 1 / float64(n)
		}
		return
	}

	capped := make([]bool, n)
	for {
		excess := 0.0
		for i, w := range weights {
			if !capped[i] && w > cap+capEps {
				excess += w - cap
				weights[i] = cap
				capped[i] = true
			}
		}
		if excess == 0 {
			return
		}
		uncappedSum := 0.0
		for i, w := range weights {
			if !capped[i] {
				uncappedSum += w
			}
		}
		if uncappedSum <= 0 {
			return
		}
		scale := excess / uncappedSum
		for i := range weights {
			if !capped[i] {
				weights[i] += weights[i] * scale
			}
		}
	}
}

// basketValue is the weighted basket fold the index value reduces to.
func basketValue(weights, rays []float64) float64 {
	v := 0.0
	for i, w := range weights {
		v += w * rays[i]
	}
	return v
}
