// Package peg tracks per-symbol volume-weighted prices and derives peg
// stability metrics from them. The pipeline is the single writer; query
// paths read consistent copies.
package peg

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/domain"
)

const (
	// tickWindow is how far back a venue tick may be to join the vw price.
	tickWindow = 60 * time.Second

	// ringCapacity bounds the per-symbol vw price history.
	ringCapacity = 720

	// vol5mSamples and vol1hSamples are the short and long volatility
	// windows at the one-minute observation cadence.
	vol5mSamples = 60
	vol1hSamples = 360
)

// Conservative metrics reported when a symbol has no usable ticks.
const (
	defaultVol5mBps = 2.0
	defaultVol1hBps = 2.0
	defaultPegScore = 0.95
)

// RingSample is one persisted vw price observation.
type RingSample struct {
	At      time.Time `msgpack:"at"`
	VWPrice float64   `msgpack:"vw"`
}

// Tracker owns the per-symbol vw price rings.
type Tracker struct {
	mu    sync.RWMutex
	rings map[string][]RingSample
	log   zerolog.Logger
}

// NewTracker creates an empty peg tracker.
func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		rings: make(map[string][]RingSample),
		log:   log.With().Str("component", "peg_tracker").Logger(),
	}
}

// Observe folds one cycle's ticks for a symbol into the ring and returns the
// peg metrics as of now. Only the most recent tick per venue inside the
// 60 s window participates. With no usable ticks the conservative default is
// returned and the ring is left untouched.
func (t *Tracker) Observe(symbol string, ticks []domain.PriceTick, now time.Time) domain.PegMetrics {
	vw, ok := vwPrice(ticks, now)
	if !ok {
		return domain.PegMetrics{
			WindowEnd: now,
			Symbol:    symbol,
			VWPrice:   1.0,
			PegDevBps: 0,
			Vol5mBps:  defaultVol5mBps,
			Vol1hBps:  defaultVol1hBps,
			PegScore:  defaultPegScore,
		}
	}

	t.mu.Lock()
	ring := append(t.rings[symbol], RingSample{At: now, VWPrice: vw})
	if len(ring) > ringCapacity {
		ring = ring[len(ring)-ringCapacity:]
	}
	t.rings[symbol] = ring
	vol5m := meanAbsDelta(ring, vol5mSamples) * 10000
	vol1h := meanAbsDelta(ring, vol1hSamples) * 10000
	t.mu.Unlock()

	devBps := 10000 * (vw - 1)
	score := 1 - math.Abs(devBps)/50 - vol5m/100
	score = math.Min(1, math.Max(0, score))

	return domain.PegMetrics{
		WindowEnd: now,
		Symbol:    symbol,
		VWPrice:   vw,
		PegDevBps: devBps,
		Vol5mBps:  vol5m,
		Vol1hBps:  vol1h,
		PegScore:  score,
	}
}

// Snapshot returns a copy of the symbol's ring for persistence.
func (t *Tracker) Snapshot(symbol string) []RingSample {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ring := t.rings[symbol]
	out := make([]RingSample, len(ring))
	copy(out, ring)
	return out
}

// Restore seeds a symbol's ring from a persisted snapshot, replacing any
// current content. Entries beyond capacity are trimmed from the front.
func (t *Tracker) Restore(symbol string, samples []RingSample) {
	ring := make([]RingSample, len(samples))
	copy(ring, samples)
	if len(ring) > ringCapacity {
		ring = ring[len(ring)-ringCapacity:]
	}

	t.mu.Lock()
	t.rings[symbol] = ring
	t.mu.Unlock()

	t.log.Debug().Str("symbol", symbol).Int("samples", len(ring)).Msg("Restored peg ring")
}

// Symbols returns the tracked symbols in sorted order.
func (t *Tracker) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.rings))
	for symbol := range t.rings {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// vwPrice reduces one cycle's ticks to a volume-weighted price. Venues
// reporting zero volume are excluded from the weighting; when every venue
// reports zero volume the simple mean is used instead.
func vwPrice(ticks []domain.PriceTick, now time.Time) (float64, bool) {
	latest := make(map[string]domain.PriceTick)
	for _, tick := range ticks {
		if tick.PriceUSD <= 0 || !isFinite(tick.PriceUSD) {
			continue
		}
		age := now.Sub(tick.ObservedAt)
		if age < 0 || age > tickWindow {
			continue
		}
		if prev, ok := latest[tick.Venue]; !ok || tick.ObservedAt.After(prev.ObservedAt) {
			latest[tick.Venue] = tick
		}
	}
	if len(latest) == 0 {
		return 0, false
	}

	venues := make([]string, 0, len(latest))
	for venue := range latest {
		venues = append(venues, venue)
	}
	sort.Strings(venues)

	var weighted, volume, sum float64
	for _, venue := range venues {
		tick := latest[venue]
		sum += tick.PriceUSD
		if tick.Volume24hUSD > 0 {
			weighted += tick.PriceUSD * tick.Volume24hUSD
			volume += tick.Volume24hUSD
		}
	}
	if volume > 0 {
		return weighted / volume, true
	}
	return sum / float64(len(latest)), true
}

// meanAbsDelta averages |Δ vw price| over the last n ring entries.
func meanAbsDelta(ring []RingSample, n int) float64 {
	if len(ring) < 2 {
		return 0
	}
	start := 0
	if len(ring) > n {
		start = len(ring) - n
	}
	window := ring[start:]

	var sum float64
	for i := 1; i < len(window); i++ {
		sum += math.Abs(window[i].VWPrice - window[i-1].VWPrice)
	}
	return sum / float64(len(window)-1)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
