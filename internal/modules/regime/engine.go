// Package regime folds daily index observations into the ON / OFF /
// OFF_OVERRIDE risk classification. The fold is deterministic: one ordered
// input sequence always yields one state and alert sequence, and the full
// fold state can be snapshotted and restored across restarts.
package regime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
)

// historyCap bounds the retained excess series. It comfortably covers the
// long EMA warmup, and snapshots stay small.
const historyCap = 200

// volatilityDays is the delta window behind volatility_30d.
const volatilityDays = 30

// slopeDays is the regression window behind slope7.
const slopeDays = 7

// tradingDaysPerYear annualizes the regression slope.
const tradingDaysPerYear = 252

// ErrStaleDate rejects an evaluation dated at or before the last one.
var ErrStaleDate = errors.New("regime: evaluation date not after last evaluated date")

// DailyInputs is one day's evaluation input.
type DailyInputs struct {
	Date    time.Time
	SYI     float64
	TBill3M float64
	// ConstituentRAYs are the day's constituent RAY values, for breadth.
	ConstituentRAYs []float64
	MaxDepegBps     float64
	AggDepegBps     float64
}

// EngineState is the resumable fold state. Restoring a snapshot and
// continuing the input sequence reproduces an uninterrupted run exactly.
type EngineState struct {
	Excess         []float64          `json:"excess" msgpack:"excess"`
	State          domain.RegimeState `json:"state" msgpack:"state"`
	DaysInState    int                `json:"days_in_state" msgpack:"days_in_state"`
	ProposalTarget domain.RegimeState `json:"proposal_target,omitempty" msgpack:"proposal_target"`
	ProposalDays   int                `json:"proposal_days" msgpack:"proposal_days"`
	Cooldown       int                `json:"cooldown" msgpack:"cooldown"`
	OverrideActive bool               `json:"override_active" msgpack:"override_active"`
	OverrideDays   int                `json:"override_days" msgpack:"override_days"`
	LastBreachAt   time.Time          `json:"last_breach_at,omitempty" msgpack:"last_breach_at"`
	LastDate       time.Time          `json:"last_date,omitempty" msgpack:"last_date"`
}

type machineEvent int

const (
	eventNone machineEvent = iota
	eventEarlyWarning
	eventFlipConfirmed
	eventInvalidation
)

// Engine is the daily risk-regime state machine. The peg override is a
// layer above the z/breadth machine: the machine keeps folding underneath
// an active override, and leaving the override exposes whatever state the
// machine reached in the meantime.
type Engine struct {
	mu   sync.Mutex
	cfg  config.RegimeConfig
	code domain.IndexCode
	st   EngineState
	log  zerolog.Logger
}

// NewEngine creates a regime engine in the bootstrap state.
func NewEngine(cfg config.RegimeConfig, code domain.IndexCode, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:  cfg,
		code: code,
		st: EngineState{
			State: domain.RegimeNeutral,
		},
		log: log.With().Str("component", "regime").Str("index", string(code)).Logger(),
	}
}

// State returns a deep copy of the fold state for persistence.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.st
	st.Excess = append([]float64(nil), e.st.Excess...)
	return st
}

// Restore replaces the fold state, typically at startup.
func (e *Engine) Restore(st EngineState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st.Excess = append([]float64(nil), st.Excess...)
	if st.State == "" {
		st.State = domain.RegimeNeutral
	}
	e.st = st
	e.log.Info().
		Str("state", string(st.State)).
		Int("history_days", len(st.Excess)).
		Msg("Regime state restored")
}

// Evaluate folds one day of inputs and returns the emitted sample.
func (e *Engine) Evaluate(in DailyInputs) (domain.RegimeSample, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.st.LastDate.IsZero() && !in.Date.After(e.st.LastDate) {
		return domain.RegimeSample{}, ErrStaleDate
	}
	e.st.LastDate = in.Date

	excess := in.SYI - in.TBill3M
	e.st.Excess = append(e.st.Excess, excess)
	if n := len(e.st.Excess); n > historyCap {
		e.st.Excess = e.st.Excess[n-historyCap:]
	}

	emaShort := emaValue(e.st.Excess, e.cfg.EMAShortDays)
	emaLong := emaValue(e.st.Excess, e.cfg.EMALongDays)
	spread := emaShort - emaLong
	vol := deltaVolatility(e.st.Excess, volatilityDays)
	z := spread / maxFloat(vol, e.cfg.VolatilityEpsilon)
	slope := annualizedSlope(e.st.Excess, slopeDays)
	breadth := breadthPct(in.ConstituentRAYs, in.TBill3M)

	event, eventMsg := e.foldMachine(z, breadth)
	overrideEntered := e.foldOverride(in)

	state := e.st.State
	days := e.st.DaysInState
	if e.st.OverrideActive {
		state = domain.RegimeOffOverride
		days = e.st.OverrideDays
	}

	sample := domain.RegimeSample{
		Date:         in.Date,
		IndexCode:    e.code,
		SYIExcess:    excess,
		EMAShort:     emaShort,
		EMALong:      emaLong,
		Spread:       spread,
		Volatility30: vol,
		ZScore:       z,
		Slope7:       slope,
		BreadthPct:   breadth,
		State:        state,
		DaysInState:  days,
		MaxDepegBps:  in.MaxDepegBps,
		AggDepegBps:  in.AggDepegBps,
	}

	switch {
	case overrideEntered:
		sample.AlertLevel = domain.AlertOverridePeg
		sample.AlertMessage = fmt.Sprintf("Peg stress override: max %.0f bps, agg %.0f bps", in.MaxDepegBps, in.AggDepegBps)
	case e.st.OverrideActive:
		// The machine keeps folding underneath, but its alerts stay
		// masked while the override holds the exposed state.
	default:
		switch event {
		case eventEarlyWarning:
			sample.AlertLevel = domain.AlertEarlyWarning
			sample.AlertMessage = eventMsg
		case eventFlipConfirmed:
			sample.AlertLevel = domain.AlertFlipConfirmed
			sample.AlertMessage = eventMsg
		case eventInvalidation:
			sample.AlertLevel = domain.AlertInvalidation
			sample.AlertMessage = eventMsg
		}
	}

	if sample.AlertLevel != "" {
		e.log.Warn().
			Str("alert", string(sample.AlertLevel)).
			Str("state", string(sample.State)).
			Float64("z_score", z).
			Float64("breadth_pct", breadth).
			Msg(sample.AlertMessage)
	}
	return sample, nil
}

// foldMachine advances the z/breadth state machine by one day.
func (e *Engine) foldMachine(z, breadth float64) (machineEvent, string) {
	m := &e.st

	if m.State == domain.RegimeNeutral {
		if len(m.Excess) < e.cfg.EMALongDays {
			m.DaysInState++
			return eventNone, ""
		}
		// Bootstrap complete: adopt the side the spread already points to.
		m.State = domain.RegimeOn
		if z < 0 {
			m.State = domain.RegimeOff
		}
		m.DaysInState = 1
		e.log.Info().Str("state", string(m.State)).Msg("Regime bootstrap complete")
		return eventNone, ""
	}

	var target domain.RegimeState
	cond := false
	switch m.State {
	case domain.RegimeOn:
		if z <= -e.cfg.ZEnter && breadth >= e.cfg.BreadthOffMin {
			cond, target = true, domain.RegimeOff
		}
	case domain.RegimeOff:
		if z >= e.cfg.ZEnter && breadth <= e.cfg.BreadthOnMax {
			cond, target = true, domain.RegimeOn
		}
	}

	switch {
	case m.ProposalTarget != "":
		if cond && target == m.ProposalTarget {
			m.ProposalDays++
			if m.ProposalDays >= e.cfg.PersistDays {
				from := m.State
				m.State = m.ProposalTarget
				m.DaysInState = 1
				m.ProposalTarget = ""
				m.ProposalDays = 0
				m.Cooldown = e.cfg.CooldownDays
				return eventFlipConfirmed, fmt.Sprintf("Regime flipped %s to %s", from, m.State)
			}
			m.DaysInState++
			return eventEarlyWarning, fmt.Sprintf("Flip to %s proposed (day %d of %d)", m.ProposalTarget, m.ProposalDays, e.cfg.PersistDays)
		}
		cancelled := m.ProposalTarget
		m.ProposalTarget = ""
		m.ProposalDays = 0
		m.DaysInState++
		return eventInvalidation, fmt.Sprintf("Flip proposal to %s cancelled", cancelled)
	case cond && m.Cooldown == 0:
		m.ProposalDays = 1
		if m.ProposalDays >= e.cfg.PersistDays {
			from := m.State
			m.State = target
			m.DaysInState = 1
			m.ProposalDays = 0
			m.Cooldown = e.cfg.CooldownDays
			return eventFlipConfirmed, fmt.Sprintf("Regime flipped %s to %s", from, m.State)
		}
		m.ProposalTarget = target
		m.DaysInState++
		return eventEarlyWarning, fmt.Sprintf("Flip to %s proposed (day 1 of %d)", target, e.cfg.PersistDays)
	default:
		m.DaysInState++
		if m.Cooldown > 0 {
			m.Cooldown--
		}
		return eventNone, ""
	}
}

// foldOverride applies the peg stress layer. Returns true when the
// override was entered on this evaluation.
func (e *Engine) foldOverride(in DailyInputs) bool {
	breach := in.MaxDepegBps >= e.cfg.PegSingleBps || in.AggDepegBps >= e.cfg.PegAggBps
	clear := time.Duration(e.cfg.PegClearHours) * time.Hour

	switch {
	case breach:
		e.st.LastBreachAt = in.Date
		if !e.st.OverrideActive {
			e.st.OverrideActive = true
			e.st.OverrideDays = 1
			return true
		}
		e.st.OverrideDays++
	case e.st.OverrideActive:
		if in.Date.Sub(e.st.LastBreachAt) >= clear {
			e.st.OverrideActive = false
			e.st.OverrideDays = 0
			e.log.Info().Str("state", string(e.st.State)).Msg("Peg override cleared")
		} else {
			e.st.OverrideDays++
		}
	}
	return false
}

// emaValue is the EMA of the full series, falling back to the plain mean
// while the series is shorter than the period.
func emaValue(series []float64, period int) float64 {
	if len(series) == 0 {
		return 0
	}
	if len(series) < period {
		return stat.Mean(series, nil)
	}
	out := talib.Ema(series, period)
	return out[len(out)-1]
}

// deltaVolatility is the sample standard deviation of day-over-day
// changes across the trailing window.
func deltaVolatility(series []float64, days int) float64 {
	if len(series) < 3 {
		return 0
	}
	window := series
	if n := len(window); n > days+1 {
		window = window[n-days-1:]
	}
	deltas := make([]float64, len(window)-1)
	for i := 1; i < len(window); i++ {
		deltas[i-1] = window[i] - window[i-1]
	}
	return stat.StdDev(deltas, nil)
}

// annualizedSlope is the least-squares slope over the trailing window,
// scaled to trading days.
func annualizedSlope(series []float64, days int) float64 {
	window := series
	if n := len(window); n > days {
		window = window[n-days:]
	}
	if len(window) < 2 {
		return 0
	}
	xs := make([]float64, len(window))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, window, nil, false)
	return beta * tradingDaysPerYear
}

// breadthPct is the share of constituents yielding above the risk-free
// rate, in percent.
func breadthPct(rays []float64, tbill float64) float64 {
	if len(rays) == 0 {
		return 0
	}
	above := 0
	for _, r := range rays {
		if r > tbill {
			above++
		}
	}
	return 100 * float64(above) / float64(len(rays))
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
