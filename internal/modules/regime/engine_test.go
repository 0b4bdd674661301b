package regime

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
)

var regimeStart = time.Date(2026, 7, 1, 0, 5, 0, 0, time.UTC)

const testTBill = 0.053

// Basket fixtures for the breadth gate.
var (
	raysAllAbove  = []float64{0.060, 0.060, 0.060, 0.060, 0.060} // breadth 100
	raysOneAbove  = []float64{0.060, 0.040, 0.040, 0.040, 0.040} // breadth 20
	raysNoneAbove = []float64{0.040, 0.040, 0.040, 0.040, 0.040} // breadth 0
)

func newTestEngine() *Engine {
	return NewEngine(config.DefaultSettings().Regime, domain.IndexSYI, zerolog.Nop())
}

func feed(t *testing.T, e *Engine, day int, excess float64, rays []float64) domain.RegimeSample {
	t.Helper()
	s, err := e.Evaluate(DailyInputs{
		Date:            regimeStart.AddDate(0, 0, day-1),
		SYI:             testTBill + excess,
		TBill3M:         testTBill,
		ConstituentRAYs: rays,
	})
	require.NoError(t, err)
	return s
}

// rampToOn seeds thirty flat days so bootstrap completes in ON.
func rampToOn(t *testing.T, e *Engine) {
	t.Helper()
	for day := 1; day <= 30; day++ {
		feed(t, e, day, 0.01, raysAllAbove)
	}
}

func TestEngine_InsufficientHistoryStaysNeutral(t *testing.T) {
	e := newTestEngine()

	s, err := e.Evaluate(DailyInputs{
		Date:            time.Date(2025, 8, 28, 0, 5, 0, 0, time.UTC),
		SYI:             0.0445,
		TBill3M:         0.0530,
		ConstituentRAYs: []float64{0.042, 0.045, 0.075, 0.055, 0.068},
		MaxDepegBps:     80,
		AggDepegBps:     120,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RegimeNeutral, s.State)
	assert.Equal(t, 1, s.DaysInState)
	assert.Empty(t, s.AlertLevel)
	assert.InDelta(t, -0.0085, s.SYIExcess, 1e-12)
	// 0.075, 0.055 and 0.068 clear the 0.053 risk-free rate.
	assert.InDelta(t, 60.0, s.BreadthPct, 1e-9)
	// One observation: both EMAs collapse to it.
	assert.Zero(t, s.Spread)
	assert.Zero(t, s.ZScore)
	assert.Equal(t, 80.0, s.MaxDepegBps)
	assert.Equal(t, 120.0, s.AggDepegBps)
	assert.Equal(t, domain.IndexSYI, s.IndexCode)
}

func TestEngine_BootstrapAdoptsSpreadSide(t *testing.T) {
	e := newTestEngine()
	for day := 1; day <= 29; day++ {
		s := feed(t, e, day, 0.01, raysAllAbove)
		assert.Equal(t, domain.RegimeNeutral, s.State)
		assert.Empty(t, s.AlertLevel)
	}
	// Flat history, zero spread: non-negative z lands in ON.
	s := feed(t, e, 30, 0.01, raysAllAbove)
	assert.Equal(t, domain.RegimeOn, s.State)
	assert.Equal(t, 1, s.DaysInState)
	assert.Empty(t, s.AlertLevel)

	// A drop on the day the warmup completes lands in OFF instead.
	e = newTestEngine()
	for day := 1; day <= 29; day++ {
		feed(t, e, day, 0.01, raysAllAbove)
	}
	s = feed(t, e, 30, 0.002, raysAllAbove)
	assert.Equal(t, domain.RegimeOff, s.State)
	assert.Equal(t, 1, s.DaysInState)
	assert.Empty(t, s.AlertLevel)
}

func TestEngine_FlipRequiresPersistence(t *testing.T) {
	e := newTestEngine()
	rampToOn(t, e)

	// Decline begins; EMA7 reacts first but z is still above -0.5.
	// spread = 0.0095 - 0.0098710 = -0.000371, vol floored at epsilon.
	s := feed(t, e, 31, 0.008, raysAllAbove)
	assert.Equal(t, domain.RegimeOn, s.State)
	assert.Empty(t, s.AlertLevel)
	assert.InDelta(t, -0.371, s.ZScore, 0.01)

	// spread = 0.0086250 - 0.0096212 = -0.000996, z crosses the gate.
	s = feed(t, e, 32, 0.006, raysAllAbove)
	assert.Equal(t, domain.RegimeOn, s.State)
	assert.Equal(t, domain.AlertEarlyWarning, s.AlertLevel)
	assert.InDelta(t, -0.996, s.ZScore, 0.01)

	// Second consecutive day confirms the flip.
	s = feed(t, e, 33, 0.004, raysAllAbove)
	assert.Equal(t, domain.RegimeOff, s.State)
	assert.Equal(t, 1, s.DaysInState)
	assert.Equal(t, domain.AlertFlipConfirmed, s.AlertLevel)
	assert.Equal(t, "Regime flipped ON to OFF", s.AlertMessage)
}

func TestEngine_ProposalInvalidation(t *testing.T) {
	e := newTestEngine()
	rampToOn(t, e)
	feed(t, e, 31, 0.008, raysAllAbove)

	s := feed(t, e, 32, 0.006, raysAllAbove)
	require.Equal(t, domain.AlertEarlyWarning, s.AlertLevel)

	// Breadth collapses below the gate: the proposal dies, state holds.
	s = feed(t, e, 33, 0.004, raysNoneAbove)
	assert.Equal(t, domain.RegimeOn, s.State)
	assert.Equal(t, domain.AlertInvalidation, s.AlertLevel)
	assert.Equal(t, "Flip proposal to OFF cancelled", s.AlertMessage)

	// Conditions return: persistence restarts from day one.
	s = feed(t, e, 34, 0.002, raysAllAbove)
	assert.Equal(t, domain.RegimeOn, s.State)
	assert.Equal(t, domain.AlertEarlyWarning, s.AlertLevel)
	assert.Equal(t, "Flip to OFF proposed (day 1 of 2)", s.AlertMessage)
}

func TestEngine_CooldownBlocksFlips(t *testing.T) {
	e := newTestEngine()
	rampToOn(t, e)
	feed(t, e, 31, 0.008, raysAllAbove)
	feed(t, e, 32, 0.006, raysAllAbove)
	s := feed(t, e, 33, 0.004, raysAllAbove)
	require.Equal(t, domain.AlertFlipConfirmed, s.AlertLevel)
	require.Equal(t, domain.RegimeOff, s.State)

	// Excess rebounds hard; z and breadth favor ON every day, but the
	// seven-day cooldown swallows the proposals.
	for day := 34; day <= 40; day++ {
		s = feed(t, e, day, 0.05, raysOneAbove)
		assert.Equal(t, domain.RegimeOff, s.State)
		assert.Empty(t, s.AlertLevel)
		assert.GreaterOrEqual(t, s.ZScore, 0.5)
	}

	s = feed(t, e, 41, 0.05, raysOneAbove)
	assert.Equal(t, domain.AlertEarlyWarning, s.AlertLevel)
	assert.Equal(t, domain.RegimeOff, s.State)

	s = feed(t, e, 42, 0.05, raysOneAbove)
	assert.Equal(t, domain.AlertFlipConfirmed, s.AlertLevel)
	assert.Equal(t, domain.RegimeOn, s.State)
	assert.Equal(t, 1, s.DaysInState)
}

func TestEngine_PegOverrideLifecycle(t *testing.T) {
	e := newTestEngine()
	feed(t, e, 1, 0.005, raysAllAbove)

	// Single-name depeg at 150 bps forces the override immediately.
	s, err := e.Evaluate(DailyInputs{
		Date:            regimeStart.AddDate(0, 0, 1),
		SYI:             testTBill,
		TBill3M:         testTBill,
		ConstituentRAYs: raysAllAbove,
		MaxDepegBps:     150,
		AggDepegBps:     120,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RegimeOffOverride, s.State)
	assert.Equal(t, 1, s.DaysInState)
	assert.Equal(t, domain.AlertOverridePeg, s.AlertLevel)
	assert.Contains(t, s.AlertMessage, "Peg stress override")

	// Twelve hours later the peg has recovered, but the clear window
	// has not elapsed.
	s, err = e.Evaluate(DailyInputs{
		Date:            regimeStart.AddDate(0, 0, 1).Add(12 * time.Hour),
		SYI:             testTBill,
		TBill3M:         testTBill,
		ConstituentRAYs: raysAllAbove,
		MaxDepegBps:     20,
		AggDepegBps:     30,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RegimeOffOverride, s.State)
	assert.Equal(t, 2, s.DaysInState)
	assert.Empty(t, s.AlertLevel)

	// A full clear window after the last breach releases the override.
	s, err = e.Evaluate(DailyInputs{
		Date:            regimeStart.AddDate(0, 0, 2),
		SYI:             testTBill,
		TBill3M:         testTBill,
		ConstituentRAYs: raysAllAbove,
		MaxDepegBps:     20,
		AggDepegBps:     30,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RegimeNeutral, s.State)
	assert.Empty(t, s.AlertLevel)
}

func TestEngine_AggregateDepegTriggersOverride(t *testing.T) {
	e := newTestEngine()
	s, err := e.Evaluate(DailyInputs{
		Date:            regimeStart,
		SYI:             testTBill,
		TBill3M:         testTBill,
		ConstituentRAYs: raysAllAbove,
		MaxDepegBps:     90,
		AggDepegBps:     160,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RegimeOffOverride, s.State)
	assert.Equal(t, domain.AlertOverridePeg, s.AlertLevel)
}

func TestEngine_RepeatedBreachExtendsOverride(t *testing.T) {
	e := newTestEngine()
	feed(t, e, 1, 0.005, raysAllAbove)

	breach := func(day int) domain.RegimeSample {
		s, err := e.Evaluate(DailyInputs{
			Date:            regimeStart.AddDate(0, 0, day-1),
			SYI:             testTBill,
			TBill3M:         testTBill,
			ConstituentRAYs: raysAllAbove,
			MaxDepegBps:     150,
		})
		require.NoError(t, err)
		return s
	}
	clean := func(at time.Time) domain.RegimeSample {
		s, err := e.Evaluate(DailyInputs{
			Date:            at,
			SYI:             testTBill,
			TBill3M:         testTBill,
			ConstituentRAYs: raysAllAbove,
			MaxDepegBps:     10,
		})
		require.NoError(t, err)
		return s
	}

	s := breach(2)
	require.Equal(t, domain.AlertOverridePeg, s.AlertLevel)

	// Second breach day refreshes the clear clock without re-alerting.
	s = breach(3)
	assert.Equal(t, domain.RegimeOffOverride, s.State)
	assert.Equal(t, 2, s.DaysInState)
	assert.Empty(t, s.AlertLevel)

	day3 := regimeStart.AddDate(0, 0, 2)
	s = clean(day3.Add(12 * time.Hour))
	assert.Equal(t, domain.RegimeOffOverride, s.State)
	assert.Equal(t, 3, s.DaysInState)

	s = clean(day3.Add(24 * time.Hour))
	assert.Equal(t, domain.RegimeNeutral, s.State)
	assert.Empty(t, s.AlertLevel)
}

func TestEngine_OverrideMasksMachineAlerts(t *testing.T) {
	e := newTestEngine()
	rampToOn(t, e)

	stressed := func(day int, excess float64, depeg float64) domain.RegimeSample {
		s, err := e.Evaluate(DailyInputs{
			Date:            regimeStart.AddDate(0, 0, day-1),
			SYI:             testTBill + excess,
			TBill3M:         testTBill,
			ConstituentRAYs: raysAllAbove,
			MaxDepegBps:     depeg,
		})
		require.NoError(t, err)
		return s
	}

	s := stressed(31, 0.008, 150)
	require.Equal(t, domain.AlertOverridePeg, s.AlertLevel)

	// The machine would emit EARLY_WARNING then FLIP_CONFIRMED on these
	// days; the override masks both.
	s = stressed(32, 0.006, 150)
	assert.Equal(t, domain.RegimeOffOverride, s.State)
	assert.Empty(t, s.AlertLevel)

	s = stressed(33, 0.004, 150)
	assert.Equal(t, domain.RegimeOffOverride, s.State)
	assert.Empty(t, s.AlertLevel)

	// Release exposes the state the machine reached underneath: the flip
	// to OFF happened on day 33.
	s = stressed(34, 0.004, 10)
	assert.Equal(t, domain.RegimeOff, s.State)
	assert.Equal(t, 2, s.DaysInState)
	assert.Empty(t, s.AlertLevel)
}

func TestEngine_StaleDateRejected(t *testing.T) {
	e := newTestEngine()
	feed(t, e, 2, 0.005, raysAllAbove)

	_, err := e.Evaluate(DailyInputs{Date: regimeStart.AddDate(0, 0, 1), SYI: testTBill, TBill3M: testTBill})
	require.ErrorIs(t, err, ErrStaleDate)

	_, err = e.Evaluate(DailyInputs{Date: regimeStart, SYI: testTBill, TBill3M: testTBill})
	require.ErrorIs(t, err, ErrStaleDate)
}

func TestEngine_MetricFields(t *testing.T) {
	e := newTestEngine()

	s := feed(t, e, 1, 0.001, nil)
	assert.Zero(t, s.BreadthPct)

	for day := 2; day <= 10; day++ {
		s = feed(t, e, day, float64(day)*0.001, raysAllAbove)
	}

	// Last seven points rise 0.001/day: slope annualizes to 0.252.
	assert.InDelta(t, 0.252, s.Slope7, 1e-9)
	// EMA7 seeded from the first seven-day mean: 0.004, 0.005, 0.006, 0.007.
	assert.InDelta(t, 0.007, s.EMAShort, 1e-9)
	// Under thirty observations the long leg falls back to the mean.
	assert.InDelta(t, 0.0055, s.EMALong, 1e-12)
	// Constant deltas carry no variance, so epsilon floors the z denominator.
	assert.InDelta(t, 1.5, s.ZScore, 1e-9)
	assert.InDelta(t, 0, s.Volatility30, 1e-12)
	// Strong z alone never ends bootstrap.
	assert.Equal(t, domain.RegimeNeutral, s.State)
}

func TestEngine_DeterministicResume(t *testing.T) {
	script := make([]DailyInputs, 0, 40)
	for day := 1; day <= 30; day++ {
		script = append(script, DailyInputs{
			Date:            regimeStart.AddDate(0, 0, day-1),
			SYI:             testTBill + 0.01,
			TBill3M:         testTBill,
			ConstituentRAYs: raysAllAbove,
		})
	}
	for i, excess := range []float64{0.008, 0.006, 0.004} {
		script = append(script, DailyInputs{
			Date:            regimeStart.AddDate(0, 0, 30+i),
			SYI:             testTBill + excess,
			TBill3M:         testTBill,
			ConstituentRAYs: raysAllAbove,
		})
	}
	script = append(script, DailyInputs{
		Date:            regimeStart.AddDate(0, 0, 33),
		SYI:             testTBill + 0.004,
		TBill3M:         testTBill,
		ConstituentRAYs: raysAllAbove,
		MaxDepegBps:     150,
	})
	for day := 35; day <= 40; day++ {
		script = append(script, DailyInputs{
			Date:            regimeStart.AddDate(0, 0, day-1),
			SYI:             testTBill + 0.05,
			TBill3M:         testTBill,
			ConstituentRAYs: raysOneAbove,
		})
	}

	run := func(e *Engine, inputs []DailyInputs) []domain.RegimeSample {
		out := make([]domain.RegimeSample, 0, len(inputs))
		for _, in := range inputs {
			s, err := e.Evaluate(in)
			require.NoError(t, err)
			out = append(out, s)
		}
		return out
	}

	first := run(newTestEngine(), script)
	second := run(newTestEngine(), script)
	assert.Equal(t, first, second)

	// Snapshot mid-sequence, restore into a fresh engine, and finish.
	head := newTestEngine()
	run(head, script[:20])
	snap := head.State()

	tail := newTestEngine()
	tail.Restore(snap)
	resumed := run(tail, script[20:])
	assert.Equal(t, first[20:], resumed)
}
