package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableyield/indexd/internal/domain"
)

func TestRecordSourceFailure_CountsPerCategory(t *testing.T) {
	m := New()

	m.RecordSourceFailure("bitfinex_usdt", domain.SourceErrTransient)
	m.RecordSourceFailure("bitfinex_usdt", domain.SourceErrTransient)
	m.RecordSourceFailure("bitfinex_usdt", domain.SourceErrRateLimited)
	m.RecordSourceFailure("defillama_aave", domain.SourceErrUnavailable)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SourceFailures.WithLabelValues("bitfinex_usdt", "TRANSIENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceFailures.WithLabelValues("bitfinex_usdt", "RATE_LIMITED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceFailures.WithLabelValues("defillama_aave", "UNAVAILABLE")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SourceFailures.WithLabelValues("bitfinex_usdt", "AUTH")))
}

func TestAddStoreConflicts_IgnoresNonPositive(t *testing.T) {
	m := New()

	m.AddStoreConflicts("yield_samples", 3)
	m.AddStoreConflicts("yield_samples", 0)
	m.AddStoreConflicts("yield_samples", -2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.StoreConflicts.WithLabelValues("yield_samples")))
}

func TestCycleTimer_RecordsDurationAndResult(t *testing.T) {
	m := New()

	timer := m.StartCycle("SYI")
	elapsed := timer.Stop(ResultSuccess)

	assert.Greater(t, elapsed.Seconds(), 0.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("SYI", ResultSuccess)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CycleDuration, "indexd_cycle_duration_seconds"))

	m.StartCycle("SYC").Stop(ResultTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("SYC", ResultTimeout)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.CycleDuration, "indexd_cycle_duration_seconds"))
}

func TestSetPublished(t *testing.T) {
	m := New()

	m.SetPublished("SYI", 0.0447448, 0.92, 5)

	assert.InDelta(t, 0.0447448, testutil.ToFloat64(m.IndexValue.WithLabelValues("SYI")), 1e-12)
	assert.InDelta(t, 0.92, testutil.ToFloat64(m.IndexConfidence.WithLabelValues("SYI")), 1e-12)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ConstituentCount.WithLabelValues("SYI")))
}

func TestSetRegimeState_Mapping(t *testing.T) {
	tests := []struct {
		state domain.RegimeState
		want  float64
	}{
		{domain.RegimeOn, 1},
		{domain.RegimeNeutral, 0},
		{domain.RegimeOff, -1},
		{domain.RegimeOffOverride, -2},
		{domain.RegimeState("BOGUS"), 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			m := New()
			m.SetRegimeState("SYI", tt.state)
			assert.Equal(t, tt.want, testutil.ToFloat64(m.RegimeState.WithLabelValues("SYI")))
		})
	}
}

func TestSetBreakerState_Mapping(t *testing.T) {
	m := New()

	m.SetBreakerState("fred_dgs3mo", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("fred_dgs3mo")))

	m.SetBreakerState("fred_dgs3mo", "half-open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("fred_dgs3mo")))

	m.SetBreakerState("fred_dgs3mo", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("fred_dgs3mo")))
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := New()
	m.RecordSanitizeAction(domain.SanitizeWinsorize)
	m.SetStaleSources(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, `indexd_sanitize_actions_total{action="WINSORIZE"} 1`)
	assert.Contains(t, body, "indexd_stale_sources 2")
	assert.Contains(t, body, "go_goroutines")
}
