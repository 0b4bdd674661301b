package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/database"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/events"
	"github.com/stableyield/indexd/internal/metrics"
	"github.com/stableyield/indexd/internal/reliability"
	"github.com/stableyield/indexd/internal/scheduler"
	"github.com/stableyield/indexd/internal/store"
)

// fakePipeline stands in for the pipeline runner: it records forced cycles
// and reports static circuit breaker states.
type fakePipeline struct {
	mu    sync.Mutex
	codes []domain.IndexCode
	runs  []domain.IndexCode
}

func (f *fakePipeline) Codes() []domain.IndexCode { return f.codes }

func (f *fakePipeline) RunCycle(ctx context.Context, codes ...domain.IndexCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, codes...)
	return nil
}

func (f *fakePipeline) SourceStates() map[string]string {
	return map[string]string{"defillama": "closed", "fred": "closed"}
}

type serverFixture struct {
	srv    *Server
	store  *store.SQLite
	bus    *events.Bus
	stream *EventsStreamHandler
	runner *fakePipeline
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()
	dataDir := t.TempDir()

	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, "index.db"),
		Profile: database.ProfileSeries,
		Name:    "index",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	st := store.NewSQLite(db.Conn(), zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	runner := &fakePipeline{codes: []domain.IndexCode{domain.IndexSYI, domain.IndexSYC}}
	stream := NewEventsStreamHandler(bus, zerolog.Nop())

	sched := scheduler.New(zerolog.Nop())
	require.NoError(t, sched.Register("0 * * * * *",
		scheduler.NewJobFunc("index_cycle", func(context.Context) error { return nil })))

	srv := New(Config{
		Log:        zerolog.Nop(),
		Port:       0,
		AppConfig:  &config.Config{DataDir: dataDir, StoreBackend: "sqlite"},
		Settings:   config.DefaultSettings(),
		Store:      st,
		Databases:  []*database.DB{db},
		Metrics:    metrics.New(),
		Runner:     runner,
		Scheduler:  sched,
		Recomputer: scheduler.NewRecomputer(runner, st, zerolog.Nop()),
		Backups:    reliability.NewBackupService([]*database.DB{db}, nil, dataDir, 3, bus, zerolog.Nop()),
		Monitor:    NewStatusMonitor(bus),
		Stream:     stream,
	})

	return &serverFixture{srv: srv, store: st, bus: bus, stream: stream, runner: runner}
}

func (f *serverFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (f *serverFixture) post(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func seedValue(t *testing.T, f *serverFixture, code domain.IndexCode, at time.Time, value float64, flags []string, constituents []domain.Constituent) domain.IndexValue {
	t.Helper()
	v := domain.IndexValue{
		ObservedAt:       at,
		ID:               fmt.Sprintf("iv-%s-%d", code, at.UnixMilli()),
		CycleID:          fmt.Sprintf("cycle-%d", at.UnixMilli()),
		Code:             code,
		Value:            value,
		Mode:             domain.ModeNormal,
		Confidence:       0.9,
		ConstituentCount: len(constituents),
		HHI:              0.21,
		StalenessFlags:   flags,
		Constituents:     constituents,
	}
	require.NoError(t, f.store.AppendIndexValue(context.Background(), v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	f := newTestServer(t)

	rec := f.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "indexd", body["service"])
	assert.Equal(t, false, body["degraded"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newTestServer(t)

	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandleLatest(t *testing.T) {
	f := newTestServer(t)
	now := time.Now().UTC()

	seedValue(t, f, domain.IndexSYI, now.Add(-10*time.Second), 4.31, nil, []domain.Constituent{
		{Symbol: "USDT", SourceID: "aave_v3", Weight: 0.6, RAY: 4.5, TVLUSD: 120e6, Confidence: 0.95},
		{Symbol: "USDC", SourceID: "compound_v3", Weight: 0.4, RAY: 4.0, TVLUSD: 80e6, Confidence: 0.9},
	})
	seedValue(t, f, domain.IndexSYC, now.Add(-time.Hour), 5.02, nil, nil)

	t.Run("fresh value", func(t *testing.T) {
		rec := f.get(t, "/api/v1/indices/syi/latest")
		require.Equal(t, http.StatusOK, rec.Code)

		var body latestResponse
		decodeBody(t, rec, &body)
		assert.Equal(t, domain.IndexSYI, body.Code)
		assert.InDelta(t, 4.31, body.Value, 1e-9)
		assert.False(t, body.Stale)
		assert.InDelta(t, 10, body.AgeSeconds, 5)
		assert.Len(t, body.Constituents, 2)
	})

	t.Run("stale value past hard threshold", func(t *testing.T) {
		rec := f.get(t, "/api/v1/indices/SYC/latest")
		require.Equal(t, http.StatusOK, rec.Code)

		var body latestResponse
		decodeBody(t, rec, &body)
		assert.True(t, body.Stale)
	})

	t.Run("never published", func(t *testing.T) {
		rec := f.get(t, "/api/v1/indices/SYRPI/latest")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown code", func(t *testing.T) {
		rec := f.get(t, "/api/v1/indices/SPX/latest")
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "unknown index code")
	})
}

func TestHandleHistory(t *testing.T) {
	f := newTestServer(t)
	base := time.Now().UTC().Add(-30 * time.Minute)

	for i := 0; i < 10; i++ {
		seedValue(t, f, domain.IndexSYI, base.Add(time.Duration(i)*time.Minute), 4.0+float64(i)*0.01, nil, nil)
	}

	t.Run("raw series", func(t *testing.T) {
		rec := f.get(t, "/api/v1/indices/SYI/history")
		require.Equal(t, http.StatusOK, rec.Code)

		var body historyResponse
		decodeBody(t, rec, &body)
		assert.Equal(t, 10, body.Count)
		assert.Zero(t, body.BucketMs)
		require.Len(t, body.Values, 10)
		assert.True(t, body.Values[0].ObservedAt.Before(body.Values[9].ObservedAt))
	})

	t.Run("downsampled when over max_points", func(t *testing.T) {
		rec := f.get(t, "/api/v1/indices/SYI/history?max_points=4")
		require.Equal(t, http.StatusOK, rec.Code)

		var body historyResponse
		decodeBody(t, rec, &body)
		assert.Positive(t, body.BucketMs)
		assert.Less(t, body.Count, 10)
	})

	t.Run("empty range is a list, not null", func(t *testing.T) {
		rec := f.get(t, "/api/v1/indices/SYDEFI/history")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"values":[]`)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		rec := f.get(t, "/api/v1/indices/SYI/history?from=yesterday")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("inverted range", func(t *testing.T) {
		rec := f.get(t, "/api/v1/indices/SYI/history?from=2026-02-01&to=2026-01-01")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleConstituents(t *testing.T) {
	f := newTestServer(t)
	now := time.Now().UTC()

	seedValue(t, f, domain.IndexSYI, now.Add(-time.Minute), 4.2, []string{"STALE:curve_llama"}, []domain.Constituent{
		{Symbol: "USDT", SourceID: "aave_v3", Weight: 0.7, RAY: 4.4, TVLUSD: 150e6, Confidence: 0.95},
		{Symbol: "DAI", SourceID: "curve_llama", Weight: 0.3, RAY: 3.8, TVLUSD: 40e6, Confidence: 0.6},
	})

	rec := f.get(t, "/api/v1/indices/SYI/constituents")
	require.Equal(t, http.StatusOK, rec.Code)

	var body constituentsResponse
	decodeBody(t, rec, &body)
	require.Len(t, body.Constituents, 2)

	bySource := make(map[string]constituentEntry)
	for _, c := range body.Constituents {
		bySource[c.SourceID] = c
	}
	assert.False(t, bySource["aave_v3"].Stale)
	assert.True(t, bySource["curve_llama"].Stale)
}

func TestHandleStatistics(t *testing.T) {
	f := newTestServer(t)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		seedValue(t, f, domain.IndexSYI, now.Add(time.Duration(i-5)*time.Hour), 4.0+float64(i)*0.1, nil, nil)
	}

	t.Run("with data", func(t *testing.T) {
		rec := f.get(t, "/api/v1/indices/SYI/statistics?days=7")
		require.Equal(t, http.StatusOK, rec.Code)

		var body store.Statistics
		decodeBody(t, rec, &body)
		assert.Equal(t, domain.IndexSYI, body.Code)
		assert.Equal(t, 5, body.Count)
		assert.InDelta(t, 4.0, body.Min, 1e-9)
		assert.InDelta(t, 4.4, body.Max, 1e-9)
	})

	t.Run("empty window", func(t *testing.T) {
		rec := f.get(t, "/api/v1/indices/SYRPI/statistics")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSeriesEndpoints(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.AppendPegMetrics(ctx, domain.PegMetrics{
			WindowEnd: now.Add(time.Duration(i-3) * time.Minute),
			Symbol:    "USDT",
			VWPrice:   1.0001,
			PegDevBps: 1.0,
			PegScore:  0.99,
		}))
	}
	require.NoError(t, f.store.AppendLiquidityMetrics(ctx, domain.LiquidityMetrics{
		WindowEnd:     now.Add(-time.Minute),
		Symbol:        "USDT",
		Depth10BpsUSD: 5e6,
		AvgSpreadBps:  1.2,
		VenuesCovered: 3,
		LiqScore:      0.92,
	}))
	_, _, err := f.store.AppendRAYRecords(ctx, []domain.RAYRecord{{
		ObservedAt: now.Add(-time.Minute),
		Symbol:     "USDT",
		SourceID:   "aave_v3",
		BaseAPY:    4.8,
		RAY:        4.3,
		Confidence: 0.9,
	}})
	require.NoError(t, err)

	t.Run("peg series uppercases the symbol", func(t *testing.T) {
		rec := f.get(t, "/api/v1/symbols/usdt/peg")
		require.Equal(t, http.StatusOK, rec.Code)

		var body pegSeriesResponse
		decodeBody(t, rec, &body)
		assert.Equal(t, "USDT", body.Symbol)
		assert.Equal(t, 3, body.Count)
	})

	t.Run("liquidity series", func(t *testing.T) {
		rec := f.get(t, "/api/v1/symbols/USDT/liquidity")
		require.Equal(t, http.StatusOK, rec.Code)

		var body liquiditySeriesResponse
		decodeBody(t, rec, &body)
		assert.Equal(t, 1, body.Count)
	})

	t.Run("ray series requires source_id", func(t *testing.T) {
		rec := f.get(t, "/api/v1/symbols/USDT/ray")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "source_id is required")
	})

	t.Run("ray series for one source", func(t *testing.T) {
		rec := f.get(t, "/api/v1/symbols/USDT/ray?source_id=aave_v3")
		require.Equal(t, http.StatusOK, rec.Code)

		var body raySeriesResponse
		decodeBody(t, rec, &body)
		assert.Equal(t, "aave_v3", body.SourceID)
		assert.Equal(t, 1, body.Count)
	})
}

func TestRegimeEndpoints(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()

	t.Run("no sample yet", func(t *testing.T) {
		rec := f.get(t, "/api/v1/regime/current")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	require.NoError(t, f.store.AppendRegimeSample(ctx, domain.RegimeSample{
		Date:        time.Now().UTC(),
		IndexCode:   domain.IndexSYI,
		SYIExcess:   0.42,
		State:       domain.RegimeOn,
		DaysInState: 12,
	}))

	t.Run("current after seeding", func(t *testing.T) {
		rec := f.get(t, "/api/v1/regime/current")
		require.Equal(t, http.StatusOK, rec.Code)

		var body domain.RegimeSample
		decodeBody(t, rec, &body)
		assert.Equal(t, domain.RegimeOn, body.State)
		assert.Equal(t, 12, body.DaysInState)
	})

	t.Run("history", func(t *testing.T) {
		rec := f.get(t, "/api/v1/regime/history")
		require.Equal(t, http.StatusOK, rec.Code)

		var body regimeHistoryResponse
		decodeBody(t, rec, &body)
		assert.Equal(t, 1, body.Count)
	})
}

func TestSchedulerEndpoints(t *testing.T) {
	f := newTestServer(t)
	now := time.Now().UTC()
	seedValue(t, f, domain.IndexSYI, now.Add(-time.Minute), 4.25, nil, nil)

	t.Run("status lists registered jobs", func(t *testing.T) {
		rec := f.get(t, "/api/v1/scheduler/status")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Jobs []scheduler.JobStatus `json:"jobs"`
		}
		decodeBody(t, rec, &body)
		require.Len(t, body.Jobs, 1)
		assert.Equal(t, "index_cycle", body.Jobs[0].Name)
		assert.Equal(t, "0 * * * * *", body.Jobs[0].Schedule)
	})

	t.Run("recompute runs the pipeline and returns the value", func(t *testing.T) {
		rec := f.post(t, "/api/v1/scheduler/recompute/syi")
		require.Equal(t, http.StatusOK, rec.Code)

		var body domain.IndexValue
		decodeBody(t, rec, &body)
		assert.Equal(t, domain.IndexSYI, body.Code)
		assert.Equal(t, []domain.IndexCode{domain.IndexSYI}, f.runner.runs)
	})

	t.Run("recompute rejects unknown codes", func(t *testing.T) {
		rec := f.post(t, "/api/v1/scheduler/recompute/SPX")
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "unknown index code")
	})
}

func TestSystemStatus(t *testing.T) {
	f := newTestServer(t)

	f.bus.Emit(events.CycleCompleted, "pipeline", &events.CycleCompletedData{
		CycleID: "cycle-1", Code: "SYI", Value: 4.31, Mode: "NORMAL",
		Confidence: 0.9, Constituents: 7, DurationMs: 1200,
	})

	rec := f.get(t, "/api/v1/system/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "indexd", body["service"])
	assert.Equal(t, "sqlite", body["store_backend"])
	assert.Contains(t, body, "resources")
	assert.Contains(t, body, "uptime_seconds")

	sources, ok := body["sources"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "closed", sources["defillama"])

	activity, ok := body["activity"].(map[string]interface{})
	require.True(t, ok)
	cycles, ok := activity["cycles"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, cycles, "SYI")
}

func TestDatabaseStats(t *testing.T) {
	f := newTestServer(t)

	rec := f.get(t, "/api/v1/system/database/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Databases []databaseStats `json:"databases"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Databases, 1)
	assert.Equal(t, "index", body.Databases[0].Name)
	assert.Positive(t, body.Databases[0].PageCount)
	assert.Empty(t, body.Databases[0].Error)
}

func TestManualBackup(t *testing.T) {
	f := newTestServer(t)

	rec := f.post(t, "/api/v1/system/backup")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "completed", body["status"])
	assert.True(t, strings.HasPrefix(body["archive"], "indexd-backup-"))
}

func TestManualBackupNotConfigured(t *testing.T) {
	f := newTestServer(t)
	cfg := f.srv.cfg
	cfg.Backups = nil
	srv := New(cfg)

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/system/backup", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventsStream(t *testing.T) {
	f := newTestServer(t)

	t.Run("delivers bus events", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events/stream", nil).WithContext(ctx)
		rec := httptest.NewRecorder()

		done := make(chan struct{})
		go func() {
			defer close(done)
			f.stream.ServeHTTP(rec, req)
		}()

		require.Eventually(t, func() bool {
			f.stream.mu.Lock()
			defer f.stream.mu.Unlock()
			return len(f.stream.clients) == 1
		}, time.Second, 5*time.Millisecond)

		f.bus.Emit(events.CycleCompleted, "pipeline", &events.CycleCompletedData{CycleID: "cycle-9", Code: "SYI"})
		time.Sleep(100 * time.Millisecond)
		cancel()
		<-done

		body := rec.Body.String()
		assert.Contains(t, body, `"type":"connected"`)
		assert.Contains(t, body, `"type":"CYCLE_COMPLETED"`)
		assert.Contains(t, body, "cycle-9")
	})

	t.Run("types filter drops other events", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events/stream?types=REGIME_ALERT", nil).WithContext(ctx)
		rec := httptest.NewRecorder()

		done := make(chan struct{})
		go func() {
			defer close(done)
			f.stream.ServeHTTP(rec, req)
		}()

		require.Eventually(t, func() bool {
			f.stream.mu.Lock()
			defer f.stream.mu.Unlock()
			return len(f.stream.clients) == 1
		}, time.Second, 5*time.Millisecond)

		f.bus.Emit(events.CycleCompleted, "pipeline", &events.CycleCompletedData{CycleID: "cycle-10", Code: "SYI"})
		f.bus.Emit(events.RegimeAlert, "regime", &events.RegimeAlertData{Date: "2026-08-25", State: "OFF", AlertLevel: "REGIME_CHANGE"})
		time.Sleep(100 * time.Millisecond)
		cancel()
		<-done

		body := rec.Body.String()
		assert.NotContains(t, body, "CYCLE_COMPLETED")
		assert.Contains(t, body, "REGIME_ALERT")
	})
}
