package bitfinex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/database"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/sourcecache"
)

// Funding stats rows: [MTS, -, -, FRR, AVG_PERIOD, -, -, AMOUNT, AMOUNT_USED, -, -, BELOW_THRESHOLD].
const fundingUSTBody = `[[1716000000000,null,null,0.00011,2,null,null,250000000,180000000,null,null,12000000]]`
const fundingUDCBody = `[[1716000000000,null,null,0.00009,2,null,null,90000000,60000000,null,null,4000000]]`

const tickersBody = `[
	["tUSTUSD",1.0002,50000,1.0004,42000,0.0001,0.0001,1.0003,1250000,1.001,0.999],
	["tUDCUSD",0.9998,30000,1.0001,28000,-0.0001,-0.0001,0.9999,800000,1.0005,0.9990]
]`

const bookBody = `[[1.0003,3,12000],[1.0002,2,8000],[1.0004,4,-9000],[1.0005,1,-15000]]`

func newTestClient(baseURL string, cache *sourcecache.Repository, degraded bool) *Client {
	cfg := config.DefaultSettings().Sources.Bitfinex
	cfg.BaseURL = baseURL
	cfg.Stream = false
	return NewClient(cfg, []string{"USDT", "USDC"}, cache, degraded, zerolog.Nop())
}

func newTestCache(t *testing.T) *sourcecache.Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return sourcecache.NewRepository(db.Conn())
}

func newVenueServer(t *testing.T, failing *atomic.Bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing != nil && failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/v2/funding/stats/fUST/"):
			w.Write([]byte(fundingUSTBody))
		case strings.HasPrefix(r.URL.Path, "/v2/funding/stats/fUDC/"):
			w.Write([]byte(fundingUDCBody))
		case r.URL.Path == "/v2/tickers":
			w.Write([]byte(tickersBody))
		case strings.HasPrefix(r.URL.Path, "/v2/book/tUSTUSD/"):
			w.Write([]byte(bookBody))
		case strings.HasPrefix(r.URL.Path, "/v2/book/"):
			w.Write([]byte(`[]`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
}

func TestIdentity(t *testing.T) {
	c := newTestClient("http://unused", nil, false)
	id := c.Identity()
	assert.Equal(t, "bitfinex", id.ID)
	assert.Equal(t, domain.SourceKindCeFi, id.Kind)
}

func TestFetchYields_AnnualizesFRR(t *testing.T) {
	server := newVenueServer(t, nil)
	defer server.Close()

	samples, err := newTestClient(server.URL, nil, false).FetchYields(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 2)

	usdc, usdt := samples[0], samples[1]
	assert.Equal(t, "USDC", usdc.Symbol)
	assert.Equal(t, "bitfinex", usdc.SourceID)
	assert.Equal(t, domain.SourceKindCeFi, usdc.SourceKind)
	assert.InDelta(t, 0.00009*365, usdc.APYTotal, 1e-12)

	assert.Equal(t, "USDT", usdt.Symbol)
	assert.InDelta(t, 0.00011*365, usdt.APYTotal, 1e-12)
	require.NotNil(t, usdt.CapacityUSD)
	assert.Equal(t, 2.5e8, *usdt.CapacityUSD)
	require.NotNil(t, usdt.TVLUSD)
	assert.Equal(t, 1.8e8, *usdt.TVLUSD)
	assert.False(t, usdt.ObservedAt.IsZero())
}

func TestFetchYields_PartialFailureKeepsSurvivors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v2/funding/stats/fUDC/") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(fundingUSTBody))
	}))
	defer server.Close()

	samples, err := newTestClient(server.URL, nil, false).FetchYields(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "USDT", samples[0].Symbol)
}

func TestFetchYields_RateLimitClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, nil, false).FetchYields(context.Background())
	require.Error(t, err)

	var srcErr *domain.SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, domain.SourceErrRateLimited, srcErr.Category)
	assert.Equal(t, "bitfinex", srcErr.SourceID)
}

func TestFetchYields_StaleFallback(t *testing.T) {
	var failing atomic.Bool
	server := newVenueServer(t, &failing)
	defer server.Close()

	cache := newTestCache(t)
	client := newTestClient(server.URL, cache, false)

	fresh, err := client.FetchYields(context.Background())
	require.NoError(t, err)
	require.Len(t, fresh, 2)

	failing.Store(true)

	stale, err := client.FetchYields(context.Background())
	require.NoError(t, err, "stale cache must absorb the outage")
	require.Len(t, stale, 2)
	assert.Equal(t, fresh[0].ObservedAt.UnixMilli(), stale[0].ObservedAt.UnixMilli())
	assert.False(t, stale[0].Synthetic)

	degraded := newTestClient(server.URL, cache, true)
	synth, err := degraded.FetchYields(context.Background())
	require.NoError(t, err)
	require.Len(t, synth, 2)
	assert.True(t, synth[0].Synthetic)
}

func TestFetchPrices(t *testing.T) {
	server := newVenueServer(t, nil)
	defer server.Close()

	ticks, err := newTestClient(server.URL, nil, false).FetchPrices(context.Background(), []string{"USDT", "USDC"})
	require.NoError(t, err)
	require.Len(t, ticks, 2)

	usdc, usdt := ticks[0], ticks[1]
	assert.Equal(t, "USDC", usdc.Symbol)
	assert.Equal(t, "bitfinex", usdc.Venue)
	assert.InDelta(t, 0.9999, usdc.PriceUSD, 1e-12)

	assert.Equal(t, "USDT", usdt.Symbol)
	assert.InDelta(t, 1.0003, usdt.PriceUSD, 1e-12)
	assert.InDelta(t, 1250000*1.0003, usdt.Volume24hUSD, 1e-6)
}

func TestFetchPrices_UnknownSymbolsSkipped(t *testing.T) {
	ticks, err := newTestClient("http://unused", nil, false).FetchPrices(context.Background(), []string{"FRAX"})
	require.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestFetchOrderBooks_SplitsSides(t *testing.T) {
	server := newVenueServer(t, nil)
	defer server.Close()

	books, err := newTestClient(server.URL, nil, false).FetchOrderBooks(context.Background(), []string{"USDT"})
	require.NoError(t, err)
	require.Len(t, books, 1)

	book := books[0]
	assert.Equal(t, "USDT", book.Symbol)
	assert.Equal(t, "bitfinex", book.Venue)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 2)

	// Bids descend, asks ascend, ask sizes flip sign.
	assert.Equal(t, 1.0003, book.Bids[0].Price)
	assert.Equal(t, 12000.0, book.Bids[0].Size)
	assert.Equal(t, 1.0004, book.Asks[0].Price)
	assert.Equal(t, 9000.0, book.Asks[0].Size)
	assert.True(t, book.TwoSided())

	spread, ok := book.SpreadBps()
	require.True(t, ok)
	assert.Greater(t, spread, 0.0)
}

func TestStream_HandleTickerFrames(t *testing.T) {
	s := newPriceStream("ws://unused", zerolog.Nop())
	channels := make(map[int64]string)

	s.handle([]byte(`{"event":"info","version":2}`), channels)
	s.handle([]byte(`{"event":"subscribed","chanId":17,"symbol":"tUSTUSD"}`), channels)
	require.Equal(t, "tUSTUSD", channels[17])

	// Heartbeats and unknown channels are ignored.
	s.handle([]byte(`[17,"hb"]`), channels)
	s.handle([]byte(`[99,[1,1,1,1,1,1,1,1,1,1]]`), channels)

	_, ok := s.Fresh([]string{"USDT"}, time.Minute)
	assert.False(t, ok, "no tick cached yet")

	s.handle([]byte(`[17,[1.0002,40000,1.0004,30000,0,0,1.0003,900000,1.001,0.999]]`), channels)

	ticks, ok := s.Fresh([]string{"USDT"}, time.Minute)
	require.True(t, ok)
	require.Len(t, ticks, 1)
	assert.Equal(t, "USDT", ticks[0].Symbol)
	assert.InDelta(t, 1.0003, ticks[0].PriceUSD, 1e-12)
	assert.InDelta(t, 900000*1.0003, ticks[0].Volume24hUSD, 1e-6)

	// A symbol without a cached tick fails the whole batch.
	_, ok = s.Fresh([]string{"USDT", "USDC"}, time.Minute)
	assert.False(t, ok)
}
