package defillama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/database"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/sourcecache"
)

const poolsBody = `{"status":"success","data":[
	{"chain":"Ethereum","project":"aave-v3","symbol":"USDT","tvlUsd":1200000000,"apy":4.1,"apyBase":3.9,"apyReward":0.2,"pool":"p1","stablecoin":true},
	{"chain":"Arbitrum","project":"aave-v3","symbol":"USDT","tvlUsd":300000000,"apy":4.8,"apyBase":4.8,"pool":"p1-arb","stablecoin":true},
	{"chain":"Ethereum","project":"compound-v3","symbol":"USDC","tvlUsd":350000000,"apy":4.5,"apyBase":4.5,"pool":"p2","stablecoin":true},
	{"chain":"Ethereum","project":"aave-v3","symbol":"WETH","tvlUsd":900000000,"apy":2.1,"pool":"p3","stablecoin":false},
	{"chain":"Ethereum","project":"obscure-farm","symbol":"USDT","tvlUsd":90000000,"apy":38.0,"pool":"p4","stablecoin":true},
	{"chain":"Ethereum","project":"aave-v3","symbol":"DAI","tvlUsd":5000000,"apy":5.0,"pool":"p5","stablecoin":true}
]}`

const lendBorrowBody = `[
	{"pool":"p1","apyBaseBorrow":5.2},
	{"pool":"p2","apyBaseBorrow":6.0}
]`

func newTestClient(baseURL string, cache *sourcecache.Repository, degraded bool) *Client {
	cfg := config.DefaultSettings().Sources.DefiLlama
	cfg.BaseURL = baseURL
	return NewClient(cfg, []string{"USDT", "USDC", "DAI"}, cache, degraded, zerolog.Nop())
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

func TestIdentity(t *testing.T) {
	c := newTestClient("http://unused", nil, false)
	id := c.Identity()
	assert.Equal(t, "defillama", id.ID)
	assert.Equal(t, domain.SourceKindDeFi, id.Kind)
}

func TestFetchYields_FiltersAndNormalizes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pools":
			w.Write([]byte(poolsBody))
		case "/lendBorrow":
			w.Write([]byte(lendBorrowBody))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	samples, err := newTestClient(server.URL, nil, false).FetchYields(context.Background())
	require.NoError(t, err)

	// WETH is not a stablecoin, obscure-farm is not a configured project,
	// and the DAI pool is below the 10M floor. USDT keeps the deeper of
	// its two aave-v3 pools.
	require.Len(t, samples, 2)

	usdc, usdt := samples[0], samples[1]
	assert.Equal(t, "USDC", usdc.Symbol)
	assert.Equal(t, "compound-v3", usdc.SourceID)
	assert.Equal(t, domain.SourceKindDeFi, usdc.SourceKind)
	assert.InDelta(t, 0.045, usdc.APYTotal, 1e-12)
	require.NotNil(t, usdc.BorrowAPY)
	assert.InDelta(t, 0.060, *usdc.BorrowAPY, 1e-12)

	assert.Equal(t, "USDT", usdt.Symbol)
	assert.Equal(t, "aave-v3", usdt.SourceID)
	assert.Equal(t, "Ethereum", usdt.Chain)
	assert.Equal(t, "p1", usdt.PoolID)
	assert.InDelta(t, 0.041, usdt.APYTotal, 1e-12)
	require.NotNil(t, usdt.APYBase)
	assert.InDelta(t, 0.039, *usdt.APYBase, 1e-12)
	require.NotNil(t, usdt.APYReward)
	assert.InDelta(t, 0.002, *usdt.APYReward, 1e-12)
	require.NotNil(t, usdt.TVLUSD)
	assert.Equal(t, 1.2e9, *usdt.TVLUSD)
	require.NotNil(t, usdt.BorrowAPY)
	assert.InDelta(t, 0.052, *usdt.BorrowAPY, 1e-12)
	assert.False(t, usdt.Synthetic)
	assert.False(t, usdt.ObservedAt.IsZero())
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
	assert.Equal(t, "defillama", srcErr.SourceID)
	assert.True(t, srcErr.Category.Retryable())
}

func TestFetchYields_StaleFallback(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.URL.Path {
		case "/pools":
			w.Write([]byte(poolsBody))
		case "/lendBorrow":
			w.Write([]byte(lendBorrowBody))
		}
	}))
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
	assert.Equal(t, fresh[0].Symbol, stale[0].Symbol)
	// Honest timestamps: stale samples keep their original observation time.
	assert.Equal(t, fresh[1].ObservedAt.UnixMilli(), stale[1].ObservedAt.UnixMilli())
	assert.False(t, stale[1].Synthetic)

	// Degraded mode re-stamps and flags so the basket can keep publishing.
	degraded := newTestClient(server.URL, cache, true)
	synth, err := degraded.FetchYields(context.Background())
	require.NoError(t, err)
	require.Len(t, synth, 2)
	assert.True(t, synth[0].Synthetic)
	assert.True(t, synth[0].ObservedAt.After(fresh[0].ObservedAt))
}

func TestFetchYields_NoCacheSurfacesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, nil, false).FetchYields(context.Background())
	var srcErr *domain.SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, domain.SourceErrTransient, srcErr.Category)
}
