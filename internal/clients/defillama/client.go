// Package defillama ingests DeFi stablecoin pool yields from the DefiLlama
// yields API. Samples are stamped with the protocol slug as source_id so
// downstream risk profiles apply per protocol, not per aggregator.
package defillama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/sourcecache"
)

const adapterID = "defillama"

const cacheKeyPools = "defillama:pools"

// Client for the DefiLlama yields API.
type Client struct {
	cfg      config.DefiLlamaConfig
	symbols  map[string]bool
	projects map[string]bool
	cache    *sourcecache.Repository
	client   *http.Client
	log      zerolog.Logger
	degraded bool
}

// NewClient creates a DefiLlama adapter tracking the given symbols.
// cache is optional - if nil, stale fallback is disabled.
func NewClient(cfg config.DefiLlamaConfig, symbols []string, cache *sourcecache.Repository, degraded bool, log zerolog.Logger) *Client {
	symbolSet := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		symbolSet[domain.NormalizeSymbol(s)] = true
	}
	projectSet := make(map[string]bool, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projectSet[p] = true
	}
	return &Client{
		cfg:      cfg,
		symbols:  symbolSet,
		projects: projectSet,
		cache:    cache,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.With().Str("client", adapterID).Logger(),
		degraded: degraded,
	}
}

// Identity implements domain.SourceAdapter.
func (c *Client) Identity() domain.SourceIdentity {
	return domain.SourceIdentity{ID: adapterID, Kind: domain.SourceKindDeFi, Venue: adapterID}
}

type poolsResponse struct {
	Status string      `json:"status"`
	Data   []poolEntry `json:"data"`
}

type poolEntry struct {
	Chain      string   `json:"chain"`
	Project    string   `json:"project"`
	Symbol     string   `json:"symbol"`
	TVLUSD     float64  `json:"tvlUsd"`
	APY        *float64 `json:"apy"`
	APYBase    *float64 `json:"apyBase"`
	APYReward  *float64 `json:"apyReward"`
	Pool       string   `json:"pool"`
	Stablecoin bool     `json:"stablecoin"`
}

type borrowEntry struct {
	Pool          string   `json:"pool"`
	APYBaseBorrow *float64 `json:"apyBaseBorrow"`
}

// FetchYields returns one sample per tracked (symbol, protocol), keeping the
// deepest pool when a protocol lists the same symbol on several chains.
// If the API fails, returns stale cached samples if available.
func (c *Client) FetchYields(ctx context.Context) ([]domain.RawYieldSample, error) {
	samples, err := c.fetchPools(ctx)
	if err != nil {
		if stale, storedAt, ok := c.staleSamples(); ok {
			c.log.Warn().Err(err).Time("stored_at", storedAt).Msg("Pools fetch failed, serving stale cache")
			return stale, nil
		}
		return nil, err
	}

	if c.cfg.IncludeBorrow {
		c.attachBorrowRates(ctx, samples)
	}

	if c.cache != nil {
		if err := c.cache.Store(cacheKeyPools, samples, sourcecache.TTLYields); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache pool samples")
		}
	}

	c.log.Debug().Int("samples", len(samples)).Msg("Fetched pool yields")
	return samples, nil
}

func (c *Client) fetchPools(ctx context.Context) ([]domain.RawYieldSample, error) {
	url := c.cfg.BaseURL + "/pools"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewSourceError(adapterID, domain.SourceErrMalformed, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewSourceError(adapterID, domain.SourceErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewSourceError(adapterID, domain.ClassifyHTTPStatus(resp.StatusCode),
			fmt.Errorf("pools returned status %d", resp.StatusCode))
	}

	var result poolsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.NewSourceError(adapterID, domain.SourceErrMalformed,
			fmt.Errorf("failed to parse pools response: %w", err))
	}

	now := time.Now().UTC()
	// One canonical pool per (symbol, project): highest TVL wins.
	best := make(map[string]poolEntry)
	for _, p := range result.Data {
		symbol := domain.NormalizeSymbol(p.Symbol)
		if !p.Stablecoin || !c.symbols[symbol] {
			continue
		}
		if len(c.projects) > 0 && !c.projects[p.Project] {
			continue
		}
		if p.TVLUSD < c.cfg.MinPoolTVLUSD {
			continue
		}
		key := symbol + ":" + p.Project
		if cur, ok := best[key]; !ok || p.TVLUSD > cur.TVLUSD {
			best[key] = p
		}
	}

	samples := make([]domain.RawYieldSample, 0, len(best))
	for _, p := range best {
		tvl := p.TVLUSD
		s := domain.RawYieldSample{
			ObservedAt: now,
			IngestedAt: now,
			Symbol:     domain.NormalizeSymbol(p.Symbol),
			SourceID:   p.Project,
			SourceKind: domain.SourceKindDeFi,
			Chain:      p.Chain,
			PoolID:     p.Pool,
			TVLUSD:     &tvl,
		}
		if p.APY != nil {
			s.APYTotal = domain.PercentToDecimal(*p.APY)
		}
		if p.APYBase != nil {
			base := domain.PercentToDecimal(*p.APYBase)
			s.APYBase = &base
		}
		if p.APYReward != nil {
			reward := domain.PercentToDecimal(*p.APYReward)
			s.APYReward = &reward
		}
		samples = append(samples, s)
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Symbol != samples[j].Symbol {
			return samples[i].Symbol < samples[j].Symbol
		}
		return samples[i].SourceID < samples[j].SourceID
	})
	return samples, nil
}

// attachBorrowRates joins borrow-side APYs onto the fetched samples by pool
// id. Best effort: a failed lend/borrow call never loses supply samples.
func (c *Client) attachBorrowRates(ctx context.Context, samples []domain.RawYieldSample) {
	url := c.cfg.BaseURL + "/lendBorrow"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("Borrow rates fetch failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Msg("Borrow rates fetch failed")
		return
	}

	var entries []borrowEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse borrow rates")
		return
	}

	borrow := make(map[string]float64, len(entries))
	for _, e := range entries {
		if e.APYBaseBorrow != nil {
			borrow[e.Pool] = domain.PercentToDecimal(*e.APYBaseBorrow)
		}
	}
	for i := range samples {
		if rate, ok := borrow[samples[i].PoolID]; ok {
			r := rate
			samples[i].BorrowAPY = &r
		}
	}
}

// staleSamples reads the last cached payload regardless of age. In degraded
// mode samples are re-stamped and flagged synthetic so the index can keep
// publishing through an outage; otherwise they keep their honest timestamps
// and age out of eligibility naturally.
func (c *Client) staleSamples() ([]domain.RawYieldSample, time.Time, bool) {
	if c.cache == nil {
		return nil, time.Time{}, false
	}
	var cached []domain.RawYieldSample
	ok, storedAt, err := c.cache.GetStale(cacheKeyPools, &cached)
	if err != nil || !ok || len(cached) == 0 {
		return nil, time.Time{}, false
	}
	if c.degraded {
		now := time.Now().UTC()
		for i := range cached {
			cached[i].ObservedAt = now
			cached[i].Synthetic = true
		}
	}
	return cached, storedAt, true
}
