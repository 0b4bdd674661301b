// Package coingecko serves circulating market caps for the tracked
// stablecoins. Caps drive the flagship weighting scheme, so the adapter
// falls back to its last cached payload whenever the API is down.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/sourcecache"
)

const adapterID = "coingecko"

const cacheKeyCaps = "coingecko:caps"

var idForSymbol = map[string]string{
	"USDT": "tether",
	"USDC": "usd-coin",
	"DAI":  "dai",
}

var symbolForID = func() map[string]string {
	m := make(map[string]string, len(idForSymbol))
	for sym, id := range idForSymbol {
		m[id] = sym
	}
	return m
}()

// Client for the CoinGecko public API.
type Client struct {
	cfg    config.VenueConfig
	cache  *sourcecache.Repository
	client *http.Client
	log    zerolog.Logger
}

// NewClient creates a CoinGecko adapter.
// cache is optional - if nil, stale fallback is disabled.
func NewClient(cfg config.VenueConfig, cache *sourcecache.Repository, log zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		cache:  cache,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("client", adapterID).Logger(),
	}
}

type coinEntry struct {
	ID          string  `json:"id"`
	MarketCap   float64 `json:"market_cap"`
	TotalVolume float64 `json:"total_volume"`
}

// FetchMarketCaps implements domain.MarketCapSource.
func (c *Client) FetchMarketCaps(ctx context.Context, symbols []string) ([]domain.MarketCap, error) {
	ids := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if id, ok := idForSymbol[domain.NormalizeSymbol(s)]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	caps, err := c.fetchMarkets(ctx, ids)
	if err != nil {
		if stale, storedAt, ok := c.staleCaps(); ok {
			c.log.Warn().Err(err).Time("stored_at", storedAt).Msg("Markets fetch failed, serving stale cache")
			return stale, nil
		}
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Store(cacheKeyCaps, caps, sourcecache.TTLMarketCaps); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache market caps")
		}
	}
	return caps, nil
}

func (c *Client) fetchMarkets(ctx context.Context, ids []string) ([]domain.MarketCap, error) {
	query := url.Values{}
	query.Set("vs_currency", "usd")
	query.Set("ids", strings.Join(ids, ","))
	query.Set("per_page", "250")
	reqURL := c.cfg.BaseURL + "/coins/markets?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
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
			fmt.Errorf("markets returned status %d", resp.StatusCode))
	}

	var entries []coinEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, domain.NewSourceError(adapterID, domain.SourceErrMalformed,
			fmt.Errorf("failed to parse markets response: %w", err))
	}

	now := time.Now().UTC()
	caps := make([]domain.MarketCap, 0, len(entries))
	for _, e := range entries {
		symbol, ok := symbolForID[e.ID]
		if !ok || e.MarketCap <= 0 {
			continue
		}
		caps = append(caps, domain.MarketCap{
			ObservedAt:   now,
			Symbol:       symbol,
			CapUSD:       e.MarketCap,
			Volume24hUSD: e.TotalVolume,
		})
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Symbol < caps[j].Symbol })
	if len(caps) == 0 {
		return nil, domain.NewSourceError(adapterID, domain.SourceErrMalformed,
			fmt.Errorf("markets response matched no tracked coin"))
	}
	return caps, nil
}

// staleCaps keeps honest timestamps: caps age out through the weighting
// scheme's own fallbacks, not through re-stamping.
func (c *Client) staleCaps() ([]domain.MarketCap, time.Time, bool) {
	if c.cache == nil {
		return nil, time.Time{}, false
	}
	var cached []domain.MarketCap
	ok, storedAt, err := c.cache.GetStale(cacheKeyCaps, &cached)
	if err != nil || !ok || len(cached) == 0 {
		return nil, time.Time{}, false
	}
	return cached, storedAt, true
}
