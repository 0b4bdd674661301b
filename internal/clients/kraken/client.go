// Package kraken serves Kraken spot tickers and order books to the peg and
// liquidity trackers. Kraken exposes no lending rates on its public API, so
// the adapter contributes market structure only.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/sourcecache"
)

const adapterID = "kraken"

const (
	cacheKeyPrices = "kraken:prices"
	cacheKeyBooks  = "kraken:books"
)

const bookDepth = 25

// pairForSymbol maps canonical symbols to Kraken pair names. Tether keeps
// the legacy Z-suffixed name; the rest use plain concatenation.
var pairForSymbol = map[string]string{
	"USDT": "USDTZUSD",
	"USDC": "USDCUSD",
	"DAI":  "DAIUSD",
}

var symbolForPair = func() map[string]string {
	m := make(map[string]string, len(pairForSymbol))
	for sym, pair := range pairForSymbol {
		m[pair] = sym
	}
	return m
}()

// Client for the Kraken public REST API.
type Client struct {
	cfg      config.VenueConfig
	cache    *sourcecache.Repository
	client   *http.Client
	log      zerolog.Logger
	degraded bool
}

// NewClient creates a Kraken adapter.
// cache is optional - if nil, stale fallback is disabled.
func NewClient(cfg config.VenueConfig, cache *sourcecache.Repository, degraded bool, log zerolog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		cache:    cache,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.With().Str("client", adapterID).Logger(),
		degraded: degraded,
	}
}

// Identity implements domain.SourceAdapter.
func (c *Client) Identity() domain.SourceIdentity {
	return domain.SourceIdentity{ID: adapterID, Kind: domain.SourceKindCeFi, Venue: adapterID}
}

// FetchYields implements domain.SourceAdapter. Kraken publishes its Earn
// rates only behind authenticated endpoints, so there is nothing to ingest.
func (c *Client) FetchYields(ctx context.Context) ([]domain.RawYieldSample, error) {
	return nil, nil
}

type tickerInfo struct {
	C []string `json:"c"` // last trade: [price, lot volume]
	V []string `json:"v"` // volume: [today, last 24h]
}

// FetchPrices implements domain.PriceSource with a single Ticker call.
func (c *Client) FetchPrices(ctx context.Context, symbols []string) ([]domain.PriceTick, error) {
	pairs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if pair, ok := pairForSymbol[domain.NormalizeSymbol(s)]; ok {
			pairs = append(pairs, pair)
		}
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	sort.Strings(pairs)

	var result map[string]tickerInfo
	if err := c.get(ctx, "/0/public/Ticker?pair="+url.QueryEscape(strings.Join(pairs, ",")), &result); err != nil {
		if c.degraded && c.cache != nil {
			var cached []domain.PriceTick
			if ok, storedAt, cerr := c.cache.GetStale(cacheKeyPrices, &cached); cerr == nil && ok {
				c.log.Warn().Err(err).Time("stored_at", storedAt).Msg("Ticker fetch failed, serving stale cache")
				return cached, nil
			}
		}
		return nil, err
	}

	now := time.Now().UTC()
	ticks := make([]domain.PriceTick, 0, len(result))
	for pair, info := range result {
		symbol, ok := symbolForPair[pair]
		if !ok || len(info.C) < 1 || len(info.V) < 2 {
			continue
		}
		last, err := strconv.ParseFloat(info.C[0], 64)
		if err != nil || last <= 0 {
			continue
		}
		volume, err := strconv.ParseFloat(info.V[1], 64)
		if err != nil {
			volume = 0
		}
		ticks = append(ticks, domain.PriceTick{
			ObservedAt:   now,
			Symbol:       symbol,
			Venue:        adapterID,
			PriceUSD:     last,
			Volume24hUSD: volume * last,
		})
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Symbol < ticks[j].Symbol })
	if len(ticks) == 0 {
		return nil, domain.NewSourceError(adapterID, domain.SourceErrMalformed,
			fmt.Errorf("ticker response matched no tracked pair"))
	}

	if c.cache != nil {
		if err := c.cache.Store(cacheKeyPrices, ticks, sourcecache.TTLPrices); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache tickers")
		}
	}
	return ticks, nil
}

type depthInfo struct {
	Asks [][]json.RawMessage `json:"asks"`
	Bids [][]json.RawMessage `json:"bids"`
}

// FetchOrderBooks implements domain.OrderBookSource. Depth takes one pair
// per call, so books are fetched sequentially within the source budget.
func (c *Client) FetchOrderBooks(ctx context.Context, symbols []string) ([]domain.OrderBookSnapshot, error) {
	now := time.Now().UTC()
	books := make([]domain.OrderBookSnapshot, 0, len(symbols))
	var lastErr error
	for _, s := range symbols {
		sym := domain.NormalizeSymbol(s)
		pair, ok := pairForSymbol[sym]
		if !ok {
			continue
		}
		book, err := c.fetchBook(ctx, pair, sym, now)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", sym).Msg("Depth fetch failed")
			lastErr = err
			continue
		}
		books = append(books, book)
	}
	if len(books) == 0 && lastErr != nil {
		if c.degraded && c.cache != nil {
			var cached []domain.OrderBookSnapshot
			if ok, storedAt, cerr := c.cache.GetStale(cacheKeyBooks, &cached); cerr == nil && ok {
				c.log.Warn().Err(lastErr).Time("stored_at", storedAt).Msg("Depth fetches failed, serving stale cache")
				return cached, nil
			}
		}
		return nil, lastErr
	}
	if c.cache != nil && len(books) > 0 {
		if err := c.cache.Store(cacheKeyBooks, books, sourcecache.TTLBooks); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache books")
		}
	}
	return books, nil
}

func (c *Client) fetchBook(ctx context.Context, pair, symbol string, now time.Time) (domain.OrderBookSnapshot, error) {
	var result map[string]depthInfo
	path := fmt.Sprintf("/0/public/Depth?pair=%s&count=%d", pair, bookDepth)
	if err := c.get(ctx, path, &result); err != nil {
		return domain.OrderBookSnapshot{}, err
	}

	info, ok := result[pair]
	if !ok {
		return domain.OrderBookSnapshot{}, domain.NewSourceError(adapterID, domain.SourceErrMalformed,
			fmt.Errorf("depth response missing pair %s", pair))
	}

	book := domain.OrderBookSnapshot{CapturedAt: now, Symbol: symbol, Venue: adapterID}
	book.Bids = parseLevels(info.Bids)
	book.Asks = parseLevels(info.Asks)
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price > book.Bids[j].Price })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price < book.Asks[j].Price })
	return book, nil
}

// parseLevels decodes Kraken depth rows of the form ["price","volume",ts].
func parseLevels(rows [][]json.RawMessage) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		var priceStr, sizeStr string
		if json.Unmarshal(row[0], &priceStr) != nil || json.Unmarshal(row[1], &sizeStr) != nil {
			continue
		}
		price, err1 := strconv.ParseFloat(priceStr, 64)
		size, err2 := strconv.ParseFloat(sizeStr, 64)
		if err1 != nil || err2 != nil || price <= 0 || size <= 0 {
			continue
		}
		levels = append(levels, domain.PriceLevel{Price: price, Size: size})
	}
	return levels
}

// get performs a GET and unwraps the Kraken envelope, which reports API
// failures in an error array alongside HTTP 200.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return domain.NewSourceError(adapterID, domain.SourceErrMalformed, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.NewSourceError(adapterID, domain.SourceErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.NewSourceError(adapterID, domain.ClassifyHTTPStatus(resp.StatusCode),
			fmt.Errorf("%s returned status %d", path, resp.StatusCode))
	}

	var env struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return domain.NewSourceError(adapterID, domain.SourceErrMalformed,
			fmt.Errorf("failed to parse %s response: %w", path, err))
	}
	if len(env.Error) > 0 {
		return domain.NewSourceError(adapterID, classifyAPIError(env.Error[0]),
			fmt.Errorf("%s returned %s", path, strings.Join(env.Error, "; ")))
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return domain.NewSourceError(adapterID, domain.SourceErrMalformed,
			fmt.Errorf("failed to parse %s result: %w", path, err))
	}
	return nil
}

func classifyAPIError(msg string) domain.SourceErrorCategory {
	switch {
	case strings.Contains(msg, "Rate limit"):
		return domain.SourceErrRateLimited
	case strings.Contains(msg, "Unavailable"), strings.Contains(msg, "Busy"), strings.Contains(msg, "Timeout"):
		return domain.SourceErrTransient
	case strings.Contains(msg, "Permission denied"), strings.Contains(msg, "Invalid key"):
		return domain.SourceErrAuth
	default:
		return domain.SourceErrMalformed
	}
}
