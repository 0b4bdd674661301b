// Package bitfinex ingests CeFi stablecoin yields from the Bitfinex public
// v2 API. Lending yields come from the flash return rate of each funding
// market; the same adapter serves spot tickers and order books for the peg
// and liquidity trackers.
package bitfinex

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

const adapterID = "bitfinex"

const (
	cacheKeyYields = "bitfinex:yields"
	cacheKeyPrices = "bitfinex:prices"
	cacheKeyBooks  = "bitfinex:books"
)

const bookDepth = 25

// pairForSymbol maps canonical symbols to Bitfinex trading pairs. Bitfinex
// calls USDT "UST" on both the trading and funding sides.
var pairForSymbol = map[string]string{
	"USDT": "tUSTUSD",
	"USDC": "tUDCUSD",
	"DAI":  "tDAIUSD",
}

var fundingForSymbol = map[string]string{
	"USDT": "fUST",
	"USDC": "fUDC",
	"DAI":  "fDAI",
}

var symbolForPair = func() map[string]string {
	m := make(map[string]string, len(pairForSymbol))
	for sym, pair := range pairForSymbol {
		m[pair] = sym
	}
	return m
}()

// Client for the Bitfinex public v2 API.
type Client struct {
	cfg      config.VenueConfig
	symbols  []string
	cache    *sourcecache.Repository
	client   *http.Client
	log      zerolog.Logger
	degraded bool
	stream   *priceStream
}

// NewClient creates a Bitfinex adapter tracking the given symbols.
// cache is optional - if nil, stale fallback is disabled.
func NewClient(cfg config.VenueConfig, symbols []string, cache *sourcecache.Repository, degraded bool, log zerolog.Logger) *Client {
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		normalized = append(normalized, domain.NormalizeSymbol(s))
	}
	sort.Strings(normalized)
	c := &Client{
		cfg:      cfg,
		symbols:  normalized,
		cache:    cache,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.With().Str("client", adapterID).Logger(),
		degraded: degraded,
	}
	if cfg.Stream {
		c.stream = newPriceStream(streamURL(cfg.BaseURL), c.log)
	}
	return c
}

// Identity implements domain.SourceAdapter.
func (c *Client) Identity() domain.SourceIdentity {
	return domain.SourceIdentity{ID: adapterID, Kind: domain.SourceKindCeFi, Venue: adapterID}
}

// StartStream opens the websocket ticker stream when enabled in config.
// FetchPrices prefers fresh stream ticks over a REST round trip.
func (c *Client) StartStream(ctx context.Context) {
	if c.stream == nil {
		return
	}
	pairs := make([]string, 0, len(c.symbols))
	for _, sym := range c.symbols {
		if pair, ok := pairForSymbol[sym]; ok {
			pairs = append(pairs, pair)
		}
	}
	c.stream.Start(ctx, pairs)
}

// Close stops the websocket stream if one is running.
func (c *Client) Close() {
	if c.stream != nil {
		c.stream.Stop()
	}
}

// FetchYields returns one lending-rate sample per tracked symbol, annualized
// from the daily flash return rate of the symbol's funding market. If every
// funding call fails, returns stale cached samples if available.
func (c *Client) FetchYields(ctx context.Context) ([]domain.RawYieldSample, error) {
	samples, err := c.fetchFundingStats(ctx)
	if err != nil {
		if stale, storedAt, ok := c.staleYields(); ok {
			c.log.Warn().Err(err).Time("stored_at", storedAt).Msg("Funding fetch failed, serving stale cache")
			return stale, nil
		}
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Store(cacheKeyYields, samples, sourcecache.TTLYields); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache funding samples")
		}
	}

	c.log.Debug().Int("samples", len(samples)).Msg("Fetched funding yields")
	return samples, nil
}

func (c *Client) fetchFundingStats(ctx context.Context) ([]domain.RawYieldSample, error) {
	now := time.Now().UTC()
	samples := make([]domain.RawYieldSample, 0, len(c.symbols))
	var lastErr error
	for _, sym := range c.symbols {
		fsym, ok := fundingForSymbol[sym]
		if !ok {
			continue
		}
		row, err := c.fundingStat(ctx, fsym)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", sym).Msg("Funding stat fetch failed")
			lastErr = err
			continue
		}
		// Row layout: [MTS, -, -, FRR, AVG_PERIOD, -, -, AMOUNT, AMOUNT_USED, ...].
		// FRR is the daily rate; placeholders arrive as JSON nulls.
		if len(row) < 9 || row[3] == nil {
			lastErr = domain.NewSourceError(adapterID, domain.SourceErrMalformed,
				fmt.Errorf("funding stat for %s has no rate", fsym))
			continue
		}
		s := domain.RawYieldSample{
			ObservedAt: now,
			IngestedAt: now,
			Symbol:     sym,
			SourceID:   adapterID,
			SourceKind: domain.SourceKindCeFi,
			APYTotal:   *row[3] * 365,
		}
		if row[7] != nil && *row[7] > 0 {
			capacity := *row[7]
			s.CapacityUSD = &capacity
		}
		if row[8] != nil && *row[8] > 0 {
			used := *row[8]
			s.TVLUSD = &used
		}
		samples = append(samples, s)
	}
	if len(samples) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return samples, nil
}

func (c *Client) fundingStat(ctx context.Context, fsym string) ([]*float64, error) {
	var rows [][]*float64
	path := fmt.Sprintf("/v2/funding/stats/%s/hist?limit=1", fsym)
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.NewSourceError(adapterID, domain.SourceErrMalformed,
			fmt.Errorf("funding stats for %s are empty", fsym))
	}
	return rows[0], nil
}

// FetchPrices implements domain.PriceSource. With the stream enabled, ticks
// newer than a few seconds short-circuit the REST call entirely.
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

	if c.stream != nil {
		if ticks, ok := c.stream.Fresh(symbols, 5*time.Second); ok {
			return ticks, nil
		}
	}

	ticks, err := c.fetchTickers(ctx, pairs)
	if err != nil {
		if c.stream != nil {
			if stale, ok := c.stream.Fresh(symbols, sourcecache.TTLPrices); ok {
				c.log.Warn().Err(err).Msg("Ticker fetch failed, serving stream ticks")
				return stale, nil
			}
		}
		if c.degraded && c.cache != nil {
			var cached []domain.PriceTick
			if ok, storedAt, cerr := c.cache.GetStale(cacheKeyPrices, &cached); cerr == nil && ok {
				c.log.Warn().Err(err).Time("stored_at", storedAt).Msg("Ticker fetch failed, serving stale cache")
				return cached, nil
			}
		}
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Store(cacheKeyPrices, ticks, sourcecache.TTLPrices); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache tickers")
		}
	}
	return ticks, nil
}

func (c *Client) fetchTickers(ctx context.Context, pairs []string) ([]domain.PriceTick, error) {
	var rows [][]any
	path := "/v2/tickers?symbols=" + url.QueryEscape(strings.Join(pairs, ","))
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ticks := make([]domain.PriceTick, 0, len(rows))
	for _, row := range rows {
		// Row layout: [SYMBOL, BID, BID_SZ, ASK, ASK_SZ, CHG, CHG_REL, LAST, VOLUME, HIGH, LOW].
		if len(row) < 9 {
			continue
		}
		pair, ok := row[0].(string)
		if !ok {
			continue
		}
		symbol, ok := symbolForPair[pair]
		if !ok {
			continue
		}
		last, okLast := asFloat(row[7])
		volume, okVol := asFloat(row[8])
		if !okLast || !okVol {
			continue
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
			fmt.Errorf("tickers response matched no tracked pair"))
	}
	return ticks, nil
}

// FetchOrderBooks implements domain.OrderBookSource using the raw P0 books.
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
			c.log.Warn().Err(err).Str("symbol", sym).Msg("Book fetch failed")
			lastErr = err
			continue
		}
		books = append(books, book)
	}
	if len(books) == 0 && lastErr != nil {
		if c.degraded && c.cache != nil {
			var cached []domain.OrderBookSnapshot
			if ok, storedAt, cerr := c.cache.GetStale(cacheKeyBooks, &cached); cerr == nil && ok {
				c.log.Warn().Err(lastErr).Time("stored_at", storedAt).Msg("Book fetches failed, serving stale cache")
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
	var rows [][]float64
	path := fmt.Sprintf("/v2/book/%s/P0?len=%d", pair, bookDepth)
	if err := c.get(ctx, path, &rows); err != nil {
		return domain.OrderBookSnapshot{}, err
	}

	book := domain.OrderBookSnapshot{CapturedAt: now, Symbol: symbol, Venue: adapterID}
	// Row layout: [PRICE, COUNT, AMOUNT]; positive amounts are bids.
	for _, row := range rows {
		if len(row) < 3 || row[0] <= 0 {
			continue
		}
		level := domain.PriceLevel{Price: row[0], Size: row[2]}
		if row[2] > 0 {
			book.Bids = append(book.Bids, level)
		} else if row[2] < 0 {
			level.Size = -row[2]
			book.Asks = append(book.Asks, level)
		}
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price > book.Bids[j].Price })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price < book.Asks[j].Price })
	return book, nil
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
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

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return domain.NewSourceError(adapterID, domain.SourceErrMalformed,
			fmt.Errorf("failed to parse %s response: %w", path, err))
	}
	return nil
}

func (c *Client) staleYields() ([]domain.RawYieldSample, time.Time, bool) {
	if c.cache == nil {
		return nil, time.Time{}, false
	}
	var cached []domain.RawYieldSample
	ok, storedAt, err := c.cache.GetStale(cacheKeyYields, &cached)
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

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func streamURL(baseURL string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	return "wss://" + host + "/ws/2"
}
