// Package fred ingests the 3-month Treasury bill rate from the FRED API.
// The series updates once per business day and anchors the risk-premium
// index, so observations keep their published date rather than fetch time.
package fred

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/sourcecache"
)

const adapterID = "fred"

const cacheKeyTBill = "fred:tbill"

// observationLimit covers weekends and holidays, when FRED publishes "."
// placeholders instead of values.
const observationLimit = 7

// Client for the FRED observations API.
type Client struct {
	cfg    config.FredConfig
	apiKey string
	cache  *sourcecache.Repository
	client *http.Client
	log    zerolog.Logger
}

// NewClient creates a FRED adapter. apiKey may be empty; fetches then fail
// with an AUTH error and the engine falls back to the last stored rate.
// cache is optional - if nil, stale fallback is disabled.
func NewClient(cfg config.FredConfig, apiKey string, cache *sourcecache.Repository, log zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		apiKey: apiKey,
		cache:  cache,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("client", adapterID).Logger(),
	}
}

type observationsResponse struct {
	Observations []observation `json:"observations"`
}

type observation struct {
	Date  string `json:"date"`
	Value string `json:"value"`
}

// FetchTBillRate implements domain.RateSource, returning the most recent
// published observation of the configured series.
func (c *Client) FetchTBillRate(ctx context.Context) (domain.TBillRate, error) {
	if c.apiKey == "" {
		return domain.TBillRate{}, domain.NewSourceError(adapterID, domain.SourceErrAuth,
			fmt.Errorf("no API key configured"))
	}

	rate, err := c.fetchLatest(ctx)
	if err != nil {
		if stale, storedAt, ok := c.staleRate(); ok {
			c.log.Warn().Err(err).Time("stored_at", storedAt).Msg("Observation fetch failed, serving stale cache")
			return stale, nil
		}
		return domain.TBillRate{}, err
	}

	if c.cache != nil {
		if err := c.cache.Store(cacheKeyTBill, rate, sourcecache.TTLTBill); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache rate")
		}
	}
	return rate, nil
}

func (c *Client) fetchLatest(ctx context.Context) (domain.TBillRate, error) {
	query := url.Values{}
	query.Set("series_id", c.cfg.Series)
	query.Set("api_key", c.apiKey)
	query.Set("file_type", "json")
	query.Set("sort_order", "desc")
	query.Set("limit", fmt.Sprintf("%d", observationLimit))
	reqURL := c.cfg.BaseURL + "/series/observations?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return domain.TBillRate{}, domain.NewSourceError(adapterID, domain.SourceErrMalformed, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.TBillRate{}, domain.NewSourceError(adapterID, domain.SourceErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.TBillRate{}, domain.NewSourceError(adapterID, domain.ClassifyHTTPStatus(resp.StatusCode),
			fmt.Errorf("observations returned status %d", resp.StatusCode))
	}

	var result observationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.TBillRate{}, domain.NewSourceError(adapterID, domain.SourceErrMalformed,
			fmt.Errorf("failed to parse observations response: %w", err))
	}

	for _, obs := range result.Observations {
		if obs.Value == "." || obs.Value == "" {
			continue
		}
		pct, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			continue
		}
		date, err := time.ParseInLocation("2006-01-02", obs.Date, time.UTC)
		if err != nil {
			continue
		}
		return domain.TBillRate{
			ObservedAt: date,
			Series:     c.cfg.Series,
			Rate:       domain.PercentToDecimal(pct),
		}, nil
	}
	return domain.TBillRate{}, domain.NewSourceError(adapterID, domain.SourceErrMalformed,
		fmt.Errorf("no usable observation in the last %d", observationLimit))
}

func (c *Client) staleRate() (domain.TBillRate, time.Time, bool) {
	if c.cache == nil {
		return domain.TBillRate{}, time.Time{}, false
	}
	var cached domain.TBillRate
	ok, storedAt, err := c.cache.GetStale(cacheKeyTBill, &cached)
	if err != nil || !ok || cached.Rate == 0 {
		return domain.TBillRate{}, time.Time{}, false
	}
	return cached, storedAt, true
}
