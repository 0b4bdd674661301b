package sourcecache

import "time"

// TTL constants per payload kind. These are added to time.Now() when storing
// to calculate expires_at. Reads past the TTL only happen through GetStale,
// which callers must flag as degraded.
const (
	// Yield surfaces move slowly; a quarter hour of staleness is acceptable.
	TTLYields = 15 * time.Minute

	// Market microstructure is only useful near-real-time.
	TTLPrices = 2 * time.Minute
	TTLBooks  = 2 * time.Minute

	// Caps shift on the scale of hours.
	TTLMarketCaps = time.Hour

	// FRED publishes once per business day.
	TTLTBill = 12 * time.Hour
)
