// Package domain provides the core record types shared across the index
// engine: ingestion samples, derived metrics, risk-adjusted yields, index
// values and regime samples.
package domain

import "time"

// SourceKind classifies where a yield originates.
type SourceKind string

const (
	// SourceKindCeFi represents centralized venues (exchanges, lenders).
	SourceKindCeFi SourceKind = "CEFI"
	// SourceKindDeFi represents on-chain protocols.
	SourceKindDeFi SourceKind = "DEFI"
)

// IndexCode identifies one index of the published family.
type IndexCode string

const (
	// IndexSYI is the flagship StableYield Index.
	IndexSYI IndexCode = "SYI"
	// IndexSYC is the composite risk-balanced index.
	IndexSYC IndexCode = "SYC"
	// IndexSYCeFi covers centralized sources only.
	IndexSYCeFi IndexCode = "SYCEFI"
	// IndexSYDeFi covers on-chain sources only.
	IndexSYDeFi IndexCode = "SYDEFI"
	// IndexSYRPI is the risk-premium index (excess over the 3M T-Bill).
	IndexSYRPI IndexCode = "SYRPI"
)

// RawYieldSample is one APY observation exactly as a venue reported it,
// normalized to decimal rates and uppercase symbols at the adapter boundary.
type RawYieldSample struct {
	ObservedAt  time.Time  `json:"observed_at"`
	IngestedAt  time.Time  `json:"ingested_at"`
	Symbol      string     `json:"symbol"`
	SourceID    string     `json:"source_id"`
	SourceKind  SourceKind `json:"source_kind"`
	Chain       string     `json:"chain,omitempty"`
	PoolID      string     `json:"pool_id,omitempty"`
	APYTotal    float64    `json:"apy_total"`
	APYBase     *float64   `json:"apy_base,omitempty"`
	APYReward   *float64   `json:"apy_reward,omitempty"`
	BorrowAPY   *float64   `json:"borrow_apy,omitempty"`
	TVLUSD      *float64   `json:"tvl_usd,omitempty"`
	CapacityUSD *float64   `json:"capacity_usd,omitempty"`
	Synthetic   bool       `json:"synthetic,omitempty"`
}

// PriceTick is a spot price observation for one symbol on one venue.
type PriceTick struct {
	ObservedAt   time.Time `json:"observed_at"`
	Symbol       string    `json:"symbol"`
	Venue        string    `json:"venue"`
	PriceUSD     float64   `json:"price_usd"`
	Volume24hUSD float64   `json:"volume_24h_usd,omitempty"`
}

// PriceLevel is one side entry of an order book.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBookSnapshot is a point-in-time order book for one symbol on one venue.
// Either side may be empty when the venue serves a single-sided book.
type OrderBookSnapshot struct {
	CapturedAt time.Time    `json:"captured_at"`
	Symbol     string       `json:"symbol"`
	Venue      string       `json:"venue"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
}

// TwoSided reports whether both book halves carry at least one level.
func (ob *OrderBookSnapshot) TwoSided() bool {
	return len(ob.Bids) > 0 && len(ob.Asks) > 0
}

// BestBid returns the highest bid, or 0 when the bid side is empty.
func (ob *OrderBookSnapshot) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the lowest ask, or 0 when the ask side is empty.
func (ob *OrderBookSnapshot) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// Mid returns the midpoint price. Valid only for two-sided books.
func (ob *OrderBookSnapshot) Mid() float64 {
	return (ob.BestBid() + ob.BestAsk()) / 2
}

// SpreadBps returns the top-of-book spread in basis points relative to mid.
// Returns ok=false for single-sided or degenerate books.
func (ob *OrderBookSnapshot) SpreadBps() (float64, bool) {
	if !ob.TwoSided() {
		return 0, false
	}
	mid := ob.Mid()
	if mid <= 0 {
		return 0, false
	}
	return (ob.BestAsk() - ob.BestBid()) / mid * 10000, true
}

// MarketCap is a circulating market capitalization observation.
type MarketCap struct {
	ObservedAt   time.Time `json:"observed_at"`
	Symbol       string    `json:"symbol"`
	CapUSD       float64   `json:"cap_usd"`
	Volume24hUSD float64   `json:"volume_24h_usd"`
}

// TBillRate is a risk-free rate observation, decimal (0.0525 = 5.25%).
type TBillRate struct {
	ObservedAt time.Time `json:"observed_at"`
	Series     string    `json:"series"`
	Rate       float64   `json:"rate"`
}

// PegMetrics summarizes peg stability for one symbol at window close.
type PegMetrics struct {
	WindowEnd time.Time `json:"window_end"`
	Symbol    string    `json:"symbol"`
	VWPrice   float64   `json:"vw_price"`
	PegDevBps float64   `json:"peg_dev_bps"`
	Vol5mBps  float64   `json:"vol_5m_bps"`
	Vol1hBps  float64   `json:"vol_1h_bps"`
	PegScore  float64   `json:"peg_score"`
}

// LiquidityMetrics summarizes cross-venue order book depth for one symbol.
type LiquidityMetrics struct {
	WindowEnd     time.Time `json:"window_end"`
	Symbol        string    `json:"symbol"`
	Depth10BpsUSD float64   `json:"depth_10bps_usd"`
	Depth20BpsUSD float64   `json:"depth_20bps_usd"`
	Depth50BpsUSD float64   `json:"depth_50bps_usd"`
	AvgSpreadBps  float64   `json:"avg_spread_bps"` // -1 when no venue served a two-sided book
	VenuesCovered int       `json:"venues_covered"`
	LiqScore      float64   `json:"liq_score"`
}

// SanitizeAction is the outcome class of the yield sanitizer.
type SanitizeAction string

const (
	SanitizeAccept    SanitizeAction = "ACCEPT"
	SanitizeFlag      SanitizeAction = "FLAG"
	SanitizeWinsorize SanitizeAction = "WINSORIZE"
	SanitizeCap       SanitizeAction = "CAP"
	SanitizeReject    SanitizeAction = "REJECT"
)

// Severity ranks actions so the most severe applicable one wins.
func (a SanitizeAction) Severity() int {
	switch a {
	case SanitizeAccept:
		return 0
	case SanitizeFlag:
		return 1
	case SanitizeWinsorize:
		return 2
	case SanitizeCap:
		return 3
	case SanitizeReject:
		return 4
	}
	return -1
}

// SanitizationResult records what the sanitizer did to one sample.
type SanitizationResult struct {
	OriginalAPY  float64        `json:"original_apy"`
	SanitizedAPY float64        `json:"sanitized_apy"`
	Action       SanitizeAction `json:"action"`
	Warnings     []string       `json:"warnings,omitempty"`
	OutlierScore float64        `json:"outlier_score"`
	Confidence   float64        `json:"confidence"`
}

// RiskFactors are the five multiplicative risk scores, each in [0,1].
type RiskFactors struct {
	PegScore           float64 `json:"peg_score"`
	LiquidityScore     float64 `json:"liquidity_score"`
	CounterpartyScore  float64 `json:"counterparty_score"`
	ProtocolReputation float64 `json:"protocol_reputation"`
	TemporalStability  float64 `json:"temporal_stability"`
}

// RAYRecord is one risk-adjusted yield observation.
type RAYRecord struct {
	ObservedAt     time.Time   `json:"observed_at"`
	Symbol         string      `json:"symbol"`
	SourceID       string      `json:"source_id"`
	BaseAPY        float64     `json:"base_apy"`
	RAY            float64     `json:"ray"`
	RiskPenalty    float64     `json:"risk_penalty"`
	Confidence     float64     `json:"confidence"`
	Factors        RiskFactors `json:"factors"`
	StalenessFlags []string    `json:"staleness_flags,omitempty"`
}

// Constituent is one weighted member of a published index value.
type Constituent struct {
	Symbol     string  `json:"symbol"`
	SourceID   string  `json:"source_id"`
	Weight     float64 `json:"weight"`
	RAY        float64 `json:"ray"`
	TVLUSD     float64 `json:"tvl_usd"`
	Confidence float64 `json:"confidence"`
}

// IndexMode labels the market condition an index value was computed under.
type IndexMode string

const (
	ModeNormal  IndexMode = "NORMAL"
	ModeHighVol IndexMode = "HIGH_VOL"
	ModeBear    IndexMode = "BEAR"
)

// WeightScheme selects how constituent weights are assigned.
type WeightScheme string

const (
	WeightMarketCap   WeightScheme = "MARKET_CAP"
	WeightEqualRisk   WeightScheme = "EQUAL_RISK"
	WeightCapacity    WeightScheme = "CAPACITY"
	WeightTVLMaturity WeightScheme = "TVL_MATURITY"
	WeightEqual       WeightScheme = "EQUAL"
)

// IndexValue is one published index observation.
type IndexValue struct {
	ObservedAt       time.Time     `json:"observed_at"`
	ID               string        `json:"id"`
	CycleID          string        `json:"cycle_id"`
	Code             IndexCode     `json:"code"`
	Value            float64       `json:"value"`
	Mode             IndexMode     `json:"mode"`
	Confidence       float64       `json:"confidence"`
	ConstituentCount int           `json:"constituent_count"`
	HHI              float64       `json:"hhi"`
	StalenessFlags   []string      `json:"staleness_flags,omitempty"`
	Constituents     []Constituent `json:"constituents,omitempty"`
}

// RegimeState is the daily risk posture.
type RegimeState string

const (
	RegimeOn          RegimeState = "ON"
	RegimeOff         RegimeState = "OFF"
	RegimeOffOverride RegimeState = "OFF_OVERRIDE"
	// RegimeNeutral is the bootstrap state while history is insufficient.
	// Once left it never re-appears.
	RegimeNeutral RegimeState = "NEU"
)

// AlertLevel classifies regime engine alerts.
type AlertLevel string

const (
	AlertEarlyWarning  AlertLevel = "EARLY_WARNING"
	AlertFlipConfirmed AlertLevel = "FLIP_CONFIRMED"
	AlertOverridePeg   AlertLevel = "OVERRIDE_PEG"
	AlertInvalidation  AlertLevel = "INVALIDATION"
)

// RegimeSample is one daily evaluation of the risk-regime engine.
type RegimeSample struct {
	Date         time.Time   `json:"date"`
	IndexCode    IndexCode   `json:"index_code"`
	SYIExcess    float64     `json:"syi_excess"`
	EMAShort     float64     `json:"ema_short"`
	EMALong      float64     `json:"ema_long"`
	Spread       float64     `json:"spread"`
	Volatility30 float64     `json:"volatility_30d"`
	ZScore       float64     `json:"z_score"`
	Slope7       float64     `json:"slope7"`
	BreadthPct   float64     `json:"breadth_pct"`
	State        RegimeState `json:"state"`
	DaysInState  int         `json:"days_in_state"`
	AlertLevel   AlertLevel  `json:"alert_level,omitempty"`
	AlertMessage string      `json:"alert_message,omitempty"`
	MaxDepegBps  float64     `json:"max_depeg_bps"`
	AggDepegBps  float64     `json:"agg_depeg_bps"`
}
