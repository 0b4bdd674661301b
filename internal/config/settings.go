package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Settings is the YAML-backed computation surface. Every field has a
// documented default; unknown keys in the file are fatal at startup.
type Settings struct {
	Symbols   []SymbolConfig        `yaml:"symbols" validate:"min=1,dive"`
	Sources   SourcesConfig         `yaml:"sources"`
	Sanitizer SanitizerConfig       `yaml:"sanitizer"`
	RAY       RAYConfig             `yaml:"ray"`
	Index     IndexConfig           `yaml:"index"`
	Liquidity LiquidityFilterConfig `yaml:"liquidity_filter"`
	Regime    RegimeConfig          `yaml:"regime"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Retention RetentionConfig       `yaml:"retention"`
}

// SymbolConfig declares one tracked stablecoin and its asset grade.
type SymbolConfig struct {
	Symbol string `yaml:"symbol" validate:"required,uppercase"`
	Grade  string `yaml:"grade" validate:"oneof=standard institutional blue_chip"`
}

// SourcesConfig enables and tunes the venue adapters.
type SourcesConfig struct {
	DefiLlama DefiLlamaConfig          `yaml:"defillama"`
	Bitfinex  VenueConfig              `yaml:"bitfinex"`
	Kraken    VenueConfig              `yaml:"kraken"`
	CoinGecko VenueConfig              `yaml:"coingecko"`
	Fred      FredConfig               `yaml:"fred"`
	Registry  map[string]SourceProfile `yaml:"registry"`
}

// DefiLlamaConfig tunes the DeFi pool adapter.
type DefiLlamaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	BaseURL       string   `yaml:"base_url" validate:"omitempty,url"`
	Projects      []string `yaml:"projects"`
	MinPoolTVLUSD float64  `yaml:"min_pool_tvl_usd" validate:"gte=0"`
	IncludeBorrow bool     `yaml:"include_borrow"`
	RateLimitRPS  float64  `yaml:"rate_limit_rps" validate:"gt=0"`
}

// VenueConfig tunes one REST venue adapter.
type VenueConfig struct {
	Enabled      bool    `yaml:"enabled"`
	BaseURL      string  `yaml:"base_url" validate:"omitempty,url"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" validate:"gt=0"`
	Stream       bool    `yaml:"stream"` // Keep a websocket price stream open where supported
}

// FredConfig tunes the treasury-rate adapter.
type FredConfig struct {
	Enabled      bool    `yaml:"enabled"`
	BaseURL      string  `yaml:"base_url" validate:"omitempty,url"`
	Series       string  `yaml:"series" validate:"required"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" validate:"gt=0"`
}

// SourceProfile overrides risk-factor inputs for one source_id.
type SourceProfile struct {
	Counterparty    *float64 `yaml:"counterparty" validate:"omitempty,gte=0,lte=1"`
	Reputation      *float64 `yaml:"reputation" validate:"omitempty,gte=0,lte=1"`
	OperationalDays *int     `yaml:"operational_days" validate:"omitempty,gte=0"`
}

// SanitizerConfig enumerates the yield sanitization bounds and method.
type SanitizerConfig struct {
	AbsoluteMinimum     float64 `yaml:"absolute_minimum"`
	AbsoluteMaximum     float64 `yaml:"absolute_maximum" validate:"gtfield=AbsoluteMinimum"`
	ReasonableMaximum   float64 `yaml:"reasonable_maximum" validate:"gtfield=AbsoluteMinimum"`
	SuspiciousThreshold float64 `yaml:"suspicious_threshold" validate:"gte=0"`
	OutlierMethod       string  `yaml:"outlier_method" validate:"oneof=MAD IQR"`
	MADThreshold        float64 `yaml:"mad_threshold" validate:"gt=0"`
	IQRMultiplier       float64 `yaml:"iqr_multiplier" validate:"gt=0"`
	WinsorizeLower      float64 `yaml:"winsorize_lower" validate:"gte=0,lte=1"`
	WinsorizeUpper      float64 `yaml:"winsorize_upper" validate:"gte=0,lte=1,gtfield=WinsorizeLower"`
	MaxRewardRatio      float64 `yaml:"max_reward_ratio" validate:"gt=0"`
	FlashSpikeThreshold float64 `yaml:"flash_spike_threshold" validate:"gt=0"`
	MinComparables      int     `yaml:"min_comparables" validate:"gte=2"`
}

// RAYConfig holds risk-factor defaults and the composition exponent.
type RAYConfig struct {
	DefaultCounterparty  float64 `yaml:"default_counterparty" validate:"gte=0,lte=1"`
	DefaultReputation    float64 `yaml:"default_reputation" validate:"gte=0,lte=1"`
	DefaultTemporal      float64 `yaml:"default_temporal" validate:"gte=0,lte=1"`
	CompositionExponent  float64 `yaml:"composition_exponent" validate:"gt=0,lte=1"`
	StabilityWindow      int     `yaml:"stability_window" validate:"gte=2"`
	MinStabilitySamples  int     `yaml:"min_stability_samples" validate:"gte=2"`
	DefaultedFactorScore float64 `yaml:"defaulted_factor_confidence" validate:"gte=0,lte=1"`
}

// IndexConfig holds compositor parameters and the per-code weighting schemes.
type IndexConfig struct {
	MaxWeight            float64           `yaml:"max_weight" validate:"gt=0,lte=1"`
	MinConstituents      int               `yaml:"min_constituents" validate:"gte=1"`
	MinConfidence        float64           `yaml:"min_confidence" validate:"gte=0,lte=1"`
	MaxSampleAgeMinutes  int               `yaml:"max_sample_age_minutes" validate:"gt=0"`
	SoftStalenessMinutes int               `yaml:"soft_staleness_minutes" validate:"gt=0"`
	HardStalenessMinutes int               `yaml:"hard_staleness_minutes" validate:"gt=0"`
	EqualRiskWindow      int               `yaml:"equal_risk_window" validate:"gte=2"`
	Schemes              map[string]string `yaml:"schemes" validate:"dive,oneof=MARKET_CAP EQUAL_RISK CAPACITY TVL_MATURITY EQUAL"`
}

// MaxSampleAge returns the constituent freshness bound.
func (c IndexConfig) MaxSampleAge() time.Duration {
	return time.Duration(c.MaxSampleAgeMinutes) * time.Minute
}

// SoftStaleness returns the flag-only staleness bound.
func (c IndexConfig) SoftStaleness() time.Duration {
	return time.Duration(c.SoftStalenessMinutes) * time.Minute
}

// HardStaleness returns the bound past which the latest value is served stale.
func (c IndexConfig) HardStaleness() time.Duration {
	return time.Duration(c.HardStalenessMinutes) * time.Minute
}

// TVLFloors are minimum TVL requirements in USD by tier.
type TVLFloors struct {
	Minimum       float64 `yaml:"minimum" validate:"gte=0"`
	Institutional float64 `yaml:"institutional" validate:"gte=0"`
	BlueChip      float64 `yaml:"blue_chip" validate:"gte=0"`
}

// For returns the floor that applies to an asset grade.
func (f TVLFloors) For(grade string) float64 {
	switch grade {
	case "blue_chip":
		return f.BlueChip
	case "institutional":
		return f.Institutional
	default:
		return f.Minimum
	}
}

// LiquidityFilterConfig holds the eligibility thresholds.
type LiquidityFilterConfig struct {
	Global              TVLFloors          `yaml:"global"`
	Chain               TVLFloors          `yaml:"chain"`
	Asset               TVLFloors          `yaml:"asset"`
	Protocol            TVLFloors          `yaml:"protocol"`
	MaxTVLVolatility7d  float64            `yaml:"max_tvl_volatility_7d" validate:"gt=0"`
	MaxTVLVolatility30d float64            `yaml:"max_tvl_volatility_30d" validate:"gt=0"`
	MinVolume24hUSD     map[string]float64 `yaml:"min_volume_24h_usd"`
}

// RegimeConfig holds the daily state machine parameters.
type RegimeConfig struct {
	EMAShortDays      int     `yaml:"ema_short_days" validate:"gte=2"`
	EMALongDays       int     `yaml:"ema_long_days" validate:"gtfield=EMAShortDays"`
	ZEnter            float64 `yaml:"z_enter" validate:"gt=0"`
	PersistDays       int     `yaml:"persist_days" validate:"gte=1"`
	CooldownDays      int     `yaml:"cooldown_days" validate:"gte=0"`
	BreadthOnMax      float64 `yaml:"breadth_on_max" validate:"gte=0,lte=100"`
	BreadthOffMin     float64 `yaml:"breadth_off_min" validate:"gte=0,lte=100"`
	PegSingleBps      float64 `yaml:"peg_single_bps" validate:"gt=0"`
	PegAggBps         float64 `yaml:"peg_agg_bps" validate:"gt=0"`
	PegClearHours     int     `yaml:"peg_clear_hours" validate:"gte=1"`
	VolatilityEpsilon float64 `yaml:"volatility_epsilon" validate:"gt=0"`
}

// SchedulerConfig holds cadence and per-cycle budgets.
type SchedulerConfig struct {
	CycleSchedule        string `yaml:"cycle_schedule" validate:"required"`
	RegimeSchedule       string `yaml:"regime_schedule" validate:"required"`
	CycleDeadlineSeconds int    `yaml:"cycle_deadline_seconds" validate:"gt=0"`
	SourceTimeoutSeconds int    `yaml:"source_timeout_seconds" validate:"gt=0"`
	MaxConcurrentPerKind int    `yaml:"max_concurrent_per_kind" validate:"gt=0"`
	RetryBaseMs          int    `yaml:"retry_base_ms" validate:"gt=0"`
	RetryCapSeconds      int    `yaml:"retry_cap_seconds" validate:"gt=0"`
}

// CycleDeadline returns the full-cycle budget.
func (c SchedulerConfig) CycleDeadline() time.Duration {
	return time.Duration(c.CycleDeadlineSeconds) * time.Second
}

// SourceTimeout returns the per-source fetch budget.
func (c SchedulerConfig) SourceTimeout() time.Duration {
	return time.Duration(c.SourceTimeoutSeconds) * time.Second
}

// RetryBase returns the initial retry backoff.
func (c SchedulerConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMs) * time.Millisecond
}

// RetryCap returns the retry backoff ceiling.
func (c SchedulerConfig) RetryCap() time.Duration {
	return time.Duration(c.RetryCapSeconds) * time.Second
}

// RetentionConfig holds per-stream retention in days. Zero means indefinite.
type RetentionConfig struct {
	RawPricesDays int `yaml:"raw_prices_days" validate:"gte=0"`
	LiquidityDays int `yaml:"liquidity_days" validate:"gte=0"`
	YieldDays     int `yaml:"yield_days" validate:"gte=0"`
	TBillDays     int `yaml:"tbill_days" validate:"gte=0"`
}

// DefaultSettings returns the documented defaults for every option.
func DefaultSettings() *Settings {
	return &Settings{
		Symbols: []SymbolConfig{
			{Symbol: "USDT", Grade: "blue_chip"},
			{Symbol: "USDC", Grade: "blue_chip"},
			{Symbol: "DAI", Grade: "institutional"},
		},
		Sources: SourcesConfig{
			DefiLlama: DefiLlamaConfig{
				Enabled:       true,
				BaseURL:       "https://yields.llama.fi",
				Projects:      []string{"aave-v3", "compound-v3", "morpho-blue", "spark"},
				MinPoolTVLUSD: 10_000_000,
				IncludeBorrow: true,
				RateLimitRPS:  2,
			},
			Bitfinex: VenueConfig{
				Enabled:      true,
				BaseURL:      "https://api-pub.bitfinex.com",
				RateLimitRPS: 1,
				Stream:       false,
			},
			Kraken: VenueConfig{
				Enabled:      true,
				BaseURL:      "https://api.kraken.com",
				RateLimitRPS: 1,
			},
			CoinGecko: VenueConfig{
				Enabled:      true,
				BaseURL:      "https://api.coingecko.com/api/v3",
				RateLimitRPS: 0.5,
			},
			Fred: FredConfig{
				Enabled:      true,
				BaseURL:      "https://api.stlouisfed.org/fred",
				Series:       "DGS3MO",
				RateLimitRPS: 0.5,
			},
			Registry: map[string]SourceProfile{},
		},
		Sanitizer: SanitizerConfig{
			AbsoluteMinimum:     0.0,
			AbsoluteMaximum:     1.50,
			ReasonableMaximum:   0.50,
			SuspiciousThreshold: 0.20,
			OutlierMethod:       "MAD",
			MADThreshold:        3.0,
			IQRMultiplier:       1.5,
			WinsorizeLower:      0.05,
			WinsorizeUpper:      0.95,
			MaxRewardRatio:      4.0,
			FlashSpikeThreshold: 1.00,
			MinComparables:      5,
		},
		RAY: RAYConfig{
			DefaultCounterparty:  0.75,
			DefaultReputation:    0.70,
			DefaultTemporal:      0.80,
			CompositionExponent:  0.5,
			StabilityWindow:      30,
			MinStabilitySamples:  10,
			DefaultedFactorScore: 0.5,
		},
		Index: IndexConfig{
			MaxWeight:            0.40,
			MinConstituents:      3,
			MinConfidence:        0.50,
			MaxSampleAgeMinutes:  10,
			SoftStalenessMinutes: 5,
			HardStalenessMinutes: 15,
			EqualRiskWindow:      30,
			Schemes: map[string]string{
				"SYI":    "MARKET_CAP",
				"SYC":    "EQUAL_RISK",
				"SYCEFI": "CAPACITY",
				"SYDEFI": "TVL_MATURITY",
				"SYRPI":  "MARKET_CAP",
			},
		},
		Liquidity: LiquidityFilterConfig{
			Global:              TVLFloors{Minimum: 10_000_000, Institutional: 50_000_000, BlueChip: 250_000_000},
			Chain:               TVLFloors{Minimum: 5_000_000, Institutional: 25_000_000, BlueChip: 100_000_000},
			Asset:               TVLFloors{Minimum: 20_000_000, Institutional: 100_000_000, BlueChip: 500_000_000},
			Protocol:            TVLFloors{Minimum: 10_000_000, Institutional: 50_000_000, BlueChip: 200_000_000},
			MaxTVLVolatility7d:  0.50,
			MaxTVLVolatility30d: 1.00,
			MinVolume24hUSD: map[string]float64{
				"standard":      5_000_000,
				"institutional": 25_000_000,
				"blue_chip":     100_000_000,
			},
		},
		Regime: RegimeConfig{
			EMAShortDays:      7,
			EMALongDays:       30,
			ZEnter:            0.5,
			PersistDays:       2,
			CooldownDays:      7,
			BreadthOnMax:      40,
			BreadthOffMin:     60,
			PegSingleBps:      100,
			PegAggBps:         150,
			PegClearHours:     24,
			VolatilityEpsilon: 0.001,
		},
		Scheduler: SchedulerConfig{
			CycleSchedule:        "0 * * * * *",
			RegimeSchedule:       "0 5 0 * * *",
			CycleDeadlineSeconds: 30,
			SourceTimeoutSeconds: 10,
			MaxConcurrentPerKind: 8,
			RetryBaseMs:          500,
			RetryCapSeconds:      30,
		},
		Retention: RetentionConfig{
			RawPricesDays: 90,
			LiquidityDays: 180,
			YieldDays:     365,
			TBillDays:     1825,
		},
	}
}

// LoadSettings reads and validates the YAML settings document. An empty path
// returns the documented defaults. Unknown keys are fatal.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open settings file: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(settings); err != nil {
			return nil, fmt.Errorf("parse settings file %s: %w", path, err)
		}
	}

	settings.normalize()

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// normalize fills map-shaped defaults that a partial YAML document replaced.
func (s *Settings) normalize() {
	defaults := DefaultSettings()
	if s.Index.Schemes == nil {
		s.Index.Schemes = map[string]string{}
	}
	for code, scheme := range defaults.Index.Schemes {
		if _, ok := s.Index.Schemes[code]; !ok {
			s.Index.Schemes[code] = scheme
		}
	}
	if s.Liquidity.MinVolume24hUSD == nil {
		s.Liquidity.MinVolume24hUSD = defaults.Liquidity.MinVolume24hUSD
	}
	if s.Sources.Registry == nil {
		s.Sources.Registry = map[string]SourceProfile{}
	}
	for i := range s.Symbols {
		if s.Symbols[i].Grade == "" {
			s.Symbols[i].Grade = "standard"
		}
	}
}

// Validate checks the full settings document.
func (s *Settings) Validate() error {
	vld := validator.New()
	if err := vld.Struct(s); err != nil {
		return fmt.Errorf("settings validation: %w", err)
	}
	// Cross-field checks the tag syntax cannot express.
	if s.Sanitizer.ReasonableMaximum > s.Sanitizer.AbsoluteMaximum {
		return fmt.Errorf("settings validation: sanitizer.reasonable_maximum must not exceed absolute_maximum")
	}
	if s.Index.SoftStalenessMinutes > s.Index.HardStalenessMinutes {
		return fmt.Errorf("settings validation: index.soft_staleness_minutes must not exceed hard_staleness_minutes")
	}
	if s.Index.MaxWeight*float64(s.Index.MinConstituents) < 1 {
		return fmt.Errorf("settings validation: index.max_weight x min_constituents below 1, weights cannot both sum to 1 and respect the cap")
	}
	for _, grade := range []string{"standard", "institutional", "blue_chip"} {
		if _, ok := s.Liquidity.MinVolume24hUSD[grade]; !ok {
			return fmt.Errorf("settings validation: liquidity_filter.min_volume_24h_usd missing grade %q", grade)
		}
	}
	return nil
}

// SymbolList returns the tracked symbols in declaration order.
func (s *Settings) SymbolList() []string {
	out := make([]string, 0, len(s.Symbols))
	for _, sym := range s.Symbols {
		out = append(out, sym.Symbol)
	}
	return out
}

// GradeFor returns the configured asset grade for a symbol.
func (s *Settings) GradeFor(symbol string) string {
	for _, sym := range s.Symbols {
		if sym.Symbol == symbol {
			return sym.Grade
		}
	}
	return "standard"
}
