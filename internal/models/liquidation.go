package models

import (
	"fmt"
	"time"
)

// Severity classifies the market impact of a liquidation event. The values
// are totally ordered (low < medium < high < critical) so thresholding and
// "max of group" reductions are well defined.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the position of the severity in the total order. Unknown
// values rank below low.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ClassifySeverity buckets a liquidation purely by USD notional.
func ClassifySeverity(notionalUSD float64) Severity {
	switch {
	case notionalUSD >= 1_000_000:
		return SeverityCritical
	case notionalUSD >= 100_000:
		return SeverityHigh
	case notionalUSD >= 10_000:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// LiquidationType describes what kind of forced-closure pattern an event
// represents.
type LiquidationType string

const (
	TypeLongLiquidation  LiquidationType = "long_liquidation"
	TypeShortLiquidation LiquidationType = "short_liquidation"
	TypeCascadeEvent     LiquidationType = "cascade_event"
	TypeFlashCrash       LiquidationType = "flash_crash"
)

// RawLiquidationData is the normalized form of a single feed message or poll
// row before it becomes a LiquidationEvent. It is ephemeral; the collector
// consumes it immediately.
type RawLiquidationData struct {
	Symbol      string  `json:"symbol"`
	Exchange    string  `json:"exchange"`
	Side        string  `json:"side"` // buy/sell
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	TimestampMs int64   `json:"timestamp_ms"`
	ExternalID  string  `json:"external_id,omitempty"`
	Payload     []byte  `json:"-"`
}

// Validate rejects raw rows that cannot become a well formed event.
func (r RawLiquidationData) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("raw liquidation missing symbol")
	}
	if r.Exchange == "" {
		return fmt.Errorf("raw liquidation missing exchange")
	}
	if r.Price <= 0 {
		return fmt.Errorf("raw liquidation price must be positive, got %v", r.Price)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("raw liquidation quantity must be positive, got %v", r.Quantity)
	}
	return nil
}

// NotionalUSD is the liquidated amount in USD terms.
func (r RawLiquidationData) NotionalUSD() float64 {
	return r.Price * r.Quantity
}

// LiquidationEvent is the canonical event shape produced by both the
// real-time collector and the pattern detector. Events are immutable once
// merged; the merge stage produces a new event rather than editing in place.
type LiquidationEvent struct {
	ID                 string             `json:"id"`
	Symbol             string             `json:"symbol"`
	Exchange           string             `json:"exchange"`
	Timestamp          time.Time          `json:"timestamp"`
	LiquidationType    LiquidationType    `json:"liquidation_type"`
	Severity           Severity           `json:"severity"`
	ConfidenceScore    float64            `json:"confidence_score"` // [0,1]
	TriggerPrice       float64            `json:"trigger_price"`
	PriceImpact        float64            `json:"price_impact"`       // percent
	VolumeSpikeRatio   float64            `json:"volume_spike_ratio"` // >=1
	LiquidatedUSD      float64            `json:"liquidated_usd"`
	SpreadPercent      float64            `json:"spread_percent"`
	OrderBookImbalance float64            `json:"orderbook_imbalance"` // [-1,1]
	MarketDepthImpact  float64            `json:"market_depth_impact"` // >=0
	RSI                *float64           `json:"rsi,omitempty"`
	VWAP               *float64           `json:"vwap,omitempty"`
	FundingRate        *float64           `json:"funding_rate,omitempty"`
	OIChange           *float64           `json:"oi_change,omitempty"`
	RecoveryTimeSec    *float64           `json:"recovery_time_sec,omitempty"`
	DurationSeconds    float64            `json:"duration_seconds"`
	SuspectedTriggers  []string           `json:"suspected_triggers,omitempty"`
	MarketConditions   map[string]float64 `json:"market_conditions,omitempty"`
}

// Normalize clamps the bounded fields to their documented ranges. It is
// called before an event leaves the engine.
func (e *LiquidationEvent) Normalize() {
	e.ConfidenceScore = Clamp01(e.ConfidenceScore)
	e.OrderBookImbalance = Clamp(e.OrderBookImbalance, -1, 1)
	if e.VolumeSpikeRatio < 1 {
		e.VolumeSpikeRatio = 1
	}
	if e.MarketDepthImpact < 0 {
		e.MarketDepthImpact = 0
	}
	if e.DurationSeconds < 0 {
		e.DurationSeconds = 0
	}
	if e.Severity.Rank() < 0 {
		e.Severity = SeverityLow
	}
}

// HasTrigger reports whether the event carries the given suspected trigger.
func (e *LiquidationEvent) HasTrigger(name string) bool {
	for _, t := range e.SuspectedTriggers {
		if t == name {
			return true
		}
	}
	return false
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp01 limits v to the unit interval.
func Clamp01(v float64) float64 { return Clamp(v, 0, 1) }
