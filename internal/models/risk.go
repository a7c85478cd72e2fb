package models

import "time"

// StressLevel classifies market-wide stress. Ordered calm < elevated < high
// < extreme.
type StressLevel string

const (
	StressCalm     StressLevel = "calm"
	StressElevated StressLevel = "elevated"
	StressHigh     StressLevel = "high"
	StressExtreme  StressLevel = "extreme"
)

// StressLevelFromScore maps a 0-100 stress score onto the fixed breakpoints.
func StressLevelFromScore(score float64) StressLevel {
	switch {
	case score < 25:
		return StressCalm
	case score < 50:
		return StressElevated
	case score < 75:
		return StressHigh
	default:
		return StressExtreme
	}
}

// MarketStressIndicator aggregates five component stresses into a market-wide
// 0-100 score. It is recomputed on every assessment call and never persisted
// by the engine.
type MarketStressIndicator struct {
	Timestamp          time.Time   `json:"timestamp"`
	OverallStressLevel StressLevel `json:"overall_stress_level"`
	StressScore        float64     `json:"stress_score"` // [0,100]

	VolatilityStress  float64 `json:"volatility_stress"`
	FundingRateStress float64 `json:"funding_rate_stress"`
	LiquidityStress   float64 `json:"liquidity_stress"`
	CorrelationStress float64 `json:"correlation_stress"`
	LeverageStress    float64 `json:"leverage_stress"`

	AvgFundingRate       float64 `json:"avg_funding_rate"`
	OIChange24h          float64 `json:"oi_change_24h"`
	LiquidationVolume24h float64 `json:"liquidation_volume_24h"`
	BTCDominance         float64 `json:"btc_dominance"`
	CorrelationBreakdown bool    `json:"correlation_breakdown"`

	RiskFactors     []string `json:"risk_factors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Normalize clamps every component and the aggregate score to [0,100] and
// rederives the level so the indicator is always structurally valid.
func (m *MarketStressIndicator) Normalize() {
	m.VolatilityStress = Clamp(m.VolatilityStress, 0, 100)
	m.FundingRateStress = Clamp(m.FundingRateStress, 0, 100)
	m.LiquidityStress = Clamp(m.LiquidityStress, 0, 100)
	m.CorrelationStress = Clamp(m.CorrelationStress, 0, 100)
	m.LeverageStress = Clamp(m.LeverageStress, 0, 100)
	m.StressScore = Clamp(m.StressScore, 0, 100)
	m.OverallStressLevel = StressLevelFromScore(m.StressScore)
}

// RiskLevel classifies per-symbol liquidation risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFromProbability maps a [0,1] liquidation probability onto the
// fixed thresholds.
func RiskLevelFromProbability(p float64) RiskLevel {
	switch {
	case p < 0.25:
		return RiskLow
	case p < 0.5:
		return RiskMedium
	case p < 0.75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// LiquidationRisk is the per-symbol risk assessment. One instance per
// (symbol, assessment call); the engine does not cache it.
type LiquidationRisk struct {
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Timestamp time.Time `json:"timestamp"`

	LiquidationProbability float64   `json:"liquidation_probability"` // [0,1]
	RiskLevel              RiskLevel `json:"risk_level"`
	TimeHorizonMinutes     int       `json:"time_horizon_minutes"`

	FundingRatePressure float64 `json:"funding_rate_pressure"` // [0,100]
	LiquidityRisk       float64 `json:"liquidity_risk"`        // [0,100]
	TechnicalWeakness   float64 `json:"technical_weakness"`    // [0,100]

	SupportLevels    []float64 `json:"support_levels,omitempty"`
	ResistanceLevels []float64 `json:"resistance_levels,omitempty"`
	CurrentPrice     float64   `json:"current_price"`
	DistanceToRisk   float64   `json:"distance_to_risk"` // percent

	VolumeProfileSupport float64 `json:"volume_profile_support"` // [0,100]
	SimilarEventCount    int     `json:"similar_event_count"`
}

// Normalize clamps the scores and rederives probability and level from the
// three components.
func (r *LiquidationRisk) Normalize() {
	r.FundingRatePressure = Clamp(r.FundingRatePressure, 0, 100)
	r.LiquidityRisk = Clamp(r.LiquidityRisk, 0, 100)
	r.TechnicalWeakness = Clamp(r.TechnicalWeakness, 0, 100)
	r.LiquidationProbability = Clamp01((r.FundingRatePressure + r.LiquidityRisk + r.TechnicalWeakness) / 3 / 100)
	r.RiskLevel = RiskLevelFromProbability(r.LiquidationProbability)
	r.VolumeProfileSupport = Clamp(r.VolumeProfileSupport, 0, 100)
}

// CascadeAlert warns about correlated liquidations across symbols within a
// short time window. Produced only when a qualifying cluster exists.
type CascadeAlert struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	Severity           Severity  `json:"severity"`
	InitiatingSymbol   string    `json:"initiating_symbol"`
	AffectedSymbols    []string  `json:"affected_symbols"`
	CascadeProbability float64   `json:"cascade_probability"` // [0,1]

	EstimatedTotalUSD      float64            `json:"estimated_total_usd"`
	PriceImpactEstimates   map[string]float64 `json:"price_impact_estimates,omitempty"`
	DurationEstimateMin    float64            `json:"duration_estimate_min"`
	MarketLeverageEstimate float64            `json:"market_leverage_estimate"`
	LiquidityAdequacy      float64            `json:"liquidity_adequacy"`   // [0,100]
	CorrelationStrength    float64            `json:"correlation_strength"` // [0,1]

	Recommendations      []string `json:"recommendations,omitempty"`
	MonitoringPriorities []string `json:"monitoring_priorities,omitempty"`
}

// Normalize clamps the bounded alert fields.
func (a *CascadeAlert) Normalize() {
	a.CascadeProbability = Clamp01(a.CascadeProbability)
	a.CorrelationStrength = Clamp01(a.CorrelationStrength)
	a.LiquidityAdequacy = Clamp(a.LiquidityAdequacy, 0, 100)
	if a.Severity.Rank() < 0 {
		a.Severity = SeverityLow
	}
}
