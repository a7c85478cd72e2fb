package models

import (
	"math"
	"testing"
	"time"
)

func TestClassifySeverity(t *testing.T) {
	cases := []struct {
		notional float64
		want     Severity
	}{
		{5_000, SeverityLow},
		{50_000, SeverityMedium},
		{500_000, SeverityHigh},
		{5_000_000, SeverityCritical},
		{10_000, SeverityMedium},
		{1_000_000, SeverityCritical},
		{0, SeverityLow},
	}
	for _, c := range cases {
		if got := ClassifySeverity(c.notional); got != c.want {
			t.Fatalf("ClassifySeverity(%v) = %s, want %s", c.notional, got, c.want)
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("expected %s to rank above %s", order[i], order[i-1])
		}
	}
	if MaxSeverity(SeverityMedium, SeverityCritical) != SeverityCritical {
		t.Fatalf("expected critical to win the max reduction")
	}
	if Severity("bogus").Rank() >= SeverityLow.Rank() {
		t.Fatalf("unknown severity must rank below low")
	}
}

func TestRawLiquidationValidate(t *testing.T) {
	valid := RawLiquidationData{Symbol: "BTCUSDT", Exchange: "binance", Side: "sell", Price: 50000, Quantity: 2}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid raw data, got %v", err)
	}
	if valid.NotionalUSD() != 100000 {
		t.Fatalf("expected notional 100000, got %v", valid.NotionalUSD())
	}

	bad := []RawLiquidationData{
		{Exchange: "binance", Price: 1, Quantity: 1},
		{Symbol: "BTCUSDT", Price: 1, Quantity: 1},
		{Symbol: "BTCUSDT", Exchange: "binance", Price: 0, Quantity: 1},
		{Symbol: "BTCUSDT", Exchange: "binance", Price: 1, Quantity: -3},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestEventNormalizeClamps(t *testing.T) {
	e := LiquidationEvent{
		ID:                 "evt",
		Timestamp:          time.Now(),
		ConfidenceScore:    1.7,
		OrderBookImbalance: -2.5,
		VolumeSpikeRatio:   0.2,
		MarketDepthImpact:  -5,
		DurationSeconds:    -1,
		Severity:           Severity("weird"),
	}
	e.Normalize()
	if e.ConfidenceScore != 1 {
		t.Fatalf("confidence not clamped: %v", e.ConfidenceScore)
	}
	if e.OrderBookImbalance != -1 {
		t.Fatalf("imbalance not clamped: %v", e.OrderBookImbalance)
	}
	if e.VolumeSpikeRatio != 1 || e.MarketDepthImpact != 0 || e.DurationSeconds != 0 {
		t.Fatalf("floors not applied: %+v", e)
	}
	if e.Severity != SeverityLow {
		t.Fatalf("unknown severity should normalize to low, got %s", e.Severity)
	}
}

func TestStressLevelBreakpoints(t *testing.T) {
	cases := []struct {
		score float64
		want  StressLevel
	}{
		{0, StressCalm},
		{24.9, StressCalm},
		{25, StressElevated},
		{49.9, StressElevated},
		{50, StressHigh},
		{74.9, StressHigh},
		{75, StressExtreme},
		{100, StressExtreme},
	}
	for _, c := range cases {
		if got := StressLevelFromScore(c.score); got != c.want {
			t.Fatalf("StressLevelFromScore(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestRiskLevelThresholds(t *testing.T) {
	cases := []struct {
		p    float64
		want RiskLevel
	}{
		{0.1, RiskLow},
		{0.25, RiskMedium},
		{0.49, RiskMedium},
		{0.5, RiskHigh},
		{0.74, RiskHigh},
		{0.75, RiskCritical},
		{1, RiskCritical},
	}
	for _, c := range cases {
		if got := RiskLevelFromProbability(c.p); got != c.want {
			t.Fatalf("RiskLevelFromProbability(%v) = %s, want %s", c.p, got, c.want)
		}
	}
}

func TestLiquidationRiskNormalize(t *testing.T) {
	r := LiquidationRisk{
		FundingRatePressure: 150,
		LiquidityRisk:       60,
		TechnicalWeakness:   90,
	}
	r.Normalize()
	if r.FundingRatePressure != 100 {
		t.Fatalf("funding pressure not clamped: %v", r.FundingRatePressure)
	}
	want := (100.0 + 60.0 + 90.0) / 3 / 100
	if math.Abs(r.LiquidationProbability-want) > 1e-9 {
		t.Fatalf("probability = %v, want %v", r.LiquidationProbability, want)
	}
	if r.RiskLevel != RiskCritical {
		t.Fatalf("expected critical risk level, got %s", r.RiskLevel)
	}
}

func TestOrderBookMicrostructure(t *testing.T) {
	book := OrderBook{
		Bids: []Level{{Price: 99, Size: 10}, {Price: 98, Size: 5}},
		Asks: []Level{{Price: 101, Size: 5}},
	}
	spread := book.SpreadPercent()
	if spread <= 0 || spread > 100 {
		t.Fatalf("unexpected spread %v", spread)
	}
	imb := book.Imbalance(10)
	if imb <= 0 || imb > 1 {
		t.Fatalf("bid-heavy book should have positive imbalance, got %v", imb)
	}

	empty := OrderBook{}
	if empty.SpreadPercent() != 0 || empty.Imbalance(10) != 0 {
		t.Fatalf("empty book must yield zero microstructure values")
	}
}
