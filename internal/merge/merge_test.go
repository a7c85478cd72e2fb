package merge

import (
	"testing"
	"time"

	"liqflow/internal/models"
)

func baseTime() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

func event(id string, offset time.Duration, usd, confidence float64, sev models.Severity, triggers ...string) models.LiquidationEvent {
	return models.LiquidationEvent{
		ID:                id,
		Symbol:            "BTCUSDT",
		Exchange:          "binance",
		Timestamp:         baseTime().Add(offset),
		LiquidationType:   models.TypeLongLiquidation,
		Severity:          sev,
		ConfidenceScore:   confidence,
		TriggerPrice:      50000,
		LiquidatedUSD:     usd,
		PriceImpact:       -1,
		VolumeSpikeRatio:  2,
		SuspectedTriggers: triggers,
	}
}

func TestSingletonPassesThrough(t *testing.T) {
	in := []models.LiquidationEvent{event("a", 0, 100000, 0.8, models.SeverityHigh)}
	out := Events(in)
	if len(out) != 1 || out[0].ID != "a" {
		t.Fatalf("singleton group must pass through unchanged, got %+v", out)
	}
}

func TestMergesSameBucket(t *testing.T) {
	in := []models.LiquidationEvent{
		event("a", 0, 100000, 0.8, models.SeverityHigh, "exchange_feed"),
		event("b", 2*time.Minute, 50000, 0.6, models.SeverityCritical, "pattern_detection", "price_shock"),
	}
	out := Events(in)
	if len(out) != 1 {
		t.Fatalf("expected one merged event, got %d", len(out))
	}
	m := out[0]
	if m.ID != "merged_a_2" {
		t.Fatalf("expected deterministic merged id, got %s", m.ID)
	}
	if m.LiquidatedUSD != 150000 {
		t.Fatalf("expected summed notional 150000, got %f", m.LiquidatedUSD)
	}
	if m.ConfidenceScore != 0.7 {
		t.Fatalf("expected mean confidence 0.7, got %f", m.ConfidenceScore)
	}
	if m.Severity != models.SeverityCritical {
		t.Fatalf("expected max severity critical, got %s", m.Severity)
	}
	if len(m.SuspectedTriggers) != 3 {
		t.Fatalf("expected trigger union of 3, got %v", m.SuspectedTriggers)
	}
	if m.Timestamp != baseTime() {
		t.Fatal("expected earliest event to contribute identity fields")
	}
}

func TestDistinctBucketsStaySeparate(t *testing.T) {
	in := []models.LiquidationEvent{
		event("a", 0, 100000, 0.8, models.SeverityHigh),
		event("b", 6*time.Minute, 50000, 0.6, models.SeverityLow),
	}
	out := Events(in)
	if len(out) != 2 {
		t.Fatalf("events in different 5-minute buckets must not merge, got %d", len(out))
	}
	if !out[0].Timestamp.Before(out[1].Timestamp) {
		t.Fatal("expected ascending output order")
	}
}

func TestDistinctExchangesStaySeparate(t *testing.T) {
	a := event("a", 0, 100000, 0.8, models.SeverityHigh)
	b := event("b", time.Minute, 50000, 0.6, models.SeverityLow)
	b.Exchange = "bybit"
	out := Events([]models.LiquidationEvent{a, b})
	if len(out) != 2 {
		t.Fatalf("same symbol on different exchanges must not merge, got %d", len(out))
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	in := []models.LiquidationEvent{
		event("a", 0, 100000, 0.8, models.SeverityHigh, "exchange_feed"),
		event("b", time.Minute, 50000, 0.6, models.SeverityMedium, "pattern_detection"),
		event("c", 2*time.Minute, 25000, 0.4, models.SeverityLow),
	}

	once := Events(in)
	twice := Events(once)
	if len(once) != 1 || len(twice) != 1 {
		t.Fatalf("expected single merged event, got %d then %d", len(once), len(twice))
	}
	if once[0].ID != twice[0].ID {
		t.Fatalf("merged id changed on re-merge: %s vs %s", once[0].ID, twice[0].ID)
	}
	if once[0].LiquidatedUSD != twice[0].LiquidatedUSD {
		t.Fatalf("summed notional changed on re-merge: %f vs %f", once[0].LiquidatedUSD, twice[0].LiquidatedUSD)
	}
	if once[0].ConfidenceScore != twice[0].ConfidenceScore {
		t.Fatal("confidence changed on re-merge")
	}
}

func TestMaxFieldsTakeMax(t *testing.T) {
	a := event("a", 0, 100000, 0.8, models.SeverityHigh)
	a.PriceImpact = -5
	a.VolumeSpikeRatio = 8
	a.MarketDepthImpact = 20
	b := event("b", time.Minute, 50000, 0.6, models.SeverityHigh)
	b.PriceImpact = -2
	b.VolumeSpikeRatio = 3
	b.MarketDepthImpact = 40

	out := Events([]models.LiquidationEvent{a, b})
	if len(out) != 1 {
		t.Fatalf("expected merge, got %d events", len(out))
	}
	m := out[0]
	if m.VolumeSpikeRatio != 8 {
		t.Fatalf("expected max volume spike 8, got %f", m.VolumeSpikeRatio)
	}
	if m.MarketDepthImpact != 40 {
		t.Fatalf("expected max depth impact 40, got %f", m.MarketDepthImpact)
	}
	if m.PriceImpact != -2 {
		t.Fatalf("expected max price impact -2, got %f", m.PriceImpact)
	}
}
