package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	appconfig "liqflow/config"
	"liqflow/internal/channel/liq"
	"liqflow/internal/models"
	"liqflow/internal/storage"
)

func testCollector(t *testing.T, store storage.Store) *Collector {
	t.Helper()
	cfg := appconfig.DefaultConfig()
	cfg.Collector.BufferCapacity = 1000
	channels := liq.NewChannels(16)
	return NewCollector(cfg, channels, nil, store)
}

func TestProcessRawBuildsEvent(t *testing.T) {
	c := testCollector(t, nil)

	event, ok := c.ProcessRaw(models.RawLiquidationData{
		Symbol:      "BTCUSDT",
		Exchange:    "binance",
		Side:        "sell",
		Price:       50000,
		Quantity:    6, // $300k notional
		TimestampMs: time.Now().UnixMilli(),
	})
	if !ok {
		t.Fatal("expected valid raw row to be accepted")
	}
	if event.ID == "" {
		t.Fatal("expected generated event id")
	}
	if event.LiquidationType != models.TypeLongLiquidation {
		t.Fatalf("sell side should map to long liquidation, got %s", event.LiquidationType)
	}
	if event.Severity != models.SeverityHigh {
		t.Fatalf("$300k should classify high, got %s", event.Severity)
	}
	if event.LiquidatedUSD != 300000 {
		t.Fatalf("expected 300000 notional, got %f", event.LiquidatedUSD)
	}
	if event.TriggerPrice != 50000 {
		t.Fatalf("expected trigger price 50000, got %f", event.TriggerPrice)
	}
}

func TestProcessRawSideMapping(t *testing.T) {
	c := testCollector(t, nil)

	cases := []struct {
		side string
		want models.LiquidationType
	}{
		{"sell", models.TypeLongLiquidation},
		{"BUY", models.TypeShortLiquidation},
		{"unknown", models.TypeFlashCrash},
	}
	for _, tc := range cases {
		event, ok := c.ProcessRaw(models.RawLiquidationData{
			Symbol:   "BTCUSDT",
			Exchange: "binance",
			Side:     tc.side,
			Price:    100,
			Quantity: 1,
		})
		if !ok {
			t.Fatalf("side %q: row rejected", tc.side)
		}
		if event.LiquidationType != tc.want {
			t.Fatalf("side %q: expected %s, got %s", tc.side, tc.want, event.LiquidationType)
		}
	}
}

func TestProcessRawRejectsInvalid(t *testing.T) {
	c := testCollector(t, nil)

	bad := []models.RawLiquidationData{
		{Exchange: "binance", Side: "sell", Price: 100, Quantity: 1},            // no symbol
		{Symbol: "BTCUSDT", Side: "sell", Price: 100, Quantity: 1},              // no exchange
		{Symbol: "BTCUSDT", Exchange: "binance", Side: "sell", Quantity: 1},     // no price
		{Symbol: "BTCUSDT", Exchange: "binance", Side: "sell", Price: -5, Quantity: 1},
		{Symbol: "BTCUSDT", Exchange: "binance", Side: "sell", Price: 100},      // no quantity
	}
	for i, raw := range bad {
		if _, ok := c.ProcessRaw(raw); ok {
			t.Fatalf("case %d: expected rejection", i)
		}
	}
	if got := c.GetRecentLiquidations("BTCUSDT", "", 60); len(got) != 0 {
		t.Fatalf("expected empty buffers after rejections, got %d events", len(got))
	}
}

func TestGetRecentLiquidationsWindowAndOrder(t *testing.T) {
	c := testCollector(t, nil)
	now := time.Now().UTC()

	offsets := []time.Duration{-90 * time.Minute, -40 * time.Minute, -10 * time.Minute, -time.Minute}
	for _, off := range offsets {
		c.ProcessRaw(models.RawLiquidationData{
			Symbol:      "BTCUSDT",
			Exchange:    "binance",
			Side:        "sell",
			Price:       50000,
			Quantity:    1,
			TimestampMs: now.Add(off).UnixMilli(),
		})
	}

	got := c.GetRecentLiquidations("BTCUSDT", "binance", 60)
	if len(got) != 3 {
		t.Fatalf("expected 3 events inside 60m window, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatal("expected newest-first ordering")
		}
	}
}

func TestGetRecentLiquidationsScansAllExchanges(t *testing.T) {
	c := testCollector(t, nil)
	now := time.Now().UTC().UnixMilli()

	for _, exch := range []string{"binance", "bybit"} {
		c.ProcessRaw(models.RawLiquidationData{
			Symbol:      "BTCUSDT",
			Exchange:    exch,
			Side:        "sell",
			Price:       50000,
			Quantity:    1,
			TimestampMs: now,
		})
	}

	if got := c.GetRecentLiquidations("BTCUSDT", "", 10); len(got) != 2 {
		t.Fatalf("expected events from both exchanges, got %d", len(got))
	}
	if got := c.GetRecentLiquidations("BTCUSDT", "bybit", 10); len(got) != 1 {
		t.Fatalf("expected only the bybit event, got %d", len(got))
	}
}

func TestProcessRawCanonicalizesSymbol(t *testing.T) {
	c := testCollector(t, nil)

	event, ok := c.ProcessRaw(models.RawLiquidationData{
		Symbol:   "BTC-USDT-SWAP",
		Exchange: "okx",
		Side:     "buy",
		Price:    50000,
		Quantity: 1,
	})
	if !ok {
		t.Fatal("row rejected")
	}
	if event.Symbol != "BTCUSDT" {
		t.Fatalf("expected canonical symbol BTCUSDT, got %s", event.Symbol)
	}
	if got := c.GetRecentLiquidations("BTCUSDT", "okx", 10); len(got) != 1 {
		t.Fatalf("expected canonical lookup to find the event, got %d", len(got))
	}
}

type failingStore struct{}

func (failingStore) Store(context.Context, models.LiquidationEvent) (bool, error) {
	return false, errors.New("backend down")
}

func (failingStore) QueryEvents(context.Context, storage.QueryFilter, int) ([]models.LiquidationEvent, error) {
	return nil, errors.New("backend down")
}

func (failingStore) AggregateStats(context.Context, string, string, int) (storage.Stats, error) {
	return storage.Stats{}, errors.New("backend down")
}

func (failingStore) PurgeOlderThan(context.Context, int) (int, error) {
	return 0, errors.New("backend down")
}

func TestProcessRawSurvivesStorageFailure(t *testing.T) {
	c := testCollector(t, failingStore{})

	_, ok := c.ProcessRaw(models.RawLiquidationData{
		Symbol:   "BTCUSDT",
		Exchange: "binance",
		Side:     "sell",
		Price:    50000,
		Quantity: 1,
	})
	if !ok {
		t.Fatal("storage failure must not drop the in-memory event")
	}
	if got := c.GetRecentLiquidations("BTCUSDT", "binance", 10); len(got) != 1 {
		t.Fatalf("expected buffered copy despite storage failure, got %d", len(got))
	}
}

func TestStartCollectionNoSymbolsIsNoop(t *testing.T) {
	c := testCollector(t, nil)

	if err := c.StartCollection(context.Background(), nil); err != nil {
		t.Fatalf("empty symbol list should be a no-op success, got %v", err)
	}
	// Not running, so StopCollection must return immediately.
	c.StopCollection()
}

func TestStartCollectionRejectsDoubleStart(t *testing.T) {
	c := testCollector(t, nil)

	if err := c.StartCollection(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.StopCollection()

	if err := c.StartCollection(context.Background(), []string{"BTCUSDT"}); err == nil {
		t.Fatal("expected error on second start")
	}
}
