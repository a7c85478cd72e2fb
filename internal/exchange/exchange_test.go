package exchange

import (
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

func TestBinanceLiquidationRaw(t *testing.T) {
	event := &futures.WsLiquidationOrderEvent{
		Time: 1_700_000_000_000,
		LiquidationOrder: futures.WsLiquidationOrder{
			Symbol:       "btcusdt",
			Side:         futures.SideTypeSell,
			Price:        "50000.5",
			OrigQuantity: "2",
		},
	}
	raw := binanceLiquidationRaw(event)
	if raw.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, want BTCUSDT", raw.Symbol)
	}
	if raw.Exchange != "binance" {
		t.Fatalf("exchange = %q", raw.Exchange)
	}
	if raw.Side != "sell" {
		t.Fatalf("side = %q, want sell", raw.Side)
	}
	if raw.Price != 50000.5 || raw.Quantity != 2 {
		t.Fatalf("price/qty = %v/%v", raw.Price, raw.Quantity)
	}
	if raw.TimestampMs != 1_700_000_000_000 {
		t.Fatalf("timestamp = %d", raw.TimestampMs)
	}
}

func TestOkxInstID(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":       "BTC-USDT-SWAP",
		"ethusdt":       "ETH-USDT-SWAP",
		"SOLUSDC":       "SOL-USDC-SWAP",
		"BTC-USDT-SWAP": "BTC-USDT-SWAP",
		"USDT":          "USDT",
	}
	for in, want := range cases {
		if got := okxInstID(in); got != want {
			t.Fatalf("okxInstID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOkxBar(t *testing.T) {
	cases := map[string]string{
		"1h": "1H",
		"4h": "4H",
		"1d": "1D",
		"5m": "5m",
	}
	for in, want := range cases {
		if got := okxBar(in); got != want {
			t.Fatalf("okxBar(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBybitInterval(t *testing.T) {
	cases := map[string]string{
		"1m":  "1",
		"5m":  "5",
		"15m": "15",
		"1h":  "60",
		"4h":  "240",
		"1d":  "D",
		"30m": "30",
	}
	for in, want := range cases {
		if got := bybitInterval(in); got != want {
			t.Fatalf("bybitInterval(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKucoinTimestampMs(t *testing.T) {
	if got := kucoinTimestampMs(1_700_000_000); got != 1_700_000_000_000 {
		t.Fatalf("seconds not scaled to millis, got %d", got)
	}
	if got := kucoinTimestampMs(1_700_000_000_000); got != 1_700_000_000_000 {
		t.Fatalf("millis should pass through, got %d", got)
	}
	if got := kucoinTimestampMs(1_700_000_000_000_000_000); got != 1_700_000_000_000 {
		t.Fatalf("nanos not scaled to millis, got %d", got)
	}

	before := time.Now().UTC().UnixMilli()
	got := kucoinTimestampMs(0)
	after := time.Now().UTC().UnixMilli()
	if got < before || got > after {
		t.Fatalf("zero timestamp should resolve to now, got %d", got)
	}
}

func TestParseHelpers(t *testing.T) {
	if got := parseFloat(" 42.5 "); got != 42.5 {
		t.Fatalf("parseFloat = %v, want 42.5", got)
	}
	if got := parseFloat("bogus"); got != 0 {
		t.Fatalf("parseFloat on garbage = %v, want 0", got)
	}
	if got := parseInt64(" 1700000000000 "); got != 1_700_000_000_000 {
		t.Fatalf("parseInt64 = %v", got)
	}
}
