package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	appconfig "liqflow/config"
	"liqflow/internal/channel/liq"
	"liqflow/internal/collector"
	"liqflow/internal/exchange"
	"liqflow/internal/models"
	"liqflow/internal/risk"
)

type quietClient struct {
	name string
	err  error
}

func (q *quietClient) Name() string { return q.name }

func (q *quietClient) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if q.err != nil {
		return nil, q.err
	}
	start := time.Now().UTC().Add(-time.Duration(limit) * 5 * time.Minute)
	candles := make([]models.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		candles = append(candles, models.Candle{
			Timestamp: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100,
			Volume: 1000,
		})
	}
	return candles, nil
}

func (q *quietClient) FetchOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	if q.err != nil {
		return models.OrderBook{}, q.err
	}
	return models.OrderBook{
		Bids: []models.Level{{Price: 99.95, Size: 50}},
		Asks: []models.Level{{Price: 100.05, Size: 50}},
	}, nil
}

func (q *quietClient) FetchTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	return nil, exchange.ErrUnsupported
}

func (q *quietClient) FetchFundingRate(ctx context.Context, symbol string) (*models.FundingRate, error) {
	if q.err != nil {
		return nil, q.err
	}
	return &models.FundingRate{Rate: 0.0001}, nil
}

func testEngine(clients ...exchange.Client) (*Engine, *collector.Collector) {
	cfg := appconfig.DefaultConfig()
	col := collector.NewCollector(cfg, liq.NewChannels(16), nil, nil)
	assessor := risk.NewAssessor(cfg, clients, nil)
	return New(cfg, col, assessor, clients, nil), col
}

func seedCollector(col *collector.Collector, symbol string, usd float64) {
	col.ProcessRaw(models.RawLiquidationData{
		Symbol:      symbol,
		Exchange:    "binance",
		Side:        "sell",
		Price:       100,
		Quantity:    usd / 100,
		TimestampMs: time.Now().UTC().UnixMilli(),
	})
}

func TestDetectIncludesCollectedEvents(t *testing.T) {
	e, col := testEngine(&quietClient{name: "binance"})
	seedCollector(col, "BTCUSDT", 250_000)

	result := e.Detect(context.Background(), []string{"BTCUSDT"}, nil, 0.5, 60)
	if len(result.Events) != 1 {
		t.Fatalf("expected the collected event in the result, got %d events", len(result.Events))
	}
	if result.Events[0].Severity != models.SeverityHigh {
		t.Fatalf("expected high severity, got %s", result.Events[0].Severity)
	}
	if result.Stress.StressScore < 0 || result.Stress.StressScore > 100 {
		t.Fatalf("stress score out of bounds: %f", result.Stress.StressScore)
	}
	if len(result.RiskAssessments) != 1 {
		t.Fatalf("expected one risk assessment, got %d", len(result.RiskAssessments))
	}
}

func TestDetectSurvivesClientFailure(t *testing.T) {
	e, col := testEngine(&quietClient{name: "binance", err: errors.New("connection refused")})
	seedCollector(col, "BTCUSDT", 250_000)

	result := e.Detect(context.Background(), []string{"BTCUSDT"}, nil, 0.5, 60)
	// Snapshots failed, but the collected event and a structurally valid
	// stress indicator must still come back.
	if len(result.Events) != 1 {
		t.Fatalf("expected collected event despite fetch failures, got %d", len(result.Events))
	}
	if result.Stress.StressScore != 50 {
		t.Fatalf("expected conservative default stress, got %f", result.Stress.StressScore)
	}
	if len(result.RiskAssessments) != 0 {
		t.Fatal("risk assessment should be skipped when snapshots fail")
	}
}

func TestGetHistoryFromMemory(t *testing.T) {
	e, col := testEngine(&quietClient{name: "binance"})
	seedCollector(col, "BTCUSDT", 250_000)
	e.Detect(context.Background(), []string{"BTCUSDT"}, nil, 0.5, 60)

	events, err := e.GetHistory(context.Background(), "BTCUSDT", 7, 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 historical event, got %d", len(events))
	}
	if other, _ := e.GetHistory(context.Background(), "ETHUSDT", 7, 100); len(other) != 0 {
		t.Fatalf("expected no history for unseen symbol, got %d", len(other))
	}
}

func TestGetHistoryDeduplicatesRepeatedDetects(t *testing.T) {
	e, col := testEngine(&quietClient{name: "binance"})
	seedCollector(col, "BTCUSDT", 250_000)

	// The collector lookback window overlaps across passes, so the same
	// merged event comes back from every Detect call.
	for i := 0; i < 3; i++ {
		e.Detect(context.Background(), []string{"BTCUSDT"}, nil, 0.5, 60)
	}

	events, err := e.GetHistory(context.Background(), "BTCUSDT", 7, 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 historical event after repeated detects, got %d", len(events))
	}
}

func TestGetRiskPropagatesError(t *testing.T) {
	e, _ := testEngine(&quietClient{name: "binance", err: errors.New("connection refused")})

	if _, err := e.GetRisk(context.Background(), "BTCUSDT", "binance", 60); err == nil {
		t.Fatal("expected risk error when market data is unreachable")
	}
}

func TestMonitorLifecycle(t *testing.T) {
	e, _ := testEngine(&quietClient{name: "binance"})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		e.Wait()
	}()

	id, err := e.StartMonitor(ctx, MonitorConfig{
		Symbols:  []string{"BTCUSDT"},
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("start monitor: %v", err)
	}
	if len(e.ActiveMonitors()) != 1 {
		t.Fatal("expected one active monitor")
	}

	if !e.StopMonitor(id) {
		t.Fatal("expected stop to succeed for active monitor")
	}
	if e.StopMonitor(id) {
		t.Fatal("expected second stop to report unknown id")
	}
	if e.StopMonitor("no-such-id") {
		t.Fatal("expected unknown id to return false")
	}
	if len(e.ActiveMonitors()) != 0 {
		t.Fatal("expected no active monitors after stop")
	}
}

func TestMonitorRunsDetectionPass(t *testing.T) {
	e, col := testEngine(&quietClient{name: "binance"})
	seedCollector(col, "BTCUSDT", 250_000)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		e.Wait()
	}()

	if _, err := e.StartMonitor(ctx, MonitorConfig{
		Symbols:     []string{"BTCUSDT"},
		Interval:    10 * time.Millisecond,
		Sensitivity: 0.5,
	}); err != nil {
		t.Fatalf("start monitor: %v", err)
	}

	// A tick runs a full detection pass, so the collected event lands in
	// the in-memory history.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := e.GetHistory(context.Background(), "BTCUSDT", 7, 100)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(events) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("monitor tick never produced a detection pass")
}

func TestStartMonitorRequiresSymbols(t *testing.T) {
	e, _ := testEngine(&quietClient{name: "binance"})
	if _, err := e.StartMonitor(context.Background(), MonitorConfig{Interval: time.Minute}); err == nil {
		t.Fatal("expected error for monitor without symbols")
	}
}
