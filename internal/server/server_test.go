package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appconfig "liqflow/config"
	"liqflow/internal/channel/liq"
	"liqflow/internal/collector"
	"liqflow/internal/engine"
	"liqflow/internal/exchange"
	"liqflow/internal/models"
	"liqflow/internal/risk"
)

type stubClient struct {
	name string
	err  error
}

func (c *stubClient) Name() string { return c.name }

func (c *stubClient) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if c.err != nil {
		return nil, c.err
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

func (c *stubClient) FetchOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	if c.err != nil {
		return models.OrderBook{}, c.err
	}
	return models.OrderBook{
		Bids: []models.Level{{Price: 99.95, Size: 50}},
		Asks: []models.Level{{Price: 100.05, Size: 50}},
	}, nil
}

func (c *stubClient) FetchTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	return nil, exchange.ErrUnsupported
}

func (c *stubClient) FetchFundingRate(ctx context.Context, symbol string) (*models.FundingRate, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &models.FundingRate{Rate: 0.0001}, nil
}

func testServer(clients ...exchange.Client) (*Server, *collector.Collector) {
	cfg := appconfig.DefaultConfig()
	col := collector.NewCollector(cfg, liq.NewChannels(16), nil, nil)
	eng := engine.New(cfg, col, risk.NewAssessor(cfg, clients, nil), clients, nil)
	return NewServer(cfg.Server, eng), col
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer(&stubClient{name: "binance"})
	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDetectRequiresSymbols(t *testing.T) {
	s, _ := testServer(&stubClient{name: "binance"})
	rec := doRequest(t, s, http.MethodPost, "/api/v1/detect", map[string]any{"sensitivity": 0.5})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDetectRejectsBadSensitivity(t *testing.T) {
	s, _ := testServer(&stubClient{name: "binance"})
	rec := doRequest(t, s, http.MethodPost, "/api/v1/detect", map[string]any{
		"symbols":     []string{"BTCUSDT"},
		"sensitivity": 1.5,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDetectReturnsCollectedEvents(t *testing.T) {
	s, col := testServer(&stubClient{name: "binance"})
	col.ProcessRaw(models.RawLiquidationData{
		Symbol:      "BTCUSDT",
		Exchange:    "binance",
		Side:        "sell",
		Price:       100,
		Quantity:    2500,
		TimestampMs: time.Now().UTC().UnixMilli(),
	})

	rec := doRequest(t, s, http.MethodPost, "/api/v1/detect", map[string]any{
		"symbols":     []string{"BTCUSDT"},
		"sensitivity": 0.5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result engine.DetectResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(result.Events))
	}
	if result.Stress.StressScore < 0 || result.Stress.StressScore > 100 {
		t.Fatalf("stress out of bounds: %f", result.Stress.StressScore)
	}
}

func TestStressEndpoint(t *testing.T) {
	s, _ := testServer(&stubClient{name: "binance"})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/stress?symbols=BTCUSDT,ETHUSDT", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ind models.MarketStressIndicator
	if err := json.Unmarshal(rec.Body.Bytes(), &ind); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ind.OverallStressLevel == "" {
		t.Fatal("expected a stress level")
	}
}

func TestRiskEndpointFailsOutward(t *testing.T) {
	s, _ := testServer(&stubClient{name: "binance", err: errors.New("connection refused")})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/risk/BTCUSDT?exchange=binance", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when market data is unreachable, got %d", rec.Code)
	}
}

func TestRiskEndpointReturnsAssessment(t *testing.T) {
	s, _ := testServer(&stubClient{name: "binance"})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/risk/BTCUSDT?exchange=binance&horizon_minutes=30", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var r models.LiquidationRisk
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.TimeHorizonMinutes != 30 {
		t.Fatalf("expected horizon 30, got %d", r.TimeHorizonMinutes)
	}
}

func TestMonitorLifecycleOverHTTP(t *testing.T) {
	s, _ := testServer(&stubClient{name: "binance"})

	rec := doRequest(t, s, http.MethodPost, "/api/v1/monitors", map[string]any{
		"symbols":          []string{"BTCUSDT"},
		"interval_seconds": 3600,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created["monitor_id"]
	if id == "" {
		t.Fatal("expected monitor id")
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/monitors", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodDelete, "/api/v1/monitors/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on stop, got %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodDelete, "/api/v1/monitors/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for stopped monitor, got %d", rec.Code)
	}
}

func TestStartMonitorRequiresSymbols(t *testing.T) {
	s, _ := testServer(&stubClient{name: "binance"})
	rec := doRequest(t, s, http.MethodPost, "/api/v1/monitors", map[string]any{"interval_seconds": 60})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
