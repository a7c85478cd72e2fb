package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	bybit_connector "github.com/bybit-exchange/bybit.go.api"

	"liqflow/internal/models"
	"liqflow/logger"
)

const bybitDefaultBaseURL = "https://api.bybit.com"

// BybitClient serves market data from the Bybit v5 linear REST API.
type BybitClient struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Log
}

func NewBybitClient(baseURL string, timeout time.Duration) *BybitClient {
	if baseURL == "" {
		baseURL = bybitDefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BybitClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.GetLogger(),
	}
}

func (c *BybitClient) Name() string { return "bybit" }

type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *BybitClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bybit %s returned status %d", path, resp.StatusCode)
	}

	var envelope bybitResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("bybit %s: malformed response: %w", path, err)
	}
	if envelope.RetCode != 0 {
		return fmt.Errorf("bybit %s: retCode %d: %s", path, envelope.RetCode, envelope.RetMsg)
	}
	return json.Unmarshal(envelope.Result, out)
}

// bybitInterval converts a duration-style interval like 5m into the bare
// minute count Bybit expects.
func bybitInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	default:
		return strings.TrimSuffix(interval, "m")
	}
}

func (c *BybitClient) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", bybitInterval(interval))
	params.Set("limit", fmt.Sprintf("%d", limit))

	var result struct {
		List [][]string `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/kline", params, &result); err != nil {
		return nil, err
	}

	// Bybit returns newest first; candles are consumed oldest first.
	candles := make([]models.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		candles = append(candles, models.Candle{
			Timestamp: time.UnixMilli(parseInt64(row[0])).UTC(),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
		})
	}
	return candles, nil
}

func (c *BybitClient) FetchOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", fmt.Sprintf("%d", depth))

	var result struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	}
	if err := c.get(ctx, "/v5/market/orderbook", params, &result); err != nil {
		return models.OrderBook{}, err
	}

	book := models.OrderBook{
		Bids: make([]models.Level, 0, len(result.Bids)),
		Asks: make([]models.Level, 0, len(result.Asks)),
	}
	for _, row := range result.Bids {
		if len(row) >= 2 {
			book.Bids = append(book.Bids, models.Level{Price: parseFloat(row[0]), Size: parseFloat(row[1])})
		}
	}
	for _, row := range result.Asks {
		if len(row) >= 2 {
			book.Asks = append(book.Asks, models.Level{Price: parseFloat(row[0]), Size: parseFloat(row[1])})
		}
	}
	return book, nil
}

func (c *BybitClient) FetchTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", fmt.Sprintf("%d", limit))

	var result struct {
		List []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
			Side  string `json:"side"`
			Time  string `json:"time"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/recent-trade", params, &result); err != nil {
		return nil, err
	}

	trades := make([]models.Trade, 0, len(result.List))
	for _, t := range result.List {
		trades = append(trades, models.Trade{
			Price:     parseFloat(t.Price),
			Quantity:  parseFloat(t.Size),
			Side:      strings.ToLower(t.Side),
			Timestamp: time.UnixMilli(parseInt64(t.Time)).UTC(),
		})
	}
	return trades, nil
}

func (c *BybitClient) FetchFundingRate(ctx context.Context, symbol string) (*models.FundingRate, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", strings.ToUpper(symbol))

	var result struct {
		List []struct {
			FundingRate     string `json:"fundingRate"`
			NextFundingTime string `json:"nextFundingTime"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/tickers", params, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, ErrUnsupported
	}
	return &models.FundingRate{
		Rate:        parseFloat(result.List[0].FundingRate),
		NextFunding: time.UnixMilli(parseInt64(result.List[0].NextFundingTime)).UTC(),
	}, nil
}

const bybitDefaultWsURL = "wss://stream.bybit.com/v5/public/linear"

// BybitFeed streams liquidation orders over the Bybit public websocket.
// There is no public REST endpoint for recent liquidations, so Poll reports
// ErrUnsupported.
type BybitFeed struct {
	wsURL string
	log   *logger.Log
}

func NewBybitFeed(wsURL string) *BybitFeed {
	if wsURL == "" {
		wsURL = bybitDefaultWsURL
	}
	return &BybitFeed{wsURL: wsURL, log: logger.GetLogger()}
}

func (f *BybitFeed) Name() string            { return "bybit" }
func (f *BybitFeed) SupportsStreaming() bool { return true }

func (f *BybitFeed) Poll(ctx context.Context, symbols []string) ([]models.RawLiquidationData, error) {
	return nil, ErrUnsupported
}

type bybitLiquidationMessage struct {
	Topic string `json:"topic"`
	Ts    int64  `json:"ts"`
	Data  struct {
		Symbol  string `json:"symbol"`
		Side    string `json:"side"`
		Size    string `json:"size"`
		Price   string `json:"price"`
		Updated string `json:"updatedTime"`
	} `json:"data"`
}

func (f *BybitFeed) Subscribe(ctx context.Context, symbols []string, handler RawHandler) error {
	log := f.log.WithComponent("bybit_liq_feed")

	args := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(sym))
		if symbol == "" {
			continue
		}
		args = append(args, fmt.Sprintf("liquidation.%s", symbol))
	}
	if len(args) == 0 {
		return fmt.Errorf("no symbols configured for bybit liquidation feed")
	}

	msgHandler := func(message string) error {
		var evt bybitLiquidationMessage
		if err := json.Unmarshal([]byte(message), &evt); err != nil {
			// Subscription acks and pings do not match the event shape.
			return nil
		}
		if !strings.HasPrefix(evt.Topic, "liquidation.") || evt.Data.Symbol == "" {
			return nil
		}

		ts := evt.Ts
		if updated := parseInt64(evt.Data.Updated); updated > 0 {
			ts = updated
		}
		handler(models.RawLiquidationData{
			Symbol:      strings.ToUpper(evt.Data.Symbol),
			Exchange:    "bybit",
			Side:        strings.ToLower(evt.Data.Side),
			Price:       parseFloat(evt.Data.Price),
			Quantity:    parseFloat(evt.Data.Size),
			TimestampMs: ts,
			Payload:     []byte(message),
		})
		return nil
	}

	ws := bybit_connector.NewBybitPublicWebSocket(f.wsURL, msgHandler)
	if ws == nil {
		return fmt.Errorf("failed to create bybit websocket client")
	}
	if ws.Connect() == nil {
		return fmt.Errorf("failed to connect to bybit websocket")
	}
	if _, err := ws.SendSubscription(args); err != nil {
		return fmt.Errorf("failed to subscribe to bybit liquidations: %w", err)
	}

	go func() {
		<-ctx.Done()
		ws.Disconnect()
		log.Info("bybit liquidation feed stopped")
	}()

	log.WithFields(logger.Fields{"topics": strings.Join(args, ",")}).Info("bybit liquidation feed started")
	return nil
}
