package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"liqflow/internal/models"
	"liqflow/logger"
)

const (
	okxDefaultBaseURL = "https://www.okx.com"
	okxDefaultWsURL   = "wss://ws.okx.com:8443/ws/v5/public"
)

// okxInstID converts a canonical symbol like BTCUSDT into the OKX perpetual
// instrument id BTC-USDT-SWAP.
func okxInstID(symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(sym, "-") {
		return sym
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return fmt.Sprintf("%s-%s-SWAP", strings.TrimSuffix(sym, quote), quote)
		}
	}
	return sym
}

// OkxClient serves market data from the OKX v5 public REST API.
type OkxClient struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Log
}

func NewOkxClient(baseURL string, timeout time.Duration) *OkxClient {
	if baseURL == "" {
		baseURL = okxDefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OkxClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.GetLogger(),
	}
}

func (c *OkxClient) Name() string { return "okx" }

func (c *OkxClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
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
		return fmt.Errorf("okx %s returned status %d", path, resp.StatusCode)
	}

	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("okx %s: malformed response: %w", path, err)
	}
	if envelope.Code != "0" {
		return fmt.Errorf("okx %s: code %s: %s", path, envelope.Code, envelope.Msg)
	}
	return json.Unmarshal(envelope.Data, out)
}

// okxBar converts duration-style intervals into OKX bar identifiers.
func okxBar(interval string) string {
	switch interval {
	case "1h":
		return "1H"
	case "4h":
		return "4H"
	case "1d":
		return "1D"
	default:
		return interval
	}
}

func (c *OkxClient) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("instId", okxInstID(symbol))
	params.Set("bar", okxBar(interval))
	params.Set("limit", strconv.Itoa(limit))

	var rows [][]string
	if err := c.get(ctx, "/api/v5/market/candles", params, &rows); err != nil {
		return nil, err
	}

	// OKX returns newest first.
	candles := make([]models.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
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

func (c *OkxClient) FetchOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	params := url.Values{}
	params.Set("instId", okxInstID(symbol))
	params.Set("sz", strconv.Itoa(depth))

	var rows []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := c.get(ctx, "/api/v5/market/books", params, &rows); err != nil {
		return models.OrderBook{}, err
	}
	if len(rows) == 0 {
		return models.OrderBook{}, fmt.Errorf("okx returned empty order book for %s", symbol)
	}

	book := models.OrderBook{
		Bids: make([]models.Level, 0, len(rows[0].Bids)),
		Asks: make([]models.Level, 0, len(rows[0].Asks)),
	}
	for _, row := range rows[0].Bids {
		if len(row) >= 2 {
			book.Bids = append(book.Bids, models.Level{Price: parseFloat(row[0]), Size: parseFloat(row[1])})
		}
	}
	for _, row := range rows[0].Asks {
		if len(row) >= 2 {
			book.Asks = append(book.Asks, models.Level{Price: parseFloat(row[0]), Size: parseFloat(row[1])})
		}
	}
	return book, nil
}

func (c *OkxClient) FetchTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	params := url.Values{}
	params.Set("instId", okxInstID(symbol))
	params.Set("limit", strconv.Itoa(limit))

	var rows []struct {
		Price string `json:"px"`
		Size  string `json:"sz"`
		Side  string `json:"side"`
		Ts    string `json:"ts"`
	}
	if err := c.get(ctx, "/api/v5/market/trades", params, &rows); err != nil {
		return nil, err
	}

	trades := make([]models.Trade, 0, len(rows))
	for _, t := range rows {
		trades = append(trades, models.Trade{
			Price:     parseFloat(t.Price),
			Quantity:  parseFloat(t.Size),
			Side:      strings.ToLower(t.Side),
			Timestamp: time.UnixMilli(parseInt64(t.Ts)).UTC(),
		})
	}
	return trades, nil
}

func (c *OkxClient) FetchFundingRate(ctx context.Context, symbol string) (*models.FundingRate, error) {
	params := url.Values{}
	params.Set("instId", okxInstID(symbol))

	var rows []struct {
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	}
	if err := c.get(ctx, "/api/v5/public/funding-rate", params, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrUnsupported
	}
	return &models.FundingRate{
		Rate:        parseFloat(rows[0].FundingRate),
		NextFunding: time.UnixMilli(parseInt64(rows[0].NextFundingTime)).UTC(),
	}, nil
}

// OkxFeed consumes the liquidation-orders channel over the OKX public
// websocket and can additionally poll the public REST endpoint, making it
// the generic REST-fallback feed as well.
type OkxFeed struct {
	wsURL         string
	client        *OkxClient
	retryInterval time.Duration
	log           *logger.Log
}

func NewOkxFeed(wsURL string, client *OkxClient) *OkxFeed {
	if wsURL == "" {
		wsURL = okxDefaultWsURL
	}
	return &OkxFeed{
		wsURL:         wsURL,
		client:        client,
		retryInterval: 5 * time.Second,
		log:           logger.GetLogger(),
	}
}

func (f *OkxFeed) Name() string            { return "okx" }
func (f *OkxFeed) SupportsStreaming() bool { return true }

type okxLiquidationRow struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side  string `json:"side"`
		Size  string `json:"sz"`
		Price string `json:"bkPx"`
		Ts    string `json:"ts"`
	} `json:"details"`
}

// Poll fetches the most recent SWAP liquidation orders via REST.
func (f *OkxFeed) Poll(ctx context.Context, symbols []string) ([]models.RawLiquidationData, error) {
	params := url.Values{}
	params.Set("instType", "SWAP")

	var rows []okxLiquidationRow
	if err := f.client.get(ctx, "/api/v5/public/liquidation-orders", params, &rows); err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[okxInstID(s)] = struct{}{}
	}

	var out []models.RawLiquidationData
	for _, row := range rows {
		if len(wanted) > 0 {
			if _, ok := wanted[row.InstID]; !ok {
				continue
			}
		}
		for _, d := range row.Details {
			out = append(out, models.RawLiquidationData{
				Symbol:      row.InstID,
				Exchange:    "okx",
				Side:        strings.ToLower(d.Side),
				Price:       parseFloat(d.Price),
				Quantity:    parseFloat(d.Size),
				TimestampMs: parseInt64(d.Ts),
			})
		}
	}
	return out, nil
}

// Subscribe connects to the public websocket and consumes liquidation-orders
// events until the context is cancelled, reconnecting on stream failure.
func (f *OkxFeed) Subscribe(ctx context.Context, symbols []string, handler RawHandler) error {
	go f.stream(ctx, handler)
	return nil
}

func (f *OkxFeed) stream(ctx context.Context, handler RawHandler) {
	log := f.log.WithComponent("okx_liq_feed").WithFields(logger.Fields{
		"worker": "liquidation_orders_stream",
	})

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to okx liquidation websocket, retrying")
			select {
			case <-time.After(f.retryInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		subMsg := map[string]any{
			"op": "subscribe",
			"args": []map[string]string{
				{"channel": "liquidation-orders", "instType": "SWAP"},
			},
		}
		if err := conn.WriteJSON(subMsg); err != nil {
			log.WithError(err).Warn("failed to subscribe to okx liquidation-orders")
			conn.Close()
			select {
			case <-time.After(f.retryInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		// The watcher unblocks readLoop on cancellation; done keeps it
		// from outliving this connection.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		f.readLoop(ctx, conn, handler, log)
		close(done)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn("okx liquidation stream closed, reconnecting")
		select {
		case <-time.After(f.retryInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (f *OkxFeed) readLoop(ctx context.Context, conn *websocket.Conn, handler RawHandler, log *logger.Entry) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("okx websocket read error")
			}
			return
		}

		var msg struct {
			Arg struct {
				Channel string `json:"channel"`
			} `json:"arg"`
			Data []okxLiquidationRow `json:"data"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			// Subscription acks and pongs do not match the event shape.
			continue
		}
		if msg.Arg.Channel != "liquidation-orders" {
			continue
		}

		for _, row := range msg.Data {
			for _, d := range row.Details {
				handler(models.RawLiquidationData{
					Symbol:      row.InstID,
					Exchange:    "okx",
					Side:        strings.ToLower(d.Side),
					Price:       parseFloat(d.Price),
					Quantity:    parseFloat(d.Size),
					TimestampMs: parseInt64(d.Ts),
					Payload:     payload,
				})
			}
		}
	}
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}
