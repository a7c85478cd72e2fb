package exchange

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"liqflow/internal/models"
	"liqflow/logger"
)

// BinanceClient serves market data from the Binance USD-M futures API.
type BinanceClient struct {
	client *futures.Client
	log    *logger.Log
}

func NewBinanceClient() *BinanceClient {
	return &BinanceClient{
		client: futures.NewClient("", ""),
		log:    logger.GetLogger(),
	}
}

func (c *BinanceClient) Name() string { return "binance" }

func (c *BinanceClient) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	klines, err := c.client.NewKlinesService().
		Symbol(strings.ToUpper(symbol)).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, models.Candle{
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	return candles, nil
}

func (c *BinanceClient) FetchOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	res, err := c.client.NewDepthService().
		Symbol(strings.ToUpper(symbol)).
		Limit(depth).
		Do(ctx)
	if err != nil {
		return models.OrderBook{}, err
	}

	book := models.OrderBook{
		Bids: make([]models.Level, 0, len(res.Bids)),
		Asks: make([]models.Level, 0, len(res.Asks)),
	}
	for _, b := range res.Bids {
		book.Bids = append(book.Bids, models.Level{Price: parseFloat(b.Price), Size: parseFloat(b.Quantity)})
	}
	for _, a := range res.Asks {
		book.Asks = append(book.Asks, models.Level{Price: parseFloat(a.Price), Size: parseFloat(a.Quantity)})
	}
	return book, nil
}

func (c *BinanceClient) FetchTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	res, err := c.client.NewRecentTradesService().
		Symbol(strings.ToUpper(symbol)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, err
	}

	trades := make([]models.Trade, 0, len(res))
	for _, t := range res {
		side := "buy"
		if t.IsBuyerMaker {
			side = "sell"
		}
		trades = append(trades, models.Trade{
			Price:     parseFloat(t.Price),
			Quantity:  parseFloat(t.Quantity),
			Side:      side,
			Timestamp: time.UnixMilli(t.Time).UTC(),
		})
	}
	return trades, nil
}

func (c *BinanceClient) FetchFundingRate(ctx context.Context, symbol string) (*models.FundingRate, error) {
	res, err := c.client.NewPremiumIndexService().
		Symbol(strings.ToUpper(symbol)).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, ErrUnsupported
	}
	idx := res[0]
	return &models.FundingRate{
		Rate:        parseFloat(idx.LastFundingRate),
		NextFunding: time.UnixMilli(idx.NextFundingTime).UTC(),
	}, nil
}

// BinanceFeed streams forced-liquidation orders from the Binance futures
// websocket. Binance has no public REST endpoint for other traders'
// liquidations, so Poll reports ErrUnsupported and the feed relies entirely
// on the stream.
type BinanceFeed struct {
	log *logger.Log
	wg  sync.WaitGroup
}

func NewBinanceFeed() *BinanceFeed {
	return &BinanceFeed{log: logger.GetLogger()}
}

func (f *BinanceFeed) Name() string            { return "binance" }
func (f *BinanceFeed) SupportsStreaming() bool { return true }

func (f *BinanceFeed) Poll(ctx context.Context, symbols []string) ([]models.RawLiquidationData, error) {
	return nil, ErrUnsupported
}

// Subscribe launches one websocket worker per symbol. Each worker
// resubscribes automatically until the context is cancelled.
func (f *BinanceFeed) Subscribe(ctx context.Context, symbols []string, handler RawHandler) error {
	for _, symbol := range symbols {
		sym := strings.ToUpper(symbol)
		f.wg.Add(1)
		go f.streamSymbol(ctx, sym, handler)
	}
	return nil
}

func (f *BinanceFeed) streamSymbol(ctx context.Context, symbol string, handler RawHandler) {
	defer f.wg.Done()

	log := f.log.WithComponent("binance_liq_feed").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "liquidation_stream",
	})

	wsHandler := func(event *futures.WsLiquidationOrderEvent) {
		if event == nil {
			return
		}
		handler(binanceLiquidationRaw(event))
	}

	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		doneC, stopC, err := futures.WsLiquidationOrderServe(symbol, wsHandler, errHandler)
		if err != nil {
			log.WithError(err).Error("failed to subscribe to liquidation stream")
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			log.Warn("liquidation stream closed, reconnecting")
			close(stopC)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// binanceLiquidationRaw translates a forced-order stream event into the
// normalized raw row the collector consumes.
func binanceLiquidationRaw(event *futures.WsLiquidationOrderEvent) models.RawLiquidationData {
	order := event.LiquidationOrder
	return models.RawLiquidationData{
		Symbol:      strings.ToUpper(order.Symbol),
		Exchange:    "binance",
		Side:        strings.ToLower(string(order.Side)),
		Price:       parseFloat(order.Price),
		Quantity:    parseFloat(order.OrigQuantity),
		TimestampMs: event.Time,
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}
