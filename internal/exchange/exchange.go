package exchange

import (
	"context"
	"errors"

	"liqflow/internal/models"
)

// ErrUnsupported is returned by clients and feeds for capabilities a venue
// does not expose. Callers treat it as "no data", not as a failure.
var ErrUnsupported = errors.New("capability not supported by exchange")

// Client provides on-demand market data for one exchange. Implementations
// must be safe for concurrent use.
type Client interface {
	Name() string
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error)
	FetchTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error)
	FetchFundingRate(ctx context.Context, symbol string) (*models.FundingRate, error)
}

// RawHandler receives each normalized liquidation row produced by a feed.
type RawHandler func(models.RawLiquidationData)

// Feed delivers liquidations for one exchange, either by push subscription
// or by REST polling. Exchange-specific payload parsing lives entirely
// behind this interface; every implementation converges on
// models.RawLiquidationData.
type Feed interface {
	Name() string
	// SupportsStreaming reports whether Subscribe establishes a push feed.
	SupportsStreaming() bool
	// Subscribe starts the push feed and invokes the handler per message.
	// It returns immediately; the feed runs until ctx is cancelled.
	Subscribe(ctx context.Context, symbols []string, handler RawHandler) error
	// Poll fetches recent liquidations once via REST. Feeds without a REST
	// liquidation endpoint return ErrUnsupported.
	Poll(ctx context.Context, symbols []string) ([]models.RawLiquidationData, error)
}

// Snapshot fetches everything the detector and assessors need about one
// (symbol, exchange) pair. Funding is optional: a venue that cannot provide
// it yields a snapshot with Funding == nil rather than an error.
func Snapshot(ctx context.Context, c Client, symbol, interval string, bars, depth, trades int) (models.MarketSnapshot, error) {
	snap := models.MarketSnapshot{Symbol: symbol, Exchange: c.Name()}

	candles, err := c.FetchCandles(ctx, symbol, interval, bars)
	if err != nil {
		return snap, err
	}
	snap.Candles = candles

	book, err := c.FetchOrderBook(ctx, symbol, depth)
	if err != nil {
		return snap, err
	}
	snap.Book = book

	if trades > 0 {
		ts, err := c.FetchTrades(ctx, symbol, trades)
		if err != nil && !errors.Is(err, ErrUnsupported) {
			return snap, err
		}
		snap.Trades = ts
	}

	funding, err := c.FetchFundingRate(ctx, symbol)
	if err == nil {
		snap.Funding = funding
	} else if !errors.Is(err, ErrUnsupported) {
		// Funding data is optional; log-and-continue is the caller's call,
		// absence is not.
		snap.Funding = nil
	}
	return snap, nil
}
