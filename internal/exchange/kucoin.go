package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	"liqflow/internal/models"
	"liqflow/logger"
)

const kucoinDefaultFuturesURL = "https://api-futures.kucoin.com"

// KucoinFeed subscribes to KuCoin futures execution events and keeps only
// the liquidation executions. KuCoin marks liquidations via the message
// subject rather than a dedicated channel.
type KucoinFeed struct {
	endpoint string

	mu            sync.Mutex
	ws            futurespublic.FuturesPublicWS
	subscriptions map[string]string

	log *logger.Log
}

func NewKucoinFeed(endpoint string) *KucoinFeed {
	if endpoint == "" {
		endpoint = kucoinDefaultFuturesURL
	}
	return &KucoinFeed{
		endpoint:      endpoint,
		subscriptions: make(map[string]string),
		log:           logger.GetLogger(),
	}
}

func (f *KucoinFeed) Name() string            { return "kucoin" }
func (f *KucoinFeed) SupportsStreaming() bool { return true }

func (f *KucoinFeed) Poll(ctx context.Context, symbols []string) ([]models.RawLiquidationData, error) {
	return nil, ErrUnsupported
}

func (f *KucoinFeed) Subscribe(ctx context.Context, symbols []string, handler RawHandler) error {
	log := f.log.WithComponent("kucoin_liq_feed")

	if len(symbols) == 0 {
		return fmt.Errorf("no symbols configured for kucoin liquidation feed")
	}

	wsOption := types.NewWebSocketClientOptionBuilder().
		WithEventCallback(func(event types.WebSocketEvent, msg string) {
			if event == types.EventErrorReceived || event == types.EventClientFail {
				log.WithFields(logger.Fields{"event": event.String(), "message": msg}).Warn("kucoin websocket event")
			}
		}).
		Build()

	clientOption := types.NewClientOptionBuilder().
		WithFuturesEndpoint(f.endpoint).
		WithWebSocketClientOption(wsOption).
		Build()

	client := api.NewClient(clientOption)
	ws := client.WsService().NewFuturesPublicWS()
	if ws == nil {
		return fmt.Errorf("failed to create kucoin futures websocket client")
	}
	if err := ws.Start(); err != nil {
		return fmt.Errorf("failed to start kucoin websocket service: %w", err)
	}

	f.mu.Lock()
	f.ws = ws
	f.mu.Unlock()

	for _, sym := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(sym))
		if symbol == "" {
			continue
		}
		id, err := ws.Execution(symbol, func(topic, subject string, data *futurespublic.ExecutionEvent) error {
			f.handleExecution(subject, data, handler)
			return nil
		})
		if err != nil {
			log.WithError(err).WithField("symbol", symbol).Error("failed to subscribe to kucoin execution stream")
			continue
		}
		f.mu.Lock()
		f.subscriptions[symbol] = id
		f.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		f.close()
	}()

	log.WithFields(logger.Fields{"symbols": strings.Join(symbols, ",")}).Info("kucoin liquidation feed started")
	return nil
}

func (f *KucoinFeed) close() {
	f.mu.Lock()
	ws := f.ws
	subs := f.subscriptions
	f.ws = nil
	f.subscriptions = make(map[string]string)
	f.mu.Unlock()

	if ws != nil {
		for _, id := range subs {
			if id != "" {
				ws.UnSubscribe(id)
			}
		}
		ws.Stop()
	}
	f.log.WithComponent("kucoin_liq_feed").Info("kucoin liquidation feed stopped")
}

func (f *KucoinFeed) handleExecution(subject string, data *futurespublic.ExecutionEvent, handler RawHandler) {
	if data == nil {
		return
	}
	// Only execution events whose subject mentions liquidation are forced
	// closures; everything else is regular trade flow.
	if !strings.Contains(strings.ToLower(subject), "liquid") {
		return
	}

	handler(models.RawLiquidationData{
		Symbol:      strings.ToUpper(data.Symbol),
		Exchange:    "kucoin",
		Side:        strings.ToLower(data.Side),
		Price:       parseFloat(data.Price),
		Quantity:    float64(data.Size),
		TimestampMs: kucoinTimestampMs(data.Ts),
	})
}

// kucoinTimestampMs normalizes the mixed second/milli/nano timestamps KuCoin
// emits into epoch milliseconds.
func kucoinTimestampMs(ts int64) int64 {
	switch {
	case ts <= 0:
		return time.Now().UTC().UnixMilli()
	case ts < 1_000_000_000_000:
		return ts * 1000
	case ts < 1_000_000_000_000_000:
		return ts
	default:
		return ts / 1_000_000
	}
}
