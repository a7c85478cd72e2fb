// Package collector runs the real-time liquidation collection loops. One
// background worker per enabled exchange consumes push feeds where the venue
// offers one and polls REST otherwise; every path converges on
// models.RawLiquidationData and from there on a normalized LiquidationEvent
// appended to per-(symbol, exchange) ring buffers.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appconfig "liqflow/config"
	"liqflow/internal/buffer"
	"liqflow/internal/channel/liq"
	"liqflow/internal/exchange"
	"liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/internal/storage"
	"liqflow/internal/symbols"
	"liqflow/logger"
)

const defaultPollInterval = 60 * time.Second

// Collector owns the per-exchange collection workers and the in-memory
// event buffers.
type Collector struct {
	cfg      *appconfig.Config
	channels *liq.Channels
	feeds    []exchange.Feed
	store    storage.Store
	limiter  *rate.Limiter
	log      *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool

	bufMu   sync.RWMutex
	buffers map[string]*buffer.Ring

	statMu    sync.RWMutex
	collected map[string]int64
	lastEvent map[string]time.Time
}

// NewCollector wires the collector to its feeds and storage collaborator.
// store may be nil for buffer-only operation.
func NewCollector(cfg *appconfig.Config, channels *liq.Channels, feeds []exchange.Feed, store storage.Store) *Collector {
	rps := cfg.Collector.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Collector.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	return &Collector{
		cfg:       cfg,
		channels:  channels,
		feeds:     feeds,
		store:     store,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		log:       logger.GetLogger(),
		wg:        &sync.WaitGroup{},
		buffers:   make(map[string]*buffer.Ring),
		collected: make(map[string]int64),
		lastEvent: make(map[string]time.Time),
	}
}

// StartCollection launches one worker per feed plus the normalizer worker
// and returns immediately. An empty symbol list is a no-op success.
func (c *Collector) StartCollection(ctx context.Context, symbolList []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("collector already running")
	}

	if len(symbolList) == 0 {
		c.log.WithComponent("collector").Warn("no symbols configured, collection not started")
		return nil
	}

	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.log.WithComponent("collector").WithFields(logger.Fields{
		"symbols": symbolList,
		"feeds":   len(c.feeds),
	}).Info("starting liquidation collection")

	c.wg.Add(1)
	go c.processWorker()

	for _, feed := range c.feeds {
		feed := feed
		feedSymbols := c.symbolsFor(feed.Name(), symbolList)
		if len(feedSymbols) == 0 {
			continue
		}

		if feed.SupportsStreaming() {
			if err := feed.Subscribe(c.ctx, feedSymbols, c.handleRaw); err != nil {
				c.log.WithComponent("collector").WithError(err).WithFields(logger.Fields{
					"exchange": feed.Name(),
				}).Error("failed to subscribe to liquidation feed")
				metrics.IncFeedError(feed.Name())
			}
		}

		c.wg.Add(1)
		go c.pollWorker(feed, feedSymbols)
	}

	return nil
}

// StopCollection stops all workers and waits for them to drain.
func (c *Collector) StopCollection() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.log.WithComponent("collector").Info("liquidation collection stopped")
}

// symbolsFor narrows the requested symbols to those configured for a source.
// A source with no symbol list collects everything requested.
func (c *Collector) symbolsFor(exchangeName string, requested []string) []string {
	sources := c.cfg.Source.EnabledSources()
	src, ok := sources[exchangeName]
	if !ok {
		return nil
	}
	if len(src.Symbols) == 0 {
		return requested
	}

	allowed := make(map[string]bool, len(src.Symbols))
	for _, s := range src.Symbols {
		allowed[strings.ToUpper(s)] = true
	}
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if allowed[strings.ToUpper(s)] {
			out = append(out, s)
		}
	}
	return out
}

func (c *Collector) pollInterval(exchangeName string) time.Duration {
	if src, ok := c.cfg.Source.EnabledSources()[exchangeName]; ok && src.PollInterval > 0 {
		return src.PollInterval
	}
	return defaultPollInterval
}

// handleRaw is the push-feed callback. It forwards into the bounded channel
// and never blocks the feed's reader goroutine.
func (c *Collector) handleRaw(raw models.RawLiquidationData) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return
	}
	c.channels.SendRaw(ctx, raw)
}

func (c *Collector) pollWorker(feed exchange.Feed, feedSymbols []string) {
	defer c.wg.Done()

	interval := c.pollInterval(feed.Name())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := c.log.WithComponent("collector").WithFields(logger.Fields{
		"exchange": feed.Name(),
		"interval": interval.String(),
	})
	log.Info("poll worker started")

	for {
		select {
		case <-c.ctx.Done():
			log.Info("poll worker stopped")
			return
		case <-ticker.C:
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
			rows, err := feed.Poll(c.ctx, feedSymbols)
			if err != nil {
				if errors.Is(err, exchange.ErrUnsupported) {
					// Venue has no liquidation REST endpoint; the push
					// subscription is the only source here.
					log.Debug("poll unsupported, relying on push feed")
					return
				}
				log.WithError(err).Warn("liquidation poll failed")
				metrics.IncFeedError(feed.Name())
				continue
			}
			for _, raw := range rows {
				c.channels.SendRaw(c.ctx, raw)
			}
		}
	}
}

func (c *Collector) processWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case raw, ok := <-c.channels.Raw:
			if !ok {
				return
			}
			c.ProcessRaw(raw)
		}
	}
}

// ProcessRaw normalizes one raw row into a LiquidationEvent, buffers it and
// hands it to storage. Invalid rows are logged and dropped; a storage
// failure never interrupts collection.
func (c *Collector) ProcessRaw(raw models.RawLiquidationData) (models.LiquidationEvent, bool) {
	if err := raw.Validate(); err != nil {
		c.log.WithComponent("collector").WithError(err).WithFields(logger.Fields{
			"exchange": raw.Exchange,
			"symbol":   raw.Symbol,
		}).Debug("dropping malformed liquidation row")
		metrics.IncRawRejected(raw.Exchange)
		return models.LiquidationEvent{}, false
	}

	event := c.buildEvent(raw)

	key := bufferKey(event.Symbol, event.Exchange)
	c.bufMu.Lock()
	ring, ok := c.buffers[key]
	if !ok {
		ring = buffer.NewRing(c.cfg.Collector.BufferCapacity)
		c.buffers[key] = ring
	}
	c.bufMu.Unlock()
	ring.Append(event)

	c.statMu.Lock()
	c.collected[event.Exchange]++
	c.lastEvent[event.Exchange] = event.Timestamp
	c.statMu.Unlock()
	metrics.IncEventCollected(event.Exchange, string(event.Severity))

	if c.store != nil {
		storeCtx := context.Background()
		if c.ctx != nil {
			storeCtx = context.WithoutCancel(c.ctx)
		}
		if _, err := c.store.Store(storeCtx, event); err != nil {
			c.log.WithComponent("collector").WithError(err).WithFields(logger.Fields{
				"event_id": event.ID,
			}).Error("storage callback failed")
			metrics.IncStorageError(event.Exchange)
		}
	}

	return event, true
}

func (c *Collector) buildEvent(raw models.RawLiquidationData) models.LiquidationEvent {
	ts := time.Now().UTC()
	if raw.TimestampMs > 0 {
		ts = time.UnixMilli(raw.TimestampMs).UTC()
	}

	var liqType models.LiquidationType
	switch strings.ToLower(raw.Side) {
	case "sell":
		liqType = models.TypeLongLiquidation
	case "buy":
		liqType = models.TypeShortLiquidation
	default:
		liqType = models.TypeFlashCrash
	}

	notional := raw.NotionalUSD()
	event := models.LiquidationEvent{
		ID:                uuid.New().String(),
		Symbol:            symbols.Canonical(raw.Exchange, raw.Symbol),
		Exchange:          strings.ToLower(raw.Exchange),
		Timestamp:         ts,
		LiquidationType:   liqType,
		Severity:          models.ClassifySeverity(notional),
		ConfidenceScore:   1.0, // directly observed on the venue feed
		TriggerPrice:      raw.Price,
		VolumeSpikeRatio:  1,
		LiquidatedUSD:     notional,
		SuspectedTriggers: []string{"exchange_feed"},
	}
	event.Normalize()
	return event
}

// GetRecentLiquidations returns buffered events for a symbol newer than the
// window, sorted newest first. An empty exchange scans every venue's buffer
// for the symbol.
func (c *Collector) GetRecentLiquidations(symbol, exchangeName string, windowMinutes int) []models.LiquidationEvent {
	cutoff := time.Now().UTC().Add(-time.Duration(windowMinutes) * time.Minute)
	symbol = strings.ToUpper(symbol)

	c.bufMu.RLock()
	var events []models.LiquidationEvent
	for key, ring := range c.buffers {
		keySymbol, keyExchange, ok := splitBufferKey(key)
		if !ok || keySymbol != symbol {
			continue
		}
		if exchangeName != "" && keyExchange != strings.ToLower(exchangeName) {
			continue
		}
		for _, e := range ring.Snapshot() {
			if e.Timestamp.After(cutoff) {
				events = append(events, e)
			}
		}
	}
	c.bufMu.RUnlock()

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events
}

// CollectedCounts returns per-exchange totals since start.
func (c *Collector) CollectedCounts() map[string]int64 {
	c.statMu.RLock()
	defer c.statMu.RUnlock()
	out := make(map[string]int64, len(c.collected))
	for k, v := range c.collected {
		out[k] = v
	}
	return out
}

// LastEventAt returns the timestamp of the most recent event per exchange.
func (c *Collector) LastEventAt(exchangeName string) (time.Time, bool) {
	c.statMu.RLock()
	defer c.statMu.RUnlock()
	ts, ok := c.lastEvent[strings.ToLower(exchangeName)]
	return ts, ok
}

func bufferKey(symbol, exchangeName string) string {
	return strings.ToUpper(symbol) + ":" + strings.ToLower(exchangeName)
}

func splitBufferKey(key string) (symbol, exchangeName string, ok bool) {
	i := strings.IndexByte(key, ':')
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
