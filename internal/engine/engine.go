// Package engine composes the collector, detector, assessors and cascade
// analyzer into the liquidation detection engine. All shared mutable state
// (detected-event history, active monitors) is owned here; callers receive
// copies, never live references.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "liqflow/config"
	"liqflow/internal/buffer"
	"liqflow/internal/cascade"
	"liqflow/internal/collector"
	"liqflow/internal/detector"
	"liqflow/internal/exchange"
	"liqflow/internal/merge"
	"liqflow/internal/models"
	"liqflow/internal/risk"
	"liqflow/internal/storage"
	"liqflow/logger"
)

const historyCapacity = 1000

// DetectResult bundles everything one detection pass produced.
type DetectResult struct {
	Events          []models.LiquidationEvent    `json:"events"`
	Stress          models.MarketStressIndicator `json:"stress"`
	RiskAssessments []models.LiquidationRisk     `json:"risk_assessments"`
	CascadeAlerts   []models.CascadeAlert        `json:"cascade_alerts"`
}

// MonitorConfig describes one periodic background detection monitor.
type MonitorConfig struct {
	Symbols        []string      `json:"symbols"`
	Exchanges      []string      `json:"exchanges,omitempty"`
	Interval       time.Duration `json:"interval"`
	Sensitivity    float64       `json:"sensitivity"`
	MinProbability float64       `json:"min_probability"`
}

// AlertFunc receives cascade alerts raised by a monitor.
type AlertFunc func(monitorID string, alerts []models.CascadeAlert)

// Engine is the top-level detection facade consumed by the API layer.
type Engine struct {
	cfg       *appconfig.Config
	collector *collector.Collector
	detector  *detector.Detector
	assessor  *risk.Assessor
	cascade   *cascade.Analyzer
	store     storage.Store
	clients   map[string]exchange.Client
	log       *logger.Log

	history *buffer.Ring

	monMu    sync.Mutex
	monitors map[string]MonitorConfig
	monWG    sync.WaitGroup
	onAlert  AlertFunc
}

// New wires the engine. store may be nil; history queries then fall back to
// the in-memory detected-event buffer.
func New(cfg *appconfig.Config, col *collector.Collector, assessor *risk.Assessor, clients []exchange.Client, store storage.Store) *Engine {
	byName := make(map[string]exchange.Client, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	e := &Engine{
		cfg:       cfg,
		collector: col,
		detector:  detector.NewDetector(),
		assessor:  assessor,
		store:     store,
		clients:   byName,
		log:       logger.GetLogger(),
		history:   buffer.NewRing(historyCapacity),
		monitors:  make(map[string]MonitorConfig),
	}
	e.cascade = cascade.NewAnalyzer(cfg, col, assessor)
	return e
}

// SetAlertFunc registers the callback monitors use to publish alerts.
func (e *Engine) SetAlertFunc(fn AlertFunc) { e.onAlert = fn }

// Detect runs one full detection pass over the given symbols: pattern
// analysis on fresh snapshots, merge with collected feed events, stress and
// risk assessment, cascade scan. Per-pair failures are isolated; the result
// is always structurally complete.
func (e *Engine) Detect(ctx context.Context, symbols, exchanges []string, sensitivity float64, lookbackMinutes int) DetectResult {
	return e.detect(ctx, symbols, exchanges, sensitivity, lookbackMinutes, e.cfg.Cascade.MinProbability)
}

func (e *Engine) detect(ctx context.Context, symbols, exchanges []string, sensitivity float64, lookbackMinutes int, minProbability float64) DetectResult {
	if sensitivity <= 0 {
		sensitivity = e.cfg.Detector.Sensitivity
	}
	if lookbackMinutes <= 0 {
		lookbackMinutes = 60
	}

	names := e.exchangeNames(exchanges)

	var (
		mu     sync.Mutex
		events []models.LiquidationEvent
		wg     sync.WaitGroup
	)
	for _, symbol := range symbols {
		for _, name := range names {
			symbol, name := symbol, name
			wg.Add(1)
			go func() {
				defer wg.Done()
				detected := e.analyzePair(ctx, symbol, name, sensitivity)
				if len(detected) == 0 {
					return
				}
				mu.Lock()
				events = append(events, detected...)
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	for _, symbol := range symbols {
		events = append(events, e.collector.GetRecentLiquidations(symbol, "", lookbackMinutes)...)
	}

	merged := merge.Events(events)
	e.recordHistory(merged)

	result := DetectResult{
		Events: merged,
		Stress: e.assessor.AssessMarketStress(ctx, symbols, exchanges),
	}
	for _, symbol := range symbols {
		r, err := e.assessor.AssessLiquidationRisk(ctx, symbol, firstOrEmpty(exchanges), e.cfg.Risk.DefaultHorizonMinutes)
		if err != nil {
			e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("risk assessment skipped in detection pass")
			continue
		}
		result.RiskAssessments = append(result.RiskAssessments, r)
	}
	result.CascadeAlerts = e.cascade.DetectCascadeRisk(ctx, symbols, exchanges, minProbability)

	return result
}

// recordHistory appends events the bounded history has not seen yet. Detect
// passes overlap through the collector lookback window, so the same merged
// event can reappear on consecutive calls.
func (e *Engine) recordHistory(events []models.LiquidationEvent) {
	if len(events) == 0 {
		return
	}
	seen := make(map[string]struct{})
	for _, ev := range e.history.Snapshot() {
		seen[ev.ID] = struct{}{}
	}
	for _, ev := range events {
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		e.history.Append(ev)
	}
}

// analyzePair fetches a fresh snapshot for one pair and runs the pattern
// detector on it. Fetch failures are logged and yield no events.
func (e *Engine) analyzePair(ctx context.Context, symbol, exchangeName string, sensitivity float64) []models.LiquidationEvent {
	client, ok := e.clients[exchangeName]
	if !ok {
		return nil
	}
	snap, err := exchange.Snapshot(ctx, client, symbol, e.cfg.Detector.CandleInterval,
		e.cfg.Detector.LookbackBars, e.cfg.Detector.OrderBookDepth, e.cfg.Detector.TradeLimit)
	if err != nil {
		e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
			"symbol":   symbol,
			"exchange": exchangeName,
		}).Debug("snapshot fetch failed, pair skipped")
		return nil
	}
	return e.detector.AnalyzeLiquidationPatterns(snap, sensitivity)
}

// GetStressIndicators assesses market-wide stress for the given scope.
func (e *Engine) GetStressIndicators(ctx context.Context, symbols, exchanges []string) models.MarketStressIndicator {
	if len(symbols) == 0 {
		symbols = e.defaultSymbols()
	}
	return e.assessor.AssessMarketStress(ctx, symbols, exchanges)
}

// GetCascadeRisk runs the cascade analyzer for the given scope.
func (e *Engine) GetCascadeRisk(ctx context.Context, symbols, exchanges []string, minProbability float64) []models.CascadeAlert {
	if len(symbols) == 0 {
		symbols = e.defaultSymbols()
	}
	return e.cascade.DetectCascadeRisk(ctx, symbols, exchanges, minProbability)
}

// GetRisk assesses one symbol's liquidation risk. This is the only engine
// call that returns an error.
func (e *Engine) GetRisk(ctx context.Context, symbol, exchangeName string, horizonMinutes int) (models.LiquidationRisk, error) {
	return e.assessor.AssessLiquidationRisk(ctx, symbol, exchangeName, horizonMinutes)
}

// GetHistory returns past events for a symbol, newest first. The storage
// collaborator serves the query when wired; otherwise the bounded in-memory
// history is scanned.
func (e *Engine) GetHistory(ctx context.Context, symbol string, daysBack, limit int) ([]models.LiquidationEvent, error) {
	if daysBack <= 0 {
		daysBack = 7
	}
	if limit <= 0 || limit > e.cfg.Collector.HistoryLimit {
		limit = e.cfg.Collector.HistoryLimit
	}
	since := time.Now().UTC().AddDate(0, 0, -daysBack)

	if e.store != nil {
		return e.store.QueryEvents(ctx, storage.QueryFilter{Symbol: symbol, Since: since}, limit)
	}

	var out []models.LiquidationEvent
	for _, ev := range e.history.Snapshot() {
		if ev.Symbol == symbol && ev.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StartMonitor registers a periodic background detection monitor and
// returns its id. The monitor runs until StopMonitor removes it from the
// active set or ctx is cancelled.
func (e *Engine) StartMonitor(ctx context.Context, cfg MonitorConfig) (string, error) {
	if len(cfg.Symbols) == 0 {
		return "", fmt.Errorf("monitor requires at least one symbol")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	id := uuid.New().String()
	e.monMu.Lock()
	e.monitors[id] = cfg
	e.monMu.Unlock()

	e.monWG.Add(1)
	go e.runMonitor(ctx, id, cfg)

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"monitor_id": id,
		"symbols":    cfg.Symbols,
		"interval":   cfg.Interval.String(),
	}).Info("monitor started")
	return id, nil
}

// StopMonitor removes a monitor from the active set. The loop observes the
// removal before its next iteration. Returns false for unknown ids.
func (e *Engine) StopMonitor(id string) bool {
	e.monMu.Lock()
	defer e.monMu.Unlock()
	if _, ok := e.monitors[id]; !ok {
		return false
	}
	delete(e.monitors, id)
	return true
}

// ActiveMonitors returns a snapshot of the active monitor configurations.
func (e *Engine) ActiveMonitors() map[string]MonitorConfig {
	e.monMu.Lock()
	defer e.monMu.Unlock()
	out := make(map[string]MonitorConfig, len(e.monitors))
	for id, cfg := range e.monitors {
		out[id] = cfg
	}
	return out
}

// Wait blocks until every monitor loop has exited.
func (e *Engine) Wait() { e.monWG.Wait() }

func (e *Engine) runMonitor(ctx context.Context, id string, cfg MonitorConfig) {
	defer e.monWG.Done()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.StopMonitor(id)
			return
		case <-ticker.C:
			if !e.monitorActive(id) {
				return
			}
			// Full detection pass so the monitor's sensitivity reaches the
			// pattern detector, not just the cascade threshold.
			result := e.detect(ctx, cfg.Symbols, cfg.Exchanges, cfg.Sensitivity, 0, cfg.MinProbability)
			alerts := result.CascadeAlerts
			if len(alerts) == 0 {
				continue
			}
			e.log.WithComponent("engine").WithFields(logger.Fields{
				"monitor_id": id,
				"alerts":     len(alerts),
			}).Warn("monitor raised cascade alerts")
			if e.onAlert != nil {
				e.onAlert(id, alerts)
			}
		}
	}
}

func (e *Engine) monitorActive(id string) bool {
	e.monMu.Lock()
	defer e.monMu.Unlock()
	_, ok := e.monitors[id]
	return ok
}

func (e *Engine) exchangeNames(requested []string) []string {
	var names []string
	if len(requested) > 0 {
		for _, name := range requested {
			if _, ok := e.clients[name]; ok {
				names = append(names, name)
			}
		}
	} else {
		for name := range e.clients {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// defaultSymbols is the union of all configured source symbols.
func (e *Engine) defaultSymbols() []string {
	set := make(map[string]bool)
	for _, src := range e.cfg.Source.EnabledSources() {
		for _, s := range src.Symbols {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func firstOrEmpty(values []string) string {
	if len(values) > 0 {
		return values[0]
	}
	return ""
}
