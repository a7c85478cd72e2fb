// Package cascade estimates the probability that recent liquidations will
// chain into a multi-symbol cascade. The feed-driven path clusters real
// collected events by time proximity; when no real data qualifies it falls
// back to a pattern-based estimate built from per-symbol risk scores.
package cascade

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	appconfig "liqflow/config"
	"liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/logger"
)

// EventSource provides recent collected liquidations per symbol.
type EventSource interface {
	GetRecentLiquidations(symbol, exchange string, windowMinutes int) []models.LiquidationEvent
}

// RiskSource provides per-symbol liquidation risk for the fallback path.
type RiskSource interface {
	AssessLiquidationRisk(ctx context.Context, symbol, exchange string, horizonMinutes int) (models.LiquidationRisk, error)
}

var severityWeight = map[models.Severity]float64{
	models.SeverityCritical: 1.0,
	models.SeverityHigh:     0.75,
	models.SeverityMedium:   0.5,
	models.SeverityLow:      0.25,
}

// Analyzer detects cascade risk across symbols.
type Analyzer struct {
	cfg    *appconfig.Config
	events EventSource
	risk   RiskSource
	log    *logger.Log
}

func NewAnalyzer(cfg *appconfig.Config, events EventSource, risk RiskSource) *Analyzer {
	return &Analyzer{cfg: cfg, events: events, risk: risk, log: logger.GetLogger()}
}

// DetectCascadeRisk returns cascade alerts for the given symbols. The
// feed-driven clustering path runs first; the pattern-based path is only
// consulted when no cluster qualifies. minProbability <= 0 falls back to the
// configured threshold.
func (a *Analyzer) DetectCascadeRisk(ctx context.Context, symbols, exchanges []string, minProbability float64) []models.CascadeAlert {
	if minProbability <= 0 {
		minProbability = a.cfg.Cascade.MinProbability
	}

	alerts := a.detectFromFeed(symbols, exchanges, minProbability)
	if len(alerts) == 0 {
		alerts = a.detectFromPatterns(ctx, symbols, exchanges)
	}

	for i := range alerts {
		alerts[i].Normalize()
		metrics.IncCascadeAlert(string(alerts[i].Severity))
	}
	return alerts
}

func (a *Analyzer) detectFromFeed(symbols, exchanges []string, minProbability float64) []models.CascadeAlert {
	events := a.gatherSignificant(symbols, exchanges)
	if len(events) < a.minClusterEvents() {
		return nil
	}

	// Greedy clustering requires ascending time order.
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	span := a.clusterSpan()
	var clusters [][]models.LiquidationEvent
	var current []models.LiquidationEvent
	for _, e := range events {
		if len(current) == 0 || e.Timestamp.Sub(current[0].Timestamp) <= span {
			current = append(current, e)
			continue
		}
		clusters = append(clusters, current)
		current = []models.LiquidationEvent{e}
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}

	var alerts []models.CascadeAlert
	for _, cluster := range clusters {
		if len(cluster) < a.minClusterEvents() {
			continue
		}
		alert, prob := a.scoreCluster(cluster)
		if prob < minProbability {
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts
}

// gatherSignificant pulls liquidations above the notional floor from the
// recent window for every requested symbol.
func (a *Analyzer) gatherSignificant(symbols, exchanges []string) []models.LiquidationEvent {
	window := a.cfg.Cascade.WindowMinutes
	if window <= 0 {
		window = 120
	}
	floor := a.cfg.Cascade.MinEventNotional
	if floor <= 0 {
		floor = 100_000
	}

	scan := exchanges
	if len(scan) == 0 {
		scan = []string{""} // empty exchange scans every venue's buffer
	}

	var out []models.LiquidationEvent
	for _, symbol := range symbols {
		for _, exch := range scan {
			for _, e := range a.events.GetRecentLiquidations(symbol, exch, window) {
				if e.LiquidatedUSD >= floor {
					out = append(out, e)
				}
			}
		}
	}
	return out
}

// scoreCluster turns one event cluster into an alert and its probability.
func (a *Analyzer) scoreCluster(cluster []models.LiquidationEvent) (models.CascadeAlert, float64) {
	spanMinutes := cluster[len(cluster)-1].Timestamp.Sub(cluster[0].Timestamp).Minutes()
	maxSpan := a.clusterSpan().Minutes()

	volumeBySymbol := make(map[string]float64)
	var totalUSD, weightSum float64
	for _, e := range cluster {
		volumeBySymbol[e.Symbol] += e.LiquidatedUSD
		totalUSD += e.LiquidatedUSD
		weightSum += severityWeight[e.Severity]
	}
	meanWeight := weightSum / float64(len(cluster))

	symbolFactor := 0.4 * math.Min(1, float64(len(volumeBySymbol))/5)
	volumeFactor := 0.3 * math.Min(1, totalUSD/10_000_000)
	timeFactor := 0.2 * math.Min(1, (maxSpan-spanMinutes)/maxSpan)
	severityFactor := 0.1 * meanWeight
	probability := symbolFactor + volumeFactor + timeFactor + severityFactor

	affected := make([]string, 0, len(volumeBySymbol))
	for symbol := range volumeBySymbol {
		affected = append(affected, symbol)
	}
	sort.Strings(affected)

	impacts := make(map[string]float64, len(volumeBySymbol))
	for symbol, vol := range volumeBySymbol {
		impacts[symbol] = -math.Min(10, vol/1_000_000*0.5)
	}

	alert := models.CascadeAlert{
		ID:                   fmt.Sprintf("cascade_%s", uuid.New().String()),
		Timestamp:            time.Now().UTC(),
		Severity:             cascadeSeverity(probability),
		InitiatingSymbol:     cluster[0].Symbol,
		AffectedSymbols:      affected,
		CascadeProbability:   probability,
		EstimatedTotalUSD:    totalUSD,
		PriceImpactEstimates: impacts,
		DurationEstimateMin:  30 + probability*60,
		CorrelationStrength:  math.Min(1, float64(len(volumeBySymbol))/5),
		MonitoringPriorities: topSymbolsByVolume(volumeBySymbol, 3),
		Recommendations: []string{
			"reduce leveraged exposure on affected symbols",
			"widen stop distances, expect liquidation-driven wicks",
		},
	}

	a.log.WithComponent("cascade").WithFields(logger.Fields{
		"symbols":     len(volumeBySymbol),
		"events":      len(cluster),
		"total_usd":   totalUSD,
		"probability": probability,
	}).Info("liquidation cluster scored")

	return alert, probability
}

// detectFromPatterns estimates cascade risk from per-symbol risk scores when
// the collector has no qualifying real events.
func (a *Analyzer) detectFromPatterns(ctx context.Context, symbols, exchanges []string) []models.CascadeAlert {
	exchangeName := ""
	if len(exchanges) > 0 {
		exchangeName = exchanges[0]
	}

	var (
		highRisk []string
		probSum  float64
		estUSD   float64
	)
	for _, symbol := range symbols {
		risk, err := a.risk.AssessLiquidationRisk(ctx, symbol, exchangeName, 60)
		if err != nil {
			a.log.WithComponent("cascade").WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
			}).Debug("skipping symbol in pattern-based cascade scan")
			continue
		}
		if risk.LiquidationProbability > 0.6 {
			highRisk = append(highRisk, symbol)
			probSum += risk.LiquidationProbability
			estUSD += risk.LiquidationProbability * 1_000_000
		}
	}

	if len(highRisk) < 3 {
		return nil
	}

	probability := math.Min(1, probSum/float64(len(highRisk))*0.8)
	if probability <= 0.5 {
		return nil
	}

	severity := models.SeverityMedium
	if probability > 0.7 {
		severity = models.SeverityHigh
	}
	sort.Strings(highRisk)

	return []models.CascadeAlert{{
		ID:                  fmt.Sprintf("cascade_%s", uuid.New().String()),
		Timestamp:           time.Now().UTC(),
		Severity:            severity,
		InitiatingSymbol:    highRisk[0],
		AffectedSymbols:     highRisk,
		CascadeProbability:  probability,
		EstimatedTotalUSD:   estUSD,
		DurationEstimateMin: 30 + probability*60,
		CorrelationStrength: math.Min(1, float64(len(highRisk))/5),
		Recommendations: []string{
			"multiple symbols show elevated liquidation risk, monitor closely",
		},
		MonitoringPriorities: highRisk,
	}}
}

func (a *Analyzer) clusterSpan() time.Duration {
	if a.cfg.Cascade.ClusterSpan > 0 {
		return a.cfg.Cascade.ClusterSpan
	}
	return 15 * time.Minute
}

func (a *Analyzer) minClusterEvents() int {
	if a.cfg.Cascade.MinClusterEvents > 1 {
		return a.cfg.Cascade.MinClusterEvents
	}
	return 2
}

func cascadeSeverity(probability float64) models.Severity {
	switch {
	case probability > 0.8:
		return models.SeverityCritical
	case probability > 0.7:
		return models.SeverityHigh
	case probability > 0.6:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func topSymbolsByVolume(volumeBySymbol map[string]float64, n int) []string {
	type entry struct {
		symbol string
		volume float64
	}
	entries := make([]entry, 0, len(volumeBySymbol))
	for s, v := range volumeBySymbol {
		entries = append(entries, entry{s, v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].volume == entries[j].volume {
			return entries[i].symbol < entries[j].symbol
		}
		return entries[i].volume > entries[j].volume
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.symbol
	}
	return out
}
