// Package detector infers liquidation events from market microstructure.
// Unlike the collector, which records what a venue reported, the detector
// flags bars whose volume and return pattern look like forced closures.
package detector

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"

	"liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/logger"
)

const (
	minBars        = 20
	volumeMAPeriod = 20
	rsiPeriod      = 14
	candidateBars  = 10
)

// Detector scans market snapshots for liquidation signatures.
type Detector struct {
	log *logger.Log
}

func NewDetector() *Detector {
	return &Detector{log: logger.GetLogger()}
}

// AnalyzeLiquidationPatterns inspects the last bars of a snapshot and
// returns inferred liquidation events. Fewer than 20 bars is a defined
// non-error outcome with an empty result. sensitivity in [0,1] raises both
// the candidate bar and the confidence emission thresholds.
func (d *Detector) AnalyzeLiquidationPatterns(snap models.MarketSnapshot, sensitivity float64) []models.LiquidationEvent {
	sensitivity = models.Clamp01(sensitivity)
	bars := snap.Candles
	if len(bars) < minBars {
		d.log.WithComponent("detector").WithFields(logger.Fields{
			"symbol":   snap.Symbol,
			"exchange": snap.Exchange,
			"bars":     len(bars),
		}).Debug("insufficient bars for pattern analysis")
		return nil
	}

	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		volumes[i] = b.Volume
	}

	returns := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close > 0 {
			returns[i] = (bars[i].Close - bars[i-1].Close) / bars[i-1].Close
		}
	}

	volumeMA := talib.Sma(volumes, volumeMAPeriod)
	rsi := talib.Rsi(closes, rsiPeriod)
	volatility := returnVolatility(returns, volumeMAPeriod)

	var fundingRate *float64
	if snap.Funding != nil {
		r := snap.Funding.Rate
		fundingRate = &r
	}

	spread := snap.Book.SpreadPercent()
	imbalance := snap.Book.Imbalance(10)

	var events []models.LiquidationEvent
	// The volume MA is undefined before one full period; the ma guard below
	// also skips that region when the window overlaps it.
	start := len(bars) - candidateBars
	if start < volumeMAPeriod-1 {
		start = volumeMAPeriod - 1
	}
	for i := start; i < len(bars); i++ {
		bar := bars[i]
		ret := returns[i]
		ma := volumeMA[i]
		if ma <= 0 {
			continue
		}

		if bar.Volume <= ma*3.0*sensitivity || math.Abs(ret) <= 0.02*sensitivity {
			continue
		}

		volumeRatio := bar.Volume / ma
		liqType := classifyType(ret, volumeRatio)
		severity := classifySeverity(ret, volumeRatio)
		confidence := (math.Min(1, volumeRatio/5) + math.Min(1, math.Abs(ret)/0.05)) / 2
		if confidence <= sensitivity {
			continue
		}

		event := models.LiquidationEvent{
			ID:                 fmt.Sprintf("pat_%s", uuid.New().String()),
			Symbol:             snap.Symbol,
			Exchange:           snap.Exchange,
			Timestamp:          bar.Timestamp,
			LiquidationType:    liqType,
			Severity:           severity,
			ConfidenceScore:    confidence,
			TriggerPrice:       bar.Close,
			PriceImpact:        ret * 100,
			VolumeSpikeRatio:   volumeRatio,
			LiquidatedUSD:      bar.Volume * bar.Close,
			SpreadPercent:      spread,
			OrderBookImbalance: imbalance,
			MarketDepthImpact:  math.Min(100, bar.Volume/1_000_000*10),
			FundingRate:        fundingRate,
			SuspectedTriggers:  suspectedTriggers(ret, bar.Volume, ma, fundingRate),
			MarketConditions: map[string]float64{
				"rsi":               rsi[i],
				"volume_ma":         ma,
				"return_volatility": volatility,
			},
		}
		if !math.IsNaN(rsi[i]) {
			r := rsi[i]
			event.RSI = &r
		}
		event.Normalize()
		events = append(events, event)
		metrics.IncEventDetected(snap.Exchange, string(severity))
	}

	if len(events) > 0 {
		d.log.WithComponent("detector").WithFields(logger.Fields{
			"symbol":      snap.Symbol,
			"exchange":    snap.Exchange,
			"events":      len(events),
			"sensitivity": sensitivity,
		}).Info("liquidation patterns detected")
	}
	return events
}

// returnVolatility is the standard deviation of the last period returns.
func returnVolatility(returns []float64, period int) float64 {
	if len(returns) < period {
		period = len(returns)
	}
	if period == 0 {
		return 0
	}
	window := returns[len(returns)-period:]
	var mean float64
	for _, r := range window {
		mean += r
	}
	mean /= float64(period)
	var variance float64
	for _, r := range window {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(period))
}

func classifyType(ret, volumeRatio float64) models.LiquidationType {
	switch {
	case volumeRatio > 5 && math.Abs(ret) > 0.05:
		return models.TypeCascadeEvent
	case ret < -0.03:
		return models.TypeLongLiquidation
	case ret > 0.03:
		return models.TypeShortLiquidation
	default:
		return models.TypeFlashCrash
	}
}

func classifySeverity(ret, volumeRatio float64) models.Severity {
	score := (math.Abs(ret)*100 + volumeRatio*10) / 2
	switch {
	case score < 2:
		return models.SeverityLow
	case score < 5:
		return models.SeverityMedium
	case score < 10:
		return models.SeverityHigh
	default:
		return models.SeverityCritical
	}
}

func suspectedTriggers(ret, volume, volumeMA float64, funding *float64) []string {
	var triggers []string
	if funding != nil && math.Abs(*funding) > 0.005 {
		triggers = append(triggers, "high_funding_rate")
	}
	if volumeMA > 0 && volume > 5*volumeMA {
		triggers = append(triggers, "volume_spike")
	}
	if math.Abs(ret) > 0.03 {
		triggers = append(triggers, "price_shock")
	}
	// Detector events always carry this marker so downstream consumers can
	// tell inferred events from feed-sourced ones.
	triggers = append(triggers, "pattern_detection")
	return triggers
}
