package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"liqflow/internal/exchange"
	"liqflow/internal/models"
	"liqflow/internal/storage"
	"liqflow/logger"
)

const pivotWing = 2 // bars on each side of a 5-bar pivot

// AssessLiquidationRisk scores the liquidation risk of one symbol over the
// given horizon. This is the only engine call that propagates a failure:
// callers must know risk is unknown rather than receive a silent default.
func (a *Assessor) AssessLiquidationRisk(ctx context.Context, symbol, exchangeName string, horizonMinutes int) (models.LiquidationRisk, error) {
	if horizonMinutes <= 0 {
		horizonMinutes = a.cfg.Risk.DefaultHorizonMinutes
	}
	if horizonMinutes <= 0 {
		horizonMinutes = 60
	}

	snap, err := a.fetchSnapshot(ctx, symbol, exchangeName)
	if err != nil {
		return models.LiquidationRisk{}, fmt.Errorf("assess liquidation risk for %s: %w", symbol, err)
	}
	if len(snap.Candles) == 0 {
		return models.LiquidationRisk{}, fmt.Errorf("assess liquidation risk for %s: no candle data", symbol)
	}

	currentPrice := snap.Candles[len(snap.Candles)-1].Close

	risk := models.LiquidationRisk{
		Symbol:              symbol,
		Exchange:            snap.Exchange,
		Timestamp:           time.Now().UTC(),
		TimeHorizonMinutes:  horizonMinutes,
		CurrentPrice:        currentPrice,
		FundingRatePressure: fundingPressure(snap.Funding, a.fundingThreshold()),
		LiquidityRisk:       liquidityRisk(snap.Book),
		TechnicalWeakness:   technicalWeakness(snap.Candles),
	}

	risk.SimilarEventCount = a.similarEventCount(ctx, symbol, snap.Exchange)

	supports, resistances := pivotLevels(snap.Candles, currentPrice)
	risk.SupportLevels = supports
	risk.ResistanceLevels = resistances
	if len(supports) > 0 && currentPrice > 0 {
		nearest := supports[len(supports)-1]
		risk.DistanceToRisk = (currentPrice - nearest) / currentPrice * 100
	}

	risk.Normalize()

	a.log.WithComponent("risk").WithFields(logger.Fields{
		"symbol":      symbol,
		"exchange":    snap.Exchange,
		"probability": risk.LiquidationProbability,
		"level":       string(risk.RiskLevel),
	}).Debug("liquidation risk assessed")

	return risk, nil
}

// similarEventCount counts stored liquidations of this symbol over the last
// month, across all venues so thin per-exchange history does not hide a
// repeat offender.
func (a *Assessor) similarEventCount(ctx context.Context, symbol, exchangeName string) int {
	if a.history == nil {
		return 0
	}
	events, err := a.history.QueryEvents(ctx, storage.QueryFilter{
		Symbol: symbol,
		Since:  time.Now().UTC().AddDate(0, 0, -similarEventDays),
	}, similarEventLimit)
	if err != nil {
		a.log.WithComponent("risk").WithError(err).WithFields(logger.Fields{
			"symbol":   symbol,
			"exchange": exchangeName,
		}).Debug("failed to count similar events")
		return 0
	}
	return len(events)
}

// fetchSnapshot resolves the client for the requested exchange, or tries
// every wired client in deterministic order when none is named.
func (a *Assessor) fetchSnapshot(ctx context.Context, symbol, exchangeName string) (models.MarketSnapshot, error) {
	bars := a.cfg.Detector.LookbackBars
	if bars < 50 {
		bars = 50
	}

	if exchangeName != "" {
		client, ok := a.clients[exchangeName]
		if !ok {
			return models.MarketSnapshot{}, fmt.Errorf("no client for exchange %q", exchangeName)
		}
		return exchange.Snapshot(ctx, client, symbol, a.candleInterval(), bars, a.bookDepth(), a.cfg.Detector.TradeLimit)
	}

	var lastErr error
	for _, name := range a.exchangeNames(nil) {
		snap, err := exchange.Snapshot(ctx, a.clients[name], symbol, a.candleInterval(), bars, a.bookDepth(), a.cfg.Detector.TradeLimit)
		if err == nil {
			return snap, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no exchange clients configured")
	}
	return models.MarketSnapshot{}, lastErr
}

// fundingPressure scores crowding pressure from the perp funding rate:
// min(100, |rate|/threshold x 50), 30 when funding data is unavailable.
func fundingPressure(funding *models.FundingRate, threshold float64) float64 {
	if funding == nil {
		return 30
	}
	return math.Min(100, math.Abs(funding.Rate)/threshold*50)
}

// liquidityRisk is the mean of a spread-based and an imbalance-based score.
func liquidityRisk(book models.OrderBook) float64 {
	spreadScore := math.Min(100, book.SpreadPercent()/100*1000)
	imbalanceScore := math.Abs(book.Imbalance(10)) * 100
	return (spreadScore + imbalanceScore) / 2
}

// technicalWeakness is the mean of three 0-100 signals: RSI extremity,
// proximity to the 20-bar low and volume decline.
func technicalWeakness(candles []models.Candle) float64 {
	if len(candles) < 20 {
		return 30
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	var rsiScore float64
	rsi := talib.Rsi(closes, 14)
	last := rsi[len(rsi)-1]
	if last > 0 {
		rsiScore = math.Min(100, math.Abs(last-50)*2)
	}

	window := candles[len(candles)-20:]
	low := window[0].Low
	for _, c := range window {
		if c.Low < low {
			low = c.Low
		}
	}
	current := candles[len(candles)-1].Close
	var lowScore float64
	if low > 0 && current >= low {
		distPct := (current - low) / low * 100
		lowScore = models.Clamp(100-distPct*10, 0, 100)
	}

	var volScore float64
	recent := meanVolume(candles[len(candles)-5:])
	prior := meanVolume(candles[len(candles)-20 : len(candles)-5])
	if prior > 0 && recent < prior {
		volScore = math.Min(100, (1-recent/prior)*200)
	}

	return (rsiScore + lowScore + volScore) / 3
}

func meanVolume(candles []models.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles {
		sum += c.Volume
	}
	return sum / float64(len(candles))
}

// pivotLevels derives support and resistance from 5-bar centered pivot lows
// and highs, filtered to the correct side of the current price. The 5 most
// recent levels per side are kept, oldest first.
func pivotLevels(candles []models.Candle, currentPrice float64) (supports, resistances []float64) {
	for i := pivotWing; i < len(candles)-pivotWing; i++ {
		isLow, isHigh := true, true
		for j := i - pivotWing; j <= i+pivotWing; j++ {
			if j == i {
				continue
			}
			if candles[j].Low <= candles[i].Low {
				isLow = false
			}
			if candles[j].High >= candles[i].High {
				isHigh = false
			}
		}
		if isLow && candles[i].Low < currentPrice {
			supports = append(supports, candles[i].Low)
		}
		if isHigh && candles[i].High > currentPrice {
			resistances = append(resistances, candles[i].High)
		}
	}
	if len(supports) > 5 {
		supports = supports[len(supports)-5:]
	}
	if len(resistances) > 5 {
		resistances = resistances[len(resistances)-5:]
	}
	return supports, resistances
}
