// Package risk scores per-symbol liquidation risk and market-wide stress
// from live market snapshots. Assessments are computed on demand and never
// cached; a snapshot older than one call is already stale in a cascade.
package risk

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	appconfig "liqflow/config"
	"liqflow/internal/exchange"
	"liqflow/internal/models"
	"liqflow/internal/storage"
	"liqflow/logger"
)

const (
	stressComponentDefault = 30.0
	correlationPlaceholder = 50.0
	leveragePlaceholder    = 40.0

	similarEventDays  = 30
	similarEventLimit = 500
)

// EventHistory supplies stored liquidation events as historical context for
// assessments. A nil history leaves the history-derived fields at zero.
type EventHistory interface {
	QueryEvents(ctx context.Context, filter storage.QueryFilter, limit int) ([]models.LiquidationEvent, error)
	AggregateStats(ctx context.Context, symbol, exchange string, hours int) (storage.Stats, error)
}

// Assessor computes stress and risk from exchange market data.
type Assessor struct {
	cfg     *appconfig.Config
	clients map[string]exchange.Client
	history EventHistory
	log     *logger.Log
}

// NewAssessor wires the assessor to its exchange clients and, optionally, the
// event store backing the history-derived fields.
func NewAssessor(cfg *appconfig.Config, clients []exchange.Client, history EventHistory) *Assessor {
	byName := make(map[string]exchange.Client, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	return &Assessor{cfg: cfg, clients: byName, history: history, log: logger.GetLogger()}
}

// exchangeNames returns the requested exchanges, or every wired client when
// the caller does not narrow the set. Order is deterministic.
func (a *Assessor) exchangeNames(requested []string) []string {
	var names []string
	if len(requested) > 0 {
		for _, name := range requested {
			if _, ok := a.clients[name]; ok {
				names = append(names, name)
			}
		}
	} else {
		for name := range a.clients {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// stressSample holds the per-pair component readings of one fetch.
type stressSample struct {
	vol        float64
	hasVol     bool
	funding    float64
	rate       float64
	hasFunding bool
	spread     float64
	hasSpread  bool
}

// AssessMarketStress samples every (symbol, exchange) pair concurrently and
// averages five component stresses into one indicator. Individual pair
// failures are skipped; total failure yields a conservative default rather
// than an error.
func (a *Assessor) AssessMarketStress(ctx context.Context, symbols, exchanges []string) models.MarketStressIndicator {
	names := a.exchangeNames(exchanges)

	indicator := models.MarketStressIndicator{
		Timestamp:            time.Now().UTC(),
		LiquidationVolume24h: a.liquidationVolume24h(ctx),
	}

	var (
		mu      sync.Mutex
		samples []stressSample
		wg      sync.WaitGroup
	)
	for _, symbol := range symbols {
		for _, name := range names {
			symbol, name := symbol, name
			wg.Add(1)
			go func() {
				defer wg.Done()
				sample, ok := a.sampleStress(ctx, symbol, name)
				if !ok {
					return
				}
				mu.Lock()
				samples = append(samples, sample)
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	if len(samples) == 0 {
		indicator.StressScore = 50
		indicator.VolatilityStress = 50
		indicator.FundingRateStress = 50
		indicator.LiquidityStress = 50
		indicator.CorrelationStress = correlationPlaceholder
		indicator.LeverageStress = leveragePlaceholder
		indicator.Warnings = []string{"market data unavailable, returning conservative default"}
		indicator.Normalize()
		// A score of exactly 50 sits on the high breakpoint; the no-data
		// default stays elevated, not high.
		indicator.OverallStressLevel = models.StressElevated
		return indicator
	}

	var volSum, fundSum, spreadSum, rateSum float64
	var volN, fundN, spreadN int
	for _, s := range samples {
		if s.hasVol {
			volSum += s.vol
			volN++
		}
		if s.hasFunding {
			fundSum += s.funding
			rateSum += s.rate
			fundN++
		}
		if s.hasSpread {
			spreadSum += s.spread
			spreadN++
		}
	}

	indicator.VolatilityStress = componentAverage(volSum, volN)
	indicator.FundingRateStress = componentAverage(fundSum, fundN)
	indicator.LiquidityStress = componentAverage(spreadSum, spreadN)
	indicator.CorrelationStress = correlationPlaceholder
	indicator.LeverageStress = leveragePlaceholder
	if fundN > 0 {
		indicator.AvgFundingRate = rateSum / float64(fundN)
	}

	indicator.StressScore = (indicator.VolatilityStress +
		indicator.FundingRateStress +
		indicator.LiquidityStress +
		indicator.CorrelationStress +
		indicator.LeverageStress) / 5

	if indicator.VolatilityStress > 60 {
		indicator.Warnings = append(indicator.Warnings, "realized volatility well above its historical baseline")
		indicator.Recommendations = append(indicator.Recommendations, "reduce position sizes until volatility normalizes")
	}
	if indicator.FundingRateStress > 70 {
		indicator.Warnings = append(indicator.Warnings, "funding rates at stressed levels, crowded positioning likely")
		indicator.Recommendations = append(indicator.Recommendations, "watch for funding-driven liquidation pressure")
	}
	if indicator.LiquidityStress > 50 {
		indicator.Warnings = append(indicator.Warnings, "order book spreads wider than normal")
		indicator.Recommendations = append(indicator.Recommendations, "prefer limit orders, expect slippage on market orders")
	}

	indicator.Normalize()
	return indicator
}

// liquidationVolume24h sums stored liquidation notional over the last day.
func (a *Assessor) liquidationVolume24h(ctx context.Context) float64 {
	if a.history == nil {
		return 0
	}
	stats, err := a.history.AggregateStats(ctx, "", "", 24)
	if err != nil {
		a.log.WithComponent("risk").WithError(err).Debug("failed to aggregate 24h liquidation volume")
		return 0
	}
	return stats.TotalVolumeUSD
}

// sampleStress fetches one pair's stress inputs. Any fetch failure skips the
// pair without affecting siblings.
func (a *Assessor) sampleStress(ctx context.Context, symbol, exchangeName string) (stressSample, bool) {
	client := a.clients[exchangeName]
	var sample stressSample

	candles, err := client.FetchCandles(ctx, symbol, a.candleInterval(), 60)
	if err != nil {
		a.log.WithComponent("risk").WithError(err).WithFields(logger.Fields{
			"symbol":   symbol,
			"exchange": exchangeName,
		}).Debug("stress sample skipped, candle fetch failed")
		return sample, false
	}

	if vol, ok := volatilityStress(candles); ok {
		sample.vol = vol
		sample.hasVol = true
	} else {
		sample.vol = 50
		sample.hasVol = true
	}

	if funding, err := client.FetchFundingRate(ctx, symbol); err == nil && funding != nil {
		sample.funding = math.Min(100, math.Abs(funding.Rate)/a.fundingThreshold()*100)
		sample.rate = funding.Rate
		sample.hasFunding = true
	}

	if book, err := client.FetchOrderBook(ctx, symbol, a.bookDepth()); err == nil {
		// SpreadPercent is already x100; the stress scale expects the raw
		// fraction times 1000.
		sample.spread = math.Min(100, book.SpreadPercent()/100*1000)
		sample.hasSpread = true
	}

	return sample, true
}

// volatilityStress compares short-window realized volatility against the
// longer historical window: min(100, current/historical x 50).
func volatilityStress(candles []models.Candle) (float64, bool) {
	returns := barReturns(candles)
	if len(returns) < 20 {
		return 0, false
	}
	historical := stddev(returns)
	current := stddev(returns[len(returns)-10:])
	if historical <= 0 {
		return 0, false
	}
	return math.Min(100, current/historical*50), true
}

func componentAverage(sum float64, n int) float64 {
	if n == 0 {
		return stressComponentDefault
	}
	return sum / float64(n)
}

func (a *Assessor) candleInterval() string {
	if a.cfg.Detector.CandleInterval != "" {
		return a.cfg.Detector.CandleInterval
	}
	return "5m"
}

func (a *Assessor) bookDepth() int {
	if a.cfg.Detector.OrderBookDepth > 0 {
		return a.cfg.Detector.OrderBookDepth
	}
	return 20
}

func (a *Assessor) fundingThreshold() float64 {
	if a.cfg.Risk.FundingRateThreshold > 0 {
		return a.cfg.Risk.FundingRateThreshold
	}
	return 0.01
}

func barReturns(candles []models.Candle) []float64 {
	var returns []float64
	for i := 1; i < len(candles); i++ {
		if candles[i-1].Close > 0 {
			returns = append(returns, (candles[i].Close-candles[i-1].Close)/candles[i-1].Close)
		}
	}
	return returns
}

func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}
