// Package merge deduplicates liquidation events produced by the collector
// and the detector for the same market move. Events are grouped by symbol,
// exchange and 5-minute bucket; each group collapses into one aggregate
// event with a deterministic id so repeated merges are idempotent.
package merge

import (
	"fmt"
	"sort"
	"time"

	"liqflow/internal/models"
)

const bucketSize = 5 * time.Minute

type groupKey struct {
	symbol   string
	exchange string
	bucket   int64
}

// Events collapses duplicate events. Groups of one pass through unchanged;
// larger groups merge into a single aggregate event. Output order is by
// timestamp ascending.
func Events(events []models.LiquidationEvent) []models.LiquidationEvent {
	if len(events) <= 1 {
		return events
	}

	groups := make(map[groupKey][]models.LiquidationEvent)
	for _, e := range events {
		key := groupKey{
			symbol:   e.Symbol,
			exchange: e.Exchange,
			bucket:   e.Timestamp.Truncate(bucketSize).Unix(),
		}
		groups[key] = append(groups[key], e)
	}

	out := make([]models.LiquidationEvent, 0, len(groups))
	for _, group := range groups {
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		out = append(out, mergeGroup(group))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// mergeGroup folds a group into one event. The earliest event contributes
// the identity fields; amounts sum, impact measures take the max, confidence
// averages, severity takes the maximum of the total order.
func mergeGroup(group []models.LiquidationEvent) models.LiquidationEvent {
	sort.Slice(group, func(i, j int) bool {
		if group[i].Timestamp.Equal(group[j].Timestamp) {
			return group[i].ID < group[j].ID
		}
		return group[i].Timestamp.Before(group[j].Timestamp)
	})

	merged := group[0]
	triggers := make(map[string]bool)
	var confidenceSum float64

	for _, e := range group {
		confidenceSum += e.ConfidenceScore
		for _, t := range e.SuspectedTriggers {
			triggers[t] = true
		}
	}
	for _, e := range group[1:] {
		merged.LiquidatedUSD += e.LiquidatedUSD
		merged.DurationSeconds += e.DurationSeconds
		if e.PriceImpact > merged.PriceImpact {
			merged.PriceImpact = e.PriceImpact
		}
		if e.VolumeSpikeRatio > merged.VolumeSpikeRatio {
			merged.VolumeSpikeRatio = e.VolumeSpikeRatio
		}
		if e.MarketDepthImpact > merged.MarketDepthImpact {
			merged.MarketDepthImpact = e.MarketDepthImpact
		}
		merged.Severity = models.MaxSeverity(merged.Severity, e.Severity)
	}

	merged.ConfidenceScore = confidenceSum / float64(len(group))
	merged.SuspectedTriggers = sortedKeys(triggers)
	merged.ID = fmt.Sprintf("merged_%s_%d", group[0].ID, len(group))
	merged.Normalize()
	return merged
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
