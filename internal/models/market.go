package models

import "time"

// Candle is one OHLCV bar in ascending time order.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Level is one price level of an order book side.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook holds both sides best-price-first.
type OrderBook struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// SpreadPercent returns the top-of-book spread relative to the mid price, as
// a percentage. Empty books yield zero.
func (b OrderBook) SpreadPercent() float64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	bid := b.Bids[0].Price
	ask := b.Asks[0].Price
	mid := (bid + ask) / 2
	if mid <= 0 {
		return 0
	}
	return (ask - bid) / mid * 100
}

// Imbalance returns the normalized top-N volume imbalance in [-1,1].
// Positive values mean bid-heavy books.
func (b OrderBook) Imbalance(depth int) float64 {
	var bidVol, askVol float64
	for i, l := range b.Bids {
		if i >= depth {
			break
		}
		bidVol += l.Size
	}
	for i, l := range b.Asks {
		if i >= depth {
			break
		}
		askVol += l.Size
	}
	total := bidVol + askVol
	if total <= 0 {
		return 0
	}
	return Clamp((bidVol-askVol)/total, -1, 1)
}

// Trade is a single public trade print.
type Trade struct {
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      string    `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// FundingRate is the current perpetual funding rate for a symbol. Absence of
// funding data is expected for some venues and is handled, not fatal.
type FundingRate struct {
	Rate        float64   `json:"rate"`
	NextFunding time.Time `json:"next_funding,omitempty"`
}

// MarketSnapshot bundles everything the detector and assessors need about
// one (symbol, exchange) pair at a point in time.
type MarketSnapshot struct {
	Symbol   string       `json:"symbol"`
	Exchange string       `json:"exchange"`
	Candles  []Candle     `json:"candles"`
	Book     OrderBook    `json:"book"`
	Trades   []Trade      `json:"trades"`
	Funding  *FundingRate `json:"funding,omitempty"`
}
