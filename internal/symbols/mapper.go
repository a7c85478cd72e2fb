package symbols

import "strings"

// Canonical converts exchange-specific symbol formats into one canonical
// style (uppercase, no separators, BTC instead of XBT) so events from
// different venues key into the same buffers.
// Supported exchanges: binance, bybit, kucoin, okx.
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "binance", "bybit":
		sym = stripMultiplier(sym)
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	}
	return sym
}

// stripMultiplier removes the 1000x contract prefix some venues use for
// low-priced assets (1000PEPEUSDT and PEPEUSDT are the same market).
func stripMultiplier(sym string) string {
	switch sym {
	case "1000BONKUSDT":
		return "BONKUSDT"
	case "1000PEPEUSDT":
		return "PEPEUSDT"
	case "1000SHIBUSDT", "SHIB1000USDT":
		return "SHIBUSDT"
	}
	return sym
}
