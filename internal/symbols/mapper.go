package symbols

import (
	"fmt"
	"strings"
)

// quoteAssets is checked longest first when splitting concatenated symbols
// such as BTCUSDT.
var quoteAssets = []string{
	"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "USDE",
	"DAI", "USD", "EUR", "TRY", "BRL", "BTC", "ETH", "BNB",
}

var assetAliases = map[string]string{
	"XBT": "BTC",
}

// Dialect describes how a venue spells native symbols.
type Dialect int

const (
	// Concatenated symbols: BTCUSDT (binance, bybit).
	Concatenated Dialect = iota
	// Dashed symbols: BTC-USDT (okx, kucoin spot, coinbase).
	Dashed
)

// DialectOf returns the symbol dialect of a venue kind.
func DialectOf(venue string) Dialect {
	switch strings.ToLower(venue) {
	case "okx", "kucoin", "coinbase":
		return Dashed
	default:
		return Concatenated
	}
}

// ParseInstrument splits a human readable instrument ("BTC/USDT", "btc-usdt",
// "ETH_USDC") into upper-case base and quote.
func ParseInstrument(s string) (string, string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, sep := range []string{"/", "-", "_"} {
		if base, quote, ok := strings.Cut(s, sep); ok {
			base, quote = alias(base), alias(quote)
			if base == "" || quote == "" || strings.ContainsAny(quote, "/-_") {
				break
			}
			return base, quote, nil
		}
	}
	return "", "", fmt.Errorf("instrument %q must look like BASE/QUOTE", s)
}

// Split resolves a venue native symbol to its base and quote assets.
func Split(venue, native string) (string, string, error) {
	sym := strings.ToUpper(strings.TrimSpace(native))
	if sym == "" {
		return "", "", fmt.Errorf("empty symbol for %s", venue)
	}
	switch strings.ToLower(venue) {
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
	case "kucoin":
		sym = strings.TrimSuffix(sym, "M")
	}
	if strings.ContainsAny(sym, "/-_") {
		return ParseInstrument(sym)
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return alias(strings.TrimSuffix(sym, q)), q, nil
		}
	}
	return "", "", fmt.Errorf("cannot split %s symbol %q into base and quote", venue, native)
}

// Native builds the venue native spelling of base/quote.
func Native(venue, base, quote string) string {
	base, quote = strings.ToUpper(base), strings.ToUpper(quote)
	if DialectOf(venue) == Dashed {
		return base + "-" + quote
	}
	return base + quote
}

func alias(asset string) string {
	asset = strings.TrimSpace(asset)
	if a, ok := assetAliases[asset]; ok {
		return a
	}
	return asset
}
