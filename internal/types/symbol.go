package types

import "strings"

// SplitSymbol splits a "BASE-QUOTE" trading pair into its assets. A symbol
// without a separator is treated as quoted in USD.
func SplitSymbol(symbol string) (base, quote string) {
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, "USD"
}

// QuoteAsset returns the quote currency of a trading pair.
func QuoteAsset(symbol string) string {
	_, quote := SplitSymbol(symbol)
	return quote
}

// BaseAsset returns the base asset of a trading pair.
func BaseAsset(symbol string) string {
	base, _ := SplitSymbol(symbol)
	return base
}
