package exchange

import (
	"sort"
	"strings"
)

// DefaultQuotes — стейблкоины в порядке перебора при оценке в USD.
var DefaultQuotes = []string{"USDT", "USD", "BUSD", "DAI"}

// IsQuote сообщает, является ли актив одной из котировочных валют.
func IsQuote(asset string, quotes []string) bool {
	for _, q := range quotes {
		if strings.EqualFold(asset, q) {
			return true
		}
	}
	return false
}

// commonQuoteSuffixes — суффиксы для грубого разбора "BTCUSDT" без exchangeInfo.
var commonQuoteSuffixes = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "DAI", "USD", "EUR", "BTC", "ETH", "BNB"}

// StripQuote отрезает известный котировочный суффикс: "BTCUSDT" → "BTC".
func StripQuote(symbol string, quotes []string) string {
	s := strings.ToUpper(symbol)
	cands := append(append([]string{}, quotes...), commonQuoteSuffixes...)
	// длинные суффиксы первыми: "ETHBUSD" не должен разобраться как "ETHB"+"USD"
	sort.SliceStable(cands, func(i, j int) bool { return len(cands[i]) > len(cands[j]) })
	for _, q := range cands {
		q = strings.ToUpper(q)
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}
