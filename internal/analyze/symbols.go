package analyze

import (
	"regexp"
	"sort"
	"strings"
)

// commonWords are uppercase tokens that look like tickers but are
// ordinary forum English. Cashtags matching these are ignored.
var commonWords = map[string]bool{
	"A": true, "I": true, "AM": true, "PM": true, "AN": true, "AS": true,
	"AT": true, "BE": true, "BY": true, "DO": true, "GO": true, "HE": true,
	"IF": true, "IN": true, "IS": true, "IT": true, "ME": true, "MY": true,
	"NO": true, "OF": true, "OK": true, "ON": true, "OR": true, "SO": true,
	"TO": true, "UP": true, "US": true, "WE": true, "ALL": true, "AND": true,
	"ARE": true, "BIG": true, "BUT": true, "CAN": true, "CEO": true,
	"DAY": true, "DD": true, "DIP": true, "ETF": true, "FOR": true,
	"GET": true, "GOT": true, "HAS": true, "HOW": true, "IPO": true,
	"ITS": true, "LOT": true, "LOW": true, "MAY": true, "NEW": true,
	"NOT": true, "NOW": true, "OLD": true, "ONE": true, "OUR": true,
	"OUT": true, "OWN": true, "PUT": true, "RUN": true, "SEE": true,
	"THE": true, "TOP": true, "TRY": true, "TWO": true, "WAY": true,
	"WHO": true, "WHY": true, "WIN": true, "YET": true, "YOU": true,
	"ATH": true, "ATL": true, "AVG": true, "BUY": true, "EPS": true,
	"FED": true, "GDP": true, "IMO": true, "LOL": true, "QE": true,
	"ROI": true, "SEC": true, "USA": true, "USD": true, "YTD": true,
	"YOLO": true, "HODL": true, "FOMO": true, "FUD": true, "TLDR": true,
	"EDIT": true, "FREE": true, "JUST": true, "LIKE": true, "LONG": true,
	"MUCH": true, "NEXT": true, "ONLY": true, "OVER": true, "SOME": true,
	"STOP": true, "THAN": true, "THAT": true, "THEM": true, "THEN": true,
	"THIS": true, "VERY": true, "WANT": true, "WHAT": true, "WHEN": true,
	"WITH": true, "WORK": true, "YEAR": true, "YOUR": true, "BEEN": true,
	"CALL": true, "CASH": true, "DOWN": true, "EVEN": true, "EVER": true,
	"GOOD": true, "HAVE": true, "HERE": true, "HIGH": true, "HOLD": true,
	"LAST": true, "LESS": true, "LOOK": true, "LOSS": true, "MADE": true,
	"MAKE": true, "MORE": true, "MOST": true, "MOVE": true, "MUST": true,
	"NEED": true, "SELL": true, "TAKE": true, "TIME": true, "WILL": true,
	"WERE": true, "BEST": true, "GAIN": true, "PUTS": true, "CALLS": true,
	"SHORT": true,
}

// popularTickers are recognized bare, without a cashtag.
var popularTickers = map[string]bool{
	"AAPL": true, "MSFT": true, "GOOGL": true, "GOOG": true, "AMZN": true,
	"NVDA": true, "META": true, "TSLA": true, "BRK": true, "JPM": true,
	"V": true, "JNJ": true, "WMT": true, "PG": true, "MA": true,
	"UNH": true, "HD": true, "DIS": true, "BAC": true,
	"AMD": true, "INTC": true, "CRM": true, "ADBE": true, "NFLX": true,
	"PYPL": true, "SQ": true, "SHOP": true, "UBER": true, "LYFT": true,
	"SNAP": true, "PINS": true, "ZM": true, "DOCU": true, "CRWD": true,
	"NET": true, "PLTR": true, "SNOW": true, "COIN": true, "HOOD": true,
	"SOFI": true, "RIVN": true, "LCID": true, "NIO": true, "XPEV": true,
	"GME": true, "AMC": true, "BB": true, "BBBY": true, "WISH": true,
	"CLOV": true, "SPCE": true,
	"SPY": true, "QQQ": true, "IWM": true, "DIA": true, "VTI": true,
	"VOO": true, "VXX": true, "ARKK": true, "SQQQ": true, "TQQQ": true,
	"MSTR": true, "MARA": true, "RIOT": true, "HUT": true, "BITF": true,
	"GBTC": true, "ETHE": true,
}

var cryptoSymbols = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "XRP": true, "ADA": true,
	"DOGE": true, "SHIB": true, "DOT": true, "AVAX": true, "MATIC": true,
	"LINK": true, "UNI": true, "ATOM": true, "LTC": true, "BCH": true,
	"XLM": true, "ALGO": true, "VET": true, "FIL": true, "AAVE": true,
	"NEAR": true, "FTM": true, "HBAR": true, "EGLD": true, "FLOW": true,
	"CAKE": true, "RUNE": true, "ZEC": true, "DASH": true, "COMP": true,
	"MKR": true, "SNX": true, "YFI": true, "SUSHI": true, "CRV": true,
	"BAT": true, "PEPE": true, "BONK": true, "WIF": true, "FLOKI": true,
}

var forexPairs = map[string]bool{
	"EURUSD": true, "GBPUSD": true, "USDJPY": true, "USDCHF": true,
	"AUDUSD": true, "USDCAD": true, "NZDUSD": true, "EURGBP": true,
	"EURJPY": true, "GBPJPY": true, "AUDJPY": true, "EURAUD": true,
	"EURCHF": true, "GBPCHF": true, "AUDCAD": true, "CADJPY": true,
	"NZDJPY": true, "AUDNZD": true, "EURNZD": true, "GBPAUD": true,
	"GBPCAD": true,
}

var (
	cashtagRe    = regexp.MustCompile(`\$([A-Za-z]{1,5})\b`)
	standaloneRe = regexp.MustCompile(`\b([A-Z]{2,5})\b`)
	forexRe      = regexp.MustCompile(`\b([A-Z]{3})/?([A-Z]{3})\b`)
	cryptoRe     = regexp.MustCompile(`(?i)\b(BTC|ETH|SOL|XRP|DOGE|ADA)[-/]?(USD|USDT|USDC)?\b`)
)

// ExtractSymbols pulls ticker, crypto and forex symbols out of free
// text. Cashtags are taken at face value unless they collide with a
// common word; bare tokens only count when they are a known symbol.
// The result keeps first-occurrence order with duplicates removed.
func ExtractSymbols(text string) []string {
	if text == "" {
		return nil
	}

	type hit struct {
		symbol string
		offset int
	}
	var hits []hit

	for _, m := range cashtagRe.FindAllStringSubmatchIndex(text, -1) {
		symbol := strings.ToUpper(text[m[2]:m[3]])
		if !commonWords[symbol] {
			hits = append(hits, hit{symbol, m[0]})
		}
	}
	for _, m := range standaloneRe.FindAllStringSubmatchIndex(text, -1) {
		symbol := text[m[2]:m[3]]
		if popularTickers[symbol] || cryptoSymbols[symbol] {
			hits = append(hits, hit{symbol, m[0]})
		}
	}
	for _, m := range forexRe.FindAllStringSubmatchIndex(text, -1) {
		pair := text[m[2]:m[3]] + text[m[4]:m[5]]
		if forexPairs[pair] {
			hits = append(hits, hit{pair, m[0]})
		}
	}
	for _, m := range cryptoRe.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{strings.ToUpper(text[m[2]:m[3]]), m[0]})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].offset < hits[j].offset })

	seen := make(map[string]bool, len(hits))
	var symbols []string
	for _, h := range hits {
		if !seen[h.symbol] {
			seen[h.symbol] = true
			symbols = append(symbols, h.symbol)
		}
	}
	return symbols
}

// mergeSymbols unions the model's symbol list with the regex extraction,
// model list first. The model is authoritative for scoring; the union is
// what gets stored.
func mergeSymbols(fromModel, extracted []string) []string {
	seen := make(map[string]bool, len(fromModel)+len(extracted))
	var merged []string
	for _, lists := range [][]string{fromModel, extracted} {
		for _, s := range lists {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			merged = append(merged, s)
		}
	}
	return merged
}

// filterSentiments drops mapping keys that are not listed symbols and
// clamps every per-symbol score.
func filterSentiments(sentiments map[string]float64, symbols []string) map[string]float64 {
	if len(sentiments) == 0 {
		return nil
	}
	listed := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		listed[s] = true
	}
	filtered := make(map[string]float64, len(sentiments))
	for k, v := range sentiments {
		key := strings.ToUpper(strings.TrimSpace(k))
		if listed[key] {
			filtered[key] = clampScore(v)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}
