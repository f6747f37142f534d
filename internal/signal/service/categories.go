package service

import (
	"strings"

	signalEntity "tradepilot/internal/signal/entity"
)

// categories ключевые слова whitelist, раскрывающиеся в набор тикеров
var categories = map[string][]string{
	"MAJORS":   {"BTC", "ETH", "BNB", "SOL", "XRP"},
	"L1":       {"ETH", "SOL", "AVAX", "ADA", "DOT", "NEAR", "APT", "SUI", "ATOM", "TRX", "TON", "SEI"},
	"L2":       {"ARB", "OP", "MATIC", "POL", "STRK", "IMX", "MNT", "ZK"},
	"DEFI":     {"UNI", "AAVE", "MKR", "LDO", "CRV", "COMP", "SNX", "DYDX", "PENDLE", "JUP", "1INCH"},
	"MEME":     {"DOGE", "SHIB", "PEPE", "1000PEPE", "WIF", "BONK", "1000BONK", "FLOKI", "1000FLOKI", "BOME", "MEME"},
	"AI":       {"FET", "RENDER", "TAO", "WLD", "AGIX", "ARKM", "AI16Z", "VIRTUAL"},
	"GAMING":   {"AXS", "SAND", "MANA", "GALA", "IMX", "BEAM", "PIXEL"},
	"ORACLE":   {"LINK", "PYTH", "BAND", "API3", "TRB"},
	"STORAGE":  {"FIL", "AR", "STORJ"},
	"EXCHANGE": {"BNB", "OKB", "CRO", "GT", "KCS"},
}

// CategorySymbols раскрывает категорию в тикеры linear. Второе значение false, если слово не категория.
func CategorySymbols(keyword string) ([]string, bool) {
	coins, ok := categories[strings.ToUpper(strings.TrimSpace(keyword))]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(coins))
	for _, c := range coins {
		out = append(out, signalEntity.NormalizeSymbol(c))
	}
	return out, true
}

// whitelisted проверяет тикер по смешанному списку тикеров и категорий.
// Пустой список ничего не ограничивает.
func whitelisted(whitelist []string, symbol string) bool {
	if len(whitelist) == 0 {
		return true
	}
	for _, item := range whitelist {
		if symbols, ok := CategorySymbols(item); ok {
			for _, s := range symbols {
				if s == symbol {
					return true
				}
			}
			continue
		}
		if signalEntity.NormalizeSymbol(item) == symbol {
			return true
		}
	}
	return false
}
