package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradepilot/internal/bybit/entity"
)

// Gateway типизированная обёртка над REST API Bybit для движка сделок.
// Все операции принимают ключи пользователя явно и возвращают ошибку или тегированный результат.
type Gateway struct {
	client      *BybitHTTPClient
	rules       *RulesCache
	ticker      *TickerStream
	safetyTicks int
	logger      zerolog.Logger

	// hedge режим по api key: true - позиции с positionIdx 1/2
	modeMu sync.RWMutex
	hedge  map[string]bool

	retryMin time.Duration
	retryMax time.Duration
	now      func() time.Time
}

type GatewayOptions struct {
	SafetyTicks int
	Ticker      *TickerStream
}

func NewGateway(client *BybitHTTPClient, opts GatewayOptions, logger zerolog.Logger) *Gateway {
	return &Gateway{
		client:      client,
		rules:       NewRulesCache(client),
		ticker:      opts.Ticker,
		safetyTicks: opts.SafetyTicks,
		logger:      logger.With().Str("component", "BybitGateway").Logger(),
		hedge:       make(map[string]bool),
		retryMin:    200 * time.Millisecond,
		retryMax:    800 * time.Millisecond,
		now:         time.Now,
	}
}

// InstrumentRules возвращает правила символа из кэша или с биржи
func (g *Gateway) InstrumentRules(ctx context.Context, symbol string) (entity.InstrumentRules, error) {
	return g.rules.Get(ctx, symbol)
}

type tickersResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		MarkPrice string `json:"markPrice"`
	} `json:"list"`
}

// MarketPrice последняя цена сделки. Свежая цена из потока тикеров используется без REST.
func (g *Gateway) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	if g.ticker != nil {
		if p, ok := g.ticker.Price(symbol); ok {
			return p, nil
		}
		g.ticker.Subscribe(symbol)
	}

	raw, err := g.client.get(ctx, BybitAPIVersion+"/market/tickers", map[string]string{
		"category": CategoryLinear,
		"symbol":   symbol,
	}, nil)
	if err != nil {
		return 0, err
	}
	var res tickersResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("failed to parse tickers: %w", err)
	}
	if len(res.List) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	price, err := strconv.ParseFloat(res.List[0].LastPrice, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return price, nil
}

type walletResult struct {
	List []struct {
		TotalEquity string `json:"totalEquity"`
		Coin        []struct {
			Coin            string `json:"coin"`
			Equity          string `json:"equity"`
			WalletBalance   string `json:"walletBalance"`
			TotalOrderIM    string `json:"totalOrderIM"`
			TotalPositionIM string `json:"totalPositionIM"`
		} `json:"coin"`
	} `json:"list"`
}

// AccountEquity баланс единого аккаунта. Доступные USDT = walletBalance - totalOrderIM - totalPositionIM.
func (g *Gateway) AccountEquity(ctx context.Context, creds *entity.Credentials) (entity.Wallet, error) {
	raw, err := g.client.get(ctx, BybitAPIVersion+"/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
	}, creds)
	if err != nil {
		return entity.Wallet{}, err
	}
	var res walletResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return entity.Wallet{}, fmt.Errorf("failed to parse wallet: %w", err)
	}
	if len(res.List) == 0 {
		return entity.Wallet{}, nil
	}

	acc := res.List[0]
	w := entity.Wallet{TotalEquity: parseFloat(acc.TotalEquity)}
	for _, c := range acc.Coin {
		cb := entity.CoinBalance{
			Coin:            c.Coin,
			Equity:          parseFloat(c.Equity),
			WalletBalance:   parseFloat(c.WalletBalance),
			TotalOrderIM:    parseFloat(c.TotalOrderIM),
			TotalPositionIM: parseFloat(c.TotalPositionIM),
		}
		w.Coins = append(w.Coins, cb)
		if c.Coin == "USDT" {
			w.AvailableUSDT = cb.WalletBalance - cb.TotalOrderIM - cb.TotalPositionIM
		}
	}
	return w, nil
}

// Klines свечи по возрастанию времени
func (g *Gateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]entity.Kline, error) {
	raw, err := g.client.get(ctx, BybitAPIVersion+"/market/kline", map[string]string{
		"category": CategoryLinear,
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	out := make([]entity.Kline, 0, len(res.List))
	for _, row := range res.List {
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		out = append(out, entity.Kline{
			Start:  time.UnixMilli(ms).UTC(),
			Open:   parseFloat(row[1]),
			High:   parseFloat(row[2]),
			Low:    parseFloat(row[3]),
			Close:  parseFloat(row[4]),
			Volume: parseFloat(row[5]),
		})
	}
	// Bybit отдаёт от новых к старым
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (g *Gateway) isHedge(creds *entity.Credentials) bool {
	g.modeMu.RLock()
	defer g.modeMu.RUnlock()
	return g.hedge[creds.APIKey]
}

func (g *Gateway) setHedge(creds *entity.Credentials, hedge bool) {
	g.modeMu.Lock()
	g.hedge[creds.APIKey] = hedge
	g.modeMu.Unlock()
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
