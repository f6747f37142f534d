package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"tradepilot/internal/bybit/entity"
)

type instrumentsResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
		LotSizeFilter struct {
			QtyStep          string `json:"qtyStep"`
			MinOrderQty      string `json:"minOrderQty"`
			MinNotionalValue string `json:"minNotionalValue"`
		} `json:"lotSizeFilter"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
	} `json:"list"`
}

// RulesCache кэш торговых правил по символу. Записи живут до конца процесса,
// конкурентные промахи по одному символу сводятся к одному запросу.
type RulesCache struct {
	client *BybitHTTPClient
	mu     sync.RWMutex
	rules  map[string]entity.InstrumentRules
	group  singleflight.Group
}

func NewRulesCache(client *BybitHTTPClient) *RulesCache {
	return &RulesCache{
		client: client,
		rules:  make(map[string]entity.InstrumentRules),
	}
}

// Get возвращает правила из кэша или загружает их с биржи
func (c *RulesCache) Get(ctx context.Context, symbol string) (entity.InstrumentRules, error) {
	c.mu.RLock()
	r, ok := c.rules[symbol]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}

	v, err, _ := c.group.Do(symbol, func() (interface{}, error) {
		rules, err := c.fetch(ctx, symbol)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.rules[symbol] = rules
		c.mu.Unlock()
		return rules, nil
	})
	if err != nil {
		return entity.InstrumentRules{}, err
	}
	return v.(entity.InstrumentRules), nil
}

// Invalidate убирает символ из кэша (например, после делистинга)
func (c *RulesCache) Invalidate(symbol string) {
	c.mu.Lock()
	delete(c.rules, symbol)
	c.mu.Unlock()
}

func (c *RulesCache) fetch(ctx context.Context, symbol string) (entity.InstrumentRules, error) {
	raw, err := c.client.get(ctx, BybitAPIVersion+"/market/instruments-info", map[string]string{
		"category": CategoryLinear,
		"symbol":   symbol,
	}, nil)
	if err != nil {
		return entity.InstrumentRules{}, fmt.Errorf("%w: %s: %v", ErrRulesUnavailable, symbol, err)
	}

	var res instrumentsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return entity.InstrumentRules{}, fmt.Errorf("%w: %s: %v", ErrRulesUnavailable, symbol, err)
	}
	if len(res.List) == 0 {
		return entity.InstrumentRules{}, fmt.Errorf("%w: unknown symbol %s", ErrRulesUnavailable, symbol)
	}

	item := res.List[0]
	return entity.InstrumentRules{
		Symbol:      item.Symbol,
		Status:      item.Status,
		QtyStep:     parseDec(item.LotSizeFilter.QtyStep),
		MinQty:      parseDec(item.LotSizeFilter.MinOrderQty),
		MinNotional: parseDec(item.LotSizeFilter.MinNotionalValue),
		TickSize:    parseDec(item.PriceFilter.TickSize),
	}, nil
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
