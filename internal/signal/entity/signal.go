package entity

import (
	"strings"
)

type SignalType string

const (
	SignalMarket    SignalType = "MARKET"
	SignalLimit     SignalType = "LIMIT"
	SignalCancelled SignalType = "CANCELLED"
)

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Signal структурированный сигнал от внешнего парсера.
// Источник (канал и тема) нужен для фильтра отслеживаемых каналов.
type Signal struct {
	Type       SignalType `json:"type" validate:"required,oneof=MARKET LIMIT CANCELLED"`
	Coin       string     `json:"coin" validate:"required,max=30"`
	OrderType  Direction  `json:"order_type" validate:"omitempty,oneof=LONG SHORT"`
	Entries    []float64  `json:"entries" validate:"dive,gt=0"`
	StopLoss   float64    `json:"stop_loss" validate:"gte=0"`
	Targets    []float64  `json:"targets" validate:"dive,gt=0"`
	Confidence *float64   `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=100"`
	LimitPrice *float64   `json:"limit_price,omitempty" validate:"omitempty,gt=0"`

	SourceName string `json:"source_name" validate:"required"`
	ChannelID  int64  `json:"channel_id"`
	TopicID    *int64 `json:"topic_id,omitempty"`
}

// Symbol тикер инструмента linear: BTC -> BTCUSDT
func (s Signal) Symbol() string {
	return NormalizeSymbol(s.Coin)
}

func NormalizeSymbol(coin string) string {
	c := strings.ToUpper(strings.TrimSpace(coin))
	c = strings.TrimPrefix(c, "#")
	c = strings.ReplaceAll(c, "/", "")
	if c == "" || strings.HasSuffix(c, "USDT") {
		return c
	}
	return c + "USDT"
}

// EntryPrice цена входа: лимитная, первая из entries или 0 для рыночного
func (s Signal) EntryPrice() float64 {
	if s.LimitPrice != nil && *s.LimitPrice > 0 {
		return *s.LimitPrice
	}
	if len(s.Entries) > 0 {
		return s.Entries[0]
	}
	return 0
}

func (s Signal) IsLong() bool {
	return s.OrderType == Long
}
