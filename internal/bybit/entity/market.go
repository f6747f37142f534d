package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Credentials расшифрованные ключи пользователя, живут только в памяти
type Credentials struct {
	APIKey    string
	SecretKey string
}

func (c *Credentials) Valid() bool {
	return c != nil && c.APIKey != "" && c.SecretKey != ""
}

// InstrumentRules торговые ограничения инструмента
type InstrumentRules struct {
	Symbol      string
	Status      string
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	TickSize    decimal.Decimal
}

func (r InstrumentRules) Trading() bool {
	return r.Status == "Trading"
}

type CoinBalance struct {
	Coin            string
	Equity          float64
	WalletBalance   float64
	TotalOrderIM    float64
	TotalPositionIM float64
}

// Wallet единый торговый аккаунт (UNIFIED)
type Wallet struct {
	TotalEquity   float64
	AvailableUSDT float64
	Coins         []CoinBalance
}

type Kline struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}
