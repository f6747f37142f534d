package entity

import "time"

// Side сторона ордера или позиции в терминах Bybit
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// HedgeIdx возвращает positionIdx для режима хеджирования
func (s Side) HedgeIdx() int {
	if s == SideBuy {
		return 1
	}
	return 2
}

type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
	OrderStatusDeactivated     OrderStatus = "Deactivated"
	OrderStatusUntriggered     OrderStatus = "Untriggered"
)

// IsOpen — ордер ещё может исполниться
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled || s == OrderStatusUntriggered
}

// OrderRequest описывает новый ордер на открытие позиции.
// TakeProfit и StopLoss равные нулю не отправляются.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Qty        float64
	Price      float64 // только для лимитных
	TakeProfit float64
	StopLoss   float64
	Leverage   int
}

type OrderResult struct {
	OrderID     string
	OrderLinkID string
	Qty         float64
	Price       float64
}

type OrderInfo struct {
	OrderID       string
	Symbol        string
	Side          Side
	Status        OrderStatus
	Price         float64
	Qty           float64
	CumExecQty    float64
	AvgPrice      float64
	StopOrderType string
	CreatedTime   time.Time
	UpdatedTime   time.Time
}

const (
	SkipQtyBelowMin    = "qty_below_min"
	SkipNoOpenPosition = "no_open_position"
	SkipNotModified    = "not_modified"
	SkipNotImproved    = "not_improved"
)

// CloseResult итог reduce-only закрытия. Skipped заполнен, если ордер не отправлялся.
type CloseResult struct {
	Sent    bool
	Skipped string
	OrderID string
	Side    Side
	Qty     float64
}

// StopResult итог изменения стопа. Changed=true, если на бирже теперь стоит Price.
type StopResult struct {
	Changed bool
	Price   float64
	Skipped string
}
