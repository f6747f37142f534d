package entity

// Position открытая позиция с живым PnL
type Position struct {
	Symbol        string
	Side          Side
	Size          float64
	AvgPrice      float64
	MarkPrice     float64
	UnrealisedPnl float64
	PositionIM    float64
	Leverage      float64
	StopLoss      float64
	TakeProfit    float64
	PositionIdx   int
}

// PnLFraction нереализованный PnL как доля от стоимости входа
func (p Position) PnLFraction() float64 {
	cost := p.AvgPrice * p.Size
	if cost == 0 {
		return 0
	}
	return p.UnrealisedPnl / cost
}

// PositionKey ключ дедупликации снапшота позиций
type PositionKey struct {
	Symbol string
	Side   Side
	Idx    int
}
