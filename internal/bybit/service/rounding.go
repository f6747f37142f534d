package service

import (
	"github.com/shopspring/decimal"

	"tradepilot/internal/bybit/entity"
)

// roundDown округляет value вниз до кратного step
func roundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// roundUp округляет value вверх до кратного step
func roundUp(value, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}

// RoundQty округляет количество вниз до шага лота
func RoundQty(qty float64, rules entity.InstrumentRules) float64 {
	return roundDown(decimal.NewFromFloat(qty), rules.QtyStep).InexactFloat64()
}

// RoundPrice округляет цену вниз до тика
func RoundPrice(price float64, rules entity.InstrumentRules) float64 {
	return roundDown(decimal.NewFromFloat(price), rules.TickSize).InexactFloat64()
}

// roundStop округляет стоп с учётом стороны позиции: LONG вниз, SHORT вверх
func roundStop(price, tick decimal.Decimal, long bool) decimal.Decimal {
	if long {
		return roundDown(price, tick)
	}
	return roundUp(price, tick)
}

// applySafetyTicks отодвигает стоп от последней цены минимум на n тиков на защитную сторону
func applySafetyTicks(sl, last, tick decimal.Decimal, n int, long bool) decimal.Decimal {
	if n <= 0 || tick.Sign() <= 0 || last.Sign() <= 0 {
		return sl
	}
	gap := tick.Mul(decimal.NewFromInt(int64(n)))
	if long {
		limit := last.Sub(gap)
		if sl.GreaterThan(limit) {
			return roundDown(limit, tick)
		}
		return sl
	}
	limit := last.Add(gap)
	if sl.LessThan(limit) {
		return roundUp(limit, tick)
	}
	return sl
}

// formatDec форматирует число для тела запроса без экспоненты и лишних нулей
func formatDec(d decimal.Decimal) string {
	return d.String()
}

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
