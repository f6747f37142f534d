package service

import (
	"math"

	"tradepilot/internal/ledger"
)

// pnlEpsilon гасит ошибки округления: 2.9999999999 шага считаются тремя
const pnlEpsilon = 1e-9

// fallbackTrailPct дистанция трейлинга, если у сделки нет исходного стопа
const fallbackTrailPct = 2.0

// PnLPercent нереализованный результат в процентах от цены входа
func PnLPercent(long bool, entry, last float64) float64 {
	if entry <= 0 {
		return 0
	}
	if long {
		return (last - entry) / entry * 100
	}
	return (entry - last) / entry * 100
}

// LadderSteps число полных ступеней trigger, пройденных pnlPct
func LadderSteps(pnlPct, trigger float64) int {
	if trigger <= 0 || pnlPct <= 0 {
		return 0
	}
	return int(math.Floor(pnlPct/trigger + pnlEpsilon))
}

// StopGainLevel стоп, фиксирующий lockPct прибыли на каждую ступень
func StopGainLevel(long bool, entry float64, steps int, lockPct float64) float64 {
	off := lockPct * float64(steps) / 100
	if long {
		return entry * (1 + off)
	}
	return entry * (1 - off)
}

// improves стоп candidate строго лучше current для держателя позиции
func improves(long bool, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	eps := current * pnlEpsilon
	if long {
		return candidate > current+eps
	}
	return candidate < current-eps
}

func crossed(long bool, last, target float64) bool {
	if long {
		return last >= target
	}
	return last <= target
}

// trailDistance расстояние трейлинга: исходный риск сделки или 2% от входа
func trailDistance(t *ledger.ActiveTrade) float64 {
	if t.InitialStopLoss > 0 {
		if d := math.Abs(t.EntryPrice - t.InitialStopLoss); d > 0 {
			return d
		}
	}
	return t.EntryPrice * fallbackTrailPct / 100
}
