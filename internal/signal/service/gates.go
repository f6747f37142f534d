package service

import (
	"fmt"
	"time"

	"tradepilot/internal/ledger"
)

// BreakerState состояние защиты от серии убытков
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open" // пауза закончилась, вход пробным размером
)

// BreakerDecision результат проверки для конкретного направления сигнала
type BreakerDecision struct {
	State      BreakerState
	Until      time.Time
	SizeFactor float64
	Reason     string
}

func (d BreakerDecision) Allowed() bool {
	return d.State != BreakerOpen
}

// breakerHistory сколько последних закрытий читать для подсчёта серии
const breakerHistory = 50

func isLoss(t *ledger.ActiveTrade) bool {
	switch t.Status {
	case ledger.StatusClosedLoss:
		return true
	case ledger.StatusClosedManual:
		return t.ClosedPnl != nil && *t.ClosedPnl < 0
	default:
		return false
	}
}

// lossStreak серия убытков подряд от самого свежего закрытия. Призраки пропускаются.
func lossStreak(recent []*ledger.ActiveTrade, side ledger.TradeSide) (int, *ledger.ActiveTrade) {
	streak := 0
	var newest *ledger.ActiveTrade
	for _, t := range recent {
		if side != "" && t.Side != side {
			continue
		}
		if t.Status == ledger.StatusClosedGhost {
			continue
		}
		if !isLoss(t) {
			break
		}
		if newest == nil {
			newest = t
		}
		streak++
	}
	return streak, newest
}

// EvaluateBreaker вычисляет состояние по истории закрытых сделок (новые первыми)
func EvaluateBreaker(cfg ledger.UserConfig, recent []*ledger.ActiveTrade, side ledger.TradeSide, now time.Time) BreakerDecision {
	closed := BreakerDecision{State: BreakerClosed, SizeFactor: 1}
	if cfg.CBThreshold <= 0 {
		return closed
	}

	scopeSide := ledger.TradeSide("")
	if cfg.CBScope == ledger.BreakerSide {
		scopeSide = side
	}
	streak, last := lossStreak(recent, scopeSide)
	if streak < cfg.CBThreshold || last == nil || last.ClosedAt == nil {
		return closed
	}

	until := last.ClosedAt.Add(time.Duration(cfg.CBPauseMinutes) * time.Minute)
	if now.Before(until) {
		// в глобальном режиме разворот против последнего убытка может пройти
		if cfg.CBScope != ledger.BreakerSide && cfg.CBReversalOverride && last.Side != side {
			return BreakerDecision{State: BreakerHalfOpen, Until: until, SizeFactor: probeFactor(cfg), Reason: "reversal override"}
		}
		return BreakerDecision{
			State:  BreakerOpen,
			Until:  until,
			Reason: fmt.Sprintf("%d perdas seguidas, pausa até %s UTC", streak, until.UTC().Format("15:04")),
		}
	}
	return BreakerDecision{State: BreakerHalfOpen, Until: until, SizeFactor: probeFactor(cfg)}
}

func probeFactor(cfg ledger.UserConfig) float64 {
	if cfg.CBProbeFactor <= 0 || cfg.CBProbeFactor > 1 {
		return 1
	}
	return cfg.CBProbeFactor
}

// InSleepWindow окно сна в часах UTC, может переходить через полночь. start == end означает пустое окно.
func InSleepWindow(cfg ledger.UserConfig, now time.Time) bool {
	if !cfg.SleepEnabled || cfg.SleepStartHour == cfg.SleepEndHour {
		return false
	}
	h := now.UTC().Hour()
	if cfg.SleepStartHour < cfg.SleepEndHour {
		return h >= cfg.SleepStartHour && h < cfg.SleepEndHour
	}
	return h >= cfg.SleepStartHour || h < cfg.SleepEndHour
}

// DailyLimitReason пустая строка, если дневные лимиты не достигнуты
func DailyLimitReason(cfg ledger.UserConfig, realized float64) string {
	if cfg.DailyProfitTarget > 0 && realized >= cfg.DailyProfitTarget {
		return fmt.Sprintf("meta diária atingida (%.2f USDT)", realized)
	}
	if cfg.DailyLossLimit > 0 && realized <= -cfg.DailyLossLimit {
		return fmt.Sprintf("limite de perda diária atingido (%.2f USDT)", realized)
	}
	return ""
}

func startOfDayUTC(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
