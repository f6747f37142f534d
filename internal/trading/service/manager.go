package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	bybitEntity "tradepilot/internal/bybit/entity"
	bybitService "tradepilot/internal/bybit/service"
	"tradepilot/internal/ledger"
	"tradepilot/internal/metrics"
)

const (
	reasonLock     = "lock"
	reasonBE       = "be"
	reasonTS       = "ts"
	reasonAdaptive = "adaptive"
)

type stopOutcome int

const (
	stopRejected stopOutcome = iota // ошибка биржи или стоп не на защитной стороне
	stopHeld                        // текущий стоп уже не хуже желаемого
	stopMoved
)

// evaluation состояние одного прохода по сделке
type evaluation struct {
	last     float64
	pnlPct   float64
	hits     int
	prevHit  *float64
	gone     bool
	warnings []string
}

func (e *evaluation) warn(msg string) {
	for _, w := range e.warnings {
		if w == msg {
			return
		}
	}
	e.warnings = append(e.warnings, msg)
}

func (e *evaluation) warning() string {
	if len(e.warnings) == 0 {
		return ""
	}
	return e.warnings[0]
}

// Manager ведёт активные сделки: лестница стопа, частичные TP, безубыток, трейлинг, адаптивный стоп
type Manager struct {
	exchange Exchange
	cards    *Cards
	now      func() time.Time
	logger   zerolog.Logger
}

func NewManager(exchange Exchange, cards *Cards, logger zerolog.Logger) *Manager {
	return &Manager{
		exchange: exchange,
		cards:    cards,
		now:      time.Now,
		logger:   logger.With().Str("component", "TradeManager").Logger(),
	}
}

// ManageAll проходит по активным сделкам пользователя, которые есть в снимке позиций.
// Ошибки биржи по одной сделке не прерывают остальные; ошибка записи возвращается.
func (m *Manager) ManageAll(ctx context.Context, tx ledger.Tx, u *ledger.User, creds *bybitEntity.Credentials, snap Snapshot) (int, error) {
	trades, err := tx.Trades().ListActive(ctx, u.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list active trades: %w", err)
	}
	for _, t := range trades {
		pos, ok := snap[t.Symbol]
		if !ok {
			continue
		}
		if err := m.Manage(ctx, tx, u, creds, t, pos); err != nil {
			return len(trades), err
		}
	}
	return len(trades), nil
}

// Manage выполняет шаги (a)-(e) строго по порядку и обновляет карточку
func (m *Manager) Manage(ctx context.Context, tx ledger.Tx, u *ledger.User, creds *bybitEntity.Credentials, t *ledger.ActiveTrade, pos bybitEntity.Position) error {
	log := m.logger.With().Int64("user_id", u.ID).Int64("trade_id", t.ID).Str("symbol", t.Symbol).Logger()

	last, err := m.exchange.MarketPrice(ctx, t.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("failed to get last price, skipping trade this cycle")
		return nil
	}
	cfg := u.UserConfig
	long := t.IsLong()
	ev := &evaluation{last: last, pnlPct: PnLPercent(long, t.EntryPrice, last)}

	if pos.Side == t.Side.ExchangeSide() && pos.Size > 0 {
		t.RemainingQty = math.Min(pos.Size, t.Qty)
	} else if pos.Side != "" && pos.Side != t.Side.ExchangeSide() {
		log.Warn().Str("position_side", string(pos.Side)).Msg("venue position side differs from trade")
	}
	t.UnrealizedPnlPct = ev.pnlPct / 100

	m.stopGainLadder(ctx, creds, cfg, t, ev, log)

	if m.takeProfits(ctx, creds, cfg, t, ev, log) {
		return m.complete(ctx, tx, creds, t, log)
	}

	switch cfg.StopStrategy {
	case ledger.StrategyBreakEven:
		m.breakEven(ctx, creds, cfg, t, ev, log)
	case ledger.StrategyTrailingStop:
		m.trailingStop(ctx, creds, cfg, t, ev, log)
	}

	m.adaptiveTimeout(ctx, creds, cfg, t, ev, log)

	if ev.gone {
		log.Info().Msg("position closed on venue mid-cycle, reconciler will settle it")
	}

	m.cards.Show(ctx, t, statusText(t, last, ev.pnlPct, ev.warning()), closeButtons(t.ID))
	if err := tx.Trades().Update(ctx, t); err != nil {
		return fmt.Errorf("failed to update trade %d: %w", t.ID, err)
	}
	return nil
}

// applyStop переносит стоп через шлюз. Стоп никогда не ухудшается и должен оставаться на защитной стороне.
func (m *Manager) applyStop(ctx context.Context, creds *bybitEntity.Credentials, t *ledger.ActiveTrade, desired float64, reason string, ev *evaluation, log zerolog.Logger) stopOutcome {
	long := t.IsLong()
	if desired <= 0 {
		return stopRejected
	}
	if !improves(long, desired, t.CurrentStopLoss) {
		return stopHeld
	}
	side := t.Side.ExchangeSide()
	if !bybitService.ProtectiveSide(side, desired, ev.last) {
		metrics.StopLossMoves.WithLabelValues(reason, "wrong_side").Inc()
		log.Debug().Str("reason", reason).Float64("desired", desired).Float64("last", ev.last).Msg("stop not on protective side, skipped")
		return stopRejected
	}

	res, err := m.exchange.ModifyStopLoss(ctx, creds, bybitService.StopLossRequest{
		Symbol:  t.Symbol,
		Side:    side,
		Desired: desired,
		Current: t.CurrentStopLoss,
		Reason:  reason,
	})
	if err != nil {
		metrics.StopLossMoves.WithLabelValues(reason, "error").Inc()
		log.Error().Err(err).Str("reason", reason).Float64("desired", desired).Msg("failed to move stop loss")
		ev.warn("falha ao mover SL")
		return stopRejected
	}

	switch {
	case res.Changed:
		prev := t.CurrentStopLoss
		if improves(long, res.Price, t.CurrentStopLoss) {
			t.CurrentStopLoss = res.Price
		}
		metrics.StopLossMoves.WithLabelValues(reason, "moved").Inc()
		log.Info().Str("reason", reason).Float64("from", prev).Float64("to", t.CurrentStopLoss).Msg("stop loss updated")
		return stopMoved
	case res.Skipped == bybitEntity.SkipNotModified, res.Skipped == bybitEntity.SkipNotImproved:
		metrics.StopLossMoves.WithLabelValues(reason, res.Skipped).Inc()
		return stopHeld
	default:
		metrics.StopLossMoves.WithLabelValues(reason, res.Skipped).Inc()
		ev.gone = res.Skipped == bybitEntity.SkipNoOpenPosition
		return stopRejected
	}
}

// (a) лестница stop-gain: каждая полная ступень trigger фиксирует ещё lock процентов
func (m *Manager) stopGainLadder(ctx context.Context, creds *bybitEntity.Credentials, cfg ledger.UserConfig, t *ledger.ActiveTrade, ev *evaluation, log zerolog.Logger) {
	if cfg.StopGainTriggerPct <= 0 || cfg.StopGainLockPct <= 0 {
		return
	}
	steps := LadderSteps(ev.pnlPct, cfg.StopGainTriggerPct)
	if steps < 1 {
		return
	}
	desired := StopGainLevel(t.IsLong(), t.EntryPrice, steps, cfg.StopGainLockPct)
	if m.applyStop(ctx, creds, t, desired, reasonLock, ev, log) == stopMoved {
		t.IsStopGainActive = true
	}
}

// (b) частичные TP. Возвращает true, когда сделка отработала все цели.
func (m *Manager) takeProfits(ctx context.Context, creds *bybitEntity.Credentials, cfg ledger.UserConfig, t *ledger.ActiveTrade, ev *evaluation, log zerolog.Logger) bool {
	long := t.IsLong()
	total := max(t.TotalInitialTargets, len(t.InitialTargets))
	shares := Distribution(cfg.TPDistribution, total)

	for len(t.InitialTargets) > 0 {
		target := t.InitialTargets[0]
		if !crossed(long, ev.last, target) {
			break
		}
		idx := total - len(t.InitialTargets)
		qty := t.RemainingQty
		if len(t.InitialTargets) > 1 {
			qty = math.Min(t.Qty*shares[idx]/100, t.RemainingQty)
		}

		res, err := m.exchange.ClosePartial(ctx, creds, t.Symbol, qty, t.Side.ExchangeSide())
		if err != nil {
			metrics.TakeProfitHits.WithLabelValues("error").Inc()
			log.Error().Err(err).Float64("target", target).Float64("qty", qty).Msg("take profit close failed")
			ev.warn("falha ao realizar TP")
			break
		}
		switch {
		case res.Sent:
			t.RemainingQty = math.Max(t.RemainingQty-res.Qty, 0)
			metrics.TakeProfitHits.WithLabelValues("closed").Inc()
			log.Info().Int("tier", idx+1).Float64("target", target).Float64("qty", res.Qty).
				Float64("remaining", t.RemainingQty).Msg("take profit tier closed")
		case res.Skipped == bybitEntity.SkipQtyBelowMin:
			// доля меньше минимального лота: цель считается пройденной, объём остаётся
			metrics.TakeProfitHits.WithLabelValues(res.Skipped).Inc()
			log.Warn().Int("tier", idx+1).Float64("qty", qty).Msg("take profit share below min qty")
		default:
			metrics.TakeProfitHits.WithLabelValues(res.Skipped).Inc()
			log.Warn().Str("skipped", res.Skipped).Msg("position gone while taking profit")
			ev.gone = true
			return false
		}

		ev.prevHit = t.LastTargetHit
		hit := target
		t.LastTargetHit = &hit
		t.InitialTargets = append(ledger.FloatList(nil), t.InitialTargets[1:]...)
		ev.hits++
	}
	return ev.hits > 0 && (len(t.InitialTargets) == 0 || t.RemainingQty <= 0)
}

// (c) безубыток: перенос на вход при первом TP или по порогу, затем на предыдущую цель.
// Пока стоп не дошёл до входа после пройденной цели, перенос повторяется каждый цикл.
func (m *Manager) breakEven(ctx context.Context, creds *bybitEntity.Credentials, cfg ledger.UserConfig, t *ledger.ActiveTrade, ev *evaluation, log zerolog.Logger) {
	var desired float64
	switch {
	case ev.hits > 0:
		desired = t.EntryPrice
		if ev.prevHit != nil {
			desired = *ev.prevHit
		}
	case t.TargetsHit() > 0:
		// цель уже пройдена, а стоп может остаться за входом после отказа биржи
		desired = t.EntryPrice
	case !t.IsBreakeven && cfg.BETriggerPct > 0 && ev.pnlPct+pnlEpsilon >= cfg.BETriggerPct:
		desired = t.EntryPrice
	default:
		return
	}
	if m.applyStop(ctx, creds, t, desired, reasonBE, ev, log) != stopRejected {
		t.IsBreakeven = true
	}
}

// (d) трейлинг: включается на первом TP или по порогу, затем следует за максимумом
func (m *Manager) trailingStop(ctx context.Context, creds *bybitEntity.Credentials, cfg ledger.UserConfig, t *ledger.ActiveTrade, ev *evaluation, log zerolog.Logger) {
	long := t.IsLong()
	if t.TrailHighWaterMark == nil {
		engage := t.TargetsHit() > 0 || (cfg.TSTriggerPct > 0 && ev.pnlPct+pnlEpsilon >= cfg.TSTriggerPct)
		if !engage {
			return
		}
		if m.applyStop(ctx, creds, t, t.EntryPrice, reasonTS, ev, log) == stopRejected {
			return
		}
		hwm := t.EntryPrice
		t.TrailHighWaterMark = &hwm
		return
	}

	hwm := *t.TrailHighWaterMark
	if (long && ev.last > hwm) || (!long && ev.last < hwm) {
		hwm = ev.last
		t.TrailHighWaterMark = &hwm
	}
	dist := trailDistance(t)
	desired := hwm - dist
	if !long {
		desired = hwm + dist
	}
	m.applyStop(ctx, creds, t, desired, reasonTS, ev, log)
}

// (e) адаптивный стоп: сделка без прогресса дольше таймаута получает более близкий стоп
func (m *Manager) adaptiveTimeout(ctx context.Context, creds *bybitEntity.Credentials, cfg ledger.UserConfig, t *ledger.ActiveTrade, ev *evaluation, log zerolog.Logger) {
	if cfg.AdaptiveSLTimeoutMinutes <= 0 || cfg.AdaptiveSLTightenPct <= 0 || t.InitialStopLoss <= 0 {
		return
	}
	if t.TargetsHit() > 0 || t.IsBreakeven || t.TrailHighWaterMark != nil || t.IsStopGainActive {
		return
	}
	if m.now().Sub(t.CreatedAt) < time.Duration(cfg.AdaptiveSLTimeoutMinutes)*time.Minute {
		return
	}
	dist := math.Abs(t.EntryPrice-t.InitialStopLoss) * (1 - cfg.AdaptiveSLTightenPct/100)
	desired := t.EntryPrice - dist
	if !t.IsLong() {
		desired = t.EntryPrice + dist
	}
	m.applyStop(ctx, creds, t, desired, reasonAdaptive, ev, log)
}

// complete закрывает сделку после последней цели. PnL берётся из истории биржи, если она уже есть.
func (m *Manager) complete(ctx context.Context, tx ledger.Tx, creds *bybitEntity.Credentials, t *ledger.ActiveTrade, log zerolog.Logger) error {
	var pnl float64
	agg, err := m.exchange.ClosedPnLForTrade(ctx, creds, t.Symbol, t.Side.ExchangeSide(), t.CreatedAt)
	if err != nil {
		log.Warn().Err(err).Msg("closed pnl unavailable for completed trade")
	} else if agg.Records > 0 {
		pnl = agg.Net
	}

	t.Close(ledger.StatusClosedProfit, pnl, m.now())
	m.cards.Show(ctx, t, completedText(t, pnl))
	m.cards.Forget(t.ID)
	log.Info().Float64("pnl", pnl).Msg("all targets hit, trade closed")

	if err := tx.Trades().Update(ctx, t); err != nil {
		return fmt.Errorf("failed to close trade %d: %w", t.ID, err)
	}
	return nil
}
