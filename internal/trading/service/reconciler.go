package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	bybitEntity "tradepilot/internal/bybit/entity"
	bybitService "tradepilot/internal/bybit/service"
	"tradepilot/internal/ledger"
	"tradepilot/internal/metrics"
)

const (
	defaultGhostThreshold = 3
	syncingAfterCycles    = 2
	// pendingRecoveryWindow сигнал старше этого не переносится на усыновлённую позицию
	pendingRecoveryWindow = 48 * time.Hour
)

// Reconciler сверяет активные сделки со снимком позиций биржи
type Reconciler struct {
	exchange  Exchange
	detective *Detective
	cards     *Cards
	threshold int
	now       func() time.Time
	logger    zerolog.Logger
}

func NewReconciler(exchange Exchange, detective *Detective, cards *Cards, threshold int, logger zerolog.Logger) *Reconciler {
	if threshold < 1 {
		threshold = defaultGhostThreshold
	}
	return &Reconciler{
		exchange:  exchange,
		detective: detective,
		cards:     cards,
		threshold: threshold,
		now:       time.Now,
		logger:    logger.With().Str("component", "Reconciler").Logger(),
	}
}

// Reconcile один проход сверки для пользователя внутри его транзакции
func (r *Reconciler) Reconcile(ctx context.Context, tx ledger.Tx, u *ledger.User, creds *bybitEntity.Credentials, snap Snapshot) error {
	now := r.now().UTC()
	trades, err := tx.Trades().ListActive(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("failed to list active trades: %w", err)
	}

	tracked := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		tracked[t.Symbol] = struct{}{}
		if _, ok := snap[t.Symbol]; ok {
			t.MissingCycles = 0
			t.IsSyncing = false
			seen := now
			t.LastSeenAt = &seen
		} else {
			r.missing(ctx, creds, t, now)
		}
		if err := tx.Trades().Update(ctx, t); err != nil {
			return fmt.Errorf("failed to update trade %d: %w", t.ID, err)
		}
	}

	for _, symbol := range snap.Symbols() {
		if _, ok := tracked[symbol]; ok {
			continue
		}
		if err := r.adopt(ctx, tx, u, creds, snap[symbol], now); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) missing(ctx context.Context, creds *bybitEntity.Credentials, t *ledger.ActiveTrade, now time.Time) {
	log := r.logger.With().Int64("user_id", t.UserID).Int64("trade_id", t.ID).Str("symbol", t.Symbol).Logger()
	t.MissingCycles++
	log.Debug().Int("missing_cycles", t.MissingCycles).Msg("trade absent from venue snapshot")

	if t.MissingCycles >= r.threshold {
		v := r.detective.Investigate(ctx, creds, t)
		t.Close(v.Status, v.PnL, now)
		r.cards.Show(ctx, t, r.cards.closedText(t, v))
		r.cards.Forget(t.ID)
		metrics.ReconcilerCloses.WithLabelValues(string(v.Status)).Inc()
		log.Info().Str("status", string(t.Status)).Float64("pnl", v.PnL).Int("missing_cycles", t.MissingCycles).Msg("trade closed by reconciler")
		return
	}
	if t.MissingCycles >= syncingAfterCycles && !t.IsSyncing {
		r.cards.Show(ctx, t, syncingText(t))
		t.IsSyncing = true
	}
}

// adopt заводит сделку для позиции, о которой журнал не знает
func (r *Reconciler) adopt(ctx context.Context, tx ledger.Tx, u *ledger.User, creds *bybitEntity.Credentials, pos bybitEntity.Position, now time.Time) error {
	log := r.logger.With().Int64("user_id", u.ID).Str("symbol", pos.Symbol).Str("side", string(pos.Side)).Logger()

	pending, err := tx.Pending().GetBySymbol(ctx, u.ID, pos.Symbol)
	if err != nil {
		return fmt.Errorf("failed to look up pending signal: %w", err)
	}
	if pending != nil {
		info, err := r.exchange.QueryOrder(ctx, creds, pending.Symbol, pending.OrderID)
		switch {
		case errors.Is(err, bybitService.ErrOrderNotFound):
			// биржа забыла ордер, позиция остаётся единственным источником правды
			log.Info().Str("order_id", pending.OrderID).Msg("pending order unknown to exchange, adopting position")
		case err != nil:
			log.Warn().Err(err).Msg("pending order lookup failed, adoption postponed")
			return nil
		case info.Status.IsOpen() || info.Status == bybitEntity.OrderStatusFilled:
			// ордер ещё жив или исполнен: сделку заведёт монитор ожидающих в этом же цикле
			return nil
		}
	}

	trade := &ledger.ActiveTrade{
		UserID:          u.ID,
		Symbol:          pos.Symbol,
		Side:            ledger.SideFromExchange(pos.Side),
		Qty:             pos.Size,
		EntryPrice:      pos.AvgPrice,
		InitialStopLoss: pos.StopLoss,
		CurrentStopLoss: pos.StopLoss,
		RemainingQty:    pos.Size,
		Status:          ledger.StatusActive,
		LastSeenAt:      &now,
	}
	if pending != nil {
		sig := pending.Payload.Signal
		sameSide := (pos.Side == bybitEntity.SideBuy) == sig.IsLong()
		if sameSide && now.Sub(pending.CreatedAt) <= pendingRecoveryWindow {
			trade.OrderID = pending.OrderID
			trade.InitialTargets = append(ledger.FloatList(nil), sig.Targets...)
			trade.TotalInitialTargets = len(sig.Targets)
			if sig.StopLoss > 0 {
				trade.InitialStopLoss = sig.StopLoss
				trade.CurrentStopLoss = sig.StopLoss
			}
			trade.NotificationMessageID = pending.NotificationMessageID
		}
		if err := tx.Pending().Delete(ctx, pending.ID); err != nil {
			return fmt.Errorf("failed to delete pending signal %d: %w", pending.ID, err)
		}
	}

	if err := tx.Trades().Insert(ctx, trade); err != nil {
		if errors.Is(err, ledger.ErrDuplicateOpen) {
			return nil
		}
		return fmt.Errorf("failed to insert adopted trade: %w", err)
	}
	r.cards.Show(ctx, trade, adoptedText(trade), closeButtons(trade.ID))
	if err := tx.Trades().Update(ctx, trade); err != nil {
		return fmt.Errorf("failed to update adopted trade %d: %w", trade.ID, err)
	}
	metrics.OrphansAdopted.Inc()
	log.Info().Int64("trade_id", trade.ID).Float64("qty", trade.Qty).Float64("entry", trade.EntryPrice).
		Int("targets", trade.TotalInitialTargets).Bool("recovered", pending != nil && trade.TotalInitialTargets > 0).Msg("orphan position adopted")
	return nil
}
