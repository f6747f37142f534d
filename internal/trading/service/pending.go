package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	bybitEntity "tradepilot/internal/bybit/entity"
	bybitService "tradepilot/internal/bybit/service"
	"tradepilot/internal/ledger"
	"tradepilot/internal/notify"
)

// PendingMonitor переводит исполненные лимитные ордера в активные сделки
type PendingMonitor struct {
	exchange Exchange
	notifier notify.Notifier
	cards    *Cards
	logger   zerolog.Logger
}

func NewPendingMonitor(exchange Exchange, notifier notify.Notifier, cards *Cards, logger zerolog.Logger) *PendingMonitor {
	return &PendingMonitor{
		exchange: exchange,
		notifier: notifier,
		cards:    cards,
		logger:   logger.With().Str("component", "PendingMonitor").Logger(),
	}
}

// Check один проход по ожидающим ордерам пользователя.
// Ошибка биржи по одному ордеру не прерывает остальные; возвращаются только ошибки записи.
func (m *PendingMonitor) Check(ctx context.Context, tx ledger.Tx, u *ledger.User, creds *bybitEntity.Credentials) error {
	if !u.Enabled {
		return m.CancelAll(ctx, tx, u, creds)
	}

	pending, err := tx.Pending().ListByUser(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("failed to list pending signals: %w", err)
	}
	for _, p := range pending {
		log := m.logger.With().Int64("user_id", u.ID).Str("symbol", p.Symbol).Str("order_id", p.OrderID).Logger()

		info, err := m.exchange.QueryOrder(ctx, creds, p.Symbol, p.OrderID)
		switch {
		case errors.Is(err, bybitService.ErrOrderNotFound):
			// открытую позицию по этому ордеру сверка уже усыновила раньше в цикле
			err = m.discard(ctx, tx, u, p, "order not found", log)
		case err != nil:
			log.Warn().Err(err).Msg("failed to query pending order")
			continue
		case info.Status == bybitEntity.OrderStatusFilled:
			err = m.promote(ctx, tx, u, p, info, log)
		case !info.Status.IsOpen() && info.CumExecQty == 0:
			err = m.discard(ctx, tx, u, p, string(info.Status), log)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CancelAll снимает все лимитные ордера пользователя. Открытые позиции не трогаются.
func (m *PendingMonitor) CancelAll(ctx context.Context, tx ledger.Tx, u *ledger.User, creds *bybitEntity.Credentials) error {
	pending, err := tx.Pending().ListByUser(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("failed to list pending signals: %w", err)
	}
	for _, p := range pending {
		log := m.logger.With().Int64("user_id", u.ID).Str("symbol", p.Symbol).Str("order_id", p.OrderID).Logger()
		if err := m.exchange.CancelOrder(ctx, creds, p.Symbol, p.OrderID); err != nil {
			log.Warn().Err(err).Msg("failed to cancel pending order, will retry next cycle")
			continue
		}
		if err := tx.Pending().Delete(ctx, p.ID); err != nil {
			return fmt.Errorf("failed to delete pending signal %d: %w", p.ID, err)
		}
		m.editPending(ctx, u.ID, p, pendingCancelledText(p), log)
		log.Info().Msg("pending order cancelled, bot paused")
	}
	return nil
}

// discard удаляет сигнал, ордер которого закрылся без исполнения
func (m *PendingMonitor) discard(ctx context.Context, tx ledger.Tx, u *ledger.User, p *ledger.PendingSignal, reason string, log zerolog.Logger) error {
	if err := tx.Pending().Delete(ctx, p.ID); err != nil {
		return fmt.Errorf("failed to delete pending signal %d: %w", p.ID, err)
	}
	m.editPending(ctx, u.ID, p, pendingExpiredText(p), log)
	log.Info().Str("reason", reason).Msg("pending order closed without fill, signal discarded")
	return nil
}

func (m *PendingMonitor) promote(ctx context.Context, tx ledger.Tx, u *ledger.User, p *ledger.PendingSignal, info bybitEntity.OrderInfo, log zerolog.Logger) error {
	sig := p.Payload.Signal
	fill := &ledger.ActiveTrade{
		UserID:                u.ID,
		OrderID:               p.OrderID,
		Symbol:                p.Symbol,
		Side:                  ledger.SideLong,
		Qty:                   info.CumExecQty,
		EntryPrice:            info.AvgPrice,
		InitialStopLoss:       sig.StopLoss,
		CurrentStopLoss:       sig.StopLoss,
		InitialTargets:        append(ledger.FloatList(nil), sig.Targets...),
		TotalInitialTargets:   len(sig.Targets),
		Status:                ledger.StatusActive,
		NotificationMessageID: p.NotificationMessageID,
	}
	if !sig.IsLong() {
		fill.Side = ledger.SideShort
	}
	if fill.Qty <= 0 {
		fill.Qty = info.Qty
	}
	if fill.EntryPrice <= 0 {
		fill.EntryPrice = sig.EntryPrice()
	}
	fill.RemainingQty = fill.Qty

	trade, err := tx.Trades().GetActiveBySymbol(ctx, u.ID, p.Symbol)
	if err != nil {
		return fmt.Errorf("failed to look up active trade: %w", err)
	}
	if trade != nil {
		trade.MergeFill(fill)
		if err := tx.Trades().ResetTargets(ctx, trade.ID, fill.InitialTargets); err != nil {
			return fmt.Errorf("failed to reset targets of trade %d: %w", trade.ID, err)
		}
		log.Info().Int64("trade_id", trade.ID).Msg("limit fill merged into existing trade")
	} else {
		if err := tx.Trades().Insert(ctx, fill); err != nil {
			if errors.Is(err, ledger.ErrDuplicateOpen) {
				log.Warn().Msg("active trade appeared concurrently, retrying next cycle")
				return nil
			}
			return fmt.Errorf("failed to insert trade: %w", err)
		}
		trade = fill
		log.Info().Int64("trade_id", trade.ID).Float64("qty", trade.Qty).Float64("entry", trade.EntryPrice).Msg("limit order filled, trade opened")
	}

	m.cards.Show(ctx, trade, filledText(trade, u.MaxLeverage), closeButtons(trade.ID))
	if err := tx.Trades().Update(ctx, trade); err != nil {
		return fmt.Errorf("failed to update trade %d: %w", trade.ID, err)
	}
	if err := tx.Pending().Delete(ctx, p.ID); err != nil {
		return fmt.Errorf("failed to delete pending signal %d: %w", p.ID, err)
	}
	return nil
}

func (m *PendingMonitor) editPending(ctx context.Context, userID int64, p *ledger.PendingSignal, text string, log zerolog.Logger) {
	if p.NotificationMessageID != 0 {
		err := m.notifier.Edit(ctx, userID, p.NotificationMessageID, text)
		if err == nil {
			return
		}
		if !errors.Is(err, notify.ErrMessageNotEditable) {
			log.Warn().Err(err).Msg("failed to edit pending card")
			return
		}
	}
	if _, err := m.notifier.Send(ctx, userID, text); err != nil {
		log.Warn().Err(err).Msg("failed to send pending card")
	}
}
