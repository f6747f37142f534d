package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	bybitEntity "tradepilot/internal/bybit/entity"
	bybitService "tradepilot/internal/bybit/service"
	"tradepilot/internal/ledger"
	"tradepilot/internal/notify"
	"tradepilot/pkg/lock"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
	ErrTradeClosed   = errors.New("trade already closed")
)

const (
	ActionCloseConfirm = "close_confirm"
	ActionCloseExecute = "close_execute"
)

func closeButtons(tradeID int64) []notify.Button {
	return []notify.Button{{Text: "✋ Fechar", Data: ActionCloseConfirm + ":" + strconv.FormatInt(tradeID, 10)}}
}

func executeButtons(tradeID int64) []notify.Button {
	return []notify.Button{{Text: "✅ Confirmar fechamento", Data: ActionCloseExecute + ":" + strconv.FormatInt(tradeID, 10)}}
}

// Closer ручное закрытие сделки в два шага: подтверждение и исполнение
type Closer struct {
	store    ledger.Store
	exchange Exchange
	notifier notify.Notifier
	cards    *Cards
	guard    *lock.KeyedMutex
	secret   string
	now      func() time.Time
	logger   zerolog.Logger
}

func NewCloser(store ledger.Store, exchange Exchange, notifier notify.Notifier, cards *Cards, guard *lock.KeyedMutex, encryptionSecret string, logger zerolog.Logger) *Closer {
	return &Closer{
		store:    store,
		exchange: exchange,
		notifier: notifier,
		cards:    cards,
		guard:    guard,
		secret:   encryptionSecret,
		now:      time.Now,
		logger:   logger.With().Str("component", "ManualCloser").Logger(),
	}
}

func ownedActive(ctx context.Context, tx ledger.Tx, userID, tradeID int64) (*ledger.ActiveTrade, error) {
	t, err := tx.Trades().GetByID(ctx, tradeID)
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && t.UserID != userID) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Status.IsClosed() {
		return nil, ErrTradeClosed
	}
	return t, nil
}

// ConfirmClose отправляет пользователю запрос на подтверждение закрытия
func (c *Closer) ConfirmClose(ctx context.Context, userID, tradeID int64) error {
	var trade *ledger.ActiveTrade
	err := ledger.WithTx(ctx, c.store, func(tx ledger.Tx) error {
		var err error
		trade, err = ownedActive(ctx, tx, userID, tradeID)
		return err
	})
	if err != nil {
		return err
	}
	if _, err := c.notifier.Send(ctx, userID, closeConfirmText(trade), executeButtons(trade.ID)); err != nil {
		return fmt.Errorf("failed to send close confirmation: %w", err)
	}
	return nil
}

// ExecuteClose закрывает остаток позиции по рынку и переводит сделку в CLOSED_MANUAL
func (c *Closer) ExecuteClose(ctx context.Context, userID, tradeID int64) (*ledger.ActiveTrade, error) {
	unlock := c.guard.Lock(userID)
	defer unlock()

	log := c.logger.With().Int64("user_id", userID).Int64("trade_id", tradeID).Logger()
	var closed *ledger.ActiveTrade
	err := ledger.WithTx(ctx, c.store, func(tx ledger.Tx) error {
		u, err := tx.Users().GetByID(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load user: %w", err)
		}
		t, err := ownedActive(ctx, tx, userID, tradeID)
		if err != nil {
			return err
		}
		creds, err := bybitService.DecryptCredentials(u.EncAPIKey, u.EncAPISecret, c.secret)
		if err != nil {
			return fmt.Errorf("failed to decrypt credentials: %w", err)
		}

		side := t.Side.ExchangeSide()
		res, err := c.exchange.ClosePartial(ctx, creds, t.Symbol, t.RemainingQty, side)
		if err != nil {
			return fmt.Errorf("failed to close position: %w", err)
		}
		if !res.Sent && res.Skipped != bybitEntity.SkipNoOpenPosition {
			return fmt.Errorf("close skipped: %s", res.Skipped)
		}

		var pnl float64
		if agg, err := c.exchange.ClosedPnLForTrade(ctx, creds, t.Symbol, side, t.CreatedAt); err != nil {
			log.Warn().Err(err).Msg("closed pnl unavailable after manual close")
		} else if agg.Records > 0 {
			pnl = agg.Net
		}

		t.Close(ledger.StatusClosedManual, pnl, c.now())
		c.cards.Show(ctx, t, manualClosedText(t, pnl))
		c.cards.Forget(t.ID)
		if err := tx.Trades().Update(ctx, t); err != nil {
			return fmt.Errorf("failed to close trade %d: %w", t.ID, err)
		}
		closed = t
		log.Info().Str("symbol", t.Symbol).Str("skipped", res.Skipped).Float64("pnl", pnl).Msg("trade closed manually")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}
