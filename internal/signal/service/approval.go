package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	bybitService "tradepilot/internal/bybit/service"
	"tradepilot/internal/ledger"
	"tradepilot/internal/notify"
	signalEntity "tradepilot/internal/signal/entity"
)

var ErrApprovalNotFound = errors.New("approval not found")

func approvalButtons(id int64) []notify.Button {
	sid := strconv.FormatInt(id, 10)
	return []notify.Button{
		{Text: "✅ Aprovar", Data: "approve:" + sid},
		{Text: "❌ Rejeitar", Data: "reject:" + sid},
	}
}

// requestApproval сохраняет сигнал и отправляет карточку с кнопками
func (s *IntakeService) requestApproval(ctx context.Context, u *ledger.User, sig signalEntity.Signal) Result {
	symbol := sig.Symbol()
	approval := &ledger.SignalForApproval{
		UserID:     u.ID,
		Symbol:     symbol,
		SourceName: sig.SourceName,
		Payload:    ledger.SignalPayload{Signal: sig},
	}
	err := ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		return tx.Approvals().Insert(ctx, approval)
	})
	if err != nil {
		return Result{UserID: u.ID, Symbol: symbol, Outcome: OutcomeFailed, Reason: err.Error()}
	}

	msgID, err := s.notifier.Send(ctx, u.ID, approvalText(sig), approvalButtons(approval.ID))
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", u.ID).Msg("failed to send approval card")
	} else {
		err = ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
			return tx.Approvals().SetMessageID(ctx, approval.ID, msgID)
		})
		if err != nil {
			s.logger.Warn().Err(err).Int64("approval_id", approval.ID).Msg("failed to store approval message id")
		}
	}
	s.logger.Info().Int64("user_id", u.ID).Str("symbol", symbol).Int64("approval_id", approval.ID).Msg("signal awaiting approval")
	return Result{UserID: u.ID, Symbol: symbol, Outcome: OutcomeAwaitingApproval}
}

// takeApproval забирает запись пользователя и удаляет её, чтобы повторное нажатие ничего не делало
func (s *IntakeService) takeApproval(ctx context.Context, userID, approvalID int64) (*ledger.SignalForApproval, *ledger.User, error) {
	var (
		approval *ledger.SignalForApproval
		user     *ledger.User
	)
	err := ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		var err error
		approval, err = tx.Approvals().GetByID(ctx, approvalID)
		if errors.Is(err, ledger.ErrNotFound) || (err == nil && approval.UserID != userID) {
			return ErrApprovalNotFound
		}
		if err != nil {
			return err
		}
		if user, err = tx.Users().GetByID(ctx, userID); err != nil {
			return err
		}
		return tx.Approvals().Delete(ctx, approvalID)
	})
	return approval, user, err
}

// Approve исполняет отложенный сигнал только для этого пользователя
func (s *IntakeService) Approve(ctx context.Context, userID, approvalID int64) (Result, error) {
	unlock := s.guard.Lock(userID)
	defer unlock()

	approval, u, err := s.takeApproval(ctx, userID, approvalID)
	if err != nil {
		return Result{}, err
	}
	sig := approval.Payload.Signal
	s.finishApprovalCard(ctx, approval, "✅ Aprovado")

	creds, err := bybitService.DecryptCredentials(u.EncAPIKey, u.EncAPISecret, s.opts.EncryptionSecret)
	if err != nil {
		return Result{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	// между сигналом и нажатием позиция могла открыться
	var active *ledger.ActiveTrade
	var pending *ledger.PendingSignal
	err = ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		var err error
		if active, err = tx.Trades().GetActiveBySymbol(ctx, userID, sig.Symbol()); err != nil {
			return err
		}
		pending, err = tx.Pending().GetBySymbol(ctx, userID, sig.Symbol())
		return err
	})
	if err != nil {
		return Result{}, err
	}
	var res Result
	if active != nil || pending != nil {
		res = s.reject(ctx, userID, sig, "posição já aberta")
	} else {
		res = s.execute(ctx, u, creds, sig, admission{sizeFactor: 1})
	}
	s.count(sig, res)
	return res, nil
}

// Reject удаляет сигнал без исполнения
func (s *IntakeService) Reject(ctx context.Context, userID, approvalID int64) error {
	unlock := s.guard.Lock(userID)
	defer unlock()

	approval, _, err := s.takeApproval(ctx, userID, approvalID)
	if err != nil {
		return err
	}
	s.finishApprovalCard(ctx, approval, "❌ Rejeitado")
	s.logger.Info().Int64("user_id", userID).Str("symbol", approval.Symbol).Msg("signal rejected by user")
	return nil
}

func (s *IntakeService) finishApprovalCard(ctx context.Context, a *ledger.SignalForApproval, status string) {
	if a.ApprovalMessageID == 0 {
		return
	}
	text := approvalText(a.Payload.Signal) + "\n\n" + status
	if err := s.notifier.Edit(ctx, a.UserID, a.ApprovalMessageID, text); err != nil {
		s.logger.Debug().Err(err).Int64("approval_id", a.ID).Msg("failed to update approval card")
	}
}
