package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	bybitEntity "tradepilot/internal/bybit/entity"
	bybitService "tradepilot/internal/bybit/service"
	"tradepilot/internal/ledger"
	signalEntity "tradepilot/internal/signal/entity"
)

// InitialStopLoss стоп для входа по цене entry с учётом режима и ограничения дистанции
func InitialStopLoss(cfg ledger.UserConfig, sig signalEntity.Signal, entry float64) float64 {
	long := sig.IsLong()
	sl := sig.StopLoss
	if cfg.InitialSLMode == ledger.InitialSLFixed && cfg.InitialSLFixedPct > 0 {
		d := entry * cfg.InitialSLFixedPct / 100
		if long {
			sl = entry - d
		} else {
			sl = entry + d
		}
	}
	if cfg.AdaptiveSLMaxPct > 0 && sl > 0 {
		maxDist := entry * cfg.AdaptiveSLMaxPct / 100
		if math.Abs(entry-sl) > maxDist {
			if long {
				sl = entry - maxDist
			} else {
				sl = entry + maxDist
			}
		}
	}
	return sl
}

// PositionQty размер входа: доля капитала с плечом, ограниченная риском на сделку
func PositionQty(cfg ledger.UserConfig, equity, price, sl, factor float64) float64 {
	if price <= 0 || equity <= 0 {
		return 0
	}
	lev := float64(cfg.MaxLeverage)
	if lev < 1 {
		lev = 1
	}
	qty := equity * cfg.EntrySizePct / 100 * lev / price
	if cfg.RiskPerTradePct > 0 && sl > 0 {
		if d := math.Abs(price - sl); d > 0 {
			qty = math.Min(qty, equity*cfg.RiskPerTradePct/100/d)
		}
	}
	if factor > 0 && factor < 1 {
		qty *= factor
	}
	return qty
}

func stopOnProtectiveSide(long bool, sl, ref float64) bool {
	if long {
		return sl < ref
	}
	return sl > ref
}

// execute направляет сигнал в рыночный или лимитный путь. Вызывается под блокировкой пользователя.
func (s *IntakeService) execute(ctx context.Context, u *ledger.User, creds *bybitEntity.Credentials, sig signalEntity.Signal, adm admission) Result {
	if adm.last <= 0 {
		last, err := s.exchange.MarketPrice(ctx, sig.Symbol())
		if err != nil {
			return Result{UserID: u.ID, Symbol: sig.Symbol(), Outcome: OutcomeFailed, Reason: err.Error()}
		}
		adm.last = last
	}
	if adm.sizeFactor <= 0 {
		adm.sizeFactor = 1
	}
	if sig.Type == signalEntity.SignalLimit {
		return s.executeLimit(ctx, u, creds, sig, adm)
	}
	return s.executeMarket(ctx, u, creds, sig, adm)
}

// orderFailure отделяет отказ по параметрам от сбоя биржи
func (s *IntakeService) orderFailure(ctx context.Context, u *ledger.User, sig signalEntity.Signal, err error) Result {
	if bybitService.IsValidation(err) {
		return s.reject(ctx, u.ID, sig, err.Error())
	}
	s.logger.Error().Err(err).Int64("user_id", u.ID).Str("symbol", sig.Symbol()).Msg("order placement failed")
	s.alert(ctx, u.ID, failureText(sig, err))
	return Result{UserID: u.ID, Symbol: sig.Symbol(), Outcome: OutcomeFailed, Reason: err.Error()}
}

func (s *IntakeService) executeMarket(ctx context.Context, u *ledger.User, creds *bybitEntity.Credentials, sig signalEntity.Signal, adm admission) Result {
	symbol := sig.Symbol()
	long := sig.IsLong()
	side := tradeSide(sig)

	sl := InitialStopLoss(u.UserConfig, sig, adm.last)
	if sl <= 0 {
		return s.reject(ctx, u.ID, sig, "stop loss ausente")
	}
	if !stopOnProtectiveSide(long, sl, adm.last) {
		return s.reject(ctx, u.ID, sig, fmt.Sprintf("SL %.6g do lado errado do preço %.6g", sl, adm.last))
	}

	wallet, err := s.exchange.AccountEquity(ctx, creds)
	if err != nil {
		return s.orderFailure(ctx, u, sig, err)
	}
	qty := PositionQty(u.UserConfig, wallet.TotalEquity, adm.last, sl, adm.sizeFactor)

	order, err := s.exchange.PlaceMarket(ctx, creds, bybitEntity.OrderRequest{
		Symbol:   symbol,
		Side:     side.ExchangeSide(),
		Qty:      qty,
		StopLoss: sl,
		Leverage: u.MaxLeverage,
	})
	if err != nil {
		return s.orderFailure(ctx, u, sig, err)
	}

	entry, filled := adm.last, order.Qty
	if info, err := s.exchange.QueryOrder(ctx, creds, symbol, order.OrderID); err == nil {
		if info.AvgPrice > 0 {
			entry = info.AvgPrice
		}
		if info.CumExecQty > 0 {
			filled = info.CumExecQty
		}
	}

	trade := &ledger.ActiveTrade{
		UserID:              u.ID,
		OrderID:             order.OrderID,
		Symbol:              symbol,
		Side:                side,
		Qty:                 filled,
		EntryPrice:          entry,
		InitialStopLoss:     sl,
		CurrentStopLoss:     sl,
		InitialTargets:      append(ledger.FloatList(nil), sig.Targets...),
		TotalInitialTargets: len(sig.Targets),
		RemainingQty:        filled,
		Status:              ledger.StatusActive,
	}
	if msgID, err := s.notifier.Send(ctx, u.ID, openedText(trade, u.MaxLeverage, sig.SourceName)); err == nil {
		trade.NotificationMessageID = msgID
	} else {
		s.logger.Warn().Err(err).Int64("user_id", u.ID).Msg("failed to send trade card")
	}

	if err := s.storeFill(ctx, trade); err != nil {
		s.logger.Error().Err(err).Int64("user_id", u.ID).Str("symbol", symbol).Msg("position opened but ledger write failed; reconciler will adopt it")
		return Result{UserID: u.ID, Symbol: symbol, Outcome: OutcomeFailed, Reason: err.Error(), OrderID: order.OrderID}
	}

	s.logger.Info().Int64("user_id", u.ID).Str("symbol", symbol).Str("side", string(side)).
		Float64("qty", filled).Float64("entry", entry).Float64("sl", sl).Int64("trade_id", trade.ID).Msg("market trade opened")
	return Result{UserID: u.ID, Symbol: symbol, Outcome: OutcomeExecuted, TradeID: trade.ID, OrderID: order.OrderID}
}

// storeFill вставляет сделку; если строка уже есть (например, её успел усыновить сверщик), сливает данные
func (s *IntakeService) storeFill(ctx context.Context, trade *ledger.ActiveTrade) error {
	return ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		err := tx.Trades().Insert(ctx, trade)
		if !errors.Is(err, ledger.ErrDuplicateOpen) {
			return err
		}
		existing, err := tx.Trades().GetActiveBySymbol(ctx, trade.UserID, trade.Symbol)
		if err != nil || existing == nil {
			return fmt.Errorf("duplicate trade without active row: %w", err)
		}
		existing.MergeFill(trade)
		if err := tx.Trades().Update(ctx, existing); err != nil {
			return err
		}
		if err := tx.Trades().ResetTargets(ctx, existing.ID, trade.InitialTargets); err != nil {
			return err
		}
		trade.ID = existing.ID
		return nil
	})
}

func (s *IntakeService) executeLimit(ctx context.Context, u *ledger.User, creds *bybitEntity.Credentials, sig signalEntity.Signal, adm admission) Result {
	symbol := sig.Symbol()
	long := sig.IsLong()
	price := sig.EntryPrice()

	sl := InitialStopLoss(u.UserConfig, sig, price)
	if sl <= 0 {
		return s.reject(ctx, u.ID, sig, "stop loss ausente")
	}
	if !stopOnProtectiveSide(long, sl, price) {
		return s.reject(ctx, u.ID, sig, fmt.Sprintf("SL %.6g do lado errado do preço limite %.6g", sl, price))
	}

	wallet, err := s.exchange.AccountEquity(ctx, creds)
	if err != nil {
		return s.orderFailure(ctx, u, sig, err)
	}
	qty := PositionQty(u.UserConfig, wallet.TotalEquity, price, sl, adm.sizeFactor)

	var tp float64
	if len(sig.Targets) > 0 {
		tp = sig.Targets[0]
	}
	order, err := s.exchange.PlaceLimit(ctx, creds, bybitEntity.OrderRequest{
		Symbol:     symbol,
		Side:       tradeSide(sig).ExchangeSide(),
		Qty:        qty,
		Price:      price,
		TakeProfit: tp,
		StopLoss:   sl,
		Leverage:   u.MaxLeverage,
	})
	if err != nil {
		return s.orderFailure(ctx, u, sig, err)
	}

	payload := sig
	payload.StopLoss = sl
	payload.LimitPrice = &price
	pending := &ledger.PendingSignal{
		UserID:  u.ID,
		Symbol:  symbol,
		OrderID: order.OrderID,
		Payload: ledger.SignalPayload{Signal: payload},
	}
	if msgID, err := s.notifier.Send(ctx, u.ID, limitPlacedText(sig, order.Qty, order.Price, sl, u.MaxLeverage)); err == nil {
		pending.NotificationMessageID = msgID
	}

	err = ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		return tx.Pending().Insert(ctx, pending)
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", u.ID).Str("symbol", symbol).Msg("failed to store pending signal, cancelling order")
		if cerr := s.exchange.CancelOrder(ctx, creds, symbol, order.OrderID); cerr != nil {
			s.logger.Error().Err(cerr).Str("order_id", order.OrderID).Msg("failed to cancel orphan limit order")
		}
		return Result{UserID: u.ID, Symbol: symbol, Outcome: OutcomeFailed, Reason: err.Error(), OrderID: order.OrderID}
	}

	s.logger.Info().Int64("user_id", u.ID).Str("symbol", symbol).Float64("price", order.Price).
		Float64("qty", order.Qty).Str("order_id", order.OrderID).Msg("limit order placed")
	return Result{UserID: u.ID, Symbol: symbol, Outcome: OutcomePending, OrderID: order.OrderID}
}
