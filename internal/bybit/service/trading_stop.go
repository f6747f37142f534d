package service

import (
	"context"
	"fmt"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"tradepilot/internal/bybit/entity"
)

const stopRetryAttempts = 3

// StopLossRequest желаемый стоп для позиции стороны Side.
// Current - стоп, который движок считает текущим (0 если нет).
type StopLossRequest struct {
	Symbol  string
	Side    entity.Side
	Desired float64
	Current float64
	Reason  string
}

// ModifyStopLoss переносит стоп позиции с округлением по стороне и отступом safety ticks.
// Стоп никогда не ухудшается относительно Current. Повтор того же значения не вызывает API.
func (g *Gateway) ModifyStopLoss(ctx context.Context, creds *entity.Credentials, req StopLossRequest) (entity.StopResult, error) {
	rules, err := g.rules.Get(ctx, req.Symbol)
	if err != nil {
		return entity.StopResult{}, err
	}
	positions, err := g.positionsForSymbol(ctx, creds, req.Symbol)
	if err != nil {
		return entity.StopResult{}, err
	}
	pos, ok := positionBySide(positions, req.Side)
	if !ok {
		return entity.StopResult{Skipped: entity.SkipNoOpenPosition}, nil
	}
	last, err := g.MarketPrice(ctx, req.Symbol)
	if err != nil {
		return entity.StopResult{}, err
	}

	long := req.Side == entity.SideBuy
	sl := roundStop(dec(req.Desired), rules.TickSize, long)
	sl = applySafetyTicks(sl, dec(last), rules.TickSize, g.safetyTicks, long)
	if sl.Sign() <= 0 {
		return entity.StopResult{}, fmt.Errorf("%w: %s sl=%s last=%v", ErrStopWrongSide, req.Symbol, sl, last)
	}
	price := sl.InexactFloat64()

	if req.Current > 0 {
		cur := roundStop(dec(req.Current), rules.TickSize, long)
		if sl.Equal(cur) {
			return entity.StopResult{Price: price, Skipped: entity.SkipNotModified}, nil
		}
		if (long && sl.LessThan(cur)) || (!long && sl.GreaterThan(cur)) {
			return entity.StopResult{Price: req.Current, Skipped: entity.SkipNotImproved}, nil
		}
	}
	if pos.StopLoss > 0 && sl.Equal(roundStop(dec(pos.StopLoss), rules.TickSize, long)) {
		// на бирже уже стоит это значение
		return entity.StopResult{Changed: true, Price: price}, nil
	}

	idx := pos.PositionIdx
	if err := g.setTradingStop(ctx, creds, req.Symbol, map[string]any{
		"stopLoss":    formatDec(sl),
		"slTriggerBy": "LastPrice",
	}, &idx, req.Side); err != nil {
		return entity.StopResult{}, err
	}

	g.logger.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).Str("reason", req.Reason).
		Str("sl", formatDec(sl)).Float64("last", last).Msg("stop loss moved")
	return entity.StopResult{Changed: true, Price: price}, nil
}

// ModifyTakeProfit ставит take profit на всю позицию стороны side
func (g *Gateway) ModifyTakeProfit(ctx context.Context, creds *entity.Credentials, symbol string, side entity.Side, tp float64) error {
	rules, err := g.rules.Get(ctx, symbol)
	if err != nil {
		return err
	}
	positions, err := g.positionsForSymbol(ctx, creds, symbol)
	if err != nil {
		return err
	}
	pos, ok := positionBySide(positions, side)
	if !ok {
		return nil
	}
	idx := pos.PositionIdx
	return g.setTradingStop(ctx, creds, symbol, map[string]any{
		"takeProfit":  formatDec(roundDown(dec(tp), rules.TickSize)),
		"tpTriggerBy": "LastPrice",
	}, &idx, side)
}

// setTradingStop вызывает /position/trading-stop с повтором на "base price" и "idx mismatch".
// Ответ "not modified" считается успехом.
func (g *Gateway) setTradingStop(ctx context.Context, creds *entity.Credentials, symbol string, fields map[string]any, idx *int, side entity.Side) error {
	b := &backoff.Backoff{Min: g.retryMin, Max: g.retryMax, Factor: 2, Jitter: true}

	var lastErr error
	for attempt := 0; attempt <= stopRetryAttempts; attempt++ {
		body := map[string]any{
			"category":    CategoryLinear,
			"symbol":      symbol,
			"tpslMode":    "Full",
			"positionIdx": *idx,
		}
		for k, v := range fields {
			body[k] = v
		}

		_, err := g.client.post(ctx, BybitAPIVersion+"/position/trading-stop", body, creds)
		if err == nil || isNotModified(err) {
			return nil
		}
		lastErr = err

		switch {
		case isIdxMismatch(err):
			if *idx != 0 {
				*idx = 0
			} else {
				*idx = side.HedgeIdx()
			}
		case isBasePriceMoved(err), IsTransient(err):
		default:
			return err
		}

		if attempt == stopRetryAttempts {
			break
		}
		wait := b.Duration()
		g.logger.Debug().Err(err).Str("symbol", symbol).Dur("retry_in", wait).Msg("trading stop retry")
		if werr := waitOrCancel(ctx, wait); werr != nil {
			return werr
		}
	}
	return fmt.Errorf("%w: %w", errRetryBudget, lastErr)
}

// SafetyTicks число тиков отступа стопа от цены
func (g *Gateway) SafetyTicks() int {
	return g.safetyTicks
}

// ProtectiveSide проверяет, что стоп стоит на защитной стороне цены
func ProtectiveSide(side entity.Side, sl, last float64) bool {
	if side == entity.SideBuy {
		return decimal.NewFromFloat(sl).LessThan(decimal.NewFromFloat(last))
	}
	return decimal.NewFromFloat(sl).GreaterThan(decimal.NewFromFloat(last))
}
