package service

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	bybitEntity "tradepilot/internal/bybit/entity"
	"tradepilot/internal/ledger"
)

const (
	defaultDetectiveAttempts = 3
	defaultDetectiveDelay    = 2 * time.Second
)

// Verdict вывод детектива о пропавшей с биржи сделке
type Verdict struct {
	Status    ledger.TradeStatus
	PnL       float64
	ExitPrice float64
	Qty       float64
	ExitType  bybitEntity.ExitType
	Evidence  bool
}

// Detective ищет в истории closed-pnl следы закрытия сделки
type Detective struct {
	exchange Exchange
	attempts int
	delay    time.Duration
	logger   zerolog.Logger
}

func NewDetective(exchange Exchange, attempts int, delay time.Duration, logger zerolog.Logger) *Detective {
	if attempts <= 0 {
		attempts = defaultDetectiveAttempts
	}
	if delay < 0 {
		delay = defaultDetectiveDelay
	}
	return &Detective{
		exchange: exchange,
		attempts: attempts,
		delay:    delay,
		logger:   logger.With().Str("component", "Detective").Logger(),
	}
}

// Investigate делает до attempts попыток. Без улик возвращает CLOSED_GHOST с нулевым PnL.
func (d *Detective) Investigate(ctx context.Context, creds *bybitEntity.Credentials, t *ledger.ActiveTrade) Verdict {
	log := d.logger.With().Int64("trade_id", t.ID).Str("symbol", t.Symbol).Logger()
	b := &backoff.Backoff{Min: d.delay, Max: 4 * max(d.delay, time.Second), Factor: 2}

	for attempt := 1; attempt <= d.attempts; attempt++ {
		if v, ok := d.lookup(ctx, creds, t, log); ok {
			log.Info().Int("attempt", attempt).Str("status", string(v.Status)).Float64("pnl", v.PnL).
				Str("exit_type", string(v.ExitType)).Msg("closure evidence found")
			return v
		}
		if attempt == d.attempts {
			break
		}
		var wait time.Duration
		if d.delay > 0 {
			wait = b.Duration()
		}
		if err := sleepCtx(ctx, wait); err != nil {
			break
		}
	}

	log.Warn().Int("attempts", d.attempts).Msg("no closure evidence, marking ghost")
	return Verdict{Status: ledger.StatusClosedGhost, ExitType: bybitEntity.ExitUnknown}
}

func (d *Detective) lookup(ctx context.Context, creds *bybitEntity.Credentials, t *ledger.ActiveTrade, log zerolog.Logger) (Verdict, bool) {
	side := t.Side.ExchangeSide()
	agg, err := d.exchange.ClosedPnLForTrade(ctx, creds, t.Symbol, side, t.CreatedAt)
	if err != nil {
		log.Warn().Err(err).Msg("closed pnl aggregate failed")
	} else if agg.HasEvidence() {
		return verdictFrom(agg.ExitType, agg.Net, agg.ExitPrice, agg.Qty), true
	}

	rec, exitType, err := d.exchange.LastClosedPnL(ctx, creds, t.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("last closed pnl lookup failed")
		return Verdict{}, false
	}
	if rec == nil || rec.Side != side.Opposite() {
		return Verdict{}, false
	}
	// запись старше сделки относится к прошлой позиции по символу
	if !t.CreatedAt.IsZero() && rec.UpdatedTime.Before(t.CreatedAt) {
		return Verdict{}, false
	}
	return verdictFrom(exitType, rec.ClosedPnl, rec.AvgExit, rec.ClosedSize), true
}

// verdictFrom тип выхода важнее знака PnL
func verdictFrom(exitType bybitEntity.ExitType, pnl, exitPrice, qty float64) Verdict {
	v := Verdict{PnL: pnl, ExitPrice: exitPrice, Qty: qty, ExitType: exitType, Evidence: true}
	switch {
	case exitType == bybitEntity.ExitTakeProfit:
		v.Status = ledger.StatusClosedProfit
	case exitType == bybitEntity.ExitStopLoss:
		v.Status = ledger.StatusClosedLoss
	case pnl >= 0:
		v.Status = ledger.StatusClosedProfit
	default:
		v.Status = ledger.StatusClosedLoss
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
