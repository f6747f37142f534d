package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	bybitEntity "tradepilot/internal/bybit/entity"
	"tradepilot/internal/ledger"
	"tradepilot/internal/notify"
)

// Cards карточка статуса сделки: одно сообщение на сделку, правится на месте.
// Последний отправленный текст кешируется, чтобы не дёргать API без изменений.
type Cards struct {
	notifier notify.Notifier
	loc      *time.Location
	mu       sync.Mutex
	last     map[int64]string
	logger   zerolog.Logger
}

func NewCards(notifier notify.Notifier, loc *time.Location, logger zerolog.Logger) *Cards {
	if loc == nil {
		loc = time.UTC
	}
	return &Cards{
		notifier: notifier,
		loc:      loc,
		last:     make(map[int64]string),
		logger:   logger.With().Str("component", "TradeCards").Logger(),
	}
}

// Show правит карточку сделки или отправляет новую, если старую править уже нельзя.
// Новый id сообщения записывается в t; сохранить строку должен вызывающий.
func (c *Cards) Show(ctx context.Context, t *ledger.ActiveTrade, text string, buttons ...[]notify.Button) {
	c.mu.Lock()
	same := t.NotificationMessageID != 0 && c.last[t.ID] == text
	c.mu.Unlock()
	if same {
		return
	}

	if t.NotificationMessageID != 0 {
		err := c.notifier.Edit(ctx, t.UserID, t.NotificationMessageID, text, buttons...)
		if err == nil {
			c.remember(t.ID, text)
			return
		}
		if !errors.Is(err, notify.ErrMessageNotEditable) {
			c.logger.Warn().Err(err).Int64("trade_id", t.ID).Msg("failed to edit trade card")
			return
		}
	}

	id, err := c.notifier.Send(ctx, t.UserID, text, buttons...)
	if err != nil {
		c.logger.Warn().Err(err).Int64("trade_id", t.ID).Msg("failed to send trade card")
		return
	}
	t.NotificationMessageID = id
	c.remember(t.ID, text)
}

// Forget убирает сделку из кеша после закрытия
func (c *Cards) Forget(tradeID int64) {
	c.mu.Lock()
	delete(c.last, tradeID)
	c.mu.Unlock()
}

func (c *Cards) remember(tradeID int64, text string) {
	c.mu.Lock()
	c.last[tradeID] = text
	c.mu.Unlock()
}

func (c *Cards) localTime(t time.Time) string {
	return t.In(c.loc).Format("02/01 15:04")
}

func sideIcon(t *ledger.ActiveTrade) string {
	if t.IsLong() {
		return "🟢"
	}
	return "🔴"
}

// statusText компактная панель активной сделки
func statusText(t *ledger.ActiveTrade, last float64, pnlPct float64, warning string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", sideIcon(t), t.Symbol, t.Side)
	fmt.Fprintf(&b, "Entrada: %.6g | Último: %.6g\n", t.EntryPrice, last)
	fmt.Fprintf(&b, "Qtd: %.6g / %.6g\n", t.RemainingQty, t.Qty)
	fmt.Fprintf(&b, "PnL: %+.2f%%\n", pnlPct)

	var badges []string
	if t.IsBreakeven {
		badges = append(badges, "BE")
	}
	if t.TrailHighWaterMark != nil {
		badges = append(badges, "TS")
	}
	if t.IsStopGainActive {
		badges = append(badges, "LOCK")
	}
	sl := fmt.Sprintf("SL: %.6g", t.CurrentStopLoss)
	if len(badges) > 0 {
		sl += " [" + strings.Join(badges, "] [") + "]"
	}
	b.WriteString(sl + "\n")

	fmt.Fprintf(&b, "TP: %d/%d", t.TargetsHit(), t.TotalInitialTargets)
	if len(t.InitialTargets) > 0 {
		fmt.Fprintf(&b, " · próximo %.6g", t.InitialTargets[0])
	}
	if warning != "" {
		b.WriteString("\n⚠️ " + warning)
	}
	return b.String()
}

func syncingText(t *ledger.ActiveTrade) string {
	return fmt.Sprintf("🔄 %s %s\nSincronizando com a corretora...", t.Symbol, t.Side)
}

func (c *Cards) closedText(t *ledger.ActiveTrade, v Verdict) string {
	if !v.Evidence {
		return fmt.Sprintf("ℹ️ %s %s\nPosição encerrada; detalhes indisponíveis.", t.Symbol, t.Side)
	}
	head := "✅ LUCRO"
	if t.Status == ledger.StatusClosedLoss {
		head = "🛑 PERDA"
	}
	exitType := "manual"
	switch v.ExitType {
	case bybitEntity.ExitTakeProfit:
		exitType = "take profit"
	case bybitEntity.ExitStopLoss:
		exitType = "stop loss"
	}
	closedAt := time.Now()
	if t.ClosedAt != nil {
		closedAt = *t.ClosedAt
	}
	return fmt.Sprintf("%s %s %s\nTipo: %s\nQtd: %.6g\nEntrada: %.6g\nSaída: %.6g\nPnL: %+.2f USDT\n%s",
		head, t.Symbol, t.Side, exitType, v.Qty, t.EntryPrice, v.ExitPrice, v.PnL, c.localTime(closedAt))
}

func completedText(t *ledger.ActiveTrade, pnl float64) string {
	return fmt.Sprintf("🏁 %s %s\nTodos os alvos atingidos (%d/%d)\nPnL: %+.2f USDT",
		t.Symbol, t.Side, t.TotalInitialTargets, t.TotalInitialTargets, pnl)
}

func adoptedText(t *ledger.ActiveTrade) string {
	targets := "-"
	if len(t.InitialTargets) > 0 {
		parts := make([]string, len(t.InitialTargets))
		for i, v := range t.InitialTargets {
			parts[i] = fmt.Sprintf("%.6g", v)
		}
		targets = strings.Join(parts, " / ")
	}
	return fmt.Sprintf("🧭 Posição %s %s encontrada na corretora e adotada\nEntrada: %.6g\nQtd: %.6g\nSL: %.6g\nAlvos: %s",
		t.Symbol, t.Side, t.EntryPrice, t.Qty, t.CurrentStopLoss, targets)
}

func filledText(t *ledger.ActiveTrade, leverage int) string {
	margin := t.Qty * t.EntryPrice
	if leverage > 0 {
		margin /= float64(leverage)
	}
	tp := "-"
	if len(t.InitialTargets) > 0 {
		tp = fmt.Sprintf("%.6g", t.InitialTargets[0])
	}
	return fmt.Sprintf("%s Ordem limite %s %s executada\nPreço: %.6g\nQtd: %.6g\nMargem: %.2f USDT\nTP1: %s\nAlavancagem: %dx\nSL: %.6g",
		sideIcon(t), t.Symbol, t.Side, t.EntryPrice, t.Qty, margin, tp, leverage, t.CurrentStopLoss)
}

func pendingCancelledText(p *ledger.PendingSignal) string {
	return fmt.Sprintf("⏸ Ordem limite %s cancelada: bot pausado", p.Symbol)
}

func pendingExpiredText(p *ledger.PendingSignal) string {
	return fmt.Sprintf("⌛ Ordem limite %s encerrada sem execução", p.Symbol)
}

func closeConfirmText(t *ledger.ActiveTrade) string {
	return fmt.Sprintf("❓ Fechar %s %s a mercado?\nQtd restante: %.6g", t.Symbol, t.Side, t.RemainingQty)
}

func manualClosedText(t *ledger.ActiveTrade, pnl float64) string {
	return fmt.Sprintf("✋ %s %s fechado manualmente\nPnL: %+.2f USDT", t.Symbol, t.Side, pnl)
}
