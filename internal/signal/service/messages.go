package service

import (
	"fmt"
	"strings"

	"tradepilot/internal/ledger"
	signalEntity "tradepilot/internal/signal/entity"
)

func directionIcon(long bool) string {
	if long {
		return "🟢"
	}
	return "🔴"
}

func targetsLine(targets []float64) string {
	if len(targets) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(targets))
	for _, t := range targets {
		parts = append(parts, fmt.Sprintf("%.6g", t))
	}
	return strings.Join(parts, " / ")
}

func rejectionText(sig signalEntity.Signal, reason string) string {
	return fmt.Sprintf("❌ Sinal %s %s rejeitado (%s)\nMotivo: %s", sig.Symbol(), sig.OrderType, sig.SourceName, reason)
}

func failureText(sig signalEntity.Signal, err error) string {
	return fmt.Sprintf("⚠️ Falha ao abrir %s %s: %v", sig.Symbol(), sig.OrderType, err)
}

func cancelledText(symbol, source string) string {
	return fmt.Sprintf("🚫 Ordem limite %s cancelada pelo sinal (%s)", symbol, source)
}

func openedText(t *ledger.ActiveTrade, leverage int, source string) string {
	return fmt.Sprintf("%s %s %s aberto (%s)\nEntrada: %.6g\nQtd: %.6g\nAlavancagem: %dx\nSL: %.6g\nAlvos: %s",
		directionIcon(t.IsLong()), t.Side, t.Symbol, source, t.EntryPrice, t.Qty, leverage,
		t.CurrentStopLoss, targetsLine(t.InitialTargets))
}

func limitPlacedText(sig signalEntity.Signal, qty, price, sl float64, leverage int) string {
	tp := "-"
	if len(sig.Targets) > 0 {
		tp = fmt.Sprintf("%.6g", sig.Targets[0])
	}
	return fmt.Sprintf("⏳ Ordem limite %s %s (%s)\nPreço: %.6g\nQtd: %.6g\nAlavancagem: %dx\nTP1: %s\nSL: %.6g",
		sig.OrderType, sig.Symbol(), sig.SourceName, price, qty, leverage, tp, sl)
}

func approvalText(sig signalEntity.Signal) string {
	conf := "-"
	if sig.Confidence != nil {
		conf = fmt.Sprintf("%.0f", *sig.Confidence)
	}
	entry := "mercado"
	if sig.Type == signalEntity.SignalLimit {
		entry = fmt.Sprintf("%.6g", sig.EntryPrice())
	}
	return fmt.Sprintf("%s Novo sinal %s %s (%s)\nEntrada: %s\nSL: %.6g\nAlvos: %s\nConfiança: %s\n\nAprovar?",
		directionIcon(sig.IsLong()), sig.OrderType, sig.Symbol(), sig.SourceName, entry, sig.StopLoss,
		targetsLine(sig.Targets), conf)
}
