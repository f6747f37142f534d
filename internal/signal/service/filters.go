package service

import (
	"context"
	"fmt"

	"tradepilot/internal/ledger"
	signalEntity "tradepilot/internal/signal/entity"
)

// maxKlines предел Bybit для /v5/market/kline
const maxKlines = 1000

// staticFilters проверки без обращения к бирже
func staticFilters(cfg ledger.UserConfig, sig signalEntity.Signal) string {
	symbol := sig.Symbol()
	if !whitelisted(cfg.Whitelist, symbol) {
		return fmt.Sprintf("%s fora da whitelist", symbol)
	}
	if sig.Confidence != nil && *sig.Confidence < cfg.MinConfidence {
		return fmt.Sprintf("confiança %.0f abaixo do mínimo %.0f", *sig.Confidence, cfg.MinConfidence)
	}
	return ""
}

// indicatorFilters MA и RSI. Любая ошибка получения свечей отклоняет сигнал.
func (s *IntakeService) indicatorFilters(ctx context.Context, cfg ledger.UserConfig, sig signalEntity.Signal, last float64) string {
	symbol := sig.Symbol()
	if cfg.MAFilterEnabled {
		closes, err := s.closes(ctx, symbol, cfg.MATimeframe, cfg.MAPeriod)
		if err != nil {
			return fmt.Sprintf("filtro MA indisponível: %v", err)
		}
		sma, err := SMA(closes, cfg.MAPeriod)
		if err != nil {
			return fmt.Sprintf("filtro MA indisponível: %v", err)
		}
		if sig.IsLong() && last < sma {
			return fmt.Sprintf("preço %.6g abaixo da MA%d %.6g", last, cfg.MAPeriod, sma)
		}
		if !sig.IsLong() && last > sma {
			return fmt.Sprintf("preço %.6g acima da MA%d %.6g", last, cfg.MAPeriod, sma)
		}
	}

	if cfg.RSIFilterEnabled {
		closes, err := s.closes(ctx, symbol, cfg.RSITimeframe, cfg.RSIPeriod*4+1)
		if err != nil {
			return fmt.Sprintf("filtro RSI indisponível: %v", err)
		}
		rsi, err := RSI(closes, cfg.RSIPeriod)
		if err != nil {
			return fmt.Sprintf("filtro RSI indisponível: %v", err)
		}
		if !sig.IsLong() && rsi < cfg.RSIOversold {
			return fmt.Sprintf("RSI %.1f abaixo de %.0f (sobrevendido)", rsi, cfg.RSIOversold)
		}
		if sig.IsLong() && rsi > cfg.RSIOverbought {
			return fmt.Sprintf("RSI %.1f acima de %.0f (sobrecomprado)", rsi, cfg.RSIOverbought)
		}
	}
	return ""
}

func (s *IntakeService) closes(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	if limit > maxKlines {
		limit = maxKlines
	}
	klines, err := s.exchange.Klines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(klines))
	for _, k := range klines {
		out = append(out, k.Close)
	}
	return out, nil
}
