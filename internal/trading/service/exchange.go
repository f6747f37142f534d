package service

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	bybitEntity "tradepilot/internal/bybit/entity"
	bybitService "tradepilot/internal/bybit/service"
)

// Exchange операции биржи, нужные циклу управления позициями
type Exchange interface {
	MarketPrice(ctx context.Context, symbol string) (float64, error)
	ListPositions(ctx context.Context, creds *bybitEntity.Credentials) (map[bybitEntity.PositionKey]bybitEntity.Position, error)
	QueryOrder(ctx context.Context, creds *bybitEntity.Credentials, symbol, orderID string) (bybitEntity.OrderInfo, error)
	CancelOrder(ctx context.Context, creds *bybitEntity.Credentials, symbol, orderID string) error
	ClosePartial(ctx context.Context, creds *bybitEntity.Credentials, symbol string, qty float64, sideHint bybitEntity.Side) (bybitEntity.CloseResult, error)
	ModifyStopLoss(ctx context.Context, creds *bybitEntity.Credentials, req bybitService.StopLossRequest) (bybitEntity.StopResult, error)
	ClosedPnLForTrade(ctx context.Context, creds *bybitEntity.Credentials, symbol string, side bybitEntity.Side, from time.Time) (bybitEntity.TradePnL, error)
	LastClosedPnL(ctx context.Context, creds *bybitEntity.Credentials, symbol string) (*bybitEntity.ClosedPnLRecord, bybitEntity.ExitType, error)
}

// ErrorReporter пересылает паники оператору
type ErrorReporter interface {
	Report(ctx context.Context, where string, err error, stack []byte)
}

// Snapshot открытые позиции пользователя по символу
type Snapshot map[string]bybitEntity.Position

// NewSnapshot сводит позиции к одной на символ. Если в режиме хеджирования открыты обе стороны,
// остаётся позиция большего размера.
func NewSnapshot(positions map[bybitEntity.PositionKey]bybitEntity.Position, logger zerolog.Logger) Snapshot {
	keys := make([]bybitEntity.PositionKey, 0, len(positions))
	for k := range positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Idx < keys[j].Idx
	})

	snap := make(Snapshot, len(positions))
	for _, k := range keys {
		pos := positions[k]
		if pos.Size <= 0 {
			continue
		}
		prev, ok := snap[pos.Symbol]
		if !ok {
			snap[pos.Symbol] = pos
			continue
		}
		keep, drop := prev, pos
		if pos.Size > prev.Size {
			keep, drop = pos, prev
		}
		logger.Warn().Str("symbol", pos.Symbol).Str("kept_side", string(keep.Side)).Float64("kept_size", keep.Size).
			Str("dropped_side", string(drop.Side)).Float64("dropped_size", drop.Size).Msg("both sides open, tracking the larger position")
		snap[pos.Symbol] = keep
	}
	return snap
}

// Symbols отсортированный список символов снимка
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s))
	for sym := range s {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
