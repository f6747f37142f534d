package service

import (
	"context"
	"errors"
	"strconv"
	"testing"

	bybitEntity "tradepilot/internal/bybit/entity"
	"tradepilot/internal/ledger"
)

func TestManualClose(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, newUser(t, 1, nil), newUser(t, 2, nil))
	f.exchange.openPosition(longPosition("BTCUSDT", 0.6, 100))
	f.exchange.tradePnL = bybitEntity.TradePnL{Net: -3.5, Records: 1}
	tr := f.insertTrade(t, &ledger.ActiveTrade{UserID: 1, Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 1, RemainingQty: 0.6, EntryPrice: 100, InitialStopLoss: 95})

	if err := f.closer.ConfirmClose(ctx, 2, tr.ID); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("foreign trade: err = %v", err)
	}
	if err := f.closer.ConfirmClose(ctx, 1, tr.ID); err != nil {
		t.Fatalf("ConfirmClose: %v", err)
	}
	msg := f.notifier.sent[len(f.notifier.sent)-1]
	if len(msg.Buttons) != 1 || msg.Buttons[0][0].Data != ActionCloseExecute+":"+strconv.FormatInt(tr.ID, 10) {
		t.Errorf("confirmation must carry the execute button: %+v", msg.Buttons)
	}

	closed, err := f.closer.ExecuteClose(ctx, 1, tr.ID)
	if err != nil {
		t.Fatalf("ExecuteClose: %v", err)
	}
	if closed.Status != ledger.StatusClosedManual || closed.ClosedPnl == nil || *closed.ClosedPnl != -3.5 {
		t.Errorf("unexpected close %+v", closed)
	}
	if len(f.exchange.closes) != 1 || f.exchange.closes[0].Qty != 0.6 {
		t.Errorf("must close the remaining qty, got %+v", f.exchange.closes)
	}
	if got := f.trade(t, tr.ID); got.Status != ledger.StatusClosedManual || got.RemainingQty != 0 {
		t.Errorf("stored trade %+v", got)
	}

	if _, err := f.closer.ExecuteClose(ctx, 1, tr.ID); !errors.Is(err, ErrTradeClosed) {
		t.Errorf("second close: err = %v", err)
	}
}

func TestManualCloseFailureKeepsTrade(t *testing.T) {
	f := newEngineFixture(t, newUser(t, 1, nil))
	f.exchange.closeErr = errors.New("venue down")
	tr := f.insertTrade(t, &ledger.ActiveTrade{UserID: 1, Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 1, EntryPrice: 100, InitialStopLoss: 95})

	if _, err := f.closer.ExecuteClose(context.Background(), 1, tr.ID); err == nil {
		t.Fatal("expected error")
	}
	if got := f.trade(t, tr.ID); got.Status != ledger.StatusActive {
		t.Errorf("trade must stay active: %+v", got)
	}
}
