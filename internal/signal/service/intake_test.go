package service

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	bybitEntity "tradepilot/internal/bybit/entity"
	"tradepilot/internal/ledger"
	signalEntity "tradepilot/internal/signal/entity"
)

func TestProcessMarketOpensTrade(t *testing.T) {
	f := newIntakeFixture(t, newUser(t, 1, nil))
	f.exchange.fill = bybitEntity.OrderInfo{AvgPrice: 100.5, CumExecQty: 5}
	ctx := context.Background()

	results, err := f.svc.Process(ctx, marketSignal("btc", signalEntity.Long, 95, 105, 110))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != OutcomeExecuted {
		t.Fatalf("unexpected results %+v", results)
	}

	if len(f.exchange.market) != 1 {
		t.Fatalf("expected one market order, got %d", len(f.exchange.market))
	}
	req := f.exchange.market[0]
	// 1000 * 5% * 10x / 100
	if req.Symbol != "BTCUSDT" || req.Side != bybitEntity.SideBuy || math.Abs(req.Qty-5) > 1e-9 {
		t.Errorf("unexpected order %+v", req)
	}
	if req.StopLoss != 95 || req.Leverage != 10 {
		t.Errorf("order must carry SL and leverage, got %+v", req)
	}

	trades := f.store.Trades()
	if len(trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Status != ledger.StatusActive || tr.EntryPrice != 100.5 || tr.Qty != 5 || tr.RemainingQty != 5 {
		t.Errorf("unexpected trade %+v", tr)
	}
	if tr.CurrentStopLoss != 95 || tr.InitialStopLoss != 95 {
		t.Errorf("unexpected stops %+v", tr)
	}
	if tr.TotalInitialTargets != 2 || len(tr.InitialTargets) != 2 {
		t.Errorf("unexpected targets %+v", tr.InitialTargets)
	}
	if tr.NotificationMessageID == 0 {
		t.Error("trade card id must be stored")
	}
}

func TestProcessLimitStoresPending(t *testing.T) {
	f := newIntakeFixture(t, newUser(t, 1, nil))
	ctx := context.Background()

	results, err := f.svc.Process(ctx, limitSignal("ETH", signalEntity.Short, 110, 120, 100, 90))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if results[0].Outcome != OutcomePending {
		t.Fatalf("expected pending, got %+v", results[0])
	}
	if len(f.exchange.limit) != 1 {
		t.Fatalf("expected one limit order, got %d", len(f.exchange.limit))
	}
	req := f.exchange.limit[0]
	if req.Price != 110 || req.TakeProfit != 100 || req.StopLoss != 120 || req.Side != bybitEntity.SideSell {
		t.Errorf("unexpected limit order %+v", req)
	}

	pending := f.store.PendingSignals()
	if len(pending) != 1 {
		t.Fatalf("expected one pending signal, got %d", len(pending))
	}
	p := pending[0]
	if p.Symbol != "ETHUSDT" || p.OrderID != "ord-1" {
		t.Errorf("unexpected pending %+v", p)
	}
	if p.Payload.StopLoss != 120 || p.Payload.EntryPrice() != 110 {
		t.Errorf("payload must keep effective SL and price, got %+v", p.Payload.Signal)
	}
	if len(f.store.Trades()) != 0 {
		t.Error("limit signal must not create an active trade")
	}
}

func insertClosed(t *testing.T, f *intakeFixture, side ledger.TradeSide, status ledger.TradeStatus, closedAt time.Time) {
	t.Helper()
	tr := &ledger.ActiveTrade{UserID: 1, Symbol: "XRPUSDT", Side: side, Qty: 1, EntryPrice: 1, Status: ledger.StatusActive}
	err := ledger.WithTx(context.Background(), f.store, func(tx ledger.Tx) error {
		if err := tx.Trades().Insert(context.Background(), tr); err != nil {
			return err
		}
		tr.Close(status, -1, closedAt)
		return tx.Trades().Update(context.Background(), tr)
	})
	if err != nil {
		t.Fatalf("insert closed: %v", err)
	}
}

func TestProcessRejections(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(*ledger.UserConfig)
		sig    signalEntity.Signal
		setup  func(*testing.T, *intakeFixture)
		reason string
	}{
		{
			name:   "not whitelisted",
			cfg:    func(c *ledger.UserConfig) { c.Whitelist = ledger.StringList{"ETH", "DEFI"} },
			sig:    marketSignal("BTC", signalEntity.Long, 95, 105),
			reason: "fora da whitelist",
		},
		{
			name: "low confidence",
			cfg:  func(c *ledger.UserConfig) { c.MinConfidence = 80 },
			sig: func() signalEntity.Signal {
				s := marketSignal("BTC", signalEntity.Long, 95, 105)
				s.Confidence = ptr(50.0)
				return s
			}(),
			reason: "confiança",
		},
		{
			name:   "stop on wrong side",
			sig:    marketSignal("BTC", signalEntity.Long, 105, 110),
			reason: "lado errado",
		},
		{
			name:   "missing stop",
			sig:    marketSignal("BTC", signalEntity.Short, 0, 90),
			reason: "stop loss ausente",
		},
		{
			name: "sleep window",
			cfg: func(c *ledger.UserConfig) {
				c.SleepEnabled, c.SleepStartHour, c.SleepEndHour = true, 22, 11
			},
			sig:    marketSignal("BTC", signalEntity.Long, 95, 105),
			reason: "modo sono",
		},
		{
			name: "price below MA",
			cfg:  func(c *ledger.UserConfig) { c.MAFilterEnabled, c.MAPeriod = true, 3 },
			sig:  marketSignal("BTC", signalEntity.Long, 95, 105),
			setup: func(_ *testing.T, f *intakeFixture) {
				f.exchange.closes = []float64{90, 110, 110, 110}
			},
			reason: "abaixo da MA3",
		},
		{
			name:   "MA without candles",
			cfg:    func(c *ledger.UserConfig) { c.MAFilterEnabled, c.MAPeriod = true, 3 },
			sig:    marketSignal("BTC", signalEntity.Short, 105, 95),
			reason: "filtro MA indisponível",
		},
		{
			name: "overbought RSI",
			cfg:  func(c *ledger.UserConfig) { c.RSIFilterEnabled, c.RSIPeriod = true, 2 },
			sig:  marketSignal("BTC", signalEntity.Long, 95, 105),
			setup: func(_ *testing.T, f *intakeFixture) {
				f.exchange.closes = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
			},
			reason: "sobrecomprado",
		},
		{
			name: "daily loss limit",
			cfg:  func(c *ledger.UserConfig) { c.DailyLossLimit = 50 },
			sig:  marketSignal("BTC", signalEntity.Long, 95, 105),
			setup: func(_ *testing.T, f *intakeFixture) {
				f.exchange.pnl = -60
			},
			reason: "limite de perda diária",
		},
		{
			name: "circuit breaker",
			cfg:  func(c *ledger.UserConfig) { c.CBThreshold, c.CBPauseMinutes = 2, 60 },
			sig:  marketSignal("BTC", signalEntity.Long, 95, 105),
			setup: func(t *testing.T, f *intakeFixture) {
				insertClosed(t, f, ledger.SideLong, ledger.StatusClosedLoss, fixedNow.Add(-20*time.Minute))
				insertClosed(t, f, ledger.SideLong, ledger.StatusClosedLoss, fixedNow.Add(-10*time.Minute))
			},
			reason: "circuit breaker",
		},
		{
			name: "already open",
			sig:  marketSignal("BTC", signalEntity.Long, 95, 105),
			setup: func(t *testing.T, f *intakeFixture) {
				err := ledger.WithTx(context.Background(), f.store, func(tx ledger.Tx) error {
					return tx.Trades().Insert(context.Background(), &ledger.ActiveTrade{
						UserID: 1, Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 1, RemainingQty: 1,
					})
				})
				if err != nil {
					t.Fatal(err)
				}
			},
			reason: "posição já aberta",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIntakeFixture(t, newUser(t, 1, tt.cfg))
			if tt.setup != nil {
				tt.setup(t, f)
			}
			results, err := f.svc.Process(context.Background(), tt.sig)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			res := results[0]
			if res.Outcome != OutcomeRejected {
				t.Fatalf("expected rejection, got %+v", res)
			}
			if !strings.Contains(res.Reason, tt.reason) {
				t.Errorf("reason %q does not contain %q", res.Reason, tt.reason)
			}
			if len(f.exchange.market)+len(f.exchange.limit) != 0 {
				t.Error("no order may be placed for a rejected signal")
			}
			if !strings.Contains(f.notifier.lastSent().Text, tt.reason) {
				t.Errorf("user must see the reason, got %q", f.notifier.lastSent().Text)
			}
		})
	}
}

func TestProcessCategoryWhitelistPasses(t *testing.T) {
	f := newIntakeFixture(t, newUser(t, 1, func(c *ledger.UserConfig) {
		c.Whitelist = ledger.StringList{"MAJORS"}
	}))
	results, err := f.svc.Process(context.Background(), marketSignal("SOL", signalEntity.Long, 95, 105))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if results[0].Outcome != OutcomeExecuted {
		t.Fatalf("expected executed, got %+v", results[0])
	}
}

func TestProcessBreakerProbeSizing(t *testing.T) {
	f := newIntakeFixture(t, newUser(t, 1, func(c *ledger.UserConfig) {
		c.CBThreshold, c.CBPauseMinutes, c.CBProbeFactor = 2, 30, 0.5
	}))
	insertClosed(t, f, ledger.SideShort, ledger.StatusClosedLoss, fixedNow.Add(-2*time.Hour))
	insertClosed(t, f, ledger.SideShort, ledger.StatusClosedLoss, fixedNow.Add(-time.Hour))

	results, err := f.svc.Process(context.Background(), marketSignal("BTC", signalEntity.Long, 95, 105))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if results[0].Outcome != OutcomeExecuted {
		t.Fatalf("expected executed after pause, got %+v", results[0])
	}
	if got := f.exchange.market[0].Qty; math.Abs(got-2.5) > 1e-9 {
		t.Errorf("probe entry must be halved, got qty %v", got)
	}
}

func TestProcessSkipsDisabledAndUnmonitored(t *testing.T) {
	disabled := newUser(t, 2, nil)
	disabled.Enabled = false
	f := newIntakeFixture(t, newUser(t, 1, nil), disabled)
	f.store.AddTarget(ledger.MonitoredTarget{ChannelID: 10})
	ctx := context.Background()

	sig := marketSignal("BTC", signalEntity.Long, 95, 105)
	sig.ChannelID = 11
	results, err := f.svc.Process(ctx, sig)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != OutcomeIgnored {
		t.Fatalf("unmonitored channel must be ignored, got %+v", results)
	}

	sig.ChannelID = 10
	results, err = f.svc.Process(ctx, sig)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected result per user, got %+v", results)
	}
	if results[0].Outcome != OutcomeExecuted || results[1].Outcome != OutcomeIgnored {
		t.Errorf("unexpected outcomes %+v", results)
	}
	if len(f.exchange.market) != 1 {
		t.Errorf("only the enabled user trades, got %d orders", len(f.exchange.market))
	}
}

func TestProcessCancelled(t *testing.T) {
	f := newIntakeFixture(t, newUser(t, 1, nil))
	ctx := context.Background()
	err := ledger.WithTx(ctx, f.store, func(tx ledger.Tx) error {
		return tx.Pending().Insert(ctx, &ledger.PendingSignal{
			UserID: 1, Symbol: "BTCUSDT", OrderID: "ord-x", NotificationMessageID: 7,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := f.svc.Process(ctx, signalEntity.Signal{Type: signalEntity.SignalCancelled, Coin: "BTC", SourceName: "vip"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if results[0].Outcome != OutcomeCancelled || results[0].OrderID != "ord-x" {
		t.Fatalf("unexpected result %+v", results[0])
	}
	if len(f.exchange.cancelled) != 1 || f.exchange.cancelled[0] != "ord-x" {
		t.Errorf("order must be cancelled on the exchange, got %v", f.exchange.cancelled)
	}
	if len(f.store.PendingSignals()) != 0 {
		t.Error("pending row must be deleted")
	}
	if len(f.notifier.edited) != 1 || f.notifier.edited[0].MessageID != 7 {
		t.Errorf("pending card must be edited, got %+v", f.notifier.edited)
	}

	results, _ = f.svc.Process(ctx, signalEntity.Signal{Type: signalEntity.SignalCancelled, Coin: "BTC", SourceName: "vip"})
	if results[0].Outcome != OutcomeIgnored {
		t.Errorf("second cancel has nothing to do, got %+v", results[0])
	}
}

func TestValidate(t *testing.T) {
	f := newIntakeFixture(t)
	tests := []struct {
		name string
		sig  signalEntity.Signal
		ok   bool
	}{
		{"market", marketSignal("BTC", signalEntity.Long, 95, 105), true},
		{"limit without price", func() signalEntity.Signal {
			s := marketSignal("BTC", signalEntity.Long, 95, 105)
			s.Type = signalEntity.SignalLimit
			return s
		}(), false},
		{"missing direction", marketSignal("BTC", "", 95, 105), false},
		{"negative target", marketSignal("BTC", signalEntity.Long, 95, -1), false},
		{"unknown type", signalEntity.Signal{Type: "SPOT", Coin: "BTC", SourceName: "x"}, false},
		{"cancel needs only coin", signalEntity.Signal{Type: signalEntity.SignalCancelled, Coin: "BTC", SourceName: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.Validate(tt.sig)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSignal) {
				t.Fatalf("expected ErrInvalidSignal, got %v", err)
			}
		})
	}
}

func approvalID(t *testing.T, msg sentMessage) int64 {
	t.Helper()
	if len(msg.Buttons) != 1 || len(msg.Buttons[0]) != 2 {
		t.Fatalf("approval card must have two buttons, got %+v", msg.Buttons)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(msg.Buttons[0][0].Data, "approve:"), 10, 64)
	if err != nil {
		t.Fatalf("bad callback data %q", msg.Buttons[0][0].Data)
	}
	return id
}

func TestManualApproval(t *testing.T) {
	manual := func(c *ledger.UserConfig) { c.ApprovalMode = ledger.ApprovalManual }
	ctx := context.Background()

	t.Run("approve executes once", func(t *testing.T) {
		f := newIntakeFixture(t, newUser(t, 1, manual))
		results, err := f.svc.Process(ctx, marketSignal("BTC", signalEntity.Long, 95, 105))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if results[0].Outcome != OutcomeAwaitingApproval {
			t.Fatalf("expected awaiting approval, got %+v", results[0])
		}
		if len(f.exchange.market) != 0 {
			t.Fatal("nothing may be placed before approval")
		}
		id := approvalID(t, f.notifier.lastSent())

		if _, err := f.svc.Approve(ctx, 2, id); !errors.Is(err, ErrApprovalNotFound) {
			t.Errorf("other user must not approve, got %v", err)
		}

		res, err := f.svc.Approve(ctx, 1, id)
		if err != nil {
			t.Fatalf("Approve: %v", err)
		}
		if res.Outcome != OutcomeExecuted || len(f.store.Trades()) != 1 {
			t.Fatalf("approve must execute, got %+v", res)
		}

		if _, err := f.svc.Approve(ctx, 1, id); !errors.Is(err, ErrApprovalNotFound) {
			t.Errorf("second approve must fail, got %v", err)
		}
		if len(f.exchange.market) != 1 {
			t.Errorf("expected exactly one order, got %d", len(f.exchange.market))
		}
	})

	t.Run("reject drops the signal", func(t *testing.T) {
		f := newIntakeFixture(t, newUser(t, 1, manual))
		if _, err := f.svc.Process(ctx, marketSignal("BTC", signalEntity.Long, 95, 105)); err != nil {
			t.Fatalf("Process: %v", err)
		}
		id := approvalID(t, f.notifier.lastSent())

		if err := f.svc.Reject(ctx, 1, id); err != nil {
			t.Fatalf("Reject: %v", err)
		}
		if _, err := f.svc.Approve(ctx, 1, id); !errors.Is(err, ErrApprovalNotFound) {
			t.Errorf("approve after reject must fail, got %v", err)
		}
		if len(f.exchange.market) != 0 {
			t.Error("rejected signal must not trade")
		}
		if len(f.notifier.edited) == 0 || !strings.Contains(f.notifier.edited[0].Text, "Rejeitado") {
			t.Errorf("approval card must be updated, got %+v", f.notifier.edited)
		}
	})
}

func TestStoreFillMergesExistingRow(t *testing.T) {
	f := newIntakeFixture(t, newUser(t, 1, nil))
	ctx := context.Background()
	adopted := &ledger.ActiveTrade{
		UserID: 1, Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 4, RemainingQty: 4,
		EntryPrice: 99, CurrentStopLoss: 97,
	}
	if err := ledger.WithTx(ctx, f.store, func(tx ledger.Tx) error { return tx.Trades().Insert(ctx, adopted) }); err != nil {
		t.Fatal(err)
	}

	fill := &ledger.ActiveTrade{
		UserID: 1, Symbol: "BTCUSDT", Side: ledger.SideLong, OrderID: "ord-9", Qty: 5, RemainingQty: 5,
		EntryPrice: 100, InitialStopLoss: 95, CurrentStopLoss: 95,
		InitialTargets: ledger.FloatList{105, 110, 115}, TotalInitialTargets: 3,
	}
	if err := f.svc.storeFill(ctx, fill); err != nil {
		t.Fatalf("storeFill: %v", err)
	}

	trades := f.store.Trades()
	if len(trades) != 1 {
		t.Fatalf("merge must not create a second row, got %d", len(trades))
	}
	got := trades[0]
	if fill.ID != adopted.ID || got.Qty != 5 || got.EntryPrice != 100 || got.OrderID != "ord-9" {
		t.Errorf("unexpected merged row %+v", got)
	}
	if got.CurrentStopLoss != 97 {
		t.Errorf("stop must not regress, got %v", got.CurrentStopLoss)
	}
	if got.TotalInitialTargets != 3 || len(got.InitialTargets) != 3 {
		t.Errorf("targets must be reset, got %v / %d", got.InitialTargets, got.TotalInitialTargets)
	}
}
