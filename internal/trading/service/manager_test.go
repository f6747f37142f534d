package service

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	bybitEntity "tradepilot/internal/bybit/entity"
	"tradepilot/internal/ledger"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestStopGainLadder(t *testing.T) {
	u := newUser(t, 1, func(c *ledger.UserConfig) {
		c.StopGainTriggerPct = 1
		c.StopGainLockPct = 0.5
	})
	f := newEngineFixture(t, u)
	f.exchange.openPosition(longPosition("BTCUSDT", 1, 100))
	tr := f.insertTrade(t, &ledger.ActiveTrade{UserID: 1, Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 1, EntryPrice: 100, InitialStopLoss: 95})

	f.exchange.setPrice("BTCUSDT", 103.2)
	f.cycle(t)

	stops := f.exchange.stopCalls()
	if len(stops) != 1 {
		t.Fatalf("expected one stop move, got %d", len(stops))
	}
	if !approx(stops[0].Desired, 101.5) || stops[0].Reason != reasonLock {
		t.Errorf("unexpected stop request %+v", stops[0])
	}
	got := f.trade(t, tr.ID)
	if !got.IsStopGainActive || !approx(got.CurrentStopLoss, 101.5) {
		t.Errorf("lock not recorded: %+v", got)
	}

	f.exchange.setPrice("BTCUSDT", 103.1)
	f.cycle(t)
	if n := len(f.exchange.stopCalls()); n != 1 {
		t.Errorf("same ladder step must not move the stop again, got %d calls", n)
	}
}

func TestStopGainWrongSideIsSkipped(t *testing.T) {
	u := newUser(t, 1, func(c *ledger.UserConfig) {
		c.StopGainTriggerPct = 1
		c.StopGainLockPct = 2
	})
	f := newEngineFixture(t, u)
	f.exchange.openPosition(longPosition("BTCUSDT", 1, 100))
	tr := f.insertTrade(t, &ledger.ActiveTrade{UserID: 1, Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 1, EntryPrice: 100, InitialStopLoss: 95})

	f.exchange.setPrice("BTCUSDT", 101.5)
	f.cycle(t)

	if n := len(f.exchange.stopCalls()); n != 0 {
		t.Fatalf("stop above last price must not be sent, got %d calls", n)
	}
	got := f.trade(t, tr.ID)
	if got.IsStopGainActive || got.CurrentStopLoss != 95 {
		t.Errorf("trade must stay untouched: %+v", got)
	}
}

func TestBreakEvenAdvance(t *testing.T) {
	f := newEngineFixture(t, newUser(t, 1, nil))
	f.exchange.openPosition(longPosition("SOLUSDT", 3, 50))
	f.exchange.tradePnL = bybitEntity.TradePnL{Net: 4.5, Records: 3, ExitType: bybitEntity.ExitTakeProfit}
	tr := f.insertTrade(t, &ledger.ActiveTrade{
		UserID: 1, Symbol: "SOLUSDT", Side: ledger.SideLong, Qty: 3, EntryPrice: 50, InitialStopLoss: 48,
		InitialTargets: ledger.FloatList{51, 52, 53},
	})

	f.exchange.setPrice("SOLUSDT", 51.2)
	f.cycle(t)
	got := f.trade(t, tr.ID)
	if !got.IsBreakeven || got.CurrentStopLoss != 50 {
		t.Fatalf("TP1 must move SL to entry: %+v", got)
	}
	if len(got.InitialTargets) != 2 || got.TotalInitialTargets != 3 || got.TargetsHit() != 1 {
		t.Errorf("unexpected targets %v total %d", got.InitialTargets, got.TotalInitialTargets)
	}
	if !approx(got.RemainingQty, 2) {
		t.Errorf("remaining qty = %v, want 2", got.RemainingQty)
	}

	f.exchange.setPrice("SOLUSDT", 50.8)
	f.cycle(t)
	if n := len(f.exchange.stopCalls()); n != 1 {
		t.Errorf("pullback must not touch the stop, got %d calls", n)
	}

	f.exchange.setPrice("SOLUSDT", 52.3)
	f.cycle(t)
	got = f.trade(t, tr.ID)
	if got.CurrentStopLoss != 51 {
		t.Fatalf("TP2 must move SL to TP1, got %v", got.CurrentStopLoss)
	}

	f.exchange.setPrice("SOLUSDT", 53.4)
	f.cycle(t)
	got = f.trade(t, tr.ID)
	if got.Status != ledger.StatusClosedProfit || got.RemainingQty != 0 {
		t.Fatalf("last target must close the trade: %+v", got)
	}
	if got.ClosedPnl == nil || *got.ClosedPnl != 4.5 || got.ClosedAt == nil {
		t.Errorf("closed pnl not recorded: %+v", got)
	}

	var closed float64
	for _, c := range f.exchange.closes {
		closed += c.Qty
		if c.Side != bybitEntity.SideBuy {
			t.Errorf("close must target the long position, got %s", c.Side)
		}
	}
	if len(f.exchange.closes) != 3 || !approx(closed, 3) {
		t.Errorf("expected three closes summing to 3, got %+v", f.exchange.closes)
	}

	var prev float64
	for _, s := range f.exchange.stopCalls() {
		if s.Desired < prev {
			t.Errorf("stop regressed from %v to %v", prev, s.Desired)
		}
		prev = s.Desired
	}
}

func TestTakeProfitAnchorShares(t *testing.T) {
	u := newUser(t, 1, func(c *ledger.UserConfig) { c.TPDistribution = "50,30,20" })
	f := newEngineFixture(t, u)
	f.exchange.openPosition(longPosition("ETHUSDT", 10, 100))
	tr := f.insertTrade(t, &ledger.ActiveTrade{
		UserID: 1, Symbol: "ETHUSDT", Side: ledger.SideLong, Qty: 10, EntryPrice: 100, InitialStopLoss: 90,
		InitialTargets: ledger.FloatList{101, 102, 103, 104},
	})

	// две цели за один проход
	f.exchange.setPrice("ETHUSDT", 102.5)
	f.cycle(t)

	shares := Distribution("50,30,20", 4)
	if len(f.exchange.closes) != 2 {
		t.Fatalf("expected two closes, got %+v", f.exchange.closes)
	}
	for i, c := range f.exchange.closes {
		if want := 10 * shares[i] / 100; !approx(c.Qty, want) {
			t.Errorf("close %d qty = %v, want %v", i, c.Qty, want)
		}
	}
	got := f.trade(t, tr.ID)
	if len(got.InitialTargets) != 2 || got.InitialTargets[0] != 103 {
		t.Errorf("targets must be the unhit suffix, got %v", got.InitialTargets)
	}
	if got.LastTargetHit == nil || *got.LastTargetHit != 102 {
		t.Errorf("last target hit = %v", got.LastTargetHit)
	}
	// оба TP в одном цикле: стоп сразу на TP1
	if got.CurrentStopLoss != 101 {
		t.Errorf("SL = %v, want 101", got.CurrentStopLoss)
	}

	f.exchange.setPrice("ETHUSDT", 104.2)
	f.cycle(t)
	got = f.trade(t, tr.ID)
	if got.Status != ledger.StatusClosedProfit || got.RemainingQty != 0 {
		t.Errorf("trade must be terminal: %+v", got)
	}
}

func TestTakeProfitFailures(t *testing.T) {
	tests := []struct {
		name        string
		closeErr    error
		closeSkip   string
		wantTargets int
		wantWarning string
		wantBE      bool
	}{
		{name: "exchange error keeps target", closeErr: errors.New("timeout"), wantTargets: 2, wantWarning: "falha ao realizar TP"},
		{name: "qty below min pops target", closeSkip: bybitEntity.SkipQtyBelowMin, wantTargets: 1, wantBE: true},
		{name: "position gone keeps target", closeSkip: bybitEntity.SkipNoOpenPosition, wantTargets: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, newUser(t, 1, nil))
			f.exchange.openPosition(longPosition("XRPUSDT", 4, 100))
			f.exchange.closeErr = tt.closeErr
			f.exchange.closeSkip = tt.closeSkip
			tr := f.insertTrade(t, &ledger.ActiveTrade{
				UserID: 1, Symbol: "XRPUSDT", Side: ledger.SideLong, Qty: 4, EntryPrice: 100, InitialStopLoss: 95,
				InitialTargets: ledger.FloatList{101, 105},
			})

			f.exchange.setPrice("XRPUSDT", 102)
			f.cycle(t)

			got := f.trade(t, tr.ID)
			if len(got.InitialTargets) != tt.wantTargets {
				t.Errorf("targets = %v, want %d left", got.InitialTargets, tt.wantTargets)
			}
			if got.RemainingQty != 4 {
				t.Errorf("remaining qty = %v, want 4", got.RemainingQty)
			}
			if got.IsBreakeven != tt.wantBE {
				t.Errorf("breakeven = %v, want %v", got.IsBreakeven, tt.wantBE)
			}
			if tt.wantWarning != "" && !strings.Contains(f.notifier.lastText(), tt.wantWarning) {
				t.Errorf("card must carry warning, got %q", f.notifier.lastText())
			}
		})
	}
}

func TestBreakEvenByTrigger(t *testing.T) {
	u := newUser(t, 1, func(c *ledger.UserConfig) { c.BETriggerPct = 1 })
	f := newEngineFixture(t, u)
	f.exchange.openPosition(shortPosition("BTCUSDT", 1, 100))
	tr := f.insertTrade(t, &ledger.ActiveTrade{UserID: 1, Symbol: "BTCUSDT", Side: ledger.SideShort, Qty: 1, EntryPrice: 100, InitialStopLoss: 104})

	f.exchange.setPrice("BTCUSDT", 99.5)
	f.cycle(t)
	if n := len(f.exchange.stopCalls()); n != 0 {
		t.Fatalf("below trigger must not move the stop, got %d calls", n)
	}

	f.exchange.setPrice("BTCUSDT", 98.9)
	f.cycle(t)
	got := f.trade(t, tr.ID)
	if !got.IsBreakeven || got.CurrentStopLoss != 100 {
		t.Fatalf("short must be moved to entry: %+v", got)
	}
	if s := f.exchange.stopCalls()[0]; s.Side != bybitEntity.SideSell || s.Reason != reasonBE {
		t.Errorf("unexpected stop request %+v", s)
	}

	f.exchange.setPrice("BTCUSDT", 98)
	f.cycle(t)
	if n := len(f.exchange.stopCalls()); n != 1 {
		t.Errorf("break-even is one-shot without targets, got %d calls", n)
	}
}

func TestStopErrorShowsWarning(t *testing.T) {
	u := newUser(t, 1, func(c *ledger.UserConfig) { c.BETriggerPct = 1 })
	f := newEngineFixture(t, u)
	f.exchange.openPosition(longPosition("BTCUSDT", 1, 100))
	f.exchange.stopErr = errors.New("rate limited")
	tr := f.insertTrade(t, &ledger.ActiveTrade{UserID: 1, Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 1, EntryPrice: 100, InitialStopLoss: 95})

	f.exchange.setPrice("BTCUSDT", 102)
	f.cycle(t)

	got := f.trade(t, tr.ID)
	if got.IsBreakeven || got.CurrentStopLoss != 95 {
		t.Errorf("failed move must not change state: %+v", got)
	}
	if !strings.Contains(f.notifier.lastText(), "falha ao mover SL") {
		t.Errorf("card must carry warning, got %q", f.notifier.lastText())
	}
}

func TestBreakEvenRetriedAfterRejectedMove(t *testing.T) {
	f := newEngineFixture(t, newUser(t, 1, nil))
	f.exchange.openPosition(longPosition("SOLUSDT", 3, 50))
	tr := f.insertTrade(t, &ledger.ActiveTrade{
		UserID: 1, Symbol: "SOLUSDT", Side: ledger.SideLong, Qty: 3, EntryPrice: 50, InitialStopLoss: 48,
		InitialTargets: ledger.FloatList{51, 52, 53},
	})

	f.exchange.stopErr = errors.New("rate limited")
	f.exchange.setPrice("SOLUSDT", 51.2)
	f.cycle(t)
	got := f.trade(t, tr.ID)
	if got.TargetsHit() != 1 || got.IsBreakeven || got.CurrentStopLoss != 48 {
		t.Fatalf("TP1 taken with rejected stop: %+v", got)
	}

	f.exchange.stopErr = nil
	f.exchange.setPrice("SOLUSDT", 51.1)
	f.cycle(t)
	got = f.trade(t, tr.ID)
	if !got.IsBreakeven || got.CurrentStopLoss != 50 {
		t.Fatalf("next cycle must move SL to entry: %+v", got)
	}

	f.cycle(t)
	if n := len(f.exchange.stopCalls()); n != 1 {
		t.Errorf("stop at entry must not be resent, got %d calls", n)
	}
}

func TestTrailingStop(t *testing.T) {
	tests := []struct {
		name    string
		side    ledger.TradeSide
		pos     bybitEntity.Position
		sl      float64
		prices  []float64
		wantSLs []float64
	}{
		{
			name:    "long",
			side:    ledger.SideLong,
			pos:     longPosition("BTCUSDT", 1, 100),
			sl:      95,
			prices:  []float64{101, 102.5, 110, 108, 112},
			wantSLs: []float64{100, 105, 107},
		},
		{
			name:    "short",
			side:    ledger.SideShort,
			pos:     shortPosition("BTCUSDT", 1, 100),
			sl:      104,
			prices:  []float64{97.5, 95, 96, 90},
			wantSLs: []float64{100, 99, 94},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newUser(t, 1, func(c *ledger.UserConfig) {
				c.StopStrategy = ledger.StrategyTrailingStop
				c.TSTriggerPct = 2
			})
			f := newEngineFixture(t, u)
			f.exchange.openPosition(tt.pos)
			tr := f.insertTrade(t, &ledger.ActiveTrade{UserID: 1, Symbol: "BTCUSDT", Side: tt.side, Qty: 1, EntryPrice: 100, InitialStopLoss: tt.sl})

			for _, p := range tt.prices {
				f.exchange.setPrice("BTCUSDT", p)
				f.cycle(t)
			}

			stops := f.exchange.stopCalls()
			if len(stops) != len(tt.wantSLs) {
				t.Fatalf("stop calls = %+v, want %v", stops, tt.wantSLs)
			}
			for i, want := range tt.wantSLs {
				if !approx(stops[i].Desired, want) || stops[i].Reason != reasonTS {
					t.Errorf("stop %d = %+v, want %v", i, stops[i], want)
				}
			}
			got := f.trade(t, tr.ID)
			if got.TrailHighWaterMark == nil {
				t.Fatal("high-water mark must be set")
			}
			if !approx(got.CurrentStopLoss, tt.wantSLs[len(tt.wantSLs)-1]) {
				t.Errorf("SL = %v", got.CurrentStopLoss)
			}
		})
	}
}

func TestAdaptiveTimeout(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want int
	}{
		{name: "stale trade tightened", age: time.Hour, want: 1},
		{name: "fresh trade untouched", age: 10 * time.Minute, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newUser(t, 1, func(c *ledger.UserConfig) {
				c.AdaptiveSLTimeoutMinutes = 30
				c.AdaptiveSLTightenPct = 50
			})
			f := newEngineFixture(t, u)
			f.exchange.openPosition(longPosition("ADAUSDT", 1, 100))
			tr := f.insertTrade(t, &ledger.ActiveTrade{
				UserID: 1, Symbol: "ADAUSDT", Side: ledger.SideLong, Qty: 1, EntryPrice: 100, InitialStopLoss: 90,
				CreatedAt: fixedNow.Add(-tt.age),
			})

			f.exchange.setPrice("ADAUSDT", 100.5)
			f.cycle(t)

			stops := f.exchange.stopCalls()
			if len(stops) != tt.want {
				t.Fatalf("stop calls = %d, want %d", len(stops), tt.want)
			}
			if tt.want == 1 {
				if stops[0].Desired != 95 || stops[0].Reason != reasonAdaptive {
					t.Errorf("unexpected stop %+v", stops[0])
				}
				if got := f.trade(t, tr.ID); got.CurrentStopLoss != 95 {
					t.Errorf("SL = %v, want 95", got.CurrentStopLoss)
				}
			}
		})
	}
}

func TestManagerSkipsWithoutPrice(t *testing.T) {
	u := newUser(t, 1, func(c *ledger.UserConfig) { c.BETriggerPct = 1 })
	f := newEngineFixture(t, u)
	f.exchange.openPosition(longPosition("BTCUSDT", 1, 100))
	tr := f.insertTrade(t, &ledger.ActiveTrade{UserID: 1, Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 1, EntryPrice: 100, InitialStopLoss: 95})

	f.cycle(t)

	got := f.trade(t, tr.ID)
	if got.Status != ledger.StatusActive || got.NotificationMessageID != 0 {
		t.Errorf("trade without ticker must be left for the next cycle: %+v", got)
	}
}

func TestRemainingQtyFollowsVenue(t *testing.T) {
	f := newEngineFixture(t, newUser(t, 1, nil))
	f.exchange.openPosition(longPosition("BTCUSDT", 0.4, 100))
	tr := f.insertTrade(t, &ledger.ActiveTrade{UserID: 1, Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 1, EntryPrice: 100, InitialStopLoss: 95})

	f.exchange.setPrice("BTCUSDT", 100)
	f.cycle(t)

	got := f.trade(t, tr.ID)
	if got.RemainingQty != 0.4 {
		t.Errorf("remaining qty = %v, want 0.4", got.RemainingQty)
	}
	if got.RemainingQty < 0 || got.RemainingQty > got.Qty {
		t.Errorf("remaining qty out of bounds: %+v", got)
	}
}
