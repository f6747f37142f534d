package service

import (
	"math"
	"testing"
	"time"

	"tradepilot/internal/ledger"
	signalEntity "tradepilot/internal/signal/entity"
)

func closedTrade(side ledger.TradeSide, status ledger.TradeStatus, pnl float64, at time.Time) *ledger.ActiveTrade {
	t := &ledger.ActiveTrade{Side: side}
	t.Close(status, pnl, at)
	return t
}

func TestEvaluateBreaker(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	base := ledger.DefaultUserConfig()
	base.CBThreshold = 2
	base.CBPauseMinutes = 60
	base.CBProbeFactor = 0.5

	twoLongLosses := []*ledger.ActiveTrade{
		closedTrade(ledger.SideLong, ledger.StatusClosedLoss, -5, now.Add(-10*time.Minute)),
		closedTrade(ledger.SideLong, ledger.StatusClosedManual, -1, now.Add(-30*time.Minute)),
	}

	tests := []struct {
		name   string
		cfg    func(*ledger.UserConfig)
		recent []*ledger.ActiveTrade
		side   ledger.TradeSide
		state  BreakerState
		factor float64
	}{
		{"disabled", func(c *ledger.UserConfig) { c.CBThreshold = 0 }, twoLongLosses, ledger.SideLong, BreakerClosed, 1},
		{"streak opens", nil, twoLongLosses, ledger.SideLong, BreakerOpen, 0},
		{"global blocks other side", nil, twoLongLosses, ledger.SideShort, BreakerOpen, 0},
		{"side scope lets other side", func(c *ledger.UserConfig) { c.CBScope = ledger.BreakerSide }, twoLongLosses, ledger.SideShort, BreakerClosed, 1},
		{"reversal override", func(c *ledger.UserConfig) { c.CBReversalOverride = true }, twoLongLosses, ledger.SideShort, BreakerHalfOpen, 0.5},
		{"reversal ignored for same side", func(c *ledger.UserConfig) { c.CBReversalOverride = true }, twoLongLosses, ledger.SideLong, BreakerOpen, 0},
		{"win breaks streak", nil, []*ledger.ActiveTrade{
			closedTrade(ledger.SideLong, ledger.StatusClosedLoss, -5, now.Add(-10*time.Minute)),
			closedTrade(ledger.SideLong, ledger.StatusClosedProfit, 3, now.Add(-20*time.Minute)),
			closedTrade(ledger.SideLong, ledger.StatusClosedLoss, -5, now.Add(-30*time.Minute)),
		}, ledger.SideLong, BreakerClosed, 1},
		{"ghosts are skipped", nil, []*ledger.ActiveTrade{
			closedTrade(ledger.SideLong, ledger.StatusClosedLoss, -5, now.Add(-10*time.Minute)),
			closedTrade(ledger.SideLong, ledger.StatusClosedGhost, 0, now.Add(-20*time.Minute)),
			closedTrade(ledger.SideLong, ledger.StatusClosedLoss, -5, now.Add(-30*time.Minute)),
		}, ledger.SideLong, BreakerOpen, 0},
		{"pause over gives probe", nil, []*ledger.ActiveTrade{
			closedTrade(ledger.SideLong, ledger.StatusClosedLoss, -5, now.Add(-90*time.Minute)),
			closedTrade(ledger.SideLong, ledger.StatusClosedLoss, -5, now.Add(-120*time.Minute)),
		}, ledger.SideLong, BreakerHalfOpen, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			got := EvaluateBreaker(cfg, tt.recent, tt.side, now)
			if got.State != tt.state {
				t.Fatalf("state = %s, want %s (%+v)", got.State, tt.state, got)
			}
			if got.Allowed() && got.SizeFactor != tt.factor {
				t.Errorf("size factor = %v, want %v", got.SizeFactor, tt.factor)
			}
		})
	}
}

func TestInSleepWindow(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 10, 19, h, 30, 0, 0, time.UTC) }
	tests := []struct {
		start, end, hour int
		want             bool
	}{
		{1, 5, 3, true},
		{1, 5, 5, false},
		{22, 6, 23, true},
		{22, 6, 2, true},
		{22, 6, 12, false},
		{4, 4, 4, false},
	}
	for _, tt := range tests {
		cfg := ledger.UserConfig{SleepEnabled: true, SleepStartHour: tt.start, SleepEndHour: tt.end}
		if got := InSleepWindow(cfg, at(tt.hour)); got != tt.want {
			t.Errorf("window %d-%d at %d: got %v, want %v", tt.start, tt.end, tt.hour, got, tt.want)
		}
	}
	if InSleepWindow(ledger.UserConfig{SleepStartHour: 0, SleepEndHour: 23}, at(3)) {
		t.Error("disabled window must never match")
	}
}

func TestDailyLimitReason(t *testing.T) {
	cfg := ledger.UserConfig{DailyProfitTarget: 100, DailyLossLimit: 50}
	if DailyLimitReason(cfg, 20) != "" {
		t.Error("within limits must pass")
	}
	if DailyLimitReason(cfg, 100) == "" {
		t.Error("profit target reached must block")
	}
	if DailyLimitReason(cfg, -50) == "" {
		t.Error("loss limit reached must block")
	}
	if DailyLimitReason(ledger.UserConfig{}, -1000) != "" {
		t.Error("zero limits are disabled")
	}
}

func TestWhitelisted(t *testing.T) {
	list := []string{"eth", "MEME", "#SUI/USDT"}
	tests := map[string]bool{
		"ETHUSDT":  true,
		"DOGEUSDT": true,
		"SUIUSDT":  true,
		"BTCUSDT":  false,
	}
	for symbol, want := range tests {
		if got := whitelisted(list, symbol); got != want {
			t.Errorf("whitelisted(%s) = %v, want %v", symbol, got, want)
		}
	}
	if !whitelisted(nil, "ANYUSDT") {
		t.Error("empty whitelist allows everything")
	}
	if _, ok := CategorySymbols("unknown"); ok {
		t.Error("unknown keyword is not a category")
	}
}

func TestIndicators(t *testing.T) {
	if _, err := SMA([]float64{1, 2}, 3); err != ErrNotEnoughData {
		t.Errorf("expected ErrNotEnoughData, got %v", err)
	}
	if got, _ := SMA([]float64{100, 1, 2, 3}, 3); got != 2 {
		t.Errorf("SMA uses the last period closes, got %v", got)
	}

	tests := []struct {
		name   string
		closes []float64
		want   float64
	}{
		{"only gains", []float64{1, 2, 3, 4}, 100},
		{"flat", []float64{5, 5, 5, 5}, 50},
		{"only losses", []float64{4, 3, 2, 1}, 0},
		{"wilder smoothing", []float64{10, 11, 10, 11, 10}, 37.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RSI(tt.closes, 2)
			if err != nil {
				t.Fatalf("RSI: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RSI = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInitialStopLossAndQty(t *testing.T) {
	long := marketSignal("BTC", signalEntity.Long, 90, 110)
	short := marketSignal("BTC", signalEntity.Short, 110, 90)

	tests := []struct {
		name string
		cfg  ledger.UserConfig
		sig  signalEntity.Signal
		want float64
	}{
		{"signal stop", ledger.UserConfig{InitialSLMode: ledger.InitialSLSignal}, long, 90},
		{"fixed long", ledger.UserConfig{InitialSLMode: ledger.InitialSLFixed, InitialSLFixedPct: 2}, long, 98},
		{"fixed short", ledger.UserConfig{InitialSLMode: ledger.InitialSLFixed, InitialSLFixedPct: 2}, short, 102},
		{"clamped long", ledger.UserConfig{AdaptiveSLMaxPct: 5}, long, 95},
		{"clamped short", ledger.UserConfig{AdaptiveSLMaxPct: 5}, short, 105},
		{"within clamp", ledger.UserConfig{AdaptiveSLMaxPct: 20}, long, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InitialStopLoss(tt.cfg, tt.sig, 100); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("InitialStopLoss = %v, want %v", got, tt.want)
			}
		})
	}

	cfg := ledger.UserConfig{EntrySizePct: 10, MaxLeverage: 5}
	if got := PositionQty(cfg, 1000, 100, 95, 1); math.Abs(got-5) > 1e-9 {
		t.Errorf("PositionQty = %v, want 5", got)
	}
	cfg.RiskPerTradePct = 1
	// риск 10 USDT при дистанции 5 ограничивает объём двумя контрактами
	if got := PositionQty(cfg, 1000, 100, 95, 1); math.Abs(got-2) > 1e-9 {
		t.Errorf("risk capped PositionQty = %v, want 2", got)
	}
	if got := PositionQty(cfg, 1000, 100, 95, 0.5); math.Abs(got-1) > 1e-9 {
		t.Errorf("probe PositionQty = %v, want 1", got)
	}
	if PositionQty(cfg, 0, 100, 95, 1) != 0 {
		t.Error("no equity means no position")
	}
}
