package service

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"tradepilot/internal/ledger"
	"tradepilot/internal/ledger/memory"
)

func TestApply(t *testing.T) {
	v := validator.New()
	base := ledger.DefaultUserConfig()

	tests := []struct {
		field   string
		raw     string
		wantErr bool
		check   func(ledger.UserConfig) bool
	}{
		{"entry_size_pct", "10", false, func(c ledger.UserConfig) bool { return c.EntrySizePct == 10 }},
		{"entry_size_pct", "0", true, nil},
		{"entry_size_pct", "abc", true, nil},
		{"max_leverage", "126", true, nil},
		{"stop_strategy", "trailing_stop", false, func(c ledger.UserConfig) bool { return c.StopStrategy == ledger.StrategyTrailingStop }},
		{"stop_strategy", "MOON", true, nil},
		{"tp_distribution", "50,30,20", false, func(c ledger.UserConfig) bool { return c.TPDistribution == "50,30,20" }},
		{"tp_distribution", "equal", false, func(c ledger.UserConfig) bool { return c.TPDistribution == ledger.TPDistributionEqual }},
		{"tp_distribution", "20,30", true, nil},
		{"tp_distribution", "50,NaN", true, nil},
		{"tp_distribution", "Inf,30", true, nil},
		{"stop_gain_trigger_pct", "+Inf", true, nil},
		{"be_trigger_pct", "NaN", true, nil},
		{"whitelist", "btc, defi ,,ETHUSDT", false, func(c ledger.UserConfig) bool {
			return len(c.Whitelist) == 3 && c.Whitelist[0] == "BTC" && c.Whitelist[1] == "DEFI"
		}},
		{"cb_probe_factor", "1.5", true, nil},
		{"sleep_start_hour", "24", true, nil},
		{"rsi_timeframe", "d", false, func(c ledger.UserConfig) bool { return c.RSITimeframe == "D" }},
		{"initial_sl_mode", "FIXED", true, nil},
		{"nope", "1", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.field+"="+tt.raw, func(t *testing.T) {
			got, err := Apply(v, base, tt.field, tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if got.EntrySizePct != base.EntrySizePct {
					t.Error("config must be unchanged on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.check(got) {
				t.Errorf("unexpected config %+v", got)
			}
		})
	}
}

func TestUpdateIsAtomic(t *testing.T) {
	store := memory.NewStore()
	store.PutUser(&ledger.User{ID: 1, Enabled: true, UserConfig: ledger.DefaultUserConfig()})
	svc := NewConfigService(store, validator.New(), zerolog.Nop())
	ctx := context.Background()

	_, err := svc.Update(ctx, 1, map[string]string{"entry_size_pct": "20", "max_leverage": "0"})
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}

	cfg, err := svc.Update(ctx, 1, map[string]string{"entry_size_pct": "20", "stop_gain_trigger_pct": "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EntrySizePct != 20 || cfg.StopGainTriggerPct != 1 {
		t.Errorf("cfg=%+v", cfg)
	}

	tx, _ := store.Begin(ctx)
	defer tx.Rollback()
	u, _ := tx.Users().GetByID(ctx, 1)
	if u.EntrySizePct != 20 || u.MaxLeverage != 10 {
		t.Errorf("stored user=%+v", u.UserConfig)
	}
}

func TestUpdateUnknownUser(t *testing.T) {
	svc := NewConfigService(memory.NewStore(), validator.New(), zerolog.Nop())
	_, err := svc.Update(context.Background(), 99, map[string]string{"entry_size_pct": "5"})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
