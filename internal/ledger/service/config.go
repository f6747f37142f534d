package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"tradepilot/internal/ledger"
)

var (
	ErrUnknownField = errors.New("unknown config field")
	ErrInvalidValue = errors.New("invalid config value")
)

// Setter применяет одно поле настроек из строкового значения с проверкой
type Setter func(v *validator.Validate, cfg *ledger.UserConfig, raw string) error

const timeframes = "oneof=1 3 5 15 30 60 120 240 360 720 D W"

var setters = map[string]Setter{
	"entry_size_pct":     floatField("gt=0,lte=100", func(c *ledger.UserConfig) *float64 { return &c.EntrySizePct }),
	"max_leverage":       intField("gte=1,lte=125", func(c *ledger.UserConfig) *int { return &c.MaxLeverage }),
	"min_confidence":     floatField("gte=0,lte=100", func(c *ledger.UserConfig) *float64 { return &c.MinConfidence }),
	"risk_per_trade_pct": floatField("gte=0,lte=100", func(c *ledger.UserConfig) *float64 { return &c.RiskPerTradePct }),

	"initial_sl_mode": func(v *validator.Validate, c *ledger.UserConfig, raw string) error {
		val := strings.ToUpper(strings.TrimSpace(raw))
		if err := v.Var(val, "oneof=SIGNAL FIXED"); err != nil {
			return invalid("initial_sl_mode", raw, err)
		}
		c.InitialSLMode = ledger.InitialSLMode(val)
		return nil
	},
	"initial_sl_fixed_pct":        floatField("gte=0,lt=100", func(c *ledger.UserConfig) *float64 { return &c.InitialSLFixedPct }),
	"adaptive_sl_max_pct":         floatField("gte=0,lt=100", func(c *ledger.UserConfig) *float64 { return &c.AdaptiveSLMaxPct }),
	"adaptive_sl_tighten_pct":     floatField("gte=0,lte=100", func(c *ledger.UserConfig) *float64 { return &c.AdaptiveSLTightenPct }),
	"adaptive_sl_timeout_minutes": intField("gte=0", func(c *ledger.UserConfig) *int { return &c.AdaptiveSLTimeoutMinutes }),

	"stop_strategy": func(v *validator.Validate, c *ledger.UserConfig, raw string) error {
		val := strings.ToUpper(strings.TrimSpace(raw))
		if err := v.Var(val, "oneof=BREAK_EVEN TRAILING_STOP"); err != nil {
			return invalid("stop_strategy", raw, err)
		}
		c.StopStrategy = ledger.StopStrategy(val)
		return nil
	},
	"be_trigger_pct":        floatField("gte=0", func(c *ledger.UserConfig) *float64 { return &c.BETriggerPct }),
	"ts_trigger_pct":        floatField("gte=0", func(c *ledger.UserConfig) *float64 { return &c.TSTriggerPct }),
	"stop_gain_trigger_pct": floatField("gte=0", func(c *ledger.UserConfig) *float64 { return &c.StopGainTriggerPct }),
	"stop_gain_lock_pct":    floatField("gte=0", func(c *ledger.UserConfig) *float64 { return &c.StopGainLockPct }),
	"tp_distribution": func(_ *validator.Validate, c *ledger.UserConfig, raw string) error {
		val := strings.TrimSpace(raw)
		if strings.EqualFold(val, ledger.TPDistributionEqual) {
			c.TPDistribution = ledger.TPDistributionEqual
			return nil
		}
		if _, err := ledger.ParseAnchors(val); err != nil {
			return invalid("tp_distribution", raw, err)
		}
		c.TPDistribution = val
		return nil
	},

	"cb_threshold":     intField("gte=0", func(c *ledger.UserConfig) *int { return &c.CBThreshold }),
	"cb_pause_minutes": intField("gte=0", func(c *ledger.UserConfig) *int { return &c.CBPauseMinutes }),
	"cb_scope": func(v *validator.Validate, c *ledger.UserConfig, raw string) error {
		val := strings.ToUpper(strings.TrimSpace(raw))
		if err := v.Var(val, "oneof=GLOBAL SIDE"); err != nil {
			return invalid("cb_scope", raw, err)
		}
		c.CBScope = ledger.BreakerScope(val)
		return nil
	},
	"cb_reversal_override": boolField(func(c *ledger.UserConfig) *bool { return &c.CBReversalOverride }),
	"cb_probe_factor":      floatField("gt=0,lte=1", func(c *ledger.UserConfig) *float64 { return &c.CBProbeFactor }),

	"daily_profit_target": floatField("gte=0", func(c *ledger.UserConfig) *float64 { return &c.DailyProfitTarget }),
	"daily_loss_limit":    floatField("gte=0", func(c *ledger.UserConfig) *float64 { return &c.DailyLossLimit }),

	"whitelist": func(_ *validator.Validate, c *ledger.UserConfig, raw string) error {
		var out ledger.StringList
		for _, item := range strings.Split(raw, ",") {
			item = strings.ToUpper(strings.TrimSpace(item))
			if item != "" {
				out = append(out, item)
			}
		}
		c.Whitelist = out
		return nil
	},

	"ma_filter_enabled":  boolField(func(c *ledger.UserConfig) *bool { return &c.MAFilterEnabled }),
	"ma_timeframe":       stringField(timeframes, func(c *ledger.UserConfig) *string { return &c.MATimeframe }),
	"ma_period":          intField("gte=2,lte=500", func(c *ledger.UserConfig) *int { return &c.MAPeriod }),
	"rsi_filter_enabled": boolField(func(c *ledger.UserConfig) *bool { return &c.RSIFilterEnabled }),
	"rsi_timeframe":      stringField(timeframes, func(c *ledger.UserConfig) *string { return &c.RSITimeframe }),
	"rsi_period":         intField("gte=2,lte=200", func(c *ledger.UserConfig) *int { return &c.RSIPeriod }),
	"rsi_oversold":       floatField("gte=0,lte=100", func(c *ledger.UserConfig) *float64 { return &c.RSIOversold }),
	"rsi_overbought":     floatField("gte=0,lte=100", func(c *ledger.UserConfig) *float64 { return &c.RSIOverbought }),

	"approval_mode": func(v *validator.Validate, c *ledger.UserConfig, raw string) error {
		val := strings.ToUpper(strings.TrimSpace(raw))
		if err := v.Var(val, "oneof=AUTOMATIC MANUAL"); err != nil {
			return invalid("approval_mode", raw, err)
		}
		c.ApprovalMode = ledger.ApprovalMode(val)
		return nil
	},

	"cleanup_enabled":       boolField(func(c *ledger.UserConfig) *bool { return &c.CleanupEnabled }),
	"cleanup_after_minutes": intField("gte=0", func(c *ledger.UserConfig) *int { return &c.CleanupAfterMinutes }),

	"sleep_enabled":    boolField(func(c *ledger.UserConfig) *bool { return &c.SleepEnabled }),
	"sleep_start_hour": intField("gte=0,lte=23", func(c *ledger.UserConfig) *int { return &c.SleepStartHour }),
	"sleep_end_hour":   intField("gte=0,lte=23", func(c *ledger.UserConfig) *int { return &c.SleepEndHour }),
}

func floatField(tag string, get func(*ledger.UserConfig) *float64) Setter {
	return func(v *validator.Validate, c *ledger.UserConfig, raw string) error {
		val, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(raw), "%"), 64)
		if err != nil {
			return invalid("", raw, err)
		}
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return invalid("", raw, errors.New("not a finite number"))
		}
		if err := v.Var(val, tag); err != nil {
			return invalid("", raw, err)
		}
		*get(c) = val
		return nil
	}
}

func intField(tag string, get func(*ledger.UserConfig) *int) Setter {
	return func(v *validator.Validate, c *ledger.UserConfig, raw string) error {
		val, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return invalid("", raw, err)
		}
		if err := v.Var(val, tag); err != nil {
			return invalid("", raw, err)
		}
		*get(c) = val
		return nil
	}
}

func boolField(get func(*ledger.UserConfig) *bool) Setter {
	return func(_ *validator.Validate, c *ledger.UserConfig, raw string) error {
		val, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return invalid("", raw, err)
		}
		*get(c) = val
		return nil
	}
}

func stringField(tag string, get func(*ledger.UserConfig) *string) Setter {
	return func(v *validator.Validate, c *ledger.UserConfig, raw string) error {
		val := strings.ToUpper(strings.TrimSpace(raw))
		if err := v.Var(val, tag); err != nil {
			return invalid("", raw, err)
		}
		*get(c) = val
		return nil
	}
}

func invalid(field, raw string, err error) error {
	if field == "" {
		return fmt.Errorf("%w %q: %v", ErrInvalidValue, raw, err)
	}
	return fmt.Errorf("%w for %s %q: %v", ErrInvalidValue, field, raw, err)
}

// Fields список поддерживаемых полей
func Fields() []string {
	out := make([]string, 0, len(setters))
	for k := range setters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Apply применяет одно поле к копии настроек. Исходная структура не меняется при ошибке.
func Apply(v *validator.Validate, cfg ledger.UserConfig, field, raw string) (ledger.UserConfig, error) {
	set, ok := setters[field]
	if !ok {
		return cfg, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	next := cfg
	next.Whitelist = append(ledger.StringList(nil), cfg.Whitelist...)
	if err := set(v, &next, raw); err != nil {
		return cfg, fmt.Errorf("%s: %w", field, err)
	}
	if err := crossCheck(next); err != nil {
		return cfg, err
	}
	return next, nil
}

// crossCheck правила, зависящие от нескольких полей
func crossCheck(c ledger.UserConfig) error {
	if c.RSIFilterEnabled && c.RSIOversold >= c.RSIOverbought {
		return fmt.Errorf("%w: rsi_oversold must be below rsi_overbought", ErrInvalidValue)
	}
	if c.InitialSLMode == ledger.InitialSLFixed && c.InitialSLFixedPct <= 0 {
		return fmt.Errorf("%w: FIXED stop mode requires initial_sl_fixed_pct > 0", ErrInvalidValue)
	}
	return nil
}

// ConfigService контракт изменения настроек пользователя
type ConfigService struct {
	store    ledger.Store
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewConfigService(store ledger.Store, validate *validator.Validate, logger zerolog.Logger) *ConfigService {
	return &ConfigService{
		store:    store,
		validate: validate,
		logger:   logger.With().Str("component", "ConfigService").Logger(),
	}
}

// Update применяет набор полей атомарно: либо все, либо ни одного
func (s *ConfigService) Update(ctx context.Context, userID int64, fields map[string]string) (ledger.UserConfig, error) {
	var result ledger.UserConfig
	err := ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		u, err := tx.Users().GetByID(ctx, userID)
		if err != nil {
			return err
		}
		cfg := u.UserConfig

		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if cfg, err = Apply(s.validate, cfg, k, fields[k]); err != nil {
				return err
			}
		}
		if err := tx.Users().UpdateConfig(ctx, userID, cfg); err != nil {
			return err
		}
		result = cfg
		return nil
	})
	if err != nil {
		return ledger.UserConfig{}, err
	}
	s.logger.Info().Int64("user_id", userID).Int("fields", len(fields)).Msg("user config updated")
	return result, nil
}

// SetEnabled включает или ставит бота на паузу. На паузе отменяются только лимитные ордера.
func (s *ConfigService) SetEnabled(ctx context.Context, userID int64, enabled bool) error {
	return ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		return tx.Users().SetEnabled(ctx, userID, enabled)
	})
}
