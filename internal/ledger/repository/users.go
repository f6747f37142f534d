package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"tradepilot/internal/ledger"
)

const userColumns = `
	id, enabled, COALESCE(api_key_enc, '') AS api_key_enc, COALESCE(api_secret_enc, '') AS api_secret_enc, created_at,
	entry_size_pct, max_leverage, min_confidence, risk_per_trade_pct,
	initial_sl_mode, initial_sl_fixed_pct, adaptive_sl_max_pct, adaptive_sl_tighten_pct, adaptive_sl_timeout_minutes,
	stop_strategy, be_trigger_pct, ts_trigger_pct, stop_gain_trigger_pct, stop_gain_lock_pct, tp_distribution,
	cb_threshold, cb_pause_minutes, cb_scope, cb_reversal_override, cb_probe_factor,
	daily_profit_target, daily_loss_limit, whitelist,
	ma_filter_enabled, ma_timeframe, ma_period,
	rsi_filter_enabled, rsi_timeframe, rsi_period, rsi_oversold, rsi_overbought,
	approval_mode, cleanup_enabled, cleanup_after_minutes,
	sleep_enabled, sleep_start_hour, sleep_end_hour`

type UserRepo struct {
	q sqlx.ExtContext
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*ledger.User, error) {
	u := &ledger.User{}
	err := sqlx.GetContext(ctx, r.q, u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (r *UserRepo) ListWithCredentials(ctx context.Context) ([]*ledger.User, error) {
	var users []*ledger.User
	err := sqlx.SelectContext(ctx, r.q, &users, `
		SELECT `+userColumns+`
		FROM users
		WHERE COALESCE(api_key_enc, '') <> '' AND COALESCE(api_secret_enc, '') <> ''
		ORDER BY id`)
	return users, err
}

// UpdateConfig перезаписывает все поля настроек одним запросом
func (r *UserRepo) UpdateConfig(ctx context.Context, userID int64, cfg ledger.UserConfig) error {
	arg := struct {
		ledger.UserConfig
		ID int64 `db:"id"`
	}{UserConfig: cfg, ID: userID}

	res, err := namedExec(ctx, r.q, `
		UPDATE users SET
			entry_size_pct = :entry_size_pct, max_leverage = :max_leverage, min_confidence = :min_confidence,
			risk_per_trade_pct = :risk_per_trade_pct,
			initial_sl_mode = :initial_sl_mode, initial_sl_fixed_pct = :initial_sl_fixed_pct,
			adaptive_sl_max_pct = :adaptive_sl_max_pct, adaptive_sl_tighten_pct = :adaptive_sl_tighten_pct,
			adaptive_sl_timeout_minutes = :adaptive_sl_timeout_minutes,
			stop_strategy = :stop_strategy, be_trigger_pct = :be_trigger_pct, ts_trigger_pct = :ts_trigger_pct,
			stop_gain_trigger_pct = :stop_gain_trigger_pct, stop_gain_lock_pct = :stop_gain_lock_pct,
			tp_distribution = :tp_distribution,
			cb_threshold = :cb_threshold, cb_pause_minutes = :cb_pause_minutes, cb_scope = :cb_scope,
			cb_reversal_override = :cb_reversal_override, cb_probe_factor = :cb_probe_factor,
			daily_profit_target = :daily_profit_target, daily_loss_limit = :daily_loss_limit,
			whitelist = :whitelist,
			ma_filter_enabled = :ma_filter_enabled, ma_timeframe = :ma_timeframe, ma_period = :ma_period,
			rsi_filter_enabled = :rsi_filter_enabled, rsi_timeframe = :rsi_timeframe, rsi_period = :rsi_period,
			rsi_oversold = :rsi_oversold, rsi_overbought = :rsi_overbought,
			approval_mode = :approval_mode, cleanup_enabled = :cleanup_enabled,
			cleanup_after_minutes = :cleanup_after_minutes,
			sleep_enabled = :sleep_enabled, sleep_start_hour = :sleep_start_hour, sleep_end_hour = :sleep_end_hour
		WHERE id = :id`, arg)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *UserRepo) SetEnabled(ctx context.Context, userID int64, enabled bool) error {
	res, err := r.q.ExecContext(ctx, `UPDATE users SET enabled = $1 WHERE id = $2`, enabled, userID)
	if err != nil {
		return err
	}
	return expectRow(res)
}
