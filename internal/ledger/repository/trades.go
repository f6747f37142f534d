package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"tradepilot/internal/ledger"
)

const tradeColumns = `
	id, user_id, COALESCE(order_id, '') AS order_id, symbol, side, qty, entry_price,
	initial_stop_loss, current_stop_loss, is_breakeven, trail_high_water_mark, is_stop_gain_active,
	initial_targets, total_initial_targets, last_target_hit, remaining_qty, status,
	COALESCE(notification_message_id, 0) AS notification_message_id,
	missing_cycles, last_seen_at, unrealized_pnl_pct, is_syncing, created_at, closed_at, closed_pnl`

type TradeRepo struct {
	q sqlx.ExtContext
}

func (r *TradeRepo) GetByID(ctx context.Context, id int64) (*ledger.ActiveTrade, error) {
	t := &ledger.ActiveTrade{}
	err := sqlx.GetContext(ctx, r.q, t, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (r *TradeRepo) ListActive(ctx context.Context, userID int64) ([]*ledger.ActiveTrade, error) {
	var trades []*ledger.ActiveTrade
	err := sqlx.SelectContext(ctx, r.q, &trades, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE user_id = $1 AND status = $2
		ORDER BY id
		FOR UPDATE`, userID, ledger.StatusActive)
	return trades, err
}

func (r *TradeRepo) GetActiveBySymbol(ctx context.Context, userID int64, symbol string) (*ledger.ActiveTrade, error) {
	t := &ledger.ActiveTrade{}
	err := sqlx.GetContext(ctx, r.q, t, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE user_id = $1 AND symbol = $2 AND status = $3
		LIMIT 1`, userID, symbol, ledger.StatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Insert добавляет сделку. Конфликт с частичным индексом trades_one_active_per_symbol
// возвращает ErrDuplicateOpen, транзакция остаётся рабочей.
func (r *TradeRepo) Insert(ctx context.Context, t *ledger.ActiveTrade) error {
	if t.Status == "" {
		t.Status = ledger.StatusActive
	}
	err := namedGet(ctx, r.q, t, `
		INSERT INTO trades (
			user_id, order_id, symbol, side, qty, entry_price, initial_stop_loss, current_stop_loss,
			is_breakeven, trail_high_water_mark, is_stop_gain_active, initial_targets, total_initial_targets,
			last_target_hit, remaining_qty, status, notification_message_id, missing_cycles, last_seen_at,
			unrealized_pnl_pct, is_syncing, created_at
		) VALUES (
			:user_id, :order_id, :symbol, :side, :qty, :entry_price, :initial_stop_loss, :current_stop_loss,
			:is_breakeven, :trail_high_water_mark, :is_stop_gain_active, :initial_targets, :total_initial_targets,
			:last_target_hit, :remaining_qty, :status, :notification_message_id, :missing_cycles, :last_seen_at,
			:unrealized_pnl_pct, :is_syncing, NOW()
		)
		ON CONFLICT (user_id, symbol) WHERE status = 'ACTIVE' DO NOTHING
		RETURNING `+tradeColumns, t)
	return duplicateIfNoRow(err)
}

// Update сохраняет изменяемые поля; total_initial_targets после создания не меняется
func (r *TradeRepo) Update(ctx context.Context, t *ledger.ActiveTrade) error {
	res, err := namedExec(ctx, r.q, `
		UPDATE trades SET
			order_id = :order_id, qty = :qty, entry_price = :entry_price,
			initial_stop_loss = :initial_stop_loss, current_stop_loss = :current_stop_loss,
			is_breakeven = :is_breakeven, trail_high_water_mark = :trail_high_water_mark,
			is_stop_gain_active = :is_stop_gain_active, initial_targets = :initial_targets,
			last_target_hit = :last_target_hit, remaining_qty = :remaining_qty, status = :status,
			notification_message_id = :notification_message_id, missing_cycles = :missing_cycles,
			last_seen_at = :last_seen_at, unrealized_pnl_pct = :unrealized_pnl_pct, is_syncing = :is_syncing,
			closed_at = :closed_at, closed_pnl = :closed_pnl
		WHERE id = :id`, t)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *TradeRepo) ResetTargets(ctx context.Context, id int64, targets ledger.FloatList) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE trades
		SET initial_targets = $2, total_initial_targets = $3, last_target_hit = NULL
		WHERE id = $1`, id, targets, len(targets))
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *TradeRepo) RecentClosed(ctx context.Context, userID int64, limit int) ([]*ledger.ActiveTrade, error) {
	var trades []*ledger.ActiveTrade
	err := sqlx.SelectContext(ctx, r.q, &trades, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE user_id = $1 AND status LIKE 'CLOSED_%'
		ORDER BY closed_at DESC NULLS LAST
		LIMIT $2`, userID, limit)
	return trades, err
}
