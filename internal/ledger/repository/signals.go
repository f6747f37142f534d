package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"tradepilot/internal/ledger"
)

type PendingRepo struct {
	q sqlx.ExtContext
}

const pendingColumns = `id, user_id, symbol, order_id, COALESCE(notification_message_id, 0) AS notification_message_id, payload, created_at`

func (r *PendingRepo) ListByUser(ctx context.Context, userID int64) ([]*ledger.PendingSignal, error) {
	var out []*ledger.PendingSignal
	err := sqlx.SelectContext(ctx, r.q, &out,
		`SELECT `+pendingColumns+` FROM pending_signals WHERE user_id = $1 ORDER BY id`, userID)
	return out, err
}

func (r *PendingRepo) GetBySymbol(ctx context.Context, userID int64, symbol string) (*ledger.PendingSignal, error) {
	p := &ledger.PendingSignal{}
	err := sqlx.GetContext(ctx, r.q, p,
		`SELECT `+pendingColumns+` FROM pending_signals WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Insert добавляет ожидающий сигнал; (user_id, symbol) уникален
func (r *PendingRepo) Insert(ctx context.Context, p *ledger.PendingSignal) error {
	err := namedGet(ctx, r.q, p, `
		INSERT INTO pending_signals (user_id, symbol, order_id, notification_message_id, payload, created_at)
		VALUES (:user_id, :symbol, :order_id, :notification_message_id, :payload, NOW())
		ON CONFLICT (user_id, symbol) DO NOTHING
		RETURNING `+pendingColumns, p)
	return duplicateIfNoRow(err)
}

func (r *PendingRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM pending_signals WHERE id = $1`, id)
	return err
}

type ApprovalRepo struct {
	q sqlx.ExtContext
}

const approvalColumns = `id, user_id, symbol, source_name, payload, COALESCE(approval_message_id, 0) AS approval_message_id, created_at`

func (r *ApprovalRepo) GetByID(ctx context.Context, id int64) (*ledger.SignalForApproval, error) {
	a := &ledger.SignalForApproval{}
	err := sqlx.GetContext(ctx, r.q, a, `SELECT `+approvalColumns+` FROM signals_for_approval WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (r *ApprovalRepo) Insert(ctx context.Context, a *ledger.SignalForApproval) error {
	return namedGet(ctx, r.q, a, `
		INSERT INTO signals_for_approval (user_id, symbol, source_name, payload, approval_message_id, created_at)
		VALUES (:user_id, :symbol, :source_name, :payload, :approval_message_id, NOW())
		RETURNING `+approvalColumns, a)
}

func (r *ApprovalRepo) SetMessageID(ctx context.Context, id, messageID int64) error {
	res, err := r.q.ExecContext(ctx, `UPDATE signals_for_approval SET approval_message_id = $1 WHERE id = $2`, messageID, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *ApprovalRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM signals_for_approval WHERE id = $1`, id)
	return err
}

type AlertRepo struct {
	q sqlx.ExtContext
}

func (r *AlertRepo) Insert(ctx context.Context, a *ledger.AlertMessage) error {
	return sqlx.GetContext(ctx, r.q, a, `
		INSERT INTO alert_messages (user_id, message_id, created_at)
		VALUES ($1, $2, NOW())
		RETURNING id, user_id, message_id, created_at`, a.UserID, a.MessageID)
}

func (r *AlertRepo) ListOlderThan(ctx context.Context, userID int64, before time.Time) ([]*ledger.AlertMessage, error) {
	var out []*ledger.AlertMessage
	err := sqlx.SelectContext(ctx, r.q, &out, `
		SELECT id, user_id, message_id, created_at
		FROM alert_messages
		WHERE user_id = $1 AND created_at < $2
		ORDER BY id`, userID, before)
	return out, err
}

func (r *AlertRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM alert_messages WHERE id = $1`, id)
	return err
}

type TargetRepo struct {
	q sqlx.ExtContext
}

func (r *TargetRepo) List(ctx context.Context) ([]*ledger.MonitoredTarget, error) {
	var out []*ledger.MonitoredTarget
	err := sqlx.SelectContext(ctx, r.q, &out, `
		SELECT id, channel_id, topic_id, COALESCE(channel_name, '') AS channel_name, COALESCE(topic_name, '') AS topic_name
		FROM monitored_targets
		ORDER BY id`)
	return out, err
}
