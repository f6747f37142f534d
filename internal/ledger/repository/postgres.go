package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"tradepilot/internal/ledger"
)

// Store реализация ledger.Store поверх PostgreSQL
type Store struct {
	DB *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{DB: db}
}

// Begin открывает транзакцию и возвращает репозитории, привязанные к ней
func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) Targets() ledger.MonitoredTargetRepository {
	return &TargetRepo{q: s.DB}
}

// Tx единица работы на sqlx.Tx
type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) Users() ledger.UserRepository         { return &UserRepo{q: t.tx} }
func (t *Tx) Trades() ledger.TradeRepository       { return &TradeRepo{q: t.tx} }
func (t *Tx) Pending() ledger.PendingRepository    { return &PendingRepo{q: t.tx} }
func (t *Tx) Approvals() ledger.ApprovalRepository { return &ApprovalRepo{q: t.tx} }
func (t *Tx) Alerts() ledger.AlertRepository       { return &AlertRepo{q: t.tx} }

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// namedGet выполняет именованный запрос и сканирует одну строку в dest
func namedGet(ctx context.Context, q sqlx.ExtContext, dest any, query string, arg any) error {
	bound, args, err := q.BindNamed(query, arg)
	if err != nil {
		return err
	}
	return sqlx.GetContext(ctx, q, dest, bound, args...)
}

func namedExec(ctx context.Context, q sqlx.ExtContext, query string, arg any) (sql.Result, error) {
	bound, args, err := q.BindNamed(query, arg)
	if err != nil {
		return nil, err
	}
	return q.ExecContext(ctx, bound, args...)
}

// duplicateIfNoRow переводит пустой RETURNING после ON CONFLICT DO NOTHING в ErrDuplicateOpen.
// Конфликт не прерывает транзакцию, поэтому вызывающий может продолжать работу в ней.
func duplicateIfNoRow(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrDuplicateOpen
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}
