package ledger

import (
	"context"
	"fmt"
	"time"
)

type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	// ListWithCredentials пользователи с подключённой биржей, включая выключенных
	ListWithCredentials(ctx context.Context) ([]*User, error)
	UpdateConfig(ctx context.Context, userID int64, cfg UserConfig) error
	SetEnabled(ctx context.Context, userID int64, enabled bool) error
}

type TradeRepository interface {
	GetByID(ctx context.Context, id int64) (*ActiveTrade, error)
	ListActive(ctx context.Context, userID int64) ([]*ActiveTrade, error)
	// GetActiveBySymbol возвращает nil, nil если открытой сделки нет
	GetActiveBySymbol(ctx context.Context, userID int64, symbol string) (*ActiveTrade, error)
	// Insert возвращает ErrDuplicateOpen, если по символу уже есть активная сделка.
	// Транзакция после этого остаётся рабочей.
	Insert(ctx context.Context, t *ActiveTrade) error
	// Update не трогает total_initial_targets
	Update(ctx context.Context, t *ActiveTrade) error
	// ResetTargets переписывает список целей вместе со снимком total_initial_targets.
	// Нужен только при слиянии подтверждённого исполнения с уже существующей строкой.
	ResetTargets(ctx context.Context, id int64, targets FloatList) error
	// RecentClosed последние закрытые сделки, новые первыми
	RecentClosed(ctx context.Context, userID int64, limit int) ([]*ActiveTrade, error)
}

type PendingRepository interface {
	ListByUser(ctx context.Context, userID int64) ([]*PendingSignal, error)
	// GetBySymbol возвращает nil, nil если записи нет
	GetBySymbol(ctx context.Context, userID int64, symbol string) (*PendingSignal, error)
	Insert(ctx context.Context, p *PendingSignal) error
	Delete(ctx context.Context, id int64) error
}

type ApprovalRepository interface {
	GetByID(ctx context.Context, id int64) (*SignalForApproval, error)
	Insert(ctx context.Context, a *SignalForApproval) error
	SetMessageID(ctx context.Context, id, messageID int64) error
	Delete(ctx context.Context, id int64) error
}

type AlertRepository interface {
	Insert(ctx context.Context, a *AlertMessage) error
	ListOlderThan(ctx context.Context, userID int64, before time.Time) ([]*AlertMessage, error)
	Delete(ctx context.Context, id int64) error
}

type MonitoredTargetRepository interface {
	List(ctx context.Context) ([]*MonitoredTarget, error)
}

// Tx единица работы: все репозитории привязаны к одной транзакции
type Tx interface {
	Users() UserRepository
	Trades() TradeRepository
	Pending() PendingRepository
	Approvals() ApprovalRepository
	Alerts() AlertRepository
	Commit() error
	Rollback() error
}

type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Targets() MonitoredTargetRepository
}

// WithTx выполняет fn в транзакции: commit при успехе, rollback при ошибке или панике
func WithTx(ctx context.Context, store Store, fn func(tx Tx) error) (err error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
