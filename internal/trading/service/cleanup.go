package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradepilot/internal/ledger"
	"tradepilot/internal/notify"
)

// Cleaner удаляет из чата временные уведомления старше настройки пользователя
type Cleaner struct {
	notifier notify.Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

func NewCleaner(notifier notify.Notifier, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		notifier: notifier,
		now:      time.Now,
		logger:   logger.With().Str("component", "AlertCleaner").Logger(),
	}
}

func (c *Cleaner) Sweep(ctx context.Context, tx ledger.Tx, u *ledger.User) error {
	if !u.CleanupEnabled || u.CleanupAfterMinutes <= 0 {
		return nil
	}
	before := c.now().Add(-time.Duration(u.CleanupAfterMinutes) * time.Minute)
	alerts, err := tx.Alerts().ListOlderThan(ctx, u.ID, before)
	if err != nil {
		return fmt.Errorf("failed to list alerts: %w", err)
	}
	for _, a := range alerts {
		if err := c.notifier.Delete(ctx, u.ID, a.MessageID); err != nil {
			c.logger.Warn().Err(err).Int64("user_id", u.ID).Int64("message_id", a.MessageID).Msg("failed to delete alert message")
			continue
		}
		if err := tx.Alerts().Delete(ctx, a.ID); err != nil {
			return fmt.Errorf("failed to delete alert %d: %w", a.ID, err)
		}
	}
	if len(alerts) > 0 {
		c.logger.Debug().Int64("user_id", u.ID).Int("count", len(alerts)).Msg("alerts swept")
	}
	return nil
}
