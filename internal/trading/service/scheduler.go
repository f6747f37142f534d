package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	bybitService "tradepilot/internal/bybit/service"
	"tradepilot/internal/ledger"
	"tradepilot/internal/metrics"
	"tradepilot/pkg/lock"
)

const defaultCycleInterval = 15 * time.Second

type SchedulerOptions struct {
	Interval         time.Duration
	Parallelism      int
	EncryptionSecret string
}

// Scheduler каждые Interval прогоняет для всех пользователей с ключами сверку, монитор ожидающих и менеджер сделок.
// Пользователи обрабатываются параллельно, работа одного пользователя последовательна и идёт в одной транзакции.
type Scheduler struct {
	store      ledger.Store
	exchange   Exchange
	reconciler *Reconciler
	pending    *PendingMonitor
	manager    *Manager
	cleaner    *Cleaner
	guard      *lock.KeyedMutex
	cycleLock  lock.CycleLock
	reporter   ErrorReporter
	opts       SchedulerOptions
	logger     zerolog.Logger
}

func NewScheduler(
	store ledger.Store,
	exchange Exchange,
	reconciler *Reconciler,
	pending *PendingMonitor,
	manager *Manager,
	cleaner *Cleaner,
	guard *lock.KeyedMutex,
	cycleLock lock.CycleLock,
	reporter ErrorReporter,
	opts SchedulerOptions,
	logger zerolog.Logger,
) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = defaultCycleInterval
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if cycleLock == nil {
		cycleLock = lock.NewNopLock()
	}
	return &Scheduler{
		store:      store,
		exchange:   exchange,
		reconciler: reconciler,
		pending:    pending,
		manager:    manager,
		cleaner:    cleaner,
		guard:      guard,
		cycleLock:  cycleLock,
		reporter:   reporter,
		opts:       opts,
		logger:     logger.With().Str("component", "Scheduler").Logger(),
	}
}

// Run крутит циклы до отмены контекста. Первый цикл стартует сразу.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.opts.Interval).Int("parallelism", s.opts.Parallelism).Msg("scheduler started")
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle один проход по всем пользователям
func (s *Scheduler) RunCycle(ctx context.Context) {
	var users []*ledger.User
	err := ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		var err error
		users, err = tx.Users().ListWithCredentials(ctx)
		return err
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list users")
		return
	}

	var active atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.opts.Parallelism)
	for _, u := range users {
		g.Go(func() error {
			active.Add(int64(s.runUser(ctx, u)))
			return nil
		})
	}
	_ = g.Wait()
	metrics.ActiveTrades.Set(float64(active.Load()))
}

func (s *Scheduler) runUser(ctx context.Context, u *ledger.User) (active int) {
	log := s.logger.With().Int64("user_id", u.ID).Logger()
	if ctx.Err() != nil {
		return 0
	}

	unlock := s.guard.Lock(u.ID)
	defer unlock()

	key := fmt.Sprintf("cycle:user:%d", u.ID)
	ok, err := s.cycleLock.TryLock(ctx, key, 2*s.opts.Interval)
	if err != nil {
		log.Warn().Err(err).Msg("cycle lock unavailable, skipping user")
		return 0
	}
	if !ok {
		log.Debug().Msg("user cycle held by another instance")
		return 0
	}
	defer func() {
		if err := s.cycleLock.Unlock(context.WithoutCancel(ctx), key); err != nil {
			log.Warn().Err(err).Msg("failed to release cycle lock")
		}
	}()

	start := time.Now()
	result := "ok"
	defer func() {
		metrics.CycleDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()
	defer func() {
		if p := recover(); p != nil {
			result = "panic"
			s.reporter.Report(ctx, fmt.Sprintf("cycle user %d", u.ID), fmt.Errorf("panic: %v", p), debug.Stack())
		}
	}()

	creds, err := bybitService.DecryptCredentials(u.EncAPIKey, u.EncAPISecret, s.opts.EncryptionSecret)
	if err != nil {
		result = "error"
		log.Error().Err(err).Msg("failed to decrypt credentials")
		return 0
	}

	// на паузе Check снимает лимитные ордера, открытые позиции сопровождаются как обычно
	positions, err := s.exchange.ListPositions(ctx, creds)
	if err != nil {
		result = "error"
		log.Warn().Err(err).Msg("failed to fetch positions, skipping user this cycle")
		return 0
	}
	snap := NewSnapshot(positions, log)

	err = ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		if err := s.reconciler.Reconcile(ctx, tx, u, creds, snap); err != nil {
			return err
		}
		if err := s.pending.Check(ctx, tx, u, creds); err != nil {
			return err
		}
		n, err := s.manager.ManageAll(ctx, tx, u, creds, snap)
		if err != nil {
			return err
		}
		active = n
		return s.cleaner.Sweep(ctx, tx, u)
	})
	if err != nil {
		result = "error"
		log.Error().Err(err).Msg("user cycle rolled back")
		return 0
	}
	return active
}
