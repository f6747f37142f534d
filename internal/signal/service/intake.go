package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	bybitEntity "tradepilot/internal/bybit/entity"
	bybitService "tradepilot/internal/bybit/service"
	"tradepilot/internal/ledger"
	"tradepilot/internal/metrics"
	"tradepilot/internal/notify"
	signalEntity "tradepilot/internal/signal/entity"
	"tradepilot/pkg/lock"
)

var ErrInvalidSignal = errors.New("invalid signal")

// Exchange операции биржи, нужные приёму сигналов
type Exchange interface {
	InstrumentRules(ctx context.Context, symbol string) (bybitEntity.InstrumentRules, error)
	MarketPrice(ctx context.Context, symbol string) (float64, error)
	AccountEquity(ctx context.Context, creds *bybitEntity.Credentials) (bybitEntity.Wallet, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]bybitEntity.Kline, error)
	PlaceMarket(ctx context.Context, creds *bybitEntity.Credentials, req bybitEntity.OrderRequest) (bybitEntity.OrderResult, error)
	PlaceLimit(ctx context.Context, creds *bybitEntity.Credentials, req bybitEntity.OrderRequest) (bybitEntity.OrderResult, error)
	CancelOrder(ctx context.Context, creds *bybitEntity.Credentials, symbol, orderID string) error
	QueryOrder(ctx context.Context, creds *bybitEntity.Credentials, symbol, orderID string) (bybitEntity.OrderInfo, error)
	ClosedPnL(ctx context.Context, creds *bybitEntity.Credentials, from, to time.Time) (bybitEntity.PnLSummary, error)
}

type Outcome string

const (
	OutcomeExecuted         Outcome = "executed"
	OutcomePending          Outcome = "pending"
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	OutcomeRejected         Outcome = "rejected"
	OutcomeFailed           Outcome = "failed"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeIgnored          Outcome = "ignored"
)

// Result итог обработки сигнала для одного пользователя
type Result struct {
	UserID  int64   `json:"user_id"`
	Symbol  string  `json:"symbol"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	TradeID int64   `json:"trade_id,omitempty"`
	OrderID string  `json:"order_id,omitempty"`
}

type Options struct {
	AdminUserID      int64
	EncryptionSecret string
	Parallelism      int
}

// IntakeService приём структурированных сигналов: фильтры, риск-гейты, подтверждение и исполнение
type IntakeService struct {
	store    ledger.Store
	exchange Exchange
	notifier notify.Notifier
	guard    *lock.KeyedMutex
	validate *validator.Validate
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

func NewIntakeService(
	store ledger.Store,
	exchange Exchange,
	notifier notify.Notifier,
	guard *lock.KeyedMutex,
	validate *validator.Validate,
	opts Options,
	logger zerolog.Logger,
) *IntakeService {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	return &IntakeService{
		store:    store,
		exchange: exchange,
		notifier: notifier,
		guard:    guard,
		validate: validate,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "SignalIntake").Logger(),
	}
}

// Validate проверяет форму сигнала до постановки в очередь
func (s *IntakeService) Validate(sig signalEntity.Signal) error {
	if err := s.validate.Struct(sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if sig.Symbol() == "" {
		return fmt.Errorf("%w: empty coin", ErrInvalidSignal)
	}
	if sig.Type == signalEntity.SignalCancelled {
		return nil
	}
	if sig.OrderType == "" {
		return fmt.Errorf("%w: order_type is required", ErrInvalidSignal)
	}
	if sig.Type == signalEntity.SignalLimit && sig.EntryPrice() <= 0 {
		return fmt.Errorf("%w: limit signal requires limit_price or entries", ErrInvalidSignal)
	}
	return nil
}

// Process раздаёт сигнал всем пользователям с подключённой биржей
func (s *IntakeService) Process(ctx context.Context, sig signalEntity.Signal) ([]Result, error) {
	if err := s.Validate(sig); err != nil {
		return nil, err
	}
	log := s.logger.With().Str("symbol", sig.Symbol()).Str("type", string(sig.Type)).Str("source", sig.SourceName).Logger()

	if sig.Type == signalEntity.SignalCancelled {
		res := s.handleCancel(ctx, sig)
		s.count(sig, res)
		return []Result{res}, nil
	}

	monitored, err := s.fromMonitoredTarget(ctx, sig)
	if err != nil {
		return nil, err
	}
	if !monitored {
		log.Debug().Int64("channel_id", sig.ChannelID).Msg("signal from unmonitored channel ignored")
		res := Result{Symbol: sig.Symbol(), Outcome: OutcomeIgnored, Reason: "unmonitored channel"}
		s.count(sig, res)
		return []Result{res}, nil
	}

	var users []*ledger.User
	err = ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		var err error
		users, err = tx.Users().ListWithCredentials(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	results := make([]Result, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for i, u := range users {
		g.Go(func() error {
			results[i] = s.processForUser(gctx, u, sig)
			s.count(sig, results[i])
			return nil
		})
	}
	_ = g.Wait()

	log.Info().Int("users", len(users)).Msg("signal processed")
	return results, nil
}

func (s *IntakeService) count(sig signalEntity.Signal, res Result) {
	metrics.SignalsProcessed.WithLabelValues(string(sig.Type), string(res.Outcome)).Inc()
}

// fromMonitoredTarget пустой список каналов пропускает всё
func (s *IntakeService) fromMonitoredTarget(ctx context.Context, sig signalEntity.Signal) (bool, error) {
	targets, err := s.store.Targets().List(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list monitored targets: %w", err)
	}
	if len(targets) == 0 {
		return true, nil
	}
	for _, t := range targets {
		if t.Matches(sig.ChannelID, sig.TopicID) {
			return true, nil
		}
	}
	return false, nil
}

func (s *IntakeService) processForUser(ctx context.Context, u *ledger.User, sig signalEntity.Signal) Result {
	unlock := s.guard.Lock(u.ID)
	defer unlock()

	res := Result{UserID: u.ID, Symbol: sig.Symbol()}
	if !u.Enabled {
		res.Outcome, res.Reason = OutcomeIgnored, "bot paused"
		return res
	}
	creds, err := bybitService.DecryptCredentials(u.EncAPIKey, u.EncAPISecret, s.opts.EncryptionSecret)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", u.ID).Msg("failed to decrypt credentials")
		res.Outcome, res.Reason = OutcomeFailed, "credentials unavailable"
		return res
	}

	adm, reason, err := s.admit(ctx, u, creds, sig)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", u.ID).Str("symbol", res.Symbol).Msg("admission check failed")
		res.Outcome, res.Reason = OutcomeFailed, err.Error()
		return res
	}
	if reason != "" {
		return s.reject(ctx, u.ID, sig, reason)
	}

	if u.ApprovalMode == ledger.ApprovalManual {
		return s.requestApproval(ctx, u, sig)
	}
	return s.execute(ctx, u, creds, sig, adm)
}

// admission то, что гейты узнали о рынке и размере позиции
type admission struct {
	last       float64
	sizeFactor float64
}

// admit применяет гейты по порядку: сон, единственность, серия убытков, фильтры, дневные лимиты
func (s *IntakeService) admit(ctx context.Context, u *ledger.User, creds *bybitEntity.Credentials, sig signalEntity.Signal) (admission, string, error) {
	now := s.now()
	symbol := sig.Symbol()
	cfg := u.UserConfig

	if InSleepWindow(cfg, now) {
		return admission{}, "modo sono ativo", nil
	}

	var (
		active  *ledger.ActiveTrade
		pending *ledger.PendingSignal
		recent  []*ledger.ActiveTrade
	)
	err := ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		var err error
		if active, err = tx.Trades().GetActiveBySymbol(ctx, u.ID, symbol); err != nil {
			return err
		}
		if pending, err = tx.Pending().GetBySymbol(ctx, u.ID, symbol); err != nil {
			return err
		}
		recent, err = tx.Trades().RecentClosed(ctx, u.ID, breakerHistory)
		return err
	})
	if err != nil {
		return admission{}, "", err
	}
	if active != nil || pending != nil {
		return admission{}, "posição já aberta", nil
	}

	side := tradeSide(sig)
	breaker := EvaluateBreaker(cfg, recent, side, now)
	if !breaker.Allowed() {
		return admission{}, "circuit breaker: " + breaker.Reason, nil
	}

	if reason := staticFilters(cfg, sig); reason != "" {
		return admission{}, reason, nil
	}

	last, err := s.exchange.MarketPrice(ctx, symbol)
	if err != nil {
		if bybitService.IsValidation(err) {
			return admission{}, fmt.Sprintf("símbolo indisponível: %v", err), nil
		}
		return admission{}, "", fmt.Errorf("failed to get price: %w", err)
	}
	if reason := s.indicatorFilters(ctx, cfg, sig, last); reason != "" {
		return admission{}, reason, nil
	}

	if cfg.DailyProfitTarget > 0 || cfg.DailyLossLimit > 0 {
		summary, err := s.exchange.ClosedPnL(ctx, creds, startOfDayUTC(now), now)
		if err != nil {
			return admission{}, "limites diários indisponíveis", nil
		}
		if reason := DailyLimitReason(cfg, summary.Total); reason != "" {
			return admission{}, reason, nil
		}
	}

	return admission{last: last, sizeFactor: breaker.SizeFactor}, "", nil
}

func tradeSide(sig signalEntity.Signal) ledger.TradeSide {
	if sig.IsLong() {
		return ledger.SideLong
	}
	return ledger.SideShort
}

// reject сообщает пользователю причину и запоминает сообщение для очистки
func (s *IntakeService) reject(ctx context.Context, userID int64, sig signalEntity.Signal, reason string) Result {
	s.logger.Info().Int64("user_id", userID).Str("symbol", sig.Symbol()).Str("reason", reason).Msg("signal rejected")
	s.alert(ctx, userID, rejectionText(sig, reason))
	return Result{UserID: userID, Symbol: sig.Symbol(), Outcome: OutcomeRejected, Reason: reason}
}

// alert отправляет временное уведомление, которое потом удалит очистка
func (s *IntakeService) alert(ctx context.Context, userID int64, text string) {
	msgID, err := s.notifier.Send(ctx, userID, text)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("failed to send alert")
		return
	}
	err = ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		return tx.Alerts().Insert(ctx, &ledger.AlertMessage{UserID: userID, MessageID: msgID})
	})
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("failed to record alert")
	}
}

// handleCancel отменяет лимитный ордер администратора по монете сигнала
func (s *IntakeService) handleCancel(ctx context.Context, sig signalEntity.Signal) Result {
	userID := s.opts.AdminUserID
	symbol := sig.Symbol()
	res := Result{UserID: userID, Symbol: symbol}
	if userID == 0 {
		res.Outcome, res.Reason = OutcomeIgnored, "admin user not configured"
		return res
	}

	unlock := s.guard.Lock(userID)
	defer unlock()

	var (
		user    *ledger.User
		pending *ledger.PendingSignal
	)
	err := ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		var err error
		if user, err = tx.Users().GetByID(ctx, userID); err != nil {
			return err
		}
		pending, err = tx.Pending().GetBySymbol(ctx, userID, symbol)
		return err
	})
	if err != nil {
		res.Outcome, res.Reason = OutcomeFailed, err.Error()
		return res
	}
	if pending == nil {
		res.Outcome, res.Reason = OutcomeIgnored, "no pending order"
		return res
	}

	if creds, err := bybitService.DecryptCredentials(user.EncAPIKey, user.EncAPISecret, s.opts.EncryptionSecret); err == nil {
		if err := s.exchange.CancelOrder(ctx, creds, symbol, pending.OrderID); err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Str("order_id", pending.OrderID).Msg("failed to cancel order on exchange")
		}
	}

	err = ledger.WithTx(ctx, s.store, func(tx ledger.Tx) error {
		return tx.Pending().Delete(ctx, pending.ID)
	})
	if err != nil {
		res.Outcome, res.Reason = OutcomeFailed, err.Error()
		return res
	}

	text := cancelledText(symbol, sig.SourceName)
	if pending.NotificationMessageID != 0 {
		if err := s.notifier.Edit(ctx, userID, pending.NotificationMessageID, text); err != nil {
			s.alert(ctx, userID, text)
		}
	} else {
		s.alert(ctx, userID, text)
	}
	s.logger.Info().Str("symbol", symbol).Str("order_id", pending.OrderID).Msg("pending order cancelled by signal")
	res.Outcome, res.OrderID = OutcomeCancelled, pending.OrderID
	return res
}
