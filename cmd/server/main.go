package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	bybitService "tradepilot/internal/bybit/service"
	"tradepilot/internal/config"
	"tradepilot/internal/ledger/repository"
	ledgerService "tradepilot/internal/ledger/service"
	"tradepilot/internal/metrics"
	"tradepilot/internal/notify"
	signalService "tradepilot/internal/signal/service"
	signalhttp "tradepilot/internal/signal/transport/http"
	tradingService "tradepilot/internal/trading/service"
	"tradepilot/pkg/db"
	"tradepilot/pkg/lock"
	"tradepilot/pkg/logger"
	"tradepilot/pkg/middleware"
)

const shutdownTimeout = 5 * time.Second

func main() {
	boot := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	cfg := config.Load(boot)
	if err := cfg.Validate(); err != nil {
		boot.Fatal().Err(err).Msg("invalid configuration")
	}

	log, closer, err := logger.New(cfg.LogsDir, cfg.LogLevel)
	if err != nil {
		log.Warn().Err(err).Msg("file logging disabled")
	}
	defer closer.Close()
	log.Info().Msg("TradePilot starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	metrics.InitMetrics()

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info().Msg("database connected")
	store := repository.NewStore(database)

	// --- БИРЖА ---
	baseURL, wsURL := cfg.BybitBaseURL, ""
	if cfg.BybitTestnet {
		wsURL = bybitService.BybitTestnetWSURL
		if baseURL == "" {
			baseURL = bybitService.BybitTestnetURL
		}
	}
	client := bybitService.NewBybitHTTPClient(bybitService.ClientOptions{
		BaseURL:   baseURL,
		ProxyAddr: cfg.BybitProxy,
		RPS:       cfg.BybitRPS,
	}, log)
	ticker := bybitService.NewTickerStream(wsURL, cfg.BybitProxy, log)
	gateway := bybitService.NewGateway(client, bybitService.GatewayOptions{
		SafetyTicks: cfg.SafetyTicks,
		Ticker:      ticker,
	}, log)

	// --- УВЕДОМЛЕНИЯ ---
	// BOT_TOKEN=- пишет уведомления только в лог
	var notifier notify.Notifier = notify.NewTelegramClient("", cfg.BotToken, log)
	if cfg.BotToken == "-" {
		notifier = notify.NewLogNotifier(log)
	}
	reporter := notify.NewReporter(notifier, cfg.ErrorChannelID, log)

	// --- БЛОКИРОВКИ ---
	var cycleLock lock.CycleLock = lock.NewNopLock()
	if cfg.RedisURL != "" {
		redisLock, err := lock.NewRedisLockFromURL(ctx, cfg.RedisURL, "tradepilot:")
		if err != nil {
			return err
		}
		cycleLock = redisLock
		log.Info().Msg("redis cycle lock enabled")
	}
	defer cycleLock.Close()
	guard := lock.NewKeyedMutex()

	loc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", cfg.DisplayTimezone).Msg("unknown display timezone, using UTC")
		loc = time.UTC
	}
	validate := validator.New()

	// --- СИГНАЛЫ ---
	intake := signalService.NewIntakeService(store, gateway, notifier, guard, validate, signalService.Options{
		AdminUserID:      cfg.AdminUserID,
		EncryptionSecret: cfg.EncryptionSecret,
		Parallelism:      cfg.UserParallelism,
	}, log)
	queue := signalService.NewQueue(cfg.SignalQueueSize, intake, reporter, log)

	// --- ДВИЖОК СДЕЛОК ---
	cards := tradingService.NewCards(notifier, loc, log)
	detective := tradingService.NewDetective(gateway, cfg.DetectiveAttempts, cfg.DetectiveDelay, log)
	scheduler := tradingService.NewScheduler(
		store,
		gateway,
		tradingService.NewReconciler(gateway, detective, cards, cfg.GhostThreshold, log),
		tradingService.NewPendingMonitor(gateway, notifier, cards, log),
		tradingService.NewManager(gateway, cards, log),
		tradingService.NewCleaner(notifier, log),
		guard,
		cycleLock,
		reporter,
		tradingService.SchedulerOptions{
			Interval:         cfg.CycleInterval,
			Parallelism:      cfg.UserParallelism,
			EncryptionSecret: cfg.EncryptionSecret,
		},
		log,
	)
	closer := tradingService.NewCloser(store, gateway, notifier, cards, guard, cfg.EncryptionSecret, log)
	configService := ledgerService.NewConfigService(store, validate, log)

	// --- РОУТЕР ---
	limiter := middleware.NewRateLimiter(120, log)
	handler := signalhttp.NewHandler(queue, intake, intake, closer, configService, validate, log)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Group(func(mr chi.Router) {
		if cfg.MetricsUser != "" {
			mr.Use(middleware.BasicAuth(cfg.MetricsUser, cfg.MetricsPassword))
		}
		mr.Handle("/metrics", promhttp.Handler())
	})
	r.Route("/api", func(api chi.Router) {
		api.Use(limiter.Middleware)
		api.Use(middleware.ValidateRequest)
		api.Use(middleware.JWTAuth(cfg.JWTSecret))
		handler.Routes(api)
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		queue.Run(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				limiter.Cleanup(time.Hour)
			}
		}
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received, starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
