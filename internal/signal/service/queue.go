package service

import (
	"context"
	"errors"
	"runtime/debug"

	"github.com/rs/zerolog"

	"tradepilot/internal/metrics"
	signalEntity "tradepilot/internal/signal/entity"
)

var ErrQueueFull = errors.New("signal queue is full")

// Processor обрабатывает один сигнал
type Processor interface {
	Process(ctx context.Context, sig signalEntity.Signal) ([]Result, error)
}

// ErrorReporter пересылает паники оператору
type ErrorReporter interface {
	Report(ctx context.Context, where string, err error, stack []byte)
}

// Queue ограниченная FIFO-очередь между коллектором и исполнением
type Queue struct {
	ch        chan signalEntity.Signal
	processor Processor
	reporter  ErrorReporter
	logger    zerolog.Logger
}

func NewQueue(size int, processor Processor, reporter ErrorReporter, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{
		ch:        make(chan signalEntity.Signal, size),
		processor: processor,
		reporter:  reporter,
		logger:    logger.With().Str("component", "SignalQueue").Logger(),
	}
}

// Enqueue не блокирует: при переполнении возвращает ErrQueueFull
func (q *Queue) Enqueue(sig signalEntity.Signal) error {
	select {
	case q.ch <- sig:
		metrics.SignalQueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		q.logger.Warn().Str("symbol", sig.Symbol()).Msg("signal queue full, dropping")
		return ErrQueueFull
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}

// Run обрабатывает сигналы по одному до отмены контекста
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info().Int("capacity", cap(q.ch)).Msg("signal consumer started")
	for {
		select {
		case <-ctx.Done():
			q.logger.Info().Msg("signal consumer stopped")
			return
		case sig := <-q.ch:
			metrics.SignalQueueDepth.Set(float64(len(q.ch)))
			q.handle(ctx, sig)
		}
	}
}

func (q *Queue) handle(ctx context.Context, sig signalEntity.Signal) {
	defer func() {
		if p := recover(); p != nil {
			err, ok := p.(error)
			if !ok {
				err = errors.New("panic while processing signal")
			}
			q.logger.Error().Interface("panic", p).Str("symbol", sig.Symbol()).Msg("signal processing panicked")
			if q.reporter != nil {
				q.reporter.Report(ctx, "signal "+sig.Symbol(), err, debug.Stack())
			}
		}
	}()
	if _, err := q.processor.Process(ctx, sig); err != nil {
		q.logger.Error().Err(err).Str("symbol", sig.Symbol()).Msg("signal processing failed")
	}
}
