package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	bybitEntity "tradepilot/internal/bybit/entity"
	bybitService "tradepilot/internal/bybit/service"
	"tradepilot/internal/ledger"
	"tradepilot/internal/ledger/memory"
	"tradepilot/internal/notify"
	"tradepilot/pkg/lock"
)

const testSecret = "test-encryption-secret"

type closeCall struct {
	Symbol string
	Qty    float64
	Side   bybitEntity.Side
}

type fakeExchange struct {
	mu sync.Mutex

	prices         map[string]float64
	positions      map[bybitEntity.PositionKey]bybitEntity.Position
	positionsErr   error
	positionsPanic bool
	positionCalls  int
	orders         map[string]bybitEntity.OrderInfo

	closeErr  error
	closeSkip string
	stopErr   error
	queryErr  error

	tradePnL   bybitEntity.TradePnL
	lastRecord *bybitEntity.ClosedPnLRecord
	lastExit   bybitEntity.ExitType
	pnlCalls   int

	closes    []closeCall
	stops     []bybitService.StopLossRequest
	cancelled []string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		prices:    make(map[string]float64),
		positions: make(map[bybitEntity.PositionKey]bybitEntity.Position),
		orders:    make(map[string]bybitEntity.OrderInfo),
		tradePnL:  bybitEntity.TradePnL{ExitType: bybitEntity.ExitUnknown},
		lastExit:  bybitEntity.ExitUnknown,
	}
}

func (f *fakeExchange) setPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *fakeExchange) openPosition(pos bybitEntity.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[bybitEntity.PositionKey{Symbol: pos.Symbol, Side: pos.Side, Idx: pos.PositionIdx}] = pos
}

func (f *fakeExchange) closeAll(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.positions {
		if k.Symbol == symbol {
			delete(f.positions, k)
		}
	}
}

func (f *fakeExchange) MarketPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	if !ok {
		return 0, errors.New("no ticker")
	}
	return p, nil
}

func (f *fakeExchange) ListPositions(_ context.Context, _ *bybitEntity.Credentials) (map[bybitEntity.PositionKey]bybitEntity.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionCalls++
	if f.positionsPanic {
		panic("positions exploded")
	}
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	out := make(map[bybitEntity.PositionKey]bybitEntity.Position, len(f.positions))
	for k, v := range f.positions {
		out[k] = v
	}
	return out, nil
}

func (f *fakeExchange) QueryOrder(_ context.Context, _ *bybitEntity.Credentials, symbol, orderID string) (bybitEntity.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return bybitEntity.OrderInfo{}, f.queryErr
	}
	info, ok := f.orders[orderID]
	if !ok {
		return bybitEntity.OrderInfo{}, fmt.Errorf("order %s: %w", orderID, bybitService.ErrOrderNotFound)
	}
	info.OrderID, info.Symbol = orderID, symbol
	return info, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ *bybitEntity.Credentials, _, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) ClosePartial(_ context.Context, _ *bybitEntity.Credentials, symbol string, qty float64, sideHint bybitEntity.Side) (bybitEntity.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return bybitEntity.CloseResult{}, f.closeErr
	}
	if f.closeSkip != "" {
		return bybitEntity.CloseResult{Skipped: f.closeSkip}, nil
	}
	f.closes = append(f.closes, closeCall{Symbol: symbol, Qty: qty, Side: sideHint})
	for k, pos := range f.positions {
		if k.Symbol != symbol || pos.Side != sideHint {
			continue
		}
		pos.Size -= qty
		if pos.Size <= 1e-9 {
			delete(f.positions, k)
		} else {
			f.positions[k] = pos
		}
	}
	return bybitEntity.CloseResult{Sent: true, OrderID: "close", Side: sideHint.Opposite(), Qty: qty}, nil
}

func (f *fakeExchange) ModifyStopLoss(_ context.Context, _ *bybitEntity.Credentials, req bybitService.StopLossRequest) (bybitEntity.StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return bybitEntity.StopResult{}, f.stopErr
	}
	f.stops = append(f.stops, req)
	return bybitEntity.StopResult{Changed: true, Price: req.Desired}, nil
}

func (f *fakeExchange) ClosedPnLForTrade(_ context.Context, _ *bybitEntity.Credentials, _ string, _ bybitEntity.Side, _ time.Time) (bybitEntity.TradePnL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pnlCalls++
	return f.tradePnL, nil
}

func (f *fakeExchange) LastClosedPnL(_ context.Context, _ *bybitEntity.Credentials, _ string) (*bybitEntity.ClosedPnLRecord, bybitEntity.ExitType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRecord, f.lastExit, nil
}

func (f *fakeExchange) stopCalls() []bybitService.StopLossRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bybitService.StopLossRequest(nil), f.stops...)
}

type sentMessage struct {
	ChatID    int64
	MessageID int64
	Text      string
	Buttons   [][]notify.Button
}

type fakeNotifier struct {
	mu      sync.Mutex
	next    int64
	sent    []sentMessage
	edited  []sentMessage
	history []sentMessage
	deleted []int64
	editErr error
}

func (n *fakeNotifier) Send(_ context.Context, chatID int64, text string, buttons ...[]notify.Button) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	m := sentMessage{ChatID: chatID, MessageID: n.next, Text: text, Buttons: buttons}
	n.sent = append(n.sent, m)
	n.history = append(n.history, m)
	return n.next, nil
}

func (n *fakeNotifier) Edit(_ context.Context, chatID, messageID int64, text string, buttons ...[]notify.Button) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.editErr != nil {
		return n.editErr
	}
	m := sentMessage{ChatID: chatID, MessageID: messageID, Text: text, Buttons: buttons}
	n.edited = append(n.edited, m)
	n.history = append(n.history, m)
	return nil
}

func (n *fakeNotifier) Delete(_ context.Context, _, messageID int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, messageID)
	return nil
}

// countText сколько отправленных и отредактированных сообщений содержат substr
func (n *fakeNotifier) countText(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c int
	for _, m := range n.history {
		if strings.Contains(m.Text, substr) {
			c++
		}
	}
	return c
}

// lastText последний отправленный или записанный текст
func (n *fakeNotifier) lastText() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.history) == 0 {
		return ""
	}
	return n.history[len(n.history)-1].Text
}

type recordingReporter struct {
	mu    sync.Mutex
	where []string
}

func (r *recordingReporter) Report(_ context.Context, where string, _ error, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.where = append(r.where, where)
}

var fixedNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type engineFixture struct {
	store     *memory.Store
	exchange  *fakeExchange
	notifier  *fakeNotifier
	reporter  *recordingReporter
	scheduler *Scheduler
	manager   *Manager
	closer    *Closer
	now       time.Time
}

func newEngineFixture(t *testing.T, users ...*ledger.User) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:    memory.NewStore(),
		exchange: newFakeExchange(),
		notifier: &fakeNotifier{},
		reporter: &recordingReporter{},
		now:      fixedNow,
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)
	for _, u := range users {
		f.store.PutUser(u)
	}

	logger := zerolog.Nop()
	guard := lock.NewKeyedMutex()
	cards := NewCards(f.notifier, time.UTC, logger)
	detective := NewDetective(f.exchange, 3, 0, logger)
	reconciler := NewReconciler(f.exchange, detective, cards, 3, logger)
	reconciler.now = clock
	pending := NewPendingMonitor(f.exchange, f.notifier, cards, logger)
	f.manager = NewManager(f.exchange, cards, logger)
	f.manager.now = clock
	cleaner := NewCleaner(f.notifier, logger)
	cleaner.now = clock
	f.scheduler = NewScheduler(f.store, f.exchange, reconciler, pending, f.manager, cleaner, guard, lock.NewNopLock(), f.reporter,
		SchedulerOptions{Interval: time.Second, Parallelism: 2, EncryptionSecret: testSecret}, logger)
	f.closer = NewCloser(f.store, f.exchange, f.notifier, cards, guard, testSecret, logger)
	f.closer.now = clock
	return f
}

func (f *engineFixture) cycle(t *testing.T) {
	t.Helper()
	f.scheduler.RunCycle(context.Background())
}

func (f *engineFixture) insertTrade(t *testing.T, tr *ledger.ActiveTrade) *ledger.ActiveTrade {
	t.Helper()
	if tr.Status == "" {
		tr.Status = ledger.StatusActive
	}
	if tr.RemainingQty == 0 && !tr.Status.IsClosed() {
		tr.RemainingQty = tr.Qty
	}
	if tr.CurrentStopLoss == 0 {
		tr.CurrentStopLoss = tr.InitialStopLoss
	}
	if tr.TotalInitialTargets == 0 {
		tr.TotalInitialTargets = len(tr.InitialTargets)
	}
	err := ledger.WithTx(context.Background(), f.store, func(tx ledger.Tx) error {
		return tx.Trades().Insert(context.Background(), tr)
	})
	if err != nil {
		t.Fatalf("insert trade: %v", err)
	}
	return tr
}

func (f *engineFixture) insertPending(t *testing.T, p *ledger.PendingSignal) {
	t.Helper()
	err := ledger.WithTx(context.Background(), f.store, func(tx ledger.Tx) error {
		return tx.Pending().Insert(context.Background(), p)
	})
	if err != nil {
		t.Fatalf("insert pending: %v", err)
	}
}

func (f *engineFixture) trade(t *testing.T, id int64) *ledger.ActiveTrade {
	t.Helper()
	for _, tr := range f.store.Trades() {
		if tr.ID == id {
			return tr
		}
	}
	t.Fatalf("trade %d not found", id)
	return nil
}

func newUser(t *testing.T, id int64, mutate func(*ledger.UserConfig)) *ledger.User {
	t.Helper()
	key, err := bybitService.EncryptAES("key", testSecret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	secret, err := bybitService.EncryptAES("secret", testSecret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	cfg := ledger.DefaultUserConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return &ledger.User{ID: id, Enabled: true, EncAPIKey: key, EncAPISecret: secret, UserConfig: cfg}
}

func longPosition(symbol string, size, avg float64) bybitEntity.Position {
	return bybitEntity.Position{Symbol: symbol, Side: bybitEntity.SideBuy, Size: size, AvgPrice: avg}
}

func shortPosition(symbol string, size, avg float64) bybitEntity.Position {
	return bybitEntity.Position{Symbol: symbol, Side: bybitEntity.SideSell, Size: size, AvgPrice: avg}
}
