package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	bybitEntity "tradepilot/internal/bybit/entity"
	bybitService "tradepilot/internal/bybit/service"
	"tradepilot/internal/ledger"
	"tradepilot/internal/ledger/memory"
	"tradepilot/internal/notify"
	signalEntity "tradepilot/internal/signal/entity"
	"tradepilot/pkg/lock"
)

const testSecret = "test-encryption-secret"

type fakeExchange struct {
	mu sync.Mutex

	price    float64
	priceErr error
	equity   float64
	closes   []float64
	pnl      float64
	placeErr error
	fill     bybitEntity.OrderInfo

	market    []bybitEntity.OrderRequest
	limit     []bybitEntity.OrderRequest
	cancelled []string
	nextID    int
}

func (f *fakeExchange) InstrumentRules(_ context.Context, symbol string) (bybitEntity.InstrumentRules, error) {
	return bybitEntity.InstrumentRules{Symbol: symbol, Status: "Trading"}, nil
}

func (f *fakeExchange) MarketPrice(_ context.Context, _ string) (float64, error) {
	return f.price, f.priceErr
}

func (f *fakeExchange) AccountEquity(_ context.Context, _ *bybitEntity.Credentials) (bybitEntity.Wallet, error) {
	return bybitEntity.Wallet{TotalEquity: f.equity, AvailableUSDT: f.equity}, nil
}

func (f *fakeExchange) Klines(_ context.Context, _, _ string, limit int) ([]bybitEntity.Kline, error) {
	if len(f.closes) == 0 {
		return nil, errors.New("no candles")
	}
	closes := f.closes
	if len(closes) > limit {
		closes = closes[len(closes)-limit:]
	}
	out := make([]bybitEntity.Kline, len(closes))
	for i, c := range closes {
		out[i] = bybitEntity.Kline{Close: c}
	}
	return out, nil
}

func (f *fakeExchange) place(req bybitEntity.OrderRequest, into *[]bybitEntity.OrderRequest) (bybitEntity.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return bybitEntity.OrderResult{}, f.placeErr
	}
	*into = append(*into, req)
	f.nextID++
	return bybitEntity.OrderResult{OrderID: fmt.Sprintf("ord-%d", f.nextID), Qty: req.Qty, Price: req.Price}, nil
}

func (f *fakeExchange) PlaceMarket(_ context.Context, _ *bybitEntity.Credentials, req bybitEntity.OrderRequest) (bybitEntity.OrderResult, error) {
	return f.place(req, &f.market)
}

func (f *fakeExchange) PlaceLimit(_ context.Context, _ *bybitEntity.Credentials, req bybitEntity.OrderRequest) (bybitEntity.OrderResult, error) {
	return f.place(req, &f.limit)
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ *bybitEntity.Credentials, _, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) QueryOrder(_ context.Context, _ *bybitEntity.Credentials, symbol, orderID string) (bybitEntity.OrderInfo, error) {
	info := f.fill
	info.OrderID, info.Symbol = orderID, symbol
	return info, nil
}

func (f *fakeExchange) ClosedPnL(_ context.Context, _ *bybitEntity.Credentials, _, _ time.Time) (bybitEntity.PnLSummary, error) {
	return bybitEntity.PnLSummary{Total: f.pnl}, nil
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
	editErr error
}

func (n *fakeNotifier) Send(_ context.Context, chatID int64, text string, buttons ...[]notify.Button) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.sent = append(n.sent, sentMessage{ChatID: chatID, MessageID: n.next, Text: text, Buttons: buttons})
	return n.next, nil
}

func (n *fakeNotifier) Edit(_ context.Context, chatID, messageID int64, text string, buttons ...[]notify.Button) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.editErr != nil {
		return n.editErr
	}
	n.edited = append(n.edited, sentMessage{ChatID: chatID, MessageID: messageID, Text: text, Buttons: buttons})
	return nil
}

func (n *fakeNotifier) Delete(_ context.Context, _, _ int64) error {
	return nil
}

func (n *fakeNotifier) lastSent() sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return sentMessage{}
	}
	return n.sent[len(n.sent)-1]
}

type intakeFixture struct {
	svc      *IntakeService
	store    *memory.Store
	exchange *fakeExchange
	notifier *fakeNotifier
}

var fixedNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func newIntakeFixture(t *testing.T, users ...*ledger.User) *intakeFixture {
	t.Helper()
	store := memory.NewStore()
	store.SetClock(func() time.Time { return fixedNow })
	for _, u := range users {
		store.PutUser(u)
	}
	ex := &fakeExchange{price: 100, equity: 1000}
	n := &fakeNotifier{}
	svc := NewIntakeService(store, ex, n, lock.NewKeyedMutex(), validator.New(),
		Options{AdminUserID: 1, EncryptionSecret: testSecret, Parallelism: 2}, zerolog.Nop())
	svc.now = func() time.Time { return fixedNow }
	return &intakeFixture{svc: svc, store: store, exchange: ex, notifier: n}
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

func marketSignal(coin string, dir signalEntity.Direction, sl float64, targets ...float64) signalEntity.Signal {
	return signalEntity.Signal{
		Type:       signalEntity.SignalMarket,
		Coin:       coin,
		OrderType:  dir,
		StopLoss:   sl,
		Targets:    targets,
		SourceName: "vip",
	}
}

func limitSignal(coin string, dir signalEntity.Direction, price, sl float64, targets ...float64) signalEntity.Signal {
	sig := marketSignal(coin, dir, sl, targets...)
	sig.Type = signalEntity.SignalLimit
	sig.Entries = []float64{price}
	return sig
}

func ptr[T any](v T) *T {
	return &v
}
