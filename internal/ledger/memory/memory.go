// Package memory хранит ledger в памяти процесса. Используется в тестах и для пробных запусков без БД.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradepilot/internal/ledger"
)

type state struct {
	users     map[int64]*ledger.User
	trades    map[int64]*ledger.ActiveTrade
	pending   map[int64]*ledger.PendingSignal
	approvals map[int64]*ledger.SignalForApproval
	alerts    map[int64]*ledger.AlertMessage
	nextID    int64
}

func newState() *state {
	return &state{
		users:     make(map[int64]*ledger.User),
		trades:    make(map[int64]*ledger.ActiveTrade),
		pending:   make(map[int64]*ledger.PendingSignal),
		approvals: make(map[int64]*ledger.SignalForApproval),
		alerts:    make(map[int64]*ledger.AlertMessage),
	}
}

func (s *state) clone() *state {
	c := newState()
	c.nextID = s.nextID
	for k, v := range s.users {
		c.users[k] = cloneUser(v)
	}
	for k, v := range s.trades {
		c.trades[k] = cloneTrade(v)
	}
	for k, v := range s.pending {
		p := *v
		c.pending[k] = &p
	}
	for k, v := range s.approvals {
		a := *v
		c.approvals[k] = &a
	}
	for k, v := range s.alerts {
		a := *v
		c.alerts[k] = &a
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store транзакции сериализуются: Begin берёт блокировку до Commit/Rollback
type Store struct {
	txMu    sync.Mutex
	mu      sync.RWMutex
	st      *state
	targets []*ledger.MonitoredTarget
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{st: newState(), now: time.Now}
}

// SetClock подменяет часы для created_at
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	s.txMu.Lock()
	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()
	return &Tx{store: s, st: work}, nil
}

func (s *Store) Targets() ledger.MonitoredTargetRepository {
	return targetRepo{s: s}
}

// AddTarget добавляет отслеживаемый канал
func (s *Store) AddTarget(t ledger.MonitoredTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = int64(len(s.targets) + 1)
	s.targets = append(s.targets, &t)
}

// PutUser сохраняет пользователя вне транзакции (для тестов и начальной загрузки)
func (s *Store) PutUser(u *ledger.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users[u.ID] = cloneUser(u)
}

// Trades снимок всех сделок, по возрастанию id
func (s *Store) Trades() []*ledger.ActiveTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ledger.ActiveTrade, 0, len(s.st.trades))
	for _, t := range s.st.trades {
		out = append(out, cloneTrade(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingSignals снимок всех ожидающих сигналов
func (s *Store) PendingSignals() []*ledger.PendingSignal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ledger.PendingSignal, 0, len(s.st.pending))
	for _, p := range s.st.pending {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type Tx struct {
	store *Store
	st    *state
	done  bool
}

func (t *Tx) Users() ledger.UserRepository         { return userRepo{t} }
func (t *Tx) Trades() ledger.TradeRepository       { return tradeRepo{t} }
func (t *Tx) Pending() ledger.PendingRepository    { return pendingRepo{t} }
func (t *Tx) Approvals() ledger.ApprovalRepository { return approvalRepo{t} }
func (t *Tx) Alerts() ledger.AlertRepository       { return alertRepo{t} }

func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	t.store.st = t.st
	t.store.mu.Unlock()
	t.store.txMu.Unlock()
	return nil
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (t *Tx) now() time.Time {
	return t.store.now().UTC()
}

func cloneUser(u *ledger.User) *ledger.User {
	c := *u
	c.Whitelist = append(ledger.StringList(nil), u.Whitelist...)
	return &c
}

func cloneTrade(t *ledger.ActiveTrade) *ledger.ActiveTrade {
	c := *t
	c.InitialTargets = append(ledger.FloatList(nil), t.InitialTargets...)
	c.TrailHighWaterMark = cloneFloat(t.TrailHighWaterMark)
	c.LastTargetHit = cloneFloat(t.LastTargetHit)
	c.ClosedPnl = cloneFloat(t.ClosedPnl)
	c.LastSeenAt = cloneTime(t.LastSeenAt)
	c.ClosedAt = cloneTime(t.ClosedAt)
	return &c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
