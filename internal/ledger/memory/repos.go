package memory

import (
	"context"
	"sort"
	"time"

	"tradepilot/internal/ledger"
)

type userRepo struct{ tx *Tx }

func (r userRepo) GetByID(_ context.Context, id int64) (*ledger.User, error) {
	u, ok := r.tx.st.users[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneUser(u), nil
}

func (r userRepo) ListWithCredentials(_ context.Context) ([]*ledger.User, error) {
	var out []*ledger.User
	for _, u := range r.tx.st.users {
		if u.HasCredentials() {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r userRepo) UpdateConfig(_ context.Context, userID int64, cfg ledger.UserConfig) error {
	u, ok := r.tx.st.users[userID]
	if !ok {
		return ledger.ErrNotFound
	}
	u.UserConfig = cfg
	u.Whitelist = append(ledger.StringList(nil), cfg.Whitelist...)
	return nil
}

func (r userRepo) SetEnabled(_ context.Context, userID int64, enabled bool) error {
	u, ok := r.tx.st.users[userID]
	if !ok {
		return ledger.ErrNotFound
	}
	u.Enabled = enabled
	return nil
}

type tradeRepo struct{ tx *Tx }

func (r tradeRepo) GetByID(_ context.Context, id int64) (*ledger.ActiveTrade, error) {
	t, ok := r.tx.st.trades[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneTrade(t), nil
}

func (r tradeRepo) sorted(filter func(*ledger.ActiveTrade) bool) []*ledger.ActiveTrade {
	var out []*ledger.ActiveTrade
	for _, t := range r.tx.st.trades {
		if filter(t) {
			out = append(out, cloneTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r tradeRepo) ListActive(_ context.Context, userID int64) ([]*ledger.ActiveTrade, error) {
	return r.sorted(func(t *ledger.ActiveTrade) bool {
		return t.UserID == userID && t.Status == ledger.StatusActive
	}), nil
}

func (r tradeRepo) GetActiveBySymbol(_ context.Context, userID int64, symbol string) (*ledger.ActiveTrade, error) {
	for _, t := range r.tx.st.trades {
		if t.UserID == userID && t.Symbol == symbol && t.Status == ledger.StatusActive {
			return cloneTrade(t), nil
		}
	}
	return nil, nil
}

func (r tradeRepo) Insert(ctx context.Context, t *ledger.ActiveTrade) error {
	if t.Status == "" {
		t.Status = ledger.StatusActive
	}
	if t.Status == ledger.StatusActive {
		if existing, _ := r.GetActiveBySymbol(ctx, t.UserID, t.Symbol); existing != nil {
			return ledger.ErrDuplicateOpen
		}
	}
	t.ID = r.tx.st.id()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.tx.now()
	}
	r.tx.st.trades[t.ID] = cloneTrade(t)
	return nil
}

func (r tradeRepo) Update(_ context.Context, t *ledger.ActiveTrade) error {
	prev, ok := r.tx.st.trades[t.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	c := cloneTrade(t)
	c.TotalInitialTargets = prev.TotalInitialTargets
	c.CreatedAt = prev.CreatedAt
	r.tx.st.trades[t.ID] = c
	return nil
}

func (r tradeRepo) ResetTargets(_ context.Context, id int64, targets ledger.FloatList) error {
	t, ok := r.tx.st.trades[id]
	if !ok {
		return ledger.ErrNotFound
	}
	t.InitialTargets = append(ledger.FloatList(nil), targets...)
	t.TotalInitialTargets = len(targets)
	t.LastTargetHit = nil
	return nil
}

func (r tradeRepo) RecentClosed(_ context.Context, userID int64, limit int) ([]*ledger.ActiveTrade, error) {
	out := r.sorted(func(t *ledger.ActiveTrade) bool {
		return t.UserID == userID && t.Status.IsClosed()
	})
	sort.SliceStable(out, func(i, j int) bool {
		return closedAt(out[i]).After(closedAt(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func closedAt(t *ledger.ActiveTrade) time.Time {
	if t.ClosedAt == nil {
		return time.Time{}
	}
	return *t.ClosedAt
}

type pendingRepo struct{ tx *Tx }

func (r pendingRepo) ListByUser(_ context.Context, userID int64) ([]*ledger.PendingSignal, error) {
	var out []*ledger.PendingSignal
	for _, p := range r.tx.st.pending {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r pendingRepo) GetBySymbol(_ context.Context, userID int64, symbol string) (*ledger.PendingSignal, error) {
	for _, p := range r.tx.st.pending {
		if p.UserID == userID && p.Symbol == symbol {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r pendingRepo) Insert(ctx context.Context, p *ledger.PendingSignal) error {
	if existing, _ := r.GetBySymbol(ctx, p.UserID, p.Symbol); existing != nil {
		return ledger.ErrDuplicateOpen
	}
	p.ID = r.tx.st.id()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.tx.now()
	}
	cp := *p
	r.tx.st.pending[p.ID] = &cp
	return nil
}

func (r pendingRepo) Delete(_ context.Context, id int64) error {
	delete(r.tx.st.pending, id)
	return nil
}

type approvalRepo struct{ tx *Tx }

func (r approvalRepo) GetByID(_ context.Context, id int64) (*ledger.SignalForApproval, error) {
	a, ok := r.tx.st.approvals[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r approvalRepo) Insert(_ context.Context, a *ledger.SignalForApproval) error {
	a.ID = r.tx.st.id()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.tx.now()
	}
	cp := *a
	r.tx.st.approvals[a.ID] = &cp
	return nil
}

func (r approvalRepo) SetMessageID(_ context.Context, id, messageID int64) error {
	a, ok := r.tx.st.approvals[id]
	if !ok {
		return ledger.ErrNotFound
	}
	a.ApprovalMessageID = messageID
	return nil
}

func (r approvalRepo) Delete(_ context.Context, id int64) error {
	delete(r.tx.st.approvals, id)
	return nil
}

type alertRepo struct{ tx *Tx }

func (r alertRepo) Insert(_ context.Context, a *ledger.AlertMessage) error {
	a.ID = r.tx.st.id()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.tx.now()
	}
	cp := *a
	r.tx.st.alerts[a.ID] = &cp
	return nil
}

func (r alertRepo) ListOlderThan(_ context.Context, userID int64, before time.Time) ([]*ledger.AlertMessage, error) {
	var out []*ledger.AlertMessage
	for _, a := range r.tx.st.alerts {
		if a.UserID == userID && a.CreatedAt.Before(before) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r alertRepo) Delete(_ context.Context, id int64) error {
	delete(r.tx.st.alerts, id)
	return nil
}

type targetRepo struct{ s *Store }

func (r targetRepo) List(_ context.Context) ([]*ledger.MonitoredTarget, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*ledger.MonitoredTarget, 0, len(r.s.targets))
	for _, t := range r.s.targets {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}
