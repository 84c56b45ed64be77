package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/ledger"
)

// Store persists scheduled payments.
type Store interface {
	Create(ctx context.Context, p *ScheduledPayment) error
	Get(ctx context.Context, id string) (*ScheduledPayment, error)
	Update(ctx context.Context, p *ScheduledPayment) error
	List(ctx context.Context, f Filter) ([]*ScheduledPayment, error)
	// ListDue returns enabled, non-terminal payments whose next
	// execution time is at or before now, oldest due first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledPayment, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*ScheduledPayment
	order    []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*ScheduledPayment)}
}

func (m *MemoryStore) Create(ctx context.Context, p *ScheduledPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return ledger.Errorf(ledger.CodeStorage, "scheduled payment %s already exists", p.ID)
	}
	cp := clonePayment(p)
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.payments[cp.ID] = cp
	m.order = append(m.order, cp.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*ScheduledPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ledger.ErrScheduleNotFound
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) Update(ctx context.Context, p *ScheduledPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ledger.ErrScheduleNotFound
	}
	cp := clonePayment(p)
	cp.UpdatedAt = time.Now()
	m.payments[cp.ID] = cp
	p.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*ScheduledPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var result []*ScheduledPayment
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		p := m.payments[m.order[i]]
		if f.AccountID != "" && p.From != f.AccountID && p.To != f.AccountID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		result = append(result, clonePayment(p))
	}
	return result, nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var due []*ScheduledPayment
	for _, id := range m.order {
		p := m.payments[id]
		if !p.Enabled || p.terminal() || p.NextExecuteAt == nil {
			continue
		}
		if p.NextExecuteAt.After(now) {
			continue
		}
		due = append(due, clonePayment(p))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextExecuteAt.Before(*due[j].NextExecuteAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func clonePayment(p *ScheduledPayment) *ScheduledPayment {
	cp := *p
	if p.Meta != nil {
		cp.Meta = make(map[string]string, len(p.Meta))
		for k, v := range p.Meta {
			cp.Meta[k] = v
		}
	}
	if p.NextExecuteAt != nil {
		t := *p.NextExecuteAt
		cp.NextExecuteAt = &t
	}
	if p.LastExecutedAt != nil {
		t := *p.LastExecutedAt
		cp.LastExecutedAt = &t
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		cp.ExpiresAt = &t
	}
	if p.Schedule.ExecuteAt != nil {
		t := *p.Schedule.ExecuteAt
		cp.Schedule.ExecuteAt = &t
	}
	return &cp
}
