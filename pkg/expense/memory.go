package expense

import (
	"context"
	"sort"
	"sync"

	"expense-reports/pkg/job"
)

// MemorySource is a map-backed Source used by the memory backend and tests.
type MemorySource struct {
	mu       sync.RWMutex
	users    map[string]User
	expenses []Expense
}

func NewMemorySource() *MemorySource {
	return &MemorySource{users: make(map[string]User)}
}

func (m *MemorySource) AddUser(u User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

func (m *MemorySource) AddExpense(e Expense) {
	m.mu.Lock()
	m.expenses = append(m.expenses, e)
	m.mu.Unlock()
}

func (m *MemorySource) User(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return &u, nil
}

func (m *MemorySource) ForUser(_ context.Context, userID string, f job.Filter) ([]Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Expense
	for _, e := range m.expenses {
		if !f.Contains(e.Date) {
			continue
		}
		if e.Payer.ID == userID || participates(e, userID) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}
