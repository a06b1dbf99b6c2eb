package threat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryWindowStore keeps attempts in process memory.
type MemoryWindowStore struct {
	mu         sync.RWMutex
	byUsername map[string][]FailedAttempt
	bySource   map[string][]FailedAttempt
}

// NewMemoryWindowStore returns an empty MemoryWindowStore.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		byUsername: make(map[string][]FailedAttempt),
		bySource:   make(map[string][]FailedAttempt),
	}
}

func (m *MemoryWindowStore) Append(ctx context.Context, a FailedAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUsername[a.Username] = insertSorted(m.byUsername[a.Username], a)
	if a.SourceAddress != "" {
		m.bySource[a.SourceAddress] = insertSorted(m.bySource[a.SourceAddress], a)
	}
	return nil
}

func insertSorted(list []FailedAttempt, a FailedAttempt) []FailedAttempt {
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(a.Timestamp) })
	list = append(list, FailedAttempt{})
	copy(list[i+1:], list[i:])
	list[i] = a
	return list
}

func since(list []FailedAttempt, t time.Time) []FailedAttempt {
	i := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(t) })
	out := make([]FailedAttempt, len(list)-i)
	copy(out, list[i:])
	return out
}

func (m *MemoryWindowStore) ByUsername(ctx context.Context, username string, t time.Time) ([]FailedAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return since(m.byUsername[username], t), nil
}

func (m *MemoryWindowStore) BySource(ctx context.Context, source string, t time.Time) ([]FailedAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return since(m.bySource[source], t), nil
}

func (m *MemoryWindowStore) ActiveSubjects(ctx context.Context, t time.Time) ([]string, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return activeKeys(m.byUsername, t), activeKeys(m.bySource, t), nil
}

func activeKeys(index map[string][]FailedAttempt, t time.Time) []string {
	out := make([]string, 0)
	for k, list := range index {
		if n := len(list); n > 0 && !list[n-1].Timestamp.Before(t) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *MemoryWindowStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := pruneIndex(m.byUsername, before)
	pruneIndex(m.bySource, before)
	return n, nil
}

func pruneIndex(index map[string][]FailedAttempt, before time.Time) int {
	n := 0
	for k, list := range index {
		i := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(before) })
		n += i
		if i == len(list) {
			delete(index, k)
			continue
		}
		if i > 0 {
			index[k] = append([]FailedAttempt(nil), list[i:]...)
		}
	}
	return n
}

// MemoryAlertStore keeps alerts in process memory.
type MemoryAlertStore struct {
	mu     sync.Mutex
	alerts []Alert
	until  map[string]time.Time
}

// NewMemoryAlertStore returns an empty MemoryAlertStore.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{until: make(map[string]time.Time)}
}

func (m *MemoryAlertStore) Raise(ctx context.Context, a Alert, suppressFor time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := suppressionKey(a.Type, a.Subject)
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.until[key]; ok && a.Timestamp.Before(until) {
		return false, nil
	}
	m.until[key] = a.Timestamp.Add(suppressFor)
	i := sort.Search(len(m.alerts), func(i int) bool { return m.alerts[i].Timestamp.After(a.Timestamp) })
	m.alerts = append(m.alerts, Alert{})
	copy(m.alerts[i+1:], m.alerts[i:])
	m.alerts[i] = a
	return true, nil
}

func (m *MemoryAlertStore) List(ctx context.Context, t time.Time) ([]Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.alerts), func(i int) bool { return !m.alerts[i].Timestamp.Before(t) })
	out := make([]Alert, len(m.alerts)-i)
	copy(out, m.alerts[i:])
	return out, nil
}

func (m *MemoryAlertStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.alerts), func(i int) bool { return !m.alerts[i].Timestamp.Before(before) })
	m.alerts = append([]Alert(nil), m.alerts[i:]...)
	for k, until := range m.until {
		if until.Before(before) {
			delete(m.until, k)
		}
	}
	return i, nil
}
