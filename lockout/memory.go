package lockout

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps lockout state per user behind a single mutex.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Load(ctx context.Context, userID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[userID]
	st.UserID = userID
	return st, nil
}

func (m *MemoryStore) RecordFailure(ctx context.Context, userID string, now time.Time, p Policy) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := applyFailure(m.states[userID], now, p)
	st.UserID = userID
	m.states[userID] = st
	return st, nil
}

func (m *MemoryStore) Reset(ctx context.Context, userID, stamp string) error {
	return m.update(ctx, userID, func(st *State) {
		st.FailedAttempts = 0
		st.LockoutUntil = time.Time{}
		if stamp != "" {
			st.SecurityStamp = stamp
		}
	})
}

func (m *MemoryStore) Unlock(ctx context.Context, userID string) error {
	return m.update(ctx, userID, func(st *State) {
		st.FailedAttempts = 0
		st.LockoutUntil = time.Time{}
	})
}

func (m *MemoryStore) EnsureStamp(ctx context.Context, userID, candidate string) (string, error) {
	var stamp string
	err := m.update(ctx, userID, func(st *State) {
		if st.SecurityStamp == "" {
			st.SecurityStamp = candidate
		}
		stamp = st.SecurityStamp
	})
	return stamp, err
}

func (m *MemoryStore) SetStamp(ctx context.Context, userID, stamp string) error {
	return m.update(ctx, userID, func(st *State) { st.SecurityStamp = stamp })
}

func (m *MemoryStore) update(ctx context.Context, userID string, fn func(*State)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[userID]
	st.UserID = userID
	fn(&st)
	m.states[userID] = st
	return nil
}
