package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps sessions in process memory. It is safe for
// concurrent use.
type MemoryRepository struct {
	mu        sync.RWMutex
	seq       uint64
	sessions  map[string]*memoryEntry
	byUser    map[string]map[string]struct{}
	byRefresh map[[32]byte]string
}

type memoryEntry struct {
	sess *Session
	seq  uint64
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:  make(map[string]*memoryEntry),
		byUser:    make(map[string]map[string]struct{}),
		byRefresh: make(map[[32]byte]string),
	}
}

func (m *MemoryRepository) Insert(ctx context.Context, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.sessions[sess.ID] = &memoryEntry{sess: sess.clone(), seq: m.seq}
	ids, ok := m.byUser[sess.UserID]
	if !ok {
		ids = make(map[string]struct{})
		m.byUser[sess.UserID] = ids
	}
	ids[sess.ID] = struct{}{}
	if sess.RefreshHash != ([32]byte{}) {
		m.byRefresh[sess.RefreshHash] = sess.ID
	}
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.sess.clone(), nil
}

func (m *MemoryRepository) FindByRefreshHash(ctx context.Context, hash [32]byte) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRefresh[hash]
	if !ok {
		return nil, ErrNotFound
	}
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.sess.clone(), nil
}

func (m *MemoryRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		e := m.sessions[id]
		if e != nil && e.sess.ActiveAt(now) {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].sess.IssuedAt, entries[j].sess.IssuedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]*Session, len(entries))
	for i, e := range entries {
		out[i] = e.sess.clone()
	}
	return out, nil
}

func (m *MemoryRepository) MarkClosed(ctx context.Context, id, reason string, at time.Time) (AccessBinding, bool, error) {
	if err := ctx.Err(); err != nil {
		return AccessBinding{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || e.sess.Revoked {
		return AccessBinding{}, false, nil
	}
	e.sess.Revoked = true
	e.sess.RevokedReason = reason
	e.sess.ClosedAt = at
	return AccessBinding{TokenID: e.sess.AccessTokenID, ExpiresAt: e.sess.AccessExpiresAt}, true, nil
}

func (m *MemoryRepository) Touch(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(e.sess.LastActivityAt) {
		e.sess.LastActivityAt = at
	}
	return nil
}

func (m *MemoryRepository) ReplaceAccessToken(ctx context.Context, id, tokenID string, expiresAt time.Time) (string, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return "", time.Time{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return "", time.Time{}, ErrNotFound
	}
	if e.sess.Revoked {
		return "", time.Time{}, ErrClosed
	}
	prevID, prevExp := e.sess.AccessTokenID, e.sess.AccessExpiresAt
	e.sess.AccessTokenID = tokenID
	e.sess.AccessExpiresAt = expiresAt
	return prevID, prevExp, nil
}

func (m *MemoryRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.sessions {
		if !e.sess.ExpiresAt.Before(cutoff) {
			continue
		}
		delete(m.sessions, id)
		if ids := m.byUser[e.sess.UserID]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(m.byUser, e.sess.UserID)
			}
		}
		if m.byRefresh[e.sess.RefreshHash] == id {
			delete(m.byRefresh, e.sess.RefreshHash)
		}
		n++
	}
	return n, nil
}
