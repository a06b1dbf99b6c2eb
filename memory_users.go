package authcore

import (
	"context"
	"errors"
	"sync"
)

// MemoryUserProvider is an in-process [UserProvider] for tests and the
// development server.
type MemoryUserProvider struct {
	mu           sync.RWMutex
	byID         map[string]UserRecord
	byIdentifier map[string]string
}

func NewMemoryUserProvider() *MemoryUserProvider {
	return &MemoryUserProvider{
		byID:         make(map[string]UserRecord),
		byIdentifier: make(map[string]string),
	}
}

// Put inserts or replaces rec.
func (m *MemoryUserProvider) Put(rec UserRecord) error {
	if rec.UserID == "" || rec.Identifier == "" {
		return errors.New("user id and identifier are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byID[rec.UserID]; ok {
		delete(m.byIdentifier, old.Identifier)
	}
	m.byID[rec.UserID] = rec
	m.byIdentifier[rec.Identifier] = rec.UserID
	return nil
}

func (m *MemoryUserProvider) GetUserByIdentifier(ctx context.Context, identifier string) (UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return UserRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIdentifier[identifier]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return m.byID[id], nil
}

func (m *MemoryUserProvider) GetUserByID(ctx context.Context, userID string) (UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return UserRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return rec, nil
}

func (m *MemoryUserProvider) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	rec.PasswordHash = hash
	m.byID[userID] = rec
	return nil
}
