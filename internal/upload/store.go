package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lgulliver/waypoint/pkg/types"
)

// SessionStore keeps upload session records. Get returns an error wrapping
// types.ErrNotFound for unknown tokens.
type SessionStore interface {
	Create(ctx context.Context, session *types.UploadSession) error
	Get(ctx context.Context, token string) (*types.UploadSession, error)
	Save(ctx context.Context, session *types.UploadSession) error
	Delete(ctx context.Context, token string) error
	// Expired returns stored sessions whose ExpiresAt is before now. Stores
	// that evict on their own may return nothing.
	Expired(ctx context.Context, now time.Time) ([]*types.UploadSession, error)
}

// MemoryStore is a process-local SessionStore. Records stay until deleted,
// so expired sessions are reported by Get until the reaper removes them.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.UploadSession
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*types.UploadSession)}
}

func (m *MemoryStore) Create(ctx context.Context, session *types.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.Token]; ok {
		return fmt.Errorf("upload session %s already exists", session.Token)
	}
	m.sessions[session.Token] = session.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, token string) (*types.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[token]
	if !ok {
		return nil, fmt.Errorf("upload session %s: %w", token, types.ErrNotFound)
	}
	return session.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, session *types.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.Token]; !ok {
		return fmt.Errorf("upload session %s: %w", session.Token, types.ErrNotFound)
	}
	m.sessions[session.Token] = session.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, token)
	return nil
}

func (m *MemoryStore) Expired(ctx context.Context, now time.Time) ([]*types.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*types.UploadSession
	for _, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			expired = append(expired, session.Clone())
		}
	}
	return expired, nil
}

// Len returns the number of stored sessions
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
