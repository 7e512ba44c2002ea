package bridge

import (
	"context"
	"sync"

	"github.com/hpungsan/ankipanel/internal/db"
	"github.com/hpungsan/ankipanel/internal/session"
)

// Storage is the durable side of a simulated host.
type Storage interface {
	Load(ctx context.Context) ([]session.Session, error)
	Save(ctx context.Context, sessions []session.Session) (*db.SaveResult, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStorage keeps sessions in memory with the same save rules as the
// database: an empty list never overwrites a non-empty one.
type MemoryStorage struct {
	mu       sync.Mutex
	sessions []session.Session
	saves    int
}

// NewMemoryStorage returns empty storage.
func NewMemoryStorage(initial ...session.Session) *MemoryStorage {
	return &MemoryStorage{sessions: session.CloneAll(initial)}
}

// Load implements Storage.
func (m *MemoryStorage) Load(_ context.Context) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := session.CloneAll(m.sessions)
	if out == nil {
		out = []session.Session{}
	}
	return out, nil
}

// Save implements Storage.
func (m *MemoryStorage) Save(_ context.Context, sessions []session.Session) (*db.SaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if len(sessions) == 0 && len(m.sessions) > 0 {
		return &db.SaveResult{Skipped: true}, nil
	}
	m.sessions = session.CloneAll(sessions)
	return &db.SaveResult{Saved: len(sessions)}, nil
}

// Delete implements Storage.
func (m *MemoryStorage) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sessions {
		if s.ID == id {
			m.sessions = append(m.sessions[:i:i], m.sessions[i+1:]...)
			return nil
		}
	}
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStorage) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
