package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore holds accounts in process memory. It backs the server when no
// DATABASE_URL is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]User
	byUsername map[string]string
	reports    map[string][]ErrorReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]User),
		byUsername: make(map[string]string),
		reports:    make(map[string][]ErrorReport),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byUsername[user.Username]; taken {
		return User{}, ErrUsernameTaken
	}
	stamp := time.Now().UTC()
	user.CreatedAt = stamp
	user.UpdatedAt = stamp
	s.users[user.ID] = user
	s.byUsername[user.Username] = user.ID
	return user, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, userID string, progress Progress) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	if progress.XP != nil {
		user.XP = *progress.XP
	}
	if progress.Level != nil {
		user.Level = *progress.Level
	}
	user.UpdatedAt = time.Now().UTC()
	s.users[userID] = user
	return user, nil
}

func (s *MemoryStore) AppendErrorReport(_ context.Context, userID string, report ErrorReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	reports := append(s.reports[userID], report)
	if len(reports) > MaxErrorReports {
		reports = append([]ErrorReport(nil), reports[len(reports)-MaxErrorReports:]...)
	}
	s.reports[userID] = reports
	return nil
}

func (s *MemoryStore) ListErrorReports(_ context.Context, userID string) ([]ErrorReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, ErrNotFound
	}
	return append([]ErrorReport{}, s.reports[userID]...), nil
}
