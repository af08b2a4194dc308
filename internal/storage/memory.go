package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryAdapter keeps records in process memory. Nothing survives a restart.
type MemoryAdapter struct {
	mu    sync.RWMutex
	users map[string]map[string]Record
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{users: make(map[string]map[string]Record)}
}

func (m *MemoryAdapter) Save(_ context.Context, userID, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, ok := m.users[userID]
	if !ok {
		records = make(map[string]Record)
		m.users[userID] = records
	}
	records[key] = Record{Value: normalizeValue(value), UpdatedAt: now()}
	return nil
}

func (m *MemoryAdapter) Load(_ context.Context, userID, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.users[userID][key]
	if !ok {
		return nil, nil
	}
	return &Record{Value: normalizeValue(record.Value), UpdatedAt: record.UpdatedAt}, nil
}

func (m *MemoryAdapter) Keys(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.users[userID]))
	for key := range m.users[userID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryAdapter) Delete(_ context.Context, userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, ok := m.users[userID]
	if !ok {
		return nil
	}
	delete(records, key)
	if len(records) == 0 {
		delete(m.users, userID)
	}
	return nil
}
