package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const documentBackend = "mongo"

// IdentityField names the field of a user document that holds its owner.
const IdentityField = "userId"

// ErrReservedKey is returned for keys that collide with a document's
// identity fields.
var ErrReservedKey = errors.New("reserved key")

// DocumentStore is a live handle on a document database that keeps one
// document per user with a field per key.
type DocumentStore interface {
	SetField(ctx context.Context, userID, field string, record Record) error
	UnsetField(ctx context.Context, userID, field string) error
	Field(ctx context.Context, userID, field string) (*Record, error)
	Fields(ctx context.Context, userID string) (map[string]Record, error)
}

// Pinger is implemented by handles that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DocumentAdapter maps the key/value contract onto per-user documents: save
// upserts a field, delete unsets it and keys lists the fields.
type DocumentAdapter struct {
	store DocumentStore
}

func NewDocumentAdapter(store DocumentStore) *DocumentAdapter {
	return &DocumentAdapter{store: store}
}

func (d *DocumentAdapter) Save(ctx context.Context, userID, key string, value json.RawMessage) error {
	if isIdentityField(key) {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	record := Record{Value: normalizeValue(value), UpdatedAt: now()}
	if err := d.store.SetField(ctx, userID, key, record); err != nil {
		return backendError(documentBackend, "save", err)
	}
	return nil
}

func (d *DocumentAdapter) Load(ctx context.Context, userID, key string) (*Record, error) {
	if isIdentityField(key) {
		return nil, nil
	}
	record, err := d.store.Field(ctx, userID, key)
	if err != nil {
		return nil, backendError(documentBackend, "load", err)
	}
	return record, nil
}

func (d *DocumentAdapter) Keys(ctx context.Context, userID string) ([]string, error) {
	fields, err := d.store.Fields(ctx, userID)
	if err != nil {
		return nil, backendError(documentBackend, "keys", err)
	}
	keys := make([]string, 0, len(fields))
	for field := range fields {
		if isIdentityField(field) {
			continue
		}
		keys = append(keys, field)
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *DocumentAdapter) Delete(ctx context.Context, userID, key string) error {
	if isIdentityField(key) {
		return nil
	}
	if err := d.store.UnsetField(ctx, userID, key); err != nil {
		return backendError(documentBackend, "delete", err)
	}
	return nil
}

func (d *DocumentAdapter) Ping(ctx context.Context) error {
	if pinger, ok := d.store.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func isIdentityField(field string) bool {
	return field == IdentityField || strings.HasPrefix(field, "_")
}
