// Package storage keeps user-scoped key/value save data behind one contract
// that every backend implements the same way.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is the stored form of one value.
type Record struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Adapter is implemented by every storage backend. Load returns nil, nil for a
// key that was never saved; Delete of a missing key is not an error.
type Adapter interface {
	Save(ctx context.Context, userID, key string, value json.RawMessage) error
	Load(ctx context.Context, userID, key string) (*Record, error)
	Keys(ctx context.Context, userID string) ([]string, error)
	Delete(ctx context.Context, userID, key string) error
}

// ErrBackend matches every BackendError through errors.Is.
var ErrBackend = errors.New("storage backend failure")

// BackendError reports a failure of the medium behind an adapter.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackend }

func backendError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *BackendError
	if errors.As(err, &existing) {
		return err
	}
	return &BackendError{Backend: backend, Op: op, Err: err}
}

var now = func() time.Time { return time.Now().UTC() }

func normalizeValue(value json.RawMessage) json.RawMessage {
	if len(value) == 0 {
		return json.RawMessage("null")
	}
	out := make(json.RawMessage, len(value))
	copy(out, value)
	return out
}
