package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

type Mode string

const (
	ModeMemory Mode = "memory"
	ModeFile   Mode = "file"
	ModeLowDB  Mode = "lowdb"
	ModeMongo  Mode = "mongo"
)

var (
	ErrUnknownMode     = errors.New("unknown storage mode")
	ErrMissingDatabase = errors.New("database handle required")
)

// ConfigError is returned by NewService when the requested mode cannot be
// built from the supplied options.
type ConfigError struct {
	Mode Mode
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("storage mode %q: %v", e.Mode, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func ParseMode(value string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(value))); mode {
	case ModeMemory, ModeFile, ModeLowDB, ModeMongo:
		return mode, nil
	default:
		return "", &ConfigError{Mode: mode, Err: ErrUnknownMode}
	}
}

type serviceOptions struct {
	baseDir   string
	documents DocumentStore
}

type ServiceOption func(*serviceOptions)

// WithBaseDir sets the directory used by the file and lowdb modes.
func WithBaseDir(dir string) ServiceOption {
	return func(o *serviceOptions) {
		o.baseDir = dir
	}
}

// WithDocumentStore supplies the live database handle the mongo mode needs.
func WithDocumentStore(store DocumentStore) ServiceOption {
	return func(o *serviceOptions) {
		o.documents = store
	}
}

// Service owns the one adapter selected for the process and forwards every
// call to it unchanged.
type Service struct {
	mode    Mode
	adapter Adapter
}

func NewService(mode Mode, opts ...ServiceOption) (*Service, error) {
	options := serviceOptions{baseDir: "./data"}
	for _, opt := range opts {
		opt(&options)
	}

	var (
		adapter Adapter
		err     error
	)
	switch mode {
	case ModeMemory:
		adapter = NewMemoryAdapter()
	case ModeFile:
		adapter, err = NewFileAdapter(filepath.Join(options.baseDir, "users"))
	case ModeLowDB:
		adapter, err = NewNormalizedAdapter(filepath.Join(options.baseDir, "db.json"))
	case ModeMongo:
		if options.documents == nil {
			return nil, &ConfigError{Mode: mode, Err: ErrMissingDatabase}
		}
		adapter = NewDocumentAdapter(options.documents)
	default:
		return nil, &ConfigError{Mode: mode, Err: ErrUnknownMode}
	}
	if err != nil {
		return nil, &ConfigError{Mode: mode, Err: err}
	}
	return &Service{mode: mode, adapter: adapter}, nil
}

// NewServiceWithAdapter wraps an already built adapter.
func NewServiceWithAdapter(mode Mode, adapter Adapter) *Service {
	return &Service{mode: mode, adapter: adapter}
}

func (s *Service) Mode() Mode { return s.mode }

func (s *Service) Save(ctx context.Context, userID, key string, value json.RawMessage) error {
	return s.adapter.Save(ctx, userID, key, value)
}

func (s *Service) Load(ctx context.Context, userID, key string) (*Record, error) {
	return s.adapter.Load(ctx, userID, key)
}

func (s *Service) Keys(ctx context.Context, userID string) ([]string, error) {
	return s.adapter.Keys(ctx, userID)
}

func (s *Service) Delete(ctx context.Context, userID, key string) error {
	return s.adapter.Delete(ctx, userID, key)
}

// Clear deletes every key the user has and reports how many were removed.
func (s *Service) Clear(ctx context.Context, userID string) (int, error) {
	keys, err := s.adapter.Keys(ctx, userID)
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := s.adapter.Delete(ctx, userID, key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

// Ping checks the adapter's medium when it has one to check.
func (s *Service) Ping(ctx context.Context) error {
	if pinger, ok := s.adapter.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}
