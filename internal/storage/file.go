package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fileBackend = "file"

// FileAdapter stores one JSON document per user at <baseDir>/<userID>.json,
// a flat object of key -> {value, updatedAt}. Writes for the same user are
// serialized so concurrent saves do not drop each other's keys.
type FileAdapter struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewFileAdapter(baseDir string) (*FileAdapter, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, backendError(fileBackend, "init", err)
	}
	return &FileAdapter{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (f *FileAdapter) Save(_ context.Context, userID, key string, value json.RawMessage) error {
	path, err := f.userPath(userID)
	if err != nil {
		return backendError(fileBackend, "save", err)
	}
	lock := f.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	records, err := readUserFile(path)
	if err != nil {
		return backendError(fileBackend, "save", err)
	}
	records[key] = Record{Value: normalizeValue(value), UpdatedAt: now()}
	if err := writeUserFile(path, records); err != nil {
		return backendError(fileBackend, "save", err)
	}
	return nil
}

func (f *FileAdapter) Load(_ context.Context, userID, key string) (*Record, error) {
	path, err := f.userPath(userID)
	if err != nil {
		return nil, backendError(fileBackend, "load", err)
	}
	records, err := readUserFile(path)
	if err != nil {
		return nil, backendError(fileBackend, "load", err)
	}
	record, ok := records[key]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (f *FileAdapter) Keys(_ context.Context, userID string) ([]string, error) {
	path, err := f.userPath(userID)
	if err != nil {
		return nil, backendError(fileBackend, "keys", err)
	}
	records, err := readUserFile(path)
	if err != nil {
		return nil, backendError(fileBackend, "keys", err)
	}
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileAdapter) Delete(_ context.Context, userID, key string) error {
	path, err := f.userPath(userID)
	if err != nil {
		return backendError(fileBackend, "delete", err)
	}
	lock := f.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	records, err := readUserFile(path)
	if err != nil {
		return backendError(fileBackend, "delete", err)
	}
	if _, ok := records[key]; !ok {
		return nil
	}
	delete(records, key)
	if err := writeUserFile(path, records); err != nil {
		return backendError(fileBackend, "delete", err)
	}
	return nil
}

func (f *FileAdapter) userPath(userID string) (string, error) {
	if userID == "" || userID == "." || userID == ".." || strings.ContainsAny(userID, `/\`) {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	return filepath.Join(f.baseDir, userID+".json"), nil
}

func (f *FileAdapter) userLock(userID string) *sync.Mutex {
	f.lockMu.Lock()
	defer f.lockMu.Unlock()
	lock, ok := f.locks[userID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	f.locks[userID] = lock
	return lock
}

// readUserFile treats a missing or unparsable file as an empty map.
func readUserFile(path string) (map[string]Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]Record), nil
	}
	if err != nil {
		return nil, err
	}
	records := make(map[string]Record)
	if err := json.Unmarshal(data, &records); err != nil || records == nil {
		return make(map[string]Record), nil
	}
	return records, nil
}

func writeUserFile(path string, records map[string]Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
