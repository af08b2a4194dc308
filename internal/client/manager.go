// Package client is the sync side of the storage API: it decides, per storage
// mode, whether values live on the device, on the server, or both.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"opentd/internal/locator"
)

type Mode string

const (
	ModeLocal  Mode = "local"
	ModeServer Mode = "server"
	ModeHybrid Mode = "hybrid"
)

const DefaultServerRoot = "api"

var (
	ErrUnknownMode  = errors.New("unknown storage mode")
	ErrMissingToken = errors.New("auth token required in server mode")
)

// StatusError reports a non-success answer from the storage API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("storage api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("storage api: status %d: %s", e.StatusCode, e.Message)
}

// Manager is safe for concurrent use. Calls are not queued, so two in-flight
// saves of the same key may land in either order.
type Manager struct {
	base   string
	local  LocalStore
	client *http.Client
	log    logrus.FieldLogger

	mu         sync.RWMutex
	mode       Mode
	serverRoot string
}

type Option func(*Manager)

func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.client = client
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// New creates a manager in local mode for the deployment rooted at base.
func New(base string, local LocalStore, opts ...Option) *Manager {
	m := &Manager{
		base:       base,
		local:      local,
		client:     http.DefaultClient,
		log:        logrus.StandardLogger(),
		mode:       ModeLocal,
		serverRoot: DefaultServerRoot,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(value)))
	switch mode {
	case ModeLocal, ModeServer, ModeHybrid:
		return mode, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, value)
}

// SetServerURL sets the API root: a bare path ("/api"), a path relative to the
// deployment ("api"), or a full origin ("https://api.example.com").
func (m *Manager) SetServerURL(root string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverRoot = root
}

func (m *Manager) ServerURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serverRoot
}

func (m *Manager) SetStorageMode(value string) error {
	mode, err := ParseMode(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

func (m *Manager) StorageMode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

func (m *Manager) endpoint(route string) (string, error) {
	return locator.Endpoint(m.base, m.ServerURL(), route)
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Value   json.RawMessage `json:"value"`
	Keys    []string        `json:"keys"`
	Deleted int             `json:"deleted"`
}

func (m *Manager) do(ctx context.Context, method, target, token string, body any) (int, apiResponse, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, apiResponse{}, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, apiResponse{}, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, apiResponse{}, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, decoded, nil
}

// SaveToServer posts {key, value} to the storage API and reports the server's
// success flag. Transport failures return false with the error.
func (m *Manager) SaveToServer(ctx context.Context, key string, value json.RawMessage, token string) (bool, error) {
	target, err := m.endpoint("/storage/save")
	if err != nil {
		return false, err
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	status, resp, err := m.do(ctx, http.MethodPost, target, token, map[string]any{"key": key, "value": value})
	if err != nil {
		return false, err
	}
	if status >= http.StatusBadRequest && !resp.Success {
		return false, &StatusError{StatusCode: status, Message: resp.Message}
	}
	return resp.Success, nil
}

// LoadFromServer returns the stored value for key, or nil when the server has
// none.
func (m *Manager) LoadFromServer(ctx context.Context, key, token string) (json.RawMessage, error) {
	target, err := m.endpoint("/storage/load")
	if err != nil {
		return nil, err
	}
	status, resp, err := m.do(ctx, http.MethodGet, locator.WithQuery(target, "key", key), token, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= http.StatusBadRequest || !resp.Success {
		return nil, &StatusError{StatusCode: status, Message: resp.Message}
	}
	return resp.Value, nil
}

func (m *Manager) KeysFromServer(ctx context.Context, token string) ([]string, error) {
	target, err := m.endpoint("/storage/keys")
	if err != nil {
		return nil, err
	}
	status, resp, err := m.do(ctx, http.MethodGet, target, token, nil)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest || !resp.Success {
		return nil, &StatusError{StatusCode: status, Message: resp.Message}
	}
	if resp.Keys == nil {
		resp.Keys = []string{}
	}
	return resp.Keys, nil
}

func (m *Manager) clearServer(ctx context.Context, token string) (int, error) {
	target, err := m.endpoint("/storage/clear")
	if err != nil {
		return 0, err
	}
	status, resp, err := m.do(ctx, http.MethodPost, target, token, nil)
	if err != nil {
		return 0, err
	}
	if status >= http.StatusBadRequest || !resp.Success {
		return 0, &StatusError{StatusCode: status, Message: resp.Message}
	}
	return resp.Deleted, nil
}

// ClearAllData wipes local storage. In hybrid mode with a token it also clears
// the caller's data on the server.
func (m *Manager) ClearAllData(ctx context.Context, token string) error {
	if err := m.local.Clear(ctx); err != nil {
		return fmt.Errorf("clear local: %w", err)
	}
	if m.StorageMode() != ModeHybrid || token == "" {
		return nil
	}
	deleted, err := m.clearServer(ctx, token)
	if err != nil {
		return fmt.Errorf("clear server: %w", err)
	}
	m.log.WithField("deleted", deleted).Debug("cleared server storage")
	return nil
}

// Save writes value according to the storage mode. In hybrid mode the local
// write is authoritative and a failed server write is only logged.
func (m *Manager) Save(ctx context.Context, key string, value json.RawMessage, token string) error {
	switch m.StorageMode() {
	case ModeServer:
		if token == "" {
			return ErrMissingToken
		}
		ok, err := m.SaveToServer(ctx, key, value, token)
		if err != nil {
			return err
		}
		if !ok {
			return &StatusError{StatusCode: http.StatusOK, Message: "save not acknowledged"}
		}
		return nil
	case ModeHybrid:
		if err := m.local.Set(ctx, key, value); err != nil {
			return fmt.Errorf("save local: %w", err)
		}
		if token == "" {
			return nil
		}
		if ok, err := m.SaveToServer(ctx, key, value, token); err != nil || !ok {
			m.log.WithError(err).WithField("key", key).Warn("server save failed, kept local copy")
		}
		return nil
	default:
		return m.local.Set(ctx, key, value)
	}
}

// Load reads key according to the storage mode. Hybrid mode prefers the
// server and falls back to the local copy on a miss or failure.
func (m *Manager) Load(ctx context.Context, key, token string) (json.RawMessage, error) {
	switch m.StorageMode() {
	case ModeServer:
		if token == "" {
			return nil, ErrMissingToken
		}
		return m.LoadFromServer(ctx, key, token)
	case ModeHybrid:
		if token != "" {
			value, err := m.LoadFromServer(ctx, key, token)
			if err == nil && value != nil {
				return value, nil
			}
			if err != nil {
				m.log.WithError(err).WithField("key", key).Warn("server load failed, using local copy")
			}
		}
		return m.local.Get(ctx, key)
	default:
		return m.local.Get(ctx, key)
	}
}

// Keys lists keys from wherever the mode reads from; hybrid lists the server's
// keys when a token is present.
func (m *Manager) Keys(ctx context.Context, token string) ([]string, error) {
	switch m.StorageMode() {
	case ModeServer:
		if token == "" {
			return nil, ErrMissingToken
		}
		return m.KeysFromServer(ctx, token)
	case ModeHybrid:
		if token != "" {
			keys, err := m.KeysFromServer(ctx, token)
			if err == nil {
				return keys, nil
			}
			m.log.WithError(err).Warn("server keys failed, using local keys")
		}
		return m.local.Keys(ctx)
	default:
		return m.local.Keys(ctx)
	}
}
