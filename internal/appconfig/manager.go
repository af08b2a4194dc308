// Package appconfig fetches the application's config.json once per process.
package appconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"opentd/internal/locator"
)

const DefaultFileName = "config.json"

const fetchTimeout = 30 * time.Second

// Config is the decoded config.json. It is treated as an opaque object; the
// helpers only read the handful of keys the sync client understands.
type Config map[string]any

func (c Config) String(key string) string {
	value, _ := c[key].(string)
	return value
}

func (c Config) Bool(key string) bool {
	value, _ := c[key].(bool)
	return value
}

// LoadError is returned when config.json answers with a non-success status.
type LoadError struct {
	StatusCode int
	StatusText string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("Failed to load config: %s", e.StatusText)
}

// Manager owns the one config fetch of the process. Construct it once at
// startup and hand it to whoever needs configuration.
type Manager struct {
	base     string
	fileName string
	client   *http.Client

	group  singleflight.Group
	mu     sync.RWMutex
	loaded Config
}

type Option func(*Manager)

func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.client = client
	}
}

func WithFileName(name string) Option {
	return func(m *Manager) {
		m.fileName = name
	}
}

// New creates a manager for the deployment rooted at base.
func New(base string, opts ...Option) *Manager {
	m := &Manager{
		base:     base,
		fileName: DefaultFileName,
		client:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load returns the configuration, fetching it on first use. Concurrent callers
// share one request. A successful result is kept for the life of the manager;
// a failure is returned to the callers that were waiting on it and the next
// call fetches again.
//
// The shared request is not tied to any one caller: a caller whose ctx ends
// stops waiting with ctx.Err() while the fetch continues for the others,
// bounded by fetchTimeout.
func (m *Manager) Load(ctx context.Context) (Config, error) {
	if cfg, ok := m.cached(); ok {
		return cfg, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(m.fileName, func() (any, error) {
		if cfg, ok := m.cached(); ok {
			return cfg, nil
		}
		fetchCtx, cancel := context.WithTimeout(detached, fetchTimeout)
		defer cancel()
		cfg, err := m.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.loaded = cfg
		m.mu.Unlock()
		return cfg, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Config), nil
	}
}

// URL reports where config.json is fetched from.
func (m *Manager) URL() (string, error) {
	return locator.Resolve(m.base, m.fileName)
}

func (m *Manager) cached() (Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded, m.loaded != nil
}

func (m *Manager) fetch(ctx context.Context) (Config, error) {
	target, err := m.URL()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build config request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &LoadError{StatusCode: resp.StatusCode, StatusText: statusText(resp)}
	}

	cfg := Config{}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Config{}
	}
	return cfg, nil
}

func statusText(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}
