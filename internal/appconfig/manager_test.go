package appconfig

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLoadFetchesOnce(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/open-td/config.json" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"serverUrl":"/api","storageMode":"hybrid"}`))
	}))
	defer server.Close()

	manager := New(server.URL + "/open-td/")
	ctx := context.Background()

	first, err := manager.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if first.String("serverUrl") != "/api" {
		t.Fatalf("unexpected config: %+v", first)
	}

	for i := 0; i < 5; i++ {
		again, err := manager.Load(ctx)
		if err != nil {
			t.Fatalf("Load() #%d error = %v", i, err)
		}
		if again.String("storageMode") != "hybrid" {
			t.Fatalf("unexpected config: %+v", again)
		}
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected 1 request, got %d", got)
	}
}

func TestLoadConcurrentCallersShareFetch(t *testing.T) {
	var requests atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"version":3}`))
	}))
	defer server.Close()

	manager := New(server.URL + "/")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Config, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = manager.Load(context.Background())
		}(i)
	}
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if results[i]["version"] != float64(3) {
			t.Fatalf("caller %d config = %+v", i, results[i])
		}
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected 1 request, got %d", got)
	}
}

func TestLoadCancelledCallerDoesNotFailOthers(t *testing.T) {
	var requests atomic.Int32
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		_, _ = w.Write([]byte(`{"storageMode":"server"}`))
	}))
	defer server.Close()

	manager := New(server.URL + "/")

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := manager.Load(ctx)
		firstErr <- err
	}()
	<-arrived

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Load() error = %v, want context.Canceled", err)
	}

	type result struct {
		cfg Config
		err error
	}
	second := make(chan result, 1)
	go func() {
		cfg, err := manager.Load(context.Background())
		second <- result{cfg, err}
	}()
	close(release)

	got := <-second
	if got.err != nil {
		t.Fatalf("second Load() error = %v", got.err)
	}
	if got.cfg.String("storageMode") != "server" {
		t.Fatalf("unexpected config: %+v", got.cfg)
	}
	if n := requests.Load(); n != 1 {
		t.Fatalf("expected 1 request, got %d", n)
	}
}

func TestLoadNotOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := New(server.URL + "/").Load(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Failed to load config") {
		t.Fatalf("unexpected error message %q", err.Error())
	}
	var loadErr *LoadError
	if !errors.As(err, &loadErr) || loadErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected LoadError with 404, got %#v", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	_, err := New(server.URL + "/").Load(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "invalid character") {
		t.Fatalf("expected parser error, got %q", err.Error())
	}
}

func TestLoadRetriesAfterFailure(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	manager := New(server.URL + "/")
	if _, err := manager.Load(context.Background()); err == nil {
		t.Fatal("expected first load to fail")
	}
	cfg, err := manager.Load(context.Background())
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if !cfg.Bool("ok") {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, err := manager.Load(context.Background()); err != nil {
		t.Fatalf("third Load() error = %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
}

func TestURLUsesBaseDirectory(t *testing.T) {
	got, err := New("https://example.com/open-td/play").URL()
	if err != nil {
		t.Fatalf("URL() error = %v", err)
	}
	if got != "https://example.com/open-td/config.json" {
		t.Fatalf("URL() = %q", got)
	}
}
