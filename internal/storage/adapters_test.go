package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opentd/internal/storage"
	"opentd/internal/storage/storagetest"
)

func TestMemoryAdapterConformance(t *testing.T) {
	storagetest.Run(t, storagetest.Suite{
		New: func(t *testing.T) storage.Adapter { return storage.NewMemoryAdapter() },
	})
}

func TestFileAdapterConformance(t *testing.T) {
	storagetest.Run(t, storagetest.Suite{
		New: func(t *testing.T) storage.Adapter {
			adapter, err := storage.NewFileAdapter(t.TempDir())
			require.NoError(t, err)
			return adapter
		},
	})
}

func TestNormalizedAdapterConformance(t *testing.T) {
	storagetest.Run(t, storagetest.Suite{
		New: func(t *testing.T) storage.Adapter {
			adapter, err := storage.NewNormalizedAdapter(filepath.Join(t.TempDir(), "db.json"))
			require.NoError(t, err)
			return adapter
		},
		Keys: []string{storage.KeyUser, storage.KeyGameState, storage.KeyStats},
	})
}

func TestDocumentAdapterConformance(t *testing.T) {
	storagetest.Run(t, storagetest.Suite{
		New: func(t *testing.T) storage.Adapter { return storage.NewDocumentAdapter(newMapDocuments()) },
	})
}

func TestFileAdapterLayout(t *testing.T) {
	dir := t.TempDir()
	adapter, err := storage.NewFileAdapter(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, adapter.Save(ctx, "player-1", "progress", json.RawMessage(`{"wave":3}`)))
	require.NoError(t, adapter.Save(ctx, "player-1", "settings", json.RawMessage(`{"sound":false}`)))

	raw, err := os.ReadFile(filepath.Join(dir, "player-1.json"))
	require.NoError(t, err)

	var onDisk map[string]struct {
		Value     json.RawMessage `json:"value"`
		UpdatedAt string          `json:"updatedAt"`
	}
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Len(t, onDisk, 2)
	assert.JSONEq(t, `{"wave":3}`, string(onDisk["progress"].Value))
	assert.NotEmpty(t, onDisk["settings"].UpdatedAt)
}

func TestFileAdapterCorruptFileReadsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "u1.json"), []byte("{not json"), 0o644))
	adapter, err := storage.NewFileAdapter(dir)
	require.NoError(t, err)
	ctx := context.Background()

	keys, err := adapter.Keys(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, adapter.Save(ctx, "u1", "fresh", json.RawMessage(`true`)))
	record, err := adapter.Load(ctx, "u1", "fresh")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.JSONEq(t, `true`, string(record.Value))
}

func TestFileAdapterRejectsPathEscape(t *testing.T) {
	adapter, err := storage.NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	err = adapter.Save(context.Background(), "../evil", "k", json.RawMessage(`1`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrBackend))
}

func TestFileAdapterConcurrentSavesKeepEveryKey(t *testing.T) {
	adapter, err := storage.NewFileAdapter(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, adapter.Save(ctx, "u1", fmt.Sprintf("key-%02d", i), json.RawMessage(`1`)))
		}(i)
	}
	wg.Wait()

	keys, err := adapter.Keys(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, keys, writers)
}

func TestNormalizedAdapterRankingIsAppendOnly(t *testing.T) {
	adapter, err := storage.NewNormalizedAdapter(filepath.Join(t.TempDir(), "db.json"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, adapter.Save(ctx, "u1", storage.KeyRanking, json.RawMessage(`{"score":10}`)))
	require.NoError(t, adapter.Save(ctx, "u1", storage.KeyRanking, json.RawMessage(`{"score":25}`)))
	require.NoError(t, adapter.Save(ctx, "u2", storage.KeyRanking, json.RawMessage(`{"score":99}`)))

	record, err := adapter.Load(ctx, "u1", storage.KeyRanking)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.JSONEq(t, `[{"score":10},{"score":25}]`, string(record.Value))

	require.NoError(t, adapter.Delete(ctx, "u1", storage.KeyRanking))
	record, err = adapter.Load(ctx, "u1", storage.KeyRanking)
	require.NoError(t, err)
	assert.Nil(t, record)

	record, err = adapter.Load(ctx, "u2", storage.KeyRanking)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.JSONEq(t, `[{"score":99}]`, string(record.Value))
}

func TestNormalizedAdapterMetricsAreGlobal(t *testing.T) {
	adapter, err := storage.NewNormalizedAdapter(filepath.Join(t.TempDir(), "db.json"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, adapter.Save(ctx, "u1", "fps", json.RawMessage(`60`)))
	require.NoError(t, adapter.Save(ctx, "u2", "loadTime", json.RawMessage(`1.5`)))

	record, err := adapter.Load(ctx, "u3", "anything")
	require.NoError(t, err)
	require.NotNil(t, record)

	var entries []struct {
		UserID string          `json:"userId"`
		Key    string          `json:"key"`
		Value  json.RawMessage `json:"value"`
	}
	require.NoError(t, json.Unmarshal(record.Value, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "fps", entries[0].Key)
	assert.Equal(t, "loadTime", entries[1].Key)

	keys, err := adapter.Keys(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{storage.KeyMetric}, keys)

	keys, err = adapter.Keys(ctx, "u3")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestNormalizedAdapterFallbackDoesNotShadowCollections(t *testing.T) {
	adapter, err := storage.NewNormalizedAdapter(filepath.Join(t.TempDir(), "db.json"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, adapter.Save(ctx, "u1", "stats", json.RawMessage(`{"kills":4}`)))
	require.NoError(t, adapter.Save(ctx, "u1", "users", json.RawMessage(`"not the user collection"`)))
	require.NoError(t, adapter.Save(ctx, "u1", "Stats", json.RawMessage(`"case matters"`)))

	record, err := adapter.Load(ctx, "u1", "stats")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.JSONEq(t, `{"kills":4}`, string(record.Value))

	user, err := adapter.Load(ctx, "u1", storage.KeyUser)
	require.NoError(t, err)
	assert.Nil(t, user)

	keys, err := adapter.Keys(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{storage.KeyMetric, storage.KeyStats}, keys)
}

func TestNormalizedAdapterPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	adapter, err := storage.NewNormalizedAdapter(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, adapter.Save(ctx, "u1", storage.KeyGameState, json.RawMessage(`{"wave":12}`)))

	reopened, err := storage.NewNormalizedAdapter(path)
	require.NoError(t, err)
	record, err := reopened.Load(ctx, "u1", storage.KeyGameState)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.JSONEq(t, `{"wave":12}`, string(record.Value))
}

func TestNormalizedAdapterFailedWriteLeavesStateUnchanged(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	adapter, err := storage.NewNormalizedAdapter(filepath.Join(dir, "db.json"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, adapter.Save(ctx, "u1", storage.KeyGameState, json.RawMessage(`{"wave":1}`)))
	require.NoError(t, adapter.Save(ctx, "u1", storage.KeyRanking, json.RawMessage(`{"score":10}`)))
	before, err := adapter.Load(ctx, "u1", storage.KeyGameState)
	require.NoError(t, err)
	require.NotNil(t, before)

	// A plain file where the data directory was makes every write fail.
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o644))

	err = adapter.Save(ctx, "u2", storage.KeyGameState, json.RawMessage(`{"wave":99}`))
	require.ErrorIs(t, err, storage.ErrBackend)
	record, err := adapter.Load(ctx, "u2", storage.KeyGameState)
	require.NoError(t, err)
	assert.Nil(t, record)
	keys, err := adapter.Keys(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, keys)

	err = adapter.Save(ctx, "u1", storage.KeyGameState, json.RawMessage(`{"wave":99}`))
	require.ErrorIs(t, err, storage.ErrBackend)
	record, err = adapter.Load(ctx, "u1", storage.KeyGameState)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.JSONEq(t, `{"wave":1}`, string(record.Value))
	assert.Equal(t, before.UpdatedAt, record.UpdatedAt)

	err = adapter.Delete(ctx, "u1", storage.KeyRanking)
	require.ErrorIs(t, err, storage.ErrBackend)
	record, err = adapter.Load(ctx, "u1", storage.KeyRanking)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.JSONEq(t, `[{"score":10}]`, string(record.Value))
}

func TestDocumentAdapterHidesIdentityFields(t *testing.T) {
	docs := newMapDocuments()
	docs.setRaw("u1", storage.IdentityField, storage.Record{Value: json.RawMessage(`"u1"`)})
	docs.setRaw("u1", "_id", storage.Record{Value: json.RawMessage(`"abc"`)})
	adapter := storage.NewDocumentAdapter(docs)
	ctx := context.Background()

	require.NoError(t, adapter.Save(ctx, "u1", "progress", json.RawMessage(`1`)))
	keys, err := adapter.Keys(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"progress"}, keys)

	err = adapter.Save(ctx, "u1", "_id", json.RawMessage(`"x"`))
	assert.ErrorIs(t, err, storage.ErrReservedKey)
}

func TestDocumentAdapterWrapsHandleFailures(t *testing.T) {
	docs := newMapDocuments()
	docs.fail = errors.New("connection reset")
	adapter := storage.NewDocumentAdapter(docs)

	_, err := adapter.Keys(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrBackend)

	var backendErr *storage.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "keys", backendErr.Op)
}

// mapDocuments is an in-process DocumentStore.
type mapDocuments struct {
	mu   sync.Mutex
	docs map[string]map[string]storage.Record
	fail error
}

func newMapDocuments() *mapDocuments {
	return &mapDocuments{docs: make(map[string]map[string]storage.Record)}
}

func (m *mapDocuments) setRaw(userID, field string, record storage.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[userID] == nil {
		m.docs[userID] = make(map[string]storage.Record)
	}
	m.docs[userID][field] = record
}

func (m *mapDocuments) SetField(_ context.Context, userID, field string, record storage.Record) error {
	if m.fail != nil {
		return m.fail
	}
	m.setRaw(userID, field, record)
	return nil
}

func (m *mapDocuments) UnsetField(_ context.Context, userID, field string) error {
	if m.fail != nil {
		return m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[userID], field)
	return nil
}

func (m *mapDocuments) Field(_ context.Context, userID, field string) (*storage.Record, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.docs[userID][field]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (m *mapDocuments) Fields(_ context.Context, userID string) (map[string]storage.Record, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]storage.Record, len(m.docs[userID]))
	for field, record := range m.docs[userID] {
		out[field] = record
	}
	return out, nil
}
