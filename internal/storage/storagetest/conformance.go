// Package storagetest holds the behaviour every storage.Adapter must share.
package storagetest

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opentd/internal/storage"
)

// Suite describes one backend under test. Keys are the key names the suite
// saves under; backends that dispatch on key names pass the names they
// accept as plain records. At least three are required.
type Suite struct {
	New  func(t *testing.T) storage.Adapter
	Keys []string
}

// DefaultKeys works for every backend that stores keys verbatim.
var DefaultKeys = []string{"level-1", "settings", "a key/with?chars"}

func Run(t *testing.T, suite Suite) {
	t.Helper()
	keys := suite.Keys
	if len(keys) == 0 {
		keys = DefaultKeys
	}
	require.GreaterOrEqual(t, len(keys), 3, "suite needs at least three keys")

	t.Run("SaveThenLoad", func(t *testing.T) {
		adapter := suite.New(t)
		ctx := context.Background()
		before := time.Now().Add(-time.Millisecond)

		require.NoError(t, adapter.Save(ctx, "u1", keys[0], json.RawMessage(`{"wave":7,"gold":120}`)))

		record, err := adapter.Load(ctx, "u1", keys[0])
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.JSONEq(t, `{"wave":7,"gold":120}`, string(record.Value))
		assert.False(t, record.UpdatedAt.Before(before), "updatedAt %v before save time %v", record.UpdatedAt, before)
	})

	t.Run("SaveReplacesWholeValue", func(t *testing.T) {
		adapter := suite.New(t)
		ctx := context.Background()

		require.NoError(t, adapter.Save(ctx, "u1", keys[0], json.RawMessage(`{"a":1,"b":2}`)))
		first, err := adapter.Load(ctx, "u1", keys[0])
		require.NoError(t, err)
		require.NotNil(t, first)

		require.NoError(t, adapter.Save(ctx, "u1", keys[0], json.RawMessage(`{"c":3}`)))
		second, err := adapter.Load(ctx, "u1", keys[0])
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.JSONEq(t, `{"c":3}`, string(second.Value))
		assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
	})

	t.Run("LoadMissing", func(t *testing.T) {
		adapter := suite.New(t)
		record, err := adapter.Load(context.Background(), "u1", keys[1])
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("DeleteThenLoad", func(t *testing.T) {
		adapter := suite.New(t)
		ctx := context.Background()

		require.NoError(t, adapter.Save(ctx, "u1", keys[1], json.RawMessage(`"hello"`)))
		require.NoError(t, adapter.Delete(ctx, "u1", keys[1]))

		record, err := adapter.Load(ctx, "u1", keys[1])
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		adapter := suite.New(t)
		ctx := context.Background()
		assert.NoError(t, adapter.Delete(ctx, "nobody", keys[2]))
		require.NoError(t, adapter.Save(ctx, "u1", keys[0], json.RawMessage(`1`)))
		assert.NoError(t, adapter.Delete(ctx, "u1", keys[2]))
	})

	t.Run("KeysEmpty", func(t *testing.T) {
		adapter := suite.New(t)
		got, err := adapter.Keys(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("KeysScopedToUser", func(t *testing.T) {
		adapter := suite.New(t)
		ctx := context.Background()

		for i, key := range keys {
			require.NoError(t, adapter.Save(ctx, "u1", key, json.RawMessage(`{"i":`+itoa(i)+`}`)))
		}
		require.NoError(t, adapter.Save(ctx, "u2", keys[0], json.RawMessage(`"other"`)))
		require.NoError(t, adapter.Delete(ctx, "u2", keys[1]))

		got, err := adapter.Keys(ctx, "u1")
		require.NoError(t, err)
		want := append([]string(nil), keys...)
		sort.Strings(want)
		sort.Strings(got)
		assert.Equal(t, want, got)

		other, err := adapter.Keys(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, []string{keys[0]}, other)

		record, err := adapter.Load(ctx, "u1", keys[0])
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.JSONEq(t, `{"i":0}`, string(record.Value))
	})

	t.Run("DeleteLeavesOtherUsers", func(t *testing.T) {
		adapter := suite.New(t)
		ctx := context.Background()

		require.NoError(t, adapter.Save(ctx, "u1", keys[0], json.RawMessage(`"mine"`)))
		require.NoError(t, adapter.Save(ctx, "u2", keys[0], json.RawMessage(`"theirs"`)))
		require.NoError(t, adapter.Delete(ctx, "u2", keys[0]))

		record, err := adapter.Load(ctx, "u1", keys[0])
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.JSONEq(t, `"mine"`, string(record.Value))
	})
}

func itoa(i int) string {
	raw, _ := json.Marshal(i)
	return string(raw)
}
