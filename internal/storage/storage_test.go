package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kvImplementations(t *testing.T) map[string]KV {
	t.Helper()
	fileKV, err := NewFileKV(filepath.Join(t.TempDir(), "kv"))
	require.NoError(t, err)
	return map[string]KV{
		"memory": NewMemoryKV(),
		"file":   fileKV,
	}
}

// TestKV_Contract runs the same contract against every implementation.
func TestKV_Contract(t *testing.T) {
	ctx := context.Background()

	for name, kv := range kvImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := kv.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, kv.Set(ctx, KeyActionQueue, `[]`))
			require.NoError(t, kv.Set(ctx, KeyLedgerPrefix+"a1", `[1]`))
			require.NoError(t, kv.Set(ctx, KeyLedgerPrefix+"a2", `[2]`))
			require.NoError(t, kv.Set(ctx, KeyLedgerPrefix+"a1", `[1,1]`))

			v, ok, err := kv.Get(ctx, KeyLedgerPrefix+"a1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, `[1,1]`, v)

			keys, err := kv.Keys(ctx, KeyLedgerPrefix)
			require.NoError(t, err)
			assert.Equal(t, []string{KeyLedgerPrefix + "a1", KeyLedgerPrefix + "a2"}, keys)

			require.NoError(t, kv.Remove(ctx, KeyLedgerPrefix+"a2"))
			require.NoError(t, kv.Remove(ctx, KeyLedgerPrefix+"a2"))
			_, ok, err = kv.Get(ctx, KeyLedgerPrefix+"a2")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

// TestFileKV_SurvivesReopen verifies values are read back by a new instance.
func TestFileKV_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileKV(dir)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "k", "v"))

	second, err := NewFileKV(dir)
	require.NoError(t, err)
	v, ok, err := second.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestJSONHelpers verifies typed round trips and error codes.
func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	var out []int
	ok, err := GetJSON(ctx, kv, "nums", &out)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := SetJSON(ctx, kv, "nums", []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, len("[1,2,3]"), n)

	ok, err = GetJSON(ctx, kv, "nums", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, out)

	require.NoError(t, kv.Set(ctx, "broken", "{not json"))
	_, err = GetJSON(ctx, kv, "broken", &out)
	assert.True(t, apperrors.Is(err, apperrors.ErrCorrupted))

	kv.SetFailWrites(errors.New("disk full"))
	_, err = SetJSON(ctx, kv, "nums", []int{4})
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))
}
