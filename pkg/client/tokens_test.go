package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStores(t *testing.T) {
	file, err := NewFileTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	require.NoError(t, err)

	stores := map[string]TokenStore{
		"memory": NewMemoryTokenStore(),
		"file":   file,
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			v, err := store.Get(KeyAuthToken)
			require.NoError(t, err)
			assert.Empty(t, v)

			require.NoError(t, store.Set(KeyAuthToken, "a"))
			require.NoError(t, store.Set(KeyRefreshToken, "r"))
			v, _ = store.Get(KeyAuthToken)
			assert.Equal(t, "a", v)

			require.NoError(t, store.Set(KeyAuthToken, "b"))
			v, _ = store.Get(KeyAuthToken)
			assert.Equal(t, "b", v)

			require.NoError(t, store.Remove(KeyAuthToken))
			v, _ = store.Get(KeyAuthToken)
			assert.Empty(t, v)
			v, _ = store.Get(KeyRefreshToken)
			assert.Equal(t, "r", v)

			require.NoError(t, store.Remove("missing"))
		})
	}
}

func TestFileTokenStore_FileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	store, err := NewFileTokenStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(KeyAuthToken, "a"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"authToken":"a"}`, string(data))
}

func TestFileTokenStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store, err := NewFileTokenStore(path)
	require.NoError(t, err)
	_, err = store.Get(KeyAuthToken)
	assert.Error(t, err)
}
