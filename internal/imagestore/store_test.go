package imagestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, hash string) *Store {
	t.Helper()
	store, err := New(&Config{
		Dir:       filepath.Join(t.TempDir(), "data"),
		PublicURL: "http://localhost:8282/images",
		Hash:      hash,
	})
	require.NoError(t, err)
	return store
}

func TestStore_Save(t *testing.T) {
	store := newTestStore(t, HashSHA256)
	data := []byte("fake webp bytes")

	sum := sha256.Sum256(data)
	wantName := strings.ToUpper(hex.EncodeToString(sum[:])) + ".webp"

	stored, err := store.Save(context.Background(), data)
	require.NoError(t, err)

	assert.Equal(t, wantName, stored.Filename)
	assert.Equal(t, "http://localhost:8282/images/"+wantName, stored.URL)
	assert.False(t, stored.Existed)

	onDisk, err := os.ReadFile(filepath.Join(store.Dir(), wantName))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestStore_SaveIsContentAddressed(t *testing.T) {
	store := newTestStore(t, HashSHA256)

	first, err := store.Save(context.Background(), []byte("same"))
	require.NoError(t, err)
	second, err := store.Save(context.Background(), []byte("same"))
	require.NoError(t, err)
	other, err := store.Save(context.Background(), []byte("different"))
	require.NoError(t, err)

	assert.Equal(t, first.Filename, second.Filename)
	assert.True(t, second.Existed)
	assert.NotEqual(t, first.Filename, other.Filename)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStore_Hashes(t *testing.T) {
	tests := []struct {
		name    string
		hash    string
		wantErr bool
	}{
		{name: "default is sha256", hash: ""},
		{name: "sha256", hash: HashSHA256},
		{name: "blake3", hash: HashBLAKE3},
		{name: "case insensitive", hash: "BLAKE3"},
		{name: "unknown", hash: "md5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := New(&Config{Dir: t.TempDir(), Hash: tt.hash})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownHash)
				return
			}
			require.NoError(t, err)

			name := store.Filename([]byte("x"))
			assert.Len(t, name, 64+len(".webp"))
			assert.Equal(t, strings.ToUpper(name), name[:64]+".WEBP")
		})
	}

	sha, err := New(&Config{Dir: t.TempDir(), Hash: HashSHA256})
	require.NoError(t, err)
	b3, err := New(&Config{Dir: t.TempDir(), Hash: HashBLAKE3})
	require.NoError(t, err)
	assert.NotEqual(t, sha.Filename([]byte("x")), b3.Filename([]byte("x")))
}

func TestStore_Extension(t *testing.T) {
	store, err := New(&Config{Dir: t.TempDir(), Extension: "png", PublicURL: "http://cdn/"})
	require.NoError(t, err)

	name := store.Filename([]byte("x"))
	assert.True(t, strings.HasSuffix(name, ".png"))
	assert.Equal(t, "http://cdn/"+name, store.URL(name))
}

func TestStore_SaveRejectsEmpty(t *testing.T) {
	store := newTestStore(t, HashSHA256)

	_, err := store.Save(context.Background(), nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Save(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
