package secretstore

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpauth/pkg/oauth"
)

func sampleCredential() *oauth.StoredCredential {
	return &oauth.StoredCredential{
		Registration: &oauth.ClientRegistration{
			ClientID:             "client-1",
			ClientSecret:         "secret",
			RegistrationEndpoint: "https://as/register",
		},
		Token: &oauth.TokenRecord{
			AccessToken:   "access",
			RefreshToken:  "refresh",
			ExpiresAt:     time.Unix(1800000000, 0).UTC(),
			Resource:      "https://rs/mcp",
			ClientID:      "client-1",
			TokenEndpoint: "https://as/token",
		},
	}
}

func runStoreConformance(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "b", sampleCredential()))
	require.NoError(t, s.Put(ctx, "a", sampleCredential()))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.Registration.ClientID)
	assert.Equal(t, "access", got.Token.AccessToken)
	assert.True(t, got.Token.ExpiresAt.Equal(time.Unix(1800000000, 0)))

	// Mutating a returned value must not change the stored one.
	got.Token.AccessToken = "mutated"
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "access", again.Token.AccessToken)

	updated := sampleCredential()
	updated.Token.AccessToken = "access-2"
	require.NoError(t, s.Put(ctx, "a", updated))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "access-2", got.Token.AccessToken)

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	runStoreConformance(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "creds"))
	require.NoError(t, err)

	runStoreConformance(t, s)

	info, err := os.Stat(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestFileStore_PermissionsAndPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "token:https://rs|c", sampleCredential()))

	info, err := os.Stat(filepath.Join(dir, fileName("token:https://rs|c")))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A second store over the same directory sees the credential.
	other, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := other.Get(ctx, "token:https://rs|c")
	require.NoError(t, err)
	assert.Equal(t, "refresh", got.Token.RefreshToken)
}

func TestFileStore_Reload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", sampleCredential()))
	_, err = s.Get(ctx, "k")
	require.NoError(t, err)

	// Another process removes the file; the cache hides that until Reload.
	require.NoError(t, os.Remove(filepath.Join(dir, fileName("k"))))
	_, err = s.Get(ctx, "k")
	require.NoError(t, err)

	s.Reload()
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "credentials.db"))
	require.NoError(t, err)
	defer s.Close()

	runStoreConformance(t, s)

	// Migrations are idempotent.
	assert.NoError(t, s.ApplyMigrations())
}

func TestNew(t *testing.T) {
	s, closeFn, err := New(Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	assert.NoError(t, closeFn())

	s, closeFn, err = New(Config{Backend: BackendFile, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	assert.NoError(t, closeFn())

	s, closeFn, err = New(Config{Backend: BackendSQLite, Path: filepath.Join(t.TempDir(), "db.sqlite")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	assert.NoError(t, closeFn())

	_, _, err = New(Config{Backend: "vault"})
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnExternalChange(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	require.NoError(t, err)

	var changes int32
	w := NewWatcher(WatcherConfig{
		Store:    s,
		Debounce: 10 * time.Millisecond,
		OnChange: func() { atomic.AddInt32(&changes, 1) },
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	// Another store instance writes into the same directory.
	writer, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, writer.Put(ctx, "k", sampleCredential()))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&changes) > 0
	}, 2*time.Second, 10*time.Millisecond)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.Registration.ClientID)

	w.Stop()
	w.Stop()
}
