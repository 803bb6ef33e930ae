package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanbet/chanbet-go/internal/store"
)

func newFileStore(t *testing.T) *store.File {
	t.Helper()
	f, err := store.NewFile(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)
	return f
}

func TestFileSaveLoadClear(t *testing.T) {
	f := newFileStore(t)

	_, err := f.Load()
	assert.ErrorIs(t, err, store.ErrNotFound)

	saved := store.Saved{SessionID: "sess_123", DepositAmount: "100000000"}
	require.NoError(t, f.Save(saved))

	got, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, saved, *got)

	require.NoError(t, f.Clear())
	_, err = f.Load()
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Clearing an already-empty store is fine.
	require.NoError(t, f.Clear())
}

func TestFileSaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	f, err := store.NewFile(path)
	require.NoError(t, err)

	require.NoError(t, f.Save(store.Saved{SessionID: "sess_old", DepositAmount: "1"}))
	require.NoError(t, f.Save(store.Saved{SessionID: "sess_new", DepositAmount: "2"}))

	got, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, "sess_new", got.SessionID)

	// the intermediate temp file never outlives a save
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "session.json", entries[0].Name())
}

func TestFileLoadLegacyBareID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("sess_legacy\n"), 0o600))

	f, err := store.NewFile(path)
	require.NoError(t, err)

	got, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, "sess_legacy", got.SessionID)
	assert.Empty(t, got.DepositAmount)
}

func TestFileLoadLegacyQuotedID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`"sess_quoted"`), 0o600))

	f, err := store.NewFile(path)
	require.NoError(t, err)

	got, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, "sess_quoted", got.SessionID)
}

func TestFileLoadEmptyRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"depositAmount":"5"}`), 0o600))

	f, err := store.NewFile(path)
	require.NoError(t, err)

	_, err = f.Load()
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisStore(t *testing.T) {
	r, err := store.NewRedis("localhost:6379", "", 0, "0xAbCd00000000000000000000000000000000EF12")
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer r.Close()
	defer r.Clear()

	_, err = r.Load()
	assert.ErrorIs(t, err, store.ErrNotFound)

	saved := store.Saved{SessionID: "sess_redis", DepositAmount: "42"}
	require.NoError(t, r.Save(saved))

	got, err := r.Load()
	require.NoError(t, err)
	assert.Equal(t, saved, *got)

	require.NoError(t, r.Clear())
	_, err = r.Load()
	assert.ErrorIs(t, err, store.ErrNotFound)
}
