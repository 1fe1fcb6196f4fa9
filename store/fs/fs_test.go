package fs

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tictalk/tictalk/store"
	"github.com/tictalk/tictalk/store/storetest"
)

func newFile(t *testing.T, path string) *File {
	t.Helper()
	f, err := New(Config{Path: path, FlushInterval: time.Hour}, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return f
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		f := newFile(t, filepath.Join(t.TempDir(), "data.json"))
		t.Cleanup(func() { f.Close() })
		return f
	})
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")

	f := newFile(t, path)
	alice, bob := storetest.NewUser("alice"), storetest.NewUser("bob")
	require.NoError(t, f.AddUser(alice))
	require.NoError(t, f.AddUser(bob))
	require.NoError(t, f.IncrementWins(alice.ID))
	require.NoError(t, f.IncrementLosses(bob.ID))
	require.NoError(t, f.AddFriend(alice.ID, bob.ID))
	require.NoError(t, f.Set("tictalk.onionkey", []byte("key")))
	require.NoError(t, f.Close())

	f = newFile(t, path)
	defer f.Close()

	got, err := f.GetUser(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Wins)
	assert.Equal(t, alice.Password, got.Password)

	got, err = f.GetUserByName("bob")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Losses)

	friends, err := f.GetFriends(alice.ID)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].Username)

	b, err := f.Get("tictalk.onionkey")
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), b)
}

func TestSaveOnlyWhenDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")

	f := newFile(t, path)
	require.NoError(t, f.save())
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, f.AddUser(storetest.NewUser("alice")))
	require.NoError(t, f.save())
	_, err = os.Stat(path)
	assert.NoError(t, err)

	// Failed writes don't mark the store as changed.
	require.NoError(t, os.Remove(path))
	assert.Error(t, f.IncrementWins("nobody"))
	require.NoError(t, f.Close())
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0600))

	_, err := New(Config{Path: path}, log.New(io.Discard, "", 0))
	assert.Error(t, err)
}
