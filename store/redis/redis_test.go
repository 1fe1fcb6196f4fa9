package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tictalk/tictalk/store"
	"github.com/tictalk/tictalk/store/storetest"
)

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	r, err := New(Config{
		Address:       mr.Addr(),
		ActiveConns:   10,
		IdleConns:     2,
		Timeout:       time.Second,
		PrefixUser:    "tictalk:user:%s",
		PrefixFriends: "tictalk:friends:%s",
		PrefixKV:      "tictalk:kv:%s",
		KeyNames:      "tictalk:names",
		KeyEmails:     "tictalk:emails",
		KeyBoard:      "tictalk:leaderboard",
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		r, _ := newRedis(t)
		return r
	})
}

func TestKeys(t *testing.T) {
	r, mr := newRedis(t)
	alice := storetest.NewUser("alice")
	require.NoError(t, r.AddUser(alice))
	require.NoError(t, r.IncrementWins(alice.ID))

	assert.Equal(t, "1", mr.HGet("tictalk:user:"+alice.ID, "wins"))
	assert.Equal(t, alice.ID, mr.HGet("tictalk:names", "alice"))

	score, err := mr.ZScore("tictalk:leaderboard", alice.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), score)
}

func TestAddUserReleasesIndexes(t *testing.T) {
	r, mr := newRedis(t)
	alice := storetest.NewUser("alice")

	// A non-sorted-set leaderboard fails the transaction's ZADD.
	require.NoError(t, mr.Set("tictalk:leaderboard", "junk"))
	assert.Error(t, r.AddUser(alice))
	assert.Empty(t, mr.HGet("tictalk:names", "alice"))
	assert.Empty(t, mr.HGet("tictalk:emails", "alice@example.com"))
	assert.False(t, mr.Exists("tictalk:user:"+alice.ID))

	mr.Del("tictalk:leaderboard")
	require.NoError(t, r.AddUser(alice))

	u, err := r.GetUserByName("alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, u.ID)
}

func TestUnavailable(t *testing.T) {
	r, mr := newRedis(t)
	mr.SetError("LOADING redis is loading")

	assert.Error(t, r.IncrementWins("u1"))
	_, err := r.Lookup("u1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrUserNotFound)
}

func TestNewUnreachable(t *testing.T) {
	_, err := New(Config{Address: "127.0.0.1:1", Timeout: 100 * time.Millisecond})
	assert.Error(t, err)
}
