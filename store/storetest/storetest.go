// Package storetest has the behaviour tests every store.Store implementation
// must pass.
package storetest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tictalk/tictalk/store"
)

// Run runs the conformance suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"AddGetUser", testAddGetUser},
		{"UniqueUser", testUniqueUser},
		{"Stats", testStats},
		{"Online", testOnline},
		{"MissingUser", testMissingUser},
		{"Leaderboard", testLeaderboard},
		{"Friends", testFriends},
		{"KV", testKV},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// NewUser returns a user with a fresh ID.
func NewUser(name string) store.User {
	return store.User{
		ID:        uuid.NewString(),
		Username:  name,
		Email:     name + "@example.com",
		Password:  []byte("hash-" + name),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func addUsers(t *testing.T, s store.Store, names ...string) []store.User {
	t.Helper()
	out := make([]store.User, 0, len(names))
	for _, n := range names {
		u := NewUser(n)
		require.NoError(t, s.AddUser(u))
		out = append(out, u)
	}
	return out
}

func testAddGetUser(t *testing.T, s store.Store) {
	u := addUsers(t, s, "alice")[0]

	got, err := s.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, u.Email, got.Email)
	assert.Equal(t, u.Password, got.Password)
	assert.Zero(t, got.Wins)
	assert.Zero(t, got.Losses)
	assert.False(t, got.Online)
	assert.True(t, u.CreatedAt.Equal(got.CreatedAt))

	got, err = s.GetUserByName("ALICE")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	name, err := s.Lookup(u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func testUniqueUser(t *testing.T, s store.Store) {
	addUsers(t, s, "alice")

	dup := NewUser("Alice")
	dup.Email = "other@example.com"
	assert.ErrorIs(t, s.AddUser(dup), store.ErrUserExists)

	dup = NewUser("bob")
	dup.Email = "ALICE@example.com"
	assert.ErrorIs(t, s.AddUser(dup), store.ErrUserExists)

	// A failed registration doesn't hold on to the name.
	_, err := s.GetUserByName("bob")
	assert.ErrorIs(t, err, store.ErrUserNotFound)
	addUsers(t, s, "bob")
}

func testStats(t *testing.T, s store.Store) {
	u := addUsers(t, s, "alice")[0]

	require.NoError(t, s.IncrementWins(u.ID))
	require.NoError(t, s.IncrementWins(u.ID))
	require.NoError(t, s.IncrementLosses(u.ID))

	got, err := s.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Wins)
	assert.Equal(t, 1, got.Losses)
}

func testOnline(t *testing.T, s store.Store) {
	u := addUsers(t, s, "alice")[0]

	require.NoError(t, s.SetOnline(u.ID, true))
	got, err := s.GetUser(u.ID)
	require.NoError(t, err)
	assert.True(t, got.Online)

	require.NoError(t, s.SetOnline(u.ID, false))
	got, err = s.GetUser(u.ID)
	require.NoError(t, err)
	assert.False(t, got.Online)
}

func testMissingUser(t *testing.T, s store.Store) {
	id := uuid.NewString()

	_, err := s.GetUser(id)
	assert.ErrorIs(t, err, store.ErrUserNotFound)
	_, err = s.GetUserByName("nobody")
	assert.ErrorIs(t, err, store.ErrUserNotFound)
	_, err = s.Lookup(id)
	assert.ErrorIs(t, err, store.ErrUserNotFound)
	assert.ErrorIs(t, s.IncrementWins(id), store.ErrUserNotFound)
	assert.ErrorIs(t, s.IncrementLosses(id), store.ErrUserNotFound)
	assert.ErrorIs(t, s.SetOnline(id, true), store.ErrUserNotFound)
	_, err = s.GetFriends(id)
	assert.ErrorIs(t, err, store.ErrUserNotFound)

	// Failed writes don't create the user.
	_, err = s.GetUser(id)
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func testLeaderboard(t *testing.T, s store.Store) {
	u := addUsers(t, s, "carol", "alice", "bob", "dave")
	carol, alice, bob, dave := u[0], u[1], u[2], u[3]

	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementWins(bob.ID))
	}
	require.NoError(t, s.IncrementWins(alice.ID))
	require.NoError(t, s.IncrementWins(carol.ID))
	require.NoError(t, s.IncrementLosses(carol.ID))

	board, err := s.Leaderboard(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "alice", "carol", "dave"}, names(board))

	// alice and carol tie on wins; the cut keeps the one with fewer losses.
	board, err = s.Leaderboard(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "alice"}, names(board))
	assert.Equal(t, 3, board[0].Wins)

	require.NoError(t, s.IncrementWins(dave.ID))
	require.NoError(t, s.IncrementWins(dave.ID))
	board, err = s.Leaderboard(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "dave", "alice"}, names(board))
}

func testFriends(t *testing.T, s store.Store) {
	u := addUsers(t, s, "alice", "carol", "bob")
	alice, carol, bob := u[0], u[1], u[2]

	friends, err := s.GetFriends(alice.ID)
	require.NoError(t, err)
	assert.Empty(t, friends)

	require.NoError(t, s.AddFriend(alice.ID, carol.ID))
	require.NoError(t, s.AddFriend(alice.ID, bob.ID))
	require.NoError(t, s.AddFriend(alice.ID, bob.ID))
	require.NoError(t, s.IncrementWins(bob.ID))
	require.NoError(t, s.SetOnline(bob.ID, true))

	friends, err = s.GetFriends(alice.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol"}, names(friends))
	assert.Equal(t, 1, friends[0].Wins)
	assert.True(t, friends[0].Online)

	// Friendship is one way.
	friends, err = s.GetFriends(bob.ID)
	require.NoError(t, err)
	assert.Empty(t, friends)

	assert.ErrorIs(t, s.AddFriend(alice.ID, uuid.NewString()), store.ErrUserNotFound)
	assert.ErrorIs(t, s.AddFriend(uuid.NewString(), alice.ID), store.ErrUserNotFound)
}

func testKV(t *testing.T, s store.Store) {
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)

	require.NoError(t, s.Set("k", []byte("v1")))
	require.NoError(t, s.Set("k", []byte("v2")))

	b, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), b)

	// Values handed in or out are not shared with the store.
	in := []byte("v3")
	require.NoError(t, s.Set("k", in))
	in[0] = 'x'
	b, err = s.Get("k")
	require.NoError(t, err)
	b[1] = 'y'
	b, err = s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), b)
}

func names(users []store.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Username)
	}
	return out
}
