package store

import (
	"errors"
	"time"
)

// Store represents a backend store holding registered users and their stats.
type Store interface {
	IncrementWins(id string) error
	IncrementLosses(id string) error
	SetOnline(id string, online bool) error
	Lookup(id string) (string, error)

	AddUser(u User) error
	GetUser(id string) (User, error)
	GetUserByName(name string) (User, error)
	Leaderboard(n int) ([]User, error)

	AddFriend(id, friendID string) error
	GetFriends(id string) ([]User, error)

	Get(key string) ([]byte, error)
	Set(key string, data []byte) error

	Close() error
}

// User represents a registered user in the store.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Password  []byte    `json:"-"`
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	Online    bool      `json:"online"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrUserNotFound indicates that the requested user was not found.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists indicates that a username or email is already taken.
	ErrUserExists = errors.New("user already exists")

	// ErrKeyNotFound indicates that a key has no value.
	ErrKeyNotFound = errors.New("key not found")
)

// Less reports whether a ranks above b on the leaderboard: more wins, then
// fewer losses, then name.
func Less(a, b User) bool {
	if a.Wins != b.Wins {
		return a.Wins > b.Wins
	}
	if a.Losses != b.Losses {
		return a.Losses < b.Losses
	}
	return a.Username < b.Username
}
