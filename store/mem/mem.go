package mem

import (
	"sort"
	"strings"
	"sync"

	"github.com/tictalk/tictalk/store"
)

// Config represents the InMemory store config structure.
type Config struct{}

// InMemory represents the in-memory implementation of the Store interface.
type InMemory struct {
	cfg    *Config
	users  map[string]*user
	names  map[string]string
	emails map[string]string
	data   map[string][]byte
	mu     sync.Mutex
}

type user struct {
	store.User
	Friends map[string]struct{}
}

// Record is the flat, serializable form of a user with its friend list.
type Record struct {
	store.User
	Password []byte   `json:"password"`
	Friends  []string `json:"friends"`
}

// New returns a new in-memory store.
func New(cfg Config) (*InMemory, error) {
	return &InMemory{
		cfg:    &cfg,
		users:  map[string]*user{},
		names:  map[string]string{},
		emails: map[string]string{},
		data:   map[string][]byte{},
	}, nil
}

// AddUser adds a user to the store. Usernames and emails are unique,
// case insensitive.
func (m *InMemory) AddUser(u store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; ok {
		return store.ErrUserExists
	}
	name, email := strings.ToLower(u.Username), strings.ToLower(u.Email)
	if _, ok := m.names[name]; ok {
		return store.ErrUserExists
	}
	if _, ok := m.emails[email]; ok && email != "" {
		return store.ErrUserExists
	}

	m.users[u.ID] = &user{User: u, Friends: map[string]struct{}{}}
	m.names[name] = u.ID
	if email != "" {
		m.emails[email] = u.ID
	}
	return nil
}

// GetUser gets a user from the store.
func (m *InMemory) GetUser(id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrUserNotFound
	}
	return u.User, nil
}

// GetUserByName gets a user by username.
func (m *InMemory) GetUserByName(name string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.names[strings.ToLower(name)]
	if !ok {
		return store.User{}, store.ErrUserNotFound
	}
	return m.users[id].User, nil
}

// Lookup returns a user's display name.
func (m *InMemory) Lookup(id string) (string, error) {
	u, err := m.GetUser(id)
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// IncrementWins adds a win to a user's record.
func (m *InMemory) IncrementWins(id string) error {
	return m.update(id, func(u *user) { u.Wins++ })
}

// IncrementLosses adds a loss to a user's record.
func (m *InMemory) IncrementLosses(id string) error {
	return m.update(id, func(u *user) { u.Losses++ })
}

// SetOnline sets a user's presence.
func (m *InMemory) SetOnline(id string, online bool) error {
	return m.update(id, func(u *user) { u.Online = online })
}

func (m *InMemory) update(id string, fn func(u *user)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return store.ErrUserNotFound
	}
	fn(u)
	return nil
}

// Leaderboard returns the top n users. n <= 0 returns everyone.
func (m *InMemory) Leaderboard(n int) ([]store.User, error) {
	m.mu.Lock()
	out := make([]store.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u.User)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return store.Less(out[i], out[j])
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// AddFriend adds friendID to a user's friend list.
func (m *InMemory) AddFriend(id, friendID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return store.ErrUserNotFound
	}
	if _, ok := m.users[friendID]; !ok {
		return store.ErrUserNotFound
	}
	u.Friends[friendID] = struct{}{}
	return nil
}

// GetFriends returns a user's friends ordered by username.
func (m *InMemory) GetFriends(id string) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}

	out := make([]store.User, 0, len(u.Friends))
	for fid := range u.Friends {
		if f, ok := m.users[fid]; ok {
			out = append(out, f.User)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Username < out[j].Username
	})
	return out, nil
}

// Get value from a key.
func (m *InMemory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, store.ErrKeyNotFound
	}

	out := make([]byte, len(d))
	copy(out, d)
	return out, nil
}

// Set a value.
func (m *InMemory) Set(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = make([]byte, len(data))
	copy(m.data[key], data)
	return nil
}

// Close is a no-op.
func (m *InMemory) Close() error {
	return nil
}

// Snapshot returns a copy of every user and key in the store.
func (m *InMemory) Snapshot() ([]Record, map[string][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]Record, 0, len(m.users))
	for _, u := range m.users {
		r := Record{User: u.User, Password: u.Password, Friends: make([]string, 0, len(u.Friends))}
		for fid := range u.Friends {
			r.Friends = append(r.Friends, fid)
		}
		sort.Strings(r.Friends)
		users = append(users, r)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})

	data := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		data[k] = v
	}
	return users, data
}

// Restore replaces the store's contents with a snapshot. Presence is not
// restored.
func (m *InMemory) Restore(users []Record, data map[string][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users = make(map[string]*user, len(users))
	m.names = make(map[string]string, len(users))
	m.emails = make(map[string]string, len(users))
	for _, r := range users {
		u := &user{User: r.User, Friends: make(map[string]struct{}, len(r.Friends))}
		u.Password = r.Password
		u.Online = false
		for _, fid := range r.Friends {
			u.Friends[fid] = struct{}{}
		}
		m.users[u.ID] = u
		m.names[strings.ToLower(u.Username)] = u.ID
		if u.Email != "" {
			m.emails[strings.ToLower(u.Email)] = u.ID
		}
	}

	m.data = make(map[string][]byte, len(data))
	for k, v := range data {
		m.data[k] = v
	}
}
