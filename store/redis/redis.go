package redis

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/tictalk/tictalk/store"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns"`
	IdleConns   int           `koanf:"idle_conns"`
	Timeout     time.Duration `koanf:"timeout"`

	PrefixUser    string `koanf:"prefix_user"`
	PrefixFriends string `koanf:"prefix_friends"`
	PrefixKV      string `koanf:"prefix_kv"`
	KeyNames      string `koanf:"key_names"`
	KeyEmails     string `koanf:"key_emails"`
	KeyBoard      string `koanf:"key_leaderboard"`
}

// Redis represents the Redis implementation of the Store interface.
type Redis struct {
	cfg  *Config
	pool *redis.Pool
}

type user struct {
	ID        string `redis:"id"`
	Username  string `redis:"username"`
	Email     string `redis:"email"`
	Password  []byte `redis:"password"`
	Wins      int    `redis:"wins"`
	Losses    int    `redis:"losses"`
	Online    bool   `redis:"online"`
	CreatedAt string `redis:"created_at"`
}

// New returns a new Redis store.
func New(cfg Config) (*Redis, error) {
	pool := &redis.Pool{
		Wait:      true,
		MaxActive: cfg.ActiveConns,
		MaxIdle:   cfg.IdleConns,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
				redis.DialDatabase(cfg.DB),
			)
		},
	}

	// Test connection.
	c := pool.Get()
	defer c.Close()

	if err := c.Err(); err != nil {
		return nil, err
	}
	return &Redis{cfg: &cfg, pool: pool}, nil
}

func (r *Redis) userKey(id string) string {
	return fmt.Sprintf(r.cfg.PrefixUser, id)
}

func (r *Redis) friendsKey(id string) string {
	return fmt.Sprintf(r.cfg.PrefixFriends, id)
}

// AddUser adds a user to the store. The username and email indexes are
// claimed with HSETNX so concurrent registrations can't share a name.
func (r *Redis) AddUser(u store.User) error {
	c := r.pool.Get()
	defer c.Close()

	if ok, err := redis.Bool(c.Do("EXISTS", r.userKey(u.ID))); err != nil {
		return err
	} else if ok {
		return store.ErrUserExists
	}

	name := strings.ToLower(u.Username)
	ok, err := redis.Bool(c.Do("HSETNX", r.cfg.KeyNames, name, u.ID))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrUserExists
	}

	if u.Email != "" {
		ok, err := redis.Bool(c.Do("HSETNX", r.cfg.KeyEmails, strings.ToLower(u.Email), u.ID))
		if err != nil || !ok {
			c.Do("HDEL", r.cfg.KeyNames, name)
			if err != nil {
				return err
			}
			return store.ErrUserExists
		}
	}

	c.Send("MULTI")
	c.Send("HSET", r.userKey(u.ID),
		"id", u.ID,
		"username", u.Username,
		"email", u.Email,
		"password", u.Password,
		"wins", u.Wins,
		"losses", u.Losses,
		"online", u.Online,
		"created_at", u.CreatedAt.Format(time.RFC3339))
	c.Send("ZADD", r.cfg.KeyBoard, u.Wins, u.ID)
	res, err := redis.Values(c.Do("EXEC"))
	if err == nil {
		for _, v := range res {
			if e, ok := v.(redis.Error); ok {
				err = e
				break
			}
		}
	}

	// Undo the partial write and release the claimed name and email so
	// they can be registered again.
	if err != nil {
		c.Do("DEL", r.userKey(u.ID))
		c.Do("HDEL", r.cfg.KeyNames, name)
		if u.Email != "" {
			c.Do("HDEL", r.cfg.KeyEmails, strings.ToLower(u.Email))
		}
		c.Do("ZREM", r.cfg.KeyBoard, u.ID)
		return err
	}
	return nil
}

// GetUser gets a user from the store.
func (r *Redis) GetUser(id string) (store.User, error) {
	c := r.pool.Get()
	defer c.Close()
	return r.getUser(c, id)
}

func (r *Redis) getUser(c redis.Conn, id string) (store.User, error) {
	res, err := redis.Values(c.Do("HGETALL", r.userKey(id)))
	if err != nil {
		return store.User{}, err
	}
	if len(res) == 0 {
		return store.User{}, store.ErrUserNotFound
	}

	var u user
	if err := redis.ScanStruct(res, &u); err != nil {
		return store.User{}, err
	}
	t, _ := time.Parse(time.RFC3339, u.CreatedAt)

	return store.User{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Password:  u.Password,
		Wins:      u.Wins,
		Losses:    u.Losses,
		Online:    u.Online,
		CreatedAt: t,
	}, nil
}

// GetUserByName gets a user by username.
func (r *Redis) GetUserByName(name string) (store.User, error) {
	c := r.pool.Get()
	defer c.Close()

	id, err := redis.String(c.Do("HGET", r.cfg.KeyNames, strings.ToLower(name)))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return store.User{}, store.ErrUserNotFound
		}
		return store.User{}, err
	}
	return r.getUser(c, id)
}

// Lookup returns a user's display name.
func (r *Redis) Lookup(id string) (string, error) {
	c := r.pool.Get()
	defer c.Close()

	name, err := redis.String(c.Do("HGET", r.userKey(id), "username"))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return "", store.ErrUserNotFound
		}
		return "", err
	}
	return name, nil
}

// exists checks if a user exists.
func (r *Redis) exists(c redis.Conn, id string) error {
	ok, err := redis.Bool(c.Do("EXISTS", r.userKey(id)))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrUserNotFound
	}
	return nil
}

// IncrementWins adds a win to a user's record and leaderboard score.
func (r *Redis) IncrementWins(id string) error {
	c := r.pool.Get()
	defer c.Close()

	if err := r.exists(c, id); err != nil {
		return err
	}
	c.Send("MULTI")
	c.Send("HINCRBY", r.userKey(id), "wins", 1)
	c.Send("ZINCRBY", r.cfg.KeyBoard, 1, id)
	_, err := c.Do("EXEC")
	return err
}

// IncrementLosses adds a loss to a user's record.
func (r *Redis) IncrementLosses(id string) error {
	c := r.pool.Get()
	defer c.Close()

	if err := r.exists(c, id); err != nil {
		return err
	}
	_, err := c.Do("HINCRBY", r.userKey(id), "losses", 1)
	return err
}

// SetOnline sets a user's presence.
func (r *Redis) SetOnline(id string, online bool) error {
	c := r.pool.Get()
	defer c.Close()

	if err := r.exists(c, id); err != nil {
		return err
	}
	_, err := c.Do("HSET", r.userKey(id), "online", online)
	return err
}

// Leaderboard returns the top n users. The sorted set is ranked by wins;
// every user tied with the n-th is fetched so that ties are broken the same
// way as the other stores.
func (r *Redis) Leaderboard(n int) ([]store.User, error) {
	c := r.pool.Get()
	defer c.Close()

	var (
		ids []string
		err error
	)
	if n <= 0 {
		ids, err = redis.Strings(c.Do("ZREVRANGE", r.cfg.KeyBoard, 0, -1))
	} else {
		var top []string
		top, err = redis.Strings(c.Do("ZREVRANGE", r.cfg.KeyBoard, n-1, n-1, "WITHSCORES"))
		if err == nil && len(top) == 2 {
			ids, err = redis.Strings(c.Do("ZREVRANGEBYSCORE", r.cfg.KeyBoard, "+inf", top[1]))
		} else if err == nil {
			ids, err = redis.Strings(c.Do("ZREVRANGE", r.cfg.KeyBoard, 0, -1))
		}
	}
	if err != nil {
		return nil, err
	}

	out, err := r.getUsers(c, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return store.Less(out[i], out[j])
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// getUsers loads users by ID, skipping the ones that no longer exist.
func (r *Redis) getUsers(c redis.Conn, ids []string) ([]store.User, error) {
	out := make([]store.User, 0, len(ids))
	for _, id := range ids {
		u, err := r.getUser(c, id)
		if err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// AddFriend adds friendID to a user's friend set.
func (r *Redis) AddFriend(id, friendID string) error {
	c := r.pool.Get()
	defer c.Close()

	if err := r.exists(c, id); err != nil {
		return err
	}
	if err := r.exists(c, friendID); err != nil {
		return err
	}
	_, err := c.Do("SADD", r.friendsKey(id), friendID)
	return err
}

// GetFriends returns a user's friends ordered by username.
func (r *Redis) GetFriends(id string) ([]store.User, error) {
	c := r.pool.Get()
	defer c.Close()

	if err := r.exists(c, id); err != nil {
		return nil, err
	}
	ids, err := redis.Strings(c.Do("SMEMBERS", r.friendsKey(id)))
	if err != nil {
		return nil, err
	}

	out, err := r.getUsers(c, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Username < out[j].Username
	})
	return out, nil
}

// Get value from a key.
func (r *Redis) Get(key string) ([]byte, error) {
	c := r.pool.Get()
	defer c.Close()

	b, err := redis.Bytes(c.Do("GET", fmt.Sprintf(r.cfg.PrefixKV, key)))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, store.ErrKeyNotFound
		}
		return nil, err
	}
	return b, nil
}

// Set a value.
func (r *Redis) Set(key string, data []byte) error {
	c := r.pool.Get()
	defer c.Close()

	_, err := c.Do("SET", fmt.Sprintf(r.cfg.PrefixKV, key), data)
	return err
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}
