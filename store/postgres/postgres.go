package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tictalk/tictalk/store"
	"github.com/tictalk/tictalk/store/postgres/migrations"
)

// Config represents the Postgres store config structure.
type Config struct {
	DSN      string        `koanf:"dsn"`
	MaxConns int32         `koanf:"max_conns"`
	Timeout  time.Duration `koanf:"timeout"`
	Migrate  bool          `koanf:"migrate"`
}

// Postgres represents the Postgres implementation of the Store interface.
type Postgres struct {
	cfg  *Config
	pool *pgxpool.Pool
}

// Postgres error codes.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

const userCols = `id, username, email, password, wins, losses, online, created_at`

// New returns a new Postgres store, applying schema migrations first if
// cfg.Migrate is set.
func New(cfg Config, l *log.Logger) (*Postgres, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	if cfg.Migrate {
		m, err := migrations.New(cfg.DSN, l)
		if err != nil {
			return nil, err
		}
		err = m.Up()
		m.Close()
		if err != nil {
			return nil, err
		}
	}

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("error parsing dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	// Test connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{cfg: &cfg, pool: pool}, nil
}

func (p *Postgres) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.cfg.Timeout)
}

// AddUser adds a user to the store.
func (p *Postgres) AddUser(u store.User) error {
	ctx, cancel := p.ctx()
	defer cancel()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO users (`+userCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Username, u.Email, u.Password, u.Wins, u.Losses, u.Online, u.CreatedAt)
	if isCode(err, codeUniqueViolation) {
		return store.ErrUserExists
	}
	return err
}

// GetUser gets a user from the store.
func (p *Postgres) GetUser(id string) (store.User, error) {
	ctx, cancel := p.ctx()
	defer cancel()

	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

// GetUserByName gets a user by username.
func (p *Postgres) GetUserByName(name string) (store.User, error) {
	ctx, cancel := p.ctx()
	defer cancel()

	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE LOWER(username) = LOWER($1)`, name))
}

// Lookup returns a user's display name.
func (p *Postgres) Lookup(id string) (string, error) {
	ctx, cancel := p.ctx()
	defer cancel()

	var name string
	err := p.pool.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrUserNotFound
	}
	return name, err
}

// IncrementWins adds a win to a user's record.
func (p *Postgres) IncrementWins(id string) error {
	return p.update(`UPDATE users SET wins = wins + 1 WHERE id = $1`, id)
}

// IncrementLosses adds a loss to a user's record.
func (p *Postgres) IncrementLosses(id string) error {
	return p.update(`UPDATE users SET losses = losses + 1 WHERE id = $1`, id)
}

// SetOnline sets a user's presence.
func (p *Postgres) SetOnline(id string, online bool) error {
	return p.update(`UPDATE users SET online = $2 WHERE id = $1`, id, online)
}

// update runs a single-user update, reporting a missing user.
func (p *Postgres) update(q string, args ...interface{}) error {
	ctx, cancel := p.ctx()
	defer cancel()

	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrUserNotFound
	}
	return nil
}

// Leaderboard returns the top n users. n <= 0 returns everyone.
func (p *Postgres) Leaderboard(n int) ([]store.User, error) {
	ctx, cancel := p.ctx()
	defer cancel()

	q := `SELECT ` + userCols + ` FROM users ORDER BY wins DESC, losses ASC, username COLLATE "C" ASC`
	args := []interface{}{}
	if n > 0 {
		q += ` LIMIT $1`
		args = append(args, n)
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

// AddFriend adds friendID to a user's friend list.
func (p *Postgres) AddFriend(id, friendID string) error {
	ctx, cancel := p.ctx()
	defer cancel()

	_, err := p.pool.Exec(ctx, `INSERT INTO friends (user_id, friend_id) VALUES ($1, $2)
		ON CONFLICT (user_id, friend_id) DO NOTHING`, id, friendID)
	if isCode(err, codeForeignKeyViolation) {
		return store.ErrUserNotFound
	}
	return err
}

// GetFriends returns a user's friends ordered by username.
func (p *Postgres) GetFriends(id string) ([]store.User, error) {
	if _, err := p.Lookup(id); err != nil {
		return nil, err
	}

	ctx, cancel := p.ctx()
	defer cancel()

	rows, err := p.pool.Query(ctx, `SELECT u.id, u.username, u.email, u.password, u.wins, u.losses, u.online, u.created_at
		FROM friends f JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = $1 ORDER BY u.username COLLATE "C" ASC`, id)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

// Get value from a key.
func (p *Postgres) Get(key string) ([]byte, error) {
	ctx, cancel := p.ctx()
	defer cancel()

	var b []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrKeyNotFound
	}
	return b, err
}

// Set a value.
func (p *Postgres) Set(key string, data []byte) error {
	ctx, cancel := p.ctx()
	defer cancel()

	_, err := p.pool.Exec(ctx, `INSERT INTO kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, data)
	return err
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanUser(row pgx.Row) (store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Password, &u.Wins, &u.Losses, &u.Online, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.User{}, store.ErrUserNotFound
	}
	return u, err
}

func collectUsers(rows pgx.Rows) ([]store.User, error) {
	defer rows.Close()

	out := []store.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
