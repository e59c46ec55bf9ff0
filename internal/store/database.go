// Package store is the durable side of the collaboration server: documents,
// users, access tokens and the append-only change log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var ErrNotFound = errors.New("not found")

type Database struct {
	db     *sql.DB
	driver string
}

type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type ChangeLogEntry struct {
	ID         int64     `json:"id"`
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Action     string    `json:"action"`
	Row        *int      `json:"row"`
	Col        *int      `json:"col"`
	OldValue   *string   `json:"old_value"`
	NewValue   *string   `json:"new_value"`
	Details    *string   `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

// New opens the store. For sqlite the dsn is a file path whose directory
// is created if needed; for pgx it is a postgres connection string.
func New(driver, dsn string) (*Database, error) {
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	d := &Database{db: db, driver: driver}

	if driver == DriverSQLite {
		// Enable WAL mode for better concurrency
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if err := d.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database initialized")
	return d, nil
}

func (d *Database) createTables() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	timeType := "DATETIME"
	if d.driver == DriverPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
		timeType = "TIMESTAMPTZ"
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			created_at ` + timeType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS access_tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at ` + timeType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL REFERENCES users(id),
			created_at ` + timeType + ` NOT NULL,
			updated_at ` + timeType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS change_logs (
			id ` + idColumn + `,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id),
			action TEXT NOT NULL,
			cell_row INTEGER,
			cell_col INTEGER,
			old_value TEXT,
			new_value TEXT,
			details TEXT,
			created_at ` + timeType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_change_logs_document ON change_logs(document_id, created_at)`,
	}

	for _, stmt := range schema {
		if _, err := d.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Rewrites ? placeholders to $n for postgres.
func (d *Database) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func now() time.Time {
	return time.Now().UTC()
}

// User operations

func (d *Database) CreateUser(ctx context.Context, id, username string) (*User, error) {
	u := User{ID: id, Username: username, CreatedAt: now()}
	_, err := d.db.ExecContext(ctx,
		d.rebind("INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)"),
		u.ID, u.Username, u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user %s: %w", username, err)
	}
	return &u, nil
}

func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	row := d.db.QueryRowContext(ctx,
		d.rebind("SELECT id, username, created_at FROM users WHERE id = ?"),
		id,
	)

	var u User
	err := row.Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

// Token operations

func (d *Database) IssueToken(ctx context.Context, userID, token string) error {
	_, err := d.db.ExecContext(ctx,
		d.rebind("INSERT INTO access_tokens (token, user_id, created_at) VALUES (?, ?, ?)"),
		token, userID, now(),
	)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	return nil
}

func (d *Database) UserByToken(ctx context.Context, token string) (*User, error) {
	row := d.db.QueryRowContext(ctx, d.rebind(`
		SELECT u.id, u.username, u.created_at
		FROM access_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token = ?
	`), token)

	var u User
	err := row.Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	return &u, nil
}

// Document operations

func (d *Database) CreateDocument(ctx context.Context, id, name, ownerID string) (*Document, error) {
	ts := now()
	doc := Document{ID: id, Name: name, OwnerID: ownerID, CreatedAt: ts, UpdatedAt: ts}
	_, err := d.db.ExecContext(ctx,
		d.rebind("INSERT INTO documents (id, name, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)"),
		doc.ID, doc.Name, doc.OwnerID, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert document %s: %w", id, err)
	}
	return &doc, nil
}

func (d *Database) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := d.db.QueryRowContext(ctx,
		d.rebind("SELECT id, name, owner_id, created_at, updated_at FROM documents WHERE id = ?"),
		id,
	)

	var doc Document
	err := row.Scan(&doc.ID, &doc.Name, &doc.OwnerID, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &doc, nil
}

// Stats

func (d *Database) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)

	for key, query := range map[string]string{
		"document_count":   "SELECT COUNT(*) FROM documents",
		"user_count":       "SELECT COUNT(*) FROM users",
		"change_log_count": "SELECT COUNT(*) FROM change_logs",
	} {
		var n int
		if err := d.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("stats %s: %w", key, err)
		}
		stats[key] = n
	}
	return stats, nil
}
