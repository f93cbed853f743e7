package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"depot-go/internal/database/migrations"
	"depot-go/internal/depot"
)

// LicenseExtension is one audit record written by ExtendLicense.
type LicenseExtension struct {
	LicenseKey    string
	Days          int
	NewExpiration time.Time
	CreatedAt     time.Time
}

// SQLUserStore implements depot.UserStore on SQLite or Postgres.
type SQLUserStore struct {
	db      *sql.DB
	dialect migrations.Dialect
}

// NewSQLiteUserStore opens (creating if needed) the SQLite database at path,
// applies pending migrations and returns the store. path may be ":memory:".
func NewSQLiteUserStore(path string) (*SQLUserStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return newMigratedStore(db, migrations.SQLite)
}

// NewPostgresUserStore connects to the Postgres database at dsn and applies
// pending migrations.
func NewPostgresUserStore(dsn string) (*SQLUserStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return newMigratedStore(db, migrations.Postgres)
}

// NewSQLUserStoreFromDB wraps an existing, already migrated connection.
func NewSQLUserStoreFromDB(db *sql.DB, dialect migrations.Dialect) *SQLUserStore {
	return &SQLUserStore{db: db, dialect: dialect}
}

func newMigratedStore(db *sql.DB, dialect migrations.Dialect) (*SQLUserStore, error) {
	if err := migrations.MigrateUp(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating user store: %w", err)
	}
	return &SQLUserStore{db: db, dialect: dialect}, nil
}

// OpenConnection opens a SQLite database with foreign keys enforced and a busy
// timeout on every pooled connection. path may be ":memory:".
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLUserStore) rebind(query string) string {
	if s.dialect != migrations.Postgres {
		return query
	}

	var b strings.Builder
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

const userColumns = `license_key, username, ip, first_login, last_login, license_expiration, rate_limit, is_online, active_session_id`

// LoadUsers returns every stored license record ordered by license key.
func (s *SQLUserStore) LoadUsers() ([]*depot.User, error) {
	rows, err := s.db.QueryContext(context.Background(), `SELECT `+userColumns+` FROM users ORDER BY license_key`)
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	defer rows.Close()

	var users []*depot.User
	for rows.Next() {
		var u depot.User
		if err := rows.Scan(&u.LicenseKey, &u.Username, &u.IP, &u.FirstLogin, &u.LastLogin,
			&u.LicenseExpiration, &u.RateLimit, &u.IsOnline, &u.ActiveSessionID); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// SaveUsers replaces the stored collection in one transaction. Rows are
// upserted rather than truncated so the extension history survives.
func (s *SQLUserStore) SaveUsers(users []*depot.User) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := s.rebind(`INSERT INTO users (` + userColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (license_key) DO UPDATE SET
			username = excluded.username,
			ip = excluded.ip,
			first_login = excluded.first_login,
			last_login = excluded.last_login,
			license_expiration = excluded.license_expiration,
			rate_limit = excluded.rate_limit,
			is_online = excluded.is_online,
			active_session_id = excluded.active_session_id`)

	keep := make(map[string]bool, len(users))
	for _, u := range users {
		keep[u.LicenseKey] = true
		if _, err := tx.ExecContext(ctx, upsert,
			u.LicenseKey, u.Username, u.IP, u.FirstLogin.UTC(), u.LastLogin.UTC(),
			u.LicenseExpiration.UTC(), u.RateLimit, u.IsOnline, u.ActiveSessionID); err != nil {
			return fmt.Errorf("saving user %s: %w", u.Username, err)
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT license_key FROM users`)
	if err != nil {
		return fmt.Errorf("listing stored users: %w", err)
	}
	var stale []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return fmt.Errorf("scanning license key: %w", err)
		}
		if !keep[key] {
			stale = append(stale, key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating stored users: %w", err)
	}

	for _, key := range stale {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE license_key = ?`), key); err != nil {
			return fmt.Errorf("removing user %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// RecordExtension appends an entry to the license extension history.
func (s *SQLUserStore) RecordExtension(e LicenseExtension) error {
	_, err := s.db.ExecContext(context.Background(),
		s.rebind(`INSERT INTO license_extensions (license_key, days, new_expiration, created_at) VALUES (?, ?, ?, ?)`),
		e.LicenseKey, e.Days, e.NewExpiration.UTC(), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording license extension: %w", err)
	}
	return nil
}

// ListExtensions returns the extension history of licenseKey, oldest first.
func (s *SQLUserStore) ListExtensions(licenseKey string) ([]LicenseExtension, error) {
	rows, err := s.db.QueryContext(context.Background(),
		s.rebind(`SELECT license_key, days, new_expiration, created_at FROM license_extensions WHERE license_key = ? ORDER BY id`),
		licenseKey)
	if err != nil {
		return nil, fmt.Errorf("listing license extensions: %w", err)
	}
	defer rows.Close()

	var out []LicenseExtension
	for rows.Next() {
		var e LicenseExtension
		if err := rows.Scan(&e.LicenseKey, &e.Days, &e.NewExpiration, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning license extension: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLUserStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db, s.dialect)
}

// Close closes the database connection.
func (s *SQLUserStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ depot.UserStore = (*SQLUserStore)(nil)
