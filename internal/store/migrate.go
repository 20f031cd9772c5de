package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// migrationLockID keys the advisory lock that keeps concurrently starting
// servers from applying the same migration twice.
const migrationLockID = 727_001

var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one numbered schema change with its rollback.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// ID is the key recorded in schema_migrations.
func (m Migration) ID() string {
	return m.Version + "_" + m.Name + ".up.sql"
}

// LoadMigrations reads dir and pairs every up file with its down file.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, name, direction := match[1], match[2], match[3]
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration %s has two names: %s and %s", version, m.Name, name)
		}
		path := filepath.Join(dir, entry.Name())
		if direction == "up" {
			m.Up = path
		} else {
			m.Down = path
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for version, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ApplyMigrations runs every pending up migration in its own transaction
// and returns the ids it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string) ([]string, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	conn, release, err := lockMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	defer release()

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return nil, err
	}
	var ran []string
	for _, m := range migrations {
		if applied[m.ID()] {
			continue
		}
		err := runMigration(ctx, conn, m.Up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.ID())
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("apply %s: %w", m.ID(), err)
		}
		ran = append(ran, m.ID())
	}
	return ran, nil
}

// RollbackMigrations undoes the newest steps applied migrations, newest
// first. steps <= 0 undoes all of them.
func RollbackMigrations(ctx context.Context, db *sql.DB, dir string, steps int) ([]string, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	conn, release, err := lockMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	defer release()

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return nil, err
	}
	var undone []string
	for i := len(migrations) - 1; i >= 0; i-- {
		if steps > 0 && len(undone) == steps {
			break
		}
		m := migrations[i]
		if !applied[m.ID()] {
			continue
		}
		err := runMigration(ctx, conn, m.Down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.ID())
			return err
		})
		if err != nil {
			return undone, fmt.Errorf("roll back %s: %w", m.ID(), err)
		}
		undone = append(undone, m.ID())
	}
	return undone, nil
}

// lockMigrations pins one connection, takes the advisory lock on it and
// makes sure the bookkeeping table exists.
func lockMigrations(ctx context.Context, db *sql.DB) (*sql.Conn, func(), error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("reserve migration connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("lock migrations: %w", err)
	}
	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)
		_ = conn.Close()
	}
	_, err = conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return conn, release, nil
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func runMigration(ctx context.Context, conn *sql.Conn, path string, record func(*sql.Tx) error) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if statement := strings.TrimSpace(string(contents)); statement != "" {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
