package locks

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// SQLite backend for database/sql
	_ "github.com/mattn/go-sqlite3"

	"github.com/corralhq/corral/core/infra/logging"
)

// SQLiteStore keeps locks in a single-file database. Suited to one-box
// deployments where running Redis or S3 alongside the coordinator is
// overkill.
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and bootstraps the
// schema.
func NewSQLiteStore(path string) (_ *SQLiteStore, defErr error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	conn, err := sql.Open("sqlite3", path+"?_loc=auto")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	defer func() {
		if defErr != nil {
			if err := conn.Close(); err != nil {
				logging.Error("locks", "Close sqlite connection failed", "error", err.Error())
			}
		}
	}()

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("connect sqlite database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("switch journal to WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous = FULL;"); err != nil {
		return nil, fmt.Errorf("set full fsync mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := sqliteInitTables(conn); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{conn: conn}, nil
}

func sqliteInitTables(conn *sql.DB) (defErr error) {
	const resourceLock = `
        CREATE TABLE IF NOT EXISTS ResourceLock(
                Resource  TEXT    NOT NULL,
                Agent     TEXT    NOT NULL,
                Mode      TEXT    NOT NULL,
                CreatedAt INTEGER NOT NULL,
                ExpiresAt INTEGER,
                PRIMARY KEY (Resource, Agent),
                CHECK (Mode IN ('exclusive', 'shared'))
        );`

	const byAgent = `
        CREATE INDEX IF NOT EXISTS ResourceLockByAgent ON ResourceLock(Agent);`

	const byExpiry = `
        CREATE INDEX IF NOT EXISTS ResourceLockByExpiry ON ResourceLock(ExpiresAt);`

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() {
		if defErr != nil {
			if err := tx.Rollback(); err != nil {
				logging.Error("locks", "Roll back schema transaction failed", "error", err.Error())
			}
		}
	}()

	for _, stmt := range []struct {
		name string
		cmd  string
	}{
		{"ResourceLock", resourceLock},
		{"ResourceLockByAgent", byAgent},
		{"ResourceLockByExpiry", byExpiry},
	} {
		if _, err := tx.Exec(stmt.cmd); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}

// Close shuts down the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Ping reports backend reachability.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s == nil || s.conn == nil {
		return fmt.Errorf("lock store not initialized")
	}
	return s.conn.PingContext(ctx)
}

// Save upserts the row for (lock.Resource, lock.Agent).
func (s *SQLiteStore) Save(ctx context.Context, lock Lock) error {
	if s == nil || s.conn == nil {
		return fmt.Errorf("lock store unavailable")
	}
	resource := strings.TrimSpace(lock.Resource)
	agent := strings.TrimSpace(lock.Agent)
	if resource == "" || agent == "" {
		return fmt.Errorf("resource and agent required")
	}
	if !lock.Mode.Valid() {
		return fmt.Errorf("unknown lock mode %q", lock.Mode)
	}
	createdAt := lock.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var expiresAt any
	if !lock.ExpiresAt.IsZero() {
		if !time.Now().Before(lock.ExpiresAt) {
			// Already past its deadline; nothing worth persisting.
			return nil
		}
		expiresAt = lock.ExpiresAt.Unix()
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO ResourceLock (Resource, Agent, Mode, CreatedAt, ExpiresAt)
                 VALUES (?, ?, ?, ?, ?)
                 ON CONFLICT(Resource, Agent) DO UPDATE SET
                         Mode=excluded.Mode,
                         CreatedAt=excluded.CreatedAt,
                         ExpiresAt=excluded.ExpiresAt;`,
		resource, agent, string(lock.Mode), createdAt.Unix(), expiresAt)
	if err != nil {
		return fmt.Errorf("upsert lock row: %w", err)
	}
	return nil
}

// Release deletes the row for (resource, agent). Reports true only when a
// live row was removed; a stale leftover is swept without counting.
func (s *SQLiteStore) Release(ctx context.Context, resource, agent string) (bool, error) {
	if s == nil || s.conn == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	agent = strings.TrimSpace(agent)
	if resource == "" || agent == "" {
		return false, fmt.Errorf("resource and agent required")
	}
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM ResourceLock
                 WHERE Resource=? AND Agent=? AND (ExpiresAt IS NULL OR ExpiresAt > ?);`,
		resource, agent, time.Now().UTC().Unix())
	if err != nil {
		return false, fmt.Errorf("delete lock row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("count deleted rows: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM ResourceLock WHERE Resource=? AND Agent=?;", resource, agent); err != nil {
		return false, fmt.Errorf("sweep stale lock row: %w", err)
	}
	return false, nil
}

// ReleaseAll deletes every row held by agent and returns how many of them
// were still live.
func (s *SQLiteStore) ReleaseAll(ctx context.Context, agent string) (int, error) {
	if s == nil || s.conn == nil {
		return 0, fmt.Errorf("lock store unavailable")
	}
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return 0, fmt.Errorf("agent required")
	}
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM ResourceLock
                 WHERE Agent=? AND (ExpiresAt IS NULL OR ExpiresAt > ?);`,
		agent, time.Now().UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("delete lock rows: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted rows: %w", err)
	}
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM ResourceLock WHERE Agent=?;", agent); err != nil {
		return int(affected), fmt.Errorf("sweep stale lock rows: %w", err)
	}
	return int(affected), nil
}

// ListActive returns all unexpired rows, optionally filtered by resource.
func (s *SQLiteStore) ListActive(ctx context.Context, resource string) ([]Lock, error) {
	if s == nil || s.conn == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	query := `SELECT Resource, Agent, Mode, CreatedAt, ExpiresAt FROM ResourceLock
                  WHERE (ExpiresAt IS NULL OR ExpiresAt > ?)`
	args := []any{time.Now().UTC().Unix()}
	if resource = strings.TrimSpace(resource); resource != "" {
		query += " AND Resource=?"
		args = append(args, resource)
	}
	query += " ORDER BY Resource, Agent;"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lock rows: %w", err)
	}
	defer rows.Close()

	out := []Lock{}
	for rows.Next() {
		var (
			lock      Lock
			mode      string
			createdAt int64
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&lock.Resource, &lock.Agent, &mode, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan lock row: %w", err)
		}
		lock.Mode = Mode(mode)
		lock.CreatedAt = time.Unix(createdAt, 0).UTC()
		if expiresAt.Valid {
			lock.ExpiresAt = time.Unix(expiresAt.Int64, 0).UTC()
		}
		out = append(out, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lock rows: %w", err)
	}
	return out, nil
}

// CleanupExpired removes every row past its lease deadline.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) error {
	if s == nil || s.conn == nil {
		return fmt.Errorf("lock store unavailable")
	}
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM ResourceLock WHERE ExpiresAt IS NOT NULL AND ExpiresAt <= ?;",
		time.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("delete expired lock rows: %w", err)
	}
	return nil
}
