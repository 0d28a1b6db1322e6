package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLite keeps attachments and custom fields in a single database file so
// rooms survive a process restart.
type SQLite struct {
	conn   *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time.
	conn.SetMaxOpenConns(1)

	s := &SQLite{conn: conn, logger: logger.With(slog.String("component", "store_sqlite"))}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.logger.Info("SQLite store opened", slog.String("path", path))
	return s, nil
}

func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS attachments (
			room TEXT NOT NULL,
			conn_id TEXT NOT NULL,
			role TEXT NOT NULL,
			state BLOB NOT NULL,
			PRIMARY KEY (room, conn_id)
		)`,
		`CREATE TABLE IF NOT EXISTS customs (
			room TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (room, key)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.conn.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

// --- Attachments ---

func (s *SQLite) SaveAttachment(ctx context.Context, room string, a Attachment) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO attachments (room, conn_id, role, state) VALUES (?, ?, ?, ?)
		ON CONFLICT (room, conn_id) DO UPDATE SET role = excluded.role, state = excluded.state`,
		room, a.ConnID, a.Role, a.State)
	if err != nil {
		return fmt.Errorf("save attachment: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteAttachment(ctx context.Context, room, connID string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM attachments WHERE room = ? AND conn_id = ?`, room, connID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func (s *SQLite) LoadAttachments(ctx context.Context, room string) ([]Attachment, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT conn_id, role, state FROM attachments WHERE room = ? ORDER BY rowid`, room)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ConnID, &a.Role, &a.State); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Custom fields ---

func (s *SQLite) PutCustom(ctx context.Context, room, key string, value []byte) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO customs (room, key, value) VALUES (?, ?, ?)
		ON CONFLICT (room, key) DO UPDATE SET value = excluded.value`,
		room, key, value)
	if err != nil {
		return fmt.Errorf("put custom: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteCustom(ctx context.Context, room, key string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM customs WHERE room = ? AND key = ?`, room, key)
	if err != nil {
		return fmt.Errorf("delete custom: %w", err)
	}
	return nil
}

func (s *SQLite) ListCustoms(ctx context.Context, room string) ([]Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key, value FROM customs WHERE room = ? ORDER BY rowid`, room)
	if err != nil {
		return nil, fmt.Errorf("list customs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("scan custom: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
