package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Dialect selects placeholder style and DDL for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store and MessageLog on database/sql. Timestamps are
// stored as unix nanoseconds so both dialects share one schema.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("store: unsupported sql dialect %q", dialect)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mup_sessions (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			authenticated BOOLEAN NOT NULL,
			capabilities TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			last_activity BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS mup_sessions_activity ON mup_sessions (last_activity)`,
		`CREATE TABLE IF NOT EXISTS mup_messages (
			message_id TEXT PRIMARY KEY,
			processed_until BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			status_until BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// bind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sessionColumns = `id, client_id, authenticated, capabilities, metadata, created_at, last_activity`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                 Record
		caps, md            string
		created, lastActive int64
	)
	if err := row.Scan(&rec.ID, &rec.ClientID, &rec.Authenticated, &caps, &md, &created, &lastActive); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(caps), &rec.Capabilities); err != nil {
		return Record{}, fmt.Errorf("store: decode capabilities for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(md), &rec.Metadata); err != nil {
		return Record{}, fmt.Errorf("store: decode metadata for %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.LastActivity = time.Unix(0, lastActive).UTC()
	return rec, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+sessionColumns+` FROM mup_sessions WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) Set(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("store: record id is empty")
	}
	caps, err := json.Marshal(nonNilStrings(rec.Capabilities))
	if err != nil {
		return err
	}
	md, err := json.Marshal(nonNilMap(rec.Metadata))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.bind(`INSERT INTO mup_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			client_id = excluded.client_id,
			authenticated = excluded.authenticated,
			capabilities = excluded.capabilities,
			metadata = excluded.metadata,
			last_activity = excluded.last_activity`),
		rec.ID, rec.ClientID, rec.Authenticated, string(caps), string(md),
		rec.CreatedAt.UnixNano(), rec.LastActivity.UnixNano())
	return err
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM mup_sessions WHERE id = ?`), id)
	return err
}

func (s *SQLStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM mup_sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) CleanupBefore(ctx context.Context, t time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM mup_sessions WHERE last_activity < ?`), t.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixNano()
	if _, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM mup_messages WHERE processed_until < ? AND status_until < ?`), now, now); err != nil {
		return int(n), err
	}
	return int(n), nil
}

func (s *SQLStore) IsProcessed(ctx context.Context, msgID string) (bool, error) {
	var until int64
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT processed_until FROM mup_messages WHERE message_id = ?`), msgID).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Now().UnixNano() < until, nil
}

func (s *SQLStore) MarkProcessed(ctx context.Context, msgID string, ttl time.Duration) error {
	until := time.Now().Add(ttl).UnixNano()
	_, err := s.db.ExecContext(ctx, s.bind(`INSERT INTO mup_messages (message_id, processed_until) VALUES (?, ?)
		ON CONFLICT (message_id) DO UPDATE SET processed_until = excluded.processed_until`), msgID, until)
	return err
}

func (s *SQLStore) SetDeliveryStatus(ctx context.Context, msgID, status string, ttl time.Duration) error {
	until := time.Now().Add(ttl).UnixNano()
	_, err := s.db.ExecContext(ctx, s.bind(`INSERT INTO mup_messages (message_id, status, status_until) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET status = excluded.status, status_until = excluded.status_until`), msgID, status, until)
	return err
}

func (s *SQLStore) DeliveryStatus(ctx context.Context, msgID string) (string, error) {
	var (
		status string
		until  int64
	)
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT status, status_until FROM mup_messages WHERE message_id = ?`), msgID).Scan(&status, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if time.Now().UnixNano() >= until {
		return "", nil
	}
	return status, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
