package revocation

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"signind/storage"
)

var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// SQLiteStore keeps revocation records in one SQLite table. The access and
// refresh lists use separate tables in the same database.
type SQLiteStore struct {
	db    *sql.DB
	table string
	now   func() time.Time

	insertSQL string
	existsSQL string
	pruneSQL  string
}

// NewSQLiteStore creates the table if needed and returns the store.
func NewSQLiteStore(ctx context.Context, db *sql.DB, table string, now func() time.Time) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("revocation: sqlite db is required")
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("revocation: invalid table name %q", table)
	}
	if now == nil {
		now = time.Now
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	token_hash TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s (expires_at);`, table, table, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("revocation: create table %s: %w", table, err)
	}

	return &SQLiteStore{
		db:    db,
		table: table,
		now:   now,
		// An expired row for the same token is replaced; a live one is kept.
		insertSQL: fmt.Sprintf(`INSERT INTO %s (token_hash, expires_at) VALUES (?1, ?2)
ON CONFLICT(token_hash) DO UPDATE SET expires_at = excluded.expires_at
WHERE %s.expires_at <= ?3`, table, table),
		existsSQL: fmt.Sprintf(`SELECT 1 FROM %s WHERE token_hash = ?1 AND expires_at > ?2 LIMIT 1`, table),
		pruneSQL:  fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?1`, table),
	}, nil
}

// Blacklist inserts the record if no live record exists.
func (s *SQLiteStore) Blacklist(ctx context.Context, token string, expiresAt time.Time) error {
	now := storage.ToMillis(s.now())
	if _, err := s.db.ExecContext(ctx, s.insertSQL, tokenKey(token), storage.ToMillis(expiresAt), now); err != nil {
		return fmt.Errorf("revocation: insert into %s: %w", s.table, err)
	}
	return nil
}

// IsRevoked looks for a live record.
func (s *SQLiteStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.existsSQL, tokenKey(token), storage.ToMillis(s.now())).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("revocation: query %s: %w", s.table, err)
	}
	return true, nil
}

// Prune deletes expired rows.
func (s *SQLiteStore) Prune(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.pruneSQL, storage.ToMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("revocation: prune %s: %w", s.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
