package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signind/storage"
)

const linkedSubjectsSchema = `
CREATE TABLE IF NOT EXISTS linked_subjects (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	provider_key TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	CONSTRAINT linked_subjects_provider_unique UNIQUE (provider, provider_key)
);
`

// SQLiteStore persists identity links in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore applies the schema and returns the store.
func NewSQLiteStore(ctx context.Context, db *sql.DB, now func() time.Time) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("users: sqlite db is required")
	}
	if now == nil {
		now = time.Now
	}
	if _, err := db.ExecContext(ctx, linkedSubjectsSchema); err != nil {
		return nil, fmt.Errorf("users: apply schema: %w", err)
	}
	return &SQLiteStore{db: db, now: now}, nil
}

func (s *SQLiteStore) FindByProviderAndKey(ctx context.Context, provider, key string) (Subject, bool, error) {
	var (
		sub       Subject
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, provider_key, email, created_at
		FROM linked_subjects
		WHERE provider = ?1 AND provider_key = ?2
	`, provider, key).Scan(&sub.ID, &sub.Provider, &sub.ProviderKey, &sub.Email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subject{}, false, nil
	}
	if err != nil {
		return Subject{}, false, fmt.Errorf("users: find link: %w", err)
	}
	sub.CreatedAt = storage.FromMillis(createdAt)
	return sub, true, nil
}

func (s *SQLiteStore) CreateLinkedSubject(ctx context.Context, provider, key, email string) (Subject, bool, error) {
	sub := Subject{
		ID:          uuid.NewString(),
		Provider:    provider,
		ProviderKey: key,
		Email:       email,
		CreatedAt:   storage.FromMillis(storage.ToMillis(s.now())),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO linked_subjects (id, provider, provider_key, email, created_at)
		VALUES (?1, ?2, ?3, ?4, ?5)
		ON CONFLICT (provider, provider_key) DO NOTHING
	`, sub.ID, sub.Provider, sub.ProviderKey, sub.Email, storage.ToMillis(sub.CreatedAt))
	if err != nil {
		return Subject{}, false, fmt.Errorf("users: create link: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return sub, true, nil
	}

	// Lost a race with a concurrent create for the same identity.
	existing, ok, err := s.FindByProviderAndKey(ctx, provider, key)
	if err != nil {
		return Subject{}, false, err
	}
	if !ok {
		return Subject{}, false, fmt.Errorf("users: link for %s:%s vanished after conflict", provider, key)
	}
	return existing, false, nil
}
