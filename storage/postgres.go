package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/onnwee/checksum-sentinel/db"
	"github.com/onnwee/checksum-sentinel/errclass"
)

// PostgresStore keeps the cursor in one row of the kv table.
type PostgresStore struct {
	DB  *sql.DB
	Key string
}

// NewPostgresStore returns a store using CursorKey as the row key.
func NewPostgresStore(database *sql.DB) *PostgresStore {
	return &PostgresStore{DB: database, Key: CursorKey}
}

func (s *PostgresStore) key() string {
	if s.Key == "" {
		return CursorKey
	}
	return s.Key
}

// Read returns the stored cursor, or ErrNotFound when the row is absent.
func (s *PostgresStore) Read(ctx context.Context) (string, error) {
	v, err := db.GetKV(ctx, s.DB, s.key())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", errclass.Io("read cursor", err)
	}
	slog.Debug("read cursor", slog.String("cursor", v), slog.String("key", s.key()), slog.String("component", "cursor_store"))
	return v, nil
}

// Write upserts the cursor row in a single statement.
func (s *PostgresStore) Write(ctx context.Context, cursor string) error {
	slog.Debug("storing cursor", slog.String("cursor", cursor), slog.String("key", s.key()), slog.String("component", "cursor_store"))
	if err := db.PutKV(ctx, s.DB, s.key(), cursor); err != nil {
		return errclass.Io("write cursor", err)
	}
	return nil
}
