// Package storage persists the sync cursor, the opaque token telling the
// homeserver how much of the event stream has already been processed.
//
// Two backends exist: a single text file (the default) and a row in the
// Postgres kv table. Both return ErrNotFound when no cursor was ever written,
// and tag every other failure as an errclass Io error, which the sync loop
// treats as fatal. Neither backend retries.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound means no cursor has been persisted yet. Callers start from an
// empty cursor.
var ErrNotFound = errors.New("cursor not found")

// CursorKey names the cursor in every backend: the file name on disk and the
// kv row key in Postgres.
const CursorKey = "matrix_sync_token"

// Store reads and writes the single cursor value.
type Store interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, cursor string) error
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
