// Package spool defines the abstract durable-storage capability the core
// depends on. Concrete backends (local filesystem, PostgreSQL) live in
// subpackages and are external collaborators:
// the core only ever talks to the Spool interface.
package spool

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Load* when the spool holds no object for id.
var ErrNotFound = errors.New("spool: object not found")

// Spool stores, per SpoolId, a metadata blob and a data blob. Writes for a
// single id are serialized by the backend; writes for different ids may
// proceed in parallel.
type Spool interface {
	SaveMeta(ctx context.Context, id uuid.UUID, meta []byte) error
	LoadMeta(ctx context.Context, id uuid.UUID) ([]byte, error)
	SaveData(ctx context.Context, id uuid.UUID, data []byte) error
	LoadData(ctx context.Context, id uuid.UUID) ([]byte, error)
	Remove(ctx context.Context, id uuid.UUID) error
	// Enumerate yields every SpoolId currently stored, for startup
	// recovery scans. The callback returning an error stops enumeration.
	Enumerate(ctx context.Context, fn func(uuid.UUID) error) error
}
