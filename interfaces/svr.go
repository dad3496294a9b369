package interfaces

import (
	"context"
	"io"
)

// Connector opens a fresh, verified quorum connection bundle of type C.
//
// Implementations must be safe for concurrent use: independent operations may
// call Connect at the same time and each receives its own bundle. Ownership of
// the returned bundle passes to the caller for a single operation. Failures
// are reported as *ConnectionError and are never retried by the connector.
type Connector[C any] interface {
	Connect(ctx context.Context) (C, error)
}

// Engine executes the recovery protocol over an established bundle of type C.
//
// The type parameter pairs an engine with the connection bundle it understands,
// so a connector producing one kind of bundle cannot be combined with an engine
// expecting another. rng must be a cryptographically secure generator owned by
// the current call; engines read from it only on the calling goroutine.
type Engine[C any] interface {
	Backup(ctx context.Context, conns C, password string, secret Secret, maxTries MaxTries, rng io.Reader) (ShareSet, error)
	Restore(ctx context.Context, conns C, password string, shareSet ShareSet, rng io.Reader) (EvaluationResult, error)
	Remove(ctx context.Context, conns C) error
	Query(ctx context.Context, conns C) (uint32, error)
}

// Backuper stores a password-protected secret across the replica quorum.
type Backuper interface {
	Backup(ctx context.Context, password string, secret Secret, maxTries MaxTries, rng io.Reader) (ShareSet, error)
}

// Restorer recovers a secret previously stored by a Backuper.
type Restorer interface {
	Restore(ctx context.Context, password string, shareSet ShareSet, rng io.Reader) (EvaluationResult, error)
}

// Querier reports the remaining restore attempts of the addressed backup.
type Querier interface {
	Query(ctx context.Context) (uint32, error)
}

// Remover permanently deletes the addressed backup. It cannot be undone.
type Remover interface {
	Remove(ctx context.Context) error
}

// Service bundles the four recovery capabilities.
type Service interface {
	Backuper
	Restorer
	Querier
	Remover
}
