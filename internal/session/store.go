package session

import (
	"context"
	"errors"
)

// Store errors.
var (
	// ErrNotFound is returned when no session exists for an identity.
	ErrNotFound = errors.New("session not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("session store is closed")
)

// Store abstracts session persistence. Implementations must be safe for
// concurrent use; each key is only ever written by its owning call.
type Store interface {
	// Save writes the session, refreshing its expiry.
	Save(ctx context.Context, s *Session) error

	// Load retrieves a session by call identity string.
	// Returns ErrNotFound if no entry exists.
	Load(ctx context.Context, identity string) (*Session, error)

	// Delete removes the entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, identity string) error

	// Ping checks store liveness.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
