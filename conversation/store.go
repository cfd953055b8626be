package conversation

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned by Store.Load for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions between turns. Implementations must round-trip
// message order, tool-call correlation IDs, and cached token counts exactly.
// The core treats the store as at-least-once durable storage invoked after
// each completed turn.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, session *Session) error
}
