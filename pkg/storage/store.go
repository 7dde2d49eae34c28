package storage

import (
	"errors"

	"github.com/cuemby/pulse/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// SessionStore persists sessions that have left the active table
type SessionStore interface {
	// Archive stores or replaces the record for rec.SessionID
	Archive(rec types.SessionRecord) error
	GetSession(id string) (types.SessionRecord, error)
	// ListSessions returns up to limit records, most recently active first.
	// A limit of zero or less returns all of them.
	ListSessions(limit int) ([]types.SessionRecord, error)
	DeleteSession(id string) error
	CountSessions() (int, error)

	Close() error
}
