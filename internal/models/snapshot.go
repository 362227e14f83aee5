package models

import (
	"errors"
	"time"
)

var (
	// ErrSnapshotNotFound is returned when a login has no snapshot under a name.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrVersionConflict is returned when a snapshot was replaced since the
	// version the writer started from.
	ErrVersionConflict = errors.New("snapshot version conflict")
	// ErrAccountExists is returned when registering a login that is taken.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound is returned when no account matches a login.
	ErrAccountNotFound = errors.New("account not found")
)

// StoredSnapshot is a snapshot document kept by the remote host.
type StoredSnapshot struct {
	// Name identifies the snapshot among those of one login.
	Name string `json:"name"`
	// Version increments on every accepted write, starting at 1.
	Version int64 `json:"version"`
	// Data is the encoded tree snapshot.
	Data []byte `json:"-"`
	// UpdatedAt is when the current version was written.
	UpdatedAt time.Time `json:"updated_at"`
}
