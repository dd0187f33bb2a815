package persistence

import (
	"io"

	"github.com/pkg/errors"
)

var ErrKeyNotFound = errors.New("Key not found")

// Persister maps a blob id to a durable byte blob.
type Persister interface {
	Exists(id string) (bool, error)
	// Delete removes the blob. Deleting an absent blob is not an error.
	Delete(id string) error
	// OpenRead returns ErrKeyNotFound when the blob is absent.
	OpenRead(id string) (io.ReadCloser, error)
	// OpenWrite creates or replaces the blob. Nothing is visible to readers
	// until the returned Writer is closed.
	OpenWrite(id string) (Writer, error)
	Wipe() error
	Close() error
}

// Writer is a write handle whose Close is the only commit point. Abort
// discards everything written so far and leaves the blob in its prior state.
type Writer interface {
	io.WriteCloser
	Abort() error
}

var errHandleReleased = errors.New("write handle already released")

var ErrInvalidID = errors.New("invalid blob id")

// ErrCorrupt is returned when a stored blob cannot be decoded by its backend.
var ErrCorrupt = errors.New("stored blob is corrupt")
