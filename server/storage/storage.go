// Package storage defines the boundary between the vault manager and the
// keyed, encrypted store it drives.
package storage

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound is returned by GetFile when a key has no attached file.
	ErrNotFound = errors.New("key not found")

	// ErrWrongKey is returned by Open when the supplied encryption key does
	// not match the one the store was created with.
	ErrWrongKey = errors.New("encryption key does not match store")

	// ErrPairingUnavailable is returned when no pairing transport is
	// configured.
	ErrPairingUnavailable = errors.New("pairing transport is not configured")

	// ErrPairingAborted is returned by Pairing.Finished after Close.
	ErrPairingAborted = errors.New("pairing aborted")
)

// Record is a stored value and, optionally, an attached binary file.
type Record struct {
	Value   []byte
	File    []byte
	HasFile bool
}

// Entry is one key/value pair yielded by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is one opened keyed store.
type Store interface {
	// Add writes value under key.
	Add(ctx context.Context, key string, value []byte) error

	// AddFile writes value under key with an attached binary file.
	AddFile(ctx context.Context, key string, value, file []byte) error

	// Get returns nil when the key does not exist. Attached files are not
	// loaded; use GetFile.
	Get(ctx context.Context, key string) (*Record, error)

	// GetFile returns the file attached to key, or ErrNotFound.
	GetFile(ctx context.Context, key string) ([]byte, error)

	// Remove deletes key and any attached file. Removing a missing key is
	// not an error.
	Remove(ctx context.Context, key string) error

	// List calls fn for every entry in key order until fn returns an error.
	List(ctx context.Context, fn func(Entry) error) error

	// Subscribe returns a subscription which is signalled after every
	// change to the store.
	Subscribe() Subscription

	// CreateInvite returns a token another device can pair with.
	CreateInvite(ctx context.Context) (string, error)

	// DeleteInvite revokes the current invite, if any.
	DeleteInvite(ctx context.Context) error

	AddMirror(ctx context.Context, key string) error
	RemoveMirror(ctx context.Context, key string) error
	Mirrors(ctx context.Context) ([]string, error)

	// EncryptionKey returns the key protecting the store.
	EncryptionKey() []byte

	Close() error
}

// Subscription delivers change notifications. C is closed after Close.
type Subscription interface {
	C() <-chan struct{}
	Close()
}

// Pairing is an in-flight attempt to join a vault with an invite token.
type Pairing interface {
	// Finished blocks until pairing completes and returns the joined store.
	Finished(ctx context.Context) (Store, error)

	// Close aborts the attempt. Finished returns ErrPairingAborted.
	Close() error
}

// Opener opens stores and starts pairing attempts.
type Opener interface {
	// Open opens the store at path. A nil key uses the store's own key,
	// generating one when the store is new.
	Open(ctx context.Context, path string, key []byte) (Store, error)

	// Pair starts joining the store shared through token, to be kept at
	// path once finished.
	Pair(ctx context.Context, path, token string) (Pairing, error)
}
