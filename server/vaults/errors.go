package vaults

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotInitialized is returned by operations on a slot which is not
	// Ready.
	ErrNotInitialized = errors.New("not initialized")

	// ErrStorageNotSet is returned when a slot is opened before a storage
	// path was configured.
	ErrStorageNotSet = errors.New("storage path not set")

	// ErrInvalidPath is returned for unsafe storage paths and vault ids.
	ErrInvalidPath = errors.New("invalid path")

	// ErrPairingFailed wraps any failure of a pairing attempt.
	ErrPairingFailed = errors.New("pairing failed")

	// ErrPairingInProgress is returned when a second pairing is attempted
	// while one is in flight.
	ErrPairingInProgress = errors.New("pairing already in progress")

	// ErrNoPairingInProgress is returned by Cancel when idle.
	ErrNoPairingInProgress = errors.New("no pairing in progress")

	// ErrNoPreviousVault is returned by RestartActiveVault when no active
	// vault was opened since the last CloseAll.
	ErrNoPreviousVault = errors.New("no previous vault to restart")

	// ErrInvalidInvite is returned for invite codes which are not of the
	// form "<vaultId>/<token>".
	ErrInvalidInvite = errors.New("invalid invite code")

	// ErrVaultNotFound is returned when the active vault has no "vault"
	// metadata record.
	ErrVaultNotFound = errors.New("vault not found")
)

// StorageError wraps a failure of the underlying store with the operation
// that caused it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying store error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Cause returns the underlying store error for pkg/errors.
func (e *StorageError) Cause() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// pairingError marks err as a pairing failure.
type pairingError struct {
	err error
}

func (e *pairingError) Error() string {
	return "pairing failed: " + e.err.Error()
}

// Is reports the error as ErrPairingFailed.
func (e *pairingError) Is(target error) bool {
	return target == ErrPairingFailed
}

func (e *pairingError) Unwrap() error {
	return e.err
}
