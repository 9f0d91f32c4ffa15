package tally

import (
	"errors"
	"fmt"
)

// Common errors returned by the tally client.
var (
	// ErrNotFound is returned when a cached entity or queue item is not found.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a sync is attempted without a remote
	// collaborator or while connectivity is down.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrSyncPaused is returned when a manual sync is requested while paused.
	ErrSyncPaused = errors.New("sync is paused")

	// ErrInvalidEntityType is returned for an unknown entity type tag.
	ErrInvalidEntityType = errors.New("invalid entity type")

	// ErrInvalidOperation is returned for an unknown queue operation.
	ErrInvalidOperation = errors.New("invalid queue operation")

	// ErrInvalidTable is returned when a table name is not a cache table.
	ErrInvalidTable = errors.New("invalid table")

	// ErrConfirmRequired is returned when a destructive operation is called
	// without explicit confirmation.
	ErrConfirmRequired = errors.New("destructive operation requires confirmation")

	// ErrNotFailed is returned when retrying a queue item that has not failed.
	ErrNotFailed = errors.New("queue item is not failed")

	// ErrInvalidQuantity is returned for a sale line without a positive quantity.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrEmptySale is returned when a sale has no lines.
	ErrEmptySale = errors.New("sale must have at least one line")

	// errDependencyNotReady marks a queue item whose parent has no server id
	// yet. It is never surfaced to callers.
	errDependencyNotReady = errors.New("dependency not ready")

	// errItemChanged marks a queue item rewritten while it was being sent.
	errItemChanged = errors.New("queue item changed")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// StorageError is returned when the local store cannot complete a write or
// read. A mutation that fails with a StorageError was not saved and not queued.
// Extractable via errors.As(). Supports Unwrap().
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("local store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SyncError is returned when a remote operation fails with details.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("sync: %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("sync: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// storageErr wraps err as a StorageError unless it already is one or is a
// sentinel the caller should see as-is.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreClosed) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
