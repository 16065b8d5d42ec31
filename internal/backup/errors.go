package backup

import (
	"errors"
	"fmt"
	"strings"

	"lendbackup/internal/archive"
	"lendbackup/internal/database"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("backup not found")

// ConfigurationError reports a missing or malformed setting.
type ConfigurationError = database.ConfigurationError

// ProcessError reports a failed dump or restore binary.
type ProcessError = database.ProcessError

// PartialTransferError records one object that could not be transferred.
type PartialTransferError = archive.PartialTransferError

// NotFoundError reports an unknown backup id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("backup %q not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StorageError wraps a failed backup storage operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("backup storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RestoreTransferError reports objects that could not be written back to the
// canonical object store during a restore. The database has already been
// restored when this error is returned.
type RestoreTransferError struct {
	Failed []*PartialTransferError
}

func (e *RestoreTransferError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		keys = append(keys, f.Key)
	}
	const shown = 10
	list := keys
	if len(list) > shown {
		list = list[:shown]
	}
	msg := fmt.Sprintf("%d object(s) could not be restored: %s", len(keys), strings.Join(list, ", "))
	if len(keys) > shown {
		msg += ", ..."
	}
	return msg
}

// Unwrap exposes every per-object failure to errors.Is and errors.As.
func (e *RestoreTransferError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f
	}
	return errs
}

// Keys returns the keys that failed to restore.
func (e *RestoreTransferError) Keys() []string {
	keys := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		keys[i] = f.Key
	}
	return keys
}
