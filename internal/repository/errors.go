package repository

import "fmt"

// NotFoundError reports a lookup for a record that does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// ConflictError reports a failed optimistic-concurrency check: another
// transition won the race. The caller should refetch and retry.
type ConflictError struct {
	ExecutionID string
	Expected    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("execution %q is no longer in status %q", e.ExecutionID, e.Expected)
}

// StorageError wraps an underlying persistence failure. The transactional
// write guarantees the execution and its audit record never desynchronize.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
