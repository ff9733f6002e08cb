package engine

import "fmt"

// PersistenceError wraps a failed state save. The in-memory state is kept and
// the save is retried on the next cycle (or maintenance tick); mutations are
// simply not durable until a save succeeds.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state persist failed: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
