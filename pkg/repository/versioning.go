package repository

import "fmt"

// Versioned is an entity written under optimistic concurrency. The stored
// version is bumped by every applied write.
type Versioned interface {
	GetVersion() int64
	SetVersion(version int64)
}

// OptimisticLockError reports a conditional write that lost a race. Actual
// is 0 when the row no longer exists.
type OptimisticLockError struct {
	EntityID string
	Expected int64
	Actual   int64
}

// Error implements error.
func (e *OptimisticLockError) Error() string {
	if e.Deleted() {
		return fmt.Sprintf("optimistic lock failed for %s: expected version %d, row is gone", e.EntityID, e.Expected)
	}
	return fmt.Sprintf("optimistic lock failed for %s: expected version %d, found %d",
		e.EntityID, e.Expected, e.Actual)
}

// Deleted reports whether the conflicting row was removed.
func (e *OptimisticLockError) Deleted() bool { return e.Actual == 0 }

// NewOptimisticLockError creates an OptimisticLockError.
func NewOptimisticLockError(entityID string, expected, actual int64) *OptimisticLockError {
	return &OptimisticLockError{EntityID: entityID, Expected: expected, Actual: actual}
}

// CheckVersion compares the version entity was read at with the stored one.
func CheckVersion(entityID string, entity Versioned, stored int64) error {
	if expected := entity.GetVersion(); expected != stored {
		return NewOptimisticLockError(entityID, expected, stored)
	}
	return nil
}

// NextVersion is the version an applied write stores for entity.
func NextVersion(entity Versioned) int64 { return entity.GetVersion() + 1 }

// Advance records an applied write on entity and returns its new version.
func Advance(entity Versioned) int64 {
	next := NextVersion(entity)
	entity.SetVersion(next)
	return next
}
