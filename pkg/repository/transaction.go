package repository

import (
	"context"
	"sync"
)

// TransactionManager provides transaction management capabilities
type TransactionManager interface {
	// WithTransaction executes the given function within a transaction.
	// If the function returns an error, the transaction is rolled back and the error returned.
	// If the transaction was marked rollback-only, it is rolled back and nil is returned;
	// callers inspect the TxState carried by ctx to learn why.
	// Otherwise the transaction is committed and after-commit hooks run.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxState is the bookkeeping shared by a unit of work and every store it touches.
// It records rollback-only marking, the infrastructure failure (if any) that caused it,
// and the hooks to run once the transaction has committed.
type TxState struct {
	mu            sync.Mutex
	rollbackOnly  bool
	rollbackCause error
	storeFailure  error
	afterCommit   []func()
	completed     bool
}

// NewTxState returns an empty transaction state.
func NewTxState() *TxState {
	return &TxState{}
}

// SetRollbackOnly marks the unit of work so it can only end in rollback.
// The first cause wins.
func (s *TxState) SetRollbackOnly(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rollbackOnly {
		s.rollbackCause = cause
	}
	s.rollbackOnly = true
}

// IsRollbackOnly reports whether the unit of work must roll back.
func (s *TxState) IsRollbackOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackOnly
}

// RollbackCause returns the cause passed to the first SetRollbackOnly call.
func (s *TxState) RollbackCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackCause
}

// MarkStoreFailure records an infrastructure failure of the persistence layer and
// marks the unit of work rollback-only. Stores call this; business logic does not.
func (s *TxState) MarkStoreFailure(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.storeFailure == nil {
		s.storeFailure = err
	}
	s.mu.Unlock()
	s.SetRollbackOnly(err)
}

// StoreFailure returns the first recorded infrastructure failure, or nil.
func (s *TxState) StoreFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeFailure
}

// AfterCommit registers fn to run once the transaction commits. Hooks are
// dropped when the transaction rolls back.
func (s *TxState) AfterCommit(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterCommit = append(s.afterCommit, fn)
}

// Committed runs the registered after-commit hooks once. Transaction managers
// call it after a successful commit.
func (s *TxState) Committed() {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	hooks := s.afterCommit
	s.afterCommit = nil
	s.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// RolledBack discards pending after-commit hooks.
func (s *TxState) RolledBack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	s.afterCommit = nil
}

type txStateKey struct{}

// WithTxState returns a context carrying state.
func WithTxState(ctx context.Context, state *TxState) context.Context {
	return context.WithValue(ctx, txStateKey{}, state)
}

// TxStateFrom extracts the transaction state from ctx, if present.
func TxStateFrom(ctx context.Context) (*TxState, bool) {
	state, ok := ctx.Value(txStateKey{}).(*TxState)
	return state, ok && state != nil
}

// EnsureTxState returns ctx unchanged when it already carries an open state,
// otherwise a derived context with a fresh one.
func EnsureTxState(ctx context.Context) (context.Context, *TxState) {
	if state, ok := TxStateFrom(ctx); ok {
		state.mu.Lock()
		completed := state.completed
		state.mu.Unlock()
		if !completed {
			return ctx, state
		}
	}
	state := NewTxState()
	return WithTxState(ctx, state), state
}

// MarkStoreFailure records err on the transaction carried by ctx. It is a no-op
// outside a transaction.
func MarkStoreFailure(ctx context.Context, err error) {
	if state, ok := TxStateFrom(ctx); ok {
		state.MarkStoreFailure(err)
	}
}

// SetRollbackOnly marks the transaction carried by ctx rollback-only.
func SetRollbackOnly(ctx context.Context, cause error) {
	if state, ok := TxStateFrom(ctx); ok {
		state.SetRollbackOnly(cause)
	}
}
