package pipeline

import (
	"github.com/sells-group/perf-recon/internal/resilience"
)

// PersistenceError is the fatal batch error: the gateway rejected a write for
// a reason other than an expected key collision. Transient reports whether a
// later retry of the whole batch may succeed.
type PersistenceError struct {
	Op        string
	Err       error
	Transient bool
}

func newPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err, Transient: resilience.IsTransient(err)}
}

func (e *PersistenceError) Error() string {
	return "pipeline: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
