package execution

import "errors"

// ErrNoActiveExecution is returned when a child entity is started while the
// caller's scope has no current execution.
var ErrNoActiveExecution = errors.New("no active execution")

// PreconditionError reports an operation rejected before touching the store.
type PreconditionError struct {
	Op  string
	Err error
}

func (e *PreconditionError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

func noActiveExecution(op string) error {
	return &PreconditionError{Op: op, Err: ErrNoActiveExecution}
}
