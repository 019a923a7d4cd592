package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput reports that the evaluator rejected an expression;
	// the whole batch it belonged to was not applied.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAckTimeout reports that no matching Applied message arrived
	// within the ack window. The daemon never retries on its own.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrAlreadyCached reports an insert for a machine id that is
	// already cached.
	ErrAlreadyCached = errors.New("machine already cached")

	// ErrNotCached reports an operation against a machine id with no
	// cached entry.
	ErrNotCached = errors.New("machine not cached")

	// ErrMachineCreation reports that the store refused to allocate a
	// new machine id.
	ErrMachineCreation = errors.New("machine creation failed")

	// ErrWriterUnavailable reports an access to a machine this daemon
	// owns as writer but failed to rehydrate at boot.
	ErrWriterUnavailable = errors.New("writer machine unavailable")

	// ErrAlreadyStarted and ErrNotStarted guard component lifecycles.
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
)

// StoreError wraps a collaborator store or pubsub failure with the
// operation and machine it happened on. Surfaced as a server-side
// error; never crashes the daemon.
type StoreError struct {
	Op      string
	Machine MachineID
	Err     error
}

func (e *StoreError) Error() string {
	if e.Machine == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s [%s]: %v", e.Op, e.Machine, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func NewStoreError(op string, machine MachineID, err error) *StoreError {
	return &StoreError{Op: op, Machine: machine, Err: err}
}

// InputError carries the evaluator's rejection detail for one
// expression of a batch.
type InputError struct {
	Machine    MachineID
	Expression Value
	Err        error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input [%s]: %v", e.Machine, e.Err)
}

func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

func NewInputError(machine MachineID, expression Value, err error) *InputError {
	return &InputError{Machine: machine, Expression: expression, Err: err}
}

// Cause exposes the evaluator's own error.
func (e *InputError) Cause() error {
	return e.Err
}

func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

func IsAckTimeout(err error) bool {
	return errors.Is(err, ErrAckTimeout)
}

func IsNotCached(err error) bool {
	return errors.Is(err, ErrNotCached)
}

func IsAlreadyCached(err error) bool {
	return errors.Is(err, ErrAlreadyCached)
}

func IsStoreError(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}
