package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPersistence        = errors.New("persistence_error")
	ErrInvalidPayment     = errors.New("invalid_payment")
	ErrInvalidOrderID     = errors.New("invalid_order_id")
	ErrInvalidReferenceID = errors.New("invalid_reference_id")
	ErrInvalidStatus      = errors.New("invalid_status")
	ErrInvalidSchedule    = errors.New("invalid_schedule")
	ErrInvalidEvent       = errors.New("invalid_webhook_event")
	ErrConcurrentUpdate   = errors.New("booking_concurrent_update")
)

// PersistenceError wraps a failed ledger read or write. Callers must not
// assume earlier writes in the same call were rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ErrPersistence.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrPersistence.Error(), e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", ErrPersistence.Error(), e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WrapPersistence tags err as a ledger persistence failure for op.
func WrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
