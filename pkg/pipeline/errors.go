package pipeline

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable failure kind for a whole run.
type Code string

const (
	CodeConfig          Code = "config_error"
	CodeLockContention  Code = "lock_contention"
	CodeLockUnavailable Code = "lock_unavailable"
	CodeValidation      Code = "validation_error"
	CodeSnapshot        Code = "snapshot_failed"
	CodeLedgerWrite     Code = "ledger_write_failed"
)

// Error is a run-level failure.
type Error struct {
	Code  Code
	Stage State
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Code, e.Stage)
	}
	return fmt.Sprintf("%s at %s: %v", e.Code, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the run error code carried by err, or "" for other errors.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

var ErrLockHeld = errors.New("run lock is held by another run")
