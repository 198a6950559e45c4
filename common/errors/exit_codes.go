package errors

import (
	pkgerrors "github.com/pkg/errors"
)

type ExitCode int

const (
	GenericFailureExitCode ExitCode = 1
	ConfigFailureExitCode  ExitCode = 70
	AuthFailureExitCode    ExitCode = 77
	TasksFailedExitCode    ExitCode = 80
)

// ExitCodeError carries the process exit code a CLI command should terminate with.
type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

// ExitCodeOf maps any error to an exit code: explicit codes win, authentication
// problems map to AuthFailureExitCode, everything else is generic.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return 0
	}
	if ec, ok := err.(*ExitCodeError); ok {
		return ec.GetExitCode()
	}
	if ec, ok := pkgerrors.Cause(err).(*ExitCodeError); ok {
		return ec.GetExitCode()
	}
	if IsAuthentication(err) || IsNotAuthorized(err) {
		return AuthFailureExitCode
	}
	return GenericFailureExitCode
}
