// Unified error handling for the MCU flasher host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Load-time errors
	ErrConfig ErrorCode = "CONFIG"

	// Request preconditions
	ErrPrinterBusy     ErrorCode = "PRINTER_BUSY"
	ErrUnknownMCU      ErrorCode = "UNKNOWN_MCU"
	ErrFlashInProgress ErrorCode = "FLASH_IN_PROGRESS"

	// Flash procedure
	ErrConfigWrite ErrorCode = "CONFIG_WRITE"
	ErrBuildFailed ErrorCode = "BUILD_FAILED"
	ErrFlashFailed ErrorCode = "FLASH_FAILED"

	// Collaborators
	ErrServiceAction ErrorCode = "SERVICE_ACTION"
	ErrKlippy        ErrorCode = "KLIPPY"
	ErrRuntime       ErrorCode = "RUNTIME"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// MCU is the flasher the error belongs to (if applicable)
	MCU string

	// Section is the config section or context
	Section string

	// Stderr holds output captured from a failed external command
	Stderr string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.MCU != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.MCU, e.Message)
	}
	if e.Section != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetMCU sets the MCU name
func (e *HostError) SetMCU(name string) *HostError {
	e.MCU = name
	return e
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetStderr attaches captured stderr output
func (e *HostError) SetStderr(stderr string) *HostError {
	e.Stderr = stderr
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// ConfigError creates an error for a malformed flasher declaration
func ConfigError(section string, err error) *HostError {
	return Wrap(err, ErrConfig, fmt.Sprintf("invalid declaration: %v", err)).
		SetSection(section)
}

// PrinterBusyError is returned when a flash is requested mid-print
func PrinterBusyError() *HostError {
	return New(ErrPrinterBusy, "Flashing Refused: Klippy is printing")
}

// UnknownMCUError is returned for a target that has no registered flasher
func UnknownMCUError(name string) *HostError {
	return New(ErrUnknownMCU, fmt.Sprintf("no flasher registered for MCU '%s'", name)).
		SetMCU(name)
}

// FlashInProgressError is returned when a second request overlaps a running one
func FlashInProgressError() *HostError {
	return New(ErrFlashInProgress, "Flashing Refused: another flash request is running")
}

// ConfigWriteError creates an error for a failed kconfig write or normalization
func ConfigWriteError(mcu string, err error) *HostError {
	return Wrap(err, ErrConfigWrite, "Error writing kconfig file").SetMCU(mcu)
}

// BuildFailedError creates an error for a failed firmware build step
func BuildFailedError(mcu string, err error) *HostError {
	return Wrap(err, ErrBuildFailed, fmt.Sprintf("firmware build failed: %v", err)).SetMCU(mcu)
}

// FlashFailedError creates an error for a failed flash command
func FlashFailedError(mcu string, err error) *HostError {
	return Wrap(err, ErrFlashFailed, fmt.Sprintf("flash command failed: %v", err)).SetMCU(mcu)
}

// ServiceActionError creates an error for a failed service start/stop
func ServiceActionError(action, service string, err error) *HostError {
	return Wrap(err, ErrServiceAction, fmt.Sprintf("service %s of '%s' failed: %v", action, service, err)).
		SetContext("action", action).
		SetContext("service", service)
}

// KlippyError creates an error for a failed Klippy API request
func KlippyError(method string, err error) *HostError {
	return Wrap(err, ErrKlippy, fmt.Sprintf("klippy request '%s' failed: %v", method, err)).
		SetContext("method", method)
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RecoverPanic converts a recovered panic value to an error.
// Call it as: defer func() { if e := errors.RecoverPanic(recover()); e != nil { ... } }()
func RecoverPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case runtime.Error:
		return Wrap(x, ErrRuntime, x.Error())
	case error:
		return Wrap(x, ErrRuntime, x.Error())
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in err's chain is a HostError with the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost HostError in err's chain
func CodeOf(err error) ErrorCode {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code
	}
	return ""
}

// StderrOf returns captured stderr from the first HostError that carries it
func StderrOf(err error) string {
	var hostErr *HostError
	for err != nil {
		if !stderrors.As(err, &hostErr) {
			return ""
		}
		if hostErr.Stderr != "" {
			return hostErr.Stderr
		}
		err = hostErr.Err
	}
	return ""
}

// IsRequestRejected reports whether err rejected a request before any side effect
func IsRequestRejected(err error) bool {
	return Is(err, ErrPrinterBusy) ||
		Is(err, ErrUnknownMCU) ||
		Is(err, ErrFlashInProgress)
}
