// Categorized errors for the controller's infrastructure: configuration,
// settings persistence, coordinate storage, transports and the API server.
// Line-level G-code outcomes are status codes, not errors.
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
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Settings persistence errors
	ErrSettingsRead  ErrorCode = "SETTINGS_READ"
	ErrSettingsWrite ErrorCode = "SETTINGS_WRITE"

	// Coordinate store errors
	ErrStoreOpen    ErrorCode = "STORE_OPEN"
	ErrStoreRead    ErrorCode = "STORE_READ"
	ErrStoreWrite   ErrorCode = "STORE_WRITE"
	ErrStoreCorrupt ErrorCode = "STORE_CORRUPT"

	// Transport errors
	ErrTransportOpen ErrorCode = "TRANSPORT_OPEN"
	ErrTransportIO   ErrorCode = "TRANSPORT_IO"

	// API server errors
	ErrAPI ErrorCode = "API"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"
)

// HostError is the unified error type for the controller's infrastructure
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section, store table or device
	Section string

	// Option is the config option or setting name (if applicable)
	Option string

	// Line is the line number in a config file (if available)
	Line int

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	where := e.Section
	if e.Option != "" {
		where = e.Section + "." + e.Option
	}
	msg := fmt.Sprintf("[%s:%s] %s", e.Code, where, e.Message)
	if e.Line > 0 {
		msg = fmt.Sprintf("%s (line %d)", msg, e.Line)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the option name
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetLine sets the line number
func (e *HostError) SetLine(line int) *HostError {
	e.Line = line
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

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message}
}

// Wrap wraps an existing error with a category and message
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message, Err: err}
}

// ConfigSectionError creates an error for a missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, "section not found").SetSection(section)
}

// ConfigValidationError creates an error for an invalid config option
func ConfigValidationError(section, option, reason string) *HostError {
	return New(ErrConfigValidation, reason).SetSection(section).SetOption(option)
}

// SettingsReadError wraps a failure to load persisted settings
func SettingsReadError(path string, err error) *HostError {
	return Wrap(err, ErrSettingsRead, "unable to read settings").SetSection(path)
}

// SettingsWriteError wraps a failure to persist settings
func SettingsWriteError(path string, err error) *HostError {
	return Wrap(err, ErrSettingsWrite, "unable to write settings").SetSection(path)
}

// StoreError wraps a coordinate store failure
func StoreError(code ErrorCode, slot int, err error) *HostError {
	return Wrap(err, code, "coordinate store").SetSection("coord_data").SetContext("slot", slot)
}

// TransportError wraps a transport failure for a device or address
func TransportError(code ErrorCode, device string, err error) *HostError {
	return Wrap(err, code, "transport").SetSection(device)
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RecoverPanic converts a recovered panic value into a HostError. Call it
// from a deferred function with the value returned by recover().
func RecoverPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case runtime.Error:
		return Wrap(x, ErrRuntime, "panic")
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in err's chain is a HostError with the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if stderrors.As(err, &hostErr) {
			if hostErr.Code == code {
				return true
			}
			err = hostErr.Err
			continue
		}
		return false
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) || Is(err, ErrConfigOption) || Is(err, ErrConfigValidation)
}

// IsStore checks if error is a coordinate store error
func IsStore(err error) bool {
	return Is(err, ErrStoreOpen) || Is(err, ErrStoreRead) ||
		Is(err, ErrStoreWrite) || Is(err, ErrStoreCorrupt)
}
