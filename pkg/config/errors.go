// Package config parses the controller's INI-style machine file and
// validates its options with access tracking.
package config

import (
	"fmt"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
)

// ErrMissingSection reports a required section that is absent.
func ErrMissingSection(section string) *errors.HostError {
	return errors.ConfigSectionError(section)
}

// ErrMissingOption reports a required option that is absent.
func ErrMissingOption(section, option string) *errors.HostError {
	return errors.New(errors.ErrConfigOption, "must be specified").SetSection(section).SetOption(option)
}

// ErrInvalidValue reports an option that does not parse as the expected type.
func ErrInvalidValue(section, option, value, expected string) *errors.HostError {
	return errors.New(errors.ErrConfigOption,
		fmt.Sprintf("invalid value %q, expected %s", value, expected)).
		SetSection(section).SetOption(option)
}

// ErrOutOfRange reports a value outside its bounds.
func ErrOutOfRange(section, option string, value float64, constraint string) *errors.HostError {
	return errors.ConfigValidationError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice reports a value that is not one of the allowed choices.
func ErrInvalidChoice(section, option, value string, choices []string) *errors.HostError {
	return errors.ConfigValidationError(section, option,
		fmt.Sprintf("%q is not a valid choice (valid: %v)", value, choices))
}

// ErrValidation reports a cross-option consistency problem.
func ErrValidation(section, option, reason string) *errors.HostError {
	return errors.ConfigValidationError(section, option, reason)
}

// ErrSyntax reports a malformed line.
func ErrSyntax(file string, line int, reason string) *errors.HostError {
	return errors.New(errors.ErrConfigSection, reason).SetSection(file).SetLine(line)
}
