package types

import (
	"errors"
	"fmt"
)

// Common error categories for consistent error handling
const (
	ErrorCategoryValidation    = "validation"
	ErrorCategoryExtraction    = "extraction"
	ErrorCategoryProvider      = "provider"
	ErrorCategoryAggregation   = "aggregation"
	ErrorCategoryGraph         = "graph"
	ErrorCategoryTimeout       = "timeout"
	ErrorCategoryConfiguration = "configuration"
	ErrorCategoryInternal      = "internal"
)

// Common error codes for structured error handling
const (
	ErrorCodeInvalidConfig       = "invalid_config"
	ErrorCodeInvalidInput        = "invalid_input"
	ErrorCodeExtractorFailed     = "extractor_failed"
	ErrorCodeProviderUnavailable = "provider_unavailable"
	ErrorCodeCyclicAlias         = "cyclic_alias"
	ErrorCodeDanglingReference   = "dangling_reference"
	ErrorCodeMergeAmbiguity      = "merge_ambiguity"
	ErrorCodeTimeout             = "timeout"
	ErrorCodeCancelled           = "cancelled"
	ErrorCodeInternalError       = "internal_error"
)

// Standard errors for common cases
var (
	ErrInvalidConfig       = &ConfigurationError{Field: "config", Reason: "configuration is invalid"}
	ErrInvalidInput        = &ValidationError{Field: "input", Message: "input validation failed"}
	ErrProviderUnavailable = fmt.Errorf("%s: preprocessing backend unavailable", ErrorCodeProviderUnavailable)
	ErrCyclicAlias         = fmt.Errorf("%s: alias chain does not terminate", ErrorCodeCyclicAlias)
	ErrDanglingReference   = fmt.Errorf("%s: reference does not resolve to a node", ErrorCodeDanglingReference)
	ErrTimeout             = fmt.Errorf("%s: operation timed out", ErrorCodeTimeout)
	ErrCancelled           = fmt.Errorf("%s: batch cancelled before dispatch", ErrorCodeCancelled)
	ErrExtractorPanic      = fmt.Errorf("%s: extractor panicked", ErrorCodeExtractorFailed)
)

// ExtractorError represents a failure of one image × extractor work unit
type ExtractorError struct {
	Category  string
	Code      string
	Message   string
	Extractor string
	ImageID   string
	Cause     error
}

func (e *ExtractorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExtractorError) Unwrap() error {
	return e.Cause
}

// NewExtractorError creates a new ExtractorError
func NewExtractorError(category, code, message, extractor, imageID string, cause error) *ExtractorError {
	return &ExtractorError{
		Category:  category,
		Code:      code,
		Message:   message,
		Extractor: extractor,
		ImageID:   imageID,
		Cause:     cause,
	}
}

// ConfigurationError represents configuration validation errors
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error in field '%s': %s (caused by: %v)", e.Field, e.Reason, e.Cause)
	}
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// NewConfigurationError creates a new ConfigurationError
func NewConfigurationError(field string, value any, reason string, cause error) *ConfigurationError {
	return &ConfigurationError{
		Field:  field,
		Value:  value,
		Reason: reason,
		Cause:  cause,
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string
	Value   any
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field string, value any, rule, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Rule:    rule,
		Message: message,
	}
}

// WrapError wraps an error with additional context using fmt.Errorf with %w verb
func WrapError(err error, message string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(message+": %w", append(args, err)...)
}

// IsErrorCategory checks if an error belongs to a specific category
func IsErrorCategory(err error, category string) bool {
	var extractorErr *ExtractorError
	if errors.As(err, &extractorErr) {
		return extractorErr.Category == category
	}

	var configErr *ConfigurationError
	if errors.As(err, &configErr) {
		return category == ErrorCategoryConfiguration
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return category == ErrorCategoryValidation
	}

	return false
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code string) bool {
	var extractorErr *ExtractorError
	if errors.As(err, &extractorErr) {
		return extractorErr.Code == code
	}

	switch code {
	case ErrorCodeCyclicAlias:
		return errors.Is(err, ErrCyclicAlias)
	case ErrorCodeDanglingReference:
		return errors.Is(err, ErrDanglingReference)
	case ErrorCodeProviderUnavailable:
		return errors.Is(err, ErrProviderUnavailable)
	case ErrorCodeTimeout:
		return errors.Is(err, ErrTimeout)
	case ErrorCodeCancelled:
		return errors.Is(err, ErrCancelled)
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return code == ErrorCodeInvalidInput
	}

	var configErr *ConfigurationError
	if errors.As(err, &configErr) {
		return code == ErrorCodeInvalidConfig
	}

	return false
}
