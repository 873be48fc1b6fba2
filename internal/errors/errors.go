// Package errors provides structured error types for keyfill.
// All errors include a category, code, message, and optional cause for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryConnection  ErrorCategory = "CONNECTION"
	ErrCategoryTransaction ErrorCategory = "TRANSACTION"
	ErrCategorySchema      ErrorCategory = "SCHEMA"
	ErrCategoryRelation    ErrorCategory = "RELATION"
	ErrCategoryPopulate    ErrorCategory = "POPULATE"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
)

// Error codes for each category.
const (
	// Connection codes
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeQueryFailed      = "QUERY_FAILED"

	// Transaction codes
	CodeNestedTransaction     = "NESTED_TRANSACTION"
	CodeTransactionInProgress = "TRANSACTION_IN_PROGRESS"

	// Schema codes
	CodeTableNotFound     = "TABLE_NOT_FOUND"
	CodeUnsupportedType   = "UNSUPPORTED_TYPE"
	CodeIllegalComment    = "ILLEGAL_COMMENT"
	CodeAttributeNotFound = "ATTRIBUTE_NOT_FOUND"

	// Relation codes
	CodeInvalidKeySource = "INVALID_KEY_SOURCE"
	CodeInsertFailed     = "INSERT_FAILED"

	// Populate codes
	CodeInvalidOrder  = "INVALID_ORDER"
	CodeNoParents     = "NO_PARENTS"
	CodeComputeFailed = "COMPUTE_FAILED"

	// Storage codes
	CodePutFailed      = "PUT_FAILED"
	CodeGetFailed      = "GET_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeCorruptBlob    = "CORRUPT_BLOB"
)

// Error is the structured error type used throughout keyfill.
type Error struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *Error {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a keyfill Error.
func GetCategory(err error) ErrorCategory {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a keyfill Error.
func GetCode(err error) string {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

// Convenience constructors for common errors.

func NewSchemaError(code, message string) *Error {
	return New(ErrCategorySchema, code, message)
}

func NewConnectionError(message string, cause error) *Error {
	return Wrap(ErrCategoryConnection, CodeConnectionFailed, message, cause)
}

func NewTransactionError(code, message string) *Error {
	return New(ErrCategoryTransaction, code, message)
}

func NewPopulateError(code, message string) *Error {
	return New(ErrCategoryPopulate, code, message)
}

func NewComputeError(message string, cause error) *Error {
	return Wrap(ErrCategoryPopulate, CodeComputeFailed, message, cause)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}
