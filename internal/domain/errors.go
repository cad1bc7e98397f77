package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers
const (
	CodeValidationBlocked       = "VALIDATION_BLOCKED"
	CodeNotFound                = "NOT_FOUND"
	CodeEmbeddingUnavailable    = "EMBEDDING_UNAVAILABLE"
	CodeGenerationUnavailable   = "GENERATION_UNAVAILABLE"
	CodeMalformedExternalOutput = "MALFORMED_EXTERNAL_OUTPUT"
	CodeInvalidInput            = "INVALID_INPUT"
	CodeInvalidState            = "INVALID_STATE"
	CodeForbidden               = "FORBIDDEN"
	CodeConflict                = "CONFLICT"
)

// Error carries enough structure to render directly in a UI
type Error struct {
	Component string  `json:"component"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	Issues    []Issue `json:"issues,omitempty"`
	Err       error   `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s: %s", e.Component, e.Code, e.Message)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error; err may be nil
func NewError(component, code, message string, err error) *Error {
	return &Error{Component: component, Code: code, Message: message, Err: err}
}

// IsCode reports whether err carries the given code anywhere in its chain
func IsCode(err error, code string) bool {
	var de *Error
	for err != nil {
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// AsError extracts the outermost typed error
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
