package core

import (
	"fmt"
)

// Error is the canonical error shape shared across the bridge. Handlers map
// it onto HTTP statuses; socket layers map it onto wire-level error frames.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`
	Code    string    `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrValidation marks malformed registration or request input, rejected
	// before any state is touched.
	ErrValidation ErrorType = "validation_error"

	// ErrAuthorization marks a rejected agent credential or a signed
	// connection endpoint that could not be obtained. Fails session setup.
	ErrAuthorization ErrorType = "authorization_error"

	// ErrTransport marks a socket-level failure on either leg of the bridge.
	ErrTransport ErrorType = "transport_error"

	// ErrNotFound marks an unknown session id on status/terminate queries.
	ErrNotFound ErrorType = "not_found_error"

	// ErrProtocol marks an unrecognized or malformed wire message. Always
	// recovered locally: the message is logged and skipped.
	ErrProtocol ErrorType = "protocol_error"

	// ErrAPI marks internal faults with no better classification.
	ErrAPI ErrorType = "api_error"
)

// NewValidationError creates a validation error naming the offending field.
func NewValidationError(message, param string) *Error {
	return &Error{Type: ErrValidation, Message: message, Param: param}
}

// NewAuthorizationError creates an authorization error.
func NewAuthorizationError(message string) *Error {
	return &Error{Type: ErrAuthorization, Message: message}
}

// NewTransportError creates a transport error.
func NewTransportError(message string) *Error {
	return &Error{Type: ErrTransport, Message: message}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewProtocolError creates a protocol error.
func NewProtocolError(message string) *Error {
	return &Error{Type: ErrProtocol, Message: message}
}

// NewAPIError creates a generic internal error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}
