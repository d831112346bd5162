// Package errors provides protocol-level error types shared across the node.
// The error types mirror the control frames the servers emit toward agents.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType identifies the class of a protocol error as carried on the wire.
type ErrorType string

const (
	ErrorTypeMessageFailure     ErrorType = "message_failure"
	ErrorTypeInvalidMessage     ErrorType = "invalid_message"
	ErrorTypeBadPacket          ErrorType = "bad_packet"
	ErrorTypeTooManyBadMessages ErrorType = "too_many_bad_messages"
	ErrorTypeSpeedLimit         ErrorType = "speed_limit_exceeded"
	ErrorTypeAuthFailed         ErrorType = "auth_failed"
	ErrorTypeTargetNotFound     ErrorType = "target_not_found"
	ErrorTypeProtocolViolation  ErrorType = "protocol_violation"
	ErrorTypeInternal           ErrorType = "internal_error"
)

// ProtocolError is an error with a wire-visible type, suitable for embedding
// into an error control frame payload.
type ProtocolError struct {
	Type    ErrorType `json:"error_type"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewInvalidMessageError creates a schema-validation error.
func NewInvalidMessageError(message string, details ...string) *ProtocolError {
	return newError(ErrorTypeInvalidMessage, message, details...)
}

// NewBadPacketError creates an oversized-frame error.
func NewBadPacketError(message string, details ...string) *ProtocolError {
	return newError(ErrorTypeBadPacket, message, details...)
}

// NewAuthFailedError creates an authentication error.
func NewAuthFailedError(message string, details ...string) *ProtocolError {
	return newError(ErrorTypeAuthFailed, message, details...)
}

// NewTargetNotFoundError creates a delivery error for an unknown recipient.
func NewTargetNotFoundError(message string, details ...string) *ProtocolError {
	return newError(ErrorTypeTargetNotFound, message, details...)
}

// NewMessageFailureError creates a framing or parse error.
func NewMessageFailureError(message string, details ...string) *ProtocolError {
	return newError(ErrorTypeMessageFailure, message, details...)
}

// NewInternalError creates an internal error.
func NewInternalError(message string, details ...string) *ProtocolError {
	return newError(ErrorTypeInternal, message, details...)
}

func newError(typ ErrorType, message string, details ...string) *ProtocolError {
	detail := ""
	if len(details) > 0 {
		detail = details[0]
	}
	return &ProtocolError{
		Type:    typ,
		Message: message,
		Details: detail,
	}
}

// IsType reports whether err is a ProtocolError of the given type.
func IsType(err error, typ ErrorType) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Type == typ
	}
	return false
}
