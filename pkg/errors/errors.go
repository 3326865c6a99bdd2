// Package errors defines the error codes the signaling surface emits.
// Codes cross the wire verbatim inside error and message-failed
// events, so clients switch on them; the strings are part of the
// protocol.
package errors

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// Authentication and authorization errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeNotFriends   ErrorCode = "NOT_FRIENDS"

	// Signaling errors
	ErrCodeRecipientOffline ErrorCode = "RECIPIENT_OFFLINE"
	ErrCodeInvalidRoom      ErrorCode = "INVALID_ROOM"
	ErrCodeCallActive       ErrorCode = "CALL_ACTIVE"

	// Internal errors
	ErrCodePersistence ErrorCode = "PERSISTENCE_ERROR"
)
