package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a panel error code.
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"     // 400
	ErrMalformedPayload  ErrorCode = "MALFORMED_PAYLOAD"   // 400
	ErrNotFound          ErrorCode = "NOT_FOUND"           // 404
	ErrFileNotFound      ErrorCode = "FILE_NOT_FOUND"      // 404
	ErrDeckSessionExists ErrorCode = "DECK_SESSION_EXISTS" // 409
	ErrStaleWrite        ErrorCode = "STALE_WRITE"         // 409
	ErrNoActiveSession   ErrorCode = "NO_ACTIVE_SESSION"   // 409
	ErrCancelled         ErrorCode = "CANCELLED"           // 499
	ErrInternal          ErrorCode = "INTERNAL"            // 500
	ErrHostUnavailable   ErrorCode = "HOST_UNAVAILABLE"    // 503
	ErrTimeout           ErrorCode = "TIMEOUT"             // 504
)

// PanelError represents a structured error with code, status, and details.
type PanelError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *PanelError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *PanelError {
	return &PanelError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewMalformedPayload creates a 400 error for an inbound bridge event whose
// payload could not be decoded or failed validation.
func NewMalformedPayload(eventType string, err error) *PanelError {
	msg := "malformed payload"
	if err != nil {
		msg = err.Error()
	}
	return &PanelError{
		Code:    ErrMalformedPayload,
		Status:  400,
		Message: fmt.Sprintf("%s: %s", eventType, msg),
		Details: map[string]any{"type": eventType},
	}
}

// NewNotFound creates a 404 error for when a session cannot be found.
func NewNotFound(identifier string) *PanelError {
	return &PanelError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("session not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewCardUnavailable creates a 404 error when the host could not provide a card.
func NewCardUnavailable(cardID, reason string) *PanelError {
	msg := fmt.Sprintf("card unavailable: %s", cardID)
	if reason != "" {
		msg += " (" + reason + ")"
	}
	return &PanelError{
		Code:    ErrNotFound,
		Status:  404,
		Message: msg,
		Details: map[string]any{"card_id": cardID},
	}
}

// NewFileNotFound creates a 404 error for a missing import file.
func NewFileNotFound(path string) *PanelError {
	return &PanelError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewDeckSessionExists creates a 409 error when a second session would be
// stored for a deck that already has one.
func NewDeckSessionExists(deckID, existingID string) *PanelError {
	return &PanelError{
		Code:    ErrDeckSessionExists,
		Status:  409,
		Message: fmt.Sprintf("deck %q already has session %q", deckID, existingID),
		Details: map[string]any{"deck_id": deckID, "session_id": existingID},
	}
}

// NewStaleWrite creates a 409 error when a replacement was computed from a
// snapshot that a newer write has since superseded, or when it would shrink
// the session list.
func NewStaleWrite(reason string) *PanelError {
	return &PanelError{
		Code:    ErrStaleWrite,
		Status:  409,
		Message: fmt.Sprintf("write rejected: %s", reason),
		Details: map[string]any{"reason": reason},
	}
}

// NewNoActiveSession creates a 409 error for operations that need an active
// session while none is attached.
func NewNoActiveSession() *PanelError {
	return &PanelError{
		Code:    ErrNoActiveSession,
		Status:  409,
		Message: "no active session",
	}
}

// NewCancelled creates a 499 error for an operation aborted by its context.
func NewCancelled(op string) *PanelError {
	return &PanelError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", op),
	}
}

// NewHostUnavailable creates a 503 error when the host does not provide a method.
func NewHostUnavailable(method string) *PanelError {
	return &PanelError{
		Code:    ErrHostUnavailable,
		Status:  503,
		Message: fmt.Sprintf("host method unavailable: %s", method),
		Details: map[string]any{"method": method},
	}
}

// NewTimeout creates a 504 error when the host did not answer in time.
func NewTimeout(op string) *PanelError {
	return &PanelError{
		Code:    ErrTimeout,
		Status:  504,
		Message: fmt.Sprintf("%s timed out", op),
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *PanelError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &PanelError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is (or wraps) a PanelError with the given code.
func Is(err error, code ErrorCode) bool {
	var pErr *PanelError
	if stderrors.As(err, &pErr) {
		return pErr.Code == code
	}
	return false
}
