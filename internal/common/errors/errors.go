// Package errors provides the tagged error values surfaced by the Maestro engine.
// Every engine failure is an AppError with a stable code; callers branch on the
// code (or the Is* predicates) rather than on message text.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeInvalidPath        = "INVALID_PATH"
	ErrCodeUnknownAgent       = "UNKNOWN_AGENT"
	ErrCodeSessionBusy        = "SESSION_BUSY"
	ErrCodeWriteLocked        = "WRITE_LOCKED"
	ErrCodeTabBusy            = "TAB_BUSY"
	ErrCodeAgentNotFound      = "AGENT_NOT_FOUND"
	ErrCodeAgentError         = "AGENT_ERROR"
	ErrCodePlaybookInvalid    = "PLAYBOOK_INVALID"
	ErrCodeInterrupted        = "INTERRUPTED"
	ErrCodePersistence        = "PERSISTENCE_FAILURE"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// AppError represents an engine error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	// Recoverable marks agent errors that the scheduler may retry and the UI
	// may surface as a dismissible banner instead of a terminal failure.
	Recoverable bool  `json:"recoverable,omitempty"`
	Err         error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidPath reports a workspace path that does not exist or is not a readable directory.
func InvalidPath(path string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidPath,
		Message:    fmt.Sprintf("workspace path '%s' is not an existing readable directory", path),
		HTTPStatus: http.StatusBadRequest,
	}
}

// UnknownAgent reports an agent kind with no registered adapter.
func UnknownAgent(kind string) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownAgent,
		Message:    fmt.Sprintf("unknown agent kind '%s'", kind),
		HTTPStatus: http.StatusBadRequest,
	}
}

// SessionBusy reports a session that cannot accept a batch because a tab is
// busy or the execution queue is non-empty.
func SessionBusy(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionBusy,
		Message:    fmt.Sprintf("session '%s' is busy", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// WriteLocked reports a dispatch refused because another tab in the session
// holds the write-mode lock.
func WriteLocked(sessionID, busyTabID string) *AppError {
	return &AppError{
		Code:       ErrCodeWriteLocked,
		Message:    fmt.Sprintf("session '%s' is write-locked by tab '%s'", sessionID, busyTabID),
		HTTPStatus: http.StatusConflict,
	}
}

// TabBusy reports an operation refused because the target tab is busy.
func TabBusy(tabID string) *AppError {
	return &AppError{
		Code:       ErrCodeTabBusy,
		Message:    fmt.Sprintf("tab '%s' is busy", tabID),
		HTTPStatus: http.StatusConflict,
	}
}

// AgentNotFound reports that the agent executable could not be resolved.
func AgentNotFound(kind, executable string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentNotFound,
		Message:    fmt.Sprintf("agent '%s' executable '%s' not found", kind, executable),
		HTTPStatus: http.StatusFailedDependency,
	}
}

// AgentError reports an error surfaced by the agent child process.
func AgentError(kind, message string, recoverable bool) *AppError {
	return &AppError{
		Code:        ErrCodeAgentError,
		Message:     fmt.Sprintf("%s: %s", kind, message),
		HTTPStatus:  http.StatusBadGateway,
		Recoverable: recoverable,
	}
}

// PlaybookInvalid reports a playbook document that failed to parse.
func PlaybookInvalid(document, reason string) *AppError {
	return &AppError{
		Code:       ErrCodePlaybookInvalid,
		Message:    fmt.Sprintf("playbook document '%s' is invalid: %s", document, reason),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// Interrupted is synthesized on a successful interrupt. It is always recoverable.
func Interrupted() *AppError {
	return &AppError{
		Code:        ErrCodeInterrupted,
		Message:     "agent interrupted",
		HTTPStatus:  http.StatusConflict,
		Recoverable: true,
	}
}

// PersistenceFailure reports a failed state write. In-memory state stays authoritative.
func PersistenceFailure(what string, cause error) *AppError {
	return &AppError{
		Code:       ErrCodePersistence,
		Message:    fmt.Sprintf("failed to persist %s", what),
		HTTPStatus: http.StatusInternalServerError,
		Err:        cause,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// An existing AppError keeps its code and status.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:        appErr.Code,
			Message:     fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus:  appErr.HTTPStatus,
			Recoverable: appErr.Recoverable,
			Err:         err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the error code for an error, or INTERNAL_ERROR for plain errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsCode checks whether the error carries the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsWriteLocked checks if the error is a write-lock refusal.
func IsWriteLocked(err error) bool { return IsCode(err, ErrCodeWriteLocked) }

// IsTabBusy checks if the error is a busy-tab refusal.
func IsTabBusy(err error) bool { return IsCode(err, ErrCodeTabBusy) }

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return IsCode(err, ErrCodeNotFound) }

// IsAgentNotFound checks if the error reports an unresolved agent executable.
func IsAgentNotFound(err error) bool { return IsCode(err, ErrCodeAgentNotFound) }

// IsRecoverable reports whether the error is an agent error the caller may retry.
func IsRecoverable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Recoverable
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
