package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeExtraction ErrorType = "EXTRACTION"
	ErrorTypeAuth       ErrorType = "AUTH"
	ErrorTypeAPI        ErrorType = "API"
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeInternal   ErrorType = "INTERNAL"
)

// Error is the tagged failure surfaced to a synchronization caller. Op names
// the failing operation (svnlook command line, or "METHOD /path" for tracker
// calls) so the error can be logged without re-querying state.
type Error struct {
	Type        ErrorType `json:"type"`
	Message     string    `json:"message"`
	Code        int       `json:"code"`
	Op          string    `json:"op,omitempty"`
	TrackerCode string    `json:"tracker_code,omitempty"`
	Details     any       `json:"details,omitempty"`
	Err         error     `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.TrackerCode != "" {
		msg = fmt.Sprintf("%s (tracker code %s)", msg, e.TrackerCode)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
		Code:    http.StatusNotFound,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusBadRequest,
		Details: details,
	}
}

// Extraction reports a failed svnlook query or an unparseable result.
func Extraction(op, message string) *Error {
	return &Error{
		Type:    ErrorTypeExtraction,
		Message: message,
		Code:    http.StatusBadRequest,
		Op:      op,
	}
}

func Auth(op string, err error) *Error {
	return &Error{
		Type:    ErrorTypeAuth,
		Message: "token acquisition failed",
		Code:    http.StatusBadGateway,
		Op:      op,
		Err:     err,
	}
}

// API reports a tracker call failure. trackerCode is empty for transport or
// decoding failures.
func API(op, trackerCode string, err error) *Error {
	msg := "tracker request failed"
	if trackerCode != "" {
		msg = "tracker returned an error"
	}
	return &Error{
		Type:        ErrorTypeAPI,
		Message:     msg,
		Code:        http.StatusBadGateway,
		Op:          op,
		TrackerCode: trackerCode,
		Err:         err,
	}
}

func Internal(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    http.StatusInternalServerError,
		Err:     err,
	}
}

// IsType reports whether any error in err's chain is an *Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Type == t
}

// StatusCode returns the HTTP status an error should be rendered with.
func StatusCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return http.StatusInternalServerError
}
