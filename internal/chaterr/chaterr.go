// Package chaterr defines the closed error taxonomy used by the chat API.
//
// Every error carries a stable machine-readable code of the form
// "type:surface" (for example "rate_limit:chat"). Validation failures are
// returned to the caller before any side effect; unexpected failures are
// reported as "offline" with the internal cause hidden from the response.
package chaterr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes an error within the closed taxonomy.
type ErrorType string

const (
	TypeBadRequest   ErrorType = "bad_request"
	TypeUnauthorized ErrorType = "unauthorized"
	TypeForbidden    ErrorType = "forbidden"
	TypeRateLimit    ErrorType = "rate_limit"
	TypeOffline      ErrorType = "offline"
)

// Surface identifies the API surface an error originated from.
type Surface string

const (
	SurfaceAPI     Surface = "api"
	SurfaceChat    Surface = "chat"
	SurfaceStream  Surface = "stream"
	SurfaceAuth    Surface = "auth"
	SurfaceGateway Surface = "activate_gateway"
)

// ChatError is a taxonomy error with a stable code and a user-facing message.
type ChatError struct {
	Type    ErrorType
	Surface Surface
	cause   error
}

// New creates a taxonomy error.
func New(t ErrorType, s Surface) *ChatError {
	return &ChatError{Type: t, Surface: s}
}

// Wrap creates a taxonomy error that records an internal cause. The cause is
// available for logging via Unwrap but never leaks into the response body.
func Wrap(t ErrorType, s Surface, cause error) *ChatError {
	return &ChatError{Type: t, Surface: s, cause: cause}
}

// Code returns the stable machine-readable code, e.g. "forbidden:chat".
func (e *ChatError) Code() string {
	return fmt.Sprintf("%s:%s", e.Type, e.Surface)
}

func (e *ChatError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code(), e.cause)
	}
	return e.Code()
}

func (e *ChatError) Unwrap() error {
	return e.cause
}

// HTTPStatus maps the error type to an HTTP status code.
func (e *ChatError) HTTPStatus() int {
	switch e.Type {
	case TypeBadRequest:
		return http.StatusBadRequest
	case TypeUnauthorized:
		return http.StatusUnauthorized
	case TypeForbidden:
		return http.StatusForbidden
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeOffline:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-visible message for the error code. Offline
// errors deliberately hide their cause.
func (e *ChatError) Message() string {
	switch e.Code() {
	case "bad_request:api":
		return "The request couldn't be processed. Please check your input and try again."
	case "bad_request:chat":
		return "The chat request was malformed. Please check your input and try again."
	case "bad_request:activate_gateway":
		return "The model gateway requires activation before it can serve requests."
	case "unauthorized:chat", "unauthorized:auth":
		return "You need to sign in before continuing."
	case "forbidden:chat":
		return "This chat belongs to another user."
	case "rate_limit:chat":
		return "You have exceeded your maximum number of messages for the day. Please try again later."
	default:
		if e.Type == TypeOffline {
			return "We're having trouble processing your request. Please try again later."
		}
		return "Something went wrong. Please try again later."
	}
}

// Response is the JSON body for a non-stream error response.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToResponse builds the stable JSON representation of the error.
func (e *ChatError) ToResponse() Response {
	return Response{Code: e.Code(), Message: e.Message()}
}

// FromError extracts a *ChatError from err, or nil if err is not one.
func FromError(err error) *ChatError {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
