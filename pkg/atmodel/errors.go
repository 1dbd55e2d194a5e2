package atmodel

import (
	"errors"
	"net/http"
)

// Kind identifies one of the error taxonomy's named kinds. Gateway responses
// serialize this verbatim as the JSON "error" field.
type Kind string

const (
	KindMethodNotFound        Kind = "MethodNotFound"
	KindInvalidRequest        Kind = "InvalidRequest"
	KindServiceUnavailable    Kind = "ServiceUnavailable"
	KindUpstreamFailure       Kind = "UpstreamFailure"
	KindUpstreamTimeout       Kind = "UpstreamTimeout"
	KindUnsupportedExpression Kind = "UnsupportedExpression"
	KindDeployValidationError Kind = "DeployValidationError"
	KindStorageError          Kind = "StorageError"
	KindInternalServerError   Kind = "InternalServerError"
)

var statusByKind = map[Kind]int{
	KindMethodNotFound:        http.StatusNotFound,
	KindInvalidRequest:        http.StatusBadRequest,
	KindServiceUnavailable:    http.StatusServiceUnavailable,
	KindUpstreamFailure:       http.StatusBadGateway,
	KindUpstreamTimeout:       http.StatusGatewayTimeout,
	KindUnsupportedExpression: http.StatusBadRequest,
	KindDeployValidationError: http.StatusBadRequest,
	KindStorageError:          http.StatusInternalServerError,
	KindInternalServerError:   http.StatusInternalServerError,
}

// Error is the typed error value carried through every component boundary.
// It implements the error interface and carries the HTTP status the Gateway's
// error handler writes for it.
type Error struct {
	ErrKind Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code this error's kind maps to.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.ErrKind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{ErrKind: kind, Message: message, Cause: cause}
}

func NewMethodNotFound(name string) *Error {
	return newErr(KindMethodNotFound, "method not found: "+name, nil)
}

func NewInvalidRequest(message string) *Error {
	return newErr(KindInvalidRequest, message, nil)
}

func NewServiceUnavailable(message string) *Error {
	return newErr(KindServiceUnavailable, message, nil)
}

func NewUpstreamFailure(message string, cause error) *Error {
	return newErr(KindUpstreamFailure, message, cause)
}

func NewUpstreamTimeout(message string, cause error) *Error {
	return newErr(KindUpstreamTimeout, message, cause)
}

func NewUnsupportedExpression(message string) *Error {
	return newErr(KindUnsupportedExpression, message, nil)
}

func NewDeployValidationError(reasons []string) *Error {
	msg := "deploy validation failed"
	for i, r := range reasons {
		if i == 0 {
			msg += ": " + r
		} else {
			msg += "; " + r
		}
	}
	return newErr(KindDeployValidationError, msg, nil)
}

func NewStorageError(message string, cause error) *Error {
	return newErr(KindStorageError, message, cause)
}

func NewInternalServerError(message string, cause error) *Error {
	return newErr(KindInternalServerError, message, cause)
}

// AsAtmodelError unwraps err looking for an *Error, defaulting to
// InternalServerError if none is found.
func AsAtmodelError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newErr(KindInternalServerError, "internal error", err)
}
