package engine

import "net/http"

// Error is an engine-level failure carrying the HTTP status it should
// be reported as.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(status int, message string, cause error) *Error {
	return &Error{Status: status, Message: message, Err: cause}
}

func errUnknownServerType(tag string) *Error {
	return newError(http.StatusNotFound, "unknown server type: "+tag, nil)
}

func errBadRequest(cause error) *Error {
	return newError(http.StatusBadRequest, "invalid JSON in request body", cause)
}

func errCapacity(cause error) *Error {
	return newError(http.StatusServiceUnavailable, "tool process capacity exceeded", cause)
}

func errTimeout(cause error) *Error {
	return newError(http.StatusGatewayTimeout, "tool server request timeout", cause)
}

func errInternal(cause error) *Error {
	return newError(http.StatusInternalServerError, "error processing request", cause)
}
