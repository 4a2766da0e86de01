package graph

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrRateLimited marks a 429 response. It surfaces wrapped in a
	// FetchError once the attempt budget is spent.
	ErrRateLimited = errors.New("graph: rate limited")

	// ErrTransient marks a transport failure or timeout.
	ErrTransient = errors.New("graph: transient network error")

	// ErrUnauthorized is returned when a request is rejected with 401 even
	// after the token was re-acquired.
	ErrUnauthorized = errors.New("graph: unauthorized")
)

// StatusError is a terminal non-2xx response that is not retried.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph: status %d", e.StatusCode)
}

// FetchError is returned when every attempt of a call failed with a
// retryable outcome.
type FetchError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a 404 from Graph.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == 404
}

func newStatusError(status int, body []byte) *StatusError {
	se := &StatusError{StatusCode: status}

	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		se.Code = payload.Error.Code
		se.Message = payload.Error.Message
	}
	return se
}
