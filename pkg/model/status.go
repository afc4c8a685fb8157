package model

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound     = errors.New("sandbox does not exist")
	ErrUnauthorized = errors.New("invalid sandbox access token")
	ErrAccessDenied = errors.New("datastore access denied")
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string    `json:"error"`
	Kind  ErrorKind `json:"kind,omitempty"`
}

// NewErrorResponse builds the response body for err.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{Error: err.Error(), Kind: KindOf(err)}
}

// HTTPStatus maps err to the status code used by every HTTP surface.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	}
	switch KindOf(err) {
	case KindConfiguration:
		return http.StatusBadRequest
	case KindTool:
		return http.StatusUnprocessableEntity
	case KindResource, KindSandboxNotStarted:
		return http.StatusConflict
	case KindSandboxStart, KindSandboxStop:
		return http.StatusBadGateway
	case KindDatabase:
		if errors.Is(err, ErrAccessDenied) {
			return http.StatusForbidden
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// NewNotFoundError reports an id the orchestrator has never seen.
func NewNotFoundError(id string) *Error {
	return &Error{Kind: KindSandboxNotStarted, SandboxID: id, Message: "unknown id", Err: ErrNotFound}
}
