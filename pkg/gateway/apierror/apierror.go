// Package apierror maps internal failures to the error taxonomy exposed on
// the HTTP surface. No internal error representation crosses the boundary
// unfiltered.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/key2drive/wally-gateway/pkg/gateway/upstream"
)

type Kind string

const (
	KindConfig    Kind = "configuration"
	KindTransport Kind = "transport"
	KindPayload   Kind = "payload"
	KindTimeout   Kind = "timeout"
	KindCanceled  Kind = "canceled"
	KindInternal  Kind = "internal"
)

type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

// New builds an error of the given kind for handler-local failures.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// FromError converts any error into the canonical shape plus HTTP status.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, statusFromKind(out.Kind)
	}

	if errors.Is(err, upstream.ErrMissingCredential) {
		return &Error{
			Kind:      KindConfig,
			Message:   "upstream api key is not configured",
			RequestID: requestID,
		}, http.StatusBadRequest
	}
	if errors.Is(err, upstream.ErrTurnTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Kind:      KindTimeout,
			Message:   "turn timed out",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Kind:      KindCanceled,
			Message:   "request canceled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Unknown errors stay opaque.
	return &Error{
		Kind:      KindInternal,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromKind(kind Kind) int {
	switch kind {
	case KindConfig:
		return http.StatusBadRequest
	case KindPayload:
		return http.StatusBadRequest
	case KindTransport:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON sends an error envelope with the canonical status.
func WriteJSON(w http.ResponseWriter, err error, requestID string) {
	apiErr, status := FromError(err, requestID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: apiErr})
}
