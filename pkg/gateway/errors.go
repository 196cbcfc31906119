package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fortiblox/multiclient/pkg/multiclient"
	"github.com/fortiblox/multiclient/pkg/request"
	"github.com/fortiblox/multiclient/pkg/rpcpool"
	"github.com/fortiblox/multiclient/pkg/session"
	"github.com/fortiblox/multiclient/pkg/tonapi"
	"github.com/fortiblox/multiclient/pkg/worker"
)

// JSON-RPC 2.0 error codes, used for envelope errors that never reached a
// backend.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Error is the error half of the response envelope.
type Error struct {
	// Code is either an HTTP status or a backend error code.
	Code    int
	Message string

	status int
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// Status returns the HTTP status written for e on REST routes.
func (e *Error) Status() int {
	if e.status != 0 {
		return e.status
	}
	if e.Code >= 400 && e.Code < 600 {
		return e.Code
	}
	return http.StatusInternalServerError
}

// NewError creates an error whose code doubles as the HTTP status.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func badRequest(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, fmt.Sprintf(format, args...))
}

var (
	errParse          = &Error{Code: ParseError, Message: "parse error", status: http.StatusBadRequest}
	errInvalidRequest = &Error{Code: InvalidRequest, Message: "invalid request", status: http.StatusBadRequest}
)

// toError classifies err for the envelope. Backend error codes are passed
// through as-is.
func toError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	var te *tonapi.Error
	if errors.As(err, &te) {
		return &Error{Code: int(te.Code), Message: te.Message}
	}

	switch {
	case errors.Is(err, session.ErrInvalidToken):
		return NewError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, request.ErrInvalidParameters),
		errors.Is(err, worker.ErrDecodeRequest),
		errors.Is(err, tonapi.ErrInvalidInput),
		errors.Is(err, tonapi.ErrMissingType),
		errors.Is(err, tonapi.ErrUnknownType):
		return NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, rpcpool.ErrNoWorkers),
		errors.Is(err, rpcpool.ErrPoolClosed),
		errors.Is(err, multiclient.ErrClosed):
		return NewError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(http.StatusGatewayTimeout, err.Error())
	default:
		return NewError(http.StatusInternalServerError, err.Error())
	}
}
