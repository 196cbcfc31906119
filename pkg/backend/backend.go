// Package backend defines the boundary between a worker and the transport
// that talks to one liteserver.
//
// A Backend owns a single connection. The worker pool never calls it
// directly: every Backend is wrapped by a worker.Client that multiplexes
// requests, tracks ids and routes untracked events to a ResponseCallback.
package backend

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fortiblox/multiclient/pkg/config"
	"github.com/fortiblox/multiclient/pkg/keystore"
	"github.com/fortiblox/multiclient/pkg/tonapi"
)

// Common backend errors.
var (
	ErrNotInitialized = errors.New("backend is not initialized")
	ErrClosed         = errors.New("backend is closed")
)

// InitOptions is passed to Backend.Init.
type InitOptions struct {
	// Node is the single-liteserver config the backend serves.
	Node config.Node

	// KeyStore is the worker's key store; nil means keys are kept in memory.
	KeyStore *keystore.Store

	// BlockchainName selects the network, e.g. "mainnet".
	BlockchainName string
}

// Backend is one connection to one liteserver.
type Backend interface {
	// Init connects to the liteserver. It may be called again after failure.
	Init(ctx context.Context, opts InitOptions) error

	// Request performs fn and returns the raw JSON result. Backend-reported
	// failures are returned as *tonapi.Error.
	Request(ctx context.Context, fn tonapi.Function) (json.RawMessage, error)

	// Close releases the connection.
	Close() error
}

// Notification is an event pushed by a backend without a matching request,
// or addressed to a request id the backend chose itself.
type Notification struct {
	RequestID uint64
	Result    json.RawMessage
	Err       *tonapi.Error
}

// Notifier is implemented by backends that push events. The channel is closed
// when the backend is closed.
type Notifier interface {
	Notifications() <-chan Notification
}

// ResponseCallback receives callback-request results and any backend event
// not matched to a tracked request.
type ResponseCallback interface {
	OnResult(workerID int64, requestID uint64, result json.RawMessage)
	OnError(workerID int64, requestID uint64, err *tonapi.Error)
}

// Factory creates the backend for a node.
type Factory func(node config.Node) (Backend, error)

// AsError converts err into a backend error object, keeping the code of
// *tonapi.Error values.
func AsError(err error) *tonapi.Error {
	if err == nil {
		return nil
	}
	var te *tonapi.Error
	if errors.As(err, &te) {
		return te
	}
	return tonapi.NewError(500, err.Error())
}

// CallbackFuncs adapts two functions to ResponseCallback.
type CallbackFuncs struct {
	Result func(workerID int64, requestID uint64, result json.RawMessage)
	Error  func(workerID int64, requestID uint64, err *tonapi.Error)
}

// OnResult implements ResponseCallback.
func (c CallbackFuncs) OnResult(workerID int64, requestID uint64, result json.RawMessage) {
	if c.Result != nil {
		c.Result(workerID, requestID, result)
	}
}

// OnError implements ResponseCallback.
func (c CallbackFuncs) OnError(workerID int64, requestID uint64, err *tonapi.Error) {
	if c.Error != nil {
		c.Error(workerID, requestID, err)
	}
}
