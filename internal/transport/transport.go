// Package transport defines the peer transport the session core runs on:
// endpoint discovery, link establishment and payload delivery.
package transport

import (
	"context"
	"errors"
)

var (
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrNotConnected    = errors.New("endpoint not connected")
	ErrClosed          = errors.New("transport closed")
)

// Transport is implemented by every link layer. Methods only enqueue work;
// results are reported asynchronously through the Handler.
type Transport interface {
	SetHandler(h Handler)

	StartDiscovery(ctx context.Context, serviceID string) error
	StopDiscovery() error
	StartAdvertising(ctx context.Context, serviceID string, info []byte) error
	StopAdvertising() error

	RequestConnection(ctx context.Context, endpointID string, info []byte) error
	AcceptConnection(endpointID string) error
	RejectConnection(endpointID string) error
	DisconnectFromEndpoint(endpointID string) error
	StopAllEndpoints() error

	SendBytes(endpointID string, data []byte) (int64, error)
	SendFile(endpointID, path, name string) (int64, error)
	CancelPayload(payloadID int64) error
}

// Handler receives transport callbacks. Implementations are invoked from a
// single goroutine per transport, in the order events happened.
type Handler interface {
	OnEndpointFound(endpointID string, info []byte)
	OnEndpointLost(endpointID string)

	OnConnectionInitiated(endpointID string, info ConnectionInfo)
	OnConnectionResult(endpointID string, res Resolution)
	OnDisconnected(endpointID string)

	OnPayloadReceived(endpointID string, p Payload)
	OnPayloadTransferUpdate(endpointID string, u TransferUpdate)
}

type ConnectionInfo struct {
	EndpointInfo []byte
	Incoming     bool
}

type StatusCode int

const (
	StatusOK               StatusCode = 0
	StatusError            StatusCode = 13
	StatusRejected         StatusCode = 8004
	StatusAlreadyConnected StatusCode = 8003
	StatusEndpointUnknown  StatusCode = 8011
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusRejected:
		return "CONNECTION_REJECTED"
	case StatusAlreadyConnected:
		return "ALREADY_CONNECTED"
	case StatusEndpointUnknown:
		return "ENDPOINT_UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

type Resolution struct {
	Status StatusCode
}

func (r Resolution) Success() bool { return r.Status == StatusOK }

type PayloadKind uint8

const (
	PayloadBytes PayloadKind = iota + 1
	PayloadFile
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadBytes:
		return "BYTES"
	case PayloadFile:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

// Payload announces an incoming payload. For file payloads Path names the
// file the transport is writing into; it is complete once a Success update
// for the same ID arrives.
type Payload struct {
	ID    int64
	Kind  PayloadKind
	Bytes []byte
	Name  string
	Path  string
	Size  int64
}

type TransferStatus uint8

const (
	TransferInProgress TransferStatus = iota + 1
	TransferSuccess
	TransferFailure
	TransferCanceled
)

func (s TransferStatus) String() string {
	switch s {
	case TransferInProgress:
		return "IN_PROGRESS"
	case TransferSuccess:
		return "SUCCESS"
	case TransferFailure:
		return "FAILURE"
	case TransferCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

func (s TransferStatus) Terminal() bool {
	return s == TransferSuccess || s == TransferFailure || s == TransferCanceled
}

type TransferUpdate struct {
	PayloadID        int64
	BytesTransferred int64
	TotalBytes       int64
	Status           TransferStatus
}
