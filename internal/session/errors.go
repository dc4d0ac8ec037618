package session

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoSuchPeer      = errors.New("no such peer")
	ErrNotFound        = errors.New("not found")
	ErrTransport       = errors.New("transport error")
	ErrParse           = errors.New("parse error")
)

// Error codes attached to sink errors.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeDiscovery       = "DISCOVERY_ERROR"
	CodeAdvertising     = "ADVERTISING_ERROR"
	CodeConnection      = "CONNECTION_ERROR"
	CodePayload         = "PAYLOAD_ERROR"
)
