package session

import (
	"time"

	"github.com/rudransh-shrivastava/airlink/internal/protocol"
	"github.com/rudransh-shrivastava/airlink/internal/transport"
)

// Sink receives one category of session events. A session holds at most
// one sink per category; subscribing again replaces the previous one.
type Sink[E any] interface {
	Send(event E)
	Error(code string, err error)
}

// SinkFuncs adapts plain functions to a Sink. Nil fields are ignored.
type SinkFuncs[E any] struct {
	OnEvent func(E)
	OnError func(code string, err error)
}

func (f SinkFuncs[E]) Send(event E) {
	if f.OnEvent != nil {
		f.OnEvent(event)
	}
}

func (f SinkFuncs[E]) Error(code string, err error) {
	if f.OnError != nil {
		f.OnError(code, err)
	}
}

type DiscoveryEventType uint8

const (
	PeerFound DiscoveryEventType = iota + 1
	PeerLost
)

func (t DiscoveryEventType) String() string {
	switch t {
	case PeerFound:
		return "found"
	case PeerLost:
		return "lost"
	default:
		return "unknown"
	}
}

type DiscoveryEvent struct {
	Type       DiscoveryEventType
	UserID     string
	Name       string
	EndpointID string
}

type ConnectionEventType uint8

const (
	ConnectionInitiated ConnectionEventType = iota + 1
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
)

func (t ConnectionEventType) String() string {
	switch t {
	case ConnectionInitiated:
		return "initiated"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type ConnectionEvent struct {
	Type       ConnectionEventType
	UserID     string
	Name       string
	EndpointID string
	// Status is set on failed events.
	Status transport.StatusCode
	// Synthetic marks a connected event replayed for a peer that was
	// already connected when Connect was called.
	Synthetic bool
}

type MessageEvent struct {
	ID         int64
	From       string
	Name       string
	Message    string
	ReceivedAt time.Time
}

type FileEvent struct {
	TransferID int64
	From       protocol.Identity
	FileName   string
	Path       string
	Category   Category
	Size       int64
}

type ProgressEvent struct {
	TransferID       int64
	UserID           string
	Direction        Direction
	Kind             TransferKind
	BytesTransferred int64
	TotalBytes       int64
	Status           Status
}

type sinks struct {
	discovery  Sink[DiscoveryEvent]
	connection Sink[ConnectionEvent]
	message    Sink[MessageEvent]
	file       Sink[FileEvent]
	progress   Sink[ProgressEvent]
}

// outbox collects work that must run after the session lock is released:
// sink deliveries and history writes, in the order they were queued.
type outbox struct {
	fns []func()
}

func (o *outbox) add(fn func()) {
	o.fns = append(o.fns, fn)
}

func (o *outbox) flush() {
	for _, fn := range o.fns {
		fn()
	}
	o.fns = nil
}

func emit[E any](o *outbox, sink Sink[E], event E) {
	if sink == nil {
		return
	}
	o.add(func() { sink.Send(event) })
}

func emitError[E any](o *outbox, sink Sink[E], code string, err error) {
	if sink == nil {
		return
	}
	o.add(func() { sink.Error(code, err) })
}
