// Package mem is an in-process transport. Every Transport created from the
// same Network can discover and connect to the others, which makes it the
// link layer for tests and local simulations.
package mem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/airlink/internal/transport"
)

const defaultChunkSize = 64 * 1024

var ErrAlreadyConnected = errors.New("mem: endpoint already connected")

type Options struct {
	// IncomingDir receives in-flight file payloads. Defaults to os.TempDir().
	IncomingDir string
	ChunkSize   int
	// ChunkDelay slows file copies down so progress can be observed.
	ChunkDelay time.Duration
}

type Network struct {
	mu        sync.Mutex
	nodes     map[string]*Transport
	transfers map[int64]*fileTransfer
	nextID    int64
}

func NewNetwork() *Network {
	return &Network{
		nodes:     make(map[string]*Transport),
		transfers: make(map[int64]*fileTransfer),
		nextID:    1000,
	}
}

type Transport struct {
	net  *Network
	id   string
	opts Options

	dispatcher *transport.Dispatcher
	handler    transport.Handler

	advertising bool
	advService  string
	advInfo     []byte

	discovering bool
	discService string

	links  map[string]*link
	closed bool
}

type link struct {
	accepted    map[string]bool
	established bool
}

type fileTransfer struct {
	id       int64
	from, to *Transport
	link     *link
	canceled bool
}

// NewTransport registers a node under endpointID on the network.
func (n *Network) NewTransport(endpointID string, opts Options) (*Transport, error) {
	if opts.IncomingDir == "" {
		opts.IncomingDir = os.TempDir()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.nodes[endpointID]; exists {
		return nil, fmt.Errorf("mem: endpoint %q already registered", endpointID)
	}

	t := &Transport{
		net:        n,
		id:         endpointID,
		opts:       opts,
		dispatcher: transport.NewDispatcher(),
		links:      make(map[string]*link),
	}
	n.nodes[endpointID] = t
	return t, nil
}

func (t *Transport) EndpointID() string { return t.id }

func (t *Transport) SetHandler(h transport.Handler) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.handler = h
}

// emit queues a callback on t. Callers hold the network lock.
func (t *Transport) emit(fn func(h transport.Handler)) {
	if t.closed || t.handler == nil {
		return
	}
	h := t.handler
	t.dispatcher.Enqueue(func() { fn(h) })
}

func (t *Transport) StartDiscovery(_ context.Context, serviceID string) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	t.discovering = true
	t.discService = serviceID

	for _, other := range n.nodes {
		if other == t || !other.advertising || other.advService != serviceID {
			continue
		}
		id, info := other.id, clone(other.advInfo)
		t.emit(func(h transport.Handler) { h.OnEndpointFound(id, info) })
	}
	return nil
}

func (t *Transport) StopDiscovery() error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.discovering = false
	return nil
}

func (t *Transport) StartAdvertising(_ context.Context, serviceID string, info []byte) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	t.advertising = true
	t.advService = serviceID
	t.advInfo = clone(info)

	for _, other := range n.nodes {
		if other == t || !other.discovering || other.discService != serviceID {
			continue
		}
		id, info := t.id, clone(info)
		other.emit(func(h transport.Handler) { h.OnEndpointFound(id, info) })
	}
	return nil
}

func (t *Transport) StopAdvertising() error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	t.stopAdvertisingLocked()
	return nil
}

func (t *Transport) stopAdvertisingLocked() {
	if !t.advertising {
		return
	}
	t.advertising = false

	for _, other := range t.net.nodes {
		if other == t || !other.discovering || other.discService != t.advService {
			continue
		}
		id := t.id
		other.emit(func(h transport.Handler) { h.OnEndpointLost(id) })
	}
}

func (t *Transport) RequestConnection(_ context.Context, endpointID string, info []byte) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	target, ok := n.nodes[endpointID]
	if !ok || target == t || !target.advertising {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	if _, exists := t.links[endpointID]; exists {
		return ErrAlreadyConnected
	}

	l := &link{accepted: make(map[string]bool)}
	t.links[target.id] = l
	target.links[t.id] = l

	targetID, targetInfo := target.id, clone(target.advInfo)
	t.emit(func(h transport.Handler) {
		h.OnConnectionInitiated(targetID, transport.ConnectionInfo{EndpointInfo: targetInfo})
	})
	selfID, selfInfo := t.id, clone(info)
	target.emit(func(h transport.Handler) {
		h.OnConnectionInitiated(selfID, transport.ConnectionInfo{EndpointInfo: selfInfo, Incoming: true})
	})
	return nil
}

func (t *Transport) AcceptConnection(endpointID string) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := t.links[endpointID]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	if l.established {
		return nil
	}
	l.accepted[t.id] = true
	if !l.accepted[endpointID] {
		return nil
	}

	l.established = true
	peer := n.nodes[endpointID]
	res := transport.Resolution{Status: transport.StatusOK}
	selfID := t.id
	t.emit(func(h transport.Handler) { h.OnConnectionResult(endpointID, res) })
	peer.emit(func(h transport.Handler) { h.OnConnectionResult(selfID, res) })
	return nil
}

func (t *Transport) RejectConnection(endpointID string) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := t.links[endpointID]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	if l.established {
		return fmt.Errorf("mem: link to %s already established", endpointID)
	}
	t.closeLinkLocked(endpointID, transport.StatusRejected)
	return nil
}

func (t *Transport) DisconnectFromEndpoint(endpointID string) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := t.links[endpointID]; !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	t.closeLinkLocked(endpointID, transport.StatusError)
	return nil
}

func (t *Transport) StopAllEndpoints() error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	t.stopAdvertisingLocked()
	t.discovering = false
	for id := range t.links {
		t.closeLinkLocked(id, transport.StatusError)
	}
	return nil
}

// closeLinkLocked tears down the link to endpointID on both ends. Links
// that never got established report status as a failed result instead.
func (t *Transport) closeLinkLocked(endpointID string, status transport.StatusCode) {
	n := t.net
	l := t.links[endpointID]
	peer := n.nodes[endpointID]
	delete(t.links, endpointID)
	if peer != nil {
		delete(peer.links, t.id)
	}

	for _, ft := range n.transfers {
		if ft.link == l {
			ft.link = nil
		}
	}

	selfID := t.id
	if l.established {
		t.emit(func(h transport.Handler) { h.OnDisconnected(endpointID) })
		if peer != nil {
			peer.emit(func(h transport.Handler) { h.OnDisconnected(selfID) })
		}
		return
	}

	res := transport.Resolution{Status: status}
	t.emit(func(h transport.Handler) { h.OnConnectionResult(endpointID, res) })
	if peer != nil {
		peer.emit(func(h transport.Handler) { h.OnConnectionResult(selfID, res) })
	}
}

func (t *Transport) SendBytes(endpointID string, data []byte) (int64, error) {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := t.links[endpointID]
	if !ok || !l.established {
		return 0, fmt.Errorf("%w: %s", transport.ErrNotConnected, endpointID)
	}
	n.nextID++
	id := n.nextID

	peer := n.nodes[endpointID]
	size := int64(len(data))
	done := transport.TransferUpdate{PayloadID: id, BytesTransferred: size, TotalBytes: size, Status: transport.TransferSuccess}
	selfID, payload := t.id, transport.Payload{ID: id, Kind: transport.PayloadBytes, Bytes: clone(data), Size: size}

	peer.emit(func(h transport.Handler) {
		h.OnPayloadReceived(selfID, payload)
		h.OnPayloadTransferUpdate(selfID, done)
	})
	t.emit(func(h transport.Handler) { h.OnPayloadTransferUpdate(endpointID, done) })
	return id, nil
}

func (t *Transport) SendFile(endpointID, path, name string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("mem: failed to open %s: %w", path, err)
	}
	info, err := src.Stat()
	if err != nil {
		_ = src.Close()
		return 0, fmt.Errorf("mem: failed to stat %s: %w", path, err)
	}

	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := t.links[endpointID]
	if !ok || !l.established {
		_ = src.Close()
		return 0, fmt.Errorf("%w: %s", transport.ErrNotConnected, endpointID)
	}
	peer := n.nodes[endpointID]

	n.nextID++
	id := n.nextID

	dstPath := filepath.Join(peer.opts.IncomingDir, fmt.Sprintf(".airlink-%d.part", id))
	dst, err := os.Create(dstPath)
	if err != nil {
		_ = src.Close()
		return 0, fmt.Errorf("mem: failed to create %s: %w", dstPath, err)
	}

	if name == "" {
		name = filepath.Base(path)
	}
	ft := &fileTransfer{id: id, from: t, to: peer, link: l}
	n.transfers[id] = ft

	size := info.Size()
	payload := transport.Payload{ID: id, Kind: transport.PayloadFile, Name: name, Path: dstPath, Size: size}
	start := transport.TransferUpdate{PayloadID: id, TotalBytes: size, Status: transport.TransferInProgress}
	selfID := t.id
	peer.emit(func(h transport.Handler) {
		h.OnPayloadReceived(selfID, payload)
		h.OnPayloadTransferUpdate(selfID, start)
	})
	t.emit(func(h transport.Handler) { h.OnPayloadTransferUpdate(endpointID, start) })

	go n.copyFile(ft, src, dst, size)
	return id, nil
}

func (t *Transport) CancelPayload(payloadID int64) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	ft, ok := n.transfers[payloadID]
	if !ok {
		return fmt.Errorf("mem: unknown payload %d", payloadID)
	}
	ft.canceled = true
	return nil
}

// Close detaches the transport from the network and waits for queued
// callbacks to drain.
func (t *Transport) Close() error {
	n := t.net
	n.mu.Lock()
	if t.closed {
		n.mu.Unlock()
		return nil
	}
	t.stopAdvertisingLocked()
	for id := range t.links {
		t.closeLinkLocked(id, transport.StatusError)
	}
	t.closed = true
	delete(n.nodes, t.id)
	n.mu.Unlock()

	t.dispatcher.Close()
	return nil
}

func (n *Network) copyFile(ft *fileTransfer, src, dst *os.File, size int64) {
	defer func() { _ = src.Close() }()

	buf := make([]byte, ft.from.opts.ChunkSize)
	var sent int64
	status := transport.TransferSuccess

	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			if _, err := dst.Write(buf[:nr]); err != nil {
				status = transport.TransferFailure
				break
			}
			sent += int64(nr)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			status = transport.TransferFailure
			break
		}

		n.mu.Lock()
		if ft.canceled {
			status = transport.TransferCanceled
		} else if ft.link == nil {
			status = transport.TransferFailure
		} else {
			n.updateLocked(ft, sent, size, transport.TransferInProgress)
		}
		n.mu.Unlock()
		if status != transport.TransferSuccess {
			break
		}

		if d := ft.from.opts.ChunkDelay; d > 0 {
			time.Sleep(d)
		}
	}

	closeErr := dst.Close()
	if closeErr != nil && status == transport.TransferSuccess {
		status = transport.TransferFailure
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if status == transport.TransferSuccess && ft.link == nil {
		status = transport.TransferFailure
	}
	if status != transport.TransferSuccess {
		_ = os.Remove(dst.Name())
	}
	delete(n.transfers, ft.id)
	n.updateLocked(ft, sent, size, status)
}

func (n *Network) updateLocked(ft *fileTransfer, sent, size int64, status transport.TransferStatus) {
	u := transport.TransferUpdate{PayloadID: ft.id, BytesTransferred: sent, TotalBytes: size, Status: status}
	fromID, toID := ft.from.id, ft.to.id
	ft.from.emit(func(h transport.Handler) { h.OnPayloadTransferUpdate(toID, u) })
	ft.to.emit(func(h transport.Handler) { h.OnPayloadTransferUpdate(fromID, u) })
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
