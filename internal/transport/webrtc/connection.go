package webrtc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/pion/webrtc/v3"
)

const (
	// Senders pause once this much data is queued on the data channel.
	maxBufferedAmount = 1 << 20
	bufferedAmountLow = 256 * 1024
)

var errLinkClosed = errors.New("webrtc: link closed")

// link is one peer connection and its single ordered data channel.
type link struct {
	id       string
	incoming bool
	info     []byte

	mu sync.Mutex
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
	// signal is the pending offer connection of an incoming link.
	signal net.Conn

	// Guarded by the Transport lock.
	offer       string
	accepted    bool
	opened      bool
	established bool
	inbound     map[int64]*inbound

	writable  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// inbound is a file the peer is sending us, keyed by the peer's id.
type inbound struct {
	localID  int64
	name     string
	path     string
	file     *os.File
	size     int64
	received int64
}

func newLink(id string, info []byte, incoming bool) *link {
	return &link{
		id:       id,
		incoming: incoming,
		info:     info,
		inbound:  make(map[int64]*inbound),
		writable: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	protocolName := "airlink"
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}

func (l *link) attach(pc *webrtc.PeerConnection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pc = pc
}

func (l *link) setDataChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(bufferedAmountLow)
	dc.OnBufferedAmountLow(func() {
		select {
		case l.writable <- struct{}{}:
		default:
		}
	})
}

func (l *link) send(data []byte) error {
	select {
	case <-l.done:
		return errLinkClosed
	default:
	}

	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()

	if dc == nil {
		return fmt.Errorf("data channel not ready")
	}
	return dc.Send(data)
}

// waitWritable blocks while the data channel buffer is full.
func (l *link) waitWritable(stop <-chan struct{}) error {
	for {
		l.mu.Lock()
		dc := l.dc
		l.mu.Unlock()
		if dc == nil {
			return errLinkClosed
		}
		if dc.BufferedAmount() <= maxBufferedAmount {
			return nil
		}

		select {
		case <-l.writable:
		case <-l.done:
			return errLinkClosed
		case <-stop:
			return errTransferCanceled
		}
	}
}

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)

		l.mu.Lock()
		pc, dc, conn := l.pc, l.dc, l.signal
		l.signal = nil
		l.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if dc != nil {
			_ = dc.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
	})
}

func (l *link) takeSignal() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	conn := l.signal
	l.signal = nil
	return conn
}
