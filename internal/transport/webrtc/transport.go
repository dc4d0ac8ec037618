// Package webrtc is the LAN transport. Advertising endpoints multicast UDP
// beacons, peers exchange one SDP offer and answer over a short TCP
// signaling connection, and payloads then travel over a WebRTC data
// channel.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/airlink/internal/logger"
	"github.com/rudransh-shrivastava/airlink/internal/transport"
)

var (
	ErrAlreadyConnected = errors.New("webrtc: endpoint already connected")
	ErrUnknownPayload   = errors.New("webrtc: unknown payload")
	ErrPayloadTooLarge  = errors.New("webrtc: payload too large")
)

const (
	signalTimeout = 30 * time.Second
	// connectTimeout bounds how long a link may stay unestablished.
	connectTimeout = 45 * time.Second
)

type Options struct {
	// EndpointID defaults to a random 8 character id.
	EndpointID     string
	BeaconPort     int
	BeaconInterval time.Duration
	PeerTTL        time.Duration
	SignalAddr     string
	STUNServers    []string
	ChunkSize      int
	// IncomingDir receives in-flight file payloads. Defaults to os.TempDir().
	IncomingDir string
	Logger      *logrus.Logger
}

func (o *Options) setDefaults() {
	if o.EndpointID == "" {
		o.EndpointID = uuid.NewString()[:8]
	}
	if o.BeaconPort == 0 {
		o.BeaconPort = 47474
	}
	if o.BeaconInterval <= 0 {
		o.BeaconInterval = 2 * time.Second
	}
	if o.PeerTTL < o.BeaconInterval {
		o.PeerTTL = 3*o.BeaconInterval + time.Second
	}
	if o.SignalAddr == "" {
		o.SignalAddr = ":0"
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 16 * 1024
	}
	if o.ChunkSize > maxFrameSize-64 {
		o.ChunkSize = maxFrameSize - 64
	}
	if o.IncomingDir == "" {
		o.IncomingDir = os.TempDir()
	}
	if o.Logger == nil {
		o.Logger = logger.NewLogger()
	}
}

type Transport struct {
	id         string
	opts       Options
	config     webrtc.Configuration
	logger     *logrus.Logger
	dispatcher *transport.Dispatcher

	hmu     sync.RWMutex
	handler transport.Handler

	mu     sync.Mutex
	closed bool

	listener   net.Listener
	signalPort int

	advService string
	advInfo    []byte
	advStop    chan struct{}

	discService string
	beaconConn  *net.UDPConn
	discStop    chan struct{}
	endpoints   *endpointTable

	links     map[string]*link
	transfers map[int64]*outbound
	nextID    int64
}

var _ transport.Transport = (*Transport)(nil)

// New creates a LAN transport. Nothing touches the network until
// discovery or advertising starts.
func New(opts Options) (*Transport, error) {
	opts.setDefaults()
	if err := os.MkdirAll(opts.IncomingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create incoming dir: %w", err)
	}

	iceServers := make([]webrtc.ICEServer, 0, len(opts.STUNServers))
	for _, server := range opts.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	return &Transport{
		id:   opts.EndpointID,
		opts: opts,
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		logger:     opts.Logger,
		dispatcher: transport.NewDispatcher(),
		endpoints:  newEndpointTable(opts.PeerTTL),
		links:      make(map[string]*link),
		transfers:  make(map[int64]*outbound),
	}, nil
}

func (t *Transport) EndpointID() string { return t.id }

// SignalAddr is the local signaling address, empty until advertising
// starts.
func (t *Transport) SignalAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *Transport) SetHandler(h transport.Handler) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.handler = h
}

func (t *Transport) emit(fn func(h transport.Handler)) {
	t.hmu.RLock()
	h := t.handler
	t.hmu.RUnlock()

	if h == nil {
		return
	}
	t.dispatcher.Enqueue(func() { fn(h) })
}

func (t *Transport) result(endpointID string, status transport.StatusCode) {
	res := transport.Resolution{Status: status}
	t.emit(func(h transport.Handler) { h.OnConnectionResult(endpointID, res) })
}

func (t *Transport) update(endpointID string, u transport.TransferUpdate) {
	t.emit(func(h transport.Handler) { h.OnPayloadTransferUpdate(endpointID, u) })
}

func (t *Transport) allocIDLocked() int64 {
	t.nextID++
	return t.nextID
}

func (t *Transport) StartDiscovery(_ context.Context, serviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	t.discService = serviceID
	if t.beaconConn != nil {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: t.opts.BeaconPort})
	if err != nil {
		return fmt.Errorf("failed to listen for beacons: %w", err)
	}
	joinBeaconGroup(conn, t.logger)

	stop := make(chan struct{})
	t.beaconConn = conn
	t.discStop = stop
	t.endpoints = newEndpointTable(t.opts.PeerTTL)

	go t.readBeacons(conn)
	go t.sweep(stop)

	t.logger.Debugf("Listening for beacons on %s", conn.LocalAddr())
	return nil
}

func (t *Transport) StopDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopDiscoveryLocked()
	return nil
}

func (t *Transport) stopDiscoveryLocked() {
	if t.beaconConn == nil {
		return
	}
	close(t.discStop)
	_ = t.beaconConn.Close()
	t.beaconConn = nil
	t.discStop = nil
}

func (t *Transport) readBeacons(conn *net.UDPConn) {
	buf := make([]byte, 4096)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Warnf("Beacon listener stopped: %v", err)
			}
			return
		}

		b, err := parseBeacon(buf[:n])
		if err != nil {
			t.logger.Debugf("Dropping beacon from %s: %v", from, err)
			continue
		}
		t.observe(conn, b, signalAddr(from, b.SignalPort))
	}
}

func (t *Transport) observe(conn *net.UDPConn, b beacon, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.beaconConn != conn || b.EndpointID == t.id || b.Service != t.discService {
		return
	}
	if t.endpoints.observe(b.EndpointID, b.Info, addr, time.Now()) {
		id, info := b.EndpointID, b.Info
		t.logger.Debugf("Endpoint %s found at %s", id, addr)
		t.emit(func(h transport.Handler) { h.OnEndpointFound(id, info) })
	}
}

func (t *Transport) sweep(stop <-chan struct{}) {
	ticker := time.NewTicker(t.opts.BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.mu.Lock()
			for _, id := range t.endpoints.expire(now) {
				t.logger.Debugf("Endpoint %s went silent", id)
				t.emit(func(h transport.Handler) { h.OnEndpointLost(id) })
			}
			t.mu.Unlock()
		}
	}
}

func (t *Transport) StartAdvertising(_ context.Context, serviceID string, info []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	if err := t.listenSignalLocked(); err != nil {
		return err
	}
	t.advService = serviceID
	t.advInfo = append([]byte(nil), info...)
	if t.advStop != nil {
		return nil
	}

	stop := make(chan struct{})
	t.advStop = stop
	go t.advertise(stop)
	return nil
}

func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopAdvertisingLocked()
	return nil
}

func (t *Transport) stopAdvertisingLocked() {
	if t.advStop == nil {
		return
	}
	close(t.advStop)
	t.advStop = nil
}

func (t *Transport) advertise(stop <-chan struct{}) {
	conn, err := dialBeaconGroup(t.opts.BeaconPort)
	if err != nil {
		t.logger.Errorf("Failed to open beacon socket: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(t.opts.BeaconInterval)
	defer ticker.Stop()

	for {
		t.mu.Lock()
		pkt := beacon{
			Service:    t.advService,
			EndpointID: t.id,
			Info:       t.advInfo,
			SignalPort: t.signalPort,
		}.marshal()
		t.mu.Unlock()

		if _, err := conn.Write(pkt); err != nil {
			t.logger.Debugf("Failed to send beacon: %v", err)
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (t *Transport) listenSignalLocked() error {
	if t.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", t.opts.SignalAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for signaling: %w", err)
	}
	t.listener = ln
	t.signalPort = ln.Addr().(*net.TCPAddr).Port
	go t.serveSignals(ln)

	t.logger.Debugf("Signaling on %s", ln.Addr())
	return nil
}

func (t *Transport) serveSignals(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Warnf("Signaling listener stopped: %v", err)
			}
			return
		}
		go t.handleOffer(conn)
	}
}

func (t *Transport) handleOffer(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(signalTimeout))
	sig, err := readSignal(conn)
	if err != nil || sig.Type != signalOffer || sig.EndpointID == "" {
		t.logger.Debugf("Dropping signaling connection from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	t.mu.Lock()
	_, exists := t.links[sig.EndpointID]
	if t.closed || t.advStop == nil || exists {
		t.mu.Unlock()
		t.logger.Debugf("Refusing offer from %s", sig.EndpointID)
		t.refuse(conn)
		return
	}

	l := newLink(sig.EndpointID, sig.Info, true)
	l.signal = conn
	l.offer = sig.SDP
	t.links[l.id] = l

	id, info := l.id, sig.Info
	t.emit(func(h transport.Handler) {
		h.OnConnectionInitiated(id, transport.ConnectionInfo{EndpointInfo: info, Incoming: true})
	})
	t.mu.Unlock()

	time.AfterFunc(connectTimeout, func() { t.expire(l) })
}

func (t *Transport) refuse(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(signalTimeout))
	if err := writeSignal(conn, signal{Type: signalReject, EndpointID: t.id}); err != nil {
		t.logger.Debugf("Failed to send reject: %v", err)
	}
	_ = conn.Close()
}

func (t *Transport) RequestConnection(_ context.Context, endpointID string, info []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	ep, ok := t.endpoints.lookup(endpointID)
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	if _, exists := t.links[endpointID]; exists {
		return ErrAlreadyConnected
	}

	l := newLink(endpointID, ep.info, false)
	t.links[endpointID] = l

	remoteInfo := ep.info
	t.emit(func(h transport.Handler) {
		h.OnConnectionInitiated(endpointID, transport.ConnectionInfo{EndpointInfo: remoteInfo})
	})

	go t.dial(l, ep.addr, append([]byte(nil), info...))
	time.AfterFunc(connectTimeout, func() { t.expire(l) })
	return nil
}

func (t *Transport) dial(l *link, addr string, info []byte) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to create peer connection: %w", err))
		return
	}
	l.attach(pc)
	t.watch(l, pc)

	dc, err := pc.CreateDataChannel("data", DefaultDataChannelConfig())
	if err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to create data channel: %w", err))
		return
	}
	t.setupDataChannel(l, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to create offer: %w", err))
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to set local description: %w", err))
		return
	}
	select {
	case <-gathered:
	case <-l.done:
		return
	}

	conn, err := net.DialTimeout("tcp", addr, signalTimeout)
	if err != nil {
		t.fail(l, transport.StatusEndpointUnknown, fmt.Errorf("failed to reach %s: %w", addr, err))
		return
	}
	l.mu.Lock()
	l.signal = conn
	l.mu.Unlock()
	if l.closed() {
		_ = conn.Close()
		return
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(signalTimeout))
	if err := writeSignal(conn, signal{
		Type:       signalOffer,
		EndpointID: t.id,
		Info:       info,
		SDP:        pc.LocalDescription().SDP,
	}); err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to send offer: %w", err))
		return
	}

	reply, err := readSignal(conn)
	if err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to read answer: %w", err))
		return
	}
	if reply.Type == signalReject {
		t.fail(l, transport.StatusRejected, nil)
		return
	}
	if reply.Type != signalAnswer {
		t.fail(l, transport.StatusError, fmt.Errorf("unexpected signal %d", reply.Type))
		return
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: reply.SDP}); err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to set remote description: %w", err))
	}
}

func (t *Transport) answer(l *link, offer string) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to create peer connection: %w", err))
		return
	}
	l.attach(pc)
	t.watch(l, pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.setupDataChannel(l, dc)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to set remote description: %w", err))
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to create answer: %w", err))
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to set local description: %w", err))
		return
	}
	select {
	case <-gathered:
	case <-l.done:
		return
	}

	conn := l.takeSignal()
	if conn == nil {
		return
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(signalTimeout))
	if err := writeSignal(conn, signal{
		Type:       signalAnswer,
		EndpointID: t.id,
		SDP:        pc.LocalDescription().SDP,
	}); err != nil {
		t.fail(l, transport.StatusError, fmt.Errorf("failed to send answer: %w", err))
	}
}

func (t *Transport) watch(l *link, pc *webrtc.PeerConnection) {
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Debugf("Peer connection %s state: %s", l.id, s)
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			t.drop(l, transport.StatusError)
		}
	})
}

func (t *Transport) setupDataChannel(l *link, dc *webrtc.DataChannel) {
	l.setDataChannel(dc)

	dc.OnOpen(func() {
		t.logger.Debugf("Data channel '%s' open to %s", dc.Label(), l.id)
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.links[l.id] != l {
			return
		}
		l.opened = true
		t.establishLocked(l)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.handleFrame(l, msg.Data)
	})

	dc.OnError(func(err error) {
		t.logger.Errorf("Data channel error: %v", err)
	})

	dc.OnClose(func() {
		t.logger.Debugf("Data channel to %s closed", l.id)
		t.drop(l, transport.StatusError)
	})
}

// establishLocked reports the link once both the local accept and the
// open data channel are in.
func (t *Transport) establishLocked(l *link) {
	if !l.accepted || !l.opened || l.established {
		return
	}
	l.established = true
	t.logger.Infof("Link to %s established", l.id)
	t.result(l.id, transport.StatusOK)
}

func (t *Transport) AcceptConnection(endpointID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.links[endpointID]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	if l.accepted {
		return nil
	}
	l.accepted = true

	if l.incoming {
		go t.answer(l, l.offer)
		return nil
	}
	t.establishLocked(l)
	return nil
}

func (t *Transport) RejectConnection(endpointID string) error {
	t.mu.Lock()
	l, ok := t.links[endpointID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	if l.established {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	delete(t.links, endpointID)
	t.result(endpointID, transport.StatusRejected)
	t.mu.Unlock()

	go func() {
		if conn := l.takeSignal(); conn != nil {
			t.refuse(conn)
		}
		l.close()
	}()
	return nil
}

func (t *Transport) DisconnectFromEndpoint(endpointID string) error {
	t.mu.Lock()
	l, ok := t.links[endpointID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	t.forgetLocked(l, transport.StatusError)
	t.mu.Unlock()

	go l.close()
	return nil
}

func (t *Transport) StopAllEndpoints() error {
	t.mu.Lock()
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	for _, l := range links {
		t.forgetLocked(l, transport.StatusError)
	}
	t.mu.Unlock()

	for _, l := range links {
		go l.close()
	}
	return nil
}

// forgetLocked removes l and reports how it ended: a disconnect for an
// established link, a failed result otherwise.
func (t *Transport) forgetLocked(l *link, status transport.StatusCode) {
	delete(t.links, l.id)
	t.abortInboundLocked(l, transport.TransferFailure)

	if l.established {
		t.logger.Infof("Link to %s closed", l.id)
		id := l.id
		t.emit(func(h transport.Handler) { h.OnDisconnected(id) })
		return
	}
	t.result(l.id, status)
}

// drop forgets l if it is still current. Called from pion callbacks and
// dial/answer goroutines.
func (t *Transport) drop(l *link, status transport.StatusCode) {
	t.mu.Lock()
	if t.links[l.id] == l {
		t.forgetLocked(l, status)
	}
	t.mu.Unlock()

	go l.close()
}

func (t *Transport) fail(l *link, status transport.StatusCode, err error) {
	if err != nil && !l.closed() {
		t.logger.Warnf("Link to %s failed: %v", l.id, err)
	}
	t.drop(l, status)
}

func (t *Transport) expire(l *link) {
	t.mu.Lock()
	pending := t.links[l.id] == l && !l.established
	t.mu.Unlock()

	if pending {
		t.fail(l, transport.StatusError, fmt.Errorf("not established after %s", connectTimeout))
	}
}

// Close stops discovery and advertising, drops every link and waits for
// queued callbacks to finish. It reports nothing to the handler.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.stopAdvertisingLocked()
	t.stopDiscoveryLocked()

	ln := t.listener
	t.listener = nil
	links := t.links
	t.links = make(map[string]*link)
	for _, tr := range t.transfers {
		tr.cancel(false)
	}
	for _, l := range links {
		for _, in := range l.inbound {
			_ = in.file.Close()
		}
	}
	t.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, l := range links {
		l.close()
	}
	t.dispatcher.Close()
	return nil
}
