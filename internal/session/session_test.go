package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/airlink/internal/logger"
	"github.com/rudransh-shrivastava/airlink/internal/protocol"
	"github.com/rudransh-shrivastava/airlink/internal/transport"
)

// fakeTransport records calls; tests drive the callbacks by hand.
type fakeTransport struct {
	mu sync.Mutex

	handler      transport.Handler
	requests     []string
	accepted     []string
	disconnected []string
	sentBytes    map[string][][]byte
	sentFiles    []string
	canceled     []int64
	stopAll      int
	nextID       int64

	discoveryErr error
	requestErr   error
	panicOnStop  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sentBytes: make(map[string][][]byte), nextID: 100}
}

func (f *fakeTransport) SetHandler(h transport.Handler) { f.handler = h }

func (f *fakeTransport) StartDiscovery(context.Context, string) error { return f.discoveryErr }

func (f *fakeTransport) StopDiscovery() error {
	if f.panicOnStop {
		panic("radio off")
	}
	return nil
}

func (f *fakeTransport) StartAdvertising(context.Context, string, []byte) error { return nil }
func (f *fakeTransport) StopAdvertising() error                                 { return errors.New("not advertising") }

func (f *fakeTransport) RequestConnection(_ context.Context, endpointID string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return f.requestErr
	}
	f.requests = append(f.requests, endpointID)
	return nil
}

func (f *fakeTransport) AcceptConnection(endpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, endpointID)
	return nil
}

func (f *fakeTransport) RejectConnection(string) error { return nil }

func (f *fakeTransport) DisconnectFromEndpoint(endpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, endpointID)
	return nil
}

func (f *fakeTransport) StopAllEndpoints() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAll++
	return nil
}

func (f *fakeTransport) SendBytes(endpointID string, data []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sentBytes[endpointID] = append(f.sentBytes[endpointID], data)
	return f.nextID, nil
}

func (f *fakeTransport) SendFile(endpointID, path, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sentFiles = append(f.sentFiles, path)
	return f.nextID, nil
}

func (f *fakeTransport) CancelPayload(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

type recorder[E any] struct {
	mu     sync.Mutex
	events []E
	codes  []string
	ch     chan E
}

func newRecorder[E any]() *recorder[E] {
	return &recorder[E]{ch: make(chan E, 4096)}
}

func (r *recorder[E]) Send(e E) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recorder[E]) Error(code string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
}

func (r *recorder[E]) all() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]E(nil), r.events...)
}

func (r *recorder[E]) errorCodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.codes...)
}

func (r *recorder[E]) wait(t *testing.T, match func(E) bool) E {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatal("timeout waiting for event")
		}
	}
}

type harness struct {
	s          *Session
	tr         *fakeTransport
	discovery  *recorder[DiscoveryEvent]
	connection *recorder[ConnectionEvent]
	messages   *recorder[MessageEvent]
	files      *recorder[FileEvent]
	progress   *recorder[ProgressEvent]
}

func setupSession(t *testing.T, strict bool) *harness {
	t.Helper()
	tr := newFakeTransport()
	s, err := New(Options{
		Transport:       tr,
		DownloadDir:     t.TempDir(),
		StrictHandshake: strict,
		Logger:          logger.Discard(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	h := &harness{
		s:          s,
		tr:         tr,
		discovery:  newRecorder[DiscoveryEvent](),
		connection: newRecorder[ConnectionEvent](),
		messages:   newRecorder[MessageEvent](),
		files:      newRecorder[FileEvent](),
		progress:   newRecorder[ProgressEvent](),
	}
	if err := s.StartDiscovery(context.Background(), protocol.Identity{UserID: "u1", Name: "Alice"}, h.discovery); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	s.SetConnectionSink(h.connection)
	s.SetMessageSink(h.messages)
	s.SetFileSink(h.files)
	s.SetProgressSink(h.progress)
	return h
}

var codec = protocol.NewCodec()

// link brings ep up to the point where the peer's first payload is due.
func (h *harness) link(ep string) {
	h.s.OnConnectionInitiated(ep, transport.ConnectionInfo{EndpointInfo: codec.EncodeIdentity(protocol.Identity{UserID: "u2", Name: "Bob"})})
	h.s.OnConnectionResult(ep, transport.Resolution{Status: transport.StatusOK})
}

func (h *harness) connect(ep string, id protocol.Identity) {
	h.link(ep)
	h.s.OnPayloadReceived(ep, transport.Payload{ID: 1, Kind: transport.PayloadBytes, Bytes: codec.EncodeIdentity(id)})
}

func countType(events []ConnectionEvent, typ ConnectionEventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestNewRequiresTransport(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStartDiscoveryRequiresUserID(t *testing.T) {
	s, _ := New(Options{Transport: newFakeTransport(), Logger: logger.Discard()})

	err := s.StartDiscovery(context.Background(), protocol.Identity{Name: "Alice"}, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStartDiscoveryDefaultsName(t *testing.T) {
	s, _ := New(Options{Transport: newFakeTransport(), Logger: logger.Discard()})

	if err := s.StartDiscovery(context.Background(), protocol.Identity{UserID: "u1"}, nil); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	if s.Self().Name != protocol.DefaultAdvertiseName {
		t.Errorf("expected %s, got %s", protocol.DefaultAdvertiseName, s.Self().Name)
	}
}

func TestStartDiscoveryTransportError(t *testing.T) {
	tr := newFakeTransport()
	tr.discoveryErr = errors.New("bluetooth off")
	s, _ := New(Options{Transport: tr, Logger: logger.Discard()})
	rec := newRecorder[DiscoveryEvent]()

	if err := s.StartDiscovery(context.Background(), protocol.Identity{UserID: "u1"}, rec); err != nil {
		t.Fatalf("expected transport error to stay on the sink, got %v", err)
	}
	codes := rec.errorCodes()
	if len(codes) != 1 || codes[0] != CodeDiscovery {
		t.Errorf("expected [%s], got %v", CodeDiscovery, codes)
	}
}

func TestFoundEmitsPeerAppeared(t *testing.T) {
	h := setupSession(t, false)

	h.s.OnEndpointFound("ep-1", codec.EncodeIdentity(protocol.Identity{UserID: "u2", Name: "Bob"}))
	h.s.OnEndpointFound("ep-2", []byte(`{"userId":"u3","name":"Carol"}`))
	h.s.OnEndpointFound("ep-3", []byte("Pixel 7"))

	events := h.discovery.all()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != PeerFound || events[0].UserID != "u2" || events[0].Name != "Bob" {
		t.Errorf("unexpected event %+v", events[0])
	}
	if events[1].UserID != "u3" {
		t.Errorf("expected u3 from JSON info, got %s", events[1].UserID)
	}
	if events[2].UserID != "ep-3" || events[2].Name != "Pixel 7" {
		t.Errorf("expected raw-name fallback, got %+v", events[2])
	}
	if link, _ := h.s.LinkForUser("u2"); link != "ep-1" {
		t.Errorf("expected ep-1, got %s", link)
	}
}

func TestLostEmitsAndForgets(t *testing.T) {
	h := setupSession(t, false)

	h.s.OnEndpointFound("ep-1", codec.EncodeIdentity(protocol.Identity{UserID: "u2", Name: "Bob"}))
	h.s.OnEndpointLost("ep-1")

	events := h.discovery.all()
	if len(events) != 2 || events[1].Type != PeerLost || events[1].UserID != "u2" {
		t.Fatalf("expected lost event for u2, got %+v", events)
	}
	if len(h.s.DiscoveredUsers()) != 0 {
		t.Error("expected directory to be empty")
	}
}

func TestLostDoesNotEvictConnectedPeer(t *testing.T) {
	h := setupSession(t, false)

	h.s.OnEndpointFound("ep-1", codec.EncodeIdentity(protocol.Identity{UserID: "u2", Name: "Bob"}))
	h.connect("ep-1", protocol.Identity{UserID: "u2", Name: "Bob"})
	h.s.OnEndpointLost("ep-1")

	if users := h.s.ConnectedUsers(); len(users) != 1 || users[0].UserID != "u2" {
		t.Errorf("expected u2 still connected, got %+v", users)
	}
	if _, err := h.s.SendMessage("u2", "still here?"); err != nil {
		t.Errorf("expected message to a connected peer to succeed, got %v", err)
	}
}

func TestEndpointChurnWhileConnected(t *testing.T) {
	h := setupSession(t, false)
	bob := protocol.Identity{UserID: "u2", Name: "Bob"}

	h.s.OnEndpointFound("ep-1", codec.EncodeIdentity(bob))
	h.connect("ep-1", bob)
	h.s.OnEndpointFound("ep-2", codec.EncodeIdentity(bob))

	if link, _ := h.s.LinkForUser("u2"); link != "ep-1" {
		t.Errorf("expected live link ep-1 while connected, got %s", link)
	}

	h.s.OnEndpointLost("ep-1")
	h.s.OnDisconnected("ep-1")

	link, ok := h.s.LinkForUser("u2")
	if !ok || link != "ep-2" {
		t.Fatalf("expected u2 on ep-2, got %q (ok=%v)", link, ok)
	}
	for _, e := range h.discovery.all() {
		if e.Type == PeerLost {
			t.Errorf("expected no lost event while u2 is still discovered, got %+v", e)
		}
	}
	if users := h.s.DiscoveredUsers(); len(users) != 1 || users[0].UserID != "u2" {
		t.Errorf("expected u2 still discovered, got %+v", users)
	}

	if err := h.s.Connect(context.Background(), "u2"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if len(h.tr.requests) == 0 || h.tr.requests[len(h.tr.requests)-1] != "ep-2" {
		t.Errorf("expected a request to ep-2, got %v", h.tr.requests)
	}
}

func TestLostSightingKeepsConnectedPeer(t *testing.T) {
	h := setupSession(t, false)
	bob := protocol.Identity{UserID: "u2", Name: "Bob"}

	h.s.OnEndpointFound("ep-1", codec.EncodeIdentity(bob))
	h.connect("ep-1", bob)
	h.s.OnEndpointFound("ep-2", codec.EncodeIdentity(bob))
	h.s.OnEndpointLost("ep-2")

	for _, e := range h.discovery.all() {
		if e.Type == PeerLost {
			t.Errorf("expected no lost event for a connected peer, got %+v", e)
		}
	}
	if link, _ := h.s.LinkForUser("u2"); link != "ep-1" {
		t.Errorf("expected ep-1, got %s", link)
	}
}

func TestConnectUnknownUser(t *testing.T) {
	h := setupSession(t, false)

	if err := h.s.Connect(context.Background(), "ghost"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if len(h.tr.requests) != 0 {
		t.Errorf("expected no transport request, got %v", h.tr.requests)
	}
	if err := h.s.Connect(context.Background(), ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestConnectDuplicateSuppressed(t *testing.T) {
	h := setupSession(t, false)
	ctx := context.Background()

	h.s.OnEndpointFound("ep-1", codec.EncodeIdentity(protocol.Identity{UserID: "u2", Name: "Bob"}))
	_ = h.s.Connect(ctx, "u2")
	_ = h.s.Connect(ctx, "u2")
	if len(h.tr.requests) != 1 {
		t.Fatalf("expected 1 request while pending, got %d", len(h.tr.requests))
	}

	h.connect("ep-1", protocol.Identity{UserID: "u2", Name: "Bob"})
	_ = h.s.Connect(ctx, "u2")
	_ = h.s.Connect(ctx, "u2")

	if len(h.tr.requests) != 1 {
		t.Errorf("expected exactly 1 transport request, got %d", len(h.tr.requests))
	}

	events := h.connection.all()
	if n := countType(events, ConnectionConnected); n != 3 {
		t.Fatalf("expected 1 real and 2 replayed connected events, got %d", n)
	}
	last := events[len(events)-1]
	if !last.Synthetic || last.UserID != "u2" {
		t.Errorf("expected synthetic connected event for u2, got %+v", last)
	}
}

func TestConnectRequestErrorGoesToSink(t *testing.T) {
	h := setupSession(t, false)
	h.tr.requestErr = errors.New("radio busy")

	h.s.OnEndpointFound("ep-1", codec.EncodeIdentity(protocol.Identity{UserID: "u2", Name: "Bob"}))
	if err := h.s.Connect(context.Background(), "u2"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if codes := h.connection.errorCodes(); len(codes) != 1 || codes[0] != CodeConnection {
		t.Errorf("expected [%s], got %v", CodeConnection, codes)
	}
}

func TestHandshakeSendsIdentityOnConnect(t *testing.T) {
	h := setupSession(t, false)
	h.link("ep-1")

	sent := h.tr.sentBytes["ep-1"]
	if len(sent) != 1 {
		t.Fatalf("expected handshake to be sent, got %d payloads", len(sent))
	}
	rec, err := codec.Decode(sent[0], "ep-1")
	if err != nil {
		t.Fatalf("failed to decode handshake: %v", err)
	}
	if rec.UserID != "u1" || rec.Name != "Alice" || rec.Message != "" {
		t.Errorf("unexpected handshake %+v", rec)
	}
	if len(h.tr.accepted) != 1 {
		t.Errorf("expected link to be accepted, got %v", h.tr.accepted)
	}
}

func TestFirstPayloadIsIdentity(t *testing.T) {
	h := setupSession(t, false)
	h.link("ep-1")

	data := codec.Encode(protocol.NewMessageRecord(protocol.Identity{UserID: "u2", Name: "Bob"}, "hi"))
	h.s.OnPayloadReceived("ep-1", transport.Payload{ID: 5, Kind: transport.PayloadBytes, Bytes: data})

	if n := len(h.messages.all()); n != 0 {
		t.Errorf("expected no message events, got %d", n)
	}
	events := h.connection.all()
	if events[0].Type != ConnectionInitiated {
		t.Errorf("expected initiated first, got %s", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != ConnectionConnected || last.UserID != "u2" || last.Name != "Bob" {
		t.Errorf("expected connected u2/Bob, got %+v", last)
	}

	h.s.OnPayloadReceived("ep-1", transport.Payload{ID: 6, Kind: transport.PayloadBytes, Bytes: data})
	msgs := h.messages.all()
	if len(msgs) != 1 || msgs[0].ID != 6 || msgs[0].From != "u2" || msgs[0].Message != "hi" {
		t.Errorf("expected message 6 from u2, got %+v", msgs)
	}
}

func TestMalformedHandshakeFallsBack(t *testing.T) {
	h := setupSession(t, false)
	h.link("ep-1")

	h.s.OnPayloadReceived("ep-1", transport.Payload{ID: 2, Kind: transport.PayloadBytes, Bytes: []byte{0xff, 0xff}})
	if n := countType(h.connection.all(), ConnectionConnected); n != 0 {
		t.Fatalf("expected no connected event after malformed handshake, got %d", n)
	}

	data := codec.Encode(protocol.NewMessageRecord(protocol.Identity{UserID: "u2", Name: "Bob"}, "hello"))
	h.s.OnPayloadReceived("ep-1", transport.Payload{ID: 3, Kind: transport.PayloadBytes, Bytes: data})

	users := h.s.ConnectedUsers()
	if len(users) != 1 || users[0].UserID != "ep-1" || users[0].Name != "ep-1" {
		t.Errorf("expected endpoint id as identity, got %+v", users)
	}
	msgs := h.messages.all()
	if len(msgs) != 1 || msgs[0].Message != "hello" || msgs[0].From != "ep-1" {
		t.Errorf("expected message from ep-1, got %+v", msgs)
	}
}

func TestStrictHandshakeRejects(t *testing.T) {
	h := setupSession(t, true)
	h.link("ep-1")

	h.s.OnPayloadReceived("ep-1", transport.Payload{ID: 2, Kind: transport.PayloadBytes, Bytes: []byte{0xff}})
	data := codec.Encode(protocol.NewMessageRecord(protocol.Identity{UserID: "u2"}, "hello"))
	h.s.OnPayloadReceived("ep-1", transport.Payload{ID: 3, Kind: transport.PayloadBytes, Bytes: data})

	if len(h.tr.disconnected) != 1 || h.tr.disconnected[0] != "ep-1" {
		t.Errorf("expected ep-1 to be disconnected, got %v", h.tr.disconnected)
	}
	if n := len(h.messages.all()); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}

	h.s.OnDisconnected("ep-1")
	if n := countType(h.connection.all(), ConnectionDisconnected); n != 0 {
		t.Errorf("expected rejected link to disconnect silently, got %d events", n)
	}
}

func TestDuplicateLinkRejected(t *testing.T) {
	h := setupSession(t, false)

	h.connect("ep-1", protocol.Identity{UserID: "u2", Name: "Bob"})
	h.connect("ep-2", protocol.Identity{UserID: "u2", Name: "Bob"})

	if len(h.tr.disconnected) != 1 || h.tr.disconnected[0] != "ep-2" {
		t.Errorf("expected ep-2 to be dropped, got %v", h.tr.disconnected)
	}
	if link, _ := h.s.LinkForUser("u2"); link != "ep-1" {
		t.Errorf("expected u2 on ep-1, got %s", link)
	}
	if n := countType(h.connection.all(), ConnectionConnected); n != 1 {
		t.Errorf("expected 1 connected event, got %d", n)
	}
}

func TestConnectionFailedCarriesStatus(t *testing.T) {
	h := setupSession(t, false)

	h.s.OnConnectionInitiated("ep-1", transport.ConnectionInfo{})
	h.s.OnConnectionResult("ep-1", transport.Resolution{Status: transport.StatusRejected})

	events := h.connection.all()
	last := events[len(events)-1]
	if last.Type != ConnectionFailed || last.Status != transport.StatusRejected {
		t.Errorf("expected failed/rejected, got %+v", last)
	}
	if h.s.handshakes.len() != 0 {
		t.Error("expected pending handshake to be dropped")
	}
}

func TestDisconnectEmitsAndAbortsTransfers(t *testing.T) {
	h := setupSession(t, false)
	h.connect("ep-1", protocol.Identity{UserID: "u2", Name: "Bob"})

	src := filepath.Join(t.TempDir(), "doc.pdf")
	if err := os.WriteFile(src, []byte("pdf"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	id, err := h.s.SendFile("u2", src, "")
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	h.s.OnDisconnected("ep-1")

	events := h.connection.all()
	if last := events[len(events)-1]; last.Type != ConnectionDisconnected || last.UserID != "u2" {
		t.Errorf("expected disconnected u2, got %+v", last)
	}
	prog := h.progress.all()
	if len(prog) != 1 || prog[0].TransferID != id || prog[0].Status != StatusFailure {
		t.Errorf("expected failure progress for %d, got %+v", id, prog)
	}
	if len(h.s.ActiveTransfers()) != 0 {
		t.Error("expected no active transfers")
	}
	if len(h.s.ConnectedUsers()) != 0 {
		t.Error("expected no connected users")
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	h := setupSession(t, false)

	if _, err := h.s.SendMessage("ghost", "hi"); !errors.Is(err, ErrNoSuchPeer) {
		t.Errorf("expected ErrNoSuchPeer, got %v", err)
	}
	if _, err := h.s.SendFile("ghost", "/etc/hostname", ""); !errors.Is(err, ErrNoSuchPeer) {
		t.Errorf("expected ErrNoSuchPeer, got %v", err)
	}
	if len(h.tr.sentBytes) != 0 || len(h.tr.sentFiles) != 0 {
		t.Error("expected no transport calls")
	}
}

func TestSendToDiscoveredButUnconnectedPeer(t *testing.T) {
	h := setupSession(t, false)
	h.s.OnEndpointFound("ep-1", codec.EncodeIdentity(protocol.Identity{UserID: "u2", Name: "Bob"}))

	if _, err := h.s.SendMessage("u2", "hi"); !errors.Is(err, ErrNoSuchPeer) {
		t.Errorf("expected ErrNoSuchPeer, got %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	h := setupSession(t, false)
	h.connect("ep-1", protocol.Identity{UserID: "u2", Name: "Bob"})

	if _, err := h.s.SendMessage("u2", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty text, got %v", err)
	}
	if _, err := h.s.SendFile("u2", filepath.Join(t.TempDir(), "nope.jpg"), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if len(h.tr.sentFiles) != 0 {
		t.Error("expected no file to be sent")
	}
}

func TestSendMessageTracksDelivery(t *testing.T) {
	h := setupSession(t, false)
	h.connect("ep-1", protocol.Identity{UserID: "u2", Name: "Bob"})

	id, err := h.s.SendMessage("u2", "hi")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	sent := h.tr.sentBytes["ep-1"]
	rec, _ := codec.Decode(sent[len(sent)-1], "ep-1")
	if rec.Message != "hi" || rec.UserID != "u1" {
		t.Errorf("unexpected record %+v", rec)
	}

	h.s.OnPayloadTransferUpdate("ep-1", transport.TransferUpdate{PayloadID: id, BytesTransferred: 10, TotalBytes: 10, Status: transport.TransferSuccess})
	prog := h.progress.all()
	if len(prog) != 1 || prog[0].Kind != KindMessage || prog[0].Status != StatusSuccess {
		t.Errorf("expected message delivery update, got %+v", prog)
	}
}

func TestIncomingFileDeliveredOnce(t *testing.T) {
	h := setupSession(t, false)
	h.connect("ep-1", protocol.Identity{UserID: "u2", Name: "Bob"})

	temp := filepath.Join(t.TempDir(), ".incoming")
	if err := os.WriteFile(temp, make([]byte, 2048), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	const id = 42
	h.s.OnPayloadReceived("ep-1", transport.Payload{ID: id, Kind: transport.PayloadFile, Name: "Photo.JPG", Path: temp, Size: 2048})
	for _, n := range []int64{0, 1024, 2048} {
		h.s.OnPayloadTransferUpdate("ep-1", transport.TransferUpdate{PayloadID: id, BytesTransferred: n, TotalBytes: 2048, Status: transport.TransferInProgress})
	}
	done := transport.TransferUpdate{PayloadID: id, BytesTransferred: 2048, TotalBytes: 2048, Status: transport.TransferSuccess}
	h.s.OnPayloadTransferUpdate("ep-1", done)
	h.s.OnPayloadTransferUpdate("ep-1", done)

	prog := h.progress.all()
	if len(prog) != 4 {
		t.Fatalf("expected 4 progress events, got %d", len(prog))
	}
	if prog[3].Status != StatusSuccess {
		t.Errorf("expected final progress to be success, got %s", prog[3].Status)
	}

	files := h.files.all()
	if len(files) != 1 {
		t.Fatalf("expected exactly 1 file event, got %d", len(files))
	}
	f := files[0]
	if f.Category != CategoryImage || f.From.UserID != "u2" || f.TransferID != id {
		t.Errorf("unexpected file event %+v", f)
	}
	if _, err := os.Stat(f.Path); err != nil {
		t.Errorf("expected received file at %s: %v", f.Path, err)
	}
}

func TestFileBeforeHandshakeCanceled(t *testing.T) {
	tests := []struct {
		name       string
		strict     bool
		disconnect bool
	}{
		{"tolerant", false, false},
		{"strict", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupSession(t, tt.strict)
			h.link("ep-1")

			temp := filepath.Join(t.TempDir(), ".incoming")
			_ = os.WriteFile(temp, make([]byte, 64), 0644)

			h.s.OnPayloadReceived("ep-1", transport.Payload{ID: 7, Kind: transport.PayloadFile, Name: "a.png", Path: temp, Size: 64})
			h.s.OnPayloadTransferUpdate("ep-1", transport.TransferUpdate{PayloadID: 7, BytesTransferred: 64, TotalBytes: 64, Status: transport.TransferSuccess})

			if n := len(h.files.all()); n != 0 {
				t.Errorf("expected no file events, got %d", n)
			}
			if n := len(h.progress.all()); n != 0 {
				t.Errorf("expected no progress events, got %d", n)
			}
			if len(h.tr.canceled) != 1 || h.tr.canceled[0] != 7 {
				t.Errorf("expected payload 7 to be canceled, got %v", h.tr.canceled)
			}
			if got := len(h.tr.disconnected) == 1; got != tt.disconnect {
				t.Errorf("expected disconnect=%v, got %v", tt.disconnect, h.tr.disconnected)
			}

			if !tt.strict {
				h.s.OnPayloadReceived("ep-1", transport.Payload{ID: 8, Kind: transport.PayloadBytes, Bytes: codec.EncodeIdentity(protocol.Identity{UserID: "u2", Name: "Bob"})})
				if users := h.s.ConnectedUsers(); len(users) != 1 || users[0].UserID != "u2" {
					t.Errorf("expected handshake to complete after the canceled file, got %+v", users)
				}
			}
		})
	}
}

func TestRepeatedConnectionResult(t *testing.T) {
	h := setupSession(t, false)
	h.connect("ep-1", protocol.Identity{UserID: "u2", Name: "Bob"})

	h.s.OnConnectionResult("ep-1", transport.Resolution{Status: transport.StatusOK})

	if n := countType(h.connection.all(), ConnectionConnected); n != 1 {
		t.Errorf("expected 1 connected event, got %d", n)
	}
	if n := len(h.tr.sentBytes["ep-1"]); n != 1 {
		t.Errorf("expected a single identity record sent, got %d", n)
	}
}

func TestIncomingFileFailureCleansUp(t *testing.T) {
	h := setupSession(t, false)
	h.connect("ep-1", protocol.Identity{UserID: "u2", Name: "Bob"})

	temp := filepath.Join(t.TempDir(), ".incoming")
	_ = os.WriteFile(temp, []byte("partial"), 0644)

	h.s.OnPayloadReceived("ep-1", transport.Payload{ID: 9, Kind: transport.PayloadFile, Name: "clip.mp4", Path: temp, Size: 100})
	h.s.OnPayloadTransferUpdate("ep-1", transport.TransferUpdate{PayloadID: 9, BytesTransferred: 7, TotalBytes: 100, Status: transport.TransferCanceled})

	if n := len(h.files.all()); n != 0 {
		t.Errorf("expected no file events, got %d", n)
	}
	if _, err := os.Stat(temp); !errors.Is(err, os.ErrNotExist) {
		t.Error("expected partial file to be removed")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	h := setupSession(t, false)
	h.tr.panicOnStop = true
	h.connect("ep-1", protocol.Identity{UserID: "u2", Name: "Bob"})

	h.s.Shutdown()
	h.s.Shutdown()

	if h.tr.stopAll != 2 {
		t.Errorf("expected StopAllEndpoints on every call despite earlier failures, got %d", h.tr.stopAll)
	}
	if len(h.s.DiscoveredUsers()) != 0 {
		t.Error("expected directory to be cleared")
	}

	before := len(h.discovery.all())
	h.s.OnEndpointFound("ep-7", codec.EncodeIdentity(protocol.Identity{UserID: "u7"}))
	h.s.OnDisconnected("ep-1")
	if len(h.discovery.all()) != before {
		t.Error("expected no discovery events after shutdown")
	}
}
