// Package session is the peer session core: it keeps the directory of
// discovered peers, runs the identity handshake on new links, routes chat
// messages and tracks file transfers on top of a transport.Transport.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rudransh-shrivastava/airlink/internal/logger"
	"github.com/rudransh-shrivastava/airlink/internal/metrics"
	"github.com/rudransh-shrivastava/airlink/internal/protocol"
	"github.com/rudransh-shrivastava/airlink/internal/transport"
	"github.com/sirupsen/logrus"
)

// HistoryRepository persists what the session sees. Writes happen outside
// the session lock; failures are logged and otherwise ignored.
type HistoryRepository interface {
	SavePeer(ctx context.Context, userID, name string) error
	SaveMessage(ctx context.Context, payloadID int64, userID, name, body string, outgoing bool) error
	SaveFile(ctx context.Context, transferID int64, userID, fileName, path, category string, size int64) error
}

type Options struct {
	Transport   transport.Transport
	ServiceID   string
	DownloadDir string
	// Self is the local identity until StartDiscovery or StartAdvertising
	// supplies one.
	Self protocol.Identity
	// StrictHandshake rejects links whose first payload is malformed
	// instead of falling back to the endpoint id as identity.
	StrictHandshake bool
	History         HistoryRepository
	Logger          *logrus.Logger
}

type Session struct {
	transport   transport.Transport
	serviceID   string
	downloadDir string
	strict      bool
	history     HistoryRepository
	codec       *protocol.Codec
	logger      *logrus.Logger

	mu          sync.Mutex
	self        protocol.Identity
	directory   *Directory
	handshakes  *handshakes
	tracker     *Tracker
	sinks       sinks
	discovering bool
	advertising bool
}

var _ transport.Handler = (*Session)(nil)

func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidArgument)
	}

	serviceID := opts.ServiceID
	if serviceID == "" {
		serviceID = protocol.DefaultServiceID
	}

	downloadDir := opts.DownloadDir
	if downloadDir == "" {
		downloadDir = filepath.Join(os.TempDir(), "airlink")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	s := &Session{
		transport:   opts.Transport,
		serviceID:   serviceID,
		downloadDir: downloadDir,
		strict:      opts.StrictHandshake,
		history:     opts.History,
		codec:       protocol.NewCodec(),
		logger:      log,
		self:        opts.Self,
		directory:   NewDirectory(),
		handshakes:  newHandshakes(),
		tracker:     NewTracker(),
	}
	opts.Transport.SetHandler(s)
	return s, nil
}

func normalizeSelf(self protocol.Identity) (protocol.Identity, error) {
	self.UserID = strings.TrimSpace(self.UserID)
	if self.UserID == "" {
		return self, fmt.Errorf("%w: user id cannot be empty", ErrInvalidArgument)
	}
	if strings.TrimSpace(self.Name) == "" {
		self.Name = protocol.DefaultAdvertiseName
	}
	return self, nil
}

// StartDiscovery starts looking for peers and attaches sink as the
// discovery observer. A discovery already running is restarted.
func (s *Session) StartDiscovery(ctx context.Context, self protocol.Identity, sink Sink[DiscoveryEvent]) error {
	self, err := normalizeSelf(self)
	if err != nil {
		return err
	}

	var out outbox
	s.mu.Lock()
	s.self = self
	s.sinks.discovery = sink

	if s.discovering {
		if err := s.transport.StopDiscovery(); err != nil {
			s.logger.Warnf("Failed to stop previous discovery: %v", err)
		}
		s.discovering = false
	}

	if err := s.transport.StartDiscovery(ctx, s.serviceID); err != nil {
		s.logger.Errorf("Discovery failed: %v", err)
		emitError(&out, s.sinks.discovery, CodeDiscovery, fmt.Errorf("%w: %v", ErrTransport, err))
	} else {
		s.discovering = true
		s.logger.WithField("user", self.UserID).Info("Discovery started")
	}
	s.mu.Unlock()

	out.flush()
	return nil
}

func (s *Session) StopDiscovery() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transport.StopDiscovery(); err != nil {
		s.logger.Warnf("Failed to stop discovery: %v", err)
	}
	s.discovering = false
}

// StartAdvertising makes the local identity visible to discovering peers.
func (s *Session) StartAdvertising(ctx context.Context, self protocol.Identity) error {
	self, err := normalizeSelf(self)
	if err != nil {
		return err
	}

	var out outbox
	s.mu.Lock()
	s.self = self

	info := s.codec.EncodeIdentity(self)
	if err := s.transport.StartAdvertising(ctx, s.serviceID, info); err != nil {
		s.logger.Errorf("Advertising failed: %v", err)
		emitError(&out, s.sinks.connection, CodeAdvertising, fmt.Errorf("%w: %v", ErrTransport, err))
	} else {
		s.advertising = true
		s.logger.WithField("user", self.UserID).Info("Advertising started")
	}
	s.mu.Unlock()

	out.flush()
	return nil
}

func (s *Session) StopAdvertising() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transport.StopAdvertising(); err != nil {
		s.logger.Warnf("Failed to stop advertising: %v", err)
	}
	s.advertising = false
}

// Connect requests a link to userID. Unknown users are logged and ignored.
// Asking again for a connected user replays a connected event instead of
// opening a second link.
func (s *Session) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id cannot be empty", ErrInvalidArgument)
	}

	var out outbox
	s.mu.Lock()

	link, ok := s.directory.LookupLinkByUserID(userID)
	if !ok {
		s.mu.Unlock()
		s.logger.Warnf("No endpoint found for user %s", userID)
		return nil
	}

	e := s.directory.get(link)
	switch {
	case e.state == StateConnected:
		s.logger.Debugf("User %s already connected, replaying connected event", userID)
		emit(&out, s.sinks.connection, ConnectionEvent{
			Type:       ConnectionConnected,
			UserID:     e.identity.UserID,
			Name:       e.identity.Name,
			EndpointID: link,
			Synthetic:  true,
		})
	case e.requested || e.state == StateHandshakePending:
		s.logger.Debugf("Connection to %s already in progress", userID)
	default:
		info := s.codec.EncodeIdentity(s.self)
		if err := s.transport.RequestConnection(ctx, link, info); err != nil {
			s.logger.Errorf("Connection request to %s failed: %v", userID, err)
			emitError(&out, s.sinks.connection, CodeConnection, fmt.Errorf("%w: %v", ErrTransport, err))
		} else {
			e.requested = true
			s.logger.WithFields(logrus.Fields{"user": userID, "endpoint": link}).Info("Requested connection")
		}
	}
	s.mu.Unlock()

	out.flush()
	return nil
}

// SendFile streams the file at path to userID and returns the transfer id.
func (s *Session) SendFile(userID, path, fileName string) (int64, error) {
	if userID == "" || path == "" {
		return 0, fmt.Errorf("%w: user id and path are required", ErrInvalidArgument)
	}
	if fileName == "" {
		fileName = filepath.Base(path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.liveEntry(userID)
	if err != nil {
		return 0, err
	}
	info, err := checkSource(path)
	if err != nil {
		return 0, err
	}

	id, err := s.transport.SendFile(e.link, path, fileName)
	if err != nil {
		s.logger.Errorf("Failed to send %s to %s: %v", fileName, userID, err)
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	s.tracker.Add(Transfer{
		ID:         id,
		Link:       e.link,
		Peer:       e.identity,
		Direction:  Outgoing,
		Kind:       KindFile,
		FileName:   fileName,
		TotalBytes: info.Size(),
		Status:     StatusEnqueued,
	})
	s.logger.WithFields(logrus.Fields{"user": userID, "file": fileName, "transfer": id}).Info("File transfer started")
	return id, nil
}

// liveEntry resolves userID to a Connected link.
func (s *Session) liveEntry(userID string) (*entry, error) {
	link, ok := s.directory.LookupLinkByUserID(userID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPeer, userID)
	}
	e := s.directory.get(link)
	if e.state != StateConnected {
		return nil, fmt.Errorf("%w: %s is not connected", ErrNoSuchPeer, userID)
	}
	return e, nil
}

func (s *Session) ConnectedUsers() []protocol.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory.ConnectedPeers()
}

func (s *Session) DiscoveredUsers() []protocol.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory.KnownPeers()
}

// LinkForUser returns the transport endpoint currently mapped to userID.
func (s *Session) LinkForUser(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory.LookupLinkByUserID(userID)
}

func (s *Session) ActiveTransfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Active()
}

func (s *Session) Self() protocol.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Session) SetDiscoverySink(sink Sink[DiscoveryEvent]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks.discovery = sink
}

func (s *Session) SetConnectionSink(sink Sink[ConnectionEvent]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks.connection = sink
}

func (s *Session) SetMessageSink(sink Sink[MessageEvent]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks.message = sink
}

func (s *Session) SetFileSink(sink Sink[FileEvent]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks.file = sink
}

func (s *Session) SetProgressSink(sink Sink[ProgressEvent]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks.progress = sink
}

// Shutdown stops discovery and advertising, drops every link, clears all
// state and detaches the sinks. It is safe to call more than once; a
// failing step does not prevent the following ones.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.step("stop discovery", s.transport.StopDiscovery)
	s.step("stop advertising", s.transport.StopAdvertising)
	s.step("stop endpoints", s.transport.StopAllEndpoints)

	s.step("clear transfers", func() error {
		for _, tr := range s.tracker.reset() {
			if tr.Direction == Incoming && tr.TempPath != "" {
				_ = os.Remove(tr.TempPath)
			}
		}
		return nil
	})
	s.step("clear directory", func() error {
		metrics.ConnectedPeers.Sub(float64(len(s.directory.ConnectedPeers())))
		s.directory.reset()
		s.handshakes.reset()
		return nil
	})

	s.discovering = false
	s.advertising = false
	s.sinks = sinks{}
	s.logger.Info("Session shut down")
}

func (s *Session) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Panic during %s: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warnf("Failed to %s: %v", name, err)
	}
}

// identityFromInfo decodes advertised endpoint info. Undecodable info
// falls back to the endpoint id, using the raw text as name when printable.
func (s *Session) identityFromInfo(link string, info []byte) protocol.Identity {
	rec, err := s.codec.Decode(info, link)
	if err == nil {
		return rec.Identity()
	}
	name := protocol.DefaultName
	if len(info) > 0 && utf8.Valid(info) {
		name = string(info)
	}
	return protocol.Identity{UserID: link, Name: name}
}

func (s *Session) savePeer(out *outbox, id protocol.Identity) {
	if s.history == nil {
		return
	}
	out.add(func() {
		if err := s.history.SavePeer(context.Background(), id.UserID, id.Name); err != nil {
			s.logger.Warnf("Failed to save peer %s: %v", id.UserID, err)
		}
	})
}
