package session

import (
	"context"
	"fmt"

	"github.com/rudransh-shrivastava/airlink/internal/metrics"
	"github.com/rudransh-shrivastava/airlink/internal/transport"
	"github.com/sirupsen/logrus"
)

func (s *Session) OnEndpointFound(link string, info []byte) {
	id := s.identityFromInfo(link, info)

	var out outbox
	s.mu.Lock()
	metrics.EndpointsTotal.WithLabelValues("found").Inc()
	if s.directory.RecordDiscovered(link, id) {
		s.logger.WithFields(logrus.Fields{"user": id.UserID, "endpoint": link}).Info("Peer found")
		emit(&out, s.sinks.discovery, DiscoveryEvent{
			Type:       PeerFound,
			UserID:     id.UserID,
			Name:       id.Name,
			EndpointID: link,
		})
		s.savePeer(&out, id)
	}
	s.mu.Unlock()

	out.flush()
}

func (s *Session) OnEndpointLost(link string) {
	var out outbox
	s.mu.Lock()
	metrics.EndpointsTotal.WithLabelValues("lost").Inc()
	id, removed := s.directory.Remove(link)
	switch {
	case removed && s.directory.hasUser(id.UserID):
		s.handshakes.finish(link)
		s.logger.Debugf("Endpoint %s lost, %s is still reachable", link, id.UserID)
	case removed:
		s.handshakes.finish(link)
		s.logger.WithFields(logrus.Fields{"user": id.UserID, "endpoint": link}).Info("Peer lost")
		emit(&out, s.sinks.discovery, DiscoveryEvent{
			Type:       PeerLost,
			UserID:     id.UserID,
			Name:       id.Name,
			EndpointID: link,
		})
	case id.UserID != "":
		s.logger.Debugf("Ignoring lost endpoint %s, link to %s is still up", link, id.UserID)
	}
	s.mu.Unlock()

	out.flush()
}

// OnConnectionInitiated accepts every link, incoming or outgoing, and
// starts waiting for the peer's identity record.
func (s *Session) OnConnectionInitiated(link string, info transport.ConnectionInfo) {
	provisional := s.identityFromInfo(link, info.EndpointInfo)

	var out outbox
	s.mu.Lock()
	e := s.directory.ensure(link, provisional)
	e.handshaked = false
	e.established = false
	e.state = StateHandshakePending
	s.handshakes.begin(link)

	if err := s.transport.AcceptConnection(link); err != nil {
		s.logger.Errorf("Failed to accept connection from %s: %v", link, err)
		s.handshakes.finish(link)
		e.state = StateFailed
		e.requested = false
		emitError(&out, s.sinks.connection, CodeConnection, fmt.Errorf("%w: %v", ErrTransport, err))
	} else {
		s.logger.WithFields(logrus.Fields{
			"user":     e.identity.UserID,
			"endpoint": link,
			"incoming": info.Incoming,
		}).Info("Connection initiated")
		emit(&out, s.sinks.connection, ConnectionEvent{
			Type:       ConnectionInitiated,
			UserID:     e.identity.UserID,
			Name:       e.identity.Name,
			EndpointID: link,
		})
	}
	s.mu.Unlock()

	out.flush()
}

func (s *Session) OnConnectionResult(link string, res transport.Resolution) {
	var out outbox
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		out.flush()
	}()

	e := s.directory.get(link)
	if e == nil {
		s.logger.Debugf("Connection result for unknown endpoint %s", link)
		return
	}
	e.requested = false

	if !res.Success() {
		s.handshakes.finish(link)
		e.state = StateFailed
		metrics.ConnectionsTotal.WithLabelValues("failed").Inc()
		s.logger.WithFields(logrus.Fields{"endpoint": link, "status": res.Status}).Warn("Connection failed")
		emit(&out, s.sinks.connection, ConnectionEvent{
			Type:       ConnectionFailed,
			UserID:     e.identity.UserID,
			Name:       e.identity.Name,
			EndpointID: link,
			Status:     res.Status,
		})
		return
	}

	if e.state == StateConnected {
		s.logger.Debugf("Ignoring repeated connection result for %s", link)
		return
	}
	e.established = true
	if _, err := s.transport.SendBytes(link, s.codec.EncodeIdentity(s.self)); err != nil {
		s.logger.Errorf("Failed to send handshake to %s: %v", link, err)
		emitError(&out, s.sinks.connection, CodeConnection, fmt.Errorf("%w: %v", ErrTransport, err))
	}

	if e.handshaked {
		s.markConnected(&out, e)
	}
}

func (s *Session) OnDisconnected(link string) {
	var out outbox
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		out.flush()
	}()

	if s.handshakes.finish(link) {
		metrics.HandshakesTotal.WithLabelValues("aborted").Inc()
	}
	for _, tr := range s.tracker.AbortLink(link) {
		s.finishTransfer(&out, tr)
	}

	e := s.directory.get(link)
	if e == nil {
		s.logger.Debugf("Disconnect for unknown endpoint %s", link)
		return
	}
	if e.state == StateConnected {
		metrics.ConnectedPeers.Dec()
	}
	e.established = false
	e.requested = false
	e.state = StateDisconnected

	metrics.ConnectionsTotal.WithLabelValues("disconnected").Inc()
	s.logger.WithFields(logrus.Fields{"user": e.identity.UserID, "endpoint": link}).Info("Disconnected")
	emit(&out, s.sinks.connection, ConnectionEvent{
		Type:       ConnectionDisconnected,
		UserID:     e.identity.UserID,
		Name:       e.identity.Name,
		EndpointID: link,
	})

	switch {
	case s.directory.superseded(link):
		s.directory.delete(link)
		s.logger.Debugf("Forgetting %s, %s was seen on a newer endpoint", link, e.identity.UserID)
	case e.lost:
		s.directory.delete(link)
		if s.directory.hasUser(e.identity.UserID) {
			return
		}
		s.logger.WithFields(logrus.Fields{"user": e.identity.UserID, "endpoint": link}).Info("Peer lost")
		emit(&out, s.sinks.discovery, DiscoveryEvent{
			Type:       PeerLost,
			UserID:     e.identity.UserID,
			Name:       e.identity.Name,
			EndpointID: link,
		})
	}
}

func (s *Session) OnPayloadReceived(link string, p transport.Payload) {
	var out outbox
	s.mu.Lock()
	switch p.Kind {
	case transport.PayloadBytes:
		s.receiveBytes(&out, link, p.ID, p.Bytes)
	case transport.PayloadFile:
		s.receiveFile(link, p)
	default:
		s.logger.Warnf("Dropping payload %d of unknown kind from %s", p.ID, link)
	}
	s.mu.Unlock()

	out.flush()
}

func (s *Session) OnPayloadTransferUpdate(link string, u transport.TransferUpdate) {
	var out outbox
	s.mu.Lock()
	tr, ok := s.tracker.Update(u.PayloadID, u.BytesTransferred, u.TotalBytes, statusFromTransport(u.Status))
	if ok {
		s.finishTransfer(&out, tr)
	}
	s.mu.Unlock()

	out.flush()
}

func (s *Session) receiveFile(link string, p transport.Payload) {
	e := s.directory.get(link)
	if e == nil || !e.established {
		s.logger.Warnf("Canceling file payload %d from unknown endpoint %s", p.ID, link)
		s.cancelPayload(p.ID)
		return
	}
	if _, pending := s.handshakes.get(link); pending || !e.handshaked {
		s.logger.Warnf("Canceling file payload %d from %s before its handshake", p.ID, link)
		s.cancelPayload(p.ID)
		if s.strict {
			s.rejectLink(e)
		}
		return
	}

	s.tracker.Add(Transfer{
		ID:         p.ID,
		Link:       link,
		Peer:       e.identity,
		Direction:  Incoming,
		Kind:       KindFile,
		FileName:   p.Name,
		TempPath:   p.Path,
		TotalBytes: p.Size,
		Status:     StatusInProgress,
	})
	s.logger.WithFields(logrus.Fields{"user": e.identity.UserID, "file": p.Name, "transfer": p.ID}).Info("Receiving file")
}

func (s *Session) cancelPayload(id int64) {
	if err := s.transport.CancelPayload(id); err != nil {
		s.logger.Debugf("Cancel payload %d: %v", id, err)
	}
}

// finishTransfer emits the progress event for tr and, for a completed
// incoming file, hands the file over to the download directory. The
// file event is queued after the progress event.
func (s *Session) finishTransfer(out *outbox, tr Transfer) {
	emit(out, s.sinks.progress, tr.progress())
	if !tr.Status.Terminal() {
		return
	}

	if tr.Kind == KindFile {
		metrics.TransfersTotal.WithLabelValues(tr.Direction.String(), tr.Status.String()).Inc()
	}
	if tr.Direction != Incoming || tr.Kind != KindFile {
		return
	}

	if tr.Status != StatusSuccess {
		s.logger.WithFields(logrus.Fields{"transfer": tr.ID, "status": tr.Status}).Warn("Incoming file transfer ended")
		out.add(func() { _ = removeIfExists(tr.TempPath) })
		return
	}

	metrics.TransferBytesTotal.WithLabelValues(tr.Direction.String()).Add(float64(tr.BytesTransferred))
	fileSink, history, dir := s.sinks.file, s.history, s.downloadDir
	out.add(func() {
		path, err := materialize(tr.TempPath, dir, tr.FileName, tr.ID)
		if err != nil {
			s.logger.Errorf("Failed to store received file %s: %v", tr.FileName, err)
			if fileSink != nil {
				fileSink.Error(CodePayload, err)
			}
			return
		}

		ev := FileEvent{
			TransferID: tr.ID,
			From:       tr.Peer,
			FileName:   tr.FileName,
			Path:       path,
			Category:   CategoryFor(tr.FileName),
			Size:       tr.BytesTransferred,
		}
		s.logger.WithFields(logrus.Fields{"user": tr.Peer.UserID, "path": path, "category": ev.Category}).Info("File received")
		if fileSink != nil {
			fileSink.Send(ev)
		}
		if history != nil {
			if err := history.SaveFile(context.Background(), tr.ID, tr.Peer.UserID, tr.FileName, path, string(ev.Category), ev.Size); err != nil {
				s.logger.Warnf("Failed to save file record: %v", err)
			}
		}
	})
}

func (s *Session) markConnected(out *outbox, e *entry) {
	e.state = StateConnected
	metrics.ConnectedPeers.Inc()
	metrics.ConnectionsTotal.WithLabelValues("connected").Inc()
	s.logger.WithFields(logrus.Fields{"user": e.identity.UserID, "name": e.identity.Name, "endpoint": e.link}).Info("Connected")
	emit(out, s.sinks.connection, ConnectionEvent{
		Type:       ConnectionConnected,
		UserID:     e.identity.UserID,
		Name:       e.identity.Name,
		EndpointID: e.link,
	})
	s.savePeer(out, e.identity)
}
