package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/airlink/internal/metrics"
	"github.com/rudransh-shrivastava/airlink/internal/protocol"
	"github.com/sirupsen/logrus"
)

// SendMessage sends text to a connected user and returns the payload id
// under which delivery updates are reported.
func (s *Session) SendMessage(userID, text string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id cannot be empty", ErrInvalidArgument)
	}
	if text == "" {
		return 0, fmt.Errorf("%w: message cannot be empty", ErrInvalidArgument)
	}

	var out outbox
	s.mu.Lock()

	e, err := s.liveEntry(userID)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}

	data := s.codec.Encode(protocol.NewMessageRecord(s.self, text))
	id, err := s.transport.SendBytes(e.link, data)
	if err != nil {
		s.logger.Errorf("Failed to send message to %s: %v", userID, err)
		err = fmt.Errorf("%w: %v", ErrTransport, err)
		emitError(&out, s.sinks.message, CodePayload, err)
		s.mu.Unlock()
		out.flush()
		return 0, err
	}

	s.tracker.Add(Transfer{
		ID:         id,
		Link:       e.link,
		Peer:       e.identity,
		Direction:  Outgoing,
		Kind:       KindMessage,
		TotalBytes: int64(len(data)),
		Status:     StatusEnqueued,
	})
	metrics.MessagesTotal.WithLabelValues(Outgoing.String()).Inc()
	s.saveMessage(&out, id, e.identity, text, true)
	s.mu.Unlock()

	out.flush()
	return id, nil
}

// receiveBytes routes a bytes payload: the first one on a pending link is
// the peer's identity record, later ones are chat messages.
func (s *Session) receiveBytes(out *outbox, link string, id int64, data []byte) {
	e := s.directory.get(link)
	if e == nil {
		s.logger.Warnf("Dropping payload %d from unknown endpoint %s", id, link)
		return
	}

	if hs, pending := s.handshakes.get(link); pending {
		s.receiveHandshake(out, e, hs, id, data)
		return
	}
	if !e.handshaked {
		s.logger.Warnf("Dropping payload %d from %s before connection setup", id, link)
		return
	}

	rec, err := s.codec.Decode(data, e.identity.UserID)
	if err != nil {
		metrics.ParseErrorsTotal.Inc()
		s.logger.Warnf("Dropping payload %d from %s: %v", id, link, fmt.Errorf("%w: %v", ErrParse, err))
		return
	}

	if rec.Kind() == protocol.KindIdentity {
		if rec.UserID == e.identity.UserID && rec.Name != e.identity.Name {
			s.logger.Debugf("Peer %s renamed to %s", rec.UserID, rec.Name)
			s.directory.claim(link, rec.Identity())
		}
		return
	}
	s.deliverMessage(out, e, id, rec.Message)
}

func (s *Session) receiveHandshake(out *outbox, e *entry, hs *handshakeState, id int64, data []byte) {
	rec, err := s.codec.Decode(data, e.link)

	if !hs.degraded {
		if err != nil {
			hs.degraded = true
			metrics.ParseErrorsTotal.Inc()
			metrics.HandshakesTotal.WithLabelValues("malformed").Inc()
			s.logger.Warnf("Malformed handshake from %s: %v", e.link, fmt.Errorf("%w: %v", ErrParse, err))
			return
		}
		// The first record is the identity even if it carries a message.
		s.completeHandshake(out, e, rec.Identity())
		return
	}

	if s.strict {
		s.logger.Warnf("Rejecting %s: payload before a valid handshake", e.link)
		s.rejectLink(e)
		return
	}

	if err == nil && rec.Kind() == protocol.KindIdentity {
		s.completeHandshake(out, e, rec.Identity())
		return
	}

	metrics.HandshakesTotal.WithLabelValues("fallback").Inc()
	s.logger.Warnf("No handshake from %s, using endpoint id as identity", e.link)
	if !s.completeHandshake(out, e, protocol.Identity{UserID: e.link, Name: e.link}) {
		return
	}
	if err != nil {
		metrics.ParseErrorsTotal.Inc()
		s.logger.Warnf("Dropping payload %d from %s: %v", id, e.link, fmt.Errorf("%w: %v", ErrParse, err))
		return
	}
	s.deliverMessage(out, e, id, rec.Message)
}

// completeHandshake binds id to the link. A user already connected over
// another link keeps that link and the new one is dropped.
func (s *Session) completeHandshake(out *outbox, e *entry, id protocol.Identity) bool {
	s.handshakes.finish(e.link)

	if other, dup := s.directory.connectedElsewhere(e.link, id.UserID); dup {
		metrics.HandshakesTotal.WithLabelValues("duplicate").Inc()
		s.logger.Warnf("User %s already connected via %s, dropping %s", id.UserID, other, e.link)
		s.rejectLink(e)
		return false
	}

	s.directory.claim(e.link, id)
	e.handshaked = true
	metrics.HandshakesTotal.WithLabelValues("completed").Inc()
	s.logger.WithFields(logrus.Fields{"user": id.UserID, "name": id.Name, "endpoint": e.link}).Debug("Handshake completed")

	if e.established {
		s.markConnected(out, e)
	}
	return true
}

// rejectLink forgets the link before disconnecting it, so the resulting
// disconnect callback produces no event.
func (s *Session) rejectLink(e *entry) {
	s.handshakes.finish(e.link)
	s.directory.delete(e.link)
	if err := s.transport.DisconnectFromEndpoint(e.link); err != nil {
		s.logger.Warnf("Failed to disconnect %s: %v", e.link, err)
	}
}

func (s *Session) deliverMessage(out *outbox, e *entry, id int64, text string) {
	metrics.MessagesTotal.WithLabelValues(Incoming.String()).Inc()
	s.logger.WithFields(logrus.Fields{"user": e.identity.UserID, "payload": id}).Debug("Message received")
	emit(out, s.sinks.message, MessageEvent{
		ID:         id,
		From:       e.identity.UserID,
		Name:       e.identity.Name,
		Message:    text,
		ReceivedAt: time.Now(),
	})
	s.saveMessage(out, id, e.identity, text, false)
}

func (s *Session) saveMessage(out *outbox, id int64, peer protocol.Identity, text string, outgoing bool) {
	if s.history == nil {
		return
	}
	out.add(func() {
		if err := s.history.SaveMessage(context.Background(), id, peer.UserID, peer.Name, text, outgoing); err != nil {
			s.logger.Warnf("Failed to save message %d: %v", id, err)
		}
	})
}
