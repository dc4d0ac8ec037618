package webrtc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// maxFrameSize keeps every data channel message within the SCTP default
// message size.
const maxFrameSize = 65535

const maxSignalSize = 1 << 20

var errBadFrame = errors.New("webrtc: malformed frame")

type frameKind uint8

const (
	frameBytes frameKind = iota + 1
	frameFileHeader
	frameFileChunk
	frameFileEnd
	// frameSenderCancel aborts a file the peer is sending us.
	frameSenderCancel
	// frameReceiverCancel asks the peer to stop sending one of our files.
	frameReceiverCancel
)

const (
	fieldKind      protowire.Number = 1
	fieldPayloadID protowire.Number = 2
	fieldData      protowire.Number = 3
	fieldName      protowire.Number = 4
	fieldSize      protowire.Number = 5
)

// frame is one data channel message. PayloadID is always the sender's id.
type frame struct {
	Kind      frameKind
	PayloadID int64
	Data      []byte
	Name      string
	Size      int64
}

func (f frame) marshal() []byte {
	b := make([]byte, 0, len(f.Data)+len(f.Name)+24)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = protowire.AppendTag(b, fieldPayloadID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.PayloadID))
	if len(f.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}
	if f.Name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, f.Name)
	}
	if f.Size > 0 {
		b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Size))
	}
	return b
}

func parseFrame(b []byte) (frame, error) {
	var f frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return frame{}, errBadFrame
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldKind || num == fieldPayloadID || num == fieldSize):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return frame{}, errBadFrame
			}
			b = b[n:]
			switch num {
			case fieldKind:
				f.Kind = frameKind(v)
			case fieldPayloadID:
				f.PayloadID = int64(v)
			case fieldSize:
				f.Size = int64(v)
			}
		case typ == protowire.BytesType && (num == fieldData || num == fieldName):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return frame{}, errBadFrame
			}
			b = b[n:]
			if num == fieldData {
				f.Data = append([]byte(nil), v...)
			} else {
				f.Name = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return frame{}, errBadFrame
			}
			b = b[n:]
		}
	}

	if f.Kind < frameBytes || f.Kind > frameReceiverCancel {
		return frame{}, fmt.Errorf("%w: kind %d", errBadFrame, f.Kind)
	}
	return f, nil
}

type signalType uint8

const (
	signalOffer signalType = iota + 1
	signalAnswer
	signalReject
)

// signal is exchanged over the TCP signaling connection. The SDP carries
// every ICE candidate, so one offer and one answer set up the link.
type signal struct {
	Type       signalType
	EndpointID string
	Info       []byte
	SDP        string
}

func (s signal) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Type))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, s.EndpointID)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Info)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, s.SDP)
	return b
}

func parseSignal(b []byte) (signal, error) {
	var s signal
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return signal{}, errBadFrame
		}
		b = b[n:]

		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return signal{}, errBadFrame
			}
			s.Type = signalType(v)
			b = b[n:]
			continue
		}
		if typ != protowire.BytesType || num < 2 || num > 4 {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return signal{}, errBadFrame
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return signal{}, errBadFrame
		}
		b = b[n:]
		switch num {
		case 2:
			s.EndpointID = string(v)
		case 3:
			s.Info = append([]byte(nil), v...)
		case 4:
			s.SDP = string(v)
		}
	}

	if s.Type < signalOffer || s.Type > signalReject {
		return signal{}, fmt.Errorf("%w: signal type %d", errBadFrame, s.Type)
	}
	return s, nil
}

func writeSignal(w io.Writer, s signal) error {
	body := s.marshal()
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

func readSignal(r io.Reader) (signal, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return signal{}, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxSignalSize {
		return signal{}, fmt.Errorf("%w: signal of %d bytes", errBadFrame, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return signal{}, err
	}
	return parseSignal(body)
}
