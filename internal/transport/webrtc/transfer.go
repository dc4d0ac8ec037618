package webrtc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rudransh-shrivastava/airlink/internal/transport"
)

var errTransferCanceled = errors.New("webrtc: transfer canceled")

// outbound is a file we are sending.
type outbound struct {
	id   int64
	link *link

	stop     chan struct{}
	stopOnce sync.Once
	// byPeer is written before stop is closed.
	byPeer bool
}

func (o *outbound) cancel(byPeer bool) {
	o.stopOnce.Do(func() {
		o.byPeer = byPeer
		close(o.stop)
	})
}

func (t *Transport) SendBytes(endpointID string, data []byte) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, transport.ErrClosed
	}
	l, ok := t.links[endpointID]
	if !ok || !l.established {
		return 0, fmt.Errorf("%w: %s", transport.ErrNotConnected, endpointID)
	}

	id := t.allocIDLocked()
	msg := frame{Kind: frameBytes, PayloadID: id, Data: data}.marshal()
	if len(msg) > maxFrameSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	if err := l.send(msg); err != nil {
		return 0, fmt.Errorf("failed to send payload: %w", err)
	}

	size := int64(len(data))
	t.update(endpointID, transport.TransferUpdate{
		PayloadID:        id,
		BytesTransferred: size,
		TotalBytes:       size,
		Status:           transport.TransferSuccess,
	})
	return id, nil
}

func (t *Transport) SendFile(endpointID, path, name string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, transport.ErrClosed
	}
	l, ok := t.links[endpointID]
	if !ok || !l.established {
		return 0, fmt.Errorf("%w: %s", transport.ErrNotConnected, endpointID)
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return 0, fmt.Errorf("%s is a directory", path)
	}
	if name == "" {
		name = filepath.Base(path)
	}

	tr := &outbound{id: t.allocIDLocked(), link: l, stop: make(chan struct{})}
	t.transfers[tr.id] = tr
	go t.sendFile(tr, file, name, info.Size())
	return tr.id, nil
}

func (t *Transport) sendFile(tr *outbound, file *os.File, name string, size int64) {
	defer file.Close()

	l := tr.link
	var sent int64
	status := transport.TransferFailure
	defer func() {
		t.mu.Lock()
		delete(t.transfers, tr.id)
		t.mu.Unlock()
		t.update(l.id, transport.TransferUpdate{
			PayloadID:        tr.id,
			BytesTransferred: sent,
			TotalBytes:       size,
			Status:           status,
		})
	}()

	t.update(l.id, transport.TransferUpdate{PayloadID: tr.id, TotalBytes: size, Status: transport.TransferInProgress})
	if err := l.send(frame{Kind: frameFileHeader, PayloadID: tr.id, Name: name, Size: size}.marshal()); err != nil {
		t.logger.Warnf("Failed to start transfer %d: %v", tr.id, err)
		return
	}

	buf := make([]byte, t.opts.ChunkSize)
	for {
		err := l.waitWritable(tr.stop)
		if err == nil {
			select {
			case <-tr.stop:
				err = errTransferCanceled
			default:
			}
		}
		if errors.Is(err, errTransferCanceled) {
			status = transport.TransferCanceled
			if !tr.byPeer {
				_ = l.send(frame{Kind: frameSenderCancel, PayloadID: tr.id}.marshal())
			}
			return
		}
		if err != nil {
			return
		}

		n, err := file.Read(buf)
		if n > 0 {
			if err := l.send(frame{Kind: frameFileChunk, PayloadID: tr.id, Data: buf[:n]}.marshal()); err != nil {
				t.logger.Warnf("Transfer %d interrupted: %v", tr.id, err)
				return
			}
			sent += int64(n)
			t.update(l.id, transport.TransferUpdate{
				PayloadID:        tr.id,
				BytesTransferred: sent,
				TotalBytes:       size,
				Status:           transport.TransferInProgress,
			})
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.logger.Errorf("Failed to read %s: %v", name, err)
			_ = l.send(frame{Kind: frameSenderCancel, PayloadID: tr.id}.marshal())
			return
		}
	}

	if err := l.send(frame{Kind: frameFileEnd, PayloadID: tr.id, Size: sent}.marshal()); err != nil {
		t.logger.Warnf("Failed to finish transfer %d: %v", tr.id, err)
		return
	}
	status = transport.TransferSuccess
}

func (t *Transport) CancelPayload(payloadID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tr, ok := t.transfers[payloadID]; ok {
		tr.cancel(false)
		return nil
	}

	for _, l := range t.links {
		for remoteID, in := range l.inbound {
			if in.localID != payloadID {
				continue
			}
			delete(l.inbound, remoteID)
			_ = in.file.Close()
			_ = l.send(frame{Kind: frameReceiverCancel, PayloadID: remoteID}.marshal())
			t.update(l.id, transport.TransferUpdate{
				PayloadID:        payloadID,
				BytesTransferred: in.received,
				TotalBytes:       in.size,
				Status:           transport.TransferCanceled,
			})
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrUnknownPayload, payloadID)
}

func (t *Transport) handleFrame(l *link, data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		t.logger.Warnf("Dropping frame from %s: %v", l.id, err)
		return
	}

	switch f.Kind {
	case frameBytes:
		t.receiveBytes(l, f)
	case frameFileHeader:
		t.receiveFileHeader(l, f)
	case frameFileChunk:
		t.receiveChunk(l, f)
	case frameFileEnd:
		t.receiveFileEnd(l, f)
	case frameSenderCancel:
		t.receiveSenderCancel(l, f)
	case frameReceiverCancel:
		t.mu.Lock()
		if tr, ok := t.transfers[f.PayloadID]; ok && tr.link == l {
			tr.cancel(true)
		}
		t.mu.Unlock()
	}
}

func (t *Transport) receiveBytes(l *link, f frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.links[l.id] != l {
		return
	}
	id := t.allocIDLocked()
	size := int64(len(f.Data))
	p := transport.Payload{ID: id, Kind: transport.PayloadBytes, Bytes: f.Data, Size: size}
	t.emit(func(h transport.Handler) { h.OnPayloadReceived(l.id, p) })
	t.update(l.id, transport.TransferUpdate{
		PayloadID:        id,
		BytesTransferred: size,
		TotalBytes:       size,
		Status:           transport.TransferSuccess,
	})
}

func (t *Transport) receiveFileHeader(l *link, f frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.links[l.id] != l {
		return
	}
	id := t.allocIDLocked()
	path := filepath.Join(t.opts.IncomingDir, fmt.Sprintf(".airlink-%s-%d.part", t.id, id))
	file, err := os.Create(path)
	if err != nil {
		t.logger.Errorf("Failed to create %s: %v", path, err)
		_ = l.send(frame{Kind: frameReceiverCancel, PayloadID: f.PayloadID}.marshal())
		return
	}

	l.inbound[f.PayloadID] = &inbound{localID: id, name: f.Name, path: path, file: file, size: f.Size}
	p := transport.Payload{ID: id, Kind: transport.PayloadFile, Name: f.Name, Path: path, Size: f.Size}
	t.emit(func(h transport.Handler) { h.OnPayloadReceived(l.id, p) })
	t.update(l.id, transport.TransferUpdate{PayloadID: id, TotalBytes: f.Size, Status: transport.TransferInProgress})
}

func (t *Transport) receiveChunk(l *link, f frame) {
	t.mu.Lock()
	in, ok := l.inbound[f.PayloadID]
	t.mu.Unlock()
	if !ok {
		return
	}

	n, werr := in.file.Write(f.Data)

	t.mu.Lock()
	defer t.mu.Unlock()
	if l.inbound[f.PayloadID] != in {
		return
	}
	in.received += int64(n)

	if werr != nil {
		t.logger.Errorf("Failed to write %s: %v", in.path, werr)
		delete(l.inbound, f.PayloadID)
		_ = in.file.Close()
		_ = l.send(frame{Kind: frameReceiverCancel, PayloadID: f.PayloadID}.marshal())
		t.update(l.id, transport.TransferUpdate{
			PayloadID:        in.localID,
			BytesTransferred: in.received,
			TotalBytes:       in.size,
			Status:           transport.TransferFailure,
		})
		return
	}
	t.update(l.id, transport.TransferUpdate{
		PayloadID:        in.localID,
		BytesTransferred: in.received,
		TotalBytes:       in.size,
		Status:           transport.TransferInProgress,
	})
}

func (t *Transport) receiveFileEnd(l *link, f frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	in, ok := l.inbound[f.PayloadID]
	if !ok {
		return
	}
	delete(l.inbound, f.PayloadID)

	status := transport.TransferSuccess
	if err := in.file.Close(); err != nil {
		t.logger.Errorf("Failed to close %s: %v", in.path, err)
		status = transport.TransferFailure
	}
	if in.received != in.size || in.received != f.Size {
		t.logger.Warnf("Transfer of %s ended at %d of %d bytes", in.name, in.received, in.size)
		status = transport.TransferFailure
	}
	t.update(l.id, transport.TransferUpdate{
		PayloadID:        in.localID,
		BytesTransferred: in.received,
		TotalBytes:       in.size,
		Status:           status,
	})
}

func (t *Transport) receiveSenderCancel(l *link, f frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	in, ok := l.inbound[f.PayloadID]
	if !ok {
		return
	}
	delete(l.inbound, f.PayloadID)
	_ = in.file.Close()
	t.update(l.id, transport.TransferUpdate{
		PayloadID:        in.localID,
		BytesTransferred: in.received,
		TotalBytes:       in.size,
		Status:           transport.TransferCanceled,
	})
}

// abortInboundLocked ends every file the peer was sending over l.
func (t *Transport) abortInboundLocked(l *link, status transport.TransferStatus) {
	for remoteID, in := range l.inbound {
		delete(l.inbound, remoteID)
		_ = in.file.Close()
		t.update(l.id, transport.TransferUpdate{
			PayloadID:        in.localID,
			BytesTransferred: in.received,
			TotalBytes:       in.size,
			Status:           status,
		})
	}
}
