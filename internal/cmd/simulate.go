package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/airlink/internal/protocol"
	"github.com/rudransh-shrivastava/airlink/internal/session"
	"github.com/rudransh-shrivastava/airlink/internal/transport/mem"
)

type simulation struct {
	FilePath   string
	FileSize   int64
	Timeout    time.Duration
	ChunkDelay time.Duration
}

type simPeer struct {
	id protocol.Identity
	s  *session.Session
	t  *mem.Transport
	p  *printer

	found     chan session.DiscoveryEvent
	connected chan session.ConnectionEvent
	messages  chan session.MessageEvent
	files     chan session.FileEvent
	done      chan session.ProgressEvent
	errs      chan error
}

func newSimPeer(n *mem.Network, id protocol.Identity, dir string, opts simulation, log *logrus.Logger, out io.Writer) (*simPeer, error) {
	incoming := filepath.Join(dir, id.UserID, "incoming")
	downloads := filepath.Join(dir, id.UserID, "downloads")
	for _, d := range []string{incoming, downloads} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, err
		}
	}

	tr, err := n.NewTransport("ep-"+id.UserID, mem.Options{IncomingDir: incoming, ChunkSize: 64 * 1024, ChunkDelay: opts.ChunkDelay})
	if err != nil {
		return nil, err
	}
	s, err := session.New(session.Options{Transport: tr, DownloadDir: downloads, Self: id, Logger: log})
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	sp := &simPeer{
		id:        id,
		s:         s,
		t:         tr,
		p:         newPrinter(fmt.Sprintf("[%s] ", id.Name), out),
		found:     make(chan session.DiscoveryEvent, 16),
		connected: make(chan session.ConnectionEvent, 16),
		messages:  make(chan session.MessageEvent, 16),
		files:     make(chan session.FileEvent, 16),
		done:      make(chan session.ProgressEvent, 16),
		errs:      make(chan error, 16),
	}

	onError := func(code string, err error) {
		sp.p.error(code, err)
		offer(sp.errs, fmt.Errorf("%s: %w", code, err))
	}
	s.SetConnectionSink(session.SinkFuncs[session.ConnectionEvent]{
		OnEvent: func(e session.ConnectionEvent) {
			sp.p.connection(e)
			if e.Type == session.ConnectionConnected {
				offer(sp.connected, e)
			}
		},
		OnError: onError,
	})
	s.SetMessageSink(session.SinkFuncs[session.MessageEvent]{
		OnEvent: func(e session.MessageEvent) {
			sp.p.message(e)
			offer(sp.messages, e)
		},
		OnError: onError,
	})
	s.SetFileSink(session.SinkFuncs[session.FileEvent]{
		OnEvent: func(e session.FileEvent) {
			sp.p.file(e)
			offer(sp.files, e)
		},
		OnError: onError,
	})
	s.SetProgressSink(session.SinkFuncs[session.ProgressEvent]{
		OnEvent: func(e session.ProgressEvent) {
			sp.p.progress(e)
			if e.Kind == session.KindFile && e.Status.Terminal() {
				offer(sp.done, e)
			}
		},
		OnError: onError,
	})
	return sp, nil
}

func (sp *simPeer) discoverySink() session.Sink[session.DiscoveryEvent] {
	return session.SinkFuncs[session.DiscoveryEvent]{
		OnEvent: func(e session.DiscoveryEvent) {
			sp.p.discovery(e)
			if e.Type == session.PeerFound {
				offer(sp.found, e)
			}
		},
		OnError: func(code string, err error) {
			sp.p.error(code, err)
			offer(sp.errs, fmt.Errorf("%s: %w", code, err))
		},
	}
}

func (sp *simPeer) close() {
	sp.s.Shutdown()
	_ = sp.t.Close()
}

// offer never blocks the session's delivery goroutine.
func offer[E any](ch chan E, v E) {
	select {
	case ch <- v:
	default:
	}
}

// await returns the first value on ch that satisfies match.
func await[E any](ctx context.Context, sp *simPeer, ch chan E, timeout time.Duration, what string, match func(E) bool) (E, error) {
	var zero E
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case v := <-ch:
			if match == nil || match(v) {
				return v, nil
			}
		case err := <-sp.errs:
			return zero, fmt.Errorf("%s: waiting for %s: %w", sp.id.Name, what, err)
		case <-timer.C:
			return zero, fmt.Errorf("%s: timed out waiting for %s", sp.id.Name, what)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func simulate(ctx context.Context, log *logrus.Logger, out io.Writer, opts simulation) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	dir, err := os.MkdirTemp("", "airlink-sim-*")
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	w := &lockedWriter{w: out}
	n := mem.NewNetwork()

	alice, err := newSimPeer(n, protocol.Identity{UserID: "u1", Name: "Alice"}, dir, opts, log, w)
	if err != nil {
		return err
	}
	defer alice.close()
	bob, err := newSimPeer(n, protocol.Identity{UserID: "u2", Name: "Bob"}, dir, opts, log, w)
	if err != nil {
		return err
	}
	defer bob.close()

	src, name, err := simulationFile(dir, opts)
	if err != nil {
		return err
	}

	if err := bob.s.StartAdvertising(ctx, bob.id); err != nil {
		return err
	}
	if err := alice.s.StartAdvertising(ctx, alice.id); err != nil {
		return err
	}
	if err := alice.s.StartDiscovery(ctx, alice.id, alice.discoverySink()); err != nil {
		return err
	}
	if _, err := await(ctx, alice, alice.found, opts.Timeout, "Bob to be found", func(e session.DiscoveryEvent) bool {
		return e.UserID == bob.id.UserID
	}); err != nil {
		return err
	}

	if err := alice.s.Connect(ctx, bob.id.UserID); err != nil {
		return err
	}
	if _, err := await(ctx, alice, alice.connected, opts.Timeout, "link to Bob", nil); err != nil {
		return err
	}
	if _, err := await(ctx, bob, bob.connected, opts.Timeout, "link to Alice", nil); err != nil {
		return err
	}

	if _, err := alice.s.SendMessage(bob.id.UserID, "hi Bob, sending you a file"); err != nil {
		return err
	}
	if _, err := await(ctx, bob, bob.messages, opts.Timeout, "Alice's message", nil); err != nil {
		return err
	}
	if _, err := bob.s.SendMessage(alice.id.UserID, "got it, go ahead"); err != nil {
		return err
	}
	if _, err := await(ctx, alice, alice.messages, opts.Timeout, "Bob's reply", nil); err != nil {
		return err
	}

	if _, err := alice.s.SendFile(bob.id.UserID, src, name); err != nil {
		return err
	}
	file, err := await(ctx, bob, bob.files, opts.Timeout, "the file", nil)
	if err != nil {
		return err
	}
	sent, err := await(ctx, alice, alice.done, opts.Timeout, "transfer completion", nil)
	if err != nil {
		return err
	}
	if sent.Status != session.StatusSuccess {
		return fmt.Errorf("transfer ended with %s", sent.Status)
	}

	fmt.Fprintf(w, "simulation complete: %s delivered as %s (%d bytes)\n", file.FileName, file.Category, file.Size)
	return nil
}

// simulationFile returns the file to send, generating one when none was
// given.
func simulationFile(dir string, opts simulation) (string, string, error) {
	if opts.FilePath != "" {
		return opts.FilePath, filepath.Base(opts.FilePath), nil
	}

	size := opts.FileSize
	if size <= 0 {
		size = 1 << 20
	}
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return "", "", fmt.Errorf("failed to generate file: %w", err)
	}
	path := filepath.Join(dir, "photo.jpg")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, "photo.jpg", nil
}
