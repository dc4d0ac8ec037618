package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/rudransh-shrivastava/airlink/internal/session"
)

// lockedWriter serializes writes from several printers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// printer renders session events for a terminal. Sinks call it from
// transport goroutines.
type printer struct {
	prefix string
	out    io.Writer

	mu   sync.Mutex
	bars map[int64]*progressbar.ProgressBar
}

func newPrinter(prefix string, out io.Writer) *printer {
	return &printer{prefix: prefix, out: out, bars: make(map[int64]*progressbar.ProgressBar)}
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.out, p.prefix+format+"\n", args...)
}

func (p *printer) error(code string, err error) {
	p.printf("! %s: %v", code, err)
}

func (p *printer) discovery(e session.DiscoveryEvent) {
	switch e.Type {
	case session.PeerFound:
		p.printf("+ %s (%s) is nearby", e.Name, e.UserID)
	case session.PeerLost:
		p.printf("- %s (%s) went away", e.Name, e.UserID)
	}
}

func (p *printer) connection(e session.ConnectionEvent) {
	switch e.Type {
	case session.ConnectionInitiated:
		p.printf("~ connecting to %s", e.Name)
	case session.ConnectionConnected:
		p.printf("* connected to %s (%s)", e.Name, e.UserID)
	case session.ConnectionDisconnected:
		p.printf("x disconnected from %s", e.Name)
	case session.ConnectionFailed:
		p.printf("! connection to %s failed: %s", e.Name, e.Status)
	}
}

func (p *printer) message(e session.MessageEvent) {
	p.printf("[%s] %s: %s", e.ReceivedAt.Format(time.Kitchen), e.Name, e.Message)
}

func (p *printer) file(e session.FileEvent) {
	p.printf("received %s (%s, %d bytes) from %s -> %s", e.FileName, e.Category, e.Size, e.From.Name, e.Path)
}

func (p *printer) progress(e session.ProgressEvent) {
	if e.Kind != session.KindFile {
		if e.Status == session.StatusFailure {
			p.printf("! message %d to %s was not delivered", e.TransferID, e.UserID)
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	bar, ok := p.bars[e.TransferID]
	if !ok {
		if e.Status.Terminal() && e.Status != session.StatusSuccess {
			p.printf("! transfer %d %s", e.TransferID, e.Status)
			return
		}
		bar = progressbar.NewOptions64(e.TotalBytes,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(fmt.Sprintf("%s%s %s", p.prefix, e.Direction, e.UserID)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
		)
		p.bars[e.TransferID] = bar
	}
	_ = bar.Set64(e.BytesTransferred)

	if !e.Status.Terminal() {
		return
	}
	delete(p.bars, e.TransferID)
	if e.Status == session.StatusSuccess {
		_ = bar.Finish()
		return
	}
	_ = bar.Exit()
	p.printf("! transfer %d %s", e.TransferID, e.Status)
}

func (p *printer) discoverySink() session.Sink[session.DiscoveryEvent] {
	return session.SinkFuncs[session.DiscoveryEvent]{OnEvent: p.discovery, OnError: p.error}
}

// attach routes every session sink except discovery to p.
func (p *printer) attach(s *session.Session) {
	s.SetConnectionSink(session.SinkFuncs[session.ConnectionEvent]{OnEvent: p.connection, OnError: p.error})
	s.SetMessageSink(session.SinkFuncs[session.MessageEvent]{OnEvent: p.message, OnError: p.error})
	s.SetFileSink(session.SinkFuncs[session.FileEvent]{OnEvent: p.file, OnError: p.error})
	s.SetProgressSink(session.SinkFuncs[session.ProgressEvent]{OnEvent: p.progress, OnError: p.error})
}
