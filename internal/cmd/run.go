package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/airlink/internal/config"
	"github.com/rudransh-shrivastava/airlink/internal/db"
	"github.com/rudransh-shrivastava/airlink/internal/metrics"
	"github.com/rudransh-shrivastava/airlink/internal/session"
	"github.com/rudransh-shrivastava/airlink/internal/store"
	"github.com/rudransh-shrivastava/airlink/internal/transport/webrtc"
)

const consoleHelp = `commands:
  peers                  list nearby and connected peers
  connect <user>         open a link to a nearby user
  msg <user> <text>      send a chat message
  file <user> <path>     send a file
  transfers              list transfers in flight
  quit                   leave`

func runNode(ctx context.Context, cfg *config.Config, log *logrus.Logger, in io.Reader, out io.Writer) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	gdb, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	tr, err := webrtc.New(webrtc.Options{
		BeaconPort:     cfg.LAN.BeaconPort,
		BeaconInterval: cfg.LAN.BeaconInterval,
		PeerTTL:        cfg.LAN.PeerTTL,
		SignalAddr:     cfg.LAN.SignalAddr,
		STUNServers:    cfg.LAN.STUNServers,
		ChunkSize:      cfg.LAN.ChunkSize,
		IncomingDir:    filepath.Join(cfg.DataDir, "incoming"),
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	s, err := session.New(session.Options{
		Transport:       tr,
		ServiceID:       cfg.ServiceID,
		DownloadDir:     cfg.DownloadDir,
		Self:            cfg.Identity(),
		StrictHandshake: cfg.StrictHandshake,
		History:         store.NewHistory(gdb),
		Logger:          log,
	})
	if err != nil {
		return err
	}
	defer s.Shutdown()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, log)
		defer srv.Close()
	}

	p := newPrinter("", &lockedWriter{w: out})
	p.attach(s)

	if err := s.StartAdvertising(ctx, cfg.Identity()); err != nil {
		return err
	}
	if err := s.StartDiscovery(ctx, cfg.Identity(), p.discoverySink()); err != nil {
		return err
	}

	p.printf("%s (%s) is online as endpoint %s. Type help for commands.", cfg.Name, cfg.UserID, tr.EndpointID())
	return repl(ctx, s, p, in)
}

func serveMetrics(addr string, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	return srv
}

// repl reads console commands until quit, end of input or ctx is done.
func repl(ctx context.Context, s *session.Session, p *printer, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := execute(ctx, s, p, line); quit {
				return nil
			}
		}
	}
}

func execute(ctx context.Context, s *session.Session, p *printer, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch cmd, args := fields[0], fields[1:]; cmd {
	case "help", "?":
		p.printf("%s", consoleHelp)
	case "quit", "exit":
		return true
	case "peers":
		connected := s.ConnectedUsers()
		linked := make(map[string]bool, len(connected))
		for _, id := range connected {
			linked[id.UserID] = true
		}
		for _, id := range s.DiscoveredUsers() {
			if !linked[id.UserID] {
				p.printf("  nearby     %s (%s)", id.Name, id.UserID)
			}
		}
		for _, id := range connected {
			p.printf("  connected  %s (%s)", id.Name, id.UserID)
		}
	case "connect":
		if len(args) != 1 {
			p.printf("usage: connect <user>")
			return false
		}
		if err := s.Connect(ctx, args[0]); err != nil {
			p.printf("! %v", err)
		}
	case "msg":
		if len(args) < 2 {
			p.printf("usage: msg <user> <text>")
			return false
		}
		if _, err := s.SendMessage(args[0], tail(line, 2)); err != nil {
			p.printf("! %v", err)
		}
	case "file":
		if len(args) != 2 {
			p.printf("usage: file <user> <path>")
			return false
		}
		if _, err := s.SendFile(args[0], args[1], filepath.Base(args[1])); err != nil {
			p.printf("! %v", err)
		}
	case "transfers":
		for _, tr := range s.ActiveTransfers() {
			p.printf("  %d %s %s %s %d/%d", tr.ID, tr.Direction, tr.Peer.Name, tr.FileName, tr.BytesTransferred, tr.TotalBytes)
		}
	default:
		p.printf("unknown command %q, type help", cmd)
	}
	return false
}

// tail drops the first n fields of line and keeps the rest verbatim.
func tail(line string, n int) string {
	rest := strings.TrimSpace(line)
	for i := 0; i < n; i++ {
		idx := strings.IndexFunc(rest, unicode.IsSpace)
		if idx < 0 {
			return ""
		}
		rest = strings.TrimLeftFunc(rest[idx:], unicode.IsSpace)
	}
	return rest
}
