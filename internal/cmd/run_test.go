package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/airlink/internal/logger"
	"github.com/rudransh-shrivastava/airlink/internal/protocol"
	"github.com/rudransh-shrivastava/airlink/internal/session"
	"github.com/rudransh-shrivastava/airlink/internal/transport/mem"
)

func TestTail(t *testing.T) {
	tests := []struct {
		line string
		n    int
		want string
	}{
		{"msg u2 hello there", 2, "hello there"},
		{"  msg   u2   spaced    out  ", 2, "spaced    out"},
		{"msg u2", 2, ""},
		{"connect u2", 1, "u2"},
	}

	for _, tt := range tests {
		if got := tail(tt.line, tt.n); got != tt.want {
			t.Errorf("tail(%q, %d) = %q, want %q", tt.line, tt.n, got, tt.want)
		}
	}
}

func newConsoleSession(t *testing.T) (*session.Session, *printer, *bytes.Buffer) {
	t.Helper()

	tr, err := mem.NewNetwork().NewTransport("ep-1", mem.Options{IncomingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	s, err := session.New(session.Options{
		Transport: tr,
		Self:      protocol.Identity{UserID: "u1", Name: "Alice"},
		Logger:    logger.Discard(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		s.Shutdown()
		_ = tr.Close()
	})

	var out bytes.Buffer
	return s, newPrinter("", &out), &out
}

func TestExecute(t *testing.T) {
	s, p, out := newConsoleSession(t)
	ctx := context.Background()

	if execute(ctx, s, p, "") {
		t.Error("empty line should not quit")
	}
	execute(ctx, s, p, "help")
	if !strings.Contains(out.String(), "connect <user>") {
		t.Errorf("expected help text, got %q", out.String())
	}

	out.Reset()
	execute(ctx, s, p, "msg u2 hello")
	if !strings.Contains(out.String(), "no such peer") {
		t.Errorf("expected no such peer error, got %q", out.String())
	}

	out.Reset()
	execute(ctx, s, p, "msg u2")
	if !strings.Contains(out.String(), "usage: msg") {
		t.Errorf("expected usage, got %q", out.String())
	}

	out.Reset()
	execute(ctx, s, p, "dance")
	if !strings.Contains(out.String(), `unknown command "dance"`) {
		t.Errorf("expected unknown command, got %q", out.String())
	}

	if !execute(ctx, s, p, "quit") {
		t.Error("expected quit to stop the console")
	}
}

func TestPeersListsEachUserOnce(t *testing.T) {
	ctx := context.Background()
	n := mem.NewNetwork()

	newSession := func(ep string, id protocol.Identity) *session.Session {
		tr, err := n.NewTransport(ep, mem.Options{IncomingDir: t.TempDir()})
		if err != nil {
			t.Fatalf("NewTransport failed: %v", err)
		}
		s, err := session.New(session.Options{Transport: tr, DownloadDir: t.TempDir(), Self: id, Logger: logger.Discard()})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		t.Cleanup(func() {
			s.Shutdown()
			_ = tr.Close()
		})
		return s
	}

	alice := newSession("ep-alice", protocol.Identity{UserID: "u1", Name: "Alice"})
	bob := newSession("ep-bob", protocol.Identity{UserID: "u2", Name: "Bob"})
	carol := newSession("ep-carol", protocol.Identity{UserID: "u3", Name: "Carol"})

	found := make(chan session.DiscoveryEvent, 8)
	connected := make(chan session.ConnectionEvent, 8)
	alice.SetConnectionSink(session.SinkFuncs[session.ConnectionEvent]{OnEvent: func(e session.ConnectionEvent) {
		if e.Type == session.ConnectionConnected {
			connected <- e
		}
	}})

	for _, s := range []*session.Session{alice, bob, carol} {
		if err := s.StartAdvertising(ctx, s.Self()); err != nil {
			t.Fatalf("StartAdvertising failed: %v", err)
		}
	}
	if err := alice.StartDiscovery(ctx, alice.Self(), session.SinkFuncs[session.DiscoveryEvent]{OnEvent: func(e session.DiscoveryEvent) { found <- e }}); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for seen := 0; seen < 2; {
		select {
		case <-found:
			seen++
		case <-timeout:
			t.Fatal("timeout waiting for discovery")
		}
	}
	if err := alice.Connect(ctx, "u2"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	select {
	case <-connected:
	case <-timeout:
		t.Fatal("timeout waiting for connection")
	}

	var out bytes.Buffer
	execute(ctx, alice, newPrinter("", &out), "peers")

	got := out.String()
	if strings.Count(got, "(u2)") != 1 || !strings.Contains(got, "connected  Bob (u2)") {
		t.Errorf("expected Bob listed once as connected, got %q", got)
	}
	if !strings.Contains(got, "nearby     Carol (u3)") {
		t.Errorf("expected Carol listed as nearby, got %q", got)
	}
}

func TestRepl(t *testing.T) {
	s, p, out := newConsoleSession(t)

	in := strings.NewReader("peers\nquit\nmsg u2 never sent\n")
	if err := repl(context.Background(), s, p, in); err != nil {
		t.Fatalf("repl failed: %v", err)
	}
	if strings.Contains(out.String(), "no such peer") {
		t.Error("expected input after quit to be ignored")
	}
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "airlink.yaml")
	cfg := "user_id: u1\ndata_dir: " + filepath.Join(dir, "data") + "\n"
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", path, "history", "peers"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("history peers failed: %v", err)
	}
	if !strings.Contains(out.String(), "USER") {
		t.Errorf("expected table header, got %q", out.String())
	}
}
