package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rudransh-shrivastava/airlink/internal/protocol"
)

func TestTrackerUpdateMonotonic(t *testing.T) {
	tr := NewTracker()
	tr.Add(Transfer{ID: 7, Link: "ep-1", Direction: Incoming, Kind: KindFile, TotalBytes: 100})

	if got, _ := tr.Update(7, 60, 100, StatusInProgress); got.BytesTransferred != 60 {
		t.Errorf("expected 60, got %d", got.BytesTransferred)
	}
	if got, _ := tr.Update(7, 40, 100, StatusInProgress); got.BytesTransferred != 60 {
		t.Errorf("expected bytes to stay at 60, got %d", got.BytesTransferred)
	}
}

func TestTrackerTerminalRemoves(t *testing.T) {
	tr := NewTracker()
	tr.Add(Transfer{ID: 1, Link: "ep-1"})

	got, ok := tr.Update(1, 10, 10, StatusSuccess)
	if !ok || got.Status != StatusSuccess {
		t.Fatalf("expected success snapshot, got %+v (ok=%v)", got, ok)
	}
	if tr.Len() != 0 {
		t.Errorf("expected tracker to be empty, got %d", tr.Len())
	}
	if _, ok := tr.Update(1, 10, 10, StatusSuccess); ok {
		t.Error("expected repeated terminal update to be ignored")
	}
}

func TestTrackerUnknownID(t *testing.T) {
	tr := NewTracker()
	if _, ok := tr.Update(99, 1, 1, StatusInProgress); ok {
		t.Error("expected unknown id to be ignored")
	}
}

func TestTrackerAbortLink(t *testing.T) {
	tr := NewTracker()
	tr.Add(Transfer{ID: 1, Link: "ep-1"})
	tr.Add(Transfer{ID: 2, Link: "ep-2"})
	tr.Add(Transfer{ID: 3, Link: "ep-1"})

	aborted := tr.AbortLink("ep-1")
	if len(aborted) != 2 {
		t.Fatalf("expected 2 aborted, got %d", len(aborted))
	}
	for _, a := range aborted {
		if a.Status != StatusFailure {
			t.Errorf("expected failure for %d, got %s", a.ID, a.Status)
		}
	}
	if active := tr.Active(); len(active) != 1 || active[0].ID != 2 {
		t.Errorf("expected only transfer 2 left, got %+v", active)
	}
}

func TestTransferProgressEvent(t *testing.T) {
	tr := Transfer{
		ID:               5,
		Peer:             protocol.Identity{UserID: "u2"},
		Direction:        Outgoing,
		Kind:             KindFile,
		BytesTransferred: 3,
		TotalBytes:       9,
		Status:           StatusInProgress,
	}

	ev := tr.progress()
	if ev.TransferID != 5 || ev.UserID != "u2" || ev.BytesTransferred != 3 || ev.TotalBytes != 9 {
		t.Errorf("unexpected progress event %+v", ev)
	}
}

func TestCheckSource(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("abc"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	info, err := checkSource(file)
	if err != nil {
		t.Fatalf("checkSource failed: %v", err)
	}
	if info.Size() != 3 {
		t.Errorf("expected size 3, got %d", info.Size())
	}

	if _, err := checkSource(filepath.Join(dir, "missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing file, got %v", err)
	}
	if _, err := checkSource(dir); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestMaterializeAvoidsCollisions(t *testing.T) {
	incoming := t.TempDir()
	downloads := t.TempDir()

	if err := os.WriteFile(filepath.Join(downloads, "photo.jpg"), []byte("old"), 0644); err != nil {
		t.Fatalf("failed to seed download dir: %v", err)
	}
	temp := filepath.Join(incoming, ".part")
	if err := os.WriteFile(temp, []byte("new"), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	path, err := materialize(temp, downloads, "photo.jpg", 1)
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	if filepath.Base(path) != "photo (1).jpg" {
		t.Errorf("expected 'photo (1).jpg', got %q", filepath.Base(path))
	}
	data, _ := os.ReadFile(path)
	if string(data) != "new" {
		t.Errorf("expected new content, got %q", data)
	}
	if _, err := os.Stat(temp); !errors.Is(err, os.ErrNotExist) {
		t.Error("expected temp file to be moved")
	}
}

func TestSafeFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"photo.jpg", "photo.jpg"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\bob\doc.pdf`, "doc.pdf"},
		{"", "airlink-3"},
		{"..", "airlink-3"},
	}

	for _, tt := range tests {
		if got := safeFileName(tt.in, 3); got != tt.want {
			t.Errorf("safeFileName(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
