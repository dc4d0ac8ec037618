package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rudransh-shrivastava/airlink/internal/protocol"
	"github.com/rudransh-shrivastava/airlink/internal/transport"
)

type Direction uint8

const (
	Incoming Direction = iota + 1
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

type TransferKind uint8

const (
	KindFile TransferKind = iota + 1
	KindMessage
)

func (k TransferKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

type Status uint8

const (
	StatusEnqueued Status = iota
	StatusInProgress
	StatusSuccess
	StatusFailure
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusEnqueued:
		return "enqueued"
	case StatusInProgress:
		return "in_progress"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCanceled
}

func statusFromTransport(s transport.TransferStatus) Status {
	switch s {
	case transport.TransferSuccess:
		return StatusSuccess
	case transport.TransferFailure:
		return StatusFailure
	case transport.TransferCanceled:
		return StatusCanceled
	default:
		return StatusInProgress
	}
}

type Transfer struct {
	ID        int64
	Link      string
	Peer      protocol.Identity
	Direction Direction
	Kind      TransferKind
	FileName  string
	// TempPath is where the transport writes an incoming file.
	TempPath string

	TotalBytes       int64
	BytesTransferred int64
	Status           Status
	StartedAt        time.Time
}

func (t Transfer) progress() ProgressEvent {
	return ProgressEvent{
		TransferID:       t.ID,
		UserID:           t.Peer.UserID,
		Direction:        t.Direction,
		Kind:             t.Kind,
		BytesTransferred: t.BytesTransferred,
		TotalBytes:       t.TotalBytes,
		Status:           t.Status,
	}
}

// Tracker keeps in-flight transfers keyed by payload id. Entries are
// dropped as soon as they reach a terminal status. Not safe for concurrent
// use; Session serializes access.
type Tracker struct {
	transfers map[int64]*Transfer
}

func NewTracker() *Tracker {
	return &Tracker{transfers: make(map[int64]*Transfer)}
}

func (t *Tracker) Add(tr Transfer) {
	if tr.StartedAt.IsZero() {
		tr.StartedAt = time.Now()
	}
	t.transfers[tr.ID] = &tr
}

// Update applies a transport update and returns the resulting snapshot.
// BytesTransferred never decreases. Unknown ids report false.
func (t *Tracker) Update(id, bytesTransferred, totalBytes int64, status Status) (Transfer, bool) {
	tr, ok := t.transfers[id]
	if !ok {
		return Transfer{}, false
	}

	if bytesTransferred > tr.BytesTransferred {
		tr.BytesTransferred = bytesTransferred
	}
	if totalBytes > 0 {
		tr.TotalBytes = totalBytes
	}
	tr.Status = status

	if status.Terminal() {
		delete(t.transfers, id)
	}
	return *tr, true
}

func (t *Tracker) Get(id int64) (Transfer, bool) {
	tr, ok := t.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return *tr, true
}

// AbortLink fails every transfer running over link.
func (t *Tracker) AbortLink(link string) []Transfer {
	var aborted []Transfer
	for id, tr := range t.transfers {
		if tr.Link != link {
			continue
		}
		tr.Status = StatusFailure
		aborted = append(aborted, *tr)
		delete(t.transfers, id)
	}
	sort.Slice(aborted, func(i, j int) bool { return aborted[i].ID < aborted[j].ID })
	return aborted
}

func (t *Tracker) Active() []Transfer {
	active := make([]Transfer, 0, len(t.transfers))
	for _, tr := range t.transfers {
		active = append(active, *tr)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active
}

func (t *Tracker) Len() int {
	return len(t.transfers)
}

func (t *Tracker) reset() []Transfer {
	dropped := t.Active()
	t.transfers = make(map[int64]*Transfer)
	return dropped
}

func checkSource(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not readable: %v", ErrNotFound, path, err)
	}
	_ = f.Close()
	return info, nil
}

// materialize moves a received file into dir under a name that does not
// collide with existing files.
func materialize(tempPath, dir, fileName string, id int64) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	dst := uniquePath(dir, safeFileName(fileName, id))
	if err := os.Rename(tempPath, dst); err == nil {
		return dst, nil
	}

	if err := copyFile(tempPath, dst); err != nil {
		return "", err
	}
	_ = os.Remove(tempPath)
	return dst, nil
}

func safeFileName(name string, id int64) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return fmt.Sprintf("airlink-%d", id)
	}
	return name
}

func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open received file: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("failed to copy received file: %w", err)
	}
	return out.Close()
}

func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
