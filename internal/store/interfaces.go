package store

import (
	"context"

	"github.com/rudransh-shrivastava/airlink/internal/db"
)

// PeerRepository defines peer storage operations.
type PeerRepository interface {
	SavePeer(ctx context.Context, userID, name string) error
	GetPeers(ctx context.Context) ([]db.Peer, error)
}

// MessageRepository defines chat history operations.
type MessageRepository interface {
	SaveMessage(ctx context.Context, payloadID int64, userID, name, body string, outgoing bool) error
	GetMessages(ctx context.Context, userID string, limit int) ([]db.Message, error)
}

// FileRepository defines received file operations.
type FileRepository interface {
	SaveFile(ctx context.Context, transferID int64, userID, fileName, path, category string, size int64) error
	GetFiles(ctx context.Context, limit int) ([]db.ReceivedFile, error)
}
