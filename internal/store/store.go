// Package store provides database access for peers, messages, and received files.
package store

import (
	"context"
	"time"

	"github.com/rudransh-shrivastava/airlink/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PeerStore struct {
	db *gorm.DB
}

func NewPeerStore(gdb *gorm.DB) *PeerStore {
	return &PeerStore{db: gdb}
}

// SavePeer inserts the peer or refreshes its name and last-seen time.
func (ps *PeerStore) SavePeer(ctx context.Context, userID, name string) error {
	peer := db.Peer{UserID: userID, Name: name, LastSeen: time.Now().Unix()}
	return ps.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "last_seen"}),
	}).Create(&peer).Error
}

func (ps *PeerStore) GetPeers(ctx context.Context) ([]db.Peer, error) {
	var peers []db.Peer
	err := ps.db.WithContext(ctx).Order("last_seen desc, id desc").Find(&peers).Error
	return peers, err
}

type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(gdb *gorm.DB) *MessageStore {
	return &MessageStore{db: gdb}
}

func (ms *MessageStore) SaveMessage(ctx context.Context, payloadID int64, userID, name, body string, outgoing bool) error {
	return ms.db.WithContext(ctx).Create(&db.Message{
		PayloadID:  payloadID,
		PeerUserID: userID,
		PeerName:   name,
		Body:       body,
		Outgoing:   outgoing,
		CreatedAt:  time.Now().Unix(),
	}).Error
}

// GetMessages returns the latest limit messages, oldest first. An empty
// userID selects every conversation; limit <= 0 means no limit.
func (ms *MessageStore) GetMessages(ctx context.Context, userID string, limit int) ([]db.Message, error) {
	q := ms.db.WithContext(ctx).Order("id desc")
	if userID != "" {
		q = q.Where("peer_user_id = ?", userID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var msgs []db.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

type FileStore struct {
	db *gorm.DB
}

func NewFileStore(gdb *gorm.DB) *FileStore {
	return &FileStore{db: gdb}
}

func (fs *FileStore) SaveFile(ctx context.Context, transferID int64, userID, fileName, path, category string, size int64) error {
	return fs.db.WithContext(ctx).Create(&db.ReceivedFile{
		TransferID: transferID,
		PeerUserID: userID,
		FileName:   fileName,
		Path:       path,
		Category:   category,
		Size:       size,
		CreatedAt:  time.Now().Unix(),
	}).Error
}

// GetFiles returns the most recently received files first.
func (fs *FileStore) GetFiles(ctx context.Context, limit int) ([]db.ReceivedFile, error) {
	q := fs.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var files []db.ReceivedFile
	err := q.Find(&files).Error
	return files, err
}

// History bundles the stores a session writes to.
type History struct {
	*PeerStore
	*MessageStore
	*FileStore
}

func NewHistory(gdb *gorm.DB) *History {
	return &History{
		PeerStore:    NewPeerStore(gdb),
		MessageStore: NewMessageStore(gdb),
		FileStore:    NewFileStore(gdb),
	}
}

var (
	_ PeerRepository    = (*PeerStore)(nil)
	_ MessageRepository = (*MessageStore)(nil)
	_ FileRepository    = (*FileStore)(nil)
)
