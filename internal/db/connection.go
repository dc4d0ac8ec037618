package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Peer struct {
	ID       uint   `gorm:"primaryKey"`
	UserID   string `gorm:"uniqueIndex;not null"`
	Name     string
	LastSeen int64
}

type Message struct {
	ID         uint   `gorm:"primaryKey"`
	PayloadID  int64  `gorm:"index"`
	PeerUserID string `gorm:"index;not null"`
	PeerName   string
	Body       string
	Outgoing   bool
	CreatedAt  int64
}

type ReceivedFile struct {
	ID         uint   `gorm:"primaryKey"`
	TransferID int64  `gorm:"index"`
	PeerUserID string `gorm:"index;not null"`
	FileName   string
	Path       string
	Category   string
	Size       int64
	CreatedAt  int64
}

// Open opens (or creates) the sqlite database at path and migrates it.
// Use ":memory:" for a throwaway database.
func Open(path string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := gdb.AutoMigrate(&Peer{}, &Message{}, &ReceivedFile{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return gdb, nil
}

func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
