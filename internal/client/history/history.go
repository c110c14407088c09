// Package history keeps a local journal of transfers so past activity
// survives client restarts. Hub state stays in memory; this journal is
// client-side only.
package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lanbeam/lanbeam/internal/protocol"
)

// Record is one journaled transfer.
type Record struct {
	TransferID  string `gorm:"primaryKey"`
	FileName    string
	FileSize    int64
	FileType    string
	PeerID      string
	Direction   string
	Status      string
	Progress    int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Journal wraps the sqlite store.
type Journal struct {
	db *gorm.DB
}

// Open creates or opens the journal database at path and migrates the
// schema. Use ":memory:" for an ephemeral journal.
func Open(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal db: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// RecordTransfer journals a new transfer. Re-recording an existing id is a
// no-op so duplicate offers stay harmless.
func (j *Journal) RecordTransfer(t protocol.Transfer, direction string) error {
	peerID := t.ReceiverID
	if direction != "send" {
		peerID = t.SenderID
	}
	rec := Record{
		TransferID: t.ID,
		FileName:   t.FileName,
		FileSize:   t.FileSize,
		FileType:   t.FileType,
		PeerID:     peerID,
		Direction:  direction,
		Status:     t.Status,
		Progress:   t.Progress,
		CreatedAt:  t.CreatedAt,
	}
	return j.db.Where(Record{TransferID: t.ID}).FirstOrCreate(&rec).Error
}

// UpdateTransfer applies the latest status and progress. Terminal statuses
// stamp the completion time.
func (j *Journal) UpdateTransfer(transferID, status string, progress int) error {
	updates := map[string]any{
		"status":   status,
		"progress": progress,
	}
	if protocol.IsTerminal(status) {
		now := time.Now()
		updates["completed_at"] = &now
	}
	return j.db.Model(&Record{}).Where("transfer_id = ?", transferID).Updates(updates).Error
}

// List returns the most recent records, newest first.
func (j *Journal) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []Record
	err := j.db.Order("created_at desc").Limit(limit).Find(&records).Error
	return records, err
}

// Close releases the underlying connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
