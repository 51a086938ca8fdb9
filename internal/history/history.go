// Package history persists one row per received file.
package history

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Record struct {
	ID         uint      `gorm:"primaryKey"`
	SessionID  string    `gorm:"size:64;index"`
	FileID     string    `gorm:"size:128"`
	FileName   string    `gorm:"size:1024"`
	SavedAs    string    `gorm:"size:4096"`
	Size       int64     `gorm:"not null"`
	Sender     string    `gorm:"size:256"`
	SenderIP   string    `gorm:"size:64"`
	ReceivedAt time.Time `gorm:"index"`
}

type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Add(rec *Record) error {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	return s.db.Create(rec).Error
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	var records []Record
	err := s.db.Order("received_at desc").Order("id desc").Limit(limit).Find(&records).Error
	return records, err
}

// BySession returns every file recorded for sessionId in arrival order.
func (s *Store) BySession(sessionId string) ([]Record, error) {
	var records []Record
	err := s.db.Where("session_id = ?", sessionId).Order("id asc").Find(&records).Error
	return records, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
