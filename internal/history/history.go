// Package history keeps a local ledger of finished transfers in SQLite.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Transfer is one recorded transfer attempt.
type Transfer struct {
	ID         string `gorm:"primaryKey"`
	SessionID  string `gorm:"index"`
	Role       string
	File       string
	Peer       string
	Bytes      int64
	DurationMS int64
	Throughput float64
	SHA256     string `gorm:"column:sha256"`
	Status     string
	Error      string
	CreatedAt  time.Time `gorm:"index"`
}

func (t Transfer) Duration() time.Duration {
	return time.Duration(t.DurationMS) * time.Millisecond
}

type Store struct {
	db *gorm.DB
}

// Open creates or migrates the ledger at path. ":memory:" gives a private
// in-memory ledger.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; concurrent transfers share the connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Transfer{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Record stores t, assigning an ID and timestamp when unset.
func (s *Store) Record(ctx context.Context, t *Transfer) error {
	if t == nil {
		return errors.New("nil transfer")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(t).Error
}

// List returns the most recent transfers first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Transfer, error) {
	var out []Transfer
	q := s.db.WithContext(ctx).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
