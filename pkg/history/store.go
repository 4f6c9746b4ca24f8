// Package history records configuration switches and package operations.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Operation types
const (
	OperationSwitch  = "switch"
	OperationInstall = "install"
	OperationUpgrade = "upgrade"
)

// Operation statuses
const (
	StatusStarted = "started"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ErrRecordNotFound is returned when an operation id is unknown
var ErrRecordNotFound = errors.New("operation record not found")

// OperationRecord is one row of the operation history
type OperationRecord struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Operation  string     `gorm:"index;not null" json:"operation"`
	Target     string     `gorm:"index" json:"target"`
	ConfigPath string     `json:"configPath"`
	Status     string     `gorm:"not null" json:"status"`
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `gorm:"index" json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func (OperationRecord) TableName() string { return "operation_history" }

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Operation string
	Target    string
	Limit     int
}

// Store persists operation records
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens the database addressed by dbURL (sqlite:<dsn>) and migrates the schema
func Open(dbURL string) (*Store, error) {
	dsn, ok := strings.CutPrefix(dbURL, "sqlite:")
	if !ok {
		return nil, fmt.Errorf("unsupported db scheme: %s", dbURL)
	}
	if dsn == "" {
		dsn = "./ywinfra.db"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.AutoMigrate(&OperationRecord{}); err != nil {
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Start records the beginning of an operation and returns its id
func (s *Store) Start(ctx context.Context, operation, target, configPath string) (string, error) {
	rec := &OperationRecord{
		ID:         uuid.NewString(),
		Operation:  operation,
		Target:     target,
		ConfigPath: configPath,
		Status:     StatusStarted,
		StartedAt:  s.now(),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", fmt.Errorf("record %s of %s: %w", operation, target, err)
	}
	return rec.ID, nil
}

// Finish closes an operation with status and message
func (s *Store) Finish(ctx context.Context, id, status, message string) error {
	finished := s.now()
	res := s.db.WithContext(ctx).Model(&OperationRecord{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "message": message, "finished_at": &finished})
	if res.Error != nil {
		return fmt.Errorf("finish operation %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Get returns a single record
func (s *Store) Get(ctx context.Context, id string) (*OperationRecord, error) {
	var rec OperationRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// List returns records, most recent first
func (s *Store) List(ctx context.Context, f Filter) ([]OperationRecord, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if f.Operation != "" {
		q = q.Where("operation = ?", f.Operation)
	}
	if f.Target != "" {
		q = q.Where("target = ?", f.Target)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var recs []OperationRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// Close releases the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
