package reconcile

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventStore records every received webhook event and its processing
// outcome. Rows survive restarts, so deduplication holds across
// processes even when the cache tier is cold.
type EventStore interface {
	// Exists reports whether the event was already processed or parked.
	Exists(ctx context.Context, eventID string) (bool, error)
	// Record inserts an audit row for a newly received event. Inserting
	// the same event twice is not an error.
	Record(ctx context.Context, eventID string, eventType string, body []byte) error
	// MarkProcessed marks the event as successfully applied.
	MarkProcessed(ctx context.Context, eventID string) error
	// Park marks the event as failed past its retry budget so an
	// operator can inspect and replay it.
	Park(ctx context.Context, eventID string, cause error) error
	// ListParked returns parked events for inspection.
	ListParked(ctx context.Context, limit int) ([]EventRecord, error)
}

// EventRecord is one received webhook event and its outcome.
type EventRecord struct {
	EventID     string     `gorm:"primaryKey;size:255" json:"event_id"`
	EventType   string     `gorm:"size:100;index" json:"event_type"`
	Body        []byte     `gorm:"type:bytea" json:"-"`
	Processed   bool       `gorm:"default:false;index" json:"processed"`
	Parked      bool       `gorm:"default:false;index" json:"parked"`
	LastError   string     `gorm:"size:1000" json:"last_error,omitempty"`
	ReceivedAt  time.Time  `gorm:"autoCreateTime" json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// TableName sets the table for gorm.
func (EventRecord) TableName() string { return "webhook_events" }

// GormEventStore persists event records in PostgreSQL.
type GormEventStore struct {
	db *gorm.DB
}

// NewGormEventStore returns a store backed by the given database.
func NewGormEventStore(db *gorm.DB) *GormEventStore {
	return &GormEventStore{db: db}
}

// Migrate creates or updates the webhook_events table.
func (s *GormEventStore) Migrate() error {
	return s.db.AutoMigrate(&EventRecord{})
}

func (s *GormEventStore) Exists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&EventRecord{}).
		Where("event_id = ? AND (processed = ? OR parked = ?)", eventID, true, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormEventStore) Record(ctx context.Context, eventID string, eventType string, body []byte) error {
	rec := EventRecord{
		EventID:   eventID,
		EventType: eventType,
		Body:      body,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
}

func (s *GormEventStore) MarkProcessed(ctx context.Context, eventID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&EventRecord{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"processed":    true,
			"processed_at": &now,
			"last_error":   "",
		}).Error
}

func (s *GormEventStore) Park(ctx context.Context, eventID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.db.WithContext(ctx).
		Model(&EventRecord{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"parked":     true,
			"last_error": msg,
		}).Error
}

func (s *GormEventStore) ListParked(ctx context.Context, limit int) ([]EventRecord, error) {
	var recs []EventRecord
	err := s.db.WithContext(ctx).
		Where("parked = ?", true).
		Order("received_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// MemoryEventStore is an in-memory EventStore for tests and single
// process deployments.
type MemoryEventStore struct {
	mu      sync.RWMutex
	records map[string]*EventRecord
}

// NewMemoryEventStore returns an empty in-memory store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{records: make(map[string]*EventRecord)}
}

func (s *MemoryEventStore) Exists(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[eventID]
	return ok && (rec.Processed || rec.Parked), nil
}

func (s *MemoryEventStore) Record(_ context.Context, eventID string, eventType string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[eventID]; ok {
		return nil
	}
	s.records[eventID] = &EventRecord{
		EventID:    eventID,
		EventType:  eventType,
		Body:       body,
		ReceivedAt: time.Now(),
	}
	return nil
}

func (s *MemoryEventStore) MarkProcessed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[eventID]; ok {
		now := time.Now()
		rec.Processed = true
		rec.ProcessedAt = &now
		rec.LastError = ""
	}
	return nil
}

func (s *MemoryEventStore) Park(_ context.Context, eventID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[eventID]; ok {
		rec.Parked = true
		if cause != nil {
			rec.LastError = cause.Error()
		}
	}
	return nil
}

func (s *MemoryEventStore) ListParked(_ context.Context, limit int) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []EventRecord
	for _, rec := range s.records {
		if rec.Parked {
			recs = append(recs, *rec)
			if limit > 0 && len(recs) >= limit {
				break
			}
		}
	}
	return recs, nil
}
