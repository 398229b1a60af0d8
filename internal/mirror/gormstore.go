package mirror

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// customerRecord is the persisted form of a mirrored customer.
type customerRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	Email       string    `gorm:"size:255"`
	DisplayName string    `gorm:"size:255"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (customerRecord) TableName() string { return "mirror_customers" }

// instrumentRecord is the persisted form of a mirrored instrument.
type instrumentRecord struct {
	ID         string    `gorm:"primaryKey;size:64"`
	CustomerID string    `gorm:"size:64;index"`
	Brand      string    `gorm:"size:32"`
	Last4      string    `gorm:"size:4"`
	ExpMonth   int
	ExpYear    int
	IsDefault  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (instrumentRecord) TableName() string { return "mirror_instruments" }

// GormStore is a durable Store implementation backed by Postgres.
type GormStore struct {
	db            *gorm.DB
	customerLocks *keyedMutex
}

// NewGormStore creates a GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:            db,
		customerLocks: newKeyedMutex(),
	}
}

// Migrate creates the mirror tables.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&customerRecord{}, &instrumentRecord{})
}

func (s *GormStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var rec customerRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toCustomer(), nil
}

func (s *GormStore) PutCustomer(ctx context.Context, c *Customer) error {
	unlock := s.customerLocks.Lock(c.ID)
	defer unlock()

	rec := customerRecord{
		ID:          c.ID,
		Email:       c.Email,
		DisplayName: c.DisplayName,
		CreatedAt:   c.CreatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "display_name", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormStore) ListCustomers(ctx context.Context) ([]*Customer, error) {
	var recs []customerRecord
	err := s.db.WithContext(ctx).Order("created_at, id").Find(&recs).Error
	if err != nil {
		return nil, err
	}

	customers := make([]*Customer, 0, len(recs))
	for i := range recs {
		customers = append(customers, recs[i].toCustomer())
	}
	return customers, nil
}

func (s *GormStore) DeleteCustomer(ctx context.Context, id string) error {
	unlock := s.customerLocks.Lock(id)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&customerRecord{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Delete(&instrumentRecord{}, "customer_id = ?", id).Error
	})
}

func (s *GormStore) GetInstrument(ctx context.Context, id string) (*Instrument, error) {
	var rec instrumentRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toInstrument(), nil
}

func (s *GormStore) PutInstrument(ctx context.Context, inst *Instrument) error {
	unlock := s.customerLocks.Lock(inst.CustomerID)
	defer unlock()

	rec := instrumentRecord{
		ID:         inst.ID,
		CustomerID: inst.CustomerID,
		Brand:      inst.Brand,
		Last4:      inst.Last4,
		ExpMonth:   inst.ExpMonth,
		ExpYear:    inst.ExpYear,
		IsDefault:  inst.IsDefault,
		CreatedAt:  inst.CreatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		// is_default is owned by SetDefaultInstrument/ClearDefaultsForCustomer;
		// remote-sourced upserts must not touch it.
		DoUpdates: clause.AssignmentColumns([]string{"customer_id", "brand", "last4", "exp_month", "exp_year", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormStore) DeleteInstrument(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&instrumentRecord{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListInstrumentsByCustomer(ctx context.Context, customerID string) ([]*Instrument, error) {
	var recs []instrumentRecord
	err := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at, id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	instruments := make([]*Instrument, 0, len(recs))
	for i := range recs {
		instruments = append(instruments, recs[i].toInstrument())
	}
	return instruments, nil
}

func (s *GormStore) ClearDefaultsForCustomer(ctx context.Context, customerID string) error {
	unlock := s.customerLocks.Lock(customerID)
	defer unlock()

	return s.db.WithContext(ctx).
		Model(&instrumentRecord{}).
		Where("customer_id = ? AND is_default", customerID).
		Update("is_default", false).Error
}

func (s *GormStore) SetDefaultInstrument(ctx context.Context, customerID, instrumentID string) error {
	unlock := s.customerLocks.Lock(customerID)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec instrumentRecord
		err := tx.First(&rec, "id = ? AND customer_id = ?", instrumentID, customerID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if err := tx.Model(&instrumentRecord{}).
			Where("customer_id = ? AND is_default", customerID).
			Update("is_default", false).Error; err != nil {
			return err
		}

		return tx.Model(&instrumentRecord{}).
			Where("id = ?", instrumentID).
			Update("is_default", true).Error
	})
}

func (r *customerRecord) toCustomer() *Customer {
	return &Customer{
		ID:          r.ID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		CreatedAt:   r.CreatedAt,
	}
}

func (r *instrumentRecord) toInstrument() *Instrument {
	return &Instrument{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		Brand:      r.Brand,
		Last4:      r.Last4,
		ExpMonth:   r.ExpMonth,
		ExpYear:    r.ExpYear,
		CreatedAt:  r.CreatedAt,
		IsDefault:  r.IsDefault,
	}
}
