// Package registry is the authoritative persistence layer: registration
// records, per-order processing markers, and the append-only sync error
// audit sink.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/leaguehq/regsync/pkg/models"
)

// Store is the gorm-backed authoritative store.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates the authoritative store.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.Named("registry")}
}

// Migrate creates the store's tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&models.RegistrationRecord{},
		&models.ProcessedOrder{},
		&models.SyncErrorRecord{},
		&models.BackupRecord{},
	)
}

// Insert persists a registration record.
func (s *Store) Insert(ctx context.Context, record *models.RegistrationRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to insert registration record: %w", err)
	}
	return nil
}

// FindByOrderAndIntent returns the record for (orderID, intentID), or
// nil when none exists. This is the duplicate-prevention probe.
func (s *Store) FindByOrderAndIntent(ctx context.Context, orderID, intentID string) (*models.RegistrationRecord, error) {
	var record models.RegistrationRecord
	err := s.db.WithContext(ctx).
		Where("order_id = ? AND intent_id = ?", orderID, intentID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query registration record: %w", err)
	}
	return &record, nil
}

// HasRecordsForOrder reports whether any registration references orderID.
func (s *Store) HasRecordsForOrder(ctx context.Context, orderID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.RegistrationRecord{}).
		Where("order_id = ?", orderID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count registrations for order: %w", err)
	}
	return count > 0, nil
}

// ListByOrder returns all registrations for an order.
func (s *Store) ListByOrder(ctx context.Context, orderID string) ([]models.RegistrationRecord, error) {
	var records []models.RegistrationRecord
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations for order: %w", err)
	}
	return records, nil
}

// MarkSynced flips the sync flag after a successful late re-sync.
func (s *Store) MarkSynced(ctx context.Context, recordID uuid.UUID) error {
	return s.db.WithContext(ctx).
		Model(&models.RegistrationRecord{}).
		Where("id = ?", recordID).
		Update("synced", true).Error
}

// IsOrderProcessed checks the order-processed marker.
func (s *Store) IsOrderProcessed(ctx context.Context, orderID string) (bool, error) {
	var marker models.ProcessedOrder
	err := s.db.WithContext(ctx).First(&marker, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query processed-order marker: %w", err)
	}
	return marker.Completed, nil
}

// MarkOrderProcessed sets the order-processed marker. Idempotent.
func (s *Store) MarkOrderProcessed(ctx context.Context, orderID string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"completed": true, "updated_at": now}),
	}).Create(&models.ProcessedOrder{
		OrderID:   orderID,
		Completed: true,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to mark order processed: %w", err)
	}
	return nil
}

// DonationsSynced checks the per-order donation sync flag.
func (s *Store) DonationsSynced(ctx context.Context, orderID string) (bool, error) {
	var marker models.ProcessedOrder
	err := s.db.WithContext(ctx).First(&marker, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query donation-sync flag: %w", err)
	}
	return marker.DonationsSynced, nil
}

// MarkDonationsSynced sets the donation flag without touching the
// completion marker. A failed donation sync still sets this flag, so
// the sync is attempted at most once per order.
func (s *Store) MarkDonationsSynced(ctx context.Context, orderID string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"donations_synced": true, "updated_at": now}),
	}).Create(&models.ProcessedOrder{
		OrderID:         orderID,
		DonationsSynced: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to mark donations synced: %w", err)
	}
	return nil
}

// AppendSyncError writes an audit entry. The core never reads these
// back; they exist for operator follow-up and automated re-sync.
func (s *Store) AppendSyncError(ctx context.Context, record *models.SyncErrorRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to append sync error record: %w", err)
	}
	return nil
}
