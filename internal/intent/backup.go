package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/leaguehq/regsync/pkg/models"
)

// DefaultRecencyWindow bounds how old a backup record may be and still
// qualify for recovery. Older records are stale and must not be reused.
const DefaultRecencyWindow = 2 * time.Hour

// RegistrationChecker answers whether an order already produced
// authoritative records. The backup store uses it to skip orders that
// were already reconciled.
type RegistrationChecker interface {
	HasRecordsForOrder(ctx context.Context, orderID string) (bool, error)
}

// BackupStore persists intent batches durably so reconciliation can
// recover them when the session-local queue is gone.
type BackupStore struct {
	db            *gorm.DB
	registrations RegistrationChecker
	logger        *zap.Logger
	recencyWindow time.Duration
	clock         func() time.Time
}

// NewBackupStore creates a backup store over db.
func NewBackupStore(db *gorm.DB, registrations RegistrationChecker, logger *zap.Logger) *BackupStore {
	return &BackupStore{
		db:            db,
		registrations: registrations,
		logger:        logger.Named("backup-store"),
		recencyWindow: DefaultRecencyWindow,
		clock:         time.Now,
	}
}

// Save writes a pending backup of the intent batch, keyed by buyer.
// orderID may be empty when checkout has not assigned one yet.
func (s *BackupStore) Save(ctx context.Context, buyerID, orderID string, intents []models.PendingIntent) (*models.BackupRecord, error) {
	data, err := json.Marshal(intents)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize intents: %w", err)
	}

	record := &models.BackupRecord{
		ID:                uuid.New(),
		BuyerID:           buyerID,
		OrderID:           orderID,
		SerializedIntents: string(data),
		Status:            models.BackupPending,
		CreatedAt:         s.clock(),
		UpdatedAt:         s.clock(),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to save backup record: %w", err)
	}

	s.logger.Info("intent batch backed up",
		zap.String("record_id", record.ID.String()),
		zap.String("buyer_id", buyerID),
		zap.Int("intents", len(intents)))
	return record, nil
}

// ClaimForRecovery selects the most recent pending backup for buyerID
// within the recency window whose order has not already produced
// authoritative records, atomically transitions it to processing, and
// returns its intents. A nil record means nothing is recoverable; the
// caller must treat that as data loss for a paid order.
func (s *BackupStore) ClaimForRecovery(ctx context.Context, buyerID string, excludeOrderIDs []string) (*models.BackupRecord, []models.PendingIntent, error) {
	cutoff := s.clock().Add(-s.recencyWindow)

	var candidates []models.BackupRecord
	err := s.db.WithContext(ctx).
		Where("buyer_id = ? AND status = ? AND created_at > ?", buyerID, models.BackupPending, cutoff).
		Order("created_at DESC").
		Find(&candidates).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query backup records: %w", err)
	}

	excluded := make(map[string]struct{}, len(excludeOrderIDs))
	for _, id := range excludeOrderIDs {
		excluded[id] = struct{}{}
	}

	for i := range candidates {
		candidate := &candidates[i]
		if _, skip := excluded[candidate.OrderID]; skip && candidate.OrderID != "" {
			continue
		}
		if candidate.OrderID != "" {
			processed, err := s.registrations.HasRecordsForOrder(ctx, candidate.OrderID)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to check authoritative records for order %s: %w", candidate.OrderID, err)
			}
			if processed {
				continue
			}
		}

		var intents []models.PendingIntent
		if err := json.Unmarshal([]byte(candidate.SerializedIntents), &intents); err != nil {
			s.logger.Warn("backup record payload corrupt, skipping",
				zap.String("record_id", candidate.ID.String()),
				zap.Error(err))
			continue
		}

		// Claim is guarded by the status predicate so a concurrent
		// claimer loses the race cleanly.
		res := s.db.WithContext(ctx).
			Model(&models.BackupRecord{}).
			Where("id = ? AND status = ?", candidate.ID, models.BackupPending).
			Updates(map[string]interface{}{"status": models.BackupProcessing, "updated_at": s.clock()})
		if res.Error != nil {
			return nil, nil, fmt.Errorf("failed to claim backup record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}

		candidate.Status = models.BackupProcessing
		s.logger.Info("backup record claimed for recovery",
			zap.String("record_id", candidate.ID.String()),
			zap.String("buyer_id", buyerID),
			zap.Int("intents", len(intents)))
		return candidate, intents, nil
	}

	return nil, nil, nil
}

// Complete transitions a claimed record to completed. Failures are the
// caller's to log; they do not invalidate the reconciliation result.
func (s *BackupStore) Complete(ctx context.Context, recordID uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Model(&models.BackupRecord{}).
		Where("id = ? AND status = ?", recordID, models.BackupProcessing).
		Updates(map[string]interface{}{"status": models.BackupCompleted, "updated_at": s.clock()})
	if res.Error != nil {
		return fmt.Errorf("failed to complete backup record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("backup record %s is not in processing state", recordID)
	}
	return nil
}
