package intent

import (
	"context"

	"go.uber.org/zap"

	"github.com/leaguehq/regsync/pkg/models"
)

// PrimarySource is the best-effort session-local intent list.
type PrimarySource interface {
	Get() []models.PendingIntent
}

// FallbackSource is the durable recovery path used when the primary is
// empty.
type FallbackSource interface {
	ClaimForRecovery(ctx context.Context, buyerID string, excludeOrderIDs []string) (*models.BackupRecord, []models.PendingIntent, error)
}

// TwoTierSource queries the primary source first and falls back to
// durable recovery. The returned BackupRecord is non-nil only when
// recovery was used, so the caller knows to complete it after cleanup.
type TwoTierSource struct {
	primary  PrimarySource
	fallback FallbackSource
	logger   *zap.Logger
}

// NewTwoTierSource wires the queue and backup store behind one source.
func NewTwoTierSource(primary PrimarySource, fallback FallbackSource, logger *zap.Logger) *TwoTierSource {
	return &TwoTierSource{
		primary:  primary,
		fallback: fallback,
		logger:   logger.Named("intent-source"),
	}
}

// Load returns the buyer's pending intents. An empty result with a nil
// error means neither tier had anything recoverable.
func (s *TwoTierSource) Load(ctx context.Context, buyerID string, excludeOrderIDs []string) ([]models.PendingIntent, *models.BackupRecord, error) {
	if intents := s.primary.Get(); len(intents) > 0 {
		return intents, nil, nil
	}

	s.logger.Info("intent queue empty, attempting durable recovery",
		zap.String("buyer_id", buyerID))

	record, intents, err := s.fallback.ClaimForRecovery(ctx, buyerID, excludeOrderIDs)
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		return nil, nil, nil
	}
	return intents, record, nil
}
