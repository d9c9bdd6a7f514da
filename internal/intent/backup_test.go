package intent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/leaguehq/regsync/pkg/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.BackupRecord{}))
	return db
}

type stubChecker struct {
	processed map[string]bool
}

func (s *stubChecker) HasRecordsForOrder(_ context.Context, orderID string) (bool, error) {
	return s.processed[orderID], nil
}

func newTestBackupStore(t *testing.T, checker *stubChecker) *BackupStore {
	t.Helper()
	if checker == nil {
		checker = &stubChecker{processed: map[string]bool{}}
	}
	return NewBackupStore(newTestDB(t), checker, zap.NewNop())
}

func TestBackupStore_SaveAndClaim(t *testing.T) {
	store := newTestBackupStore(t, nil)
	ctx := context.Background()

	saved, err := store.Save(ctx, "buyer-1", "order-1", []models.PendingIntent{
		testIntent("Alex Doe", "2026.1", "baseball"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.BackupPending, saved.Status)

	record, intents, err := store.ClaimForRecovery(ctx, "buyer-1", nil)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, saved.ID, record.ID)
	assert.Equal(t, models.BackupProcessing, record.Status)
	require.Len(t, intents, 1)
	assert.Equal(t, "Alex Doe", intents[0].PlayerName)

	// A claimed record is not claimable again.
	record, _, err = store.ClaimForRecovery(ctx, "buyer-1", nil)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestBackupStore_RecencyWindowExcludesStale(t *testing.T) {
	store := newTestBackupStore(t, nil)
	ctx := context.Background()

	now := time.Now()
	store.clock = func() time.Time { return now.Add(-3 * time.Hour) }
	_, err := store.Save(ctx, "buyer-1", "order-old", []models.PendingIntent{
		testIntent("Alex Doe", "2026.1", "baseball"),
	})
	require.NoError(t, err)

	store.clock = func() time.Time { return now }
	record, _, err := store.ClaimForRecovery(ctx, "buyer-1", nil)
	require.NoError(t, err)
	assert.Nil(t, record, "records older than the recency window must not be recovered")
}

func TestBackupStore_MostRecentFirst(t *testing.T) {
	store := newTestBackupStore(t, nil)
	ctx := context.Background()

	now := time.Now()
	store.clock = func() time.Time { return now.Add(-time.Hour) }
	_, err := store.Save(ctx, "buyer-1", "order-older", []models.PendingIntent{
		testIntent("Older Kid", "2026.1", "baseball"),
	})
	require.NoError(t, err)

	store.clock = func() time.Time { return now }
	newer, err := store.Save(ctx, "buyer-1", "order-newer", []models.PendingIntent{
		testIntent("Newer Kid", "2026.1", "baseball"),
	})
	require.NoError(t, err)

	record, intents, err := store.ClaimForRecovery(ctx, "buyer-1", nil)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, newer.ID, record.ID)
	assert.Equal(t, "Newer Kid", intents[0].PlayerName)
}

func TestBackupStore_SkipsAlreadyReconciledOrders(t *testing.T) {
	checker := &stubChecker{processed: map[string]bool{"order-done": true}}
	store := newTestBackupStore(t, checker)
	ctx := context.Background()

	now := time.Now()
	store.clock = func() time.Time { return now.Add(-time.Minute) }
	_, err := store.Save(ctx, "buyer-1", "order-done", []models.PendingIntent{
		testIntent("Done Kid", "2026.1", "baseball"),
	})
	require.NoError(t, err)

	store.clock = func() time.Time { return now }
	fresh, err := store.Save(ctx, "buyer-1", "order-fresh", []models.PendingIntent{
		testIntent("Fresh Kid", "2026.1", "baseball"),
	})
	require.NoError(t, err)

	record, _, err := store.ClaimForRecovery(ctx, "buyer-1", nil)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, fresh.ID, record.ID, "orders with authoritative records are skipped")
}

func TestBackupStore_ExplicitExclusion(t *testing.T) {
	store := newTestBackupStore(t, nil)
	ctx := context.Background()

	_, err := store.Save(ctx, "buyer-1", "order-excluded", []models.PendingIntent{
		testIntent("Alex Doe", "2026.1", "baseball"),
	})
	require.NoError(t, err)

	record, _, err := store.ClaimForRecovery(ctx, "buyer-1", []string{"order-excluded"})
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestBackupStore_CorruptPayloadSkipped(t *testing.T) {
	store := newTestBackupStore(t, nil)
	ctx := context.Background()

	corrupt := &models.BackupRecord{
		ID:                uuid.New(),
		BuyerID:           "buyer-1",
		SerializedIntents: "{broken",
		Status:            models.BackupPending,
		CreatedAt:         time.Now(),
	}
	require.NoError(t, store.db.Create(corrupt).Error)

	record, _, err := store.ClaimForRecovery(ctx, "buyer-1", nil)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestBackupStore_CompleteLifecycle(t *testing.T) {
	store := newTestBackupStore(t, nil)
	ctx := context.Background()

	saved, err := store.Save(ctx, "buyer-1", "order-1", []models.PendingIntent{
		testIntent("Alex Doe", "2026.1", "baseball"),
	})
	require.NoError(t, err)

	// Completing a pending record fails: it was never claimed.
	assert.Error(t, store.Complete(ctx, saved.ID))

	record, _, err := store.ClaimForRecovery(ctx, "buyer-1", nil)
	require.NoError(t, err)
	require.NotNil(t, record)

	require.NoError(t, store.Complete(ctx, record.ID))

	var final models.BackupRecord
	require.NoError(t, store.db.First(&final, "id = ?", record.ID).Error)
	assert.Equal(t, models.BackupCompleted, final.Status)
}
