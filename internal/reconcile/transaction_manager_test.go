package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leaguehq/regsync/internal/resilience"
	"github.com/leaguehq/regsync/internal/synctarget"
	"github.com/leaguehq/regsync/pkg/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Insert(ctx context.Context, record *models.RegistrationRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) FindByOrderAndIntent(ctx context.Context, orderID, intentID string) (*models.RegistrationRecord, error) {
	args := m.Called(ctx, orderID, intentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RegistrationRecord), args.Error(1)
}

func (m *MockStore) MarkSynced(ctx context.Context, recordID uuid.UUID) error {
	args := m.Called(ctx, recordID)
	return args.Error(0)
}

type MockTarget struct {
	mock.Mock
}

func (m *MockTarget) Upsert(ctx context.Context, record synctarget.Record) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

type MockAudit struct {
	mock.Mock
}

func (m *MockAudit) AppendSyncError(ctx context.Context, record *models.SyncErrorRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func testMatch(intentID, player string) models.MatchResult {
	return models.MatchResult{
		Intent: models.PendingIntent{
			IntentID:    intentID,
			BuyerID:     "buyer-1",
			PlayerName:  player,
			Division:    "Majors",
			Sport:       "baseball",
			Season:      "2026.1",
			SubmittedAt: time.Now(),
		},
		PaidAmount: decimal.NewFromInt(150),
	}
}

func testOrder() models.PaymentOrder {
	return models.PaymentOrder{
		OrderID: "order-1",
		BuyerID: "buyer-1",
		Billing: models.BillingIdentity{Name: "Jordan Doe", Email: "jordan@example.com"},
	}
}

func newTestTxnManager(store *MockStore, target *MockTarget, audit *MockAudit) *TransactionManager {
	logger := zap.NewNop()
	tm := NewTransactionManager(
		store,
		target,
		resilience.NewExecutor(logger),
		resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig(), logger),
		audit,
		logger,
	)
	tm.policy = resilience.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	return tm
}

func TestSaveMatched_FullSuccess(t *testing.T) {
	store := new(MockStore)
	target := new(MockTarget)
	audit := new(MockAudit)
	tm := newTestTxnManager(store, target, audit)

	store.On("FindByOrderAndIntent", mock.Anything, "order-1", "intent-1").Return(nil, nil)
	store.On("Insert", mock.Anything, mock.Anything).Return(nil)
	store.On("MarkSynced", mock.Anything, mock.Anything).Return(nil)
	target.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	outcome := tm.SaveMatched(context.Background(), testMatch("intent-1", "Alex Doe"), testOrder())

	assert.True(t, outcome.IsFullSuccess)
	assert.False(t, outcome.IsPartialSuccess)
	assert.NoError(t, outcome.Err)
	store.AssertExpectations(t)
	target.AssertExpectations(t)
	audit.AssertNotCalled(t, "AppendSyncError", mock.Anything, mock.Anything)
}

func TestSaveMatched_ExistingRecordShortCircuits(t *testing.T) {
	store := new(MockStore)
	target := new(MockTarget)
	audit := new(MockAudit)
	tm := newTestTxnManager(store, target, audit)

	existing := &models.RegistrationRecord{ID: uuid.New(), OrderID: "order-1", IntentID: "intent-1"}
	store.On("FindByOrderAndIntent", mock.Anything, "order-1", "intent-1").Return(existing, nil)

	outcome := tm.SaveMatched(context.Background(), testMatch("intent-1", "Alex Doe"), testOrder())

	assert.True(t, outcome.IsFullSuccess)
	store.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	target.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestSaveMatched_AuthoritativeFailureIsFatalAndSkipsSync(t *testing.T) {
	store := new(MockStore)
	target := new(MockTarget)
	audit := new(MockAudit)
	tm := newTestTxnManager(store, target, audit)

	insertErr := errors.New("unique constraint violated")
	store.On("FindByOrderAndIntent", mock.Anything, "order-1", "intent-1").Return(nil, nil)
	store.On("Insert", mock.Anything, mock.Anything).Return(insertErr)
	audit.On("AppendSyncError", mock.Anything, mock.MatchedBy(func(rec *models.SyncErrorRecord) bool {
		return rec.ErrorType == ErrTypeRegistryInsertFailed && rec.IntentID == "intent-1"
	})).Return(nil)

	outcome := tm.SaveMatched(context.Background(), testMatch("intent-1", "Alex Doe"), testOrder())

	assert.False(t, outcome.IsFullSuccess)
	assert.False(t, outcome.IsPartialSuccess)
	assert.ErrorIs(t, outcome.Err, insertErr)
	target.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
	audit.AssertExpectations(t)
}

func TestSaveMatched_SyncFailureIsPartialSuccess(t *testing.T) {
	store := new(MockStore)
	target := new(MockTarget)
	audit := new(MockAudit)
	tm := newTestTxnManager(store, target, audit)

	store.On("FindByOrderAndIntent", mock.Anything, "order-1", "intent-1").Return(nil, nil)
	store.On("Insert", mock.Anything, mock.Anything).Return(nil)
	target.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("directory rejected record: status 422"))
	audit.On("AppendSyncError", mock.Anything, mock.MatchedBy(func(rec *models.SyncErrorRecord) bool {
		return rec.ErrorType == ErrTypeExternalSyncFailed && rec.OrderID == "order-1"
	})).Return(nil)

	outcome := tm.SaveMatched(context.Background(), testMatch("intent-1", "Alex Doe"), testOrder())

	assert.False(t, outcome.IsFullSuccess)
	assert.True(t, outcome.IsPartialSuccess)
	assert.NoError(t, outcome.Err)
	store.AssertNotCalled(t, "MarkSynced", mock.Anything, mock.Anything)
	audit.AssertExpectations(t)
}

func TestSaveMatched_TransientSyncFailureRetriesThenSucceeds(t *testing.T) {
	store := new(MockStore)
	target := new(MockTarget)
	audit := new(MockAudit)
	tm := newTestTxnManager(store, target, audit)

	store.On("FindByOrderAndIntent", mock.Anything, "order-1", "intent-1").Return(nil, nil)
	store.On("Insert", mock.Anything, mock.Anything).Return(nil)
	store.On("MarkSynced", mock.Anything, mock.Anything).Return(nil)
	target.On("Upsert", mock.Anything, mock.Anything).
		Return(resilience.Transient(errors.New("sync target returned 503"))).Once()
	target.On("Upsert", mock.Anything, mock.Anything).Return(nil).Once()

	outcome := tm.SaveMatched(context.Background(), testMatch("intent-1", "Alex Doe"), testOrder())

	assert.True(t, outcome.IsFullSuccess)
	target.AssertNumberOfCalls(t, "Upsert", 2)
}

func TestBatchSaveMatched_FailuresAreIsolated(t *testing.T) {
	store := new(MockStore)
	target := new(MockTarget)
	audit := new(MockAudit)
	tm := newTestTxnManager(store, target, audit)

	audit.On("AppendSyncError", mock.Anything, mock.Anything).Return(nil)
	store.On("FindByOrderAndIntent", mock.Anything, "order-1", mock.Anything).Return(nil, nil)
	store.On("MarkSynced", mock.Anything, mock.Anything).Return(nil)

	// First intent's authoritative write fails hard; the second is fine.
	store.On("Insert", mock.Anything, mock.MatchedBy(func(rec *models.RegistrationRecord) bool {
		return rec.IntentID == "intent-1"
	})).Return(errors.New("constraint violation"))
	store.On("Insert", mock.Anything, mock.MatchedBy(func(rec *models.RegistrationRecord) bool {
		return rec.IntentID == "intent-2"
	})).Return(nil)
	target.On("Upsert", mock.Anything, mock.MatchedBy(func(rec synctarget.Record) bool {
		return rec.IntentID == "intent-2"
	})).Return(nil)

	outcome := tm.BatchSaveMatched(context.Background(), []models.MatchResult{
		testMatch("intent-1", "Alex Doe"),
		testMatch("intent-2", "Sam Roe"),
	}, testOrder())

	assert.Equal(t, 2, outcome.Total)
	assert.Equal(t, 1, outcome.Successful)
	assert.Equal(t, 1, outcome.Failed)
	assert.Equal(t, 0, outcome.Partial)
}

func TestSaveMatched_BreakerOpenFailsFastWithoutTarget(t *testing.T) {
	store := new(MockStore)
	target := new(MockTarget)
	audit := new(MockAudit)

	logger := zap.NewNop()
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig(), logger)
	tm := NewTransactionManager(store, target, resilience.NewExecutor(logger), breakers, audit, logger)
	tm.policy = resilience.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	// Trip the external-sync breaker.
	for i := 0; i < 5; i++ {
		_ = breakers.Execute(context.Background(), ExternalSyncBreaker, func(ctx context.Context) error {
			return errors.New("down")
		})
	}

	store.On("FindByOrderAndIntent", mock.Anything, "order-1", "intent-1").Return(nil, nil)
	store.On("Insert", mock.Anything, mock.Anything).Return(nil)
	audit.On("AppendSyncError", mock.Anything, mock.Anything).Return(nil)

	outcome := tm.SaveMatched(context.Background(), testMatch("intent-1", "Alex Doe"), testOrder())

	require.True(t, outcome.IsPartialSuccess, "open breaker downgrades to partial success")
	target.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}
