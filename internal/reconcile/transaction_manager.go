package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leaguehq/regsync/internal/resilience"
	"github.com/leaguehq/regsync/internal/synctarget"
	"github.com/leaguehq/regsync/pkg/metrics"
	"github.com/leaguehq/regsync/pkg/models"
)

// ExternalSyncBreaker is the dependency name of the downstream
// registration directory's circuit breaker.
const ExternalSyncBreaker = "external-sync"

// Audit sink error classes.
const (
	ErrTypeRegistryInsertFailed = "REGISTRY_INSERT_FAILED"
	ErrTypeExternalSyncFailed   = "EXTERNAL_SYNC_FAILED"
)

// AuthoritativeStore is the system of record for registrations.
type AuthoritativeStore interface {
	Insert(ctx context.Context, record *models.RegistrationRecord) error
	FindByOrderAndIntent(ctx context.Context, orderID, intentID string) (*models.RegistrationRecord, error)
	MarkSynced(ctx context.Context, recordID uuid.UUID) error
}

// AuditSink appends sync error records. Never read by the core.
type AuditSink interface {
	AppendSyncError(ctx context.Context, record *models.SyncErrorRecord) error
}

// TransactionManager dual-writes one matched intent: first to the
// authoritative store, then best-effort to the external sync target.
// The authoritative write is the only one that can fail the intent;
// sync failures downgrade the result to partial success.
type TransactionManager struct {
	store    AuthoritativeStore
	target   synctarget.Target
	executor *resilience.Executor
	breakers *resilience.BreakerRegistry
	audit    AuditSink
	policy   resilience.RetryPolicy
	logger   *zap.Logger
}

// NewTransactionManager wires the dual-write path.
func NewTransactionManager(
	store AuthoritativeStore,
	target synctarget.Target,
	executor *resilience.Executor,
	breakers *resilience.BreakerRegistry,
	audit AuditSink,
	logger *zap.Logger,
) *TransactionManager {
	return &TransactionManager{
		store:    store,
		target:   target,
		executor: executor,
		breakers: breakers,
		audit:    audit,
		policy:   resilience.DefaultRetryPolicy(),
		logger:   logger.Named("txn-manager"),
	}
}

// WithRetryPolicy overrides the default external-sync retry policy.
func (tm *TransactionManager) WithRetryPolicy(policy resilience.RetryPolicy) *TransactionManager {
	tm.policy = policy
	return tm
}

// SaveMatched persists one match. A pre-existing (orderID, intentID)
// record short-circuits to success, which makes reconciler
// re-invocations safe. The external sync runs only after the
// authoritative write succeeded.
func (tm *TransactionManager) SaveMatched(ctx context.Context, match models.MatchResult, order models.PaymentOrder) models.SaveOutcome {
	intent := match.Intent

	existing, err := tm.store.FindByOrderAndIntent(ctx, order.OrderID, intent.IntentID)
	if err != nil {
		tm.recordAudit(ctx, order.OrderID, intent.IntentID, ErrTypeRegistryInsertFailed, err, match)
		return models.SaveOutcome{Err: err}
	}
	if existing != nil {
		tm.logger.Info("registration already persisted, skipping rewrite",
			zap.String("order_id", order.OrderID),
			zap.String("intent_id", intent.IntentID))
		return models.SaveOutcome{IsFullSuccess: true}
	}

	record := &models.RegistrationRecord{
		ID:         uuid.New(),
		OrderID:    order.OrderID,
		IntentID:   intent.IntentID,
		BuyerID:    intent.BuyerID,
		PlayerName: intent.PlayerName,
		Division:   intent.Division,
		Sport:      intent.Sport,
		Season:     intent.Season,
		PaidAmount: match.PaidAmount,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	// Step 1: system of record. Transient failures retry; anything
	// that survives the budget is fatal for this intent.
	err = tm.executor.Execute(ctx, tm.policy, func(ctx context.Context) error {
		return tm.store.Insert(ctx, record)
	})
	if err != nil {
		tm.logger.Error("authoritative write failed, no sync attempted",
			zap.String("order_id", order.OrderID),
			zap.String("intent_id", intent.IntentID),
			zap.Error(err))
		tm.recordAudit(ctx, order.OrderID, intent.IntentID, ErrTypeRegistryInsertFailed, err, match)
		return models.SaveOutcome{Err: err}
	}

	// Step 2: best-effort external sync behind the breaker. The
	// registration is already durable, so failure here is partial
	// success, never a rollback.
	err = tm.executor.Execute(ctx, tm.policy, func(ctx context.Context) error {
		return tm.breakers.Execute(ctx, ExternalSyncBreaker, func(ctx context.Context) error {
			return tm.target.Upsert(ctx, synctarget.Record{
				Kind:       synctarget.KindRegistration,
				OrderID:    order.OrderID,
				IntentID:   intent.IntentID,
				PlayerName: intent.PlayerName,
				Division:   intent.Division,
				Sport:      intent.Sport,
				Season:     intent.Season,
				Amount:     match.PaidAmount,
				BuyerEmail: order.Billing.Email,
			})
		})
	})
	if err != nil {
		tm.logger.Warn("external sync failed, registration saved without sync",
			zap.String("order_id", order.OrderID),
			zap.String("intent_id", intent.IntentID),
			zap.Error(err))
		tm.recordAudit(ctx, order.OrderID, intent.IntentID, ErrTypeExternalSyncFailed, err, match)
		metrics.RegistrationsSaved.WithLabelValues("partial").Inc()
		return models.SaveOutcome{IsPartialSuccess: true}
	}

	record.Synced = true
	if err := tm.store.MarkSynced(ctx, record.ID); err != nil {
		tm.logger.Warn("failed to flag registration as synced",
			zap.String("order_id", order.OrderID),
			zap.Error(err))
	}
	metrics.RegistrationsSaved.WithLabelValues("full").Inc()
	return models.SaveOutcome{IsFullSuccess: true}
}

// BatchSaveMatched saves every match independently; one intent's hard
// failure never aborts its siblings.
func (tm *TransactionManager) BatchSaveMatched(ctx context.Context, matches []models.MatchResult, order models.PaymentOrder) models.BatchOutcome {
	outcome := models.BatchOutcome{Total: len(matches)}
	for _, match := range matches {
		result := tm.SaveMatched(ctx, match, order)
		switch {
		case result.IsFullSuccess:
			outcome.Successful++
		case result.IsPartialSuccess:
			outcome.Partial++
		default:
			outcome.Failed++
		}
	}

	tm.logger.Info("batch save finished",
		zap.String("order_id", order.OrderID),
		zap.Int("total", outcome.Total),
		zap.Int("successful", outcome.Successful),
		zap.Int("partial", outcome.Partial),
		zap.Int("failed", outcome.Failed))
	return outcome
}

// recordAudit appends a SyncErrorRecord with full match context. Audit
// failures are logged and swallowed: the sink is best-effort.
func (tm *TransactionManager) recordAudit(ctx context.Context, orderID, intentID, errType string, cause error, match models.MatchResult) {
	contextPayload, _ := json.Marshal(map[string]interface{}{
		"player":      match.Intent.PlayerName,
		"division":    match.Intent.Division,
		"sport":       match.Intent.Sport,
		"season":      match.Intent.Season,
		"paid_amount": match.PaidAmount,
		"slot_index":  match.SlotIndex,
	})

	record := &models.SyncErrorRecord{
		OrderID:      orderID,
		IntentID:     intentID,
		ErrorType:    errType,
		ErrorMessage: cause.Error(),
		Context:      string(contextPayload),
		CreatedAt:    time.Now(),
	}
	if err := tm.audit.AppendSyncError(ctx, record); err != nil {
		tm.logger.Error("failed to append sync error audit record",
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}
