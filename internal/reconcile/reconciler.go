// Package reconcile binds paid order line items to pending registration
// intents and persists the result exactly once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leaguehq/regsync/internal/matching"
	"github.com/leaguehq/regsync/internal/resilience"
	"github.com/leaguehq/regsync/internal/synctarget"
	"github.com/leaguehq/regsync/pkg/metrics"
	"github.com/leaguehq/regsync/pkg/models"
)

// State is the reconciler's progress through one attempt. The terminal
// states are StateDone and StateAborted.
type State string

const (
	StateStart              State = "START"
	StateLockAcquired       State = "LOCK_ACQUIRED"
	StateDonationsProcessed State = "DONATIONS_PROCESSED"
	StateIntentsLoaded      State = "INTENTS_LOADED"
	StateMatched            State = "MATCHED"
	StateSaved              State = "SAVED"
	StateCleanedUp          State = "CLEANED_UP"
	StateDone               State = "DONE"
	StateAborted            State = "ABORTED"
)

// ErrInvalidOrder marks a malformed order payload. Fatal and
// non-retryable.
var ErrInvalidOrder = errors.New("order payload is missing an order id")

// ErrNoMatches aborts a run in which no intent matched any line item.
// The order stays unmarked so a corrected retry remains possible.
var ErrNoMatches = errors.New("no intent matched any paid line item")

// DataLossError is the unrecoverable case: a paid order with zero
// recoverable intents. The order is deliberately left unmarked.
type DataLossError struct {
	OrderID string
	BuyerID string
}

func (e *DataLossError) Error() string {
	return fmt.Sprintf("no intents recoverable for paid order %s (buyer %s)", e.OrderID, e.BuyerID)
}

// IsDataLoss checks whether err is an unrecoverable data-loss signal.
func IsDataLoss(err error) bool {
	var loss *DataLossError
	return errors.As(err, &loss)
}

// IntentSource loads the buyer's pending intents, falling back to
// durable recovery. The returned backup record is non-nil only when
// recovery was used.
type IntentSource interface {
	Load(ctx context.Context, buyerID string, excludeOrderIDs []string) ([]models.PendingIntent, *models.BackupRecord, error)
}

// QueueCleaner removes successfully matched intents from the
// session-local queue after persistence.
type QueueCleaner interface {
	RemoveMatched(matched []models.IntentIdentity) error
}

// BackupCompleter finishes a claimed backup record's lifecycle.
type BackupCompleter interface {
	Complete(ctx context.Context, recordID uuid.UUID) error
}

// OrderMarkers tracks per-order idempotency state.
type OrderMarkers interface {
	IsOrderProcessed(ctx context.Context, orderID string) (bool, error)
	MarkOrderProcessed(ctx context.Context, orderID string) error
	DonationsSynced(ctx context.Context, orderID string) (bool, error)
	MarkDonationsSynced(ctx context.Context, orderID string) error
}

// DataLossNotifier escalates unrecoverable data loss. Fire-and-forget.
type DataLossNotifier interface {
	NotifyDataLoss(ctx context.Context, order models.PaymentOrder)
}

// Result reports how a reconciliation attempt ended.
type Result struct {
	State        State
	Outcome      models.BatchOutcome
	Unmatched    []models.PendingIntent
	RecoveryUsed bool
	Duplicate    bool // order already processed or lock held elsewhere
}

// Reconciler drives the order-processing state machine under a
// per-order lock.
type Reconciler struct {
	locks            LockManager
	source           IntentSource
	queue            QueueCleaner
	backups          BackupCompleter
	matcher          *matching.Matcher
	txn              *TransactionManager
	markers          OrderMarkers
	notifier         DataLossNotifier
	executor         *resilience.Executor
	target           synctarget.Target
	donationProducts []string
	logger           *zap.Logger
}

// NewReconciler wires the reconciliation engine.
func NewReconciler(
	locks LockManager,
	source IntentSource,
	queue QueueCleaner,
	backups BackupCompleter,
	matcher *matching.Matcher,
	txn *TransactionManager,
	markers OrderMarkers,
	notifier DataLossNotifier,
	executor *resilience.Executor,
	target synctarget.Target,
	donationProducts []string,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		locks:            locks,
		source:           source,
		queue:            queue,
		backups:          backups,
		matcher:          matcher,
		txn:              txn,
		markers:          markers,
		notifier:         notifier,
		executor:         executor,
		target:           target,
		donationProducts: donationProducts,
		logger:           logger.Named("reconciler"),
	}
}

// ProcessOrder reconciles one completed payment order. Safe to invoke
// concurrently and repeatedly for the same order: duplicates exit as
// no-ops and failed runs leave the order unmarked for a later retry.
func (r *Reconciler) ProcessOrder(ctx context.Context, order models.PaymentOrder) (*Result, error) {
	started := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
	}()

	if order.OrderID == "" {
		return nil, ErrInvalidOrder
	}
	log := r.logger.With(zap.String("order_id", order.OrderID), zap.String("buyer_id", order.BuyerID))

	processed, err := r.markers.IsOrderProcessed(ctx, order.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check processed marker: %w", err)
	}
	if processed {
		log.Info("order already reconciled, nothing to do")
		metrics.ReconciliationsTotal.WithLabelValues("duplicate").Inc()
		return &Result{State: StateDone, Duplicate: true}, nil
	}

	release, acquired, err := r.locks.Acquire(ctx, order.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire order lock: %w", err)
	}
	if !acquired {
		log.Info("order lock held by a concurrent run, exiting")
		metrics.ReconciliationsTotal.WithLabelValues("duplicate").Inc()
		return &Result{State: StateDone, Duplicate: true}, nil
	}
	// The lock is never leaked: every exit path below runs through here.
	defer release()

	result, err := r.run(ctx, log, order)
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return result, err
	}
	metrics.ReconciliationsTotal.WithLabelValues("done").Inc()
	return result, nil
}

func outcomeLabel(err error) string {
	if IsDataLoss(err) {
		return "data_loss"
	}
	return "aborted"
}

// run executes steps 3-8 of the state machine with the lock held.
func (r *Reconciler) run(ctx context.Context, log *zap.Logger, order models.PaymentOrder) (*Result, error) {
	state := StateLockAcquired

	r.processDonations(ctx, log, order)
	state = StateDonationsProcessed

	intents, backupRecord, err := r.source.Load(ctx, order.BuyerID, nil)
	if err != nil {
		return &Result{State: StateAborted}, fmt.Errorf("failed to load intents: %w", err)
	}
	if len(intents) == 0 {
		// Paid order, nothing to register: escalate and leave the
		// order unmarked so recovery can be retried later.
		log.Error("no intents recoverable for paid order")
		r.notifier.NotifyDataLoss(ctx, order)
		return &Result{State: StateAborted}, &DataLossError{OrderID: order.OrderID, BuyerID: order.BuyerID}
	}
	state = StateIntentsLoaded
	recoveryUsed := backupRecord != nil
	log.Info("intents loaded",
		zap.Int("count", len(intents)),
		zap.Bool("recovered_from_backup", recoveryUsed))

	matched, unmatched := r.matcher.Match(intents, order.LineItems)
	if len(unmatched) > 0 {
		metrics.IntentsUnmatched.Add(float64(len(unmatched)))
	}
	if len(matched) == 0 {
		// No partial state is recorded for an order with zero matches.
		log.Error("zero matches for paid order, aborting without marking processed",
			zap.Int("intents", len(intents)),
			zap.Int("line_items", len(order.LineItems)))
		return &Result{State: StateAborted, Unmatched: unmatched}, ErrNoMatches
	}
	state = StateMatched

	outcome := r.txn.BatchSaveMatched(ctx, matched, order)
	state = StateSaved

	r.cleanup(ctx, log, matched, backupRecord)
	state = StateCleanedUp

	if err := r.markers.MarkOrderProcessed(ctx, order.OrderID); err != nil {
		// The work is durable but the marker is not; the next
		// invocation will short-circuit on existing records.
		return &Result{State: state, Outcome: outcome, Unmatched: unmatched, RecoveryUsed: recoveryUsed},
			fmt.Errorf("failed to mark order processed: %w", err)
	}

	log.Info("order reconciled",
		zap.Int("matched", len(matched)),
		zap.Int("unmatched", len(unmatched)),
		zap.Int("partial", outcome.Partial),
		zap.Int("failed", outcome.Failed))
	return &Result{
		State:        StateDone,
		Outcome:      outcome,
		Unmatched:    unmatched,
		RecoveryUsed: recoveryUsed,
	}, nil
}

// processDonations syncs donation line items once per order. Failures
// are logged and the flag is still set: a failed donation sync is not
// retried on later invocations.
func (r *Reconciler) processDonations(ctx context.Context, log *zap.Logger, order models.PaymentOrder) {
	var donations []models.LineItem
	for _, li := range order.LineItems {
		if r.isDonation(li.Descriptor) {
			donations = append(donations, li)
		}
	}
	if len(donations) == 0 {
		return
	}

	synced, err := r.markers.DonationsSynced(ctx, order.OrderID)
	if err != nil {
		log.Warn("failed to check donation-sync flag, skipping donation sync", zap.Error(err))
		return
	}
	if synced {
		return
	}

	for _, donation := range donations {
		err := r.executor.Execute(ctx, resilience.DefaultRetryPolicy(), func(ctx context.Context) error {
			return r.target.Upsert(ctx, synctarget.Record{
				Kind:       synctarget.KindDonation,
				OrderID:    order.OrderID,
				Descriptor: donation.Descriptor,
				Amount:     donation.Total(),
				BuyerEmail: order.Billing.Email,
			})
		})
		if err != nil {
			log.Warn("donation sync failed",
				zap.String("descriptor", donation.Descriptor),
				zap.Error(err))
		}
	}

	if err := r.markers.MarkDonationsSynced(ctx, order.OrderID); err != nil {
		log.Warn("failed to set donation-sync flag", zap.Error(err))
	}
}

func (r *Reconciler) isDonation(descriptor string) bool {
	for _, product := range r.donationProducts {
		if product != "" && strings.Contains(descriptor, product) {
			return true
		}
	}
	return false
}

// cleanup drains matched intents from the queue and completes the
// backup record when recovery was used. Both are non-fatal.
func (r *Reconciler) cleanup(ctx context.Context, log *zap.Logger, matched []models.MatchResult, backupRecord *models.BackupRecord) {
	identities := make([]models.IntentIdentity, 0, len(matched))
	for _, m := range matched {
		identities = append(identities, m.Intent.Identity())
	}
	if err := r.queue.RemoveMatched(identities); err != nil {
		log.Warn("failed to drain matched intents from queue", zap.Error(err))
	}

	if backupRecord != nil {
		if err := r.backups.Complete(ctx, backupRecord.ID); err != nil {
			log.Warn("failed to complete backup record",
				zap.String("record_id", backupRecord.ID.String()),
				zap.Error(err))
		}
	}
}
