package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PendingIntent is a buyer's declared wish to register one player for a
// division within a season, captured at submission time and immutable
// afterwards. The reconciler consumes intents, it never mutates them.
type PendingIntent struct {
	IntentID    string            `json:"intent_id"`
	BuyerID     string            `json:"buyer_id"`
	PlayerName  string            `json:"player_name"`
	Division    string            `json:"division"`
	Sport       string            `json:"sport"`
	Season      string            `json:"season"`
	ComputedFee decimal.Decimal   `json:"computed_fee"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Aux         map[string]string `json:"aux,omitempty"` // rarely-needed extension fields
}

// IntentIdentity is the duplicate-suppression key for an intent.
type IntentIdentity struct {
	Player string
	Season string
	Sport  string
}

// Identity returns the (player, season, sport) key used for duplicate
// detection in the intent queue and for post-reconciliation cleanup.
func (p PendingIntent) Identity() IntentIdentity {
	return IntentIdentity{Player: p.PlayerName, Season: p.Season, Sport: p.Sport}
}

// LineItem is one purchasable entry of a payment order. UnitPrice is the
// per-unit price; Quantity expands into that many independently
// matchable slots.
type LineItem struct {
	Descriptor string          `json:"descriptor"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
}

// Total returns the line item total (unit price times quantity).
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// BillingIdentity identifies the payer on a payment order.
type BillingIdentity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PaymentOrder is the confirmed order supplied by the external commerce
// platform. It is read-only input to the reconciler.
type PaymentOrder struct {
	OrderID   string          `json:"order_id" validate:"required"`
	BuyerID   string          `json:"buyer_id" validate:"required"`
	LineItems []LineItem      `json:"line_items"`
	Billing   BillingIdentity `json:"billing"`
}

// MatchResult binds one intent to one line-item slot. PaidAmount is the
// slot's per-unit price, not the order total.
type MatchResult struct {
	Intent     PendingIntent   `json:"intent"`
	LineItem   int             `json:"line_item"`  // index into the order's line items
	SlotIndex  int             `json:"slot_index"` // global slot index, line items expanded in order
	PaidAmount decimal.Decimal `json:"paid_amount"`
}

// BackupRecordStatus is the lifecycle of a durable intent backup.
type BackupRecordStatus string

const (
	BackupPending    BackupRecordStatus = "pending"
	BackupProcessing BackupRecordStatus = "processing"
	BackupCompleted  BackupRecordStatus = "completed"
)

// BackupRecord is the durable fallback copy of an intent batch, written
// when the batch is handed off for payment and recovered when the
// client-side queue is gone. SerializedIntents is the JSON-encoded
// intent list.
type BackupRecord struct {
	ID                uuid.UUID          `json:"id" gorm:"primaryKey;type:uuid"`
	BuyerID           string             `json:"buyer_id" gorm:"index"`
	OrderID           string             `json:"order_id" gorm:"index"` // set once checkout assigns one
	SerializedIntents string             `json:"serialized_intents" gorm:"type:text"`
	Status            BackupRecordStatus `json:"status" gorm:"index"`
	CreatedAt         time.Time          `json:"created_at" gorm:"index"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// RegistrationRecord is the authoritative, system-of-record persistence
// of one reconciled intent. (order_id, intent_id) is unique and is the
// idempotency key for re-invocations of the reconciler.
type RegistrationRecord struct {
	ID         uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	OrderID    string          `json:"order_id" gorm:"index:idx_registrations_order_intent,unique"`
	IntentID   string          `json:"intent_id" gorm:"index:idx_registrations_order_intent,unique"`
	BuyerID    string          `json:"buyer_id" gorm:"index"`
	PlayerName string          `json:"player_name"`
	Division   string          `json:"division"`
	Sport      string          `json:"sport"`
	Season     string          `json:"season"`
	PaidAmount decimal.Decimal `json:"paid_amount" gorm:"type:numeric(12,2)"`
	Synced     bool            `json:"synced"` // false when external sync failed (partial success)
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ProcessedOrder marks an order's reconciliation progress. Completed is
// the order-processed marker; DonationsSynced is the once-only flag for
// donation line-item synchronization.
type ProcessedOrder struct {
	OrderID         string    `json:"order_id" gorm:"primaryKey"`
	Completed       bool      `json:"completed"`
	DonationsSynced bool      `json:"donations_synced"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SyncErrorRecord is an append-only audit entry for a failed downstream
// write. The core only ever inserts these.
type SyncErrorRecord struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	OrderID      string    `json:"order_id" gorm:"index"`
	IntentID     string    `json:"intent_id" gorm:"index"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message" gorm:"type:text"`
	Context      string    `json:"context" gorm:"type:text"` // JSON payload for operator follow-up
	CreatedAt    time.Time `json:"created_at"`
}

// SaveOutcome reports how far a single matched intent got through the
// dual write.
type SaveOutcome struct {
	IsFullSuccess    bool
	IsPartialSuccess bool
	Err              error
}

// BatchOutcome aggregates per-intent save outcomes for one order.
type BatchOutcome struct {
	Total      int
	Successful int
	Partial    int
	Failed     int
}
