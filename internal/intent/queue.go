// Package intent holds the buyer's pending registration intents: the
// session-local queue, the durable backup store used for recovery, and
// the two-tier source the reconciler reads from.
package intent

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/leaguehq/regsync/pkg/models"
)

// ErrDuplicateIntent is returned by Add when an intent with the same
// (player, season, sport) identity is already queued.
var ErrDuplicateIntent = errors.New("duplicate intent for player, season and sport")

// Storage is the best-effort byte store backing the queue. In the
// browser-facing deployment this is session-scoped client storage; in
// tests it is in-memory.
type Storage interface {
	Load() ([]byte, error)
	Store(data []byte) error
}

// MemoryStorage is an in-process Storage implementation.
type MemoryStorage struct {
	data []byte
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

func (m *MemoryStorage) Load() ([]byte, error) { return m.data, nil }

func (m *MemoryStorage) Store(data []byte) error {
	m.data = append([]byte(nil), data...)
	return nil
}

// Queue is the ordered list of pending intents owned by one buyer
// session. It is best-effort and never the sole source of truth: any
// malformed stored state degrades to an empty list instead of failing.
// Not safe for concurrent writers.
type Queue struct {
	storage Storage
	logger  *zap.Logger
}

// NewQueue creates a queue over the given storage.
func NewQueue(storage Storage, logger *zap.Logger) *Queue {
	return &Queue{storage: storage, logger: logger.Named("intent-queue")}
}

// Get returns the queued intents in submission order. Corrupt or
// unreadable state yields an empty list.
func (q *Queue) Get() []models.PendingIntent {
	data, err := q.storage.Load()
	if err != nil {
		q.logger.Warn("intent storage unreadable, treating queue as empty", zap.Error(err))
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	var intents []models.PendingIntent
	if err := json.Unmarshal(data, &intents); err != nil {
		q.logger.Warn("intent storage corrupt, treating queue as empty", zap.Error(err))
		return nil
	}
	return intents
}

// Set replaces the queue contents.
func (q *Queue) Set(intents []models.PendingIntent) error {
	data, err := json.Marshal(intents)
	if err != nil {
		return err
	}
	return q.storage.Store(data)
}

// Add appends an intent, rejecting identity duplicates.
func (q *Queue) Add(candidate models.PendingIntent) error {
	intents := q.Get()
	for _, existing := range intents {
		if existing.Identity() == candidate.Identity() {
			return ErrDuplicateIntent
		}
	}
	return q.Set(append(intents, candidate))
}

// IsDuplicate reports whether an intent with the candidate's identity
// is already queued.
func (q *Queue) IsDuplicate(candidate models.PendingIntent) bool {
	for _, existing := range q.Get() {
		if existing.Identity() == candidate.Identity() {
			return true
		}
	}
	return false
}

// RemoveMatched filters out intents whose identity appears in matched.
// Used by reconciliation cleanup; unmatched intents stay queued.
func (q *Queue) RemoveMatched(matched []models.IntentIdentity) error {
	if len(matched) == 0 {
		return nil
	}
	drop := make(map[models.IntentIdentity]struct{}, len(matched))
	for _, id := range matched {
		drop[id] = struct{}{}
	}

	var remaining []models.PendingIntent
	for _, existing := range q.Get() {
		if _, ok := drop[existing.Identity()]; !ok {
			remaining = append(remaining, existing)
		}
	}
	return q.Set(remaining)
}
