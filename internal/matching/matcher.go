// Package matching assigns pending registration intents to paid
// line-item slots.
package matching

import (
	"strings"

	"go.uber.org/zap"

	"github.com/leaguehq/regsync/pkg/models"
)

// slot is one purchasable unit of a line item, usable at most once.
type slot struct {
	lineItem int
	used     bool
}

// Matcher binds intents to line-item slots.
type Matcher struct {
	logger *zap.Logger
}

// NewMatcher creates a matcher.
func NewMatcher(logger *zap.Logger) *Matcher {
	return &Matcher{logger: logger.Named("matcher")}
}

// Match assigns each intent, in submission order, to the first unused
// slot whose line-item descriptor contains the intent's division label.
// Slots expand from line items in source order, one per unit of
// quantity. The assignment is greedy and single-pass: deterministic,
// order-of-first-match, not globally optimal. Intents with no
// qualifying slot come back in unmatched and are never dropped.
func (m *Matcher) Match(intents []models.PendingIntent, lineItems []models.LineItem) (matched []models.MatchResult, unmatched []models.PendingIntent) {
	var slots []slot
	for i, li := range lineItems {
		for unit := 0; unit < li.Quantity; unit++ {
			slots = append(slots, slot{lineItem: i})
		}
	}

	for _, intent := range intents {
		bound := false
		for si := range slots {
			if slots[si].used {
				continue
			}
			li := lineItems[slots[si].lineItem]
			if !strings.Contains(li.Descriptor, intent.Division) {
				continue
			}

			slots[si].used = true
			matched = append(matched, models.MatchResult{
				Intent:     intent,
				LineItem:   slots[si].lineItem,
				SlotIndex:  si,
				PaidAmount: li.UnitPrice,
			})
			bound = true
			break
		}
		if !bound {
			m.logger.Warn("intent has no matching line item slot",
				zap.String("intent_id", intent.IntentID),
				zap.String("player", intent.PlayerName),
				zap.String("division", intent.Division))
			unmatched = append(unmatched, intent)
		}
	}

	return matched, unmatched
}
