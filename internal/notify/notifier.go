// Package notify escalates unrecoverable data-loss events to operators.
// Notifications are fire-and-forget: the reconciliation outcome never
// depends on delivery.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/leaguehq/regsync/pkg/models"
)

// Notifier delivers one alert per unrecoverable data-loss event.
type Notifier interface {
	NotifyDataLoss(ctx context.Context, order models.PaymentOrder)
}

// LogNotifier records the alert in the service log only. Used when no
// alerting webhook is configured, and in tests.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notifier")}
}

func (n *LogNotifier) NotifyDataLoss(_ context.Context, order models.PaymentOrder) {
	n.logger.Error("CRITICAL: paid order has no recoverable intents",
		zap.String("order_id", order.OrderID),
		zap.String("buyer_id", order.BuyerID),
		zap.Int("line_items", len(order.LineItems)),
		zap.String("billing_email", order.Billing.Email))
}

// WebhookNotifier posts the full order context to an operator alerting
// webhook. Delivery failures are logged and swallowed.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a webhook-backed notifier.
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("notifier"),
	}
}

func (n *WebhookNotifier) NotifyDataLoss(ctx context.Context, order models.PaymentOrder) {
	payload, err := json.Marshal(map[string]interface{}{
		"event":    "registration_data_loss",
		"order":    order,
		"detected": time.Now().UTC(),
	})
	if err != nil {
		n.logger.Error("failed to encode data-loss alert", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.logger.Error("failed to build data-loss alert request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Error("failed to deliver data-loss alert",
			zap.String("order_id", order.OrderID),
			zap.Error(err))
		return
	}
	resp.Body.Close()

	n.logger.Error("CRITICAL: paid order has no recoverable intents, alert delivered",
		zap.String("order_id", order.OrderID),
		zap.String("buyer_id", order.BuyerID),
		zap.Int("alert_status", resp.StatusCode))
}
