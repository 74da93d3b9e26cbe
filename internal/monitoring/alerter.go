package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/config"
	"github.com/het0814/SD-voice-ai-service/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertPermanentFailure AlertType = "permanent_failure"
	AlertQueueDepth       AlertType = "queue_depth"
	AlertReviewBacklog    AlertType = "review_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates queue stats against configured thresholds and sends
// alerts via webhook, including one per permanently failed call.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate checks the stats against thresholds and returns any alerts.
func (a *Alerter) Evaluate(stats *QueueStats) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	if a.cfg.QueueDepthThreshold > 0 && stats.Queued > a.cfg.QueueDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueueDepth,
			Severity: "medium",
			Message: fmt.Sprintf("%d calls queued exceeds threshold %d (%d active of %d)",
				stats.Queued, a.cfg.QueueDepthThreshold, stats.Active, stats.MaxConcurrent),
			Details: map[string]any{
				"queued":    stats.Queued,
				"active":    stats.Active,
				"threshold": a.cfg.QueueDepthThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.PendingReviewThreshold > 0 && stats.PendingReviews > a.cfg.PendingReviewThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertReviewBacklog,
			Severity: "medium",
			Message: fmt.Sprintf("%d updates awaiting review exceeds threshold %d",
				stats.PendingReviews, a.cfg.PendingReviewThreshold),
			Details: map[string]any{
				"pending_reviews": stats.PendingReviews,
				"threshold":       a.cfg.PendingReviewThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// PermanentFailure reports a call whose retry budget is exhausted. It is
// logged even when no webhook is configured.
func (a *Alerter) PermanentFailure(ctx context.Context, c *model.VerificationCall) error {
	alert := Alert{
		Type:     AlertPermanentFailure,
		Severity: "high",
		Message: fmt.Sprintf("specialist %s could not be verified after %d attempts: %s",
			c.SpecialistID, c.RetryCount, c.FailureReason),
		Details: map[string]any{
			"call_id":        c.ID,
			"specialist_id":  c.SpecialistID,
			"retry_count":    c.RetryCount,
			"failure_reason": c.FailureReason,
			"status":         string(c.Status),
		},
		Timestamp: a.now().UTC(),
	}
	zap.L().Error("monitoring: permanent failure",
		zap.String("call_id", c.ID),
		zap.String("specialist_id", c.SpecialistID),
		zap.Int("retry_count", c.RetryCount),
	)
	if a.cfg.WebhookURL == "" {
		return nil
	}
	return a.sendWebhook(ctx, alert)
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
