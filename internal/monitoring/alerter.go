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

	"github.com/sells-group/perf-recon/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBatchFailed      AlertType = "batch_failed"
	AlertBatchFailureRate AlertType = "batch_failure_rate"
	AlertLowPassRate      AlertType = "low_pass_rate"
)

// minFinishedBatches is the sample below which rate alerts stay quiet.
const minFinishedBatches = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.BatchesFailed > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBatchFailed,
			Severity: "high",
			Message: fmt.Sprintf("%d batch(es) failed in last %dh",
				snap.BatchesFailed, snap.LookbackHours),
			Details: map[string]any{
				"failed":    snap.BatchesFailed,
				"batch_ids": snap.FailedBatchIDs,
			},
			Timestamp: now,
		})
	}

	finished := snap.BatchesTotal - snap.BatchesRunning
	if finished >= minFinishedBatches && snap.BatchFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBatchFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Batch failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.BatchFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.BatchesFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.BatchFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.BatchesFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if checks := snap.PassedChecks + snap.FailedChecks; checks > 0 && snap.PassRate < a.cfg.PassRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertLowPassRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Reconciliation pass rate %.2f%% is below %.2f%% (%d of %d checks failed in last %dh)",
				snap.PassRate*100, a.cfg.PassRateThreshold*100,
				snap.FailedChecks, checks, snap.LookbackHours,
			),
			Details: map[string]any{
				"pass_rate":         snap.PassRate,
				"threshold":         a.cfg.PassRateThreshold,
				"failures_by_field": snap.FailuresByField,
			},
			Timestamp: now,
		})
	}

	return alerts
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
