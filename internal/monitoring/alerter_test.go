package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/perf-recon/internal/config"
)

func testMonitoringConfig(url string) config.MonitoringConfig {
	return config.MonitoringConfig{
		WebhookURL:           url,
		FailureRateThreshold: 0.2,
		PassRateThreshold:    0.95,
		LookbackWindowHours:  24,
		CheckIntervalSecs:    60,
	}
}

func alertTypes(alerts []Alert) []AlertType {
	out := make([]AlertType, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Type)
	}
	return out
}

func TestEvaluate_Healthy(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	snap := &MetricsSnapshot{
		BatchesTotal:     10,
		BatchesCompleted: 10,
		PassedChecks:     100,
		PassRate:         1,
		LookbackHours:    24,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestEvaluate_FailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	snap := &MetricsSnapshot{
		BatchesTotal:   6,
		BatchesFailed:  3,
		BatchFailRate:  0.5,
		FailedBatchIDs: []string{"b1", "b2", "b3"},
		LookbackHours:  24,
	}
	assert.Equal(t, []AlertType{AlertBatchFailed, AlertBatchFailureRate}, alertTypes(a.Evaluate(snap)))
}

func TestEvaluate_FailureRateNeedsSample(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	snap := &MetricsSnapshot{
		BatchesTotal:  2,
		BatchesFailed: 1,
		BatchFailRate: 0.5,
	}
	assert.Equal(t, []AlertType{AlertBatchFailed}, alertTypes(a.Evaluate(snap)))
}

func TestEvaluate_LowPassRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	snap := &MetricsSnapshot{
		BatchesTotal:      1,
		BatchesWithIssues: 1,
		PassedChecks:      90,
		FailedChecks:      10,
		PassRate:          0.9,
		FailuresByField:   map[string]int{"twrr": 10},
	}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowPassRate, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "10 of 100 checks failed")
}

func TestEvaluate_NoChecksNoPassRateAlert(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{}))
}

func TestSendAlerts_Webhook(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Alert
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		mu.Lock()
		received = append(received, a)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewAlerter(testMonitoringConfig(srv.URL))
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertBatchFailed, Severity: "high", Message: "1 batch(es) failed"},
		{Type: AlertLowPassRate, Severity: "medium", Message: "low"},
	})
	assert.Equal(t, 2, sent)
	require.Len(t, received, 2)
	assert.Equal(t, AlertBatchFailed, received[0].Type)
}

func TestSendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(testMonitoringConfig(srv.URL))
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertBatchFailed}}))
}

func TestSendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertBatchFailed}}))
}
