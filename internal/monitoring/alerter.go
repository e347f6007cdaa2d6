package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dasv/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertHaltRate     AlertType = "halt_rate"
	AlertProviderDown AlertType = "provider_unreachable"
	AlertCircuitOpen  AlertType = "circuit_open"
)

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

	// A handful of runs is too few to call a rate.
	finished := snap.RunsComplete + snap.RunsHalted + snap.RunsFailed
	if finished >= 5 && a.cfg.HaltRateThreshold > 0 && snap.HaltRate > a.cfg.HaltRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertHaltRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run halt rate %.1f%% exceeds threshold %.1f%% (%d halted, %d failed / %d finished in last %dh)",
				snap.HaltRate*100, a.cfg.HaltRateThreshold*100,
				snap.RunsHalted, snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"halt_rate": snap.HaltRate,
				"threshold": a.cfg.HaltRateThreshold,
				"halted":    snap.RunsHalted,
				"failed":    snap.RunsFailed,
				"finished":  finished,
			},
			Timestamp: now,
		})
	}

	if len(snap.Unreachable) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertProviderDown,
			Severity: "medium",
			Message: fmt.Sprintf("%d provider(s) unreachable: %s",
				len(snap.Unreachable), strings.Join(snap.Unreachable, ", ")),
			Details: map[string]any{
				"unreachable": snap.Unreachable,
				"providers":   len(snap.Providers),
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenCircuits) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "medium",
			Message:  fmt.Sprintf("circuit open for %s", strings.Join(snap.OpenCircuits, ", ")),
			Details: map[string]any{
				"open_circuits": snap.OpenCircuits,
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
