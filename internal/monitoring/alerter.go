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

	"github.com/reviewpilot/batchd/internal/config"
	"github.com/reviewpilot/batchd/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate AlertType = "batch_failure_rate"
	AlertStuckRuns   AlertType = "batch_stuck_runs"
	AlertTimedOut    AlertType = "batch_runs_timed_out"
)

// minFinished is the number of finished runs a job type needs before its
// failure rate is judged.
const minFinished = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	JobType   model.JobType  `json:"job_type,omitempty"`
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

// Evaluate checks the snapshot against thresholds and returns any alerts,
// in job type order.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, jt := range model.JobTypes {
		m, ok := snap.Jobs[jt]
		if !ok {
			continue
		}
		if m.Finished() >= minFinished && a.cfg.FailureRateThreshold > 0 && m.FailRate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertFailureRate,
				Severity: "high",
				JobType:  jt,
				Message: fmt.Sprintf(
					"%s run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
					jt, m.FailRate*100, a.cfg.FailureRateThreshold*100, m.Failed, m.Finished(), snap.LookbackHours,
				),
				Details: map[string]any{
					"failure_rate": m.FailRate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       m.Failed,
					"finished":     m.Finished(),
				},
				Timestamp: now,
			})
		}
	}

	if stuck := snap.Stuck(); a.cfg.StuckRunThreshold > 0 && stuck >= a.cfg.StuckRunThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertStuckRuns,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d active run(s) have made no progress past their stuck timeout", stuck),
			Details:   map[string]any{"stuck": stuck, "by_job_type": perJob(snap, func(m *JobMetrics) int { return m.Stuck })},
			Timestamp: now,
		})
	}

	// The reaper does not refund, so every timed out run needs an operator.
	if timedOut := snap.TimedOut(); timedOut > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertTimedOut,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d run(s) timed out in last %dh; their unused credits are still reserved",
				timedOut, snap.LookbackHours,
			),
			Details:   map[string]any{"timed_out": timedOut, "by_job_type": perJob(snap, func(m *JobMetrics) int { return m.TimedOut })},
			Timestamp: now,
		})
	}

	return alerts
}

func perJob(snap *MetricsSnapshot, f func(*JobMetrics) int) map[string]int {
	out := map[string]int{}
	for jt, m := range snap.Jobs {
		if n := f(m); n > 0 {
			out[string(jt)] = n
		}
	}
	return out
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
