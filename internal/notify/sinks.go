package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"grievdesk.org/internal/grievance"
	"grievdesk.org/internal/obs"
)

// LogSink writes each escalation as a structured log line.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(ctx context.Context, evt grievance.EscalationEvent) error {
	obs.Info("escalation.notified", map[string]any{
		"grievance_id": evt.GrievanceID,
		"tracking_id":  evt.TrackingID,
		"priority":     string(evt.Priority),
		"trigger":      string(evt.Trigger),
		"escalated_at": evt.EscalatedAt.UTC().Format(time.RFC3339Nano),
	})
	return nil
}

// WebhookSink POSTs the event as JSON. Any non-2xx answer is a failure.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(ctx context.Context, evt grievance.EscalationEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Grievdesk-Event", "escalation")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook answered %d", resp.StatusCode)
	}
	return nil
}
