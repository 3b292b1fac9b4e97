package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Webhook posts notifications to a chat or generic HTTP endpoint.
// Type is one of "slack", "teams" or "http".
type Webhook struct {
	Type   string
	URL    string
	client *http.Client
}

func NewWebhook(typ, url string, timeout time.Duration) (*Webhook, error) {
	switch typ {
	case "slack", "teams", "http":
	default:
		return nil, fmt.Errorf("unknown webhook type %q", typ)
	}
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{Type: typ, URL: url, client: &http.Client{Timeout: timeout}}, nil
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	var payload any
	switch w.Type {
	case "slack":
		payload = map[string]string{"text": slackText(n)}
	case "teams":
		payload = map[string]any{
			"@type":      "MessageCard",
			"@context":   "http://schema.org/extensions",
			"themeColor": statusColor(n.Status),
			"summary":    n.AlertName,
			"title":      fmt.Sprintf("Remediation %s: %s", n.Status, n.AlertName),
			"text":       slackText(n),
		}
	default:
		payload = map[string]any{
			"notification":    n,
			"durationSeconds": n.Duration.Seconds(),
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return w.post(ctx, body)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func slackText(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* remediation for alert *%s*", statusLabel(n.Status), n.Status, n.AlertName)
	if n.JobName != "" {
		fmt.Fprintf(&b, "\nJob: `%s/%s`", n.Namespace, n.JobName)
	}
	if n.Duration > 0 {
		fmt.Fprintf(&b, "\nDuration: %s", n.Duration.Round(time.Second))
	}
	if n.Message != "" {
		fmt.Fprintf(&b, "\n%s", n.Message)
	}
	if n.LogTail != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```", n.LogTail)
	}
	return b.String()
}

func statusLabel(s string) string {
	switch s {
	case "Succeeded":
		return "[OK]"
	case "Submitted":
		return "[SUBMITTED]"
	case "TimedOut":
		return "[TIMEOUT]"
	default:
		return "[FAILED]"
	}
}

func statusColor(s string) string {
	switch s {
	case "Succeeded":
		return "2EB67D"
	case "Submitted":
		return "00D4FF"
	default:
		return "FF4F6A"
	}
}
