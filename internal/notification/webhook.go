package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookNotifier POSTs each alert as one JSON event. Transport errors and 5xx
// answers are retried once; any other non-2xx status is final.
type WebhookNotifier struct {
	endpoint string
	hc       *http.Client
	clock    func() time.Time
	pause    time.Duration // before the retry
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: 10 * time.Second},
		clock:    time.Now,
		pause:    500 * time.Millisecond,
	}
}

// webhookEvent is the body receivers get: the alert fields at the top level
// plus the send time.
type webhookEvent struct {
	Alert
	SentAt time.Time `json:"sentAt"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookEvent{Alert: alert, SentAt: w.clock().UTC()})
	if err != nil {
		return fmt.Errorf("webhook: encode %q: %w", alert.Title, err)
	}

	retry, err := w.post(ctx, body)
	if err == nil || !retry {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w (retry abandoned: %v)", err, ctx.Err())
	case <-time.After(w.pause):
	}
	_, err = w.post(ctx, body)
	return err
}

// post makes one delivery attempt and reports whether a failure is worth
// repeating.
func (w *WebhookNotifier) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.hc.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return resp.StatusCode >= 500, fmt.Errorf("webhook: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}
