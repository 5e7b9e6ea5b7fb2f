package outbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// WebhookHandler posts each entry's payload to url
func WebhookHandler(client *http.Client, url string) Handler {
	return func(ctx context.Context, e Entry) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(e.Payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", e.Consumer+":"+e.SessionID)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned %s", resp.Status)
		}
		return nil
	}
}

// LogHandler only logs the hand-off. Used when no collaborator endpoint is set.
func LogHandler(logger *slog.Logger) Handler {
	return func(_ context.Context, e Entry) error {
		logger.Info("finalize event handed off", "consumer", e.Consumer, "session_id", e.SessionID, "payload", string(e.Payload))
		return nil
	}
}
