package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"git.home.luguber.info/inful/jobserv/internal/logfields"
)

// SigHeader carries the HMAC of the webhook body.
const SigHeader = "X-JobServ-Sig"

// WebhookNotifier posts build-complete payloads with an HMAC signature the
// receiver can verify. Deliveries run in the caller's goroutine; the trigger
// engine fires them from outside the build lock.
type WebhookNotifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook deliverer.
func NewWebhookNotifier(logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Sign computes the sha256:<hex> signature for a body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256:" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts body to url, retrying transient failures with backoff.
func (n *WebhookNotifier) Deliver(ctx context.Context, url, secret string, body []byte) error {
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SigHeader, Sign(secret, body))

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		n.logger.Error("unable to deliver webhook", logfields.URL(url), logfields.Err(err))
		return err
	}
	return nil
}

// BuildCompleteWebhook marshals the build summary and delivers it.
func (n *WebhookNotifier) BuildCompleteWebhook(ctx context.Context, b BuildSummary, url, hmacSecret string) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal build payload: %w", err)
	}
	return n.Deliver(ctx, url, hmacSecret, body)
}
