package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Deesec-Signature"

// WebhookSink POSTs every event to a fixed set of URLs, signing each body
// with a shared secret. Failed deliveries are retried with backoff.
type WebhookSink struct {
	urls       []string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
}

// NewWebhookSink creates a WebhookSink.
func NewWebhookSink(urls []string, secret string) *WebhookSink {
	return &WebhookSink{
		urls:       urls,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with exponential backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
	}
}

// SetRetryDelays replaces the backoff schedule. delays[0] is the wait before
// the first attempt; the number of attempts equals len(delays).
func (s *WebhookSink) SetRetryDelays(delays []time.Duration) {
	s.delays = delays
}

// SetHTTPClient replaces the HTTP client used for deliveries.
func (s *WebhookSink) SetHTTPClient(hc *http.Client) {
	s.httpClient = hc
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver implements Sink. It attempts every URL and joins the failures.
func (s *WebhookSink) Deliver(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var errs []error
	for _, url := range s.urls {
		if err := s.deliverWithRetry(ctx, url, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

func (s *WebhookSink) deliverWithRetry(ctx context.Context, url string, body []byte) error {
	var lastErr error
	for _, delay := range s.delays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = Post(ctx, s.httpClient, url, body, s.secret)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Post performs a single signed webhook delivery.
func Post(ctx context.Context, hc *http.Client, url string, body []byte, secret string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(body, secret))

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the "sha256=<hex>" HMAC signature of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
