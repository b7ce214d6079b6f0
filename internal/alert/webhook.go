package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3

	// HeaderSequence carries the audit sequence of the alerted event so a
	// receiver can drop deliveries it has already seen on retry.
	HeaderSequence = "X-Agentgov-Sequence"
	// HeaderHash carries the event's chain hash.
	HeaderHash = "X-Agentgov-Hash"
)

var (
	httpClient   = &http.Client{Timeout: requestTimeout}
	retryBackoff = time.Second
)

// Send posts an alert to a webhook. 5xx responses and transport errors are
// retried with linear backoff; 4xx responses are final.
func Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * retryBackoff):
			}
		}
		retry, err := deliver(ctx, cfg, event, body)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, lastErr)
}

// deliver makes one attempt and reports whether a failure is worth retrying.
func deliver(ctx context.Context, cfg AlertConfig, event AlertEvent, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if event.Sequence > 0 {
		req.Header.Set(HeaderSequence, strconv.FormatUint(event.Sequence, 10))
	}
	if event.Hash != "" {
		req.Header.Set(HeaderHash, event.Hash)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
	}
}
