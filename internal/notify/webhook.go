package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"recall_pipeline/internal/events"
	"recall_pipeline/internal/logger"
)

// Message represents an outbound run notification.
type Message struct {
	Text string `json:"text"`
}

// Webhook posts run outcomes to a chat webhook.
type Webhook struct {
	URL    string
	Client *http.Client
	// MaxElapsed bounds the retries of one message.
	MaxElapsed time.Duration
}

func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: 10 * time.Second}, MaxElapsed: time.Minute}
}

// Send posts msg, retrying transport errors and 5xx answers with exponential backoff.
// An empty URL disables notifications.
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	if w == nil || w.URL == "" {
		return nil
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(buf))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = w.MaxElapsed
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Debug("webhook retry", zap.Error(err), zap.Duration("next_retry_in", next))
	})
}

// Format renders a bus event as a message; ok is false for events nobody is told about.
func Format(ev any) (Message, bool) {
	switch e := ev.(type) {
	case events.VersionPublished:
		return Message{Text: fmt.Sprintf("recurrence table %s published with %d records", e.VersionID, e.Records)}, true
	case events.RunFailed:
		return Message{Text: fmt.Sprintf("pipeline run %s failed: %s", e.RunID, e.Err)}, true
	}
	return Message{}, false
}

// Watch forwards run outcomes from bus until ctx is done.
func (w *Webhook) Watch(ctx context.Context, bus *events.Bus) {
	if w == nil || w.URL == "" {
		return
	}
	ch := bus.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				msg, ok := Format(ev)
				if !ok {
					continue
				}
				if err := w.Send(ctx, msg); err != nil {
					logger.Warn("notification failed", zap.Error(err))
				}
			}
		}
	}()
}
