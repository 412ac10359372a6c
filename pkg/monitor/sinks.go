package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raskyld/noodlenet/pkg/mesh"
)

// LogSink writes every event to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(handler slog.Handler) *LogSink {
	return &LogSink{logger: mesh.Logger(handler).With("component", "alert_sink")}
}

func (s *LogSink) Notify(ctx context.Context, ev Event) error {
	level := ev.Alert.Level.slog()
	msg := "ALERT " + ev.Alert.Message
	if ev.Kind == AlertResolved {
		level = slog.LevelInfo
		msg = "RESOLVED " + ev.Alert.Message
	}
	s.logger.Log(ctx, level, msg,
		slog.Any("alert", &ev.Alert),
		"event", ev.Kind.String(),
	)
	return nil
}

// WebhookSink posts events as JSON. Server errors are retried with
// exponential backoff, client errors are not.
type WebhookSink struct {
	url     string
	client  *http.Client
	headers http.Header
	retries uint64
}

type WebhookOption func(*WebhookSink)

func WithHTTPClient(client *http.Client) WebhookOption {
	return func(s *WebhookSink) {
		s.client = client
	}
}

func WithHeader(key, value string) WebhookOption {
	return func(s *WebhookSink) {
		s.headers.Add(key, value)
	}
}

func WithWebhookRetries(n uint64) WebhookOption {
	return func(s *WebhookSink) {
		s.retries = n
	}
}

func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: 5 * time.Second},
		headers: make(http.Header),
		retries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type webhookPayload struct {
	Event    string  `json:"event"`
	Alert    Alert   `json:"alert"`
	Duration float64 `json:"duration_s,omitempty"`
}

func (s *WebhookSink) Notify(ctx context.Context, ev Event) error {
	payload := webhookPayload{Event: ev.Kind.String(), Alert: ev.Alert}
	if ev.Kind == AlertResolved {
		payload.Duration = ev.Alert.ResolvedAt.Sub(ev.Alert.RaisedAt).Seconds()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("monitor: encoding webhook payload: %w", err)
	}

	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header = s.headers.Clone()
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("monitor: webhook answered %s", resp.Status)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("monitor: webhook answered %s", resp.Status))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	return backoff.Retry(post, backoff.WithContext(backoff.WithMaxRetries(b, s.retries), ctx))
}
