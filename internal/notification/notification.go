// Package notification delivers cost refresh events to Slack and webhooks.
package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
)

// Channel represents a notification delivery channel.
type Channel string

const (
	ChannelSlack   Channel = "slack"
	ChannelWebhook Channel = "webhook"
)

// EventType represents the type of notification event.
type EventType string

const (
	EventRefreshNeeded EventType = "cost.refresh_needed"
	EventRefreshFailed EventType = "cost.refresh_failed"
)

// EventHeader carries the event type on webhook deliveries.
const EventHeader = "X-Cloudbridge-Event"

// Message represents a notification message.
type Message struct {
	EventType EventType      `json:"event_type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Severity  string         `json:"severity,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config holds notification service configuration.
type Config struct {
	SlackWebhookURL string
	WebhookURLs     []string
	// Timeout bounds a single asynchronous delivery. Zero means 10s.
	Timeout time.Duration
}

// Service manages notification delivery across channels.
type Service struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	channels   []Channel
	now        func() time.Time

	pending sync.WaitGroup
}

// NewService creates a new notification service.
func NewService(cfg Config, client *http.Client, logger *slog.Logger) *Service {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &Service{
		cfg:        cfg,
		httpClient: client,
		logger:     logger.With("component", "notification"),
		now:        time.Now,
	}

	if cfg.SlackWebhookURL != "" {
		s.channels = append(s.channels, ChannelSlack)
	}
	if len(cfg.WebhookURLs) > 0 {
		s.channels = append(s.channels, ChannelWebhook)
	}

	return s
}

// Enabled reports whether any channel is configured.
func (s *Service) Enabled() bool { return len(s.channels) > 0 }

// HasChannel returns true if the specified channel is configured.
func (s *Service) HasChannel(ch Channel) bool {
	return lo.Contains(s.channels, ch)
}

// Send sends a notification to all configured channels.
func (s *Service) Send(ctx context.Context, msg Message) error {
	msg.Timestamp = s.now().UTC()
	var errs []string

	for _, ch := range s.channels {
		var err error
		switch ch {
		case ChannelSlack:
			err = s.sendSlack(ctx, msg)
		case ChannelWebhook:
			err = s.sendWebhook(ctx, msg)
		}
		if err != nil {
			s.logger.Error("notification send failed", "channel", ch, "event", msg.EventType, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", ch, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SendAsync delivers msg in the background. Failures are only logged.
// Wait blocks until every pending delivery has returned.
func (s *Service) SendAsync(msg Message) {
	if !s.Enabled() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		_ = s.Send(ctx, msg)
	}()
}

// Wait blocks until background deliveries finish.
func (s *Service) Wait() { s.pending.Wait() }

func (s *Service) sendSlack(ctx context.Context, msg Message) error {
	color := "#2196F3"
	switch msg.Severity {
	case "high":
		color = "#FF9800"
	case "medium":
		color = "#FFC107"
	}

	payload := map[string]any{
		"attachments": []map[string]any{
			{
				"color":  color,
				"title":  msg.Title,
				"text":   msg.Body,
				"footer": "cloudbridge",
				"ts":     msg.Timestamp.Unix(),
				"fields": buildSlackFields(msg.Data),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := s.post(ctx, s.cfg.SlackWebhookURL, body, nil); err != nil {
		return fmt.Errorf("slack %w", err)
	}

	s.logger.Debug("slack notification sent", "event", msg.EventType)
	return nil
}

func (s *Service) sendWebhook(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var errs []string
	for _, webhookURL := range s.cfg.WebhookURLs {
		if err := s.post(ctx, webhookURL, body, map[string]string{EventHeader: string(msg.EventType)}); err != nil {
			errs = append(errs, fmt.Sprintf("webhook %s %v", webhookURL, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("webhook errors: %s", strings.Join(errs, "; "))
	}

	s.logger.Debug("webhook notifications sent", "event", msg.EventType, "count", len(s.cfg.WebhookURLs))
	return nil
}

func (s *Service) post(ctx context.Context, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("returned status %d", resp.StatusCode)
	}
	return nil
}

func buildSlackFields(data map[string]any) []map[string]any {
	keys := lo.Keys(data)
	sort.Strings(keys)
	fields := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]any{
			"title": k,
			"value": fmt.Sprintf("%v", data[k]),
			"short": true,
		})
	}
	return fields
}
