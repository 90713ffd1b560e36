package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mwalimu/saccoguard/internal/retry"
)

// LogSink writes events to the structured log. It is the default sink in
// development mode.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every event at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, event *Event) error {
	s.logger.Info("engine event", "event_id", event.ID, "type", event.Type, "data", event.Data)
	return nil
}

// WebhookSink POSTs events as JSON to a configured endpoint, retrying with
// exponential backoff on transient failures.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink delivering to the given URL.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	return retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Saccoguard-Event", string(event.Type))

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("sink returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// Client errors won't heal on retry.
			return retry.Permanent(fmt.Errorf("sink returned %d", resp.StatusCode))
		}
		return nil
	})
}

// MemorySink buffers events in memory. Test helper.
type MemorySink struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Deliver(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything delivered so far.
func (s *MemorySink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns delivered events of the given type.
func (s *MemorySink) ByType(t Type) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
