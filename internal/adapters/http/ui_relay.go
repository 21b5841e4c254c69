package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/db-agent/internal/core/domain"
)

const defaultRelayBuffer = 16

// UIRelayMessage is one UI envelope on its way to browser subscribers.
type UIRelayMessage struct {
	RequestID string            `json:"request_id"`
	Envelope  domain.UIEnvelope `json:"envelope"`
}

type RelayObserver interface {
	SubscriberConnected()
	SubscriberDisconnected()
}

type relaySubscriber struct {
	requestID string
	frames    chan UIRelayMessage
}

// UIRelay fans UI envelopes out to SSE subscribers. Slow subscribers lose
// frames instead of blocking the publisher.
type UIRelay struct {
	mu          sync.Mutex
	subscribers map[*relaySubscriber]struct{}
	buffer      int
	heartbeat   time.Duration
	observer    RelayObserver
}

func NewUIRelay(buffer int, heartbeat time.Duration, observer RelayObserver) *UIRelay {
	if buffer <= 0 {
		buffer = defaultRelayBuffer
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &UIRelay{
		subscribers: make(map[*relaySubscriber]struct{}),
		buffer:      buffer,
		heartbeat:   heartbeat,
		observer:    observer,
	}
}

// Publish delivers message to every matching subscriber and reports how many
// received it and how many were skipped because their buffer was full.
func (u *UIRelay) Publish(message UIRelayMessage) (delivered, dropped int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for sub := range u.subscribers {
		if sub.requestID != "" && sub.requestID != message.RequestID {
			continue
		}
		select {
		case sub.frames <- message:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

func (u *UIRelay) Subscribers() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.subscribers)
}

func (u *UIRelay) subscribe(requestID string) *relaySubscriber {
	sub := &relaySubscriber{
		requestID: requestID,
		frames:    make(chan UIRelayMessage, u.buffer),
	}
	u.mu.Lock()
	u.subscribers[sub] = struct{}{}
	u.mu.Unlock()
	if u.observer != nil {
		u.observer.SubscriberConnected()
	}
	return sub
}

func (u *UIRelay) unsubscribe(sub *relaySubscriber) {
	u.mu.Lock()
	delete(u.subscribers, sub)
	u.mu.Unlock()
	if u.observer != nil {
		u.observer.SubscriberDisconnected()
	}
}

// ServeHTTP streams envelopes as "ui" events. The optional request_id query
// parameter narrows the stream to one agent run.
func (u *UIRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming is not supported"})
		return
	}

	sub := u.subscribe(strings.TrimSpace(r.URL.Query().Get("request_id")))
	defer u.unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(u.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case message := <-sub.frames:
			data, err := json.Marshal(message)
			if err != nil {
				slog.Warn("ui_relay_encode_failed", "request_id", message.RequestID, "error", err)
				continue
			}
			if err := writeSSE(w, "ui", string(data)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
