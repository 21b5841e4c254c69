package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/core/ports"
)

const maxChatBodyBytes = 1 << 20

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Message string     `json:"message"`
	History []chatTurn `json:"history"`
}

func decodeChatRequest(r *http.Request) (domain.AgentRequest, error) {
	var payload chatRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxChatBodyBytes))
	if err := decoder.Decode(&payload); err != nil {
		return domain.AgentRequest{}, domain.WrapError(domain.ErrInvalidInput, "decode chat request", errors.New("invalid json"))
	}
	if strings.TrimSpace(payload.Message) == "" {
		return domain.AgentRequest{}, domain.WrapError(domain.ErrInvalidInput, "decode chat request", errors.New("message is required"))
	}

	history := make([]domain.ConversationTurn, 0, len(payload.History))
	for i, turn := range payload.History {
		role, ok := domain.ParseRole(turn.Role)
		if !ok {
			return domain.AgentRequest{}, domain.WrapError(domain.ErrInvalidInput, "decode chat request",
				fmt.Errorf("history[%d]: unknown role %q", i, turn.Role))
		}
		history = append(history, domain.ConversationTurn{Role: role, Content: turn.Content})
	}

	return domain.AgentRequest{
		RequestID: requestIDFromContext(r.Context()),
		History:   history,
		Message:   payload.Message,
	}, nil
}

// streamChat serves POST /v1/chat as server-sent events.
func (rt *Router) streamChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	stream := newSSEStream(w)
	if stream == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming is not supported"})
		return
	}

	result, err := rt.agent.Run(r.Context(), req, ports.EventSinkFunc(stream.emit))
	if err != nil {
		if !stream.started {
			writeError(w, err)
			return
		}
		_ = stream.send("error", map[string]string{"error": err.Error()})
		return
	}

	err = stream.send("done", map[string]any{
		"request_id":  result.RequestID,
		"rounds":      result.Rounds,
		"stop_reason": result.StopReason,
		"cached":      result.Cached,
	})
	if err != nil {
		slog.Warn("chat_stream_done_failed", "request_id", result.RequestID, "error", err)
	}
}

// sseStream writes agent events as named SSE events. Headers are written on
// the first event so that request errors can still use a JSON status.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEStream(w http.ResponseWriter) *sseStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &sseStream{w: w, flusher: flusher}
}

func (s *sseStream) emit(_ context.Context, event domain.StreamEvent) error {
	switch event.Kind {
	case domain.EventToken:
		return s.send("token", map[string]any{"text": event.Text, "cached": event.Cached})
	case domain.EventUI:
		return s.send("ui", event.UI)
	case domain.EventStatus:
		return s.send("status", map[string]string{"text": event.Text})
	case domain.EventError:
		return s.send("error", map[string]string{"error": event.Text})
	default:
		return nil
	}
}

func (s *sseStream) send(event string, payload any) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := writeSSE(s.w, event, string(data)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// legacyChat serves POST /chat as a plain text stream for front ends that
// parse inline markers.
func (rt *Router) legacyChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming is not supported"})
		return
	}

	stream := &textStream{w: w, flusher: flusher}
	if _, err := rt.agent.Run(r.Context(), req, ports.EventSinkFunc(stream.emit)); err != nil {
		if !stream.started {
			writeError(w, err)
			return
		}
		_ = stream.write(fmt.Sprintf("\n[Error: %s]\n", err.Error()))
	}
}

type textStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *textStream) emit(_ context.Context, event domain.StreamEvent) error {
	switch event.Kind {
	case domain.EventToken:
		if event.Cached {
			return s.write("[Cached Answer]\n" + event.Text)
		}
		return s.write(event.Text)
	case domain.EventUI:
		if event.UI == nil {
			return nil
		}
		marker, err := domActionMarker(*event.UI)
		if err != nil {
			return err
		}
		return s.write(marker)
	case domain.EventStatus:
		return s.write("\n" + event.Text + "\n")
	case domain.EventError:
		return s.write(fmt.Sprintf("\n[Error: %s]\n", event.Text))
	default:
		return nil
	}
}

func (s *textStream) write(text string) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := io.WriteString(s.w, text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func domActionMarker(envelope domain.UIEnvelope) (string, error) {
	payload := map[string]string{
		"type":   string(envelope.Kind),
		"target": envelope.Target,
	}
	if envelope.Value != "" {
		payload["value"] = envelope.Value
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return "[DOM_ACTION]" + string(raw) + "[/DOM_ACTION]", nil
}
