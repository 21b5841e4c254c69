package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/core/ports"
)

type scriptedAgent struct {
	answers  map[string][]domain.StreamEvent
	requests []domain.AgentRequest
	err      error
}

func (a *scriptedAgent) Run(ctx context.Context, req domain.AgentRequest, sink ports.EventSink) (*domain.AgentRunResult, error) {
	a.requests = append(a.requests, req)
	if a.err != nil {
		return nil, a.err
	}
	var answer strings.Builder
	for _, event := range a.answers[req.Message] {
		if err := sink.Emit(ctx, event); err != nil {
			return nil, err
		}
		if event.Kind == domain.EventToken {
			answer.WriteString(event.Text)
		}
	}
	return &domain.AgentRunResult{Answer: answer.String(), StopReason: domain.StopAnswer}, nil
}

func TestConsoleKeepsHistoryAcrossQuestions(t *testing.T) {
	color.NoColor = true
	agent := &scriptedAgent{answers: map[string][]domain.StreamEvent{
		"How many users?": {
			{Kind: domain.EventStatus, Text: "[System: Executed query on users]"},
			{Kind: domain.EventToken, Text: "There are 42 users."},
		},
		"And orders?": {
			{Kind: domain.EventToken, Text: "7 orders.", Cached: true},
		},
	}}
	var out bytes.Buffer
	console := NewConsole(agent, strings.NewReader("How many users?\n\nAnd orders?\nexit\nignored\n"), &out)

	if err := console.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(agent.requests) != 2 {
		t.Fatalf("expected 2 agent runs, got %d", len(agent.requests))
	}
	second := agent.requests[1]
	if len(second.History) != 2 || second.History[1].Content != "There are 42 users." {
		t.Fatalf("expected first exchange in history, got %#v", second.History)
	}

	text := out.String()
	for _, want := range []string{"You: ", "Assistant: ", "[System: Executed query on users]", "[Cached Answer]\n7 orders."} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in output:\n%s", want, text)
		}
	}
	if len(console.History()) != 4 {
		t.Fatalf("expected 4 history turns, got %d", len(console.History()))
	}
}

func TestConsoleReportsErrorsAndContinues(t *testing.T) {
	color.NoColor = true
	agent := &scriptedAgent{err: errors.New("model unavailable")}
	var out bytes.Buffer
	console := NewConsole(agent, strings.NewReader("hi"), &out)

	if err := console.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "[Error]: model unavailable") {
		t.Fatalf("expected error in output:\n%s", out.String())
	}
	if len(console.History()) != 0 {
		t.Fatalf("failed questions must not enter history")
	}
}
