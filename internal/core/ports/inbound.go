package ports

import (
	"context"

	"github.com/kirillkom/db-agent/internal/core/domain"
)

// EventSink receives client-facing stream events in order. A returned error
// means the client is gone and the run must stop.
type EventSink interface {
	Emit(ctx context.Context, event domain.StreamEvent) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event domain.StreamEvent) error

func (f EventSinkFunc) Emit(ctx context.Context, event domain.StreamEvent) error {
	return f(ctx, event)
}

// AgentRunner is the inbound contract for one chat request.
type AgentRunner interface {
	Run(ctx context.Context, req domain.AgentRequest, sink EventSink) (*domain.AgentRunResult, error)
}

// ActionDispatcher executes a single action descriptor.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action domain.Action) domain.ToolResult
}

// TranscriptReader is the inbound read model for stored runs.
type TranscriptReader interface {
	ListRecentTranscripts(ctx context.Context, limit int) ([]domain.Transcript, error)
	GetTranscriptByRequestID(ctx context.Context, requestID string) (*domain.Transcript, error)
}

// CollectionLister exposes the database collection names.
type CollectionLister interface {
	ListCollectionNames(ctx context.Context) ([]string, error)
}
