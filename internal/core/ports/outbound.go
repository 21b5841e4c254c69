package ports

import (
	"context"

	"github.com/kirillkom/db-agent/internal/core/domain"
)

// ModelTransport streams completions from a chat model.
// StreamCompletion calls onFragment for every text fragment in emission order
// and stops early when onFragment returns an error.
type ModelTransport interface {
	StreamCompletion(ctx context.Context, turns []domain.ConversationTurn, onFragment func(string) error) error
	CompleteOnce(ctx context.Context, turns []domain.ConversationTurn) (string, error)
}

// SchemaIntrospector lists collections and infers field types from samples.
type SchemaIntrospector interface {
	ListCollectionNames(ctx context.Context) ([]string, error)
	Probe(ctx context.Context, collection string, sampleSize int) (map[string]string, error)
}

// DataStore executes data operations against the document database.
// Returned documents are driver-native maps.
type DataStore interface {
	Find(ctx context.Context, collection string, filter, projection map[string]any, limit int) ([]map[string]any, error)
	Count(ctx context.Context, collection string, filter map[string]any) (int64, error)
	Aggregate(ctx context.Context, collection string, pipeline []any, limit int) ([]map[string]any, error)
	InsertOne(ctx context.Context, collection string, document map[string]any) (any, error)
	UpdateMany(ctx context.Context, collection string, filter, update map[string]any) (matched int64, modified int64, err error)
	DeleteMany(ctx context.Context, collection string, filter map[string]any) (int64, error)
}

// UIBroadcaster publishes UI envelopes to listeners outside the request.
type UIBroadcaster interface {
	PublishUIDispatch(ctx context.Context, requestID string, envelope domain.UIEnvelope) error
}

// TurnCache memoizes terminal answers by conversation prefix.
type TurnCache interface {
	Get(turns []domain.ConversationTurn) (string, bool)
	Set(turns []domain.ConversationTurn, response string)
}

// TranscriptStore persists completed agent runs.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, transcript *domain.Transcript) error
	ListRecentTranscripts(ctx context.Context, limit int) ([]domain.Transcript, error)
}

// PromptBuilder renders the system prompt for a user message.
type PromptBuilder interface {
	SystemPrompt(ctx context.Context, userMessage string) (string, error)
}

// AgentMetrics receives loop observations.
type AgentMetrics interface {
	RecordAgentRun(status string, rounds int)
	RecordAgentToolCall(tool, status string)
	RecordCacheLookup(hit bool)
}
