package domain

import "time"

type AgentLimits struct {
	MaxSteps         int           `json:"max_steps"`
	DocumentLimit    int           `json:"document_limit"`
	SchemaSampleSize int           `json:"schema_sample_size"`
	HistoryMessages  int           `json:"history_messages"`
	Timeout          time.Duration `json:"timeout"`
	ToolTimeout      time.Duration `json:"tool_timeout"`
	// SkipQuestionCaching keeps answers that end with a question (for example
	// a confirmation prompt before a write) out of the turn cache.
	SkipQuestionCaching bool `json:"skip_question_caching"`
	// SkipMutationCaching keeps answers of runs that wrote to the store out of
	// the turn cache, so a repeated request performs the write again.
	SkipMutationCaching bool `json:"skip_mutation_caching"`
}

type StopReason string

const (
	StopAnswer         StopReason = "answer"
	StopCacheHit       StopReason = "cache_hit"
	StopStepBudget     StopReason = "step_budget"
	StopTransportError StopReason = "transport_error"
	StopTimeout        StopReason = "timeout"
	StopCanceled       StopReason = "canceled"
)

type DecoderMode int

const (
	ModeVisible DecoderMode = iota
	ModeInHiddenBlock
)

func (m DecoderMode) String() string {
	if m == ModeInHiddenBlock {
		return "hidden"
	}
	return "visible"
}

// RoundState is the per-round view of one model call.
type RoundState struct {
	Index   int
	Text    string
	Visible string
	Mode    DecoderMode
	Actions []Action
}

type AgentRequest struct {
	RequestID string             `json:"request_id"`
	History   []ConversationTurn `json:"history"`
	Message   string             `json:"message"`
}

type AgentToolEvent struct {
	Tool       string `json:"tool"`
	Collection string `json:"collection,omitempty"`
	Status     string `json:"status"`
	Output     string `json:"output"`
}

type AgentRunResult struct {
	RequestID  string             `json:"request_id"`
	Answer     string             `json:"answer"`
	Rounds     int                `json:"rounds"`
	Cached     bool               `json:"cached"`
	StopReason StopReason         `json:"stop_reason"`
	ToolEvents []AgentToolEvent   `json:"tool_events"`
	Turns      []ConversationTurn `json:"turns"`
}

type StreamEventKind string

const (
	EventToken  StreamEventKind = "token"
	EventUI     StreamEventKind = "ui"
	EventStatus StreamEventKind = "status"
	EventError  StreamEventKind = "error"
)

// StreamEvent is one item of the client-facing stream. Token events carry
// visible text; UI events carry an envelope out-of-band of the text.
// Cached marks a token event replayed from the turn cache.
type StreamEvent struct {
	Kind   StreamEventKind `json:"kind"`
	Text   string          `json:"text,omitempty"`
	UI     *UIEnvelope     `json:"ui,omitempty"`
	Cached bool            `json:"cached,omitempty"`
}
