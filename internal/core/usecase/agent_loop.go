package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/core/ports"
)

const (
	executionResultsHeader = "System Execution Results:"
	stepLimitNotice        = "[System: Step limit reached]"
)

type loopState int

const (
	stateStart loopState = iota
	stateStreaming
	stateExtracting
	stateDispatching
	stateContinuing
	stateFinalizing
	stateDone
)

func (s loopState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateStreaming:
		return "streaming"
	case stateExtracting:
		return "extracting"
	case stateDispatching:
		return "dispatching"
	case stateContinuing:
		return "continuing"
	case stateFinalizing:
		return "finalizing"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

type AgentLoopOptions struct {
	Broadcaster  ports.UIBroadcaster
	Transcripts  ports.TranscriptStore
	Metrics      ports.AgentMetrics
	FenceMarkers []string
}

// AgentLoop drives one chat request through bounded model/tool rounds.
type AgentLoop struct {
	transport  ports.ModelTransport
	dispatcher ports.ActionDispatcher
	prompts    ports.PromptBuilder
	cache      ports.TurnCache
	limits     domain.AgentLimits
	options    AgentLoopOptions
}

func NewAgentLoop(
	transport ports.ModelTransport,
	dispatcher ports.ActionDispatcher,
	prompts ports.PromptBuilder,
	cache ports.TurnCache,
	limits domain.AgentLimits,
	options AgentLoopOptions,
) *AgentLoop {
	if limits.MaxSteps <= 0 {
		limits.MaxSteps = 3
	}
	if limits.HistoryMessages <= 0 {
		limits.HistoryMessages = 10
	}
	if limits.Timeout <= 0 {
		limits.Timeout = 120 * time.Second
	}
	if limits.ToolTimeout <= 0 {
		limits.ToolTimeout = 30 * time.Second
	}
	if len(options.FenceMarkers) == 0 {
		options.FenceMarkers = DefaultFenceMarkers
	}

	return &AgentLoop{
		transport:  transport,
		dispatcher: dispatcher,
		prompts:    prompts,
		cache:      cache,
		limits:     limits,
		options:    options,
	}
}

// agentRun is the per-request state. It is never shared between requests.
type agentRun struct {
	loop *AgentLoop
	ctx  context.Context
	sink ports.EventSink

	requestID    string
	userMessage  string
	initial      []domain.ConversationTurn
	conversation []domain.ConversationTurn

	round       domain.RoundState
	rounds      int
	answer      string
	lastVisible string
	stop        domain.StopReason
	cached      bool
	mutated     bool
	toolEvents  []domain.AgentToolEvent
}

func (l *AgentLoop) Run(ctx context.Context, req domain.AgentRequest, sink ports.EventSink) (*domain.AgentRunResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "agent run", errors.New("message is required"))
	}
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	systemPrompt, err := l.prompts.SystemPrompt(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("build system prompt: %w", err)
	}

	initial := make([]domain.ConversationTurn, 0, len(req.History)+2)
	initial = append(initial, domain.ConversationTurn{Role: domain.RoleSystem, Content: systemPrompt})
	initial = append(initial, trimHistory(req.History, l.limits.HistoryMessages)...)
	initial = append(initial, domain.ConversationTurn{Role: domain.RoleUser, Content: message})

	loopCtx, cancel := context.WithTimeout(ctx, l.limits.Timeout)
	defer cancel()

	run := &agentRun{
		loop:         l,
		ctx:          loopCtx,
		sink:         sink,
		requestID:    requestID,
		userMessage:  message,
		initial:      initial,
		conversation: append([]domain.ConversationTurn(nil), initial...),
		toolEvents:   make([]domain.AgentToolEvent, 0, l.limits.MaxSteps),
	}

	state := stateStart
	for state != stateDone {
		next := run.step(state)
		slog.Debug("agent_state_transition",
			"request_id", requestID,
			"from", state.String(),
			"to", next.String(),
			"round", run.rounds,
		)
		state = next
	}

	// A canceled parent still gets its transcript written.
	l.finish(context.WithoutCancel(ctx), run)

	return &domain.AgentRunResult{
		RequestID:  requestID,
		Answer:     run.answer,
		Rounds:     run.rounds,
		Cached:     run.cached,
		StopReason: run.stop,
		ToolEvents: run.toolEvents,
		Turns:      run.conversation,
	}, nil
}

func (r *agentRun) step(state loopState) loopState {
	switch state {
	case stateStart:
		return r.start()
	case stateStreaming:
		return r.stream()
	case stateExtracting:
		return r.extract()
	case stateDispatching:
		return r.dispatch()
	case stateContinuing:
		return stateStreaming
	case stateFinalizing:
		return r.finalize()
	default:
		return stateDone
	}
}

func (r *agentRun) start() loopState {
	cached, ok := r.loop.cache.Get(r.initial)
	r.recordCacheLookup(ok)
	if !ok {
		return stateStreaming
	}

	r.cached = true
	r.answer = cached
	r.stop = domain.StopCacheHit
	if err := r.emit(domain.StreamEvent{Kind: domain.EventToken, Text: cached, Cached: true}); err != nil {
		r.stop = domain.StopCanceled
	}
	return stateDone
}

func (r *agentRun) stream() loopState {
	if r.interrupted() {
		return stateFinalizing
	}
	if r.rounds >= r.loop.limits.MaxSteps {
		r.stop = domain.StopStepBudget
		return stateFinalizing
	}
	r.rounds++

	decoder := NewStreamDecoder(r.loop.options.FenceMarkers...)
	var visible strings.Builder
	var sinkErr error
	forward := func(text string) error {
		if text == "" {
			return nil
		}
		visible.WriteString(text)
		if err := r.emit(domain.StreamEvent{Kind: domain.EventToken, Text: text}); err != nil {
			sinkErr = err
			return err
		}
		return nil
	}

	err := r.loop.transport.StreamCompletion(r.ctx, r.conversation, func(fragment string) error {
		shown, _ := decoder.Push(fragment)
		return forward(shown)
	})
	if err == nil {
		err = forward(decoder.Flush())
	}

	r.round = domain.RoundState{
		Index:   r.rounds,
		Text:    decoder.Text(),
		Visible: visible.String(),
		Mode:    decoder.Mode(),
	}
	r.lastVisible = r.round.Visible

	if err != nil {
		switch {
		case sinkErr != nil:
			r.stop = domain.StopCanceled
		case r.interrupted():
		default:
			r.stop = domain.StopTransportError
			slog.Error("agent_transport_failed",
				"request_id", r.requestID,
				"round", r.rounds,
				"error", err,
			)
			_ = r.emit(domain.StreamEvent{Kind: domain.EventError, Text: sanitizeToolError(err.Error())})
		}
		return stateFinalizing
	}
	return stateExtracting
}

func (r *agentRun) extract() loopState {
	r.round.Actions = ExtractActions(r.round.Text)
	slog.Info("agent_round",
		"request_id", r.requestID,
		"round", r.round.Index,
		"mode", r.round.Mode.String(),
		"actions", len(r.round.Actions),
		"text_bytes", len(r.round.Text),
	)
	if len(r.round.Actions) > 0 {
		return stateDispatching
	}

	r.answer = r.round.Visible
	r.stop = domain.StopAnswer
	if r.cacheable() {
		r.loop.cache.Set(r.initial, r.answer)
	}
	r.conversation = append(r.conversation, domain.ConversationTurn{Role: domain.RoleAssistant, Content: r.round.Text})
	return stateDone
}

func (r *agentRun) dispatch() loopState {
	r.conversation = append(r.conversation, domain.ConversationTurn{Role: domain.RoleAssistant, Content: r.round.Text})

	summaries := make([]string, 0, len(r.round.Actions))
	for _, action := range r.round.Actions {
		if r.interrupted() {
			return stateFinalizing
		}

		toolCtx, cancel := context.WithTimeout(r.ctx, r.loop.limits.ToolTimeout)
		result := r.loop.dispatcher.Dispatch(toolCtx, action)
		cancel()

		r.recordToolResult(action, result)
		summaries = append(summaries, fmt.Sprintf("- %s: %s", result.Label(), result.Summary()))

		if result.UI != nil {
			if err := r.emit(domain.StreamEvent{Kind: domain.EventUI, UI: result.UI}); err != nil {
				r.stop = domain.StopCanceled
				return stateFinalizing
			}
			r.broadcast(*result.UI)
			continue
		}
		if err := r.emit(domain.StreamEvent{Kind: domain.EventStatus, Text: statusText(action, result)}); err != nil {
			r.stop = domain.StopCanceled
			return stateFinalizing
		}
	}

	r.conversation = append(r.conversation, domain.ConversationTurn{
		Role:    domain.RoleUser,
		Content: executionResultsHeader + "\n" + strings.Join(summaries, "\n"),
	})
	return stateContinuing
}

func (r *agentRun) finalize() loopState {
	if r.answer == "" {
		r.answer = r.lastVisible
	}
	if r.stop == "" {
		r.stop = domain.StopCanceled
	}
	if r.stop == domain.StopStepBudget {
		_ = r.emit(domain.StreamEvent{Kind: domain.EventStatus, Text: stepLimitNotice})
	}
	return stateDone
}

// interrupted reports whether the run must stop issuing work, and records why.
func (r *agentRun) interrupted() bool {
	if r.ctx.Err() == nil {
		return false
	}
	if r.stop == "" {
		if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
			r.stop = domain.StopTimeout
		} else {
			r.stop = domain.StopCanceled
		}
	}
	return true
}

func (r *agentRun) cacheable() bool {
	if strings.TrimSpace(r.answer) == "" {
		return false
	}
	if r.mutated && r.loop.limits.SkipMutationCaching {
		return false
	}
	if r.loop.limits.SkipQuestionCaching && strings.HasSuffix(strings.TrimSpace(r.answer), "?") {
		return false
	}
	return true
}

func (r *agentRun) emit(event domain.StreamEvent) error {
	if r.sink == nil {
		return nil
	}
	return r.sink.Emit(r.ctx, event)
}

func (r *agentRun) broadcast(envelope domain.UIEnvelope) {
	if r.loop.options.Broadcaster == nil {
		return
	}
	if err := r.loop.options.Broadcaster.PublishUIDispatch(r.ctx, r.requestID, envelope); err != nil {
		slog.Warn("ui_broadcast_failed",
			"request_id", r.requestID,
			"target", envelope.Target,
			"error", err,
		)
	}
}

func (r *agentRun) recordToolResult(action domain.Action, result domain.ToolResult) {
	status := "ok"
	if !result.OK() {
		status = "error"
	}
	if result.OK() {
		if op, ok := action.(domain.DataOperation); ok && op.IsMutation() {
			r.mutated = true
		}
	}
	r.toolEvents = append(r.toolEvents, domain.AgentToolEvent{
		Tool:       string(result.Action),
		Collection: result.Collection,
		Status:     status,
		Output:     result.Summary(),
	})
	if r.loop.options.Metrics != nil {
		r.loop.options.Metrics.RecordAgentToolCall(string(result.Action), status)
	}
	slog.Info("tool_dispatch",
		"request_id", r.requestID,
		"round", r.rounds,
		"action", string(result.Action),
		"collection", result.Collection,
		"status", status,
	)
}

func (r *agentRun) recordCacheLookup(hit bool) {
	if r.loop.options.Metrics != nil {
		r.loop.options.Metrics.RecordCacheLookup(hit)
	}
}

func (l *AgentLoop) finish(ctx context.Context, run *agentRun) {
	if l.options.Metrics != nil {
		l.options.Metrics.RecordAgentRun(string(run.stop), run.rounds)
	}
	slog.Info("agent_run_finished",
		"request_id", run.requestID,
		"rounds", run.rounds,
		"stop_reason", string(run.stop),
		"cached", run.cached,
		"tool_calls", len(run.toolEvents),
	)

	if l.options.Transcripts == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	transcript := &domain.Transcript{
		ID:          uuid.NewString(),
		RequestID:   run.requestID,
		UserMessage: run.userMessage,
		Answer:      run.answer,
		Rounds:      run.rounds,
		StopReason:  run.stop,
		Cached:      run.cached,
		ToolEvents:  run.toolEvents,
		Turns:       run.conversation,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.options.Transcripts.SaveTranscript(saveCtx, transcript); err != nil {
		slog.Warn("transcript_save_failed", "request_id", run.requestID, "error", err)
	}
}

// trimHistory keeps the last limit user/assistant turns with content.
// Client-supplied system turns are dropped.
func trimHistory(history []domain.ConversationTurn, limit int) []domain.ConversationTurn {
	out := make([]domain.ConversationTurn, 0, len(history))
	for _, turn := range history {
		if turn.Role != domain.RoleUser && turn.Role != domain.RoleAssistant {
			continue
		}
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		out = append(out, turn)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func statusText(action domain.Action, result domain.ToolResult) string {
	if !result.OK() {
		return fmt.Sprintf("[System: %s failed]", result.Label())
	}
	switch a := action.(type) {
	case domain.SchemaProbe:
		return "[System: Schema Fetched]"
	case domain.DataOperation:
		if a.Op == domain.ActionQuery {
			return fmt.Sprintf("[System: Executed query on %s]", a.Collection)
		}
		return fmt.Sprintf("[System: Executed %s on %s]", a.Op, a.Collection)
	default:
		return fmt.Sprintf("[System: %s]", result.Label())
	}
}
