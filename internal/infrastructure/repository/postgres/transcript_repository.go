package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/core/ports"
)

const schemaLockID int64 = 2026101801

type TranscriptRepository struct {
	db *sql.DB
}

func NewTranscriptRepository(db *sql.DB) *TranscriptRepository {
	return &TranscriptRepository{db: db}
}

var _ ports.TranscriptStore = (*TranscriptRepository)(nil)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *TranscriptRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across replicas.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS agent_transcripts (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	user_message TEXT NOT NULL,
	answer TEXT NOT NULL,
	rounds INTEGER NOT NULL,
	stop_reason TEXT NOT NULL,
	cached BOOLEAN NOT NULL DEFAULT FALSE,
	tool_events JSONB NOT NULL DEFAULT '[]'::jsonb,
	turns JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_transcripts_request_id ON agent_transcripts(request_id);
CREATE INDEX IF NOT EXISTS idx_agent_transcripts_created_at ON agent_transcripts(created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *TranscriptRepository) SaveTranscript(ctx context.Context, transcript *domain.Transcript) error {
	if transcript == nil {
		return domain.WrapError(domain.ErrInvalidInput, "save transcript", errors.New("transcript is nil"))
	}
	toolEvents := transcript.ToolEvents
	if toolEvents == nil {
		toolEvents = []domain.AgentToolEvent{}
	}
	toolEventsJSON, err := json.Marshal(toolEvents)
	if err != nil {
		return fmt.Errorf("marshal tool events: %w", err)
	}
	turns := transcript.Turns
	if turns == nil {
		turns = []domain.ConversationTurn{}
	}
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	createdAt := transcript.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO agent_transcripts (
	id, request_id, user_message, answer, rounds, stop_reason, cached, tool_events, turns, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`,
		transcript.ID, transcript.RequestID, transcript.UserMessage, transcript.Answer, transcript.Rounds,
		string(transcript.StopReason), transcript.Cached, toolEventsJSON, turnsJSON, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

const transcriptColumns = `id, request_id, user_message, answer, rounds, stop_reason, cached, tool_events, turns, created_at`

func (r *TranscriptRepository) ListRecentTranscripts(ctx context.Context, limit int) ([]domain.Transcript, error) {
	if limit <= 0 {
		return []domain.Transcript{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+transcriptColumns+`
FROM agent_transcripts
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Transcript, 0, limit)
	for rows.Next() {
		transcript, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *transcript)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}

func (r *TranscriptRepository) GetTranscriptByRequestID(ctx context.Context, requestID string) (*domain.Transcript, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+transcriptColumns+`
FROM agent_transcripts
WHERE request_id = $1
ORDER BY created_at DESC
LIMIT 1
`, requestID)

	transcript, err := scanTranscript(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get transcript", fmt.Errorf("request %s", requestID))
		}
		return nil, err
	}
	return transcript, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row rowScanner) (*domain.Transcript, error) {
	var transcript domain.Transcript
	var stopReason string
	var toolEventsRaw, turnsRaw []byte

	if err := row.Scan(
		&transcript.ID, &transcript.RequestID, &transcript.UserMessage, &transcript.Answer, &transcript.Rounds,
		&stopReason, &transcript.Cached, &toolEventsRaw, &turnsRaw, &transcript.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	if err := json.Unmarshal(toolEventsRaw, &transcript.ToolEvents); err != nil {
		return nil, fmt.Errorf("unmarshal tool events: %w", err)
	}
	if err := json.Unmarshal(turnsRaw, &transcript.Turns); err != nil {
		return nil, fmt.Errorf("unmarshal turns: %w", err)
	}
	transcript.StopReason = domain.StopReason(stopReason)
	return &transcript, nil
}
