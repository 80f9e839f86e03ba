package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/jarvis/internal/llm"
	"github.com/ent0n29/jarvis/internal/reliability"
	"github.com/ent0n29/jarvis/internal/tools"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const pingInterval = 1500 * time.Millisecond

type PostgresConfig struct {
	DatabaseURL     string
	Username        string
	ConnectAttempts int
	// Embedder enables knowledge_chunks similarity search when set.
	Embedder llm.Embedder
}

// PostgresStore persists conversational memory in PostgreSQL.
type PostgresStore struct {
	pool     *pgxpool.Pool
	username string
	embedder llm.Embedder
	vectors  bool
	log      zerolog.Logger
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig, log zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	log = log.With().Str("component", "memory").Logger()

	err = reliability.Retry(ctx, cfg.ConnectAttempts, pingInterval, pingInterval,
		func(attempt int, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("postgres not ready")
		},
		func(ctx context.Context) error { return pool.Ping(ctx) },
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, username: cfg.Username, embedder: cfg.Embedder, log: log}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			preferences JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			session_id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(user_id),
			start_time TIMESTAMPTZ NOT NULL DEFAULT now(),
			summary TEXT,
			is_summarized BOOLEAN NOT NULL DEFAULT FALSE
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_history (
			message_id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES conversation_sessions(session_id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_session ON conversation_history (session_id, message_id);`,
		`CREATE TABLE IF NOT EXISTS tools (
			tool_id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL,
			parameters_schema JSONB,
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS tool_usage_logs (
			log_id BIGSERIAL PRIMARY KEY,
			message_id BIGINT NOT NULL REFERENCES conversation_history(message_id),
			tool_id BIGINT NOT NULL REFERENCES tools(tool_id),
			call_parameters JSONB,
			output TEXT,
			status TEXT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}

	// The knowledge base needs pgvector; without it the store still works.
	vectorStmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			chunk_id BIGSERIAL PRIMARY KEY,
			source_path TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(768) NOT NULL
		);`,
	}
	for _, stmt := range vectorStmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			s.log.Warn().Err(err).Msg("vector extension unavailable, knowledge search disabled")
			return nil
		}
	}
	s.vectors = true
	return nil
}

func (s *PostgresStore) Open(ctx context.Context, sessionID string) (Conversation, error) {
	_, err := s.pool.Exec(ctx,
		`WITH u AS (
			INSERT INTO users (username) VALUES ($2)
			ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
			RETURNING user_id
		)
		INSERT INTO conversation_sessions (session_id, user_id)
		SELECT $1, user_id FROM u
		ON CONFLICT (session_id) DO NOTHING`,
		sessionID, s.username,
	)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", sessionID, err)
	}
	return &pgConversation{store: s, sessionID: sessionID}, nil
}

func (s *PostgresStore) UserFacts(ctx context.Context, username string) ([]string, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT preferences FROM users WHERE username=$1`, username).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user facts: %w", err)
	}
	return decodeFacts(raw), nil
}

// decodeFacts accepts a JSON list of strings or a JSON object of any values.
func decodeFacts(raw []byte) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	out := make([]string, 0, len(obj))
	for k, v := range obj {
		out = append(out, fmt.Sprintf("%s: %v", k, v))
	}
	return out
}

func (s *PostgresStore) SyncTools(ctx context.Context, specs []tools.Spec) error {
	batch := &pgx.Batch{}
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return fmt.Errorf("encode schema of %s: %w", spec.Name, err)
		}
		batch.Queue(
			`INSERT INTO tools (name, description, parameters_schema) VALUES ($1, $2, $3::jsonb)
			 ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description,
			 parameters_schema = EXCLUDED.parameters_schema, is_enabled = TRUE`,
			spec.Name, spec.Description, string(schema),
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("sync tools: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnsummarizedSessions(ctx context.Context, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT s.session_id, u.username FROM conversation_sessions s
		 JOIN users u ON u.user_id = s.user_id
		 WHERE NOT s.is_summarized
		   AND EXISTS (SELECT 1 FROM conversation_history h WHERE h.session_id = s.session_id)
		 ORDER BY s.start_time LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unsummarized sessions: %w", err)
	}
	var out []Transcript
	for rows.Next() {
		var t Transcript
		if err := rows.Scan(&t.SessionID, &t.Username); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	for i := range out {
		turns, err := s.turns(ctx, out[i].SessionID, 0)
		if err != nil {
			return nil, err
		}
		out[i].Turns = turns
	}
	return out, nil
}

func (s *PostgresStore) CompleteSummary(ctx context.Context, sessionID, summary string, facts []string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var userID int64
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT u.user_id, u.preferences FROM users u
			 JOIN conversation_sessions s ON s.user_id = u.user_id
			 WHERE s.session_id=$1 FOR UPDATE OF u`,
			sessionID,
		).Scan(&userID, &raw)
		if err != nil {
			return fmt.Errorf("load session user %s: %w", sessionID, err)
		}
		merged, err := json.Marshal(mergeFacts(decodeFacts(raw), facts))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET preferences=$2::jsonb WHERE user_id=$1`, userID, string(merged)); err != nil {
			return fmt.Errorf("update preferences: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversation_sessions SET is_summarized=TRUE, summary=$2 WHERE session_id=$1`,
			sessionID, summary,
		); err != nil {
			return fmt.Errorf("mark session summarized: %w", err)
		}
		return nil
	})
}

// SearchKnowledge returns the k chunks nearest to the query embedding.
func (s *PostgresStore) SearchKnowledge(ctx context.Context, query string, k int) ([]string, error) {
	if !s.vectors || s.embedder == nil {
		return nil, ErrNoVectorIndex
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT content FROM knowledge_chunks ORDER BY embedding <-> $1::vector LIMIT $2`,
		vectorLiteral(vec), k,
	)
	if err != nil {
		return nil, fmt.Errorf("query knowledge chunks: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan knowledge chunks: %w", err)
	}
	return chunks, nil
}

// ReplaceKnowledge embeds chunks and swaps them in for every chunk
// previously stored under source.
func (s *PostgresStore) ReplaceKnowledge(ctx context.Context, source string, chunks []string) error {
	if !s.vectors || s.embedder == nil {
		return ErrNoVectorIndex
	}
	vectors := make([]string, len(chunks))
	for i, chunk := range chunks {
		vec, err := s.embedder.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("embed chunk %d of %s: %w", i, source, err)
		}
		vectors[i] = vectorLiteral(vec)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM knowledge_chunks WHERE source_path=$1`, source); err != nil {
			return fmt.Errorf("delete chunks of %s: %w", source, err)
		}
		batch := &pgx.Batch{}
		for i, chunk := range chunks {
			batch.Queue(`INSERT INTO knowledge_chunks (source_path, content, embedding) VALUES ($1, $2, $3::vector)`,
				source, chunk, vectors[i])
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert chunks of %s: %w", source, err)
		}
		return nil
	})
}

func vectorLiteral(vec []float32) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s *PostgresStore) turns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	query := `SELECT message_id, session_id, role, content, created_at FROM (
		SELECT * FROM conversation_history WHERE session_id=$1 ORDER BY message_id DESC LIMIT $2
	) recent ORDER BY message_id`
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, query, sessionID, lim)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&t.ID, &t.SessionID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		t.Role = llm.Role(role)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgConversation struct {
	store     *PostgresStore
	sessionID string
	messageID int64
}

func (c *pgConversation) SessionID() string { return c.sessionID }
func (c *pgConversation) MessageID() int64  { return c.messageID }

func (c *pgConversation) History(ctx context.Context, limit int) ([]llm.Message, error) {
	turns, err := c.store.turns(ctx, c.sessionID, limit)
	if err != nil {
		return nil, err
	}
	return historyMessages(turns), nil
}

// SaveTurn is called from the job goroutine only, so messageID needs no lock.
func (c *pgConversation) SaveTurn(ctx context.Context, role llm.Role, content string) (int64, error) {
	var id int64
	err := c.store.pool.QueryRow(ctx,
		`INSERT INTO conversation_history (session_id, role, content) VALUES ($1, $2, $3) RETURNING message_id`,
		c.sessionID, string(role), content,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save turn: %w", err)
	}
	if role == llm.RoleUser {
		c.messageID = id
	}
	return id, nil
}

func (c *pgConversation) LogToolUsage(ctx context.Context, rec tools.UsageRecord) error {
	if c.messageID == 0 {
		return ErrNoMessage
	}
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("encode tool args: %w", err)
	}
	tag, err := c.store.pool.Exec(ctx,
		`INSERT INTO tool_usage_logs (message_id, tool_id, call_parameters, output, status, duration_ms)
		 SELECT $1, tool_id, $3::jsonb, $4, $5, $6 FROM tools WHERE name=$2`,
		c.messageID, rec.Tool, string(args), rec.Output, rec.Status, rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("log tool usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTool, rec.Tool)
	}
	return nil
}
