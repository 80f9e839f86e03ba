// Package memory persists conversations, user facts and the tool catalog.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/jarvis/internal/llm"
	"github.com/ent0n29/jarvis/internal/tools"
)

var (
	ErrNoMessage     = errors.New("no persisted user message for this conversation")
	ErrUnknownTool   = errors.New("tool not in catalog")
	ErrNoVectorIndex = errors.New("vector index unavailable")
)

// Turn is one persisted user or assistant message.
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Transcript is a finished conversation waiting to be summarized.
type Transcript struct {
	SessionID string
	Username  string
	Turns     []Turn
}

// Store is the persistence backend. Sessions are keyed by job id and owned
// by a single configured user.
type Store interface {
	Open(ctx context.Context, sessionID string) (Conversation, error)
	UserFacts(ctx context.Context, username string) ([]string, error)
	SyncTools(ctx context.Context, specs []tools.Spec) error
	UnsummarizedSessions(ctx context.Context, limit int) ([]Transcript, error)
	CompleteSummary(ctx context.Context, sessionID, summary string, facts []string) error
	Close() error
}

// Conversation is scoped to one session. It doubles as the tool usage sink
// for the job, keyed by the last saved user message.
type Conversation interface {
	tools.UsageSink
	SessionID() string
	History(ctx context.Context, limit int) ([]llm.Message, error)
	SaveTurn(ctx context.Context, role llm.Role, content string) (int64, error)
	MessageID() int64
}

// mergeFacts appends new facts that are not already known, keeping order.
func mergeFacts(current, next []string) []string {
	seen := make(map[string]struct{}, len(current)+len(next))
	out := make([]string, 0, len(current)+len(next))
	for _, group := range [][]string{current, next} {
		for _, f := range group {
			if _, ok := seen[f]; ok || f == "" {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

func historyMessages(turns []Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}
