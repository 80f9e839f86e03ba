package summarizer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/jarvis/internal/agent"
	"github.com/ent0n29/jarvis/internal/llm"
	"github.com/ent0n29/jarvis/internal/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedModel struct {
	mu      sync.Mutex
	answer  string
	err     error
	prompts []string
}

func (m *fixedModel) Chat(_ context.Context, msgs []llm.Message, _ []llm.ToolSpec) (llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, msgs[len(msgs)-1].Content)
	if m.err != nil {
		return llm.Message{}, m.err
	}
	return llm.Assistant(m.answer), nil
}

func (m *fixedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func seed(t *testing.T, store *memory.InMemoryStore, session string, turns ...string) {
	t.Helper()
	ctx := context.Background()
	conv, err := store.Open(ctx, session)
	require.NoError(t, err)
	for i, text := range turns {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		_, err := conv.SaveTurn(ctx, role, text)
		require.NoError(t, err)
	}
}

func TestParseFacts(t *testing.T) {
	assert.Equal(t, []string{"The user's name is Igor.", "Prefers short answers."},
		ParseFacts("- The user's name is Igor.\n\n* Prefers short answers.\n"))
	assert.Nil(t, ParseFacts(agent.NoFactsReply))
	assert.Nil(t, ParseFacts("  "))
}

func TestFormatTranscript(t *testing.T) {
	got := FormatTranscript([]memory.Turn{
		{Role: llm.RoleUser, Content: " my name is Igor "},
		{Role: llm.RoleAssistant, Content: "Nice to meet you."},
	})
	assert.Equal(t, "User: my name is Igor\nAssistant: Nice to meet you.", got)
}

func TestRunOnceMergesFactsAndMarksSessions(t *testing.T) {
	store := memory.NewInMemoryStore("igor")
	seed(t, store, "s1", "my name is Igor", "Nice to meet you.")
	seed(t, store, "s2", "I like short answers", "Noted.")
	seed(t, store, "empty")

	model := &fixedModel{answer: "- The user's name is Igor.\n- Prefers short answers."}
	s := New(store, model, zerolog.Nop())

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Sessions: 2, Facts: 4}, rep)
	assert.True(t, strings.Contains(strings.Join(model.prompts, "\n"), "User: my name is Igor\nAssistant: Nice to meet you."))

	facts, err := store.UserFacts(context.Background(), "igor")
	require.NoError(t, err)
	assert.Equal(t, []string{"The user's name is Igor.", "Prefers short answers."}, facts)

	rep, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
	assert.Equal(t, 2, model.calls())
}

func TestRunOnceNoFactsStillCompletes(t *testing.T) {
	store := memory.NewInMemoryStore("igor")
	seed(t, store, "s1", "hello", "hi")
	rep, err := New(store, &fixedModel{answer: agent.NoFactsReply}, zerolog.Nop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Sessions: 1}, rep)

	pending, err := store.UnsummarizedSessions(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunOnceModelFailureLeavesSessionPending(t *testing.T) {
	store := memory.NewInMemoryStore("igor")
	seed(t, store, "s1", "hello", "hi")
	rep, err := New(store, &fixedModel{err: errors.New("timeout")}, zerolog.Nop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Failed: 1}, rep)

	pending, err := store.UnsummarizedSessions(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRunRejectsBadSchedule(t *testing.T) {
	s := New(memory.NewInMemoryStore("igor"), &fixedModel{}, zerolog.Nop())
	err := s.Run(context.Background(), "every now and then")
	require.Error(t, err)
}

func TestRunFiresOnSchedule(t *testing.T) {
	store := memory.NewInMemoryStore("igor")
	seed(t, store, "s1", "hello", "hi")
	model := &fixedModel{answer: "- Says hello."}
	s := New(store, model, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "@every 1s") }()

	require.Eventually(t, func() bool { return model.calls() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
