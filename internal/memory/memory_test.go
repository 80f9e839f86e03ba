package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ent0n29/jarvis/internal/llm"
	"github.com/ent0n29/jarvis/internal/tools"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeFactsDeduplicatesInOrder(t *testing.T) {
	got := mergeFacts([]string{"likes tea", "lives in Lisbon"}, []string{"lives in Lisbon", "", "works on Jarvis"})
	assert.Equal(t, []string{"likes tea", "lives in Lisbon", "works on Jarvis"}, got)
}

func TestDecodeFacts(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, decodeFacts([]byte(`["a","b"]`)))
	assert.Equal(t, []string{"city: Porto"}, decodeFacts([]byte(`{"city":"Porto"}`)))
	assert.Nil(t, decodeFacts([]byte(`42`)))
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[0.5,-1,0.25]", vectorLiteral([]float32{0.5, -1, 0.25}))
}

func TestInMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewInMemoryStore("igor"), "igor")
}

func TestInMemoryUsageLogRequiresMessageAndCatalog(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore("igor")
	conv, err := s.Open(ctx, "job-1")
	require.NoError(t, err)

	rec := tools.UsageRecord{Tool: "web_search", Status: "success", Duration: time.Second}
	require.ErrorIs(t, conv.LogToolUsage(ctx, rec), ErrNoMessage)

	_, err = conv.SaveTurn(ctx, llm.RoleUser, "weather?")
	require.NoError(t, err)
	require.ErrorIs(t, conv.LogToolUsage(ctx, rec), ErrUnknownTool)

	require.NoError(t, s.SyncTools(ctx, []tools.Spec{{Name: "web_search"}}))
	require.NoError(t, conv.LogToolUsage(ctx, rec))

	usage := s.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, conv.MessageID(), usage[0].MessageID)
	assert.Equal(t, []string{"web_search"}, s.Catalog())
}

func TestPostgresStoreContract(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	username := "test-" + uuid.NewString()[:8]
	s, err := NewPostgresStore(context.Background(), PostgresConfig{
		DatabaseURL:     url,
		Username:        username,
		ConnectAttempts: 1,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runStoreContract(t, s, username)

	err = s.ReplaceKnowledge(context.Background(), "notes.md", []string{"chunk"})
	assert.ErrorIs(t, err, ErrNoVectorIndex, "no embedder configured")
}

func runStoreContract(t *testing.T, s Store, username string) {
	t.Helper()
	ctx := context.Background()
	session := "job-" + uuid.NewString()

	conv, err := s.Open(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, session, conv.SessionID())

	hist, err := conv.History(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, hist)

	userID, err := conv.SaveTurn(ctx, llm.RoleUser, "que horas são")
	require.NoError(t, err)
	assert.Equal(t, userID, conv.MessageID())
	_, err = conv.SaveTurn(ctx, llm.RoleAssistant, "São dez horas.")
	require.NoError(t, err)
	assert.Equal(t, userID, conv.MessageID(), "assistant turns do not move the message id")

	reopened, err := s.Open(ctx, session)
	require.NoError(t, err)
	hist, err = reopened.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, llm.RoleUser, hist[0].Role)
	assert.Equal(t, "São dez horas.", hist[1].Content)

	last, err := reopened.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, llm.RoleAssistant, last[0].Role)

	require.NoError(t, s.SyncTools(ctx, []tools.Spec{{Name: "list_directory", Description: "lists", Schema: map[string]any{"type": "object"}}}))
	require.NoError(t, conv.LogToolUsage(ctx, tools.UsageRecord{Tool: "list_directory", Status: "success"}))

	pending, err := s.UnsummarizedSessions(ctx, 1000)
	require.NoError(t, err)
	var found *Transcript
	for i := range pending {
		if pending[i].SessionID == session {
			found = &pending[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, username, found.Username)
	assert.Len(t, found.Turns, 2)

	require.NoError(t, s.CompleteSummary(ctx, session, "- Speaks Portuguese", []string{"Speaks Portuguese"}))
	facts, err := s.UserFacts(ctx, username)
	require.NoError(t, err)
	assert.Contains(t, facts, "Speaks Portuguese")

	pending, err = s.UnsummarizedSessions(ctx, 1000)
	require.NoError(t, err)
	for _, p := range pending {
		assert.NotEqual(t, session, p.SessionID)
	}
}

func TestInMemoryKnowledgeSearch(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore("igor")

	require.NoError(t, s.ReplaceKnowledge(ctx, "projects.md", []string{
		"Jarvis Mark II runs on a Raspberry Pi in the lab.",
		"The lab budget review happens every March.",
	}))
	require.NoError(t, s.ReplaceKnowledge(ctx, "recipes.md", []string{"Bake the bread for forty minutes."}))

	got, err := s.SearchKnowledge(ctx, "Where does Jarvis run in our lab?", 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Jarvis Mark II runs on a Raspberry Pi in the lab.", got[0])

	got, err = s.SearchKnowledge(ctx, "quantum chromodynamics", 3)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Reindexing a source replaces its previous chunks.
	require.NoError(t, s.ReplaceKnowledge(ctx, "projects.md", []string{"Jarvis moved to the cloud."}))
	got, err = s.SearchKnowledge(ctx, "Raspberry", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}
