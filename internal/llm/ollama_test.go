package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaChatParsesToolCalls(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"web_search","arguments":{"query":"clima hoje"}}}]},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL + "/", Model: "llama3"})
	msg, err := c.Chat(context.Background(),
		[]Message{System("be brief"), User("como está o tempo?"), {Role: RoleTool, Name: "web_search", Content: "sunny", ToolCallID: "call_1"}},
		[]ToolSpec{{Name: "web_search", Description: "search", Parameters: map[string]any{"type": "object"}}})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "web_search", msg.ToolCalls[0].Name)
	assert.Equal(t, "clima hoje", msg.ToolCalls[0].Args["query"])
	assert.NotEmpty(t, msg.ToolCalls[0].ID)
	assert.Equal(t, RoleAssistant, msg.Role)

	assert.Equal(t, "llama3", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "web_search", got.Messages[2].ToolName)
}

func TestOllamaChatRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":" São dez horas. "},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL})
	msg, err := c.Chat(context.Background(), []Message{User("que horas são")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "São dez horas.", msg.Content)
	assert.Empty(t, msg.ToolCalls)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOllamaChatDoesNotRetryBadRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), []Message{User("oi")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nomic-embed-text", body["model"])
		_, _ = w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, EmbedModel: "nomic-embed-text"})
	vec, err := c.Embed(context.Background(), "documento")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestMockModelEchoesLastUserMessage(t *testing.T) {
	m := NewMockModel()
	msg, err := m.Chat(context.Background(), []Message{System("x"), User("primeiro"), Assistant("ok"), User("segundo")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "I heard you: segundo", msg.Content)
}

func TestNewClientRejectsUnknownProvider(t *testing.T) {
	_, err := NewClient("gpt", OllamaConfig{})
	assert.Error(t, err)

	c, err := NewClient("mock", OllamaConfig{})
	require.NoError(t, err)
	_, ok := c.(*MockModel)
	assert.True(t, ok)
}
