package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockModel replies deterministically without a model server.
type MockModel struct{}

func NewMockModel() *MockModel { return &MockModel{} }

func (m *MockModel) Chat(ctx context.Context, messages []Message, _ []ToolSpec) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	default:
	}

	input := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			input = strings.TrimSpace(messages[i].Content)
			break
		}
	}
	if input == "" {
		input = "I am listening."
	}
	return Assistant(fmt.Sprintf("I heard you: %s", input)), nil
}

// Embed returns a small deterministic vector derived from the text bytes.
func (m *MockModel) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for i, b := range []byte(text) {
		vec[i%len(vec)] += float32(b) / 255
	}
	return vec, nil
}
