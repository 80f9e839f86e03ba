package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainText(t *testing.T) {
	out, changed := RedactPII("que horas são")
	if changed {
		t.Fatalf("changed = true, want false")
	}
	if out != "que horas são" {
		t.Fatalf("out = %q", out)
	}
}

func TestRedactArgsNested(t *testing.T) {
	args := map[string]any{
		"query": "mail igor@example.com",
		"limit": 5,
		"filters": map[string]any{
			"to": []any{"ana@example.com", 3},
		},
	}
	out := RedactArgs(args)

	assert.Equal(t, "mail [REDACTED_EMAIL]", out["query"])
	assert.Equal(t, 5, out["limit"])
	assert.Equal(t, []any{"[REDACTED_EMAIL]", 3}, out["filters"].(map[string]any)["to"])
	assert.Equal(t, "mail igor@example.com", args["query"], "input must not be mutated")
	assert.Nil(t, RedactArgs(nil))
}
