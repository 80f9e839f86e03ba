package tools

import (
	"context"
	"strings"
)

const KnowledgeSearchName = "search_knowledge_base"

// KnowledgeSearcher returns the k document chunks closest to query.
type KnowledgeSearcher interface {
	SearchKnowledge(ctx context.Context, query string, k int) ([]string, error)
}

func SearchKnowledgeBase(s KnowledgeSearcher, topK int) Tool {
	if topK <= 0 {
		topK = 3
	}
	return Tool{
		Name: KnowledgeSearchName,
		Description: "Answers questions about the user's personal documents and knowledge base. " +
			"It is the main source for files and notes the user provided. Do not use it for general questions.",
		Schema: objectSchema([]string{"query"}, map[string]any{
			"query": stringProp("Question or keywords to look up."),
		}),
		Slow: true,
		Run: func(ctx context.Context, args Args) (string, error) {
			query, err := args.String("query")
			if err != nil {
				return "", err
			}
			if s == nil {
				return "", ErrNotAvailable
			}
			chunks, err := s.SearchKnowledge(ctx, query, topK)
			if err != nil {
				return "", err
			}
			if len(chunks) == 0 {
				return "No relevant information found in the knowledge base.", nil
			}
			return "Information found in the knowledge base:\n" + strings.Join(chunks, "\n---\n"), nil
		},
	}
}
