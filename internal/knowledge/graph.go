package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/jarvis/internal/agent"
	"github.com/ent0n29/jarvis/internal/broker"
	"github.com/ent0n29/jarvis/internal/llm"
	"github.com/ent0n29/jarvis/internal/protocol"
	"github.com/ent0n29/jarvis/internal/tools"
	"github.com/rs/zerolog"
)

var ErrNoGraphJSON = errors.New("model reply holds no graph object")

// GraphWriter merges extracted entities and relationships into the graph.
type GraphWriter interface {
	MergeGraph(ctx context.Context, g tools.Graph) error
}

// GraphBuilder turns finished conversation turns into graph updates.
type GraphBuilder struct {
	model  llm.Model
	writer GraphWriter
	log    zerolog.Logger
}

func NewGraphBuilder(model llm.Model, writer GraphWriter, log zerolog.Logger) *GraphBuilder {
	return &GraphBuilder{
		model:  model,
		writer: writer,
		log:    log.With().Str("component", "graph_builder").Logger(),
	}
}

// Handle consumes one conversation.turn message. Undecodable bodies are
// dropped; extraction and write errors are returned so the broker retries.
func (b *GraphBuilder) Handle(ctx context.Context, d broker.Delivery) error {
	var turn protocol.ConversationTurn
	if err := json.Unmarshal(d.Body, &turn); err != nil {
		b.log.Warn().Err(err).Msg("dropping undecodable conversation turn")
		return nil
	}
	_, err := b.Build(ctx, turn)
	return err
}

// Build extracts a graph from the turn and merges it. Turns that yield no
// entities write nothing.
func (b *GraphBuilder) Build(ctx context.Context, turn protocol.ConversationTurn) (tools.Graph, error) {
	text := strings.TrimSpace(turn.UserText) + ". " + strings.TrimSpace(turn.AssistantText)
	log := b.log.With().Str("job_id", turn.JobID).Logger()

	reply, err := b.model.Chat(ctx, []llm.Message{llm.User(agent.GraphPrompt(text))}, nil)
	if err != nil {
		return tools.Graph{}, fmt.Errorf("extract graph: %w", err)
	}
	g, err := ParseGraph(reply.Content)
	if err != nil {
		return tools.Graph{}, err
	}
	if len(g.Entities) == 0 {
		log.Debug().Msg("no entities in turn")
		return g, nil
	}
	if err := b.writer.MergeGraph(ctx, g); err != nil {
		return tools.Graph{}, fmt.Errorf("merge graph: %w", err)
	}
	log.Info().Int("entities", len(g.Entities)).Int("relationships", len(g.Relationships)).Msg("graph updated")
	return g, nil
}

type extractedGraph struct {
	Entities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
	Relationships []struct {
		Source string `json:"source"`
		Target string `json:"target"`
		Type   string `json:"type"`
	} `json:"relationships"`
}

// ParseGraph reads the JSON object in a model reply, ignoring any prose or
// code fences around it. Entities without a name and relationships with a
// missing field are dropped.
func ParseGraph(reply string) (tools.Graph, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return tools.Graph{}, ErrNoGraphJSON
	}
	var raw extractedGraph
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return tools.Graph{}, fmt.Errorf("%w: %v", ErrNoGraphJSON, err)
	}

	var g tools.Graph
	for _, e := range raw.Entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		label := strings.TrimSpace(e.Type)
		if label == "" {
			label = "Thing"
		}
		g.Entities = append(g.Entities, tools.Entity{Name: name, Label: label})
	}
	for _, r := range raw.Relationships {
		rel := tools.Relationship{
			Source: strings.TrimSpace(r.Source),
			Target: strings.TrimSpace(r.Target),
			Type:   strings.TrimSpace(r.Type),
		}
		if rel.Source == "" || rel.Target == "" || rel.Type == "" {
			continue
		}
		g.Relationships = append(g.Relationships, rel)
	}
	return g, nil
}
