package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const KnowledgeGraphName = "query_knowledge_graph"

type Entity struct {
	Name  string
	Label string
}

type Relationship struct {
	Source string
	Target string
	Type   string
}

// Graph is a batch of entities and the relationships between them.
type Graph struct {
	Entities      []Entity
	Relationships []Relationship
}

// GraphSearcher finds remembered entities whose name matches.
type GraphSearcher interface {
	FindEntities(ctx context.Context, name string, limit int) ([]Entity, error)
}

// Neo4jGraph searches (:Entity {name, label}) nodes.
type Neo4jGraph struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jGraph(ctx context.Context, uri, user, password string) (*Neo4jGraph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Neo4jGraph{driver: driver}, nil
}

const findEntitiesQuery = `MATCH (n:Entity) WHERE n.name =~ $name
RETURN n.name AS name, n.label AS label LIMIT $limit`

func (g *Neo4jGraph) FindEntities(ctx context.Context, name string, limit int) ([]Entity, error) {
	params := map[string]any{
		"name":  "(?i).*" + regexp.QuoteMeta(name) + ".*",
		"limit": limit,
	}
	result, err := neo4j.ExecuteQuery(ctx, g.driver, findEntitiesQuery, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	out := make([]Entity, 0, len(result.Records))
	for _, rec := range result.Records {
		var e Entity
		if v, ok := rec.Get("name"); ok && v != nil {
			e.Name = fmt.Sprint(v)
		}
		if v, ok := rec.Get("label"); ok && v != nil {
			e.Label = fmt.Sprint(v)
		}
		out = append(out, e)
	}
	return out, nil
}

const (
	mergeEntityQuery       = `MERGE (n:Entity {name: $name, label: $label})`
	mergeRelationshipQuery = `MATCH (a:Entity {name: $source})
MATCH (b:Entity {name: $target})
MERGE (a)-[r:RELATIONSHIP {type: $type}]->(b)`
)

// MergeGraph writes graph in one transaction. Relationships whose endpoints
// are not known entities match nothing and are skipped by the server.
func (g *Neo4jGraph) MergeGraph(ctx context.Context, graph Graph) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, e := range graph.Entities {
			if _, err := tx.Run(ctx, mergeEntityQuery, map[string]any{"name": e.Name, "label": e.Label}); err != nil {
				return nil, fmt.Errorf("merge entity %s: %w", e.Name, err)
			}
		}
		for _, r := range graph.Relationships {
			params := map[string]any{"source": r.Source, "target": r.Target, "type": r.Type}
			if _, err := tx.Run(ctx, mergeRelationshipQuery, params); err != nil {
				return nil, fmt.Errorf("merge relationship %s->%s: %w", r.Source, r.Target, err)
			}
		}
		return nil, nil
	})
	return err
}

func (g *Neo4jGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func QueryKnowledgeGraph(g GraphSearcher) Tool {
	return Tool{
		Name: KnowledgeGraphName,
		Description: "Answers questions about entities and their relations mentioned in past conversations, " +
			"e.g. 'What do you know about Project X?'. The query is the entity name.",
		Schema: objectSchema([]string{"query"}, map[string]any{
			"query": stringProp("Entity to look up."),
		}),
		Run: func(ctx context.Context, args Args) (string, error) {
			name, err := args.String("query")
			if err != nil {
				return "", err
			}
			if g == nil {
				return "", ErrNotAvailable
			}
			entities, err := g.FindEntities(ctx, name, 10)
			if err != nil {
				return "", err
			}
			if len(entities) == 0 {
				return fmt.Sprintf("No entity named '%s' found in memory.", name), nil
			}
			var b strings.Builder
			b.WriteString("Entities found in memory:\n")
			for _, e := range entities {
				fmt.Fprintf(&b, "- %s (Type: %s)\n", e.Name, e.Label)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}
