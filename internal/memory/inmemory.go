package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/ent0n29/jarvis/internal/llm"
	"github.com/ent0n29/jarvis/internal/tools"
)

// UsageEntry is a recorded tool invocation.
type UsageEntry struct {
	MessageID int64
	tools.UsageRecord
}

type memSession struct {
	id         string
	username   string
	started    time.Time
	turns      []Turn
	summarized bool
	summary    string
}

// InMemoryStore is a simple in-process memory store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	username string
	nextID   int64
	sessions map[string]*memSession
	facts    map[string][]string
	catalog  map[string]tools.Spec
	usage    []UsageEntry
	// knowledge holds document chunks by source path.
	knowledge map[string][]string
}

func NewInMemoryStore(username string) *InMemoryStore {
	return &InMemoryStore{
		username: username,
		sessions: make(map[string]*memSession),
		facts:    make(map[string][]string),
		catalog:  make(map[string]tools.Spec),

		knowledge: make(map[string][]string),
	}
}

func (s *InMemoryStore) Open(_ context.Context, sessionID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.sessions[sessionID] = &memSession{id: sessionID, username: s.username, started: time.Now().UTC()}
	}
	return &memConversation{store: s, sessionID: sessionID}, nil
}

func (s *InMemoryStore) UserFacts(_ context.Context, username string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.facts[username]...), nil
}

func (s *InMemoryStore) SyncTools(_ context.Context, specs []tools.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range specs {
		s.catalog[spec.Name] = spec
	}
	return nil
}

// Catalog returns the synced tool names, sorted.
func (s *InMemoryStore) Catalog() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.catalog))
	for name := range s.catalog {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Usage returns a copy of every recorded tool invocation.
func (s *InMemoryStore) Usage() []UsageEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]UsageEntry(nil), s.usage...)
}

func (s *InMemoryStore) UnsummarizedSessions(_ context.Context, limit int) ([]Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := make([]*memSession, 0)
	for _, sess := range s.sessions {
		if !sess.summarized && len(sess.turns) > 0 {
			pending = append(pending, sess)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].started.Before(pending[j].started) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]Transcript, 0, len(pending))
	for _, sess := range pending {
		out = append(out, Transcript{
			SessionID: sess.id,
			Username:  sess.username,
			Turns:     append([]Turn(nil), sess.turns...),
		})
	}
	return out, nil
}

func (s *InMemoryStore) CompleteSummary(_ context.Context, sessionID, summary string, facts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("complete summary: session %s not found", sessionID)
	}
	sess.summarized = true
	sess.summary = summary
	s.facts[sess.username] = mergeFacts(s.facts[sess.username], facts)
	return nil
}

// ReplaceKnowledge swaps the chunks stored for source.
func (s *InMemoryStore) ReplaceKnowledge(_ context.Context, source string, chunks []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(chunks) == 0 {
		delete(s.knowledge, source)
		return nil
	}
	s.knowledge[source] = append([]string(nil), chunks...)
	return nil
}

// SearchKnowledge ranks chunks by how many distinct query terms they contain.
// Chunks sharing no term are never returned.
func (s *InMemoryStore) SearchKnowledge(_ context.Context, query string, k int) ([]string, error) {
	terms := termSet(query)
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := make([]string, 0, len(s.knowledge))
	for src := range s.knowledge {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	type hit struct {
		chunk string
		score int
	}
	var hits []hit
	for _, src := range sources {
		for _, chunk := range s.knowledge[src] {
			score := 0
			for term := range termSet(chunk) {
				if _, ok := terms[term]; ok {
					score++
				}
			}
			if score > 0 {
				hits = append(hits, hit{chunk: chunk, score: score})
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.chunk
	}
	return out, nil
}

func termSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len([]rune(f)) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}

func (s *InMemoryStore) Close() error { return nil }

type memConversation struct {
	store     *InMemoryStore
	sessionID string

	mu        sync.Mutex
	messageID int64
}

func (c *memConversation) SessionID() string { return c.sessionID }

func (c *memConversation) History(_ context.Context, limit int) ([]llm.Message, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	turns := c.store.sessions[c.sessionID].turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return historyMessages(turns), nil
}

func (c *memConversation) SaveTurn(_ context.Context, role llm.Role, content string) (int64, error) {
	c.store.mu.Lock()
	c.store.nextID++
	id := c.store.nextID
	sess := c.store.sessions[c.sessionID]
	sess.turns = append(sess.turns, Turn{
		ID:        id,
		SessionID: c.sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	c.store.mu.Unlock()

	if role == llm.RoleUser {
		c.mu.Lock()
		c.messageID = id
		c.mu.Unlock()
	}
	return id, nil
}

func (c *memConversation) MessageID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageID
}

func (c *memConversation) LogToolUsage(_ context.Context, rec tools.UsageRecord) error {
	msgID := c.MessageID()
	if msgID == 0 {
		return ErrNoMessage
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, ok := c.store.catalog[rec.Tool]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, rec.Tool)
	}
	c.store.usage = append(c.store.usage, UsageEntry{MessageID: msgID, UsageRecord: rec})
	return nil
}
