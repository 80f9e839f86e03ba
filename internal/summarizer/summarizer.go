// Package summarizer distills finished conversations into durable user facts.
package summarizer

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ent0n29/jarvis/internal/agent"
	"github.com/ent0n29/jarvis/internal/llm"
	"github.com/ent0n29/jarvis/internal/memory"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const defaultBatch = 20

// Report counts what one pass did.
type Report struct {
	Sessions int
	Facts    int
	Failed   int
}

type Summarizer struct {
	store memory.Store
	model llm.Model
	batch int
	log   zerolog.Logger
}

func New(store memory.Store, model llm.Model, log zerolog.Logger) *Summarizer {
	return &Summarizer{
		store: store,
		model: model,
		batch: defaultBatch,
		log:   log.With().Str("component", "summarizer").Logger(),
	}
}

// RunOnce summarizes every pending session. A session whose model call
// fails stays pending for the next pass.
func (s *Summarizer) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	pending, err := s.store.UnsummarizedSessions(ctx, s.batch)
	if err != nil {
		return rep, fmt.Errorf("list unsummarized sessions: %w", err)
	}
	if len(pending) == 0 {
		s.log.Debug().Msg("no sessions to summarize")
		return rep, nil
	}

	for _, t := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		prompt := agent.SummarizePrompt(FormatTranscript(t.Turns))
		reply, err := s.model.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
		if err != nil {
			rep.Failed++
			s.log.Error().Err(err).Str("session_id", t.SessionID).Msg("summarize failed")
			continue
		}
		facts := ParseFacts(reply.Content)
		if err := s.store.CompleteSummary(ctx, t.SessionID, strings.TrimSpace(reply.Content), facts); err != nil {
			rep.Failed++
			s.log.Error().Err(err).Str("session_id", t.SessionID).Msg("store summary failed")
			continue
		}
		rep.Sessions++
		rep.Facts += len(facts)
		s.log.Info().Str("session_id", t.SessionID).Str("user", t.Username).Int("facts", len(facts)).Msg("session summarized")
	}
	return rep, nil
}

// Run executes RunOnce on the cron schedule until ctx is done. Overlapping
// passes are skipped.
func (s *Summarizer) Run(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		rep, err := s.RunOnce(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("summarizer pass failed")
			return
		}
		s.log.Info().Int("sessions", rep.Sessions).Int("facts", rep.Facts).Int("failed", rep.Failed).Msg("summarizer pass finished")
	})
	if err != nil {
		return fmt.Errorf("invalid summarizer schedule %q: %w", schedule, err)
	}
	c.Start()
	s.log.Info().Str("schedule", schedule).Msg("summarizer scheduled")
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// FormatTranscript renders turns as "Role: text" lines.
func FormatTranscript(turns []memory.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, capitalize(string(t.Role))+": "+strings.TrimSpace(t.Content))
	}
	return strings.Join(lines, "\n")
}

// ParseFacts extracts bullet lines from a model answer. The no-facts answer
// yields nothing.
func ParseFacts(reply string) []string {
	if strings.Contains(reply, agent.NoFactsReply) {
		return nil
	}
	var facts []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimLeft(line, "-*•"))
		if line != "" {
			facts = append(facts, line)
		}
	}
	return facts
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
