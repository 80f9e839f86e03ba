package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/jarvis/internal/agent"
	"github.com/ent0n29/jarvis/internal/llm"
	"github.com/ent0n29/jarvis/internal/memory"
	"github.com/ent0n29/jarvis/internal/tools"
)

// runAgent produces the reply for one transcript. It never fails: agent
// errors and empty answers become the apology reply. Persistence errors are
// logged and skipped.
func (o *Orchestrator) runAgent(ctx context.Context, jobID, conversationID, text string) (reply string) {
	start := time.Now()
	log := o.log.With().Str("job_id", jobID).Str("conversation_id", conversationID).Logger()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("agent turn panicked, replying with apology")
			o.metrics.ObserveIndicator("apology_reply")
			reply = agent.ApologyReply
		}
	}()

	conv := o.openConversation(ctx, conversationID)
	var facts []string
	var history []llm.Message
	if o.memory != nil {
		var err error
		if facts, err = o.memory.UserFacts(ctx, o.username); err != nil {
			log.Warn().Err(err).Msg("load user facts failed")
		}
	}
	if conv != nil {
		var err error
		if history, err = conv.History(ctx, o.historyLimit); err != nil {
			log.Warn().Err(err).Msg("load history failed")
		}
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.System(agent.BuildSystemPrompt(facts)))
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.User(text))

	st := &agent.State{Messages: msgs}
	if conv != nil {
		id, err := conv.SaveTurn(ctx, llm.RoleUser, text)
		if err != nil {
			log.Warn().Err(err).Msg("save user turn failed")
		}
		st.MessageID = id
	}

	opts := []agent.RunOption{agent.WithWorkingHook(func(ctx context.Context, detail string) {
		o.sendWorking(ctx, jobID, detail)
	})}
	if o.tools != nil {
		var sink tools.UsageSink
		if conv != nil {
			sink = conv
		}
		opts = append(opts, agent.WithInvoker(tools.NewLoggedInvoker(o.tools, sink, log, o.metrics)))
	}

	err := o.invokeAgent(ctx, st, opts)
	reply = strings.TrimSpace(st.Reply())
	switch {
	case err != nil:
		log.Error().Err(err).Int("steps", st.Steps).Msg("agent failed, replying with apology")
		reply = agent.ApologyReply
		o.metrics.ObserveIndicator("apology_reply")
	case reply == "":
		log.Warn().Int("steps", st.Steps).Msg("agent returned empty reply")
		reply = agent.ApologyReply
		o.metrics.ObserveIndicator("apology_reply")
	}

	if conv != nil {
		if _, err := conv.SaveTurn(ctx, llm.RoleAssistant, reply); err != nil {
			log.Warn().Err(err).Msg("save assistant turn failed")
		}
	}
	o.metrics.ObserveStage("agent", time.Since(start))
	log.Info().Int("steps", st.Steps).Dur("took", time.Since(start)).Msg("agent turn finished")
	return reply
}

func (o *Orchestrator) openConversation(ctx context.Context, conversationID string) memory.Conversation {
	if o.memory == nil {
		return nil
	}
	conv, err := o.memory.Open(ctx, conversationID)
	if err != nil {
		o.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("open conversation failed")
		return nil
	}
	return conv
}

// invokeAgent turns a panic inside the model or a tool into an error so the
// turn still ends with the apology and a saved assistant message.
func (o *Orchestrator) invokeAgent(ctx context.Context, st *agent.State, opts []agent.RunOption) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent panic: %v", p)
		}
	}()
	return o.agent.Run(ctx, st, opts...)
}
