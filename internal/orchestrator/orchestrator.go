// Package orchestrator drives each voice job through transcription, the
// agent and synthesis, reacting to completion events from the broker.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/jarvis/internal/agent"
	"github.com/ent0n29/jarvis/internal/broker"
	"github.com/ent0n29/jarvis/internal/jobs"
	"github.com/ent0n29/jarvis/internal/memory"
	"github.com/ent0n29/jarvis/internal/observability"
	"github.com/ent0n29/jarvis/internal/protocol"
	"github.com/ent0n29/jarvis/internal/session"
	"github.com/ent0n29/jarvis/internal/speech"
	"github.com/ent0n29/jarvis/internal/tools"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrUnavailable means the broker cannot take new work.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrNoReply means an RPC call timed out.
	ErrNoReply = errors.New("no reply from worker")
)

// ClientErrJobFailed is sent when a job fails inside the orchestrator rather
// than in a worker.
const ClientErrJobFailed = "job.failed"

// Broker is the subset of the broker client the orchestrator uses.
type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte, opts ...broker.PublishOption) error
	Call(ctx context.Context, queue string, body []byte, timeout time.Duration) ([]byte, bool, error)
	Subscribe(ctx context.Context, queue string, prefetch int, handler broker.Handler, opts ...broker.SubscribeOption) error
	Connected() bool
}

// Agent runs one conversation turn.
type Agent interface {
	Run(ctx context.Context, st *agent.State, opts ...agent.RunOption) error
}

type Deps struct {
	Broker   Broker
	Jobs     jobs.Store
	Sessions *session.Registry
	Agent    Agent
	// Tools, when set, is wrapped with usage logging for every job.
	Tools tools.Invoker
	// Memory is optional; without it turns are not persisted.
	Memory memory.Store

	EventsQueue  string
	Prefetch     int
	RPCTimeout   time.Duration
	Username     string
	HistoryLimit int
	TTSLanguage  string
	// PublishTurns sends every answered turn to the graph builder.
	PublishTurns bool

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

type Orchestrator struct {
	broker   Broker
	jobs     jobs.Store
	sessions *session.Registry
	agent    Agent
	tools    tools.Invoker
	memory   memory.Store

	eventsQueue  string
	prefetch     int
	rpcTimeout   time.Duration
	username     string
	historyLimit int
	language     string
	publishTurns bool

	log     zerolog.Logger
	metrics *observability.Metrics
	// background tracks interim feedback calls still in flight.
	background sync.WaitGroup
}

func New(d Deps) *Orchestrator {
	if d.EventsQueue == "" {
		d.EventsQueue = protocol.QueueOrchestratorEvents
	}
	if d.Prefetch < 1 {
		d.Prefetch = 1
	}
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = 20
	}
	return &Orchestrator{
		broker:       d.Broker,
		jobs:         d.Jobs,
		sessions:     d.Sessions,
		agent:        d.Agent,
		tools:        d.Tools,
		memory:       d.Memory,
		eventsQueue:  d.EventsQueue,
		prefetch:     d.Prefetch,
		rpcTimeout:   d.RPCTimeout,
		username:     d.Username,
		historyLimit: d.HistoryLimit,
		language:     d.TTSLanguage,
		publishTurns: d.PublishTurns,
		log:          d.Logger.With().Str("component", "orchestrator").Logger(),
		metrics:      d.Metrics,
	}
}

// Ready reports whether new submissions can be accepted.
func (o *Orchestrator) Ready() bool {
	return o.broker != nil && o.broker.Connected()
}

// Job returns the current record for id.
func (o *Orchestrator) Job(ctx context.Context, id string) (jobs.Job, error) {
	return o.jobs.Get(ctx, id)
}

// Start allocates a job for audio and requests its transcription. Jobs
// sharing a conversation id share history; an empty id starts a new
// conversation keyed by the job id.
func (o *Orchestrator) Start(ctx context.Context, conversationID string, audio []byte) (string, error) {
	id := uuid.NewString()
	if err := o.StartWithID(ctx, id, conversationID, audio); err != nil {
		return "", err
	}
	return id, nil
}

// StartWithID is Start with a caller-chosen job id. The job moves to
// stt_pending before the request is published so a fast worker reply always
// finds it waiting.
func (o *Orchestrator) StartWithID(ctx context.Context, id, conversationID string, audio []byte) error {
	if !o.Ready() {
		return ErrUnavailable
	}
	if conversationID = strings.TrimSpace(conversationID); conversationID == "" {
		conversationID = id
	}
	if _, err := o.jobs.Create(ctx, id); err != nil {
		return err
	}
	o.metrics.ObserveTransition(string(jobs.StageCreated))
	body, err := protocol.EncodeSTTRequest(id, audio)
	if err != nil {
		return err
	}
	if _, _, err := o.advance(ctx, id, jobs.StageCreated, jobs.StageSTTPending, func(j *jobs.Job) error {
		j.SessionID = conversationID
		return nil
	}); err != nil {
		return err
	}

	err = o.broker.Publish(ctx, protocol.KeySTTRequested, body,
		broker.WithHeaders(map[string]any{protocol.HeaderJobID: id}),
		broker.WithContentType("application/json"),
	)
	if err != nil {
		o.abandon(ctx, id, jobs.StageSTTPending, err.Error())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	o.log.Info().Str("job_id", id).Int("audio_bytes", len(audio)).Msg("job started")
	return nil
}

// Run consumes stage events until ctx is done. Sessions live in this
// process, so the events queue is consumed exclusively: a second
// orchestrator on the same broker fails to start instead of receiving
// events for clients it does not hold.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.broker.Subscribe(ctx, o.eventsQueue, o.prefetch, o.HandleEvent, broker.Exclusive())
}

// Wait blocks until background feedback calls have finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// HandleEvent routes one broker delivery. Malformed payloads and events that
// do not match the job's current stage are dropped; other failures are
// returned so the delivery is requeued.
func (o *Orchestrator) HandleEvent(ctx context.Context, d broker.Delivery) error {
	var err error
	switch d.RoutingKey {
	case protocol.KeySTTCompleted:
		var ev protocol.STTCompleted
		if ev, err = protocol.DecodeSTTCompleted(d.Body, d.Headers); err == nil {
			err = o.OnSTTCompleted(ctx, ev.JobID, ev.Text)
		}
	case protocol.KeySTTFailed:
		var ev protocol.StageFailed
		if ev, err = protocol.DecodeStageFailed(d.Body, d.Headers); err == nil {
			err = o.OnSTTFailed(ctx, ev.JobID, ev.Error)
		}
	case protocol.KeyTTSCompleted:
		var ev protocol.Audio
		if ev, err = protocol.DecodeTTSCompleted(d.Body, d.Headers); err == nil {
			err = o.OnTTSCompleted(ctx, ev.JobID, ev.Data)
		}
	case protocol.KeyTTSFailed:
		var ev protocol.StageFailed
		if ev, err = protocol.DecodeStageFailed(d.Body, d.Headers); err == nil {
			err = o.OnTTSFailed(ctx, ev.JobID, ev.Error)
		}
	default:
		o.log.Warn().Str("routing_key", d.RoutingKey).Msg("ignoring event with unknown routing key")
		return nil
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, protocol.ErrInvalidPayload):
		o.log.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("dropping malformed event")
		return nil
	case isStale(err):
		o.log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("dropping out of order event")
		return nil
	default:
		return err
	}
}

func isStale(err error) bool {
	return errors.Is(err, jobs.ErrStageConflict) ||
		errors.Is(err, jobs.ErrNotFound) ||
		errors.Is(err, jobs.ErrInvalidTransition) ||
		errors.Is(err, jobs.ErrAlreadySet)
}

// OnSTTCompleted runs the agent on the transcript and requests synthesis of
// the reply. An empty transcript fails the job.
func (o *Orchestrator) OnSTTCompleted(ctx context.Context, jobID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return o.OnSTTFailed(ctx, jobID, "empty transcript")
	}
	job, sttTook, err := o.advance(ctx, jobID, jobs.StageSTTPending, jobs.StageSTTDone, func(j *jobs.Job) error {
		return j.SetTranscript(text)
	})
	if err != nil {
		return err
	}
	o.metrics.ObserveStage("stt", sttTook)
	if _, _, err := o.advance(ctx, jobID, jobs.StageSTTDone, jobs.StageAgentRunning, nil); err != nil {
		if isStale(err) {
			return err
		}
		return o.abort(ctx, jobID, jobs.StageSTTDone, err)
	}

	conversationID := job.SessionID
	if conversationID == "" {
		conversationID = jobID
	}
	reply := o.runAgent(ctx, jobID, conversationID, text)

	if _, _, err := o.advance(ctx, jobID, jobs.StageAgentRunning, jobs.StageTTSPending, func(j *jobs.Job) error {
		return j.SetReply(reply)
	}); err != nil {
		if isStale(err) {
			return err
		}
		return o.abort(ctx, jobID, jobs.StageAgentRunning, err)
	}
	body, err := json.Marshal(protocol.TTSRequest{JobID: jobID, Text: speech.Clean(reply), Language: o.language})
	if err != nil {
		return err
	}
	err = o.broker.Publish(ctx, protocol.KeyTTSRequested, body,
		broker.WithHeaders(map[string]any{protocol.HeaderJobID: jobID}),
		broker.WithContentType("application/json"),
	)
	if err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("publish tts request failed")
		if ferr := o.fail(ctx, jobID, jobs.StageTTSPending, jobs.StageTTSFailed, protocol.KeyTTSFailed, err.Error()); ferr != nil {
			return o.abort(ctx, jobID, jobs.StageTTSPending, ferr)
		}
		return nil
	}
	if o.publishTurns && reply != agent.ApologyReply {
		o.publishTurn(ctx, protocol.ConversationTurn{
			JobID:         jobID,
			SessionID:     conversationID,
			UserText:      text,
			AssistantText: reply,
		})
	}
	return nil
}

// publishTurn is best effort; the job does not depend on the graph.
func (o *Orchestrator) publishTurn(ctx context.Context, turn protocol.ConversationTurn) {
	body, err := json.Marshal(turn)
	if err == nil {
		err = o.broker.Publish(ctx, protocol.KeyConversationTurn, body,
			broker.WithHeaders(map[string]any{protocol.HeaderJobID: turn.JobID}),
		)
	}
	if err != nil {
		o.log.Warn().Err(err).Str("job_id", turn.JobID).Msg("publish conversation turn failed")
	}
}

func (o *Orchestrator) OnSTTFailed(ctx context.Context, jobID, detail string) error {
	return o.fail(ctx, jobID, jobs.StageSTTPending, jobs.StageSTTFailed, protocol.KeySTTFailed, detail)
}

func (o *Orchestrator) OnTTSFailed(ctx context.Context, jobID, detail string) error {
	return o.fail(ctx, jobID, jobs.StageTTSPending, jobs.StageTTSFailed, protocol.KeyTTSFailed, detail)
}

// OnTTSCompleted hands the audio to the waiting client and finishes the job.
// The job is delivered even when the client has already gone away.
func (o *Orchestrator) OnTTSCompleted(ctx context.Context, jobID string, audio []byte) error {
	if len(audio) == 0 {
		return o.OnTTSFailed(ctx, jobID, "empty audio")
	}
	_, ttsTook, err := o.advance(ctx, jobID, jobs.StageTTSPending, jobs.StageTTSDone, nil)
	if err != nil {
		return err
	}
	o.metrics.ObserveStage("tts", ttsTook)

	delivered := o.sessions.Deliver(jobID, session.Message{Binary: audio, Final: true})
	o.metrics.ObserveDelivery("binary", delivered)
	if !delivered {
		o.log.Info().Str("job_id", jobID).Msg("client gone, audio dropped")
	}

	job, _, err := o.advance(ctx, jobID, jobs.StageTTSDone, jobs.StageDelivered, nil)
	if err != nil {
		return err
	}
	o.metrics.ObserveJobFinished(string(jobs.StageDelivered), time.Since(job.CreatedAt))
	o.log.Info().Str("job_id", jobID).Int("audio_bytes", len(audio)).Msg("job delivered")
	return nil
}

// fail moves the job through failed to errored and tells the client why.
func (o *Orchestrator) fail(ctx context.Context, jobID string, from, failed jobs.Stage, key, detail string) error {
	if strings.TrimSpace(detail) == "" {
		detail = "unknown error"
	}
	if _, _, err := o.advance(ctx, jobID, from, failed, func(j *jobs.Job) error {
		j.Error = detail
		return nil
	}); err != nil {
		return err
	}
	job, _, err := o.advance(ctx, jobID, failed, jobs.StageErrored, nil)
	if err != nil {
		return err
	}
	o.log.Warn().Str("job_id", jobID).Str("event", key).Str("detail", detail).Msg("job failed")

	delivered := o.sessions.Deliver(jobID, session.Message{
		JSON:  protocol.ClientError{Error: key, Detail: detail},
		Final: true,
	})
	o.metrics.ObserveDelivery("json", delivered)
	o.sessions.Remove(jobID)
	o.metrics.ObserveJobFinished(string(jobs.StageErrored), time.Since(job.CreatedAt))
	return nil
}

// abort ends a job the orchestrator already owns past stt_pending when its
// record can no longer be advanced. A requeued event would be dropped as
// stale, so the client is told here and the delivery is acknowledged.
func (o *Orchestrator) abort(ctx context.Context, jobID string, from jobs.Stage, cause error) error {
	detail := cause.Error()
	log := o.log.With().Str("job_id", jobID).Str("stage", string(from)).Logger()
	log.Error().Err(cause).Msg("aborting job")

	job, _, err := o.advance(ctx, jobID, from, jobs.StageErrored, func(j *jobs.Job) error {
		j.Error = detail
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("could not mark job errored")
	}

	delivered := o.sessions.Deliver(jobID, session.Message{
		JSON:  protocol.ClientError{Error: ClientErrJobFailed, Detail: detail},
		Final: true,
	})
	o.metrics.ObserveDelivery("json", delivered)
	o.sessions.Remove(jobID)
	if err == nil {
		o.metrics.ObserveJobFinished(string(jobs.StageErrored), time.Since(job.CreatedAt))
	}
	return nil
}

// abandon errors a job whose request could not be published.
func (o *Orchestrator) abandon(ctx context.Context, jobID string, from jobs.Stage, detail string) {
	job, _, err := o.advance(ctx, jobID, from, jobs.StageErrored, func(j *jobs.Job) error {
		j.Error = detail
		return nil
	})
	if err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("could not mark job errored")
		return
	}
	o.metrics.ObserveJobFinished(string(jobs.StageErrored), time.Since(job.CreatedAt))
}

// advance performs one stage transition and reports how long the job sat in
// the previous stage.
func (o *Orchestrator) advance(ctx context.Context, jobID string, from, to jobs.Stage, mutate jobs.Mutation) (jobs.Job, time.Duration, error) {
	var entered time.Time
	job, err := o.jobs.Advance(ctx, jobID, from, to, func(j *jobs.Job) error {
		entered = j.UpdatedAt
		if mutate != nil {
			return mutate(j)
		}
		return nil
	})
	if err != nil {
		return jobs.Job{}, 0, err
	}
	o.metrics.ObserveTransition(string(to))
	o.log.Debug().Str("job_id", jobID).Str("from", string(from)).Str("to", string(to)).Msg("job advanced")
	return job, job.UpdatedAt.Sub(entered), nil
}

// sendWorking tells the client a slow tool is running and, in the
// background, asks for spoken feedback it can play meanwhile.
func (o *Orchestrator) sendWorking(ctx context.Context, jobID, detail string) {
	o.metrics.ObserveIndicator("working_feedback")
	o.sessions.Deliver(jobID, session.Message{JSON: protocol.ClientStatus{Status: protocol.StatusWorking, Detail: detail}})

	body, err := json.Marshal(protocol.TTSRequest{Text: detail, Language: o.language})
	if err != nil {
		return
	}
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		audio, ok, err := o.broker.Call(ctx, protocol.QueueTTSRPC, body, o.rpcTimeout)
		if err != nil || !ok {
			o.log.Debug().Err(err).Str("job_id", jobID).Msg("no interim audio")
			return
		}
		o.sessions.Deliver(jobID, session.Message{JSON: protocol.ClientStatus{
			Status:      protocol.StatusWorking,
			AudioBase64: base64.StdEncoding.EncodeToString(audio),
		}})
	}()
}

// Preview synthesizes text over RPC without creating a job.
func (o *Orchestrator) Preview(ctx context.Context, text string) ([]byte, error) {
	if !o.Ready() {
		return nil, ErrUnavailable
	}
	body, err := json.Marshal(protocol.TTSRequest{Text: speech.Clean(text), Language: o.language})
	if err != nil {
		return nil, err
	}
	audio, ok, err := o.broker.Call(ctx, protocol.QueueTTSRPC, body, o.rpcTimeout)
	if errors.Is(err, broker.ErrNotConnected) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("tts preview: %w", err)
	}
	if !ok {
		return nil, ErrNoReply
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts preview: worker returned no audio")
	}
	return audio, nil
}
