// Package worker runs stand-in speech workers so the pipeline can be driven
// end to end without recognition or synthesis models.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/jarvis/internal/audio"
	"github.com/ent0n29/jarvis/internal/broker"
	"github.com/ent0n29/jarvis/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrNoSpeech = errors.New("no speech detected")

const (
	silenceThreshold = 200
	toneHz           = 220
	perRune          = 40 * time.Millisecond
	maxSpeech        = 4 * time.Second
)

type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte, opts ...broker.PublishOption) error
	Reply(ctx context.Context, req broker.Delivery, body []byte, opts ...broker.PublishOption) error
	Subscribe(ctx context.Context, queue string, prefetch int, handler broker.Handler, opts ...broker.SubscribeOption) error
}

type Config struct {
	// Transcript is returned for every utterance that is not silent.
	Transcript string
	SampleRate int
	Prefetch   int
}

// Mock transcribes to a fixed sentence and synthesizes a tone whose length
// follows the text.
type Mock struct {
	broker Broker
	cfg    Config
	log    zerolog.Logger
}

func NewMock(b Broker, cfg Config, log zerolog.Logger) *Mock {
	if strings.TrimSpace(cfg.Transcript) == "" {
		cfg.Transcript = "simulated voice input"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &Mock{broker: b, cfg: cfg, log: log.With().Str("component", "mock_worker").Logger()}
}

// Run serves the job queues and the RPC queues until ctx is done or one
// consumer fails.
func (m *Mock) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	consumers := map[string]broker.Handler{
		protocol.QueueSTTJobs: m.HandleSTTJob,
		protocol.QueueTTSJobs: m.HandleTTSJob,
		protocol.QueueSTTRPC:  m.HandleSTTCall,
		protocol.QueueTTSRPC:  m.HandleTTSCall,
	}
	for queue, handler := range consumers {
		g.Go(func() error {
			return m.broker.Subscribe(ctx, queue, m.cfg.Prefetch, handler)
		})
	}
	m.log.Info().Int("queues", len(consumers)).Msg("mock workers running")
	return g.Wait()
}

// Transcribe accepts any non-empty audio. WAV input that is entirely silent
// fails with ErrNoSpeech.
func (m *Mock) Transcribe(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrNoSpeech
	}
	if _, pcm, err := audio.ParseWAV(data); err == nil && audio.Silent(pcm, silenceThreshold) {
		return "", ErrNoSpeech
	}
	return m.cfg.Transcript, nil
}

// Synthesize renders text as a WAV tone, longer for longer text.
func (m *Mock) Synthesize(text string) ([]byte, error) {
	d := time.Duration(utf8.RuneCountInString(text)) * perRune
	if d > maxSpeech {
		d = maxSpeech
	}
	return audio.EncodeWAVPCM16LE(audio.Tone(m.cfg.SampleRate, toneHz, d, 0.3), m.cfg.SampleRate)
}

func (m *Mock) HandleSTTJob(ctx context.Context, d broker.Delivery) error {
	req, err := protocol.DecodeSTTRequest(d.Body, d.Headers)
	if err != nil {
		return m.reject(ctx, protocol.KeySTTFailed, d, err)
	}
	text, err := m.Transcribe(req.Data)
	if err != nil {
		return m.publishFailure(ctx, protocol.KeySTTFailed, req.JobID, err)
	}
	body, err := json.Marshal(protocol.STTCompleted{JobID: req.JobID, Text: text})
	if err != nil {
		return err
	}
	m.log.Info().Str("job_id", req.JobID).Msg("transcribed")
	return m.broker.Publish(ctx, protocol.KeySTTCompleted, body,
		broker.WithHeaders(map[string]any{protocol.HeaderJobID: req.JobID}))
}

func (m *Mock) HandleTTSJob(ctx context.Context, d broker.Delivery) error {
	req, err := protocol.DecodeTTSRequest(d.Body, d.Headers)
	if err != nil || req.JobID == "" {
		if err == nil {
			err = fmt.Errorf("%w: missing job_id", protocol.ErrInvalidPayload)
		}
		return m.reject(ctx, protocol.KeyTTSFailed, d, err)
	}
	wav, err := m.Synthesize(req.Text)
	if err != nil {
		return m.publishFailure(ctx, protocol.KeyTTSFailed, req.JobID, err)
	}
	m.log.Info().Str("job_id", req.JobID).Int("audio_bytes", len(wav)).Msg("synthesized")
	return m.broker.Publish(ctx, protocol.KeyTTSCompleted, wav,
		broker.WithHeaders(map[string]any{protocol.HeaderJobID: req.JobID}),
		broker.WithContentType("audio/wav"))
}

// HandleSTTCall answers {text} for raw or base64 JSON audio. Failures reply
// with an empty text.
func (m *Mock) HandleSTTCall(ctx context.Context, d broker.Delivery) error {
	data := d.Body
	var req protocol.STTRequest
	if json.Unmarshal(d.Body, &req) == nil && req.AudioBytes != "" {
		data = nil
		if decoded, err := base64.StdEncoding.DecodeString(req.AudioBytes); err == nil {
			data = decoded
		}
	}
	text, err := m.Transcribe(data)
	if err != nil {
		m.log.Warn().Err(err).Msg("stt call failed")
	}
	body, err := json.Marshal(protocol.STTReply{Text: text})
	if err != nil {
		return err
	}
	return m.broker.Reply(ctx, d, body)
}

// HandleTTSCall replies with WAV bytes, or an empty body for an invalid request.
func (m *Mock) HandleTTSCall(ctx context.Context, d broker.Delivery) error {
	req, err := protocol.DecodeTTSRequest(d.Body, d.Headers)
	if err != nil {
		m.log.Warn().Err(err).Msg("tts call rejected")
		return m.broker.Reply(ctx, d, nil, broker.WithContentType("audio/wav"))
	}
	wav, err := m.Synthesize(req.Text)
	if err != nil {
		return err
	}
	return m.broker.Reply(ctx, d, wav, broker.WithContentType("audio/wav"))
}

// reject reports an undecodable job. Without a job id there is nobody to
// tell, so the message is dropped.
func (m *Mock) reject(ctx context.Context, key string, d broker.Delivery, cause error) error {
	jobID := protocol.HeaderString(d.Headers, protocol.HeaderJobID)
	if jobID == "" {
		var envelope struct {
			JobID string `json:"job_id"`
		}
		_ = json.Unmarshal(d.Body, &envelope)
		jobID = strings.TrimSpace(envelope.JobID)
	}
	if jobID == "" {
		m.log.Error().Err(cause).Str("routing_key", d.RoutingKey).Msg("dropping job without id")
		return nil
	}
	return m.publishFailure(ctx, key, jobID, cause)
}

func (m *Mock) publishFailure(ctx context.Context, key, jobID string, cause error) error {
	body, err := json.Marshal(protocol.StageFailed{JobID: jobID, Error: cause.Error()})
	if err != nil {
		return err
	}
	m.log.Warn().Err(cause).Str("job_id", jobID).Str("event", key).Msg("job failed")
	return m.broker.Publish(ctx, key, body,
		broker.WithHeaders(map[string]any{protocol.HeaderJobID: jobID}))
}
