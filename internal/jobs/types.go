package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Stage string

const (
	StageCreated      Stage = "created"
	StageSTTPending   Stage = "stt_pending"
	StageSTTDone      Stage = "stt_done"
	StageSTTFailed    Stage = "stt_failed"
	StageAgentRunning Stage = "agent_running"
	StageTTSPending   Stage = "tts_pending"
	StageTTSDone      Stage = "tts_done"
	StageTTSFailed    Stage = "tts_failed"
	StageDelivered    Stage = "delivered"
	StageErrored      Stage = "errored"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrStageConflict     = errors.New("job stage conflict")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrAlreadySet        = errors.New("field already set")
)

// transitions lists every allowed edge. Stages are never revisited.
var transitions = map[Stage][]Stage{
	StageCreated:      {StageSTTPending, StageErrored},
	StageSTTPending:   {StageSTTDone, StageSTTFailed, StageErrored},
	StageSTTDone:      {StageAgentRunning, StageErrored},
	StageSTTFailed:    {StageErrored},
	StageAgentRunning: {StageTTSPending, StageErrored},
	StageTTSPending:   {StageTTSDone, StageTTSFailed, StageErrored},
	StageTTSDone:      {StageDelivered},
	StageTTSFailed:    {StageErrored},
}

func CanTransition(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Stage) Terminal() bool {
	return s == StageDelivered || s == StageErrored
}

func (s Stage) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// Job is one voice interaction from audio submission to final delivery.
type Job struct {
	ID         string    `json:"id"`
	Stage      Stage     `json:"stage"`
	SessionID  string    `json:"session_id,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Reply      string    `json:"reply,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (j *Job) SetTranscript(text string) error {
	if j.Transcript != "" && j.Transcript != text {
		return fmt.Errorf("transcript: %w", ErrAlreadySet)
	}
	j.Transcript = text
	return nil
}

func (j *Job) SetReply(text string) error {
	if j.Reply != "" && j.Reply != text {
		return fmt.Errorf("reply: %w", ErrAlreadySet)
	}
	j.Reply = text
	return nil
}

// Mutation edits a job inside Advance before the new stage is stored.
type Mutation func(*Job) error

// Store persists job records. Advance is an atomic compare-and-set on the stage.
type Store interface {
	Create(ctx context.Context, id string) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	Advance(ctx context.Context, id string, from, to Stage, mutate Mutation) (Job, error)
	Close() error
}

// apply validates and performs one transition on j in place.
func apply(j *Job, from, to Stage, mutate Mutation, now time.Time) error {
	if j.Stage != from {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrStageConflict, j.ID, j.Stage, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if mutate != nil {
		if err := mutate(j); err != nil {
			return err
		}
	}
	j.Stage = to
	j.UpdatedAt = now
	return nil
}
