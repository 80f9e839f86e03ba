package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Routing keys on the events exchange.
const (
	KeySTTRequested = "stt.requested"
	KeySTTCompleted = "stt.completed"
	KeySTTFailed    = "stt.failed"
	KeyTTSRequested = "tts.requested"
	KeyTTSCompleted = "tts.completed"
	KeyTTSFailed    = "tts.failed"

	KeyConversationTurn = "conversation.turn"
)

// Direct RPC queues served by stateless workers.
const (
	QueueSTTRPC = "stt_requests"
	QueueTTSRPC = "tts_requests"
)

// HeaderJobID carries the job identifier when the body is raw audio.
const HeaderJobID = "job_id"

// Client-facing status values.
const (
	StatusQueued  = "queued"
	StatusWorking = "working"
)

var ErrInvalidPayload = errors.New("invalid payload")

type STTRequest struct {
	JobID      string `json:"job_id"`
	AudioBytes string `json:"audio_bytes"`
}

type STTCompleted struct {
	JobID string `json:"job_id"`
	Text  string `json:"text"`
}

// ConversationTurn is a finished exchange handed to the graph builder.
type ConversationTurn struct {
	JobID         string `json:"job_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
}

type StageFailed struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// TTSRequest is published on tts.requested with a JobID, or sent over RPC without one.
type TTSRequest struct {
	JobID    string `json:"job_id,omitempty"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// STTReply is the RPC reply body of the stt_requests queue.
type STTReply struct {
	Text string `json:"text"`
}

// Audio is a decoded audio payload addressed to a job.
type Audio struct {
	JobID string
	Data  []byte
}

type StartResponse struct {
	JobID string `json:"job_id"`
}

type ClientStatus struct {
	Status      string `json:"status"`
	Detail      string `json:"detail,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
}

type ClientError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// EncodeSTTRequest builds the base64 JSON variant of an stt.requested body.
func EncodeSTTRequest(jobID string, audio []byte) ([]byte, error) {
	return json.Marshal(STTRequest{JobID: jobID, AudioBytes: base64.StdEncoding.EncodeToString(audio)})
}

// DecodeSTTRequest accepts either {job_id, audio_bytes(base64)} or a raw audio
// body with job_id in the headers.
func DecodeSTTRequest(body []byte, headers map[string]any) (Audio, error) {
	var req STTRequest
	if looksLikeJSON(body) && json.Unmarshal(body, &req) == nil && req.AudioBytes != "" {
		data, err := base64.StdEncoding.DecodeString(req.AudioBytes)
		if err != nil {
			return Audio{}, fmt.Errorf("%w: audio_bytes: %v", ErrInvalidPayload, err)
		}
		jobID := firstNonEmpty(req.JobID, HeaderString(headers, HeaderJobID))
		if jobID == "" {
			return Audio{}, fmt.Errorf("%w: missing job_id", ErrInvalidPayload)
		}
		return Audio{JobID: jobID, Data: data}, nil
	}
	return rawAudio(body, headers)
}

// DecodeTTSCompleted accepts a raw audio body with job_id in the headers, or
// the JSON variant {job_id, audio_bytes(base64)}.
func DecodeTTSCompleted(body []byte, headers map[string]any) (Audio, error) {
	if jobID := HeaderString(headers, HeaderJobID); jobID != "" && !looksLikeJSON(body) {
		return rawAudio(body, headers)
	}
	return DecodeSTTRequest(body, headers)
}

func DecodeSTTCompleted(body []byte, headers map[string]any) (STTCompleted, error) {
	var msg STTCompleted
	if err := json.Unmarshal(body, &msg); err != nil {
		return STTCompleted{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	msg.JobID = firstNonEmpty(msg.JobID, HeaderString(headers, HeaderJobID))
	if msg.JobID == "" {
		return STTCompleted{}, fmt.Errorf("%w: missing job_id", ErrInvalidPayload)
	}
	msg.Text = strings.TrimSpace(msg.Text)
	return msg, nil
}

func DecodeStageFailed(body []byte, headers map[string]any) (StageFailed, error) {
	var msg StageFailed
	if len(body) > 0 {
		if err := json.Unmarshal(body, &msg); err != nil {
			return StageFailed{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	msg.JobID = firstNonEmpty(msg.JobID, HeaderString(headers, HeaderJobID))
	if msg.JobID == "" {
		return StageFailed{}, fmt.Errorf("%w: missing job_id", ErrInvalidPayload)
	}
	if strings.TrimSpace(msg.Error) == "" {
		msg.Error = "unknown error"
	}
	return msg, nil
}

func DecodeTTSRequest(body []byte, headers map[string]any) (TTSRequest, error) {
	var msg TTSRequest
	if err := json.Unmarshal(body, &msg); err != nil {
		return TTSRequest{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	msg.JobID = firstNonEmpty(msg.JobID, HeaderString(headers, HeaderJobID))
	if strings.TrimSpace(msg.Text) == "" {
		return TTSRequest{}, fmt.Errorf("%w: missing text", ErrInvalidPayload)
	}
	return msg, nil
}

// HeaderString reads a string-valued header; amqp headers may arrive as []byte.
func HeaderString(headers map[string]any, key string) string {
	switch v := headers[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	default:
		return ""
	}
}

func rawAudio(body []byte, headers map[string]any) (Audio, error) {
	jobID := HeaderString(headers, HeaderJobID)
	if jobID == "" {
		return Audio{}, fmt.Errorf("%w: missing job_id header", ErrInvalidPayload)
	}
	if len(body) == 0 {
		return Audio{}, fmt.Errorf("%w: empty audio", ErrInvalidPayload)
	}
	return Audio{JobID: jobID, Data: body}, nil
}

func looksLikeJSON(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Durable queues bound to the events exchange.
const (
	QueueSTTJobs            = "stt_jobs_queue"
	QueueTTSJobs            = "tts_jobs_queue"
	QueueOrchestratorEvents = "orchestrator_events_queue"
	QueueGraphBuilder       = "graph_builder_queue"
)
