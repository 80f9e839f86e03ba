package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/jarvis/internal/config"
	"github.com/ent0n29/jarvis/internal/jobs"
	"github.com/ent0n29/jarvis/internal/observability"
	"github.com/ent0n29/jarvis/internal/orchestrator"
	"github.com/ent0n29/jarvis/internal/protocol"
	"github.com/ent0n29/jarvis/internal/session"
	"github.com/ent0n29/jarvis/internal/tools"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrchestrator struct {
	mu           sync.Mutex
	ready        bool
	startErr     error
	started      [][]byte
	conversation string
	jobs         map[string]jobs.Job
	// lookups, when set, answers successive Job calls in order; the last repeats.
	lookups      []jobs.Job
	jobCalls     int
	previewAudio []byte
	previewErr   error
}

func (f *fakeOrchestrator) Ready() bool { return f.ready }

func (f *fakeOrchestrator) Start(_ context.Context, conversationID string, audio []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, audio)
	f.conversation = conversationID
	return "job-1", nil
}

func (f *fakeOrchestrator) Job(_ context.Context, id string) (jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lookups) > 0 {
		job := f.lookups[min(f.jobCalls, len(f.lookups)-1)]
		f.jobCalls++
		return job, nil
	}
	job, ok := f.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return job, nil
}

func (f *fakeOrchestrator) Preview(context.Context, string) ([]byte, error) {
	return f.previewAudio, f.previewErr
}

type staticTools []tools.Spec

func (s staticTools) List() []tools.Spec { return s }

func newTestServer(t *testing.T, orch *fakeOrchestrator) (*httptest.Server, *session.Registry, *observability.Metrics) {
	t.Helper()
	sessions := session.NewRegistry(time.Minute)
	metrics := observability.NewMetricsWithRegistry("test_httpapi", prometheus.NewRegistry())
	list := staticTools{{Name: "clock", Description: "Current date and time."}}
	srv := New(config.Config{}, sessions, orch, list, metrics, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions, metrics
}

func multipartAudio(t *testing.T, field string, data []byte, conversation string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if field != "" {
		part, err := w.CreateFormFile(field, "clip.wav")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	if conversation != "" {
		require.NoError(t, w.WriteField("session_id", conversation))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHealthAndReady(t *testing.T) {
	orch := &fakeOrchestrator{}
	ts, _, _ := newTestServer(t, orch)

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	orch.ready = true
	res, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStartAcceptsAudio(t *testing.T) {
	orch := &fakeOrchestrator{ready: true}
	ts, _, _ := newTestServer(t, orch)

	body, contentType := multipartAudio(t, "audio_file", []byte("RIFFdata"), "kitchen")
	res, err := http.Post(ts.URL+"/v2/interact/start", contentType, body)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusAccepted, res.StatusCode)
	var out protocol.StartResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Equal(t, "job-1", out.JobID)
	require.Len(t, orch.started, 1)
	assert.Equal(t, []byte("RIFFdata"), orch.started[0])
	assert.Equal(t, "kitchen", orch.conversation)
}

func TestStartRejectsMissingOrEmptyAudio(t *testing.T) {
	orch := &fakeOrchestrator{ready: true}
	ts, _, _ := newTestServer(t, orch)

	for name, field := range map[string]string{"missing": "", "wrong_field": "file"} {
		t.Run(name, func(t *testing.T) {
			body, contentType := multipartAudio(t, field, []byte("x"), "")
			res, err := http.Post(ts.URL+"/v2/interact/start", contentType, body)
			require.NoError(t, err)
			res.Body.Close()
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
		})
	}

	body, contentType := multipartAudio(t, "audio_file", nil, "")
	res, err := http.Post(ts.URL+"/v2/interact/start", contentType, body)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Empty(t, orch.started)
}

func TestStartUnavailable(t *testing.T) {
	orch := &fakeOrchestrator{}
	ts, _, _ := newTestServer(t, orch)

	body, contentType := multipartAudio(t, "audio_file", []byte("x"), "")
	res, err := http.Post(ts.URL+"/v2/interact/start", contentType, body)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	orch.ready = true
	orch.startErr = errors.Join(orchestrator.ErrUnavailable, errors.New("publish: channel closed"))
	body, contentType = multipartAudio(t, "audio_file", []byte("x"), "")
	res, err = http.Post(ts.URL+"/v2/interact/start", contentType, body)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	var out errorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Equal(t, "broker_unavailable", out.Code)
}

func wsURL(ts *httptest.Server, jobID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v2/interact/ws/" + jobID
}

func TestJobWSUnknownJob(t *testing.T) {
	ts, _, _ := newTestServer(t, &fakeOrchestrator{ready: true, jobs: map[string]jobs.Job{}})

	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, "nope"), nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestJobWSDeliversAndCloses(t *testing.T) {
	orch := &fakeOrchestrator{ready: true, jobs: map[string]jobs.Job{
		"job-1": {ID: "job-1", Stage: jobs.StageSTTPending},
	}}
	ts, sessions, _ := newTestServer(t, orch)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "job-1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var queued protocol.ClientStatus
	require.NoError(t, conn.ReadJSON(&queued))
	assert.Equal(t, protocol.StatusQueued, queued.Status)

	require.Eventually(t, func() bool { return sessions.Has("job-1") }, 2*time.Second, 10*time.Millisecond)

	require.True(t, sessions.Deliver("job-1", session.Message{JSON: protocol.ClientStatus{Status: protocol.StatusWorking}}))
	var working protocol.ClientStatus
	require.NoError(t, conn.ReadJSON(&working))
	assert.Equal(t, protocol.StatusWorking, working.Status)

	require.True(t, sessions.Deliver("job-1", session.Message{Binary: []byte("RIFF"), Final: true}))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte("RIFF"), data)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.False(t, sessions.Has("job-1"))
}

func TestJobWSClientDisconnectUnregisters(t *testing.T) {
	orch := &fakeOrchestrator{ready: true, jobs: map[string]jobs.Job{
		"job-2": {ID: "job-2", Stage: jobs.StageAgentRunning},
	}}
	ts, sessions, _ := newTestServer(t, orch)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "job-2"), nil)
	require.NoError(t, err)
	var queued protocol.ClientStatus
	require.NoError(t, conn.ReadJSON(&queued))
	require.Eventually(t, func() bool { return sessions.Has("job-2") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !sessions.Has("job-2") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, sessions.Count())
}

func TestJobWSFinishedJob(t *testing.T) {
	orch := &fakeOrchestrator{ready: true, jobs: map[string]jobs.Job{
		"done": {ID: "done", Stage: jobs.StageDelivered},
	}}
	ts, sessions, _ := newTestServer(t, orch)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "done"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg protocol.ClientError
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "job.finished", msg.Error)
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.False(t, sessions.Has("done"))
}

func TestJobWSJobFinishingDuringAttach(t *testing.T) {
	// The completion is handled after the first lookup but before the
	// channel is registered, so its delivery found nobody.
	orch := &fakeOrchestrator{ready: true, lookups: []jobs.Job{
		{ID: "job-4", Stage: jobs.StageTTSPending},
		{ID: "job-4", Stage: jobs.StageDelivered},
	}}
	ts, sessions, _ := newTestServer(t, orch)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "job-4"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var queued protocol.ClientStatus
	require.NoError(t, conn.ReadJSON(&queued))
	assert.Equal(t, protocol.StatusQueued, queued.Status)

	var finished protocol.ClientError
	require.NoError(t, conn.ReadJSON(&finished))
	assert.Equal(t, protocol.ClientError{Error: "job.finished", Detail: "delivered"}, finished)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool { return !sessions.Has("job-4") }, 2*time.Second, 10*time.Millisecond)
}

func TestJobWSRejectsForeignOrigin(t *testing.T) {
	orch := &fakeOrchestrator{ready: true, jobs: map[string]jobs.Job{
		"job-3": {ID: "job-3", Stage: jobs.StageSTTPending},
	}}
	ts, _, _ := newTestServer(t, orch)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, "job-3"), header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestPreviewTTS(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		audio  []byte
		err    error
		status int
	}{
		{name: "ok", body: `{"text":"olá"}`, audio: []byte("RIFF"), status: http.StatusOK},
		{name: "empty text", body: `{"text":"  "}`, status: http.StatusBadRequest},
		{name: "no body", body: ``, status: http.StatusBadRequest},
		{name: "bad json", body: `{`, status: http.StatusBadRequest},
		{name: "unavailable", body: `{"text":"a"}`, err: orchestrator.ErrUnavailable, status: http.StatusServiceUnavailable},
		{name: "timeout", body: `{"text":"a"}`, err: orchestrator.ErrNoReply, status: http.StatusGatewayTimeout},
		{name: "worker error", body: `{"text":"a"}`, err: errors.New("empty audio"), status: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts, _, _ := newTestServer(t, &fakeOrchestrator{ready: true, previewAudio: tc.audio, previewErr: tc.err})
			res, err := http.Post(ts.URL+"/v1/tts/preview", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer res.Body.Close()
			assert.Equal(t, tc.status, res.StatusCode)
			if tc.status == http.StatusOK {
				assert.Equal(t, "audio/wav", res.Header.Get("Content-Type"))
			}
		})
	}
}

func TestListToolsAndPerfStages(t *testing.T) {
	ts, _, metrics := newTestServer(t, &fakeOrchestrator{ready: true})
	metrics.ObserveStage("agent", 120*time.Millisecond)

	res, err := http.Get(ts.URL + "/v1/tools")
	require.NoError(t, err)
	var listed struct {
		Tools []tools.Spec `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&listed))
	res.Body.Close()
	require.Len(t, listed.Tools, 1)
	assert.Equal(t, "clock", listed.Tools[0].Name)

	res, err = http.Get(ts.URL + "/v1/perf/stages")
	require.NoError(t, err)
	defer res.Body.Close()
	var snap observability.StageSnapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, "agent", snap.Stages[0].Stage)
	assert.Equal(t, 1, snap.Stages[0].Samples)
}
