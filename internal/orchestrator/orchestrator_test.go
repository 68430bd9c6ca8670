package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teddyo/teddyvoice/internal/audio"
	"github.com/teddyo/teddyvoice/internal/breaker"
	"github.com/teddyo/teddyvoice/internal/pipeline"
	"github.com/teddyo/teddyvoice/internal/providers/tts"
	"github.com/teddyo/teddyvoice/internal/session"
	"github.com/teddyo/teddyvoice/internal/utils"
	"github.com/teddyo/teddyvoice/internal/ws"
)

type fakeSender struct {
	mu      sync.Mutex
	frames  map[string][]any
	dropped []string
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: map[string][]any{}}
}

func (f *fakeSender) Send(sessionID string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[sessionID] = append(f.frames[sessionID], v)
	return nil
}

func (f *fakeSender) Drop(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, sessionID)
}

func (f *fakeSender) sent(sessionID string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.frames[sessionID]...)
}

type fakeTranscriber struct {
	mu     sync.Mutex
	text   string
	err    error
	chunks [][]byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte) (string, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, append([]byte(nil), audio...))
	if f.err != nil {
		return "", 0, f.err
	}
	return f.text, 0.92, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

type fakeProcessor struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (f *fakeProcessor) Process(_ context.Context, req pipeline.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.texts = append(f.texts, req.Text)
	return "reply to " + req.Text, nil
}

type fakeSynth struct {
	fail bool
}

func (f *fakeSynth) Synthesize(_ context.Context, _ string) tts.Result {
	if f.fail {
		return tts.Result{Success: false, Errors: map[string]string{"elevenlabs": "api down"}}
	}
	return tts.Result{Success: true, Audio: []byte("mp3-bytes"), Format: "mp3", Provider: "elevenlabs"}
}

type fakeUpstream struct {
	mu       sync.Mutex
	sendErr  error
	connects int
	closes   int
	sent     []string
}

func (f *fakeUpstream) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeUpstream) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeUpstream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeUpstream) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type harness struct {
	orch   *Orchestrator
	sess   *session.Session
	sender *fakeSender
	stt    *fakeTranscriber
	proc   *fakeProcessor
	synth  *fakeSynth
}

func newHarness(t *testing.T, chunkSize int) *harness {
	t.Helper()
	return newHarnessWithUpstream(t, chunkSize, nil)
}

func newHarnessWithUpstream(t *testing.T, chunkSize int, upstream UpstreamDialer) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	buf, err := audio.NewBuffer(8192, chunkSize)
	require.NoError(t, err)

	sessions := session.NewRegistry(10)
	sess, err := sessions.Create("sess-1", nil)
	require.NoError(t, err)

	sender := newFakeSender()
	transcriber := &fakeTranscriber{text: "مرحبا"}
	proc := &fakeProcessor{}
	synth := &fakeSynth{}
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 3, Timeout: time.Minute}, log)

	orch := New(buf, sessions, sender, transcriber, proc, synth, breakers, upstream,
		Config{SweepInterval: time.Hour, IdleTimeout: time.Hour}, log)

	return &harness{orch: orch, sess: sess, sender: sender, stt: transcriber, proc: proc, synth: synth}
}

func frame(t *testing.T, v ws.ClientFrame) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHandleFramePing(t *testing.T) {
	h := newHarness(t, 1024)

	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "ping"}))

	sent := h.sender.sent("sess-1")
	require.Len(t, sent, 1)
	assert.Equal(t, ws.PongFrame{Type: "pong"}, sent[0])
}

func TestHandleFrameText(t *testing.T) {
	h := newHarness(t, 1024)

	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "text", Text: "كيف حالك؟"}))

	sent := h.sender.sent("sess-1")
	require.Len(t, sent, 1)
	af, ok := sent[0].(ws.AudioFrame)
	require.True(t, ok, "expected an audio frame, got %T", sent[0])
	assert.Equal(t, "audio", af.Type)
	assert.Equal(t, "كيف حالك؟", af.Text)
	assert.Equal(t, "reply to كيف حالك؟", af.Response)
	assert.Equal(t, "mp3", af.Format)
	assert.Equal(t, "elevenlabs", af.Provider)
	assert.NotEmpty(t, af.Timestamp)

	decoded, err := base64.StdEncoding.DecodeString(af.Audio)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3-bytes"), decoded)
}

func TestHandleFrameTextForwardsReplyUpstream(t *testing.T) {
	up := &fakeUpstream{}
	h := newHarnessWithUpstream(t, 1024, up)

	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "text", Text: "كيف حالك؟"}))

	require.Equal(t, []string{"reply to كيف حالك؟"}, up.sentTexts())
	// The client still gets its audio frame.
	require.Len(t, h.sender.sent("sess-1"), 1)
}

func TestHandleFrameTextUpstreamSendFailureIsNonFatal(t *testing.T) {
	up := &fakeUpstream{sendErr: errors.New("upstream not connected")}
	h := newHarnessWithUpstream(t, 1024, up)

	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "text", Text: "سؤال"}))

	sent := h.sender.sent("sess-1")
	require.Len(t, sent, 1)
	_, ok := sent[0].(ws.AudioFrame)
	assert.True(t, ok, "expected an audio frame, got %T", sent[0])
}

func TestHandleFrameAudioDrainsChunks(t *testing.T) {
	h := newHarness(t, 4)

	// 8 bytes against a 4-byte chunk size drains two chunks, each
	// transcribed and answered.
	payload := base64.StdEncoding.EncodeToString([]byte("abcdefgh"))
	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "audio", Audio: payload}))

	require.Equal(t, 2, h.stt.callCount())
	assert.Equal(t, []byte("abcd"), h.stt.chunks[0])
	assert.Equal(t, []byte("efgh"), h.stt.chunks[1])
	assert.Len(t, h.sender.sent("sess-1"), 2)
}

func TestHandleFrameAudioBuffersBelowChunkSize(t *testing.T) {
	h := newHarness(t, 8)

	short := base64.StdEncoding.EncodeToString([]byte("abcd"))
	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "audio", Audio: short}))
	assert.Zero(t, h.stt.callCount())
	assert.Empty(t, h.sender.sent("sess-1"))

	// The second frame crosses the threshold and triggers one drain.
	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "audio", Audio: short}))
	require.Equal(t, 1, h.stt.callCount())
	assert.Equal(t, []byte("abcdabcd"), h.stt.chunks[0])
}

func TestHandleFrameAudioInvalidBase64(t *testing.T) {
	h := newHarness(t, 1024)

	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "audio", Audio: "not base64!!"}))

	sent := h.sender.sent("sess-1")
	require.Len(t, sent, 1)
	ef, ok := sent[0].(ws.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "invalid audio payload", ef.Message)
}

func TestHandleFrameTranscriptionFailure(t *testing.T) {
	h := newHarness(t, 4)
	h.stt.err = errors.New("speech api timeout")

	payload := base64.StdEncoding.EncodeToString([]byte("abcd"))
	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "audio", Audio: payload}))

	sent := h.sender.sent("sess-1")
	require.Len(t, sent, 1)
	ef, ok := sent[0].(ws.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "could not transcribe audio", ef.Message)
}

func TestHandleFrameSilentChunkProducesNoResponse(t *testing.T) {
	h := newHarness(t, 4)
	h.stt.text = "   "

	payload := base64.StdEncoding.EncodeToString([]byte("abcd"))
	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "audio", Audio: payload}))

	assert.Equal(t, 1, h.stt.callCount())
	assert.Empty(t, h.sender.sent("sess-1"))
}

func TestHandleFrameControlTogglesStreaming(t *testing.T) {
	h := newHarness(t, 4)
	payload := base64.StdEncoding.EncodeToString([]byte("abcd"))

	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "control", Command: "stop_stream"}))
	sent := h.sender.sent("sess-1")
	require.Len(t, sent, 1)
	assert.Equal(t, ws.ControlResponseFrame{Type: "control_response", Command: "stop_stream", Status: "ok"}, sent[0])

	// Audio while stopped is discarded silently.
	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "audio", Audio: payload}))
	assert.Zero(t, h.stt.callCount())

	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "control", Command: "start_stream"}))
	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "audio", Audio: payload}))
	assert.Equal(t, 1, h.stt.callCount())
}

func TestHandleFrameUnknownControlCommand(t *testing.T) {
	h := newHarness(t, 1024)

	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "control", Command: "reboot"}))

	sent := h.sender.sent("sess-1")
	require.Len(t, sent, 1)
	ef, ok := sent[0].(ws.ErrorFrame)
	require.True(t, ok)
	assert.Contains(t, ef.Message, "unknown control command")
}

func TestHandleFrameUnknownType(t *testing.T) {
	h := newHarness(t, 1024)

	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "video"}))

	sent := h.sender.sent("sess-1")
	require.Len(t, sent, 1)
	ef, ok := sent[0].(ws.ErrorFrame)
	require.True(t, ok)
	assert.Contains(t, ef.Message, "unknown frame type")
}

func TestHandleFrameInvalidJSON(t *testing.T) {
	h := newHarness(t, 1024)

	h.orch.HandleFrame(h.sess, []byte("{not json"))

	sent := h.sender.sent("sess-1")
	require.Len(t, sent, 1)
	ef, ok := sent[0].(ws.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "invalid frame", ef.Message)
}

func TestRespondSynthesisFailure(t *testing.T) {
	h := newHarness(t, 1024)
	h.synth.fail = true

	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "text", Text: "سؤال"}))

	sent := h.sender.sent("sess-1")
	require.Len(t, sent, 1)
	ef, ok := sent[0].(ws.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "voice synthesis is unavailable", ef.Message)
}

func TestRespondPipelineRejection(t *testing.T) {
	h := newHarness(t, 1024)
	h.proc.err = utils.E(utils.CodeNotFound, "Pipeline.Process", "session not found", nil)

	h.orch.HandleFrame(h.sess, frame(t, ws.ClientFrame{Type: "text", Text: "سؤال"}))

	sent := h.sender.sent("sess-1")
	require.Len(t, sent, 1)
	ef, ok := sent[0].(ws.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "failed to process message", ef.Message)
}

func TestSweepIdleDropsStaleSessions(t *testing.T) {
	h := newHarness(t, 1024)
	h.orch.cfg.IdleTimeout = time.Nanosecond

	time.Sleep(5 * time.Millisecond)
	h.orch.sweepIdle()

	assert.Equal(t, []string{"sess-1"}, h.sender.dropped)
}
