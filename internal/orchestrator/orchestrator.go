package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teddyo/teddyvoice/internal/audio"
	"github.com/teddyo/teddyvoice/internal/breaker"
	"github.com/teddyo/teddyvoice/internal/logger"
	"github.com/teddyo/teddyvoice/internal/pipeline"
	"github.com/teddyo/teddyvoice/internal/providers/tts"
	"github.com/teddyo/teddyvoice/internal/session"
	"github.com/teddyo/teddyvoice/internal/ws"
)

// Collaborator seams, narrowed to what the orchestrator actually calls.

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (text string, confidence float64, err error)
}

type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) tts.Result
}

// ClientSender is the slice of the connection manager the orchestrator
// needs for outbound delivery and forced teardown.
type ClientSender interface {
	Send(sessionID string, v any) error
	Drop(sessionID string)
}

// UpstreamDialer is the optional outbound synthesis socket.
type UpstreamDialer interface {
	Connect(ctx context.Context) error
	SendText(text string) error
	Close()
}

type Config struct {
	SweepInterval time.Duration
	IdleTimeout   time.Duration
}

// Orchestrator wires the connection manager, audio buffer, transcription,
// pipeline, and synthesis chain together, and owns their lifecycle. All
// collaborators are passed in explicitly; nothing here is a global.
type Orchestrator struct {
	buffer   *audio.Buffer
	sessions *session.Registry
	sender   ClientSender
	stt      Transcriber
	pipeline Processor
	synth    Synthesizer
	breakers *breaker.Registry
	upstream UpstreamDialer // may be nil when no upstream is configured
	cfg      Config
	log      *logrus.Entry

	mu        sync.Mutex
	streaming bool
	stop      chan struct{}
	wg        sync.WaitGroup
	ctx       context.Context
}

func New(buffer *audio.Buffer, sessions *session.Registry, sender ClientSender,
	stt Transcriber, proc Processor, synth Synthesizer, breakers *breaker.Registry,
	upstream UpstreamDialer, cfg Config, log *logrus.Logger) *Orchestrator {

	if log == nil {
		log = logrus.New()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Orchestrator{
		buffer:    buffer,
		sessions:  sessions,
		sender:    sender,
		stt:       stt,
		pipeline:  proc,
		synth:     synth,
		breakers:  breakers,
		upstream:  upstream,
		cfg:       cfg,
		log:       logger.Component(log, "orchestrator"),
		streaming: true, // ready to accept audio as soon as a client connects
		stop:      make(chan struct{}),
		ctx:       context.Background(),
	}
}

// Start connects the upstream socket and launches the idle-session sweeper.
// An upstream dial failure is logged, not fatal; its own reconnect loop
// takes over from there.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx = ctx

	if o.upstream != nil {
		if err := o.upstream.Connect(ctx); err != nil {
			o.log.WithError(err).Warn("upstream connect failed, reconnect loop will retry")
		}
	}

	o.wg.Add(1)
	go o.sweepLoop()
}

// Stop tears down the sweeper and the upstream socket. Inbound connections
// are closed by the connection manager, not here.
func (o *Orchestrator) Stop() {
	close(o.stop)
	o.wg.Wait()
	if o.upstream != nil {
		o.upstream.Close()
	}
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.sweepIdle()
		}
	}
}

func (o *Orchestrator) sweepIdle() {
	swept := o.sessions.SweepIdle(o.cfg.IdleTimeout)
	for _, s := range swept {
		o.sender.Drop(s.ID)
	}
	if len(swept) > 0 {
		o.log.WithField("swept", len(swept)).Info("closed idle sessions")
	}
}

// HandleFrame dispatches one inbound client frame. It runs synchronously on
// the connection's read loop, which keeps requests for a session in arrival
// order with at most one in flight.
func (o *Orchestrator) HandleFrame(sess *session.Session, data []byte) {
	var frame ws.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		o.sendError(sess.ID, "invalid frame")
		return
	}

	switch frame.Type {
	case "ping":
		_ = o.sender.Send(sess.ID, ws.PongFrame{Type: "pong"})
	case "audio":
		o.handleAudio(sess, frame.Audio)
	case "text":
		o.handleText(sess, frame.Text)
	case "control":
		o.handleControl(sess, frame.Command)
	default:
		o.sendError(sess.ID, "unknown frame type: "+frame.Type)
	}
}

// handleAudio buffers the decoded payload and drains complete chunks
// through transcription into the pipeline. Overflow inside the buffer is
// policy (drop oldest), never an error to the client.
func (o *Orchestrator) handleAudio(sess *session.Session, payload string) {
	if !o.isStreaming() {
		o.log.WithField("session_id", sess.ID).Debug("audio frame while streaming stopped, discarding")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		o.sendError(sess.ID, "invalid audio payload")
		return
	}
	if len(raw) == 0 {
		return
	}

	o.buffer.Write(raw)

	for o.buffer.Size() >= o.buffer.ChunkSize() {
		chunk, err := o.buffer.Read(o.buffer.ChunkSize())
		if err != nil || len(chunk) == 0 {
			return
		}

		var text string
		err = o.breakers.Get("stt").Do(o.ctx, func(ctx context.Context) error {
			var trErr error
			text, _, trErr = o.stt.Transcribe(ctx, chunk)
			return trErr
		})
		if err != nil {
			o.log.WithField("session_id", sess.ID).WithError(err).Warn("transcription failed")
			o.sendError(sess.ID, "could not transcribe audio")
			return
		}
		if strings.TrimSpace(text) == "" {
			continue // silence or noise, nothing to answer
		}

		o.respond(sess, text)
	}
}

func (o *Orchestrator) handleText(sess *session.Session, text string) {
	if strings.TrimSpace(text) == "" {
		o.sendError(sess.ID, "empty text")
		return
	}
	o.respond(sess, text)
}

func (o *Orchestrator) handleControl(sess *session.Session, command string) {
	switch command {
	case "start_stream":
		o.setStreaming(true)
	case "stop_stream":
		o.setStreaming(false)
		o.buffer.Clear()
	default:
		o.sendError(sess.ID, "unknown control command: "+command)
		return
	}

	o.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"command":    command,
	}).Info("streaming state changed")
	_ = o.sender.Send(sess.ID, ws.ControlResponseFrame{
		Type:    "control_response",
		Command: command,
		Status:  "ok",
	})
}

// respond drives the pipeline and synthesis chain for one user utterance
// and delivers exactly one well-formed frame back to the client.
func (o *Orchestrator) respond(sess *session.Session, userText string) {
	reply, err := o.pipeline.Process(o.ctx, pipeline.Request{SessionID: sess.ID, Text: userText})
	if err != nil {
		o.log.WithField("session_id", sess.ID).WithError(err).Error("pipeline rejected request")
		o.sendError(sess.ID, "failed to process message")
		return
	}

	// Feed the reply into the upstream streaming socket too; its audio comes
	// back asynchronously through the broadcast path. Not connected is fine,
	// the per-turn synthesis below is the guaranteed delivery.
	if o.upstream != nil {
		if err := o.upstream.SendText(reply); err != nil {
			o.log.WithField("session_id", sess.ID).WithError(err).Debug("upstream text send skipped")
		}
	}

	result := o.synth.Synthesize(o.ctx, reply)
	if !result.Success {
		o.log.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"errors":     result.Errors,
		}).Error("all synthesis providers failed")
		o.sendError(sess.ID, "voice synthesis is unavailable")
		return
	}

	_ = o.sender.Send(sess.ID, ws.AudioFrame{
		Type:      "audio",
		Audio:     base64.StdEncoding.EncodeToString(result.Audio),
		Format:    result.Format,
		Text:      userText,
		Response:  reply,
		Provider:  result.Provider,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (o *Orchestrator) sendError(sessionID, msg string) {
	_ = o.sender.Send(sessionID, ws.ErrorFrame{Type: "error", Message: msg})
}

func (o *Orchestrator) isStreaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streaming
}

func (o *Orchestrator) setStreaming(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.streaming = v
}
