package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teddyo/teddyvoice/internal/analytics"
	"github.com/teddyo/teddyvoice/internal/breaker"
	"github.com/teddyo/teddyvoice/internal/logger"
	"github.com/teddyo/teddyvoice/internal/providers/llm"
	"github.com/teddyo/teddyvoice/internal/providers/moderation"
	"github.com/teddyo/teddyvoice/internal/session"
	"github.com/teddyo/teddyvoice/internal/utils"
)

// Canned replies. The device speaks Arabic to children; these are the
// product's fixed safe responses.
const (
	systemPrompt       = "أنت مساعد ذكي ودود للأطفال. أجب باختصار وبلغة عربية سهلة."
	blockedInputReply  = "عذراً، لا يمكنني الإجابة على هذا السؤال. هل يمكنك طرح سؤال آخر؟"
	blockedOutputReply = "عذراً، لا يمكنني الإجابة على هذا السؤال بشكل مناسب. هل يمكنك طرح سؤال آخر؟"
	fallbackReply      = "عذراً، لم أستطع فهم ما تقول. هل يمكنك إعادة المحاولة؟"
)

const maxRetries = 2

// Request flows through the stage sequence; short-lived, never persisted.
type Request struct {
	SessionID  string
	Text       string
	RetryCount int
}

// Generator is the external LLM collaborator.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
}

type Config struct {
	FailClosed          bool          // moderation outage policy; default fail open
	CollaboratorTimeout time.Duration // deadline per external call
	RetryDelay          time.Duration
}

// Pipeline executes the fixed stage order
// inputModeration -> contextBuild -> generation -> outputModeration -> logging
// per request. Each stage either continues or terminates with a reply;
// exhausted failures become the fixed fallback sentence, so the caller
// always gets a speakable string.
type Pipeline struct {
	sessions   *session.Registry
	moderator  moderation.Provider
	generator  Generator
	sink       analytics.Sink
	llmBreaker *breaker.Breaker
	modBreaker *breaker.Breaker
	cfg        Config
	log        *logrus.Entry

	stages []stage
}

type stage struct {
	name string
	run  func(ctx context.Context, sc *stageContext) (stageResult, error)
}

type stageResult struct {
	terminal bool
	reply    string
}

var next = stageResult{}

func terminal(reply string) stageResult { return stageResult{terminal: true, reply: reply} }

// stageContext is the per-request scratch state handed from stage to stage.
// Constructed fresh per request and owned by one goroutine; no locking.
type stageContext struct {
	req      Request
	messages []llm.Message
	reply    string
}

func New(sessions *session.Registry, moderator moderation.Provider, generator Generator,
	sink analytics.Sink, breakers *breaker.Registry, cfg Config, log *logrus.Logger) *Pipeline {

	if log == nil {
		log = logrus.New()
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = 15 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	p := &Pipeline{
		sessions:  sessions,
		moderator: moderator,
		generator: generator,
		sink:      sink,
		// A cancelled caller context means the client went away mid-turn,
		// not that the model is unhealthy; keep those out of the failure
		// counters.
		llmBreaker: breakers.GetWith("llm", func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}),
		modBreaker: breakers.Get("moderation"),
		cfg:        cfg,
		log:        logger.Component(log, "pipeline"),
	}
	p.stages = []stage{
		{name: "input_moderation", run: p.inputModeration},
		{name: "context_build", run: p.contextBuild},
		{name: "generation", run: p.generation},
		{name: "output_moderation", run: p.outputModeration},
		{name: "logging", run: p.logging},
	}
	return p
}

// Process runs one request through the pipeline and always produces a
// speakable reply. The only error it returns is the fail-fast kind: an
// unknown session id or empty text, which indicate a caller bug rather
// than a collaborator failure.
func (p *Pipeline) Process(ctx context.Context, req Request) (string, error) {
	const op = "Pipeline.Process"

	if strings.TrimSpace(req.Text) == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "text is required", nil)
	}
	if _, err := p.sessions.Get(req.SessionID); err != nil {
		return "", err
	}

	sc := &stageContext{req: req}
	for _, st := range p.stages {
		res, err := st.run(ctx, sc)
		if err != nil {
			return p.recover(ctx, req, st.name, err)
		}
		if res.terminal {
			return res.reply, nil
		}
	}
	return sc.reply, nil
}

/// recover applies the retry policy: circuit-open rejections go straight to
// the fallback sentence; transient causes get a bounded retry; everything
// else falls back immediately.
func (p *Pipeline) recover(ctx context.Context, req Request, stageName string, err error) (string, error) {
	log := p.log.WithFields(logrus.Fields{
		"session_id": req.SessionID,
		"stage":      stageName,
		"attempt":    req.RetryCount,
	})

	if breaker.IsOpen(err) {
		log.WithError(err).Warn("dependency circuit open, using fallback reply")
		return fallbackReply, nil
	}

	if req.RetryCount < maxRetries && isTransient(err) {
		log.WithError(err).Info("transient failure, retrying")
		select {
		case <-ctx.Done():
			return fallbackReply, nil
		case <-time.After(p.cfg.RetryDelay):
		}
		req.RetryCount++
		return p.Process(ctx, req)
	}

	log.WithError(err).Error("pipeline failed, using fallback reply")
	return fallbackReply, nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"timeout", "connection", "rate limit"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func (p *Pipeline) inputModeration(ctx context.Context, sc *stageContext) (stageResult, error) {
	dec, err := p.moderate(ctx, sc.req.Text)
	if err != nil {
		return p.moderationOutage(sc, "input moderation unavailable", blockedInputReply, err)
	}
	if !dec.Allowed {
		p.log.WithFields(logrus.Fields{
			"session_id": sc.req.SessionID,
			"reason":     dec.Reason,
		}).Warn("input blocked by moderation")
		return terminal(blockedInputReply), nil
	}
	return next, nil
}

func (p *Pipeline) contextBuild(ctx context.Context, sc *stageContext) (stageResult, error) {
	sess, err := p.sessions.Get(sc.req.SessionID)
	if err != nil {
		return next, err
	}

	history := sess.RecentHistory()
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, t := range history {
		switch t.Role {
		case session.RoleUser:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: t.Content})
		case session.RoleAssistant:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: t.Content})
		}
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: sc.req.Text})

	sc.messages = messages
	return next, nil
}

func (p *Pipeline) generation(ctx context.Context, sc *stageContext) (stageResult, error) {
	var reply string
	err := p.llmBreaker.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CollaboratorTimeout)
		defer cancel()

		out, genErr := p.generator.Generate(callCtx, sc.messages)
		if genErr != nil {
			return genErr
		}
		if strings.TrimSpace(out) == "" {
			return errors.New("empty response from llm")
		}
		reply = out
		return nil
	})
	if err != nil {
		return next, err
	}
	sc.reply = reply
	return next, nil
}

func (p *Pipeline) outputModeration(ctx context.Context, sc *stageContext) (stageResult, error) {
	dec, err := p.moderate(ctx, sc.reply)
	if err != nil {
		return p.moderationOutage(sc, "output moderation unavailable", blockedOutputReply, err)
	}
	if !dec.Allowed {
		p.log.WithFields(logrus.Fields{
			"session_id": sc.req.SessionID,
			"reason":     dec.Reason,
		}).Warn("generated reply blocked by moderation")
		return terminal(blockedOutputReply), nil
	}
	return next, nil
}

// logging appends both turns to the session and emits the analytics event.
// Sink failures never fail the request.
func (p *Pipeline) logging(ctx context.Context, sc *stageContext) (stageResult, error) {
	now := time.Now().UTC()
	_ = p.sessions.AppendTurn(sc.req.SessionID, session.Turn{
		Role: session.RoleUser, Content: sc.req.Text, Timestamp: now,
	})
	_ = p.sessions.AppendTurn(sc.req.SessionID, session.Turn{
		Role: session.RoleAssistant, Content: sc.reply, Timestamp: now,
	})
	_ = p.sessions.Touch(sc.req.SessionID)

	go func(in analytics.Interaction) {
		logCtx, cancel := context.WithTimeout(context.Background(), p.cfg.CollaboratorTimeout)
		defer cancel()
		if err := p.sink.LogInteraction(logCtx, in); err != nil {
			p.log.WithField("session_id", in.SessionID).WithError(err).Warn("analytics log failed")
		}
	}(analytics.Interaction{
		SessionID:     sc.req.SessionID,
		UserText:      sc.req.Text,
		AssistantText: sc.reply,
		Timestamp:     now,
	})

	return next, nil
}

func (p *Pipeline) moderate(ctx context.Context, text string) (moderation.Decision, error) {
	var dec moderation.Decision
	err := p.modBreaker.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CollaboratorTimeout)
		defer cancel()

		var checkErr error
		dec, checkErr = p.moderator.CheckContent(callCtx, text)
		return checkErr
	})
	return dec, err
}

// moderationOutage applies the configured outage policy: fail open (allow,
// warn) by default, or fail closed (canned block reply) when configured.
func (p *Pipeline) moderationOutage(sc *stageContext, msg, blockedReply string, err error) (stageResult, error) {
	if p.cfg.FailClosed {
		p.log.WithField("session_id", sc.req.SessionID).WithError(err).Warn(msg + ", failing closed")
		return terminal(blockedReply), nil
	}
	p.log.WithField("session_id", sc.req.SessionID).WithError(err).Warn(msg + ", failing open")
	return next, nil
}
