package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/teddyo/teddyvoice/internal/logger"
)

const defaultUpstreamURLTemplate = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=eleven_multilingual_v2"

type UpstreamConfig struct {
	URL     string // optional override; {voice} handled by VoiceID when empty
	APIKey  string
	VoiceID string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c UpstreamConfig) url() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(defaultUpstreamURLTemplate, c.VoiceID)
}

// Upstream maintains the single outbound streaming connection to the cloud
// synthesis socket and forwards its audio frames into the manager's
// broadcast. Unexpected closure triggers reconnect with exponential
// backoff.
type Upstream struct {
	cfg UpstreamConfig
	mgr *Manager
	log *logrus.Entry

	mu       sync.Mutex
	conn     *websocket.Conn
	attempts int
	stopped  bool
}

func NewUpstream(cfg UpstreamConfig, mgr *Manager, log *logrus.Logger) *Upstream {
	if log == nil {
		log = logrus.New()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Upstream{
		cfg: cfg,
		mgr: mgr,
		log: logger.Component(log, "upstream"),
	}
}

// Connect dials the synthesis socket, sends the one-time configuration
// frame, and spawns the listener. A successful connect resets the backoff
// attempt counter.
func (u *Upstream) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("xi-api-key", u.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.cfg.url(), header)
	if err != nil {
		return err
	}

	// One-time configuration frame opening the synthesis stream.
	boot := map[string]any{
		"text": " ",
		"voice_settings": map[string]float64{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"xi_api_key": u.cfg.APIKey,
	}
	if err := conn.WriteJSON(boot); err != nil {
		_ = conn.Close()
		return err
	}

	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("upstream closed")
	}
	u.conn = conn
	u.attempts = 0
	u.mu.Unlock()

	u.log.Info("upstream connected")
	go u.listen(ctx, conn)
	return nil
}

// SendText pushes a text fragment into the synthesis stream.
func (u *Upstream) SendText(text string) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("upstream not connected")
	}
	if text != "" && !strings.HasSuffix(text, " ") {
		text += " "
	}
	return conn.WriteJSON(map[string]any{"text": text})
}

// listen forwards inbound upstream audio frames to every client and kicks
// off reconnection when the socket closes underneath us.
func (u *Upstream) listen(ctx context.Context, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			u.mu.Lock()
			if u.conn == conn {
				u.conn = nil
			}
			stopped := u.stopped
			u.mu.Unlock()

			if stopped || ctx.Err() != nil {
				return
			}
			u.log.WithError(err).Warn("upstream connection lost")
			u.reconnectWithBackoff(ctx)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			u.mgr.BroadcastRaw(websocket.BinaryMessage, data)
		case websocket.TextMessage:
			var frame struct {
				Audio string `json:"audio"`
			}
			if json.Unmarshal(data, &frame) != nil || frame.Audio == "" {
				continue
			}
			if raw, err := base64.StdEncoding.DecodeString(frame.Audio); err == nil {
				u.mgr.BroadcastRaw(websocket.BinaryMessage, raw)
			}
		}
	}
}

// reconnectWithBackoff retries with delay base*2^(attempt-1), capped at
// MaxDelay, and gives up for good after MaxAttempts.
func (u *Upstream) reconnectWithBackoff(ctx context.Context) {
	for {
		u.mu.Lock()
		if u.stopped {
			u.mu.Unlock()
			return
		}
		u.attempts++
		attempt := u.attempts
		u.mu.Unlock()

		if attempt > u.cfg.MaxAttempts {
			u.log.WithField("attempts", u.cfg.MaxAttempts).Error("upstream reconnect exhausted, giving up")
			return
		}

		delay := backoffDelay(u.cfg.BaseDelay, u.cfg.MaxDelay, attempt)
		u.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay.String()}).Info("reconnecting upstream")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := u.Connect(ctx)
		if err == nil {
			return
		}
		u.log.WithField("attempt", attempt).WithError(err).Warn("upstream reconnect failed")
	}
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Close shuts the upstream down for good; the listener will not reconnect.
func (u *Upstream) Close() {
	u.mu.Lock()
	u.stopped = true
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}
