package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teddyo/teddyvoice/internal/audio"
	"github.com/teddyo/teddyvoice/internal/breaker"
	"github.com/teddyo/teddyvoice/internal/session"
)

type HealthHandler struct {
	buffer    *audio.Buffer
	sessions  *session.Registry
	breakers  *breaker.Registry
	startedAt time.Time
}

func NewHealthHandler(buffer *audio.Buffer, sessions *session.Registry, breakers *breaker.Registry) *HealthHandler {
	return &HealthHandler{
		buffer:    buffer,
		sessions:  sessions,
		breakers:  breakers,
		startedAt: time.Now().UTC(),
	}
}

type healthResponse struct {
	Status         string           `json:"status"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
	ActiveSessions int              `json:"active_sessions"`
	Buffer         audio.Stats      `json:"buffer"`
	Breakers       []breaker.Status `json:"breakers"`
}

func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
		ActiveSessions: h.sessions.Count(),
		Buffer:         h.buffer.Stats(),
		Breakers:       h.breakers.Statuses(),
	})
}
