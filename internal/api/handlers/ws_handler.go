package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/teddyo/teddyvoice/internal/logger"
	"github.com/teddyo/teddyvoice/internal/ws"
)

// WSHandler upgrades the device's HTTP request and hands the connection to
// the connection manager; the orchestrator supplies the frame handler.
type WSHandler struct {
	manager  *ws.Manager
	handler  ws.Handler
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewWSHandler(manager *ws.Manager, handler ws.Handler, log *logrus.Logger) *WSHandler {
	if log == nil {
		log = logrus.New()
	}
	return &WSHandler{
		manager: manager,
		handler: handler,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
		log: logger.Component(log, "ws-handler"),
	}
}

func (h *WSHandler) Stream(c *gin.Context) {
	deviceID, ok := requireDeviceID(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		h.log.WithField("device_id", deviceID).WithError(err).Warn("upgrade failed")
		return
	}

	h.log.WithField("device_id", deviceID).Info("device connected")
	h.manager.Accept(conn, h.handler)
}
