package handler

import (
	"context"

	"pairchat/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// OnlineCounter reports how many clients are connected across all gateways.
type OnlineCounter func(ctx context.Context) (int64, error)

// Handler містить посилання на ChatHub
type Handler struct {
	Hub    *chathub.ManagerService
	online OnlineCounter
	secret []byte
	log    *logrus.Entry
}

// NewHandler builds the HTTP handlers. online may be nil, in which case
// /stats reports only this gateway's clients.
func NewHandler(hub *chathub.ManagerService, jwtSecret string, online OnlineCounter, logger *logrus.Entry) *Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		Hub:    hub,
		online: online,
		secret: []byte(jwtSecret),
		log:    logger.WithField("component", "http"),
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/anonid", h.GetAnonID)
	r.GET("/ws", h.ServeWebSocket)
	r.GET("/stats", h.GetStats)
}
