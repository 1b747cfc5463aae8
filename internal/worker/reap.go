package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Reaper fires the on-disconnect removals of connections whose heartbeat stopped.
type Reaper interface {
	Reap(ctx context.Context, staleAfter time.Duration) (int, error)
}

// PresenceReapHandler processes TypePresenceReap tasks.
type PresenceReapHandler struct {
	reaper     Reaper
	staleAfter time.Duration
	log        *logrus.Entry
}

// NewPresenceReapHandler creates the handler. staleAfter is used when a task
// carries no window of its own.
func NewPresenceReapHandler(reaper Reaper, staleAfter time.Duration, logger *logrus.Entry) *PresenceReapHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PresenceReapHandler{
		reaper:     reaper,
		staleAfter: staleAfter,
		log:        logger.WithField("component", "presence_reaper"),
	}
}

// ProcessTask implements asynq.Handler.
func (h *PresenceReapHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := h.log.WithFields(taskLogFields(t))

	payload := PresenceReapPayload{StaleAfter: h.staleAfter}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			logCtx.WithError(err).Error("failed to unmarshal reap payload")
			return fmt.Errorf("worker: reap payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.StaleAfter <= 0 {
		return fmt.Errorf("worker: reap window must be positive: %w", asynq.SkipRetry)
	}

	n, err := h.reaper.Reap(ctx, payload.StaleAfter)
	if err != nil {
		return fmt.Errorf("worker: reap: %w", err)
	}
	if n > 0 {
		logCtx.WithField("reaped", n).Info("stale connections reaped")
	}
	return nil
}
