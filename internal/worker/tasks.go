// Package worker runs the periodic background jobs of the gateway on asynq:
// reaping stale store connections and collecting dead rooms.
package worker

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Task types
const (
	TypePresenceReap = "presence:reap"
	TypeRoomGC       = "rooms:gc"
)

const queueMaintenance = "maintenance"

// PresenceReapPayload carries the liveness window of a reap run.
type PresenceReapPayload struct {
	StaleAfter time.Duration `json:"stale_after"`
}

// NewPresenceReapTask creates a reap task for connections silent longer than staleAfter.
func NewPresenceReapTask(staleAfter time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(PresenceReapPayload{StaleAfter: staleAfter})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePresenceReap, payload), nil
}

// NewRoomGCTask creates a room collection task. It has no payload; the
// retention windows belong to the handler.
func NewRoomGCTask() *asynq.Task {
	return asynq.NewTask(TypeRoomGC, nil)
}

func taskLogFields(t *asynq.Task) logrus.Fields {
	fields := logrus.Fields{"task_type": t.Type()}
	if rw := t.ResultWriter(); rw != nil {
		fields["task_id"] = rw.TaskID()
	}
	return fields
}
