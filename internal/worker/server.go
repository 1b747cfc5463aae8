package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Schedule says how often each periodic task is enqueued.
type Schedule struct {
	ReapInterval time.Duration
	StaleAfter   time.Duration
	GCInterval   time.Duration
}

// WorkerServer wraps the asynq server that runs the handlers and the
// scheduler that enqueues them.
type WorkerServer struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	schedule  Schedule
	log       *logrus.Entry
}

// NewWorkerServer creates the server. Either handler may be nil, in which case
// its task is neither scheduled nor handled.
func NewWorkerServer(redisOpt asynq.RedisConnOpt, reap *PresenceReapHandler, gc *RoomGC, schedule Schedule, logger *logrus.Entry) *WorkerServer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{queueMaintenance: 1},
		Logger:      logEntry,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retryCount, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logEntry.WithFields(taskLogFields(task)).WithFields(logrus.Fields{
				"retries":   retryCount,
				"max_retry": maxRetry,
			}).WithError(err).Error("task failed")
		}),
	})
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: logEntry})

	return &WorkerServer{
		server:    server,
		scheduler: scheduler,
		mux:       newMux(reap, gc),
		schedule:  schedule,
		log:       logEntry,
	}
}

func newMux(reap *PresenceReapHandler, gc *RoomGC) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	if reap != nil {
		mux.Handle(TypePresenceReap, reap)
	}
	if gc != nil {
		mux.Handle(TypeRoomGC, gc)
	}
	return mux
}

// Run registers the periodic tasks, starts processing and blocks until ctx
// is done.
func (w *WorkerServer) Run(ctx context.Context) error {
	if err := w.registerPeriodic(); err != nil {
		return err
	}
	if err := w.scheduler.Start(); err != nil {
		return fmt.Errorf("worker: start scheduler: %w", err)
	}
	if err := w.server.Start(w.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		w.scheduler.Shutdown()
		return fmt.Errorf("worker: start server: %w", err)
	}
	w.log.Info("worker server started")

	<-ctx.Done()
	w.log.Info("shutting down worker server")
	w.scheduler.Shutdown()
	w.server.Shutdown()
	return nil
}

func (w *WorkerServer) registerPeriodic() error {
	if w.schedule.ReapInterval > 0 {
		task, err := NewPresenceReapTask(w.schedule.StaleAfter)
		if err != nil {
			return err
		}
		if err := w.register(w.schedule.ReapInterval, task); err != nil {
			return err
		}
	}
	if w.schedule.GCInterval > 0 {
		if err := w.register(w.schedule.GCInterval, NewRoomGCTask()); err != nil {
			return err
		}
	}
	return nil
}

func (w *WorkerServer) register(every time.Duration, task *asynq.Task) error {
	entryID, err := w.scheduler.Register("@every "+every.String(), task,
		asynq.Queue(queueMaintenance),
		asynq.MaxRetry(0),
		asynq.Timeout(every),
	)
	if err != nil {
		return fmt.Errorf("worker: register %s: %w", task.Type(), err)
	}
	w.log.WithFields(logrus.Fields{"task_type": task.Type(), "entry_id": entryID, "every": every}).Info("periodic task registered")
	return nil
}
