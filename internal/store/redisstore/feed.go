package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	defaultPingEvery = 5 * time.Second
	feedRetryDelay   = 100 * time.Millisecond
)

// Feed is the change-event listener of one process: a single pub/sub
// connection whose events are fanned out to every attached Client.
//
// Events published while the pub/sub connection is down are lost. Once it is
// back, every attached Client re-reads all of its watched paths.
type Feed struct {
	tree
	pubsub    *redis.PubSub
	pingEvery time.Duration
	log       *logrus.Entry

	mu      sync.Mutex
	clients map[*Client]struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewFeed subscribes to the change channel of keyPrefix. pingEvery bounds how
// long a silently dead connection can go unnoticed.
func NewFeed(ctx context.Context, rdb *redis.Client, keyPrefix string, pingEvery time.Duration, logger *logrus.Entry) (*Feed, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redisstore: nil redis client")
	}
	if pingEvery <= 0 {
		pingEvery = defaultPingEvery
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	f := &Feed{
		tree:      tree{rdb: rdb, prefix: keyPrefix},
		pingEvery: pingEvery,
		log:       logger.WithField("component", "redis_feed"),
		clients:   make(map[*Client]struct{}),
		done:      make(chan struct{}),
	}

	f.pubsub = rdb.Subscribe(ctx, f.eventsChannel())
	if _, err := f.pubsub.Receive(ctx); err != nil {
		_ = f.pubsub.Close()
		return nil, fmt.Errorf("redisstore: subscribe change feed: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.run(runCtx)
	return f, nil
}

// Close stops listening. Attached clients stop receiving change events.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		err = f.pubsub.Close()
		<-f.done
	})
	return err
}

func (f *Feed) attach(c *Client) {
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
}

func (f *Feed) detach(c *Client) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
}

func (f *Feed) attached() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Client, 0, len(f.clients))
	for c := range f.clients {
		out = append(out, c)
	}
	return out
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	lost := false
	for {
		msg, err := f.pubsub.ReceiveTimeout(ctx, f.pingEvery)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				// a failed ping makes go-redis reconnect and resubscribe
				err = f.pubsub.Ping(ctx)
				if err == nil || ctx.Err() != nil {
					continue
				}
			}
			if !lost {
				f.log.WithError(err).Warn("change feed lost, reconnecting")
			}
			lost = true
			select {
			case <-ctx.Done():
				return
			case <-time.After(feedRetryDelay):
			}
			continue
		}

		if lost {
			lost = false
			f.log.Info("change feed restored, refreshing subscriptions")
			for _, c := range f.attached() {
				c.resync()
			}
		}
		if m, ok := msg.(*redis.Message); ok {
			for _, c := range f.attached() {
				c.changed(m.Payload)
			}
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
