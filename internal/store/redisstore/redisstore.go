// Package redisstore implements store.Store on Redis.
//
// Values are JSON strings under prefixed keys, children are tracked in index
// sets, and every mutation publishes the changed path on one channel. A Feed
// listens to that channel once per process and fans events out to its
// connections. Liveness is a heartbeat in a sorted set; a
// connection's on-disconnect paths sit in a set that Reaper executes once the
// heartbeat goes stale.
package redisstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pairchat/backend/internal/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Options configures a connection.
type Options struct {
	// KeyPrefix namespaces every key, e.g. "pc:".
	KeyPrefix string
	// HeartbeatInterval is how often liveness is refreshed.
	HeartbeatInterval time.Duration
	// ConnID overrides the random connection id.
	ConnID string
	// Feed is the shared change listener. When nil the connection opens a
	// feed of its own.
	Feed   *Feed
	Logger *logrus.Entry
}

// Client is one connection to the Redis-backed tree.
type Client struct {
	tree
	connID   string
	watchers store.Watchers
	hooks    store.Hooks
	dispatch *store.Dispatcher
	feed     *Feed
	ownFeed  bool
	log      *logrus.Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ store.Store = (*Client)(nil)

// Connect opens a connection: it registers liveness and subscribes to the
// change feed before returning.
func Connect(ctx context.Context, rdb *redis.Client, opts Options) (*Client, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redisstore: nil redis client")
	}
	if opts.Feed != nil && opts.Feed.prefix != opts.KeyPrefix {
		return nil, fmt.Errorf("redisstore: feed prefix %q does not match %q", opts.Feed.prefix, opts.KeyPrefix)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.ConnID == "" {
		opts.ConnID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Client{
		tree:     tree{rdb: rdb, prefix: opts.KeyPrefix},
		connID:   opts.ConnID,
		dispatch: store.NewDispatcher(),
		log:      opts.Logger.WithFields(logrus.Fields{"component": "redisstore", "conn_id": opts.ConnID}),
	}

	if _, err := c.beat(ctx); err != nil {
		c.dispatch.Close()
		return nil, fmt.Errorf("redisstore: register liveness: %w", err)
	}

	c.feed = opts.Feed
	if c.feed == nil {
		feed, err := NewFeed(ctx, rdb, opts.KeyPrefix, opts.HeartbeatInterval, opts.Logger)
		if err != nil {
			c.dispatch.Close()
			return nil, err
		}
		c.feed, c.ownFeed = feed, true
	}
	c.feed.attach(c)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.heartbeat(runCtx, opts.HeartbeatInterval)
	return c, nil
}

// ID returns the connection id used for liveness.
func (c *Client) ID() string { return c.connID }

func (c *Client) check(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return store.ErrClosed
	}
	return store.ValidatePath(path)
}

func (c *Client) Write(ctx context.Context, path string, value any) error {
	if err := c.check(ctx, path); err != nil {
		return err
	}
	raw, err := store.Encode(value)
	if err != nil {
		return err
	}
	return c.write(ctx, path, raw)
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := c.check(ctx, path); err != nil {
		return err
	}
	return c.update(ctx, path, fields)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if err := c.check(ctx, path); err != nil {
		return err
	}
	return c.delete(ctx, path)
}

func (c *Client) ReadOnce(ctx context.Context, path string) (store.Snapshot, error) {
	if err := c.check(ctx, path); err != nil {
		return store.Snapshot{}, err
	}
	return c.read(ctx, path)
}

func (c *Client) Subscribe(path string, onChange func(store.Snapshot)) (store.Unsubscribe, error) {
	if err := c.check(context.Background(), path); err != nil {
		return nil, err
	}
	w, unsub := c.watchers.Add(path, onChange)
	c.dispatch.Submit(func() { c.refresh(w) })
	return unsub, nil
}

func (c *Client) OnDisconnectRemove(ctx context.Context, path string) error {
	if err := c.check(ctx, path); err != nil {
		return err
	}
	if err := c.rdb.SAdd(ctx, c.disconnectKey(c.connID), path).Err(); err != nil {
		return fmt.Errorf("redis: on-disconnect %s: %w", path, err)
	}
	return nil
}

func (c *Client) CancelOnDisconnect(ctx context.Context, path string) error {
	if err := c.check(ctx, path); err != nil {
		return err
	}
	if err := c.rdb.SRem(ctx, c.disconnectKey(c.connID), path).Err(); err != nil {
		return fmt.Errorf("redis: cancel on-disconnect %s: %w", path, err)
	}
	return nil
}

func (c *Client) OnReconnect(fn func()) store.Unsubscribe {
	return c.hooks.Add(fn)
}

// Close stops the heartbeat, executes pending on-disconnect removals and
// drops every subscription. The underlying redis client stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := disconnect(ctx, c.tree, c.connID)
	c.feed.detach(c)
	if c.ownFeed {
		_ = c.feed.Close()
	}
	c.wg.Wait()
	c.watchers.Clear()
	c.dispatch.Close()
	return err
}

// refresh re-reads a watcher's node and delivers it.
func (c *Client) refresh(w *store.Watcher) {
	if !w.Active() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.read(ctx, w.Path)
	if err != nil {
		c.log.WithError(err).WithField("path", w.Path).Warn("refresh after change failed")
		return
	}
	w.Deliver(snap)
}

// changed refreshes the watchers a change at path is visible to.
func (c *Client) changed(path string) {
	c.dispatch.Submit(func() {
		for _, w := range c.watchers.Matching(path) {
			c.refresh(w)
		}
	})
}

// resync refreshes every watcher. Used when change events may have been missed.
func (c *Client) resync() {
	c.dispatch.Submit(func() {
		for _, w := range c.watchers.All() {
			c.refresh(w)
		}
	})
}

func (c *Client) heartbeat(ctx context.Context, every time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := c.beat(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.log.WithError(err).Warn("heartbeat failed")
				}
				failing = true
				continue
			}
			if reaped {
				c.log.Info("liveness was reaped; running reconnect hooks")
				for _, fn := range c.hooks.Snapshot() {
					c.dispatch.Submit(fn)
				}
			}
			if reaped || failing {
				c.resync()
			}
			failing = false
		}
	}
}

// beat refreshes liveness. It reports true when the connection had already
// been reaped, i.e. its on-disconnect registrations are gone.
func (c *Client) beat(ctx context.Context) (bool, error) {
	added, err := c.rdb.ZAdd(ctx, c.livenessKey(), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: c.connID,
	}).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}
