// Package memstore is an in-process implementation of store.Store. A Server
// holds one shared tree; every client gets its own Conn. Liveness is driven
// explicitly with Drop and Reconnect, which makes it the store used by tests
// and by single-node development runs.
package memstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"pairchat/backend/internal/store"

	"github.com/google/uuid"
)

// Server is the shared tree all connections read and write.
type Server struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
	conns  map[string]*Conn
}

func NewServer() *Server {
	return &Server{
		values: make(map[string]json.RawMessage),
		conns:  make(map[string]*Conn),
	}
}

// Connect opens a new connection. An empty id gets a random one.
func (s *Server) Connect(id string) *Conn {
	if id == "" {
		id = uuid.NewString()
	}
	c := &Conn{
		id:           id,
		srv:          s,
		dispatch:     store.NewDispatcher(),
		onDisconnect: make(map[string]struct{}),
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	return c
}

// Connector adapts the server to the per-client connection factory used by
// the gateway.
func (s *Server) Connector() func(ctx context.Context, clientID string) (store.Store, error) {
	return func(_ context.Context, clientID string) (store.Store, error) {
		return s.Connect(clientID + "-" + uuid.NewString()[:8]), nil
	}
}

// Keys returns every path holding a value. Used by tests and diagnostics.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	return out
}

func (s *Server) snapshotLocked(path string) store.Snapshot {
	snap := store.Snapshot{Path: path, Value: s.values[path]}
	prefix := path + "/"
	for k, v := range s.values {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		if snap.Children == nil {
			snap.Children = make(map[string]json.RawMessage)
		}
		snap.Children[rest] = v
	}
	return snap
}

// notifyLocked queues a snapshot for every watcher the change is visible to.
// Snapshots are taken under the lock so each watcher sees changes in order.
func (s *Server) notifyLocked(changed string) {
	for _, c := range s.conns {
		for _, w := range c.watchers.Matching(changed) {
			snap := s.snapshotLocked(w.Path)
			c.dispatch.Submit(func() { w.Deliver(snap) })
		}
	}
}

func (s *Server) deleteLocked(path string) {
	prefix := path + "/"
	for k := range s.values {
		if k == path || strings.HasPrefix(k, prefix) {
			delete(s.values, k)
		}
	}
	s.notifyLocked(path)
}

// Conn is one client's connection.
type Conn struct {
	id       string
	srv      *Server
	watchers store.Watchers
	hooks    store.Hooks
	dispatch *store.Dispatcher

	mu           sync.Mutex
	onDisconnect map[string]struct{}
	dropped      bool
	closed       bool
}

var _ store.Store = (*Conn)(nil)

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

func (c *Conn) check(ctx context.Context, path string) error {
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

func (c *Conn) Write(ctx context.Context, path string, value any) error {
	if err := c.check(ctx, path); err != nil {
		return err
	}
	raw, err := store.Encode(value)
	if err != nil {
		return err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.values[path] = raw
	c.srv.notifyLocked(path)
	return nil
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := c.check(ctx, path); err != nil {
		return err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	cur, ok := c.srv.values[path]
	if !ok {
		return store.ErrNotFound
	}
	merged, err := store.Merge(cur, fields)
	if err != nil {
		return err
	}
	c.srv.values[path] = merged
	c.srv.notifyLocked(path)
	return nil
}

func (c *Conn) Delete(ctx context.Context, path string) error {
	if err := c.check(ctx, path); err != nil {
		return err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.deleteLocked(path)
	return nil
}

func (c *Conn) ReadOnce(ctx context.Context, path string) (store.Snapshot, error) {
	if err := c.check(ctx, path); err != nil {
		return store.Snapshot{}, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.srv.snapshotLocked(path), nil
}

func (c *Conn) Subscribe(path string, onChange func(store.Snapshot)) (store.Unsubscribe, error) {
	if err := c.check(context.Background(), path); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	w, unsub := c.watchers.Add(path, onChange)
	snap := c.srv.snapshotLocked(path)
	c.dispatch.Submit(func() { w.Deliver(snap) })
	return unsub, nil
}

func (c *Conn) OnDisconnectRemove(ctx context.Context, path string) error {
	if err := c.check(ctx, path); err != nil {
		return err
	}
	c.mu.Lock()
	c.onDisconnect[path] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Conn) CancelOnDisconnect(ctx context.Context, path string) error {
	if err := c.check(ctx, path); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.onDisconnect, path)
	c.mu.Unlock()
	return nil
}

func (c *Conn) OnReconnect(fn func()) store.Unsubscribe {
	return c.hooks.Add(fn)
}

// Drop simulates losing liveness: registered removals run on the shared
// tree and the registrations are forgotten. Subscriptions stay in place.
func (c *Conn) Drop() {
	c.mu.Lock()
	if c.dropped || c.closed {
		c.mu.Unlock()
		return
	}
	c.dropped = true
	paths := make([]string, 0, len(c.onDisconnect))
	for p := range c.onDisconnect {
		paths = append(paths, p)
	}
	clear(c.onDisconnect)
	c.mu.Unlock()

	c.srv.mu.Lock()
	for _, p := range paths {
		c.srv.deleteLocked(p)
	}
	c.srv.mu.Unlock()
}

// Reconnect restores liveness and runs the reconnect hooks on the
// connection's callback goroutine.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	if !c.dropped || c.closed {
		c.mu.Unlock()
		return
	}
	c.dropped = false
	c.mu.Unlock()

	for _, fn := range c.hooks.Snapshot() {
		c.dispatch.Submit(fn)
	}
}

func (c *Conn) Close() error {
	c.Drop()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.watchers.Clear()
	c.dispatch.Close()

	c.srv.mu.Lock()
	delete(c.srv.conns, c.id)
	c.srv.mu.Unlock()
	return nil
}
