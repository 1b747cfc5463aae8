package chathub

import (
	"context"
	"fmt"
	"sync"

	"pairchat/backend/internal/config"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/store"

	"github.com/sirupsen/logrus"
)

// Connector opens one store connection for one client.
type Connector func(ctx context.Context, clientID string) (store.Store, error)

// ManagerService keeps the live clients of this gateway, one per user id.
type ManagerService struct {
	RegisterCh   chan Client
	UnregisterCh chan Client

	connect  Connector
	audit    SessionLog
	matching config.Matching
	log      *logrus.Entry

	mu      sync.RWMutex
	clients map[string]Client
}

func NewManagerService(connect Connector, audit SessionLog, matching config.Matching, logger *logrus.Entry) *ManagerService {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ManagerService{
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		connect:      connect,
		audit:        audit,
		matching:     matching,
		log:          logger.WithField("component", "manager"),
		clients:      make(map[string]Client),
	}
}

// NewSession opens a store connection for id and an opened Session on top
// of it. A client already connected under id is closed first, so that its
// disconnect cleanup cannot remove the new presence record.
func (m *ManagerService) NewSession(ctx context.Context, id string, info models.PublicInfo, l Listener, media Media, transport Transport) (*Session, error) {
	m.evict(id)

	st, err := m.connect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("manager: connect store for %s: %w", id, err)
	}
	s := NewSession(id, info, SessionDeps{
		Store:     st,
		Listener:  l,
		Media:     media,
		Transport: transport,
		Audit:     m.audit,
		Matching:  m.matching,
		Logger:    m.log.Logger.WithField("user_id", id),
	})
	if err := s.Open(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("manager: open session for %s: %w", id, err)
	}
	return s, nil
}

// Run handles registrations until ctx is done, then closes every client.
func (m *ManagerService) Run(ctx context.Context) {
	m.log.Info("manager started")
	for {
		select {
		case c := <-m.RegisterCh:
			m.register(c)
		case c := <-m.UnregisterCh:
			m.unregister(c)
		case <-ctx.Done():
			m.closeAll()
			m.log.Info("manager stopped")
			return
		}
	}
}

// Register adds c right away, so a following Client lookup already sees it.
// RegisterCh hands c to Run instead and returns before the map is updated.
func (m *ManagerService) Register(c Client) {
	m.register(c)
}

func (m *ManagerService) register(c Client) {
	m.mu.Lock()
	old, ok := m.clients[c.GetUserID()]
	m.clients[c.GetUserID()] = c
	m.mu.Unlock()

	if ok && old != c {
		m.log.WithField("user_id", c.GetUserID()).Info("replacing previous connection")
		go old.Close()
	}
	c.Run()
	m.log.WithField("user_id", c.GetUserID()).Debug("client registered")
}

func (m *ManagerService) unregister(c Client) {
	m.mu.Lock()
	if cur, ok := m.clients[c.GetUserID()]; ok && cur == c {
		delete(m.clients, c.GetUserID())
	}
	m.mu.Unlock()
	go c.Close()
	m.log.WithField("user_id", c.GetUserID()).Debug("client unregistered")
}

func (m *ManagerService) evict(id string) {
	m.mu.Lock()
	old, ok := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()
	if ok {
		old.Close()
	}
}

func (m *ManagerService) closeAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]Client)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
}

// Client returns the live client for id.
func (m *ManagerService) Client(id string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// LocalClients is the number of clients connected to this gateway.
func (m *ManagerService) LocalClients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
