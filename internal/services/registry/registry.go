// Package registry tracks every live, authenticated transport connection per
// principal. Connections are ephemeral: owned by the registry for their
// lifetime, destroyed on disconnect or stale sweep, never persisted.
package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/kit"
	"notifyd/pkg/logx"
)

var ErrConnClosed = errors.New("connection closed")

type Config struct {
	// StaleAfter evicts connections idle longer than this, even without an
	// observed disconnect. Bounds memory growth from abrupt transport loss.
	StaleAfter time.Duration
	// QueueSize bounds the per-connection send queue.
	QueueSize int
}

type sendJob struct {
	n    *kit.Notification
	done chan error
}

// Conn is one live connection handle. The transport object itself is owned by
// the transport layer; the registry holds only the sink callback and enough
// metadata to route and to detect liveness.
//
// Each Conn owns a single writer goroutine, so sends to one connection happen
// strictly in enqueue order.
type Conn struct {
	ID        string
	Principal string
	Kind      kit.PrincipalKind
	TenantID  string
	Caps      kit.Capabilities

	ConnectedAt time.Time

	lastActivity atomic.Int64 // unix milli

	sink      kit.ConnSink
	queue     chan sendJob
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Conn) LastActivity() time.Time { return time.UnixMilli(c.lastActivity.Load()) }

func (c *Conn) touch(now time.Time) { c.lastActivity.Store(now.UnixMilli()) }

// Send enqueues one notification for this connection and waits for the write
// outcome. The caller's ctx bounds both the enqueue and the write, so a slow
// or dead connection costs at most the dispatcher's send timeout.
func (c *Conn) Send(ctx context.Context, n *kit.Notification) error {
	job := sendJob{n: n, done: make(chan error, 1)}
	select {
	case c.queue <- job:
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Service is the connection registry.
type Service struct {
	mu          sync.RWMutex
	cfg         Config
	conns       map[string]*Conn
	byPrincipal map[string]map[string]*Conn

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	sendTimeout time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		conns:       map[string]*Conn{},
		byPrincipal: map[string]map[string]*Conn{},
		log:         log,
		bus:         bus,
		now:         time.Now,
		sendTimeout: 3 * time.Second,
	}
	s.Apply(cfg)
	return s
}

// SetClock overrides the registry clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetSendTimeout bounds the per-write timeout applied by connection writers.
func (s *Service) SetSendTimeout(d time.Duration) {
	if d > 0 {
		s.mu.Lock()
		s.sendTimeout = d
		s.mu.Unlock()
	}
}

func (s *Service) Apply(cfg Config) {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Register adds a live connection for the principal and starts its writer.
// Safe under concurrent calls for the same principal.
func (s *Service) Register(principal string, kind kit.PrincipalKind, tenantID string, caps kit.Capabilities, sink kit.ConnSink) *Conn {
	now := s.now()
	s.mu.Lock()
	c := &Conn{
		ID:          kit.NewID(),
		Principal:   principal,
		Kind:        kind,
		TenantID:    tenantID,
		Caps:        caps,
		ConnectedAt: now,
		sink:        sink,
		queue:       make(chan sendJob, s.cfg.QueueSize),
		closed:      make(chan struct{}),
	}
	c.touch(now)
	s.conns[c.ID] = c
	set := s.byPrincipal[principal]
	if set == nil {
		set = map[string]*Conn{}
		s.byPrincipal[principal] = set
	}
	set[c.ID] = c
	s.mu.Unlock()

	go s.writer(c)

	s.log.Debug("connection registered",
		logx.String("conn", c.ID), logx.String("principal", principal), logx.String("kind", string(kind)))
	s.bus.Publish(eventbus.Event{Type: eventbus.EventConnect, Data: c.ID})
	return c
}

// writer drains the connection's queue in FIFO order, applying the per-write
// timeout. It exits when the connection closes.
func (s *Service) writer(c *Conn) {
	for {
		select {
		case <-c.closed:
			return
		case job := <-c.queue:
			s.mu.RLock()
			timeout := s.sendTimeout
			s.mu.RUnlock()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.sink(ctx, job.n)
			cancel()
			if err == nil {
				c.touch(s.now())
			}
			job.done <- err
		}
	}
}

// Deregister removes a connection and closes its writer. Returns false if the
// id was already gone (double disconnect is not an error).
func (s *Service) Deregister(connID string) bool {
	s.mu.Lock()
	c, ok := s.conns[connID]
	if ok {
		delete(s.conns, connID)
		if set := s.byPrincipal[c.Principal]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(s.byPrincipal, c.Principal)
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	c.close()
	s.log.Debug("connection deregistered", logx.String("conn", connID), logx.String("principal", c.Principal))
	s.bus.Publish(eventbus.Event{Type: eventbus.EventDisconnect, Data: connID})
	return true
}

// Snapshot returns the principal's live connections at this instant. Callers
// must tolerate connections dying between snapshot and send.
func (s *Service) Snapshot(principal string) []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byPrincipal[principal]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (s *Service) IsLive(principal string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byPrincipal[principal]) > 0
}

func (s *Service) UpdateActivity(connID string) {
	s.mu.RLock()
	c := s.conns[connID]
	s.mu.RUnlock()
	if c != nil {
		c.touch(s.now())
	}
}

// RefreshCapabilities replaces the capability snapshot on every live
// connection of the principal. Returns the number of connections touched.
func (s *Service) RefreshCapabilities(principal string, caps kit.Capabilities) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byPrincipal[principal]
	for _, c := range set {
		c.Caps = caps
	}
	return len(set)
}

func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// SweepStale evicts connections whose last activity exceeds StaleAfter.
// Registered on the engine cron; also callable directly in tests.
func (s *Service) SweepStale() int {
	now := s.now()
	s.mu.RLock()
	cutoff := now.Add(-s.cfg.StaleAfter)
	var stale []string
	for id, c := range s.conns {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		s.Deregister(id)
	}
	if len(stale) > 0 {
		s.log.Info("stale connections swept", logx.Int("count", len(stale)))
	}
	return len(stale)
}

// CloseAll tears down every connection. Called on shutdown.
func (s *Service) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = map[string]*Conn{}
	s.byPrincipal = map[string]map[string]*Conn{}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
