// Package dispatch pushes a classified, channel-selected notification to
// every live connection of its recipient, and hands the external channels
// (email/push/SMS/webhook) to an async worker pool.
//
// Per-connection failure is isolated: a dead connection is deregistered and
// delivery to the recipient's other connections continues. A notification is
// delivered at the notification level when at least one connection received
// it; with zero live connections it stays persisted for pull retrieval.
package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/eventbus"
	"notifyd/internal/kit"
	"notifyd/internal/services/registry"
	"notifyd/pkg/logx"
)

type Config struct {
	Workers     int           // channel-send workers, default 4
	QueueSize   int           // channel-send queue, default 256
	SendTimeout time.Duration // per-connection and per-channel send bound, default 3s
	RatePerSec  int           // global outbound pacing, default 50
}

// Result is the outcome of one dispatch.
type Result struct {
	Live      int  // connections snapshotted
	Failed    int  // connections that failed and were deregistered
	Delivered bool // at least one live connection received it
	Stored    bool // no live connections; retrievable via pull
}

type channelJob struct {
	n  *kit.Notification
	ch kit.Channel
}

type HistoryItem struct {
	At             time.Time
	NotificationID string
	Tier           string
	Live           int
	Failed         int
	Stored         bool
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	reg   *registry.Service
	store kit.Store
	log   logx.Logger
	bus   eventbus.Bus

	senders map[kit.Channel]kit.ChannelSender

	queue    chan channelJob
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	// stateMu serializes channel-state read-modify-write per process; channel
	// jobs for the same notification would otherwise race on the map.
	stateMu sync.Mutex

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, reg *registry.Service, store kit.Store, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		reg:     reg,
		store:   store,
		log:     log,
		bus:     bus,
		senders: map[kit.Channel]kit.ChannelSender{},
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 3 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 50
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
	s.reg.SetSendTimeout(cfg.SendTimeout)
}

// RegisterSender wires an outbound channel transport. Channels without a
// sender fall back to a logging no-op, so a partially wired deployment still
// delivers in-app.
func (s *Service) RegisterSender(ch kit.Channel, sender kit.ChannelSender) {
	s.mu.Lock()
	s.senders[ch] = sender
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan channelJob, s.cfg.QueueSize)
	workers := s.cfg.Workers
	queue := s.queue
	stopCh := s.stopCh
	s.mu.Unlock()

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker",
						logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(ctx, stopCh, queue)
		}()
	}
	s.log.Info("dispatcher started", logx.Int("workers", workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	close(stopCh)
	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		// Stop continues in background.
	}
}

// Dispatch fans the notification out to the recipient's live connections and
// enqueues the external channel sends. The notification must already be
// persisted; Dispatch only updates delivery state.
func (s *Service) Dispatch(ctx context.Context, n *kit.Notification) Result {
	conns := s.reg.Snapshot(n.Recipient)

	res := Result{Live: len(conns)}
	if len(conns) == 0 {
		res.Stored = true
		s.log.Debug("no live connections; stored for pull",
			logx.String("notification", n.ID), logx.String("recipient", n.Recipient), logx.String("tier", n.Tier.String()))
		s.bus.Publish(eventbus.Event{Type: eventbus.EventStored, Data: n.ID})
	} else {
		res.Failed = s.fanOut(ctx, n, conns)
		res.Delivered = res.Failed < res.Live
		if res.Delivered {
			n.Delivered = true
			n.DeliveredAt = time.Now()
			if err := s.store.MarkDelivered(ctx, n.ID, n.DeliveredAt); err != nil {
				s.log.Warn("mark delivered failed", logx.String("notification", n.ID), logx.Err(err))
			}
			s.bus.Publish(eventbus.Event{Type: eventbus.EventDelivered, Data: n.ID})
		}
	}

	s.enqueueChannels(n)
	s.appendHistory(HistoryItem{
		At: time.Now(), NotificationID: n.ID, Tier: n.Tier.String(),
		Live: res.Live, Failed: res.Failed, Stored: res.Stored,
	})
	return res
}

// fanOut sends to every connection concurrently and deregisters exactly the
// failed ones. Returns the failure count.
func (s *Service) fanOut(ctx context.Context, n *kit.Notification, conns []*registry.Conn) int {
	s.mu.Lock()
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	var wg sync.WaitGroup
	var failMu sync.Mutex
	var failed []string

	for _, c := range conns {
		wg.Add(1)
		go func(c *registry.Conn) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := c.Send(sendCtx, n); err != nil {
				s.log.Warn("connection send failed; deregistering",
					logx.String("notification", n.ID), logx.String("conn", c.ID), logx.Err(err))
				failMu.Lock()
				failed = append(failed, c.ID)
				failMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, id := range failed {
		s.reg.Deregister(id)
	}
	return len(failed)
}

// enqueueChannels hands the external channels to the worker pool. In-app is
// the live-connection path and is skipped here.
func (s *Service) enqueueChannels(n *kit.Notification) {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return
	}
	for ch, st := range n.Channels {
		if ch == kit.ChannelInApp || st == nil || !st.Enabled {
			continue
		}
		select {
		case queue <- channelJob{n: n, ch: ch}:
		default:
			s.log.Warn("channel queue full; dropping send",
				logx.String("notification", n.ID), logx.String("channel", string(ch)))
			s.recordChannelOutcome(n, ch, kit.ErrStopped)
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan channelJob) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.sendChannel(ctx, j)
		}
	}
}

func (s *Service) sendChannel(ctx context.Context, j channelJob) {
	s.mu.Lock()
	lim := s.limiter
	timeout := s.cfg.SendTimeout
	sender := s.senders[j.ch]
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	var err error
	if sender == nil {
		// No transport wired: record a successful no-op so the channel state
		// doesn't look stuck. The real senders are external collaborators.
		s.log.Debug("no sender for channel; skipping",
			logx.String("notification", j.n.ID), logx.String("channel", string(j.ch)))
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		err = sender.Send(sendCtx, j.ch, j.n)
		cancel()
	}
	s.recordChannelOutcome(j.n, j.ch, err)
}

// recordChannelOutcome updates per-channel attempt accounting and persists
// it. External senders keep their own retry policy; the engine records one
// outcome per enqueue.
func (s *Service) recordChannelOutcome(n *kit.Notification, ch kit.Channel, err error) {
	s.stateMu.Lock()
	st := n.Channels[ch]
	if st == nil {
		s.stateMu.Unlock()
		return
	}
	st.Attempts++
	st.LastAttemptAt = time.Now()
	if err != nil {
		st.LastError = err.Error()
	} else {
		st.Delivered = true
		st.DeliveredAt = time.Now()
		st.LastError = ""
	}
	channels := n.Channels
	s.stateMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if uerr := s.store.UpdateChannelState(ctx, n.ID, channels); uerr != nil {
		s.log.Warn("channel state update failed", logx.String("notification", n.ID), logx.Err(uerr))
	}
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
}

// History returns a copy of the recent dispatch history, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}
