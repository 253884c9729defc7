// Package engine is the composition root of the notification pipeline. It
// wires the security guard, classifier, rate limiter, channel selector,
// dispatcher, connection registry and escalation engine behind one facade,
// and owns the cron driving the periodic sweeps.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/config"
	"notifyd/internal/directory"
	"notifyd/internal/eventbus"
	"notifyd/internal/kit"
	"notifyd/internal/services/audit"
	"notifyd/internal/services/classify"
	"notifyd/internal/services/dispatch"
	"notifyd/internal/services/guard"
	"notifyd/internal/services/limiter"
	"notifyd/internal/services/registry"
	"notifyd/internal/services/reminder"
	"notifyd/internal/services/selector"
	"notifyd/pkg/logx"
)

// Deps are the externally owned collaborators.
type Deps struct {
	Store kit.Store
	Dir   kit.Directory
	Gate  kit.AccessGate
	Bus   eventbus.Bus
}

type Engine struct {
	log logx.Logger
	bus eventbus.Bus

	store kit.Store
	dir   kit.Directory
	gate  kit.AccessGate

	registry   *registry.Service
	classifier *classify.Service
	selector   *selector.Service
	limits     *limiter.Service
	guard      *guard.Service
	dispatcher *dispatch.Service
	reminders  *reminder.Service
	auditor    *audit.Service

	cron *cron.Cron
	loc  *time.Location
	ttl  time.Duration
	now  func() time.Time

	mu         sync.Mutex
	counters   map[string]uint64
	tierCounts map[string]uint64
	started    bool
	stopCh     chan struct{}
	stopDone   chan struct{}
}

func New(cfg config.Config, deps Deps, log logx.Logger) (*Engine, error) {
	loc := time.Local
	if cfg.Engine.Timezone != "" {
		l, err := time.LoadLocation(cfg.Engine.Timezone)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}
	if deps.Gate == nil {
		deps.Gate = directory.AllowAll{}
	}

	e := &Engine{
		log:        log,
		bus:        deps.Bus,
		store:      deps.Store,
		dir:        deps.Dir,
		gate:       deps.Gate,
		loc:        loc,
		now:        time.Now,
		counters:   map[string]uint64{},
		tierCounts: map[string]uint64{},
	}

	e.registry = registry.New(registryConfig(cfg), log.With(logx.String("svc", "registry")), deps.Bus)
	e.classifier = classify.New(loc)
	e.selector = selector.New(cfg.Engine.QuietHours, loc, log.With(logx.String("svc", "selector")))
	e.limits = limiter.New(limiterConfig(cfg), log.With(logx.String("svc", "limiter")))
	e.guard = guard.New(guard.Config{}, deps.Dir, log.With(logx.String("svc", "guard")))
	e.auditor = audit.New(deps.Store, log.With(logx.String("svc", "audit")))
	e.dispatcher = dispatch.New(dispatchConfig(cfg), e.registry, deps.Store,
		log.With(logx.String("svc", "dispatch")), deps.Bus)
	e.reminders = reminder.New(reminderConfig(cfg), deps.Store, e.dispatcher, e.selector, deps.Dir,
		e.auditor, log.With(logx.String("svc", "reminder")), deps.Bus)
	e.registerBuiltinActions()

	e.ttl = config.DurationOr(cfg.Engine.Expiry.TTL, 720*time.Hour)
	e.cron = cron.New(cron.WithLocation(loc))
	e.addSweeps(cfg)
	return e, nil
}

// SetClock pins the engine clock. Test hook; cascades to the clocked
// services.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.classifier.SetClock(now)
	e.selector.SetClock(now)
	e.limits.SetClock(now)
	e.registry.SetClock(now)
	e.reminders.SetClock(now)
}

// Registry exposes the connection registry to the transport layer.
func (e *Engine) Registry() *registry.Service { return e.registry }

// Dispatcher exposes the dispatcher for sender registration.
func (e *Engine) Dispatcher() *dispatch.Service { return e.dispatcher }

// Reminders exposes the escalation engine for auto-action registration.
func (e *Engine) Reminders() *reminder.Service { return e.reminders }

func registryConfig(cfg config.Config) registry.Config {
	return registry.Config{
		StaleAfter: config.DurationOr(cfg.Engine.Registry.StaleAfter, 5*time.Minute),
	}
}

func dispatchConfig(cfg config.Config) dispatch.Config {
	return dispatch.Config{
		Workers:     cfg.Engine.Dispatch.Workers,
		QueueSize:   cfg.Engine.Dispatch.QueueSize,
		SendTimeout: config.DurationOr(cfg.Engine.Dispatch.SendTimeout, 3*time.Second),
		RatePerSec:  cfg.Engine.Dispatch.RatePerSec,
	}
}

func limiterConfig(cfg config.Config) limiter.Config {
	out := limiter.Config{PerMinute: map[kit.Tier]int{}, PerHour: map[kit.Tier]int{}}
	for name, v := range cfg.Engine.Limits.PerMinute {
		if t, err := config.ParseTierName(name); err == nil {
			out.PerMinute[t] = v
		}
	}
	for name, v := range cfg.Engine.Limits.PerHour {
		if t, err := config.ParseTierName(name); err == nil {
			out.PerHour[t] = v
		}
	}
	return out
}

func reminderConfig(cfg config.Config) reminder.Config {
	return reminder.Config{
		P1Offsets: parseOffsets(cfg.Engine.Reminder.P1Offsets),
		P2Offsets: parseOffsets(cfg.Engine.Reminder.P2Offsets),
		P2Events:  cfg.Engine.Reminder.P2Events,
	}
}

func parseOffsets(raw []string) []time.Duration {
	out := make([]time.Duration, 0, len(raw))
	for _, r := range raw {
		if d := config.DurationOr(r, 0); d > 0 {
			out = append(out, d)
		}
	}
	return out
}

func (e *Engine) addSweeps(cfg config.Config) {
	reminderEvery := config.DurationOr(cfg.Engine.Reminder.SweepInterval, time.Minute)
	registryEvery := config.DurationOr(cfg.Engine.Registry.SweepInterval, time.Minute)
	expiryEvery := config.DurationOr(cfg.Engine.Expiry.SweepInterval, time.Hour)

	e.cron.Schedule(cron.Every(reminderEvery), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), reminderEvery)
		defer cancel()
		if err := e.reminders.Sweep(ctx); err != nil {
			e.log.Warn("reminder sweep failed", logx.Err(err))
		}
	}))
	e.cron.Schedule(cron.Every(registryEvery), cron.FuncJob(func() {
		if n := e.registry.SweepStale(); n > 0 {
			e.log.Info("evicted stale connections", logx.Int("count", n))
		}
	}))
	e.cron.Schedule(cron.Every(30*time.Minute), cron.FuncJob(func() {
		e.limits.Prune(time.Hour)
	}))
	e.cron.Schedule(cron.Every(expiryEvery), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := e.store.DeleteExpired(ctx, e.now())
		if err != nil {
			e.log.Warn("expiry sweep failed", logx.Err(err))
			return
		}
		if n > 0 {
			e.log.Info("pruned expired notifications", logx.Int64("count", n))
		}
	}))
}

// Apply pushes a reloaded configuration into the running services. Cron
// intervals are fixed at construction; everything else takes effect
// immediately.
func (e *Engine) Apply(cfg config.Config) {
	e.registry.Apply(registryConfig(cfg))
	e.limits.Apply(limiterConfig(cfg))
	e.dispatcher.Apply(dispatchConfig(cfg))
	e.reminders.Apply(reminderConfig(cfg))
	e.selector.Apply(cfg.Engine.QuietHours)
	if d, ok := e.dir.(interface{ Apply([]kit.Principal) }); ok {
		d.Apply(cfg.Principals)
	}
	e.mu.Lock()
	e.ttl = config.DurationOr(cfg.Engine.Expiry.TTL, 720*time.Hour)
	e.mu.Unlock()
	e.log.Info("engine configuration applied")
}

func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.stopCh = make(chan struct{})
	e.stopDone = make(chan struct{})
	e.mu.Unlock()

	e.dispatcher.Start(ctx)
	e.cron.Start()
	go e.countEvents()
	e.log.Info("engine started")
}

func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stopCh)
	e.mu.Unlock()

	cronCtx := e.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	e.dispatcher.Stop(ctx)
	e.registry.CloseAll()

	select {
	case <-e.stopDone:
	case <-ctx.Done():
	}
	e.log.Info("engine stopped")
}

// countEvents folds bus traffic into the status counters until Stop.
func (e *Engine) countEvents() {
	defer close(e.stopDone)
	ch, unsub := e.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.mu.Lock()
			e.counters[ev.Type]++
			e.mu.Unlock()
		case <-e.stopCh:
			return
		}
	}
}
