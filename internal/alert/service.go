package alert

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobrunner/internal/engine"
	"jobrunner/internal/eventbus"
	rtsup "jobrunner/internal/runtime/supervisor"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

const historyCap = 100

type item struct {
	a   Alert
	key string
}

// Service is the alert pipeline: bus listener, dedup, queue, one sender
// worker. It is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	store  storage.Store
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	queue   chan item
	sup     *rtsup.Supervisor
	unsub   func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	s := &Service{
		log:    log.With(logx.Comp("alert")),
		sender: sender,
		bus:    bus,
		store:  store,
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps limits and windows at runtime. Enabling or disabling takes
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Start subscribes to the bus and starts the sender. It is a no-op when
// disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan item, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	q, sup := s.queue, s.sup
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(256)
	}
	s.mu.Unlock()

	if events != nil {
		sup.GoRestart("listen", func(c context.Context) error {
			return s.listen(c, events)
		}, rtsup.WithPublishFirstError(true))
	}
	sup.GoRestart("sender", func(c context.Context) error {
		return s.workerLoop(c, q)
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("alert.started", logx.Float64("rate_per_sec", s.cfg.RatePerSec), logx.Duration("dedup_window", s.cfg.DedupWindow))
}

// Stop unsubscribes and stops the workers. Queued alerts are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub, s.queue = nil, nil, nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (s *Service) listen(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a, ok := fromEvent(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, a); err != nil {
				s.log.Warn("alert.enqueue_failed", logx.Job(a.Job), logx.Err(err))
			}
		}
	}
}

func fromEvent(e eventbus.Event) (Alert, bool) {
	je, ok := e.Data.(engine.JobEvent)
	if !ok {
		return Alert{}, false
	}
	a := Alert{Job: je.Name, Slot: je.Slot, Error: je.Error, At: e.Time, Took: je.Duration}
	switch e.Type {
	case eventbus.JobFailed:
		a.Kind = KindFailed
	case eventbus.JobDropped:
		a.Kind = KindDropped
	default:
		return Alert{}, false
	}
	if a.At.IsZero() {
		a.At = je.Started
	}
	return a, true
}

// Notify enqueues a unless an identical alert went out inside the dedup
// window. Suppressed alerts return nil.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	key := dedupKey(a)
	if window > 0 && !s.dedupAllow(ctx, key, window) {
		s.log.Debug("alert.deduped", logx.Job(a.Job), logx.String("key", key))
		return nil
	}

	select {
	case q <- item{a: a, key: key}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan item) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-q:
			s.sendWithRetry(ctx, it)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, it item) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := Format(it.a)
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := s.sender.Send(callCtx, text)
		cancel()
		if err == nil {
			s.appendHistory(text)
			s.log.Debug("alert.sent", logx.Job(it.a.Job), logx.Int("attempt", attempt))
			return
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert.send_failed", logx.Job(it.a.Job), logx.Int("attempts", attempts), logx.Err(lastErr))
}

// History returns recently delivered alert texts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Text: text})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

// Format renders a as a plain text message.
func Format(a Alert) string {
	var b strings.Builder
	switch a.Kind {
	case KindDropped:
		fmt.Fprintf(&b, "⚠️ job %s dropped", a.Job)
	default:
		fmt.Fprintf(&b, "🚨 job %s failed", a.Job)
	}
	if a.Slot != "" {
		fmt.Fprintf(&b, " (slot %s)", a.Slot)
	}
	if !a.At.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", a.At.Format(time.RFC3339))
	}
	if a.Took > 0 {
		fmt.Fprintf(&b, "\ntook: %s", a.Took.Round(time.Millisecond))
	}
	if a.Error != "" {
		msg := a.Error
		if len(msg) > 1024 {
			msg = msg[:1024] + "…"
		}
		fmt.Fprintf(&b, "\nerror: %s", msg)
	}
	return b.String()
}

// dedupKey ignores the slot: the same job failing the same way every hour
// is one alert per window.
func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Kind + "|" + a.Job + "|" + a.Error))
	return fmt.Sprintf("alert:%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = until
	s.dmu.Unlock()

	if s.store != nil {
		if err := s.store.PutDedup(ctx, key, until); err != nil {
			s.log.Debug("alert.dedup_persist_failed", logx.Err(err))
		}
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
