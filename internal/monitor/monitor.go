package monitor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"ghostSettler/internal/metrics"
	"ghostSettler/internal/model"
	"ghostSettler/internal/source"
)

// MinDedupTTL is the floor applied to Config.DedupTTL.
const MinDedupTTL = time.Second

const (
	PathNotify = "notify"
	PathPoll   = "poll"
	PathManual = "manual"
)

// Handler settles one trigger intent with its companions.
type Handler func(ctx context.Context, trigger model.Intent, companions []model.Intent) model.ExecutionResult

// Config tunes polling, dedup eviction and re-queueing.
type Config struct {
	PollInterval time.Duration
	// DedupSize bounds the processed-id set; the oldest id is evicted first.
	DedupSize int
	// DedupTTL forgets a processed id after this long so a still-active intent
	// can be redelivered by the fallback poll.
	DedupTTL   time.Duration
	MaxRequeue int
	QueueSize  int
}

type job struct {
	intent model.Intent
	path   string
}

// Monitor watches the intent store through a live feed and a fallback poll,
// and feeds a single settlement worker.
type Monitor struct {
	lister   source.Lister
	notifier source.Notifier
	handler  Handler
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu sync.Mutex
	// processed holds every dispatched id; the value is true once the id
	// has run, either as a trigger or as a companion.
	processed *expirable.LRU[string, bool]
	requeues  map[string]int
	latest    []model.Intent

	queue  chan job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Monitor. notifier may be nil for poll-only operation.
func New(lister source.Lister, notifier source.Notifier, handler Handler, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 10_000
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.DedupTTL < MinDedupTTL {
		cfg.DedupTTL = MinDedupTTL
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Monitor{
		lister:    lister,
		notifier:  notifier,
		handler:   handler,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		processed: expirable.NewLRU[string, bool](cfg.DedupSize, nil, cfg.DedupTTL),
		requeues:  make(map[string]int),
		queue:     make(chan job, cfg.QueueSize),
	}
}

// Start launches the worker, the fallback poll loop and the live subscription.
func (m *Monitor) Start(ctx context.Context) error {
	if m.lister == nil || m.handler == nil {
		return fmt.Errorf("monitor: lister and handler are required")
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.worker(ctx)
	go m.pollLoop(ctx)

	if m.notifier != nil {
		sub, err := m.notifier.Subscribe(ctx)
		if err != nil {
			m.logger.Warn("live feed unavailable, relying on fallback poll", zap.Error(err))
		} else {
			m.wg.Add(1)
			go m.listen(ctx, sub)
		}
	}

	m.logger.Info("monitor started", zap.Duration("poll_interval", m.cfg.PollInterval))
	return nil
}

// Stop ends the poll loop and the subscription and waits for the in-flight
// settlement, if any, to finish. Queued intents that have not started are dropped.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

// Dispatch enqueues intent unless its id was already seen. The id is marked
// before enqueueing so a slow duplicate delivery is suppressed.
func (m *Monitor) Dispatch(intent model.Intent, path string) bool {
	m.mu.Lock()
	if _, seen := m.processed.Peek(intent.ID); seen {
		m.mu.Unlock()
		return false
	}
	m.processed.Add(intent.ID, false)
	m.mu.Unlock()

	select {
	case m.queue <- job{intent: intent, path: path}:
		m.metrics.Dispatched(path)
		m.metrics.SetQueueDepth(len(m.queue))
		m.logger.Info("intent dispatched", zap.String("intent_id", intent.ID), zap.String("path", path))
		return true
	default:
		m.release(intent.ID)
		m.logger.Warn("settlement queue full, intent left for next poll", zap.String("intent_id", intent.ID))
		return false
	}
}

// Processed reports whether id is currently in the processed set.
func (m *Monitor) Processed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed.Peek(id)
	return ok
}

// Seed marks ids as processed without dispatching them, e.g. intents a
// previous run already settled.
func (m *Monitor) Seed(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.processed.Add(id, true)
	}
}

func (m *Monitor) release(id string) {
	m.mu.Lock()
	m.processed.Remove(id)
	m.mu.Unlock()
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	list, err := m.lister.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("fallback poll failed", zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	m.latest = slices.Clone(list)
	m.mu.Unlock()

	now := m.now()
	for _, intent := range list {
		if source.Dispatchable(intent, now) {
			m.Dispatch(intent, PathPoll)
		}
	}
}

func (m *Monitor) listen(ctx context.Context, sub source.Subscription) {
	defer m.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case intent, ok := <-sub.Intents():
			if !ok {
				m.logger.Warn("live feed closed, relying on fallback poll")
				return
			}
			m.remember(intent)
			if source.Dispatchable(intent, m.now()) {
				m.Dispatch(intent, PathNotify)
			}
		}
	}
}

// remember upserts a live intent into the latest list so companions see it.
func (m *Monitor) remember(intent model.Intent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.latest {
		if m.latest[i].ID == intent.ID {
			m.latest[i] = intent
			return
		}
	}
	m.latest = append(m.latest, intent)
}

func (m *Monitor) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-m.queue:
			m.metrics.SetQueueDepth(len(m.queue))
			m.process(context.WithoutCancel(ctx), j)
		}
	}
}

func (m *Monitor) process(ctx context.Context, j job) {
	companions, ok := m.claim(j.intent)
	if !ok {
		m.logger.Debug("intent already settled as a companion", zap.String("intent_id", j.intent.ID))
		return
	}
	res := m.handler(ctx, j.intent, companions)
	m.releaseUnbatched(companions, res)

	for _, id := range res.UnconfirmedIDs {
		m.mu.Lock()
		count := m.requeues[id]
		allowed := count < m.cfg.MaxRequeue
		if allowed {
			m.requeues[id] = count + 1
			m.processed.Remove(id)
		}
		m.mu.Unlock()

		if allowed {
			m.logger.Info("unconfirmed intent released for redelivery", zap.String("intent_id", id), zap.Int("requeue", count+1))
		} else {
			m.logger.Warn("unconfirmed intent exhausted requeues", zap.String("intent_id", id), zap.Int("max_requeue", m.cfg.MaxRequeue))
		}
	}
	m.mu.Lock()
	for _, id := range res.SettledIDs {
		delete(m.requeues, id)
	}
	m.mu.Unlock()
}

// releaseUnbatched frees companions that never made it into the submitted
// batch so they get their own attempt on a later delivery.
func (m *Monitor) releaseUnbatched(companions []model.Intent, res model.ExecutionResult) {
	for _, c := range companions {
		if slices.Contains(res.BatchIDs, c.ID) {
			continue
		}
		m.release(c.ID)
		m.logger.Info("companion released for its own attempt",
			zap.String("intent_id", c.ID),
			zap.String("attempt_id", res.AttemptID),
			zap.String("state", string(res.State)),
		)
	}
}

// claim marks the trigger as run and picks other unclaimed active intents
// with the same advisory pool id, including ones still waiting in the queue.
// ok is false when the trigger already ran as another batch's companion.
func (m *Monitor) claim(trigger model.Intent) ([]model.Intent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimedLocked(trigger.ID) {
		return nil, false
	}
	m.processed.Add(trigger.ID, true)

	picked := source.Companions(m.latest, trigger, m.now(), m.claimedLocked)
	for _, c := range picked {
		m.processed.Add(c.ID, true)
	}
	return picked, true
}

func (m *Monitor) claimedLocked(id string) bool {
	ran, ok := m.processed.Peek(id)
	return ok && ran
}
