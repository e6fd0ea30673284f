package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/pipeguard/logger"
)

// task is the broker-owned record behind a task id.
type task struct {
	mu     sync.Mutex
	snap   Snapshot
	seq    uint64
	subs   map[*Subscription]struct{}
	purged bool
}

func (t *task) event(typ EventType, now time.Time) Event {
	return Event{Type: typ, Seq: t.seq, Snapshot: t.snap, Timestamp: now}
}

// Stats summarizes broker activity.
type Stats struct {
	Tasks       int    `json:"tasks"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// Broker owns task records and fans their updates out to subscribers.
type Broker struct {
	cfg Config
	log *logger.Logger
	m   *metrics

	mu    sync.RWMutex
	tasks map[string]*task

	subscribers atomic.Int64
	published   atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
}

// NewBroker creates a broker from cfg after applying defaults and
// validating it.
func NewBroker(cfg Config) (*Broker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("progress: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get("progress")
	}
	return &Broker{
		cfg:   cfg,
		log:   log,
		m:     newMetrics(cfg.Meter),
		tasks: make(map[string]*task),
	}, nil
}

// Config returns the effective configuration.
func (b *Broker) Config() Config { return b.cfg }

// CreateTask allocates a pending task and returns its id.
func (b *Broker) CreateTask() string {
	id := uuid.NewString()
	now := b.cfg.Now()
	t := &task{
		snap: Snapshot{
			ID:          id,
			Status:      StatusPending,
			CurrentStep: "Starting...",
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		subs: make(map[*Subscription]struct{}),
	}

	b.mu.Lock()
	b.tasks[id] = t
	b.mu.Unlock()

	b.log.Debug("task created", logger.Fields(logger.FieldTaskID, id))
	return id
}

func (b *Broker) lookup(id string) (*task, error) {
	b.mu.RLock()
	t, ok := b.tasks[id]
	b.mu.RUnlock()
	if !ok {
		return nil, &TaskNotFoundError{TaskID: id}
	}
	return t, nil
}

// Publish records progress for a running task and notifies subscribers.
// The first publish moves a pending task to running. Publishing to a
// finished task is ignored.
func (b *Broker) Publish(id, step string, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidPercent, percent)
	}
	return b.update(id, func(s *Snapshot) {
		s.Status = StatusRunning
		s.CurrentStep = step
		s.Percent = percent
	})
}

// Complete marks the task completed with result.
func (b *Broker) Complete(id, result string) error {
	return b.update(id, func(s *Snapshot) {
		s.Status = StatusCompleted
		s.CurrentStep = "Completed"
		s.Percent = 100
		s.Result = result
	})
}

// Fail marks the task failed with errMsg.
func (b *Broker) Fail(id, errMsg string) error {
	return b.update(id, func(s *Snapshot) {
		s.Status = StatusFailed
		s.CurrentStep = "Failed"
		s.Error = errMsg
	})
}

// update applies change to a live task and queues the result to every
// subscriber while holding the task lock, so subscribers see changes in
// order.
func (b *Broker) update(id string, change func(*Snapshot)) error {
	t, err := b.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.purged {
		t.mu.Unlock()
		return &TaskNotFoundError{TaskID: id}
	}
	if t.snap.Status.IsTerminal() {
		status := t.snap.Status
		t.mu.Unlock()
		b.log.Debug("update ignored for finished task", logger.Fields(
			logger.FieldTaskID, id,
			logger.FieldState, status.String(),
		))
		return nil
	}

	now := b.cfg.Now()
	change(&t.snap)
	t.snap.UpdatedAt = now
	t.seq++

	typ := EventUpdate
	if t.snap.Status.IsTerminal() {
		typ = EventTerminal
	}
	ev := t.event(typ, now)
	dropped := 0
	for s := range t.subs {
		if s.send(ev) {
			dropped++
		}
	}
	t.mu.Unlock()

	b.published.Add(1)
	b.m.publish()
	if dropped > 0 {
		b.dropped.Add(uint64(dropped))
		b.m.drop(dropped)
		b.log.Warn("subscriber queue full, dropped oldest event", logger.Fields(
			logger.FieldTaskID, id,
			"subscribers", dropped,
		))
	}
	if typ == EventTerminal {
		b.log.Info("task finished", logger.Fields(
			logger.FieldTaskID, id,
			logger.FieldState, ev.Snapshot.Status.String(),
		))
	}
	return nil
}

// Subscribe follows task id. The first event is the current snapshot; a
// task that has already finished yields its terminal snapshot and ends.
// The subscription also ends when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	t, err := b.lookup(id)
	if err != nil {
		return nil, err
	}

	s := newSubscription(b, id)

	t.mu.Lock()
	if t.purged {
		t.mu.Unlock()
		return nil, &TaskNotFoundError{TaskID: id}
	}
	typ := EventUpdate
	if t.snap.Status.IsTerminal() {
		typ = EventTerminal
	}
	s.send(t.event(typ, b.cfg.Now()))
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	b.subscribers.Add(1)
	b.m.subscribe()
	go s.pump(ctx)
	return s, nil
}

func (b *Broker) unsubscribe(s *Subscription) {
	b.subscribers.Add(-1)
	b.m.unsubscribe()

	t, err := b.lookup(s.taskID)
	if err != nil {
		return
	}
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

// GetStatus returns the current snapshot of task id.
func (b *Broker) GetStatus(id string) (Snapshot, error) {
	t, err := b.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap, nil
}

// Reap removes finished tasks older than Retention and fails unfinished
// tasks older than MaxTaskAge. Subscriptions still open on a removed task
// end after delivering its terminal event. It returns how many tasks were
// removed.
func (b *Broker) Reap() int {
	now := b.cfg.Now()

	var expired []string
	var purged []*task

	b.mu.Lock()
	for id, t := range b.tasks {
		t.mu.Lock()
		switch {
		case t.snap.Status.IsTerminal():
			if now.Sub(t.snap.UpdatedAt) > b.cfg.Retention {
				t.purged = true
				delete(b.tasks, id)
				purged = append(purged, t)
			}
		case b.cfg.MaxTaskAge > 0 && now.Sub(t.snap.CreatedAt) > b.cfg.MaxTaskAge:
			expired = append(expired, id)
		}
		t.mu.Unlock()
	}
	b.mu.Unlock()

	for _, t := range purged {
		t.mu.Lock()
		for s := range t.subs {
			s.drain()
		}
		t.mu.Unlock()
	}
	for _, id := range expired {
		_ = b.Fail(id, "task expired")
	}

	if len(purged) > 0 || len(expired) > 0 {
		b.log.Debug("tasks reaped", logger.Fields("purged", len(purged), "expired", len(expired)))
	}
	return len(purged)
}

// Close ends every open subscription once its queued events, including a
// terminal event, have been delivered.
func (b *Broker) Close() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.tasks {
		t.mu.Lock()
		for s := range t.subs {
			s.drain()
		}
		t.mu.Unlock()
	}
}

// Stats returns current counts and lifetime totals.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	tasks := len(b.tasks)
	b.mu.RUnlock()
	return Stats{
		Tasks:       tasks,
		Subscribers: int(b.subscribers.Load()),
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}
