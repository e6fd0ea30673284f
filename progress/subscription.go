package progress

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/pipeguard/logger"
)

// Subscription is one reader of a task's events.
type Subscription struct {
	taskID string
	broker *Broker

	events    chan Event
	notify    chan struct{}
	done      chan struct{}
	once      sync.Once
	draining  chan struct{}
	drainOnce sync.Once

	mu     sync.Mutex
	queue  []Event
	latest Event
}

func newSubscription(b *Broker, taskID string) *Subscription {
	return &Subscription{
		taskID: taskID,
		broker: b,
		events:   make(chan Event),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		draining: make(chan struct{}),
		queue:    make([]Event, 0, b.cfg.SubscriberBuffer),
	}
}

// TaskID returns the id of the task being followed.
func (s *Subscription) TaskID() string { return s.taskID }

// Events returns the event sequence. It is closed when the subscription
// ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}

// drain ends the subscription once the queued events have been delivered.
// A reader that takes nothing within the grace period is dropped.
func (s *Subscription) drain() {
	s.drainOnce.Do(func() { close(s.draining) })
}

// send queues ev without blocking, dropping the oldest queued event when
// the queue is full. It reports whether an event was dropped.
func (s *Subscription) send(ev Event) bool {
	s.mu.Lock()
	dropped := false
	if len(s.queue) == cap(s.queue) {
		s.queue = append(s.queue[:0], s.queue[1:]...)
		dropped = true
	}
	s.queue = append(s.queue, ev)
	s.latest = ev
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = append(s.queue[:0], s.queue[1:]...)
	return ev, true
}

func (s *Subscription) keepalive() Event {
	s.mu.Lock()
	ev := s.latest
	s.mu.Unlock()
	ev.Type = EventKeepAlive
	ev.Timestamp = s.broker.cfg.Now()
	return ev
}

// pump feeds queued events to the reader until the subscription ends.
func (s *Subscription) pump(ctx context.Context) {
	cfg := s.broker.cfg
	log := s.broker.log.WithContext(ctx).WithFields(logger.Fields(logger.FieldTaskID, s.taskID))

	defer s.broker.unsubscribe(s)
	defer close(s.events)

	keepalive := time.NewTicker(cfg.KeepaliveInterval)
	defer keepalive.Stop()
	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()

	// draining is nil once a drain has started; grace fires when the
	// reader has held up the drain too long.
	draining := s.draining
	var grace <-chan time.Time
	var graceTimer *time.Timer
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()
	startDrain := func() {
		draining = nil
		graceTimer = time.NewTimer(s.grace())
		grace = graceTimer.C
	}

	for {
		ev, ok := s.next()
		if !ok {
			if draining == nil {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-draining:
				startDrain()
				continue
			case <-keepalive.C:
				ev = s.keepalive()
			case <-idle.C:
				s.timeout(ctx, log)
				return
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}

	send:
		for {
			select {
			case s.events <- ev:
				s.broker.delivered.Add(1)
				break send
			case <-draining:
				startDrain()
			case <-grace:
				log.Warn("subscriber not reading, dropping undelivered events")
				return
			case <-idle.C:
				s.timeout(ctx, log)
				return
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}

		if ev.ends() {
			return
		}
		if ev.Type != EventKeepAlive {
			idle.Reset(cfg.IdleTimeout)
			keepalive.Reset(cfg.KeepaliveInterval)
		}
	}
}

// grace is how long a reader that has stopped reading may hold up a
// final event: one keepalive interval, at most IdleTimeout.
func (s *Subscription) grace() time.Duration {
	return min(s.broker.cfg.KeepaliveInterval, s.broker.cfg.IdleTimeout)
}

// timeout sends the final timeout event. A reader that has stopped
// reading gets one keepalive interval, at most IdleTimeout, to take it
// before being dropped.
func (s *Subscription) timeout(ctx context.Context, log *logger.Logger) {
	ev := s.keepalive()
	ev.Type = EventTimeout

	grace := time.NewTimer(s.grace())
	defer grace.Stop()
	select {
	case s.events <- ev:
		log.Debug("subscription timed out")
	case <-grace.C:
		log.Warn("subscriber idle, dropping")
	case <-ctx.Done():
	case <-s.done:
	}
}
