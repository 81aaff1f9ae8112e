package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/jobservice/ext"
	"github.com/xraph/jobservice/job"
)

var (
	_ ext.Extension       = (*Broker)(nil)
	_ ext.JobCreated      = (*Broker)(nil)
	_ ext.JobStarted      = (*Broker)(nil)
	_ ext.JobCompleted    = (*Broker)(nil)
	_ ext.JobRetrying     = (*Broker)(nil)
	_ ext.JobDeadLettered = (*Broker)(nil)
	_ ext.JobSuspended    = (*Broker)(nil)
	_ ext.JobActivated    = (*Broker)(nil)
	_ ext.JobUnacquired   = (*Broker)(nil)
	_ ext.TimerPromoted   = (*Broker)(nil)
	_ ext.HistoryFailed   = (*Broker)(nil)
	_ ext.Shutdown        = (*Broker)(nil)
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the number of deliveries a new subscriber starts with.
const DefaultCredits int64 = 1000

// Broker publishes lifecycle events to topic subscribers.
type Broker struct {
	topics *topics
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	subscribers map[string]*Subscriber

	delivered atomic.Int64
	dropped   atomic.Int64

	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits of new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// WithClock overrides the event timestamp clock.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) { b.now = now }
}

// NewBroker creates a broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:         newTopics(),
		logger:         logger,
		now:            time.Now,
		subscribers:    make(map[string]*Subscriber),
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Subscribe registers a subscriber on topics. Subscribing an existing ID
// adds the topics to that subscriber.
func (b *Broker) Subscribe(subscriberID string, topics ...string) (*Subscriber, error) {
	for _, t := range topics {
		if err := ValidateTopic(t); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	sub, ok := b.subscribers[subscriberID]
	if !ok {
		sub = newSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
		b.subscribers[subscriberID] = sub
	}
	b.mu.Unlock()

	for _, t := range topics {
		b.topics.add(t, sub)
	}
	return sub, nil
}

// Unsubscribe removes a subscriber from topics. Its channel stays open.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, t := range topics {
		b.topics.remove(t, subscriberID)
	}
}

// RemoveSubscriber drops a subscriber from every topic and closes its
// channel.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.removeAll(subscriberID)
	b.mu.Lock()
	sub, ok := b.subscribers[subscriberID]
	delete(b.subscribers, subscriberID)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Stats is a snapshot of broker counters.
type Stats struct {
	Topics      int   `json:"topics"`
	Subscribers int   `json:"subscribers"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns the broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	n := len(b.subscribers)
	b.mu.Unlock()
	return Stats{
		Topics:      b.topics.count(),
		Subscribers: n,
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Publish delivers evt to every subscriber of its topics. Extensions
// hooks call it; it is exported for events raised outside the engine.
func (b *Broker) Publish(evt *Event) {
	for _, sub := range b.topics.targets(routes(evt)) {
		if sub.deliver(evt) {
			b.delivered.Add(1)
		} else {
			b.dropped.Add(1)
		}
	}
}

func (b *Broker) event(t EventType, j *job.Job) *Event {
	return &Event{Type: t, Timestamp: b.now().UTC(), Job: snapshot(j)}
}

func (b *Broker) OnJobCreated(_ context.Context, j *job.Job) error {
	b.Publish(b.event(EventJobCreated, j))
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	b.Publish(b.event(EventJobStarted, j))
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	evt := b.event(EventJobCompleted, j)
	evt.ElapsedMs = elapsed.Milliseconds()
	b.Publish(evt)
	return nil
}

func (b *Broker) OnJobRetrying(_ context.Context, j *job.Job, cause error, nextDue time.Time) error {
	evt := b.event(EventJobRetrying, j)
	evt.Error = errString(cause)
	evt.NextDue = nextDue.UTC().Format(time.RFC3339Nano)
	b.Publish(evt)
	return nil
}

func (b *Broker) OnJobDeadLettered(_ context.Context, j *job.Job, cause error) error {
	evt := b.event(EventJobDeadLettered, j)
	evt.Error = errString(cause)
	b.Publish(evt)
	return nil
}

func (b *Broker) OnJobSuspended(_ context.Context, j *job.Job) error {
	b.Publish(b.event(EventJobSuspended, j))
	return nil
}

func (b *Broker) OnJobActivated(_ context.Context, j *job.Job) error {
	b.Publish(b.event(EventJobActivated, j))
	return nil
}

func (b *Broker) OnJobUnacquired(_ context.Context, j *job.Job, reason string) error {
	evt := b.event(EventJobUnacquired, j)
	evt.Reason = reason
	b.Publish(evt)
	return nil
}

func (b *Broker) OnTimerPromoted(_ context.Context, fired, next *job.Job) error {
	evt := b.event(EventTimerPromoted, fired)
	if next != nil {
		evt.NextJobID = next.ID.String()
		if next.DueDate != nil {
			evt.NextDue = next.DueDate.UTC().Format(time.RFC3339Nano)
		}
	}
	b.Publish(evt)
	return nil
}

func (b *Broker) OnHistoryFailed(_ context.Context, j *job.Job, cause error, dropped bool) error {
	evt := b.event(EventHistoryFailed, j)
	evt.Error = errString(cause)
	evt.Dropped = dropped
	b.Publish(evt)
	return nil
}

// OnShutdown closes every subscriber.
func (b *Broker) OnShutdown(context.Context) error {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()

	for id, sub := range subs {
		b.topics.removeAll(id)
		sub.close()
	}
	b.logger.Info("stream broker shut down", slog.Int("subscribers", len(subs)))
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
