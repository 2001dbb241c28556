// Package broadcast fans records out to live subscribers.
//
// Each subscriber owns a bounded queue. Publish never waits on a subscriber
// with room in its queue; what happens to a full queue is decided by the
// configured Policy. Topics are independent: each topic carries its own lock,
// so subscribing to one topic never stalls publishing on another. There is no
// replay, a subscriber only sees messages published after it joined.
package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mayank-omega/crypto-data-engine/internal/config"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/metrics"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

var (
	// ErrClosed is returned after the broadcaster has been closed.
	ErrClosed = errors.New("broadcaster is closed")

	// ErrTooManySubscribers is returned when MaxSubscribers is reached.
	ErrTooManySubscribers = errors.New("too many subscribers")
)

// MessageType distinguishes data from keepalive messages.
type MessageType string

const (
	MessageData      MessageType = "data"
	MessageHeartbeat MessageType = "heartbeat"
)

// Message is what a subscriber receives. Record is nil for heartbeats.
type Message struct {
	Type      MessageType    `json:"type"`
	Topic     string         `json:"topic"`
	Record    *models.Record `json:"record,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Policy decides what happens when a subscriber's queue is full.
type Policy string

const (
	// PolicyDropOldest discards the oldest queued message to make room and
	// counts the drop on the subscription.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyDisconnect waits up to PublishTimeout for room, then disconnects
	// the subscriber.
	PolicyDisconnect Policy = "disconnect"
)

// Options configures a Broadcaster.
type Options struct {
	QueueSize         int
	Policy            Policy
	PublishTimeout    time.Duration
	HeartbeatInterval time.Duration // zero disables heartbeats
	MaxSubscribers    int           // zero means unlimited
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:         256,
		Policy:            PolicyDropOldest,
		PublishTimeout:    time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxSubscribers:    1000,
	}
}

// OptionsFromConfig converts the broadcast config section.
func OptionsFromConfig(cfg config.BroadcastConfig) Options {
	def := DefaultOptions()
	opts := Options{
		QueueSize:         cfg.QueueSize,
		Policy:            Policy(cfg.SlowSubscriberPolicy),
		PublishTimeout:    config.Duration(cfg.PublishTimeout, def.PublishTimeout),
		HeartbeatInterval: config.Duration(cfg.HeartbeatInterval, def.HeartbeatInterval),
		MaxSubscribers:    cfg.MaxSubscribers,
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Policy != PolicyDisconnect {
		opts.Policy = PolicyDropOldest
	}
	return opts
}

// Stats is a point-in-time view of the broadcaster.
type Stats struct {
	Topics       int            `json:"topics"`
	Subscribers  int            `json:"subscribers"`
	TopicCounts  map[string]int `json:"topic_counts"`
	Published    uint64         `json:"published"`
	Dropped      uint64         `json:"dropped"`
	Disconnected uint64         `json:"disconnected"`
	Policy       Policy         `json:"policy"`
}

type topicState struct {
	mu          sync.RWMutex
	subs        map[string]*Subscription
	lastPublish atomic.Int64 // unix nanos
}

// Broadcaster maintains the topic to subscriber-set mapping.
type Broadcaster struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Pipeline
	now     func() time.Time

	// mu guards the topic index and the subscriber registry only; it is
	// never held while sending.
	mu     sync.RWMutex
	topics map[string]*topicState
	subs   map[string]*Subscription
	closed bool

	published    atomic.Uint64
	dropped      atomic.Uint64
	disconnected atomic.Uint64

	stop     chan struct{}
	loopDone chan struct{}
}

// New creates a broadcaster and starts its heartbeat loop.
func New(opts Options, logger *slog.Logger, m *metrics.Pipeline) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	if opts.Policy == "" {
		opts.Policy = PolicyDropOldest
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultOptions().PublishTimeout
	}

	b := &Broadcaster{
		opts:     opts,
		logger:   logger.With("component", "broadcaster"),
		metrics:  m,
		now:      time.Now,
		topics:   make(map[string]*topicState),
		subs:     make(map[string]*Subscription),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	if opts.HeartbeatInterval > 0 {
		go b.heartbeatLoop(opts.HeartbeatInterval)
	} else {
		close(b.loopDone)
	}
	return b
}

// Options returns the effective options.
func (b *Broadcaster) Options() Options {
	return b.opts
}

// Subscribe registers a new subscriber on topics. More topics can be added
// later with Subscription.Add.
func (b *Broadcaster) Subscribe(topics ...string) (*Subscription, error) {
	for _, t := range topics {
		if t == "" {
			return nil, fmt.Errorf("empty topic")
		}
	}

	s := &Subscription{
		ID:     uuid.NewString(),
		b:      b,
		queue:  make(chan Message, b.opts.QueueSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.opts.MaxSubscribers > 0 && len(b.subs) >= b.opts.MaxSubscribers {
		b.mu.Unlock()
		return nil, ErrTooManySubscribers
	}
	b.subs[s.ID] = s
	count := len(b.subs)
	for _, t := range topics {
		b.attachLocked(s, t)
	}
	b.mu.Unlock()

	b.metrics.SetSubscribers(count)
	b.logger.Debug("subscriber added", "subscriber_id", s.ID, "topics", topics)
	return s, nil
}

// attachLocked adds s to topic. b.mu must be held for writing.
func (b *Broadcaster) attachLocked(s *Subscription, topic string) {
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{subs: make(map[string]*Subscription)}
		ts.lastPublish.Store(b.now().UnixNano())
		b.topics[topic] = ts
	}
	ts.mu.Lock()
	ts.subs[s.ID] = s
	ts.mu.Unlock()

	s.topicsMu.Lock()
	s.topics[topic] = struct{}{}
	s.topicsMu.Unlock()
}

// detachLocked removes s from topic and drops the topic once it is empty.
// b.mu must be held for writing.
func (b *Broadcaster) detachLocked(s *Subscription, topic string) {
	if ts, ok := b.topics[topic]; ok {
		ts.mu.Lock()
		delete(ts.subs, s.ID)
		empty := len(ts.subs) == 0
		ts.mu.Unlock()
		if empty {
			delete(b.topics, topic)
		}
	}

	s.topicsMu.Lock()
	delete(s.topics, topic)
	s.topicsMu.Unlock()
}

// Unsubscribe removes the subscriber from every topic and closes its queue.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.remove(s, nil)
}

func (b *Broadcaster) remove(s *Subscription, reason error) {
	b.mu.Lock()
	if _, ok := b.subs[s.ID]; !ok {
		b.mu.Unlock()
		return
	}
	for _, t := range s.Topics() {
		b.detachLocked(s, t)
	}
	delete(b.subs, s.ID)
	count := len(b.subs)
	b.mu.Unlock()

	s.close(reason)
	b.metrics.SetSubscribers(count)
}

// Publish delivers record to every current subscriber of topic and returns
// how many subscribers it reached. A topic without subscribers is a no-op.
func (b *Broadcaster) Publish(topic string, record models.Record) int {
	rec := record
	return b.publish(Message{
		Type:      MessageData,
		Topic:     topic,
		Record:    &rec,
		Timestamp: b.now().UTC(),
	})
}

func (b *Broadcaster) publish(msg Message) int {
	targets := b.snapshot(msg.Topic, msg.Type == MessageData)
	if len(targets) == 0 {
		return 0
	}
	if msg.Type == MessageData {
		b.published.Add(1)
	}

	delivered := 0
	var slow []*Subscription
	for _, s := range targets {
		switch s.trySend(msg) {
		case sent:
			delivered++
			continue
		case gone:
			continue
		}

		// Full queue. Heartbeats only matter to idle queues.
		if msg.Type == MessageHeartbeat {
			continue
		}
		if b.opts.Policy == PolicyDisconnect {
			slow = append(slow, s)
			continue
		}
		evicted, ok := s.sendDropOldest(msg)
		if ok {
			delivered++
		}
		if evicted > 0 {
			b.dropped.Add(uint64(evicted))
			for i := 0; i < evicted; i++ {
				b.metrics.MessageDropped()
			}
			b.logger.Debug("dropped oldest message for slow subscriber",
				"subscriber_id", s.ID, "topic", msg.Topic, "dropped_total", s.Dropped())
		}
	}

	if len(slow) > 0 {
		delivered += b.waitForSlow(slow, msg)
	}
	for i := 0; i < delivered; i++ {
		b.metrics.MessageSent(string(msg.Type))
	}
	return delivered
}

// waitForSlow blocks on each full subscriber concurrently, bounded by
// PublishTimeout, and disconnects those that never made room.
func (b *Broadcaster) waitForSlow(slow []*Subscription, msg Message) int {
	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, s := range slow {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			if s.sendWait(msg, b.opts.PublishTimeout) {
				delivered.Add(1)
				return
			}
			if s.isClosed() {
				return
			}
			b.disconnected.Add(1)
			b.metrics.SubscriberDisconnected()
			b.logger.Warn("disconnecting slow subscriber",
				"subscriber_id", s.ID,
				"topic", msg.Topic,
				"timeout", b.opts.PublishTimeout)
			b.remove(s, apperrors.SlowSubscriber(s.ID,
				fmt.Errorf("queue full for %s on %s", b.opts.PublishTimeout, msg.Topic)))
		}(s)
	}
	wg.Wait()
	return int(delivered.Load())
}

// snapshot copies the subscriber set of topic, holding the topic lock only
// for the copy.
func (b *Broadcaster) snapshot(topic string, markPublish bool) []*Subscription {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	ts.mu.RLock()
	out := make([]*Subscription, 0, len(ts.subs))
	for _, s := range ts.subs {
		out = append(out, s)
	}
	ts.mu.RUnlock()

	if markPublish {
		ts.lastPublish.Store(b.now().UnixNano())
	}
	return out
}

func (b *Broadcaster) heartbeatLoop(interval time.Duration) {
	defer close(b.loopDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastBeat := b.now()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			now := b.now()
			b.beat(lastBeat, now)
			lastBeat = now
		}
	}
}

// beat sends a heartbeat on every topic that saw no data since the previous
// beat. It returns the topics that were sent a heartbeat.
func (b *Broadcaster) beat(since, now time.Time) []string {
	b.mu.RLock()
	idle := make([]string, 0, len(b.topics))
	for topic, ts := range b.topics {
		if ts.lastPublish.Load() <= since.UnixNano() {
			idle = append(idle, topic)
		}
	}
	b.mu.RUnlock()

	for _, topic := range idle {
		b.publish(Message{Type: MessageHeartbeat, Topic: topic, Timestamp: now.UTC()})
	}
	return idle
}

// Stats returns topic and subscriber counts.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Topics:       len(b.topics),
		Subscribers:  len(b.subs),
		TopicCounts:  make(map[string]int, len(b.topics)),
		Published:    b.published.Load(),
		Dropped:      b.dropped.Load(),
		Disconnected: b.disconnected.Load(),
		Policy:       b.opts.Policy,
	}
	for topic, ts := range b.topics {
		ts.mu.RLock()
		st.TopicCounts[topic] = len(ts.subs)
		ts.mu.RUnlock()
	}
	return st
}

// Topics lists topics with at least one subscriber.
func (b *Broadcaster) Topics() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Close stops heartbeats and closes every subscription with ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	close(b.stop)
	<-b.loopDone

	for _, s := range subs {
		b.remove(s, ErrClosed)
	}
	b.logger.Info("broadcaster closed", "subscribers", len(subs))
}
