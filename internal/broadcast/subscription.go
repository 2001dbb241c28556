package broadcast

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type sendResult int

const (
	sent sendResult = iota
	full
	gone
)

// Subscription is one subscriber's handle. Messages arrive on Messages()
// until the subscription is closed, at which point the channel is closed and
// Err reports why.
type Subscription struct {
	ID string

	b     *Broadcaster
	queue chan Message
	done  chan struct{}

	// Senders hold mu for reading; close takes it for writing before closing
	// queue, so no send can race the close. A sender may hold it for up to
	// PublishTimeout, so mu is never taken under the broadcaster lock.
	mu     sync.RWMutex
	closed bool
	err    error

	// topicsMu guards topics only and may be taken under the broadcaster lock.
	topicsMu sync.Mutex
	topics   map[string]struct{}

	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Messages returns the receive side of the subscriber queue.
func (s *Subscription) Messages() <-chan Message {
	return s.queue
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Add subscribes to one more topic.
func (s *Subscription) Add(topic string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s.ID]; !ok {
		return ErrClosed
	}
	s.b.attachLocked(s, topic)
	return nil
}

// Remove leaves a topic. The subscription stays open with zero topics.
func (s *Subscription) Remove(topic string) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.detachLocked(s, topic)
}

// Topics lists the topics the subscription currently holds.
func (s *Subscription) Topics() []string {
	s.topicsMu.Lock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	s.topicsMu.Unlock()
	sort.Strings(out)
	return out
}

// Dropped counts messages discarded from this subscriber's queue.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s)
}

// Err returns why the subscription ended, or nil for a plain unsubscribe.
func (s *Subscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) close(reason error) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.err = reason
		close(s.queue)
		s.mu.Unlock()
	})
}

func (s *Subscription) trySend(msg Message) sendResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return gone
	}
	select {
	case s.queue <- msg:
		return sent
	default:
		return full
	}
}

// sendDropOldest evicts queued messages until msg fits. It reports how many
// messages were evicted, and false if the subscription closed meanwhile.
func (s *Subscription) sendDropOldest(msg Message) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false
	}

	evicted := 0
	for {
		select {
		case s.queue <- msg:
			return evicted, true
		default:
		}
		select {
		case <-s.queue:
			evicted++
			s.dropped.Add(1)
		default:
		}
	}
}

// sendWait blocks until msg is queued, the subscription closes or timeout
// elapses.
func (s *Subscription) sendWait(msg Message, timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.queue <- msg:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		return false
	}
}
