package ephemeral

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("ephemeral: key not found")

// ErrClosed is returned by all operations after Close.
var ErrClosed = errors.New("ephemeral: store closed")

const (
	janitorInterval = 30 * time.Second

	// subscriberQueueSize bounds the per-subscriber delivery queue. A
	// subscriber that falls this far behind starts losing messages; the
	// durable change feed covers recovery.
	subscriberQueueSize = 256
)

type entry struct {
	value     []byte
	list      [][]byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

type subscriber struct {
	topic string
	queue chan []byte
	done  chan struct{}
}

// MemoryStore is the in-process Store implementation used for single-instance
// deployments and tests. Per-topic delivery order is preserved by giving each
// subscriber its own FIFO queue drained by a dedicated goroutine.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]*entry
	subs   map[string]map[*subscriber]struct{}
	closed bool

	janitorStop chan struct{}
	wg          sync.WaitGroup
}

// NewMemoryStore creates a memory store and starts its expiry janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:        make(map[string]*entry),
		subs:        make(map[string]map[*subscriber]struct{}),
		janitorStop: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

// Set stores value under key with the given TTL.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ephemeral: ttl must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.data[key] = &entry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Get returns the value for key, honoring expiry lazily.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data, key)
	return nil
}

// Append pushes value onto the ring buffer at key, trimming to maxLen.
func (s *MemoryStore) Append(_ context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ephemeral: ttl must be positive")
	}
	if maxLen <= 0 {
		return errors.New("ephemeral: maxLen must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := time.Now()
	e, ok := s.data[key]
	if !ok || e.expired(now) {
		e = &entry{}
		s.data[key] = e
	}
	e.list = append(e.list, append([]byte(nil), value...))
	if over := len(e.list) - maxLen; over > 0 {
		e.list = e.list[over:]
	}
	e.expiresAt = now.Add(ttl)
	return nil
}

// List returns the ring buffer entries at key, oldest first.
func (s *MemoryStore) List(_ context.Context, key string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	out := make([][]byte, len(e.list))
	for i, v := range e.list {
		out[i] = append([]byte(nil), v...)
	}
	return out, nil
}

// Publish enqueues payload for every current subscriber of topic.
func (s *MemoryStore) Publish(_ context.Context, topic string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	msg := append([]byte(nil), payload...)
	for sub := range s.subs[topic] {
		select {
		case sub.queue <- msg:
		default:
			slog.Warn("Ephemeral subscriber queue full, dropping message", "topic", topic)
		}
	}
	return nil
}

// Subscribe registers handler for topic. The returned function cancels the
// subscription; it is safe to call more than once.
func (s *MemoryStore) Subscribe(_ context.Context, topic string, handler Handler) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &subscriber{
		topic: topic,
		queue: make(chan []byte, subscriberQueueSize),
		done:  make(chan struct{}),
	}
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[*subscriber]struct{})
	}
	s.subs[topic][sub] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case msg := <-sub.queue:
				handler(topic, msg)
			case <-sub.done:
				// Drain what was enqueued before cancellation.
				for {
					select {
					case msg := <-sub.queue:
						handler(topic, msg)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if set, ok := s.subs[topic]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(s.subs, topic)
				}
			}
			s.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}

// Close stops the janitor, cancels all subscriptions, and drops all state.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var subs []*subscriber
	for _, set := range s.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	s.subs = make(map[string]map[*subscriber]struct{})
	s.data = make(map[string]*entry)
	s.mu.Unlock()

	close(s.janitorStop)
	for _, sub := range subs {
		close(sub.done)
	}
	s.wg.Wait()
	return nil
}

func (s *MemoryStore) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.janitorStop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
}
