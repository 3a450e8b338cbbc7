package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	errs "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/errors"
)

const memoryQueueDepth = 4096

// MemoryStore is a process-local Store with the same semantics as the Redis
// implementation (TTL expiry, atomic counters, blocking queue pop). It backs
// unit tests and the STORE_MODE=memory single-process deployment.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memEntry
	queues map[string]chan string
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memEntry),
		queues: make(map[string]chan string),
	}
}

func (e memEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// get prunes an expired entry so SetIfAbsent after expiry succeeds.
// Caller holds mu.
func (s *MemoryStore) get(key string, now time.Time) (memEntry, bool) {
	e, ok := s.values[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.live(now) {
		delete(s.values, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) queue(name string) chan string {
	q, ok := s.queues[name]
	if !ok {
		q = make(chan string, memoryQueueDepth)
		s.queues[name] = q
	}
	return q
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if _, ok := s.get(key, now); ok {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.values[key] = e
	return true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.values[key] = e
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key, time.Now())
	if !ok {
		return "", errs.ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Increment(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int64
	e, ok := s.get(key, now)
	if ok {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("increment %s: value is not an integer", key)
		}
		n = parsed
	}
	n++
	s.values[key] = memEntry{value: strconv.FormatInt(n, 10), expiresAt: e.expiresAt}
	return n, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	e, ok := s.get(key, now)
	if !ok {
		return nil
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	s.values[key] = e
	return nil
}

func (s *MemoryStore) Push(ctx context.Context, queue, value string) error {
	s.mu.Lock()
	q := s.queue(queue)
	s.mu.Unlock()
	select {
	case q <- value:
		return nil
	default:
		return fmt.Errorf("queue %s full", queue)
	}
}

func (s *MemoryStore) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	q := s.queue(queue)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-q:
		return v, nil
	case <-timer.C:
		return "", errs.ErrNotFound
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

func (s *MemoryStore) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key, time.Now())
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

func (s *MemoryStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []string
	for k := range s.values {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.get(k, now); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// QueueLen reports the number of buffered entries; test helper.
func (s *MemoryStore) QueueLen(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue(queue))
}
