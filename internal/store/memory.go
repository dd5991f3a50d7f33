package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// entryKind distinguishes the three shapes a key can hold. A given key only
// ever holds one kind at a time; mixing is a caller bug, not a store
// feature.
type entryKind int

const (
	kindScalar entryKind = iota
	kindList
	kindSet
)

type entry struct {
	kind      entryKind
	scalar    string
	list      []string
	set       map[string]struct{}
	expiresAt time.Time // zero means "no expiry"
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process implementation of Store: a mutex-protected
// map for the key/value + JSON layers, plus a subscriber fan-out for
// pub/sub. It is the Store Gateway's sole backing implementation — spec.md
// describes the store itself as in-memory, so there is no third-party
// database to wrap here (see DESIGN.md).
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*entry
	cond *sync.Cond

	subMu sync.Mutex
	subs  map[string][]*subscription

	now func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data: make(map[string]*entry),
		subs: make(map[string][]*subscription),
		now:  time.Now,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *MemoryStore) expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookupLocked returns the live (unexpired) entry at key, deleting it first
// if it has expired. Must be called with s.mu held.
func (s *MemoryStore) lookupLocked(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil || e.kind != kindScalar {
		return "", false, nil
	}
	return e.scalar, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = &entry{kind: kindScalar, scalar: value, expiresAt: s.expiryFor(ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(key) != nil, nil
}

func (s *MemoryStore) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *MemoryStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw), ttl)
}

func (s *MemoryStore) RPush(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil {
		e = &entry{kind: kindList}
		s.data[key] = e
	}
	if e.kind != kindList {
		return fmt.Errorf("store: %s is not a list", key)
	}
	e.list = append(e.list, value)
	s.cond.Broadcast()
	return nil
}

func (s *MemoryStore) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	deadline := s.now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		e := s.lookupLocked(key)
		if e != nil && e.kind == kindList && len(e.list) > 0 {
			value := e.list[0]
			e.list = e.list[1:]
			return value, true, nil
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return "", false, nil
		}
		if err := ctx.Err(); err != nil {
			return "", false, err
		}

		// Wake periodically to re-check ctx/deadline even if nothing is
		// ever pushed; sync.Cond has no context-aware Wait.
		waitDone := make(chan struct{})
		timer := time.AfterFunc(minDuration(remaining, 50*time.Millisecond), func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
			close(waitDone)
		})
		s.cond.Wait()
		timer.Stop()
		select {
		case <-waitDone:
		default:
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (s *MemoryStore) LTrimToMaxFIFO(_ context.Context, key string, maxLen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil || e.kind != kindList {
		return nil
	}
	if len(e.list) > maxLen {
		e.list = e.list[len(e.list)-maxLen:]
	}
	return nil
}

func (s *MemoryStore) LLen(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil || e.kind != kindList {
		return 0, nil
	}
	return len(e.list), nil
}

func (s *MemoryStore) LRange(_ context.Context, key string, offset, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil || e.kind != kindList {
		return nil, nil
	}
	if offset < 0 || offset >= len(e.list) {
		return nil, nil
	}
	end := len(e.list)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]string, end-offset)
	copy(out, e.list[offset:end])
	return out, nil
}

func (s *MemoryStore) SAdd(_ context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil {
		e = &entry{kind: kindSet, set: make(map[string]struct{})}
		s.data[key] = e
	}
	if e.kind != kindSet {
		return fmt.Errorf("store: %s is not a set", key)
	}
	e.set[member] = struct{}{}
	if ttl > 0 {
		e.expiresAt = s.expiryFor(ttl)
	}
	return nil
}

func (s *MemoryStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil || e.kind != kindSet {
		return false, nil
	}
	_, ok := e.set[member]
	return ok, nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil || e.kind != kindSet {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for member := range e.set {
		out = append(out, member)
	}
	return out, nil
}

func (s *MemoryStore) SRem(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil || e.kind != kindSet {
		return nil
	}
	delete(e.set, member)
	return nil
}

type subscription struct {
	store   *MemoryStore
	channel string
	ch      chan string
	once    sync.Once
}

func (sub *subscription) Channel() <-chan string { return sub.ch }

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.store.subMu.Lock()
		defer sub.store.subMu.Unlock()
		subs := sub.store.subs[sub.channel]
		for i, s := range subs {
			if s == sub {
				sub.store.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	})
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &subscription{store: s, channel: channel, ch: make(chan string, 64)}
	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.subMu.Unlock()
	return sub, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel, payload string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			// Slow subscriber: drop rather than block the publisher, since
			// spec.md treats the bus as best-effort in-process pub/sub.
		}
	}
	return nil
}
