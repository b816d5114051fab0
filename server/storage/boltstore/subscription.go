package boltstore

import (
	"sync"

	"github.com/vaultlet/vaultlet/server/storage"
)

// subscription coalesces change notifications: a burst of writes while the
// consumer is busy yields a single pending signal.
type subscription struct {
	store *Store
	ch    chan struct{}
	once  sync.Once
}

func (s *subscription) C() <-chan struct{} {
	return s.ch
}

// Close detaches the subscription from its store.
func (s *subscription) Close() {
	s.store.mu.Lock()
	if s.store.subs != nil {
		delete(s.store.subs, s)
	}
	s.store.mu.Unlock()
	s.close()
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe returns a subscription signalled after every change. On a
// closed store the subscription's channel is already closed.
func (s *Store) Subscribe() storage.Subscription {
	sub := &subscription{store: s, ch: make(chan struct{}, 1)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.close()
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}
