package vaults

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/vaultlet/vaultlet/server/storage"
)

// State is the lifecycle state of a slot.
type State int32

const (
	Closed State = iota
	Initializing
	Ready
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// slot holds one storage role. mu is held for writing by open and close and
// for reading by every operation on the handle, so a handle is never closed
// under a running read. state is readable without the lock.
type slot struct {
	name   string
	mu     sync.RWMutex
	state  int32
	handle storage.Store
	sub    storage.Subscription
}

func newSlot(name string) *slot {
	return &slot{name: name}
}

func (s *slot) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *slot) setState(state State) {
	atomic.StoreInt32(&s.state, int32(state))
}

// openLocked opens a new handle. The caller holds mu for writing and has
// detached any previous handle.
func (s *slot) openLocked(ctx context.Context, open func(context.Context) (storage.Store, error)) error {
	s.setState(Initializing)
	handle, err := open(ctx)
	if err != nil {
		s.setState(Closed)
		return err
	}
	s.handle = handle
	s.setState(Ready)
	return nil
}

// detachLocked closes the subscription, clears the handle and marks the
// slot Closed. The returned handle, if any, still has to be closed. The
// caller holds mu for writing.
func (s *slot) detachLocked() storage.Store {
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
	handle := s.handle
	s.handle = nil
	s.setState(Closed)
	return handle
}

func notInitialized(s *slot) error {
	return errors.Wrap(ErrNotInitialized, s.name)
}

// with runs fn on the handle while holding the read lock. It fails with
// ErrNotInitialized without calling fn when the slot is not Ready.
func (s *slot) with(fn func(storage.Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.State() != Ready || s.handle == nil {
		return notInitialized(s)
	}
	return fn(s.handle)
}
