package vaults

import (
	"context"
	"sort"
	"sync"

	"github.com/vaultlet/vaultlet/server/storage"
)

type memSubscription struct {
	store *memStore
	once  sync.Once
	ch    chan struct{}
}

func (s *memSubscription) C() <-chan struct{} { return s.ch }

func (s *memSubscription) Close() {
	s.once.Do(func() {
		s.store.mu.Lock()
		for i, sub := range s.store.subs {
			if sub == s {
				s.store.subs = append(s.store.subs[:i], s.store.subs[i+1:]...)
				break
			}
		}
		close(s.ch)
		s.store.mu.Unlock()
	})
}

// memStore is an in-memory storage.Store.
type memStore struct {
	mu      sync.Mutex
	path    string
	key     []byte
	records map[string]*storage.Record
	mirrors map[string]struct{}
	invite  string
	subs    []*memSubscription
	subbed  int
	closed  bool
}

func newMemStore(path string, key []byte) *memStore {
	if key == nil {
		key = []byte("0123456789abcdef0123456789abcdef")
	}
	return &memStore{
		path:    path,
		key:     key,
		records: make(map[string]*storage.Record),
		mirrors: make(map[string]struct{}),
	}
}

func (s *memStore) notifyLocked() {
	for _, sub := range s.subs {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

func (s *memStore) Add(ctx context.Context, key string, value []byte) error {
	return s.AddFile(ctx, key, value, nil)
}

func (s *memStore) AddFile(ctx context.Context, key string, value, file []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.records[key] = &storage.Record{Value: value, File: file, HasFile: file != nil}
	s.notifyLocked()
	return nil
}

func (s *memStore) Get(ctx context.Context, key string) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &storage.Record{Value: rec.Value, HasFile: rec.HasFile}, nil
}

func (s *memStore) GetFile(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	rec, ok := s.records[key]
	if !ok || !rec.HasFile {
		return nil, storage.ErrNotFound
	}
	return rec.File, nil
}

func (s *memStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.records, key)
	s.notifyLocked()
	return nil
}

func (s *memStore) List(ctx context.Context, fn func(storage.Entry) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]storage.Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, storage.Entry{Key: k, Value: s.records[k].Value})
	}
	s.mu.Unlock()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) Subscribe() storage.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &memSubscription{store: s, ch: make(chan struct{}, 1)}
	s.subs = append(s.subs, sub)
	s.subbed++
	return sub
}

func (s *memStore) CreateInvite(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invite = "token-" + s.path
	return s.invite, nil
}

func (s *memStore) DeleteInvite(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invite = ""
	return nil
}

func (s *memStore) AddMirror(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrors[key] = struct{}{}
	return nil
}

func (s *memStore) RemoveMirror(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mirrors, key)
	return nil
}

func (s *memStore) Mirrors(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mirrors := []string{}
	for k := range s.mirrors {
		mirrors = append(mirrors, k)
	}
	sort.Strings(mirrors)
	return mirrors, nil
}

func (s *memStore) EncryptionKey() []byte { return s.key }

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.closed = true
	return nil
}

func (s *memStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// memPairing finishes once release is closed or immediately when release
// is nil.
type memPairing struct {
	store   *memStore
	release chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (p *memPairing) Finished(ctx context.Context) (storage.Store, error) {
	if p.release != nil {
		select {
		case <-p.release:
		case <-p.done:
			return nil, storage.ErrPairingAborted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.store, nil
}

func (p *memPairing) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// memOpener keeps one memStore per path, so reopening a path sees the
// same data.
type memOpener struct {
	mu        sync.Mutex
	stores    map[string]*memStore
	opened    []*memStore
	openBlock chan struct{}
	openErr   error
	pairKey   []byte
	pairBlock chan struct{}
	pairs     []string
}

func newMemOpener() *memOpener {
	return &memOpener{stores: make(map[string]*memStore)}
}

func (o *memOpener) Open(ctx context.Context, path string, key []byte) (storage.Store, error) {
	o.mu.Lock()
	block, openErr := o.openBlock, o.openErr
	o.mu.Unlock()
	if block != nil {
		<-block
	}
	if openErr != nil {
		return nil, openErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	prev, ok := o.stores[path]
	if ok && key == nil {
		key = prev.key
	}
	store := newMemStore(path, key)
	if ok {
		store.records = prev.records
		store.mirrors = prev.mirrors
	}
	o.stores[path] = store
	o.opened = append(o.opened, store)
	return store, nil
}

func (o *memOpener) Pair(ctx context.Context, path, token string) (storage.Pairing, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pairs = append(o.pairs, path+"#"+token)
	return &memPairing{
		store:   newMemStore(path, o.pairKey),
		release: o.pairBlock,
		done:    make(chan struct{}),
	}, nil
}

func (o *memOpener) last() *memStore {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[len(o.opened)-1]
}
