// Package boltstore implements storage.Store on top of bbolt. Values are
// sealed with the store's encryption key before they reach disk and
// attached files are kept as sealed blobs next to the database.
package boltstore

import (
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/vaultlet/vaultlet/server/encryption"
	"github.com/vaultlet/vaultlet/server/logger"
	"github.com/vaultlet/vaultlet/server/storage"
)

const (
	dbFileName  = "store.db"
	blobDirName = "blobs"

	defaultLockTimeout = time.Second

	keyCheckPlaintext = "vaultlet-key-check"
)

var (
	recordsBucket = []byte("records")
	metaBucket    = []byte("meta")
	mirrorsBucket = []byte("mirrors")

	localKeyKey = []byte("localkey")
	keyCheckKey = []byte("keycheck")
	inviteKey   = []byte("invite")
)

// Pairer issues invite tokens and exchanges vault keys for them.
type Pairer interface {
	NewToken() (string, error)
	Serve(token string, key []byte) (io.Closer, error)
	Request(ctx context.Context, token string) ([]byte, error)
}

// Options configures an Opener.
type Options struct {
	// Pairer enables invites and pairing. Without it CreateInvite and Pair
	// return storage.ErrPairingUnavailable.
	Pairer Pairer

	// LockTimeout bounds how long Open waits for the database file lock.
	LockTimeout time.Duration

	// PairRetryInterval is the delay between attempts while no device is
	// serving the invite.
	PairRetryInterval time.Duration

	Logger logger.Logger
}

// Opener opens bbolt-backed stores.
type Opener struct {
	opts Options
}

// NewOpener returns an Opener using opts.
func NewOpener(opts Options) *Opener {
	if opts.LockTimeout == 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.PairRetryInterval == 0 {
		opts.PairRetryInterval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger(0)
	}
	return &Opener{opts: opts}
}

// recordEnvelope is the on-disk form of a record.
type recordEnvelope struct {
	Value []byte `cbor:"1,keyasint"`
	Blob  string `cbor:"2,keyasint,omitempty"`
	Size  int64  `cbor:"3,keyasint,omitempty"`
}

// Store is a bbolt-backed storage.Store.
type Store struct {
	path   string
	db     *bolt.DB
	key    []byte
	sealer *encryption.LocalEncryptionHandler
	blobs  *blobDir
	pairer Pairer
	logger logger.Logger

	mu        sync.Mutex
	closed    bool
	subs      map[*subscription]struct{}
	responder io.Closer
}

// Open opens or creates the store at path.
func (o *Opener) Open(ctx context.Context, path string, key []byte) (storage.Store, error) {
	return o.open(ctx, path, key)
}

func (o *Opener) open(ctx context.Context, path string, key []byte) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key != nil && len(key) != encryption.KeySize {
		return nil, errors.Errorf("encryption key must be %d bytes", encryption.KeySize)
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create store directory")
	}
	lockTimeout := o.opts.LockTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < lockTimeout {
			lockTimeout = remaining
		}
	}
	db, err := bolt.Open(filepath.Join(path, dbFileName), 0600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	s := &Store{
		path:   path,
		db:     db,
		blobs:  &blobDir{dir: filepath.Join(path, blobDirName)},
		pairer: o.opts.Pairer,
		logger: o.opts.Logger,
		subs:   make(map[*subscription]struct{}),
	}
	if err := s.init(key); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.resumeInvite(); err != nil {
		s.logger.Warnf("boltstore: Failed to resume invite for %s: %v", path, err)
	}
	s.logger.Debugf("boltstore: Opened store at %s", path)
	return s, nil
}

// init creates buckets and resolves the encryption key.
func (s *Store) init(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, metaBucket, mirrorsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBucket)
		localKey := meta.Get(localKeyKey)
		check := meta.Get(keyCheckKey)

		if key == nil {
			switch {
			case localKey != nil:
				key = append([]byte(nil), localKey...)
			case check != nil:
				return storage.ErrWrongKey
			default:
				key = make([]byte, encryption.KeySize)
				if _, err := io.ReadFull(rand.Reader, key); err != nil {
					return err
				}
				if err := meta.Put(localKeyKey, key); err != nil {
					return err
				}
			}
		}

		sealer, err := encryption.NewLocalEncryptionHandler(key)
		if err != nil {
			return err
		}
		if check == nil {
			sealed, err := sealer.Seal([]byte(keyCheckPlaintext))
			if err != nil {
				return err
			}
			if err := meta.Put(keyCheckKey, sealed); err != nil {
				return err
			}
		} else if plain, err := sealer.Read(check); err != nil || string(plain) != keyCheckPlaintext {
			return storage.ErrWrongKey
		}
		s.key = append([]byte(nil), key...)
		s.sealer = sealer
		return nil
	})
}

func (s *Store) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) getEnvelope(tx *bolt.Tx, key string) (*recordEnvelope, error) {
	data := tx.Bucket(recordsBucket).Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	env := new(recordEnvelope)
	if err := cbor.Unmarshal(data, env); err != nil {
		return nil, errors.Wrapf(err, "corrupt record %q", key)
	}
	return env, nil
}

func (s *Store) put(key string, value []byte, blob string, size int64) (string, error) {
	sealed, err := s.sealer.Seal(value)
	if err != nil {
		return "", err
	}
	data, err := cbor.Marshal(&recordEnvelope{Value: sealed, Blob: blob, Size: size})
	if err != nil {
		return "", err
	}
	var previousBlob string
	err = s.db.Update(func(tx *bolt.Tx) error {
		prev, err := s.getEnvelope(tx, key)
		if err != nil {
			return err
		}
		if prev != nil && prev.Blob != blob {
			previousBlob = prev.Blob
		}
		return tx.Bucket(recordsBucket).Put([]byte(key), data)
	})
	return previousBlob, err
}

// Add writes value under key, replacing any attached file.
func (s *Store) Add(ctx context.Context, key string, value []byte) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	stale, err := s.put(key, value, "", 0)
	if err != nil {
		return errors.Wrapf(err, "failed to add %q", key)
	}
	s.blobs.remove(stale)
	s.notify()
	return nil
}

// AddFile writes value under key with file attached.
func (s *Store) AddFile(ctx context.Context, key string, value, file []byte) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(file)
	if err != nil {
		return errors.Wrapf(err, "failed to seal file %q", key)
	}
	name := blobName(key)
	if err := s.blobs.write(name, sealed); err != nil {
		return errors.Wrapf(err, "failed to write file %q", key)
	}
	if _, err := s.put(key, value, name, int64(len(file))); err != nil {
		return errors.Wrapf(err, "failed to add %q", key)
	}
	s.logger.Debugf("boltstore: Stored file %q (%s)", key, humanize.Bytes(uint64(len(file))))
	s.notify()
	return nil
}

// Get returns the record under key or nil if it does not exist.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	var env *recordEnvelope
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		env, err = s.getEnvelope(tx, key)
		return err
	})
	if err != nil || env == nil {
		return nil, err
	}
	value, err := s.sealer.Read(env.Value)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", key)
	}
	return &storage.Record{Value: value, HasFile: env.Blob != ""}, nil
}

// GetFile returns the file attached to key.
func (s *Store) GetFile(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	var env *recordEnvelope
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		env, err = s.getEnvelope(tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if env == nil || env.Blob == "" {
		return nil, storage.ErrNotFound
	}
	sealed, err := s.blobs.read(env.Blob)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file %q", key)
	}
	return s.sealer.Read(sealed)
}

// Remove deletes key and its attached file.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	var blob string
	err := s.db.Update(func(tx *bolt.Tx) error {
		env, err := s.getEnvelope(tx, key)
		if err != nil || env == nil {
			return err
		}
		blob = env.Blob
		return tx.Bucket(recordsBucket).Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrapf(err, "failed to remove %q", key)
	}
	s.blobs.remove(blob)
	s.notify()
	return nil
}

// List calls fn for each entry in key order. Entries are read in one
// transaction and fn is called after it ends, so fn may use the store.
func (s *Store) List(ctx context.Context, fn func(storage.Entry) error) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	var entries []storage.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			env := new(recordEnvelope)
			if err := cbor.Unmarshal(v, env); err != nil {
				return errors.Wrapf(err, "corrupt record %q", k)
			}
			value, err := s.sealer.Read(env.Value)
			if err != nil {
				return errors.Wrapf(err, "failed to read %q", k)
			}
			entries = append(entries, storage.Entry{Key: string(k), Value: value})
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// EncryptionKey returns a copy of the key protecting the store.
func (s *Store) EncryptionKey() []byte {
	return append([]byte(nil), s.key...)
}

// Path returns the directory holding the store.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database and stops serving invites. Subsequent calls
// return storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	s.closed = true
	responder := s.responder
	s.responder = nil
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	if responder != nil {
		responder.Close()
	}
	for sub := range subs {
		sub.close()
	}
	s.logger.Debugf("boltstore: Closed store at %s", s.path)
	return s.db.Close()
}
