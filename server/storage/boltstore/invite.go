package boltstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/vaultlet/vaultlet/server/storage"
)

// CreateInvite issues a new invite token and starts serving the store's key
// to devices that present it. A previous invite is revoked.
func (s *Store) CreateInvite(ctx context.Context) (string, error) {
	if err := s.checkOpen(ctx); err != nil {
		return "", err
	}
	if s.pairer == nil {
		return "", storage.ErrPairingUnavailable
	}
	token, err := s.pairer.NewToken()
	if err != nil {
		return "", err
	}
	sealed, err := s.sealer.Seal([]byte(token))
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(inviteKey, sealed)
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to persist invite")
	}
	if err := s.serve(token); err != nil {
		return "", err
	}
	s.logger.Debugf("boltstore: Created invite for %s", s.path)
	return token, nil
}

// DeleteInvite revokes the current invite.
func (s *Store) DeleteInvite(ctx context.Context) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	responder := s.responder
	s.responder = nil
	s.mu.Unlock()
	if responder != nil {
		responder.Close()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Delete(inviteKey)
	})
}

func (s *Store) serve(token string) error {
	responder, err := s.pairer.Serve(token, s.key)
	if err != nil {
		return errors.Wrap(err, "failed to serve invite")
	}
	s.mu.Lock()
	previous := s.responder
	s.responder = responder
	s.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return nil
}

// resumeInvite serves a persisted invite after the store is reopened.
func (s *Store) resumeInvite() error {
	if s.pairer == nil {
		return nil
	}
	var sealed []byte
	s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(inviteKey); v != nil {
			sealed = append([]byte(nil), v...)
		}
		return nil
	})
	if sealed == nil {
		return nil
	}
	token, err := s.sealer.Read(sealed)
	if err != nil {
		return err
	}
	return s.serve(string(token))
}

// AddMirror records a blind mirror key.
func (s *Store) AddMirror(ctx context.Context, key string) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mirrorsBucket).Put([]byte(key), []byte{})
	})
}

// RemoveMirror forgets a blind mirror key.
func (s *Store) RemoveMirror(ctx context.Context, key string) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mirrorsBucket).Delete([]byte(key))
	})
}

// Mirrors returns the configured blind mirror keys in sorted order.
func (s *Store) Mirrors(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	mirrors := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(mirrorsBucket).ForEach(func(k, _ []byte) error {
			mirrors = append(mirrors, string(k))
			return nil
		})
	})
	return mirrors, err
}

// pairing joins a vault by exchanging an invite token for its key.
type pairing struct {
	opener *Opener
	path   string
	token  string
	ctx    context.Context
	cancel context.CancelFunc
}

// Pair starts joining the vault shared through token. The joined store is
// created at path once the vault owner answers.
func (o *Opener) Pair(ctx context.Context, path, token string) (storage.Pairing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.opts.Pairer == nil {
		return nil, storage.ErrPairingUnavailable
	}
	pctx, cancel := context.WithCancel(context.Background())
	return &pairing{opener: o, path: path, token: token, ctx: pctx, cancel: cancel}, nil
}

// Finished waits for the vault owner to answer, retrying while nobody is
// serving the invite, and returns the joined store.
func (p *pairing) Finished(ctx context.Context) (storage.Store, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	retry := p.opener.opts.PairRetryInterval
	for {
		key, err := p.opener.opts.Pairer.Request(ctx, p.token)
		if err == nil {
			return p.opener.open(ctx, p.path, key)
		}
		if p.ctx.Err() != nil {
			return nil, storage.ErrPairingAborted
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) {
			return nil, err
		}
		p.opener.opts.Logger.Debugf("boltstore: Invite not served yet, retrying in %s", retry)
		select {
		case <-time.After(retry):
		case <-ctx.Done():
			if p.ctx.Err() != nil {
				return nil, storage.ErrPairingAborted
			}
			return nil, ctx.Err()
		}
	}
}

// Close aborts the pairing attempt.
func (p *pairing) Close() error {
	p.cancel()
	return nil
}

// retryableError is implemented by transport errors meaning "try again".
type retryableError interface {
	Retryable() bool
}

func isRetryable(err error) bool {
	if r, ok := errors.Cause(err).(retryableError); ok {
		return r.Retryable()
	}
	return false
}
