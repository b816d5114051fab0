package vaults

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"

	"github.com/vaultlet/vaultlet/server/storage"
)

// PairResult is the outcome of a successful pairing.
type PairResult struct {
	VaultID       string `json:"vaultId"`
	EncryptionKey string `json:"encryptionKey"`
}

// PairingSession runs at most one pairing attempt at a time and lets it be
// cancelled from another request.
type PairingSession struct {
	manager *Manager

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	handle  storage.Pairing
}

// NewPairingSession returns an idle PairingSession joining vaults through m.
func NewPairingSession(m *Manager) *PairingSession {
	return &PairingSession{manager: m}
}

func splitInvite(code string) (string, string, error) {
	i := strings.IndexByte(code, '/')
	if i <= 0 || i == len(code)-1 {
		return "", "", ErrInvalidInvite
	}
	return code[:i], code[i+1:], nil
}

// Pair joins the vault shared through inviteCode ("<vaultId>/<token>") and
// returns its id and base64 encryption key. The active vault is closed
// first. Failures are reported as ErrPairingFailed.
func (p *PairingSession) Pair(ctx context.Context, inviteCode string) (*PairResult, error) {
	vaultID, token, err := splitInvite(inviteCode)
	if err != nil {
		return nil, &pairingError{err}
	}
	if err := validateVaultID(vaultID); err != nil {
		return nil, &pairingError{err}
	}
	path, err := p.manager.buildPath(vaultSubPath, vaultID)
	if err != nil {
		return nil, &pairingError{err}
	}

	ctx, cancel := ensureTimeout(ctx, p.manager.config.PairingTimeout)
	defer cancel()
	ctx, abort := context.WithCancel(ctx)
	defer abort()

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil, ErrPairingInProgress
	}
	p.running = true
	p.cancel = abort
	p.mu.Unlock()
	defer p.clear()

	if p.manager.ActiveVaultGetStatus() {
		if err := p.manager.CloseActiveVault(ctx); err != nil {
			return nil, &pairingError{err}
		}
	}

	p.manager.logger.Infof("vaults: Pairing with vault %s", vaultID)
	key, err := p.pair(ctx, path, token)
	if err != nil {
		p.manager.logger.Warnf("vaults: Pairing with vault %s failed: %v", vaultID, err)
		return nil, &pairingError{err}
	}
	p.manager.logger.Infof("vaults: Paired with vault %s", vaultID)
	return &PairResult{
		VaultID:       vaultID,
		EncryptionKey: base64.StdEncoding.EncodeToString(key),
	}, nil
}

func (p *PairingSession) pair(ctx context.Context, path, token string) ([]byte, error) {
	handle, err := p.manager.config.Opener.Pair(ctx, path, token)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.handle = handle
	p.mu.Unlock()
	defer handle.Close()

	store, err := handle.Finished(ctx)
	if err != nil {
		return nil, err
	}
	key := append([]byte(nil), store.EncryptionKey()...)
	if err := store.Close(); err != nil && err != storage.ErrClosed {
		return nil, err
	}
	return key, nil
}

func (p *PairingSession) clear() {
	p.mu.Lock()
	p.running = false
	p.cancel = nil
	p.handle = nil
	p.mu.Unlock()
}

// Active reports whether a pairing attempt is in flight.
func (p *PairingSession) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Cancel aborts the in-flight pairing attempt.
func (p *PairingSession) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNoPairingInProgress
	}
	if p.handle != nil {
		p.handle.Close()
	}
	p.cancel()
	p.manager.logger.Infof("vaults: Pairing cancelled")
	return nil
}
