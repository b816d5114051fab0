// Package vaults owns the storage roles of the worklet: the master vault
// catalog, the active vault and the encryption store. All access to
// storage handles goes through a Manager.
package vaults

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"golang.org/x/sync/errgroup"

	"github.com/vaultlet/vaultlet/server/logger"
	"github.com/vaultlet/vaultlet/server/storage"
)

const (
	vaultsSubPath     = "vaults"
	encryptionSubPath = "encryption"
	vaultSubPath      = "vault"

	defaultOperationTimeout = 30 * time.Second
	defaultPairingTimeout   = 2 * time.Minute
)

// Config configures a Manager.
type Config struct {
	Opener           storage.Opener
	Logger           logger.Logger
	OperationTimeout time.Duration
	PairingTimeout   time.Duration
	DefaultMirrors   []string
}

type openArgs struct {
	id  string
	key []byte
}

type listener struct {
	vaultID  string
	owner    string
	onUpdate func()
}

// Manager owns the three storage slots, the active vault's restart cache
// and its change listener.
type Manager struct {
	config Config
	logger logger.Logger

	pathMu      sync.RWMutex
	storagePath string

	vaults     *slot
	active     *slot
	encryption *slot

	// Guarded by active.mu.
	lastOpen *openArgs
	listener *listener
}

// NewManager returns a Manager with all slots Closed.
func NewManager(config Config) *Manager {
	if config.OperationTimeout == 0 {
		config.OperationTimeout = defaultOperationTimeout
	}
	if config.PairingTimeout == 0 {
		config.PairingTimeout = defaultPairingTimeout
	}
	if config.Logger == nil {
		config.Logger = logger.NewLogger(0)
	}
	return &Manager{
		config:     config,
		logger:     config.Logger,
		vaults:     newSlot("vaults"),
		active:     newSlot("active vault"),
		encryption: newSlot("encryption"),
	}
}

// SetStoragePath validates path and uses it as the root for all slots.
func (m *Manager) SetStoragePath(path string) error {
	clean, err := ValidateAndSanitizePath(path)
	if err != nil {
		return err
	}
	m.pathMu.Lock()
	m.storagePath = clean
	m.pathMu.Unlock()
	m.logger.Debugf("vaults: Storage path set to %s", clean)
	return nil
}

// StoragePath returns the configured storage root.
func (m *Manager) StoragePath() string {
	m.pathMu.RLock()
	defer m.pathMu.RUnlock()
	return m.storagePath
}

func (m *Manager) buildPath(elem ...string) (string, error) {
	root := m.StoragePath()
	if root == "" {
		return "", ErrStorageNotSet
	}
	return filepath.Join(append([]string{root}, elem...)...), nil
}

// VaultsGetStatus reports whether the master vault is Ready.
func (m *Manager) VaultsGetStatus() bool {
	return m.vaults.State() == Ready
}

// ActiveVaultGetStatus reports whether the active vault is Ready.
func (m *Manager) ActiveVaultGetStatus() bool {
	return m.active.State() == Ready
}

// EncryptionGetStatus reports whether the encryption store is Ready.
func (m *Manager) EncryptionGetStatus() bool {
	return m.encryption.State() == Ready
}

func closeStore(s storage.Store) {
	if s != nil {
		s.Close()
	}
}

// openSlot opens path into s. The caller holds s.mu for writing.
func (m *Manager) openSlot(ctx context.Context, s *slot, path string, key []byte) error {
	ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
	defer cancel()
	if err := m.closeHandle(ctx, s, s.detachLocked()); err != nil {
		return err
	}
	start := time.Now()
	err := s.openLocked(ctx, func(ctx context.Context) (storage.Store, error) {
		return bounded(ctx, func(ctx context.Context) (storage.Store, error) {
			return m.config.Opener.Open(ctx, path, key)
		}, closeStore)
	})
	if err != nil {
		m.logger.Errorf("vaults: Failed to open %s at %s: %v", s.name, path, err)
		return storageErr("open "+s.name, err)
	}
	m.logger.Debugf("vaults: Opened %s in %s", s.name, durafmt.Parse(time.Since(start)).LimitFirstN(2))
	return nil
}

// closeSlot closes s. Closing a Closed slot is a no-op. The caller holds
// s.mu for writing.
func (m *Manager) closeSlot(ctx context.Context, s *slot) error {
	ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
	defer cancel()
	return m.closeHandle(ctx, s, s.detachLocked())
}

func (m *Manager) closeHandle(ctx context.Context, s *slot, handle storage.Store) error {
	if handle == nil {
		return nil
	}
	_, err := bounded(ctx, func(context.Context) (struct{}, error) {
		err := handle.Close()
		if err == storage.ErrClosed {
			err = nil
		}
		return struct{}{}, err
	}, nil)
	if err != nil {
		m.logger.Errorf("vaults: Failed to close %s: %v", s.name, err)
		return storageErr("close "+s.name, err)
	}
	return nil
}

// VaultsInit opens the master vault, optionally with a recovered key.
func (m *Manager) VaultsInit(ctx context.Context, key []byte) error {
	path, err := m.buildPath(vaultsSubPath)
	if err != nil {
		return err
	}
	m.vaults.mu.Lock()
	defer m.vaults.mu.Unlock()
	return m.openSlot(ctx, m.vaults, path, key)
}

// EncryptionInit opens the encryption store.
func (m *Manager) EncryptionInit(ctx context.Context) error {
	path, err := m.buildPath(encryptionSubPath)
	if err != nil {
		return err
	}
	m.encryption.mu.Lock()
	defer m.encryption.mu.Unlock()
	return m.openSlot(ctx, m.encryption, path, nil)
}

// InitActiveVault opens vault id as the active vault, closing any vault
// that was active before. The arguments are remembered for restart.
func (m *Manager) InitActiveVault(ctx context.Context, id string, key []byte) error {
	if err := validateVaultID(id); err != nil {
		return err
	}
	path, err := m.buildPath(vaultSubPath, id)
	if err != nil {
		return err
	}
	m.active.mu.Lock()
	defer m.active.mu.Unlock()
	if err := m.openSlot(ctx, m.active, path, key); err != nil {
		return err
	}
	m.lastOpen = &openArgs{id: id, key: append([]byte(nil), key...)}
	return nil
}

// RestartActiveVault reopens the last active vault and reattaches its
// listener.
func (m *Manager) RestartActiveVault(ctx context.Context) error {
	m.active.mu.Lock()
	defer m.active.mu.Unlock()
	if m.lastOpen == nil {
		return ErrNoPreviousVault
	}
	path, err := m.buildPath(vaultSubPath, m.lastOpen.id)
	if err != nil {
		return err
	}
	m.logger.Infof("vaults: Restarting active vault %s", m.lastOpen.id)
	if err := m.openSlot(ctx, m.active, path, m.lastOpen.key); err != nil {
		return err
	}
	if m.listener != nil {
		m.attachLocked(m.listener)
	}
	return nil
}

// VaultsClose closes the master vault.
func (m *Manager) VaultsClose(ctx context.Context) error {
	m.vaults.mu.Lock()
	defer m.vaults.mu.Unlock()
	return m.closeSlot(ctx, m.vaults)
}

// CloseActiveVault closes the active vault and detaches its listener. The
// restart cache is kept.
func (m *Manager) CloseActiveVault(ctx context.Context) error {
	m.active.mu.Lock()
	defer m.active.mu.Unlock()
	return m.closeSlot(ctx, m.active)
}

// EncryptionClose closes the encryption store.
func (m *Manager) EncryptionClose(ctx context.Context) error {
	m.encryption.mu.Lock()
	defer m.encryption.mu.Unlock()
	return m.closeSlot(ctx, m.encryption)
}

// CloseAll closes every open slot concurrently and clears the restart
// cache.
func (m *Manager) CloseAll(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return m.VaultsClose(ctx) })
	g.Go(func() error { return m.EncryptionClose(ctx) })
	g.Go(func() error {
		m.active.mu.Lock()
		defer m.active.mu.Unlock()
		err := m.closeSlot(ctx, m.active)
		m.lastOpen = nil
		m.listener = nil
		return err
	})
	return g.Wait()
}

// InitListener calls onUpdate after every change to the active vault. It is
// a no-op when owner already listens for vaultID; any other listener is
// replaced.
func (m *Manager) InitListener(vaultID, owner string, onUpdate func()) error {
	m.active.mu.Lock()
	defer m.active.mu.Unlock()
	if m.active.State() != Ready || m.active.handle == nil {
		return notInitialized(m.active)
	}
	if m.active.sub != nil && m.listener != nil &&
		m.listener.vaultID == vaultID && m.listener.owner == owner {
		return nil
	}
	l := &listener{vaultID: vaultID, owner: owner, onUpdate: onUpdate}
	m.attachLocked(l)
	m.listener = l
	m.logger.Debugf("vaults: Listening for updates on vault %s for %s", vaultID, owner)
	return nil
}

// RemoveListener detaches the listener registered by owner. Listeners of
// other owners are left alone.
func (m *Manager) RemoveListener(owner string) {
	m.active.mu.Lock()
	defer m.active.mu.Unlock()
	if m.listener == nil || m.listener.owner != owner {
		return
	}
	if m.active.sub != nil {
		m.active.sub.Close()
		m.active.sub = nil
	}
	m.logger.Debugf("vaults: Stopped listening for updates on vault %s for %s", m.listener.vaultID, owner)
	m.listener = nil
}

// attachLocked replaces the active vault's subscription. The caller holds
// active.mu for writing and the slot is Ready.
func (m *Manager) attachLocked(l *listener) {
	if m.active.sub != nil {
		m.active.sub.Close()
	}
	sub := m.active.handle.Subscribe()
	m.active.sub = sub
	go func() {
		for range sub.C() {
			if l.onUpdate != nil {
				l.onUpdate()
			}
		}
	}()
}
