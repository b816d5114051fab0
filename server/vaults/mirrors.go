package vaults

import (
	"context"

	"github.com/vaultlet/vaultlet/server/storage"
)

// GetBlindMirrors returns the active vault's blind mirrors.
func (m *Manager) GetBlindMirrors(ctx context.Context) ([]string, error) {
	var mirrors []string
	err := m.active.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		var err error
		mirrors, err = store.Mirrors(ctx)
		return storageErr("get mirrors", err)
	})
	return mirrors, err
}

// AddBlindMirror adds a blind mirror to the active vault.
func (m *Manager) AddBlindMirror(ctx context.Context, key string) error {
	return m.active.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		return storageErr("add mirror", store.AddMirror(ctx, key))
	})
}

// RemoveBlindMirror removes a blind mirror from the active vault.
func (m *Manager) RemoveBlindMirror(ctx context.Context, key string) error {
	return m.active.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		return storageErr("remove mirror", store.RemoveMirror(ctx, key))
	})
}

// AddDefaultBlindMirrors adds the configured default mirrors.
func (m *Manager) AddDefaultBlindMirrors(ctx context.Context) error {
	return m.active.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		for _, key := range m.config.DefaultMirrors {
			if err := store.AddMirror(ctx, key); err != nil {
				return storageErr("add mirror", err)
			}
		}
		return nil
	})
}

// RemoveAllBlindMirrors removes every blind mirror from the active vault.
func (m *Manager) RemoveAllBlindMirrors(ctx context.Context) error {
	return m.active.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		mirrors, err := store.Mirrors(ctx)
		if err != nil {
			return storageErr("get mirrors", err)
		}
		for _, key := range mirrors {
			if err := store.RemoveMirror(ctx, key); err != nil {
				return storageErr("remove mirror", err)
			}
		}
		return nil
	})
}
