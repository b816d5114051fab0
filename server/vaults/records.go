package vaults

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/vaultlet/vaultlet/server/storage"
)

// Record is a JSON document read from a slot, with its attached file when
// it has one.
type Record struct {
	Data    json.RawMessage
	File    []byte
	HasFile bool
}

func encodeValue(data json.RawMessage) ([]byte, error) {
	if len(data) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(data) {
		return nil, errors.New("value is not valid JSON")
	}
	return data, nil
}

func (m *Manager) add(ctx context.Context, s *slot, key string, data json.RawMessage) error {
	value, err := encodeValue(data)
	if err != nil {
		return err
	}
	return s.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		return storageErr(s.name+" add", store.Add(ctx, key, value))
	})
}

func (m *Manager) get(ctx context.Context, s *slot, key string, withFile bool) (*Record, error) {
	var rec *Record
	err := s.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		stored, err := store.Get(ctx, key)
		if err != nil {
			return storageErr(s.name+" get", err)
		}
		if stored == nil {
			return nil
		}
		if !json.Valid(stored.Value) {
			return storageErr(s.name+" get", errors.Errorf("record %q is not valid JSON", key))
		}
		rec = &Record{Data: json.RawMessage(stored.Value), HasFile: stored.HasFile}
		if withFile && stored.HasFile {
			file, err := store.GetFile(ctx, key)
			if err != nil {
				return storageErr(s.name+" get file", err)
			}
			rec.File = file
		}
		return nil
	})
	return rec, err
}

func (m *Manager) remove(ctx context.Context, s *slot, key string) error {
	return s.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		return storageErr(s.name+" remove", store.Remove(ctx, key))
	})
}

// list returns the values of every record whose key starts with filterKey,
// in the order the store yields them.
func (m *Manager) list(ctx context.Context, s *slot, filterKey string) ([]json.RawMessage, error) {
	values := []json.RawMessage{}
	err := s.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		err := store.List(ctx, func(e storage.Entry) error {
			if filterKey != "" && !strings.HasPrefix(e.Key, filterKey) {
				return nil
			}
			if !json.Valid(e.Value) {
				return errors.Errorf("record %q is not valid JSON", e.Key)
			}
			values = append(values, json.RawMessage(e.Value))
			return nil
		})
		return storageErr(s.name+" list", err)
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// VaultsAdd stores data under key in the master vault.
func (m *Manager) VaultsAdd(ctx context.Context, key string, data json.RawMessage) error {
	return m.add(ctx, m.vaults, key, data)
}

// VaultsGet returns the document under key in the master vault, or nil.
func (m *Manager) VaultsGet(ctx context.Context, key string) (json.RawMessage, error) {
	rec, err := m.get(ctx, m.vaults, key, false)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Data, nil
}

// VaultsList lists the master vault, optionally filtered by key prefix.
func (m *Manager) VaultsList(ctx context.Context, filterKey string) ([]json.RawMessage, error) {
	return m.list(ctx, m.vaults, filterKey)
}

// ActiveVaultAdd stores data under key in the active vault.
func (m *Manager) ActiveVaultAdd(ctx context.Context, key string, data json.RawMessage) error {
	return m.add(ctx, m.active, key, data)
}

// ActiveVaultGet returns the record under key in the active vault, loading
// its attached file in full, or nil.
func (m *Manager) ActiveVaultGet(ctx context.Context, key string) (*Record, error) {
	return m.get(ctx, m.active, key, true)
}

// ActiveVaultRemove deletes key and any attached file from the active vault.
func (m *Manager) ActiveVaultRemove(ctx context.Context, key string) error {
	return m.remove(ctx, m.active, key)
}

// ActiveVaultList lists the active vault, optionally filtered by key prefix.
func (m *Manager) ActiveVaultList(ctx context.Context, filterKey string) ([]json.RawMessage, error) {
	return m.list(ctx, m.active, filterKey)
}

// ActiveVaultAddFile stores data under key with file attached.
func (m *Manager) ActiveVaultAddFile(ctx context.Context, key string, data json.RawMessage, file []byte) error {
	value, err := encodeValue(data)
	if err != nil {
		return err
	}
	return m.active.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		return storageErr(m.active.name+" add file", store.AddFile(ctx, key, value, file))
	})
}

// ActiveVaultGetFile returns the file attached to key.
func (m *Manager) ActiveVaultGetFile(ctx context.Context, key string) ([]byte, error) {
	var file []byte
	err := m.active.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		var err error
		file, err = store.GetFile(ctx, key)
		return storageErr(m.active.name+" get file", err)
	})
	return file, err
}

// ActiveVaultRemoveFile deletes key and its attached file.
func (m *Manager) ActiveVaultRemoveFile(ctx context.Context, key string) error {
	return m.remove(ctx, m.active, key)
}

// EncryptionAdd stores data under key in the encryption store.
func (m *Manager) EncryptionAdd(ctx context.Context, key string, data json.RawMessage) error {
	return m.add(ctx, m.encryption, key, data)
}

// EncryptionGet returns the document under key in the encryption store, or
// nil.
func (m *Manager) EncryptionGet(ctx context.Context, key string) (json.RawMessage, error) {
	rec, err := m.get(ctx, m.encryption, key, false)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Data, nil
}

type vaultMetadata struct {
	ID string `json:"id"`
}

// ActiveVaultCreateInvite revokes any current invite, issues a new one and
// returns it as "<vaultId>/<token>".
func (m *Manager) ActiveVaultCreateInvite(ctx context.Context) (string, error) {
	var code string
	err := m.active.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		if err := store.DeleteInvite(ctx); err != nil {
			return storageErr("delete invite", err)
		}
		token, err := store.CreateInvite(ctx)
		if err != nil {
			return storageErr("create invite", err)
		}
		rec, err := store.Get(ctx, "vault")
		if err != nil {
			return storageErr("get vault", err)
		}
		if rec == nil {
			return ErrVaultNotFound
		}
		meta := new(vaultMetadata)
		if err := json.Unmarshal(rec.Value, meta); err != nil {
			return errors.Wrap(err, "invalid vault record")
		}
		code = meta.ID + "/" + token
		return nil
	})
	return code, err
}

// ActiveVaultDeleteInvite revokes the active vault's invite. A vault
// without its "vault" record is treated as corrupt and left untouched.
func (m *Manager) ActiveVaultDeleteInvite(ctx context.Context) error {
	return m.active.with(func(store storage.Store) error {
		ctx, cancel := ensureTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		rec, err := store.Get(ctx, "vault")
		if err != nil {
			return storageErr("get vault", err)
		}
		if rec == nil {
			return ErrVaultNotFound
		}
		return storageErr("delete invite", store.DeleteInvite(ctx))
	})
}
