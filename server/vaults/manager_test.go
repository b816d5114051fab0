package vaults

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/vaultlet/vaultlet/server/logger"
	"github.com/vaultlet/vaultlet/server/storage"
)

func noopLogger() logger.Logger {
	l := logger.NewLogger(0)
	l.SetWriter(ioutil.Discard)
	return l
}

func newTestManager(t *testing.T) (*Manager, *memOpener) {
	opener := newMemOpener()
	m := NewManager(Config{
		Opener:           opener,
		Logger:           noopLogger(),
		OperationTimeout: time.Second,
		PairingTimeout:   time.Second,
		DefaultMirrors:   []string{"mirror-a", "mirror-b"},
	})
	require.NoError(t, m.SetStoragePath("/data/vaultlet"))
	return m, opener
}

// Ensure every operation on a Closed slot fails with ErrNotInitialized
// without opening a store.
func TestManagerNotInitialized(t *testing.T) {
	m, opener := newTestManager(t)
	ctx := context.Background()

	checks := []error{
		m.VaultsAdd(ctx, "a", json.RawMessage(`1`)),
		m.ActiveVaultAdd(ctx, "a", json.RawMessage(`1`)),
		m.ActiveVaultRemove(ctx, "a"),
		m.ActiveVaultAddFile(ctx, "a", nil, []byte("x")),
		m.ActiveVaultDeleteInvite(ctx),
		m.EncryptionAdd(ctx, "a", json.RawMessage(`1`)),
		m.AddBlindMirror(ctx, "k"),
		m.RemoveAllBlindMirrors(ctx),
		m.InitListener("v1", "c1", func() {}),
	}
	_, err := m.VaultsGet(ctx, "a")
	checks = append(checks, err)
	_, err = m.VaultsList(ctx, "")
	checks = append(checks, err)
	_, err = m.ActiveVaultGet(ctx, "a")
	checks = append(checks, err)
	_, err = m.ActiveVaultCreateInvite(ctx)
	checks = append(checks, err)
	_, err = m.EncryptionGet(ctx, "a")
	checks = append(checks, err)
	_, err = m.GetBlindMirrors(ctx)
	checks = append(checks, err)

	for i, err := range checks {
		require.Truef(t, errors.Is(err, ErrNotInitialized), "check %d: %v", i, err)
	}
	require.Empty(t, opener.opened)
}

func TestManagerStorageNotSet(t *testing.T) {
	m := NewManager(Config{Opener: newMemOpener(), Logger: noopLogger()})
	require.Equal(t, ErrStorageNotSet, m.VaultsInit(context.Background(), nil))
	require.False(t, m.VaultsGetStatus())
}

func TestManagerSetStoragePath(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.SetStoragePath("file:///var/lib/vaultlet/"))
	require.Equal(t, "/var/lib/vaultlet", m.StoragePath())

	err := m.SetStoragePath("relative/path")
	require.True(t, errors.Is(err, ErrInvalidPath))
	// Rejected paths leave the previous root in place.
	require.Equal(t, "/var/lib/vaultlet", m.StoragePath())
}

// Scenario: init then close the master vault and observe its status.
func TestManagerVaultsStatus(t *testing.T) {
	m, opener := newTestManager(t)
	ctx := context.Background()

	require.False(t, m.VaultsGetStatus())
	require.NoError(t, m.VaultsInit(ctx, []byte("keyA")))
	require.True(t, m.VaultsGetStatus())
	require.Equal(t, "/data/vaultlet/vaults", opener.last().path)
	require.Equal(t, []byte("keyA"), opener.last().key)

	require.NoError(t, m.VaultsClose(ctx))
	require.False(t, m.VaultsGetStatus())
	require.True(t, opener.last().isClosed())

	// Closing a Closed slot is a no-op.
	require.NoError(t, m.VaultsClose(ctx))
}

func TestManagerFailedOpenLeavesSlotClosed(t *testing.T) {
	m, opener := newTestManager(t)
	opener.openErr = errors.New("disk on fire")

	err := m.EncryptionInit(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "open encryption: disk on fire")
	var serr *StorageError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, Closed, m.encryption.State())
}

func TestManagerOpenTimeout(t *testing.T) {
	m, opener := newTestManager(t)
	block := make(chan struct{})
	opener.openBlock = block
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.VaultsInit(ctx, nil)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, Closed, m.vaults.State())
}

func TestManagerRecords(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.InitActiveVault(ctx, "v1", nil))
	require.True(t, m.ActiveVaultGetStatus())

	require.NoError(t, m.ActiveVaultAdd(ctx, "note/1", json.RawMessage(`{"title":"a"}`)))
	require.NoError(t, m.ActiveVaultAdd(ctx, "note/2", json.RawMessage(`{"title":"b"}`)))
	require.NoError(t, m.ActiveVaultAdd(ctx, "other", json.RawMessage(`3`)))

	rec, err := m.ActiveVaultGet(ctx, "note/1")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"a"}`, string(rec.Data))
	require.False(t, rec.HasFile)

	rec, err = m.ActiveVaultGet(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, rec)

	all, err := m.ActiveVaultList(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	notes, err := m.ActiveVaultList(ctx, "note/")
	require.NoError(t, err)
	require.Len(t, notes, 2)

	none, err := m.ActiveVaultList(ctx, "zzz")
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)

	require.NoError(t, m.ActiveVaultRemove(ctx, "note/1"))
	rec, err = m.ActiveVaultGet(ctx, "note/1")
	require.NoError(t, err)
	require.Nil(t, rec)

	// Invalid JSON is rejected before reaching the store.
	require.Error(t, m.ActiveVaultAdd(ctx, "bad", json.RawMessage(`{`)))
}

func TestManagerFiles(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.InitActiveVault(ctx, "v1", nil))

	require.NoError(t, m.ActiveVaultAddFile(ctx, "doc", json.RawMessage(`{"name":"a.txt"}`), []byte("hello")))
	rec, err := m.ActiveVaultGet(ctx, "doc")
	require.NoError(t, err)
	require.True(t, rec.HasFile)
	require.Equal(t, []byte("hello"), rec.File)

	file, err := m.ActiveVaultGetFile(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), file)

	require.NoError(t, m.ActiveVaultRemoveFile(ctx, "doc"))
	_, err = m.ActiveVaultGetFile(ctx, "doc")
	require.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestManagerInvalidVaultID(t *testing.T) {
	m, opener := newTestManager(t)
	err := m.InitActiveVault(context.Background(), "../escape", nil)
	require.True(t, errors.Is(err, ErrInvalidPath))
	require.Empty(t, opener.opened)
}

// Ensure reopening the active vault closes the previous handle first.
func TestManagerReinitActiveVault(t *testing.T) {
	m, opener := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.InitActiveVault(ctx, "v1", nil))
	first := opener.last()
	require.NoError(t, m.InitActiveVault(ctx, "v2", nil))
	require.True(t, first.isClosed())
	require.Equal(t, "/data/vaultlet/vault/v2", opener.last().path)
}

func TestManagerRestartActiveVault(t *testing.T) {
	m, opener := newTestManager(t)
	ctx := context.Background()

	require.Equal(t, ErrNoPreviousVault, m.RestartActiveVault(ctx))

	require.NoError(t, m.InitActiveVault(ctx, "v1", []byte("k1")))
	require.NoError(t, m.ActiveVaultAdd(ctx, "a", json.RawMessage(`1`)))
	updates := make(chan struct{}, 10)
	require.NoError(t, m.InitListener("v1", "c1", func() { updates <- struct{}{} }))
	first := opener.last()

	require.NoError(t, m.RestartActiveVault(ctx))
	require.True(t, first.isClosed())
	second := opener.last()
	require.NotSame(t, first, second)
	require.Equal(t, []byte("k1"), second.key)
	require.True(t, m.ActiveVaultGetStatus())

	// The listener follows the new handle.
	require.NoError(t, m.ActiveVaultAdd(ctx, "b", json.RawMessage(`2`)))
	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("Expected update after restart")
	}

	// Restart also works from Closed.
	require.NoError(t, m.CloseActiveVault(ctx))
	require.NoError(t, m.RestartActiveVault(ctx))
	require.True(t, m.ActiveVaultGetStatus())
}

func TestManagerInitListenerIdempotent(t *testing.T) {
	m, opener := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.InitActiveVault(ctx, "v1", nil))
	store := opener.last()

	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(name string) func() {
		return func() {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	require.NoError(t, m.InitListener("v1", "c1", record("first")))
	require.NoError(t, m.InitListener("v1", "c1", record("second")))
	store.mu.Lock()
	require.Equal(t, 1, store.subbed)
	store.mu.Unlock()

	// A different vault replaces the listener.
	require.NoError(t, m.InitListener("v2", "c1", record("third")))
	store.mu.Lock()
	require.Equal(t, 2, store.subbed)
	require.Len(t, store.subs, 1)
	store.mu.Unlock()

	require.NoError(t, m.ActiveVaultAdd(ctx, "a", json.RawMessage(`1`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"third"}, calls)
	mu.Unlock()
}

// Ensure a listener registered by another owner replaces the current one
// and RemoveListener only drops the caller's own listener.
func TestManagerListenerOwner(t *testing.T) {
	m, opener := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.InitActiveVault(ctx, "v1", nil))
	store := opener.last()

	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(name string) func() {
		return func() {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	require.NoError(t, m.InitListener("v1", "c1", record("c1")))
	require.NoError(t, m.InitListener("v1", "c2", record("c2")))
	store.mu.Lock()
	require.Equal(t, 2, store.subbed)
	require.Len(t, store.subs, 1)
	store.mu.Unlock()

	// c1 no longer owns the listener.
	m.RemoveListener("c1")
	store.mu.Lock()
	require.Len(t, store.subs, 1)
	store.mu.Unlock()

	require.NoError(t, m.ActiveVaultAdd(ctx, "a", json.RawMessage(`1`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"c2"}, calls)
	mu.Unlock()

	m.RemoveListener("c2")
	store.mu.Lock()
	require.Empty(t, store.subs)
	store.mu.Unlock()

	// Registering again after removal subscribes afresh.
	require.NoError(t, m.InitListener("v1", "c2", record("c2")))
	store.mu.Lock()
	require.Equal(t, 3, store.subbed)
	store.mu.Unlock()
}

// Ensure CloseAll with only the active vault open closes exactly that slot.
func TestManagerCloseAll(t *testing.T) {
	m, opener := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.InitActiveVault(ctx, "v1", nil))

	require.NoError(t, m.CloseAll(ctx))
	require.True(t, opener.last().isClosed())
	require.Len(t, opener.opened, 1)
	require.False(t, m.VaultsGetStatus())
	require.False(t, m.EncryptionGetStatus())
	require.False(t, m.ActiveVaultGetStatus())

	// The restart cache is cleared.
	require.Equal(t, ErrNoPreviousVault, m.RestartActiveVault(ctx))
}

func TestManagerEncryptionStore(t *testing.T) {
	m, opener := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.EncryptionInit(ctx))
	require.True(t, m.EncryptionGetStatus())
	require.Equal(t, "/data/vaultlet/encryption", opener.last().path)

	require.NoError(t, m.EncryptionAdd(ctx, "masterEncryption", json.RawMessage(`{"salt":"abc"}`)))
	data, err := m.EncryptionGet(ctx, "masterEncryption")
	require.NoError(t, err)
	require.JSONEq(t, `{"salt":"abc"}`, string(data))

	data, err = m.EncryptionGet(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, data)

	require.NoError(t, m.EncryptionClose(ctx))
	require.False(t, m.EncryptionGetStatus())
}

func TestManagerVaultsCatalog(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.VaultsInit(ctx, nil))
	require.NoError(t, m.VaultsAdd(ctx, "vault/v1", json.RawMessage(`{"id":"v1"}`)))
	require.NoError(t, m.VaultsAdd(ctx, "vault/v2", json.RawMessage(`{"id":"v2"}`)))
	require.NoError(t, m.VaultsAdd(ctx, "settings", json.RawMessage(`{}`)))

	vaults, err := m.VaultsList(ctx, "vault/")
	require.NoError(t, err)
	require.Len(t, vaults, 2)

	data, err := m.VaultsGet(ctx, "vault/v2")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"v2"}`, string(data))
}

func TestManagerBlindMirrors(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.InitActiveVault(ctx, "v1", nil))

	mirrors, err := m.GetBlindMirrors(ctx)
	require.NoError(t, err)
	require.Empty(t, mirrors)

	require.NoError(t, m.AddBlindMirror(ctx, "custom"))
	require.NoError(t, m.AddDefaultBlindMirrors(ctx))
	mirrors, err = m.GetBlindMirrors(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"custom", "mirror-a", "mirror-b"}, mirrors)

	require.NoError(t, m.RemoveBlindMirror(ctx, "custom"))
	mirrors, err = m.GetBlindMirrors(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"mirror-a", "mirror-b"}, mirrors)

	require.NoError(t, m.RemoveAllBlindMirrors(ctx))
	mirrors, err = m.GetBlindMirrors(ctx)
	require.NoError(t, err)
	require.Empty(t, mirrors)
}

// Scenario: vault V1 with invite token T1 yields "V1/T1".
func TestManagerInvites(t *testing.T) {
	m, opener := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.InitActiveVault(ctx, "V1", nil))

	_, err := m.ActiveVaultCreateInvite(ctx)
	require.Equal(t, ErrVaultNotFound, err)
	require.Equal(t, ErrVaultNotFound, m.ActiveVaultDeleteInvite(ctx))

	require.NoError(t, m.ActiveVaultAdd(ctx, "vault", json.RawMessage(`{"id":"V1","name":"Personal"}`)))
	code, err := m.ActiveVaultCreateInvite(ctx)
	require.NoError(t, err)
	require.Equal(t, "V1/token-/data/vaultlet/vault/V1", code)

	require.NoError(t, m.ActiveVaultDeleteInvite(ctx))
	store := opener.last()
	store.mu.Lock()
	require.Empty(t, store.invite)
	store.mu.Unlock()
}

// Ensure concurrent init and close on one slot never leave it in an
// inconsistent state.
func TestManagerConcurrentInitClose(t *testing.T) {
	m, opener := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			require.NoError(t, m.VaultsInit(ctx, nil))
		}()
		go func() {
			defer wg.Done()
			require.NoError(t, m.VaultsClose(ctx))
		}()
	}
	wg.Wait()

	opener.mu.Lock()
	stores := append([]*memStore(nil), opener.opened...)
	opener.mu.Unlock()

	// Every handle but the current one has been closed.
	open := 0
	for _, s := range stores {
		if !s.isClosed() {
			open++
		}
	}
	if m.VaultsGetStatus() {
		require.Equal(t, 1, open)
	} else {
		require.Equal(t, 0, open)
	}
}

func TestStateString(t *testing.T) {
	require.Equal(t, "closed", Closed.String())
	require.Equal(t, "initializing", Initializing.String())
	require.Equal(t, "ready", Ready.String())
	require.Equal(t, "unknown", State(9).String())
}
