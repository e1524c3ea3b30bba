package scm

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchStore(t *testing.T) {
	store := newTestStore(t)
	h := newHarnessWithStore(t, store)
	sh := h.create("echo")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanup, err := h.m.WatchStore(ctx, store)
	require.NoError(t, err)
	defer func() { assert.NoError(t, cleanup()) }()

	other := &FileStore{Dir: store.Dir, log: zerolog.Nop()}

	// unknown records are registered
	require.NoError(t, other.Save(&Record{Name: "late", Config: ownProcess()}))
	require.Eventually(t, func() bool {
		lh, err := h.m.OpenService(h.mgr, "late", ServiceQueryConfig)
		if err != nil {
			return false
		}
		_ = h.m.CloseServiceHandle(lh)
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// known records are reloaded
	cfg := ownProcess()
	cfg.BinaryPath = `C:\other.exe`
	require.NoError(t, other.Save(&Record{Name: "echo", Config: cfg}))
	require.Eventually(t, func() bool {
		got, err := h.m.QueryServiceConfig(sh)
		return err == nil && got.BinaryPath == `C:\other.exe`
	}, 5*time.Second, 10*time.Millisecond)

	// removing a file does not delete the service
	require.NoError(t, other.Delete("late"))
	time.Sleep(10 * DefaultWatchDebounce)
	lh, err := h.m.OpenService(h.mgr, "late", ServiceQueryConfig)
	require.NoError(t, err)
	require.NoError(t, h.m.CloseServiceHandle(lh))
}

func TestWatchStoreAfterShutdown(t *testing.T) {
	store := newTestStore(t)
	h := newHarnessWithStore(t, store)
	require.NoError(t, h.m.Shutdown(context.Background()))

	_, err := h.m.WatchStore(context.Background(), store)
	assert.ErrorIs(t, err, ErrShutdownInProgress)
}

func TestWatchStoreDropsStaleEvents(t *testing.T) {
	store := newTestStore(t)
	h := newHarnessWithStore(t, store)

	sh := h.create("echo")
	stale, err := store.Load("echo")
	require.NoError(t, err)

	// a newer config wins over an event read before it was saved
	path := `C:\new.exe`
	require.NoError(t, h.m.ChangeServiceConfig(sh, ConfigChange{BinaryPath: &path}))
	h.m.applyStoreEvent(StoreEvent{Name: "echo", Record: stale})
	cfg, err := h.m.QueryServiceConfig(sh)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.BinaryPath)

	// a deleted service is not brought back
	require.NoError(t, h.m.DeleteService(sh))
	require.NoError(t, h.m.CloseServiceHandle(sh))
	require.Zero(t, h.db.Len())

	h.m.applyStoreEvent(StoreEvent{Name: "echo", Record: stale})
	assert.Zero(t, h.db.Len())
	_, err = store.Load("echo")
	assert.ErrorIs(t, err, ErrServiceDoesNotExist)
}
