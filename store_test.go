package scm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestFileStoreSaveLoad(t *testing.T) {
	s := newTestStore(t)

	rec := &Record{Name: "Echo", Config: ownProcess()}
	rec.Config.Dependencies = []string{"rpcss"}
	rec.Config.Description = "echoes"
	require.NoError(t, s.Save(rec))

	// key names are case-insensitive
	got, err := s.Load("ECHO")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = os.Stat(filepath.Join(s.Dir, "echo.yaml"))
	assert.NoError(t, err)
}

func TestFileStoreLoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("nothing")
	assert.ErrorIs(t, err, ErrServiceDoesNotExist)
}

func TestFileStoreLoadAll(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(&Record{Name: "b", Config: ownProcess()}))
	require.NoError(t, s.Save(&Record{Name: "a", Config: ownProcess(), DeleteFlag: true}))

	// foreign and temporary files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, ".c.yaml123"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, "README"), []byte("junk"), 0o644))

	recs, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Name)
	assert.True(t, recs[0].DeleteFlag)
	assert.Equal(t, "b", recs[1].Name)
}

func TestFileStoreLoadAllReportsBrokenRecords(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(&Record{Name: "good", Config: ownProcess()}))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, "bad.yaml"), []byte("name: [unclosed"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, "anon.yaml"), []byte("config: {}"), 0o644))

	recs, err := s.LoadAll()
	require.Error(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "good", recs[0].Name)

	var merr *MultiError
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
}

func TestFileStoreDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(&Record{Name: "gone", Config: ownProcess()}))

	require.NoError(t, s.Delete("gone"))
	_, err := s.Load("gone")
	assert.ErrorIs(t, err, ErrServiceDoesNotExist)

	// deleting twice is fine
	assert.NoError(t, s.Delete("gone"))
}

func TestFileStoreWatch(t *testing.T) {
	s := newTestStore(t)
	s.WatchDebounce = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup, err := s.Watch(ctx)
	require.NoError(t, err)
	defer func() { assert.NoError(t, cleanup()) }()

	other := &FileStore{Dir: s.Dir, log: zerolog.Nop()}
	require.NoError(t, other.Save(&Record{Name: "late", Config: ownProcess()}))

	select {
	case ev := <-events:
		require.NoError(t, ev.Err)
		assert.Equal(t, "late", ev.Name)
		require.NotNil(t, ev.Record)
		assert.Equal(t, `C:\svc.exe`, ev.Record.Config.BinaryPath)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch event")
	}

	require.NoError(t, other.Delete("late"))

	select {
	case ev := <-events:
		assert.Equal(t, "late", ev.Name)
		assert.Nil(t, ev.Record)
		assert.NoError(t, ev.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("no removal event")
	}
}
