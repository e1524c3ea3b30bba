package scm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"vawter.tech/stopper"
)

const (
	// recordExt is the file extension of persisted service records
	recordExt = ".yaml"

	// DefaultWatchDebounce coalesces bursts of store file events
	DefaultWatchDebounce = 25 * time.Millisecond
)

// Record is the persisted form of a service
type Record struct {
	Name   string `yaml:"name"`
	Config Config `yaml:"config"`
	// DeleteFlag is set once the service is marked for delete and survives
	// a restart of the manager
	DeleteFlag bool `yaml:"delete_flag,omitempty"`
}

// Store persists service records
type Store interface {
	// LoadAll returns every persisted record
	LoadAll() ([]*Record, error)
	// Load returns the record of one service
	Load(name string) (*Record, error)
	// Save writes a record, replacing any previous version
	Save(rec *Record) error
	// Delete removes a record; removing a missing record is not an error
	Delete(name string) error
}

// StoreEvent reports an external change to a persisted record
type StoreEvent struct {
	// Name is the service key name
	Name string
	// Record is the new record, nil when the record was removed
	Record *Record
	// Err is set when the record could not be read
	Err error
}

// FileStore keeps one YAML file per service in a directory.
// Files are replaced atomically.
type FileStore struct {
	// Dir is the directory holding the record files
	Dir string

	// WatchDebounce is the debounce duration for watch events
	WatchDebounce time.Duration

	log zerolog.Logger
}

// NewFileStore opens (creating if needed) a record directory
func NewFileStore(dir string, log zerolog.Logger) (*FileStore, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving store dir: %w", err)
	}
	if err := os.MkdirAll(absPath, DirMode); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return &FileStore{
		Dir:           absPath,
		WatchDebounce: DefaultWatchDebounce,
		log:           log,
	}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.Dir, strings.ToLower(name)+recordExt)
}

func (s *FileStore) read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if rec.Name == "" {
		return nil, fmt.Errorf("decoding %s: missing service name", path)
	}
	return &rec, nil
}

// LoadAll returns every persisted record sorted by name
func (s *FileStore) LoadAll() ([]*Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading store dir: %w", err)
	}

	var recs []*Record
	merr := &MultiError{}
	for _, e := range entries {
		if e.IsDir() || !isRecordFile(e.Name()) {
			continue
		}
		rec, err := s.read(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			merr.Add(err)
			continue
		}
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, merr.Err()
}

// Load returns the record of one service
func (s *FileStore) Load(name string) (*Record, error) {
	rec, err := s.read(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrServiceDoesNotExist
	}
	return rec, err
}

// Save writes a record atomically
func (s *FileStore) Save(rec *Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", rec.Name, err)
	}
	if err := renameio.WriteFile(s.path(rec.Name), data, FileMode); err != nil {
		return fmt.Errorf("writing %s: %w", rec.Name, err)
	}
	s.log.Debug().Str("service", rec.Name).Bool("delete_flag", rec.DeleteFlag).Msg("record saved")
	return nil
}

// Delete removes a record
func (s *FileStore) Delete(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	s.log.Debug().Str("service", name).Msg("record removed")
	return nil
}

// isRecordFile filters out renameio temporaries and foreign files
func isRecordFile(name string) bool {
	return strings.HasSuffix(name, recordExt) && !strings.HasPrefix(name, ".")
}

// WatchCleanupFunc stops a watch and waits for its goroutines
type WatchCleanupFunc func() error

// Watch reports record files created or modified by other writers.
// Events for one file arriving within WatchDebounce are coalesced.
func (s *FileStore) Watch(ctx context.Context) (<-chan StoreEvent, WatchCleanupFunc, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, &OpError{Op: "watch", Err: err}
	}
	if err := watcher.Add(s.Dir); err != nil {
		_ = watcher.Close()
		return nil, nil, &OpError{Op: "watch", Err: err}
	}

	ch := make(chan StoreEvent, 10)
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		close(ch)
	})

	var mu sync.Mutex
	pending := make(map[string]*time.Timer)

	emit := func(path string) {
		mu.Lock()
		delete(pending, path)
		mu.Unlock()
		if sctx.IsStopping() {
			return
		}

		var ev StoreEvent
		rec, err := s.read(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			ev.Name = strings.TrimSuffix(filepath.Base(path), recordExt)
		case err != nil:
			ev.Name = strings.TrimSuffix(filepath.Base(path), recordExt)
			ev.Err = err
		default:
			ev.Name = rec.Name
			ev.Record = rec
		}

		select {
		case ch <- ev:
		case <-sctx.Stopping():
		}
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			for _, t := range pending {
				t.Stop()
			}
			mu.Unlock()
		})

		for {
			select {
			case <-sctx.Stopping():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !isRecordFile(filepath.Base(event.Name)) {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				path := event.Name
				mu.Lock()
				if t, ok := pending[path]; ok {
					t.Reset(s.WatchDebounce)
				} else {
					pending[path] = time.AfterFunc(s.WatchDebounce, func() {
						// Run under the stopper so ch stays open until emit returns.
						sctx.Go(func(*stopper.Context) error {
							emit(path)
							return nil
						})
					})
				}
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				s.log.Warn().Err(err).Msg("store watch error")
			}
		}
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}
	return ch, cleanup, nil
}
