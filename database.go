package scm

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Database is the collection of installed services backed by a Store.
// A single lock guards membership and every entry's mutable fields;
// blocking I/O never happens while it is held, except the synchronous
// store writes that must stay consistent with memory.
type Database struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
	names   map[string]uint64
	nextID  uint64

	store Store

	// startup serializes service starts, see LockStartup
	startup chan struct{}

	log zerolog.Logger
}

// NewDatabase creates an empty database persisting to store
func NewDatabase(store Store, log zerolog.Logger) *Database {
	return &Database{
		entries: make(map[uint64]*Entry),
		names:   make(map[string]uint64),
		store:   store,
		startup: make(chan struct{}, 1),
		log:     log,
	}
}

func nameKey(name string) string {
	return strings.ToLower(name)
}

// Load registers every persisted service. Records left marked for delete
// by a previous run are removed from the store instead.
func (db *Database) Load() error {
	recs, err := db.store.LoadAll()
	merr := &MultiError{}
	merr.Add(err)

	db.mu.Lock()
	defer db.mu.Unlock()

	for _, rec := range recs {
		if rec.DeleteFlag {
			db.log.Info().Str("service", rec.Name).Msg("removing service marked for delete")
			merr.Add(db.store.Delete(rec.Name))
			continue
		}
		if err := db.insertRecordLocked(rec); err != nil {
			merr.Add(&OpError{Op: "load", Service: rec.Name, Err: err})
		}
	}

	db.log.Debug().Int("services", len(db.entries)).Msg("database loaded")
	return merr.Err()
}

// insertRecordLocked adds an already persisted record to memory
func (db *Database) insertRecordLocked(rec *Record) error {
	if !validServiceName(rec.Name) {
		return ErrInvalidName
	}
	if db.findLocked(rec.Name) != nil {
		return ErrServiceExists
	}
	e := newEntry(rec.Name)
	e.config = rec.Config.clone()
	if !e.config.validate() {
		return ErrInvalidParameter
	}
	if db.displayConflictLocked(e.displayName(), nil) {
		return ErrDuplicateServiceName
	}
	e.status.ServiceType = e.config.ServiceType
	db.linkLocked(e)
	return nil
}

func (db *Database) linkLocked(e *Entry) {
	db.nextID++
	e.id = db.nextID
	db.entries[e.id] = e
	db.names[nameKey(e.name)] = e.id
}

// findLocked looks a service up by key name, case-insensitively
func (db *Database) findLocked(name string) *Entry {
	id, ok := db.names[nameKey(name)]
	if !ok {
		return nil
	}
	return db.entries[id]
}

// findByDisplayNameLocked looks a service up by its display name
func (db *Database) findByDisplayNameLocked(display string) *Entry {
	for _, e := range db.entries {
		if e.config.DisplayName != "" && strings.EqualFold(e.config.DisplayName, display) {
			return e
		}
	}
	return nil
}

// displayConflictLocked reports whether display is already used as the
// display name or key name of a service other than self
func (db *Database) displayConflictLocked(display string, self *Entry) bool {
	if found := db.findByDisplayNameLocked(display); found != nil && found != self {
		return true
	}
	if found := db.findLocked(display); found != nil && found != self {
		return true
	}
	return false
}

// addLocked persists then registers a new entry. Nothing is registered if
// persisting fails.
func (db *Database) addLocked(e *Entry) error {
	if err := db.store.Save(e.recordLocked()); err != nil {
		return err
	}
	db.linkLocked(e)
	db.log.Info().Str("service", e.name).Msg("service created")
	return nil
}

// removeLocked deletes the persisted record and unlinks the entry.
// Only legal once no handle references the entry.
func (db *Database) removeLocked(e *Entry) error {
	if e.refs != 0 {
		return ErrInvalidParameter
	}
	if err := db.store.Delete(e.name); err != nil {
		return err
	}
	delete(db.entries, e.id)
	delete(db.names, nameKey(e.name))
	db.log.Info().Str("service", e.name).Msg("service removed")
	return nil
}

// saveLocked persists the current record of e
func (db *Database) saveLocked(e *Entry) error {
	return db.store.Save(e.recordLocked())
}

// acquire opens a reference on the named service
func (db *Database) acquire(name string) (*Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	e := db.findLocked(name)
	if e == nil {
		return nil, ErrServiceDoesNotExist
	}
	e.refs++
	return e, nil
}

// release drops a reference, removing the entry when it was the last
// reference to a service marked for delete
func (db *Database) release(e *Entry) {
	db.mu.Lock()
	defer db.mu.Unlock()

	e.refs--
	if e.refs > 0 || !e.markedForDelete {
		return
	}
	if err := db.removeLocked(e); err != nil {
		db.log.Error().Err(err).Str("service", e.name).Msg("removing deleted service")
	}
}

// markForDeleteLocked persists the delete flag and removes the entry if
// nothing references it
func (db *Database) markForDeleteLocked(e *Entry) error {
	if e.markedForDelete {
		return ErrServiceMarkedForDelete
	}
	e.markedForDelete = true
	if err := db.saveLocked(e); err != nil {
		e.markedForDelete = false
		return err
	}
	db.log.Info().Str("service", e.name).Int("refs", e.refs).Msg("service marked for delete")
	if e.refs == 0 {
		return db.removeLocked(e)
	}
	return nil
}

// snapshot returns the live entries ordered by creation
func (db *Database) snapshot() []*Entry {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.sortedLocked()
}

func (db *Database) sortedLocked() []*Entry {
	out := make([]*Entry, 0, len(db.entries))
	for _, e := range db.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of registered services
func (db *Database) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.entries)
}

// Apply merges a record changed outside the manager. Unknown services are
// registered; known services take the new configuration unless they are
// marked for delete. The record is read again from the store under the
// lock, so an event older than a delete or a config change is dropped.
func (db *Database) Apply(rec *Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.store != nil {
		cur, err := db.store.Load(rec.Name)
		switch {
		case errors.Is(err, ErrServiceDoesNotExist):
			return nil
		case err != nil:
			return err
		}
		rec = cur
	}

	e := db.findLocked(rec.Name)
	if e == nil {
		if rec.DeleteFlag {
			return nil
		}
		return db.insertRecordLocked(rec)
	}
	if e.markedForDelete {
		return nil
	}

	cfg := rec.Config.clone()
	if !cfg.validate() {
		return ErrInvalidParameter
	}
	display := cfg.DisplayName
	if display == "" {
		display = e.name
	}
	if db.displayConflictLocked(display, e) {
		return ErrDuplicateServiceName
	}
	e.config = cfg
	if e.process == nil {
		e.status.ServiceType = cfg.ServiceType
	}
	db.log.Debug().Str("service", e.name).Msg("configuration reloaded")
	return nil
}

// TryLockStartup takes the startup lock without waiting
func (db *Database) TryLockStartup() bool {
	select {
	case db.startup <- struct{}{}:
		return true
	default:
		return false
	}
}

// LockStartup takes the startup lock, waiting at most timeout. A
// non-positive timeout waits until ctx is done.
func (db *Database) LockStartup(ctx context.Context, timeout time.Duration) bool {
	if db.TryLockStartup() {
		return true
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case db.startup <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// UnlockStartup releases the startup lock
func (db *Database) UnlockStartup() {
	select {
	case <-db.startup:
	default:
		db.log.Error().Msg("startup lock released while not held")
	}
}
