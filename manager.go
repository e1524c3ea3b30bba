package scm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"vawter.tech/stopper"
)

// Manager is the service control manager. It owns the supervision of
// hosted processes and exposes the service control operations on top of a
// Database.
type Manager struct {
	// PipeTimeout bounds the handshake, the first status report and every
	// control round-trip
	PipeTimeout time.Duration
	// KillTimeout is the grace given to a process after it reported STOPPED
	KillTimeout time.Duration
	// StartupLockTimeout is how long StartService waits for the startup lock
	StartupLockTimeout time.Duration
	// Concurrency is the maximum number of concurrent bulk operations
	Concurrency int
	// DeviceHost is the binary hosting driver services
	DeviceHost string
	// Endpoint is advertised to hosted processes for status reporting
	Endpoint string

	db       *Database
	pipes    *PipeNamer
	launcher Launcher
	clock    clock.Clock
	log      zerolog.Logger

	// sctx tracks exit watchers and store watches
	sctx     *stopper.Context
	shutdown atomic.Bool
	stopOnce sync.Once

	// starting counts start sequences in flight. Add is only called under
	// the database lock while shutdown is unset.
	starting sync.WaitGroup
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithPipeTimeout sets the control channel timeout
func WithPipeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.PipeTimeout = d
	}
}

// WithKillTimeout sets the grace period before a stopped process is killed
func WithKillTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.KillTimeout = d
	}
}

// WithStartupLockTimeout sets how long StartService waits for the startup lock
func WithStartupLockTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.StartupLockTimeout = d
	}
}

// WithConcurrency sets the maximum number of concurrent bulk operations
func WithConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		m.Concurrency = n
	}
}

// WithDeviceHost sets the binary hosting driver services
func WithDeviceHost(path string) ManagerOption {
	return func(m *Manager) {
		m.DeviceHost = path
	}
}

// WithEndpoint sets the RPC endpoint passed to hosted processes
func WithEndpoint(endpoint string) ManagerOption {
	return func(m *Manager) {
		m.Endpoint = endpoint
	}
}

// WithLauncher replaces the process launcher
func WithLauncher(l Launcher) ManagerOption {
	return func(m *Manager) {
		m.launcher = l
	}
}

// WithClock replaces the clock driving timeouts
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// NewManager creates a Manager serving db. Control channel sockets are
// allocated by pipes.
func NewManager(db *Database, pipes *PipeNamer, opts ...ManagerOption) *Manager {
	m := &Manager{
		PipeTimeout:        DefaultPipeTimeout,
		KillTimeout:        DefaultKillTimeout,
		StartupLockTimeout: DefaultStartupLockTimeout,
		Concurrency:        DefaultConcurrency,
		db:                 db,
		pipes:              pipes,
		launcher:           ExecLauncher{},
		clock:              clock.WallClock,
		log:                zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.Concurrency < 1 {
		m.Concurrency = 1
	}
	m.sctx = stopper.WithContext(context.Background())

	return m
}

// Database returns the database served by the manager
func (m *Manager) Database() *Database {
	return m.db
}

func (m *Manager) execute(ctx context.Context, entries []*Entry, op func(context.Context, *Entry) error) error {
	if len(entries) == 0 {
		return nil
	}

	// Semaphore for concurrency control
	sem := make(chan struct{}, m.Concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	merr := &MultiError{}

	for _, entry := range entries {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				merr.Add(ctx.Err())
				mu.Unlock()
				return
			}

			if err := op(ctx, e); err != nil {
				mu.Lock()
				merr.Add(err)
				mu.Unlock()
			}
		}(entry)
	}

	wg.Wait()

	return merr.Err()
}

// StartAutoServices starts every service configured to start
// automatically. Starts are serialized by the startup lock.
func (m *Manager) StartAutoServices(ctx context.Context) error {
	var auto []*Entry
	m.db.mu.Lock()
	for _, e := range m.db.sortedLocked() {
		if e.config.StartType == StartAuto && !e.markedForDelete && e.process == nil {
			auto = append(auto, e)
		}
	}
	m.db.mu.Unlock()

	m.log.Info().Int("services", len(auto)).Msg("starting automatic services")
	return m.execute(ctx, auto, func(ctx context.Context, e *Entry) error {
		if !m.db.LockStartup(ctx, 0) {
			return &OpError{Op: "autostart", Service: e.name, Err: ErrServiceDatabaseLocked}
		}
		defer m.db.UnlockStartup()

		if err := m.start(e, nil); err != nil {
			return &OpError{Op: "autostart", Service: e.name, Err: err}
		}
		return nil
	})
}

// Shutdown stops every live service, kills processes that outlive the
// kill timeout and waits for all background goroutines. New starts fail
// with ErrShutdownInProgress once Shutdown has begun. Calling it again
// only waits.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.db.mu.Lock()
	m.shutdown.Store(true)
	m.db.mu.Unlock()

	// a start in flight registers its process before it finishes
	started := make(chan struct{})
	go func() {
		m.starting.Wait()
		close(started)
	}()
	select {
	case <-started:
	case <-ctx.Done():
		m.log.Warn().Msg("shutdown did not wait for starts in flight")
	}

	var live []*Entry
	m.db.mu.Lock()
	for _, e := range m.db.sortedLocked() {
		if e.process != nil {
			live = append(live, e)
		}
	}
	m.db.mu.Unlock()

	m.log.Info().Int("services", len(live)).Msg("shutting down services")
	err := m.execute(ctx, live, m.shutdownEntry)

	m.stopOnce.Do(func() { m.sctx.Stop(time.Second) })
	if werr := m.sctx.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}
