package scm

import (
	"strings"
)

// Entry is the in-memory record of one installed service.
// All mutable fields are guarded by the owning Database's lock.
type Entry struct {
	id   uint64
	name string

	config Config
	status ServiceStatus

	// refs counts open service handles
	refs            int
	markedForDelete bool
	// forceShutdown is set by the first accepted stop; a later control
	// request terminates the process instead
	forceShutdown bool

	// process is non-nil from spawn until the hosted process has exited
	process *serviceProcess

	// changed is closed and replaced whenever status changes
	changed chan struct{}
}

// newEntry allocates a stopped, never started service. It is not
// registered in any database.
func newEntry(name string) *Entry {
	return &Entry{
		name: name,
		config: Config{
			PreshutdownTimeout: uint32(DefaultPreshutdownTimeout.Milliseconds()),
		},
		status: ServiceStatus{
			CurrentState:  StateStopped,
			Win32ExitCode: uint32(ErrServiceNeverStarted),
		},
		changed: make(chan struct{}),
	}
}

// Name returns the immutable service key name
func (e *Entry) Name() string {
	return e.name
}

// displayName is the display name, falling back to the key name
func (e *Entry) displayName() string {
	if e.config.DisplayName != "" {
		return e.config.DisplayName
	}
	return e.name
}

// notifyLocked wakes every status waiter
func (e *Entry) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// setStatusLocked replaces the status and wakes waiters
func (e *Entry) setStatusLocked(st ServiceStatus) {
	e.status = st
	e.notifyLocked()
}

// statusProcessLocked fills the extended status. Drivers never report a
// process id.
func (e *Entry) statusProcessLocked() ServiceStatusProcess {
	sp := ServiceStatusProcess{ServiceStatus: e.status}
	if e.process != nil && !e.config.ServiceType.IsDriver() {
		sp.ProcessID = e.process.pid
	}
	return sp
}

func (e *Entry) recordLocked() *Record {
	return &Record{
		Name:       e.name,
		Config:     e.config.clone(),
		DeleteFlag: e.markedForDelete,
	}
}

func (e *Entry) matchGroup(group *string) bool {
	if group == nil {
		return true
	}
	if *group == "" {
		return e.config.LoadOrderGroup == ""
	}
	return strings.EqualFold(e.config.LoadOrderGroup, *group)
}
