package scm

import (
	"sync/atomic"
)

// HandleKind tells the three handle types apart
type HandleKind int

const (
	// KindManager is bound to the service database
	KindManager HandleKind = iota + 1
	// KindService is bound to one service
	KindService
	// KindLock is bound to the startup lock
	KindLock
)

// HandleKind string constants
const (
	kindManagerStr = "manager"
	kindServiceStr = "service"
	kindLockStr    = "lock"
)

// String returns the string representation of a HandleKind
func (k HandleKind) String() string {
	switch k {
	case KindManager:
		return kindManagerStr
	case KindService:
		return kindServiceStr
	case KindLock:
		return kindLockStr
	default:
		return unknownStr
	}
}

// Handle is an opaque, access checked capability held by a caller
type Handle interface {
	// Kind returns the handle type
	Kind() HandleKind
	// Access returns the granted access mask
	Access() uint32
}

// ManagerHandle is returned by OpenSCManager
type ManagerHandle struct {
	db     *Database
	access uint32
	closed atomic.Bool
}

// Kind implements Handle
func (h *ManagerHandle) Kind() HandleKind { return KindManager }

// Access implements Handle
func (h *ManagerHandle) Access() uint32 { return h.access }

// ServiceHandle is returned by CreateService and OpenService. It holds a
// reference on its entry until closed.
type ServiceHandle struct {
	entry  *Entry
	access uint32
	closed atomic.Bool
}

// Kind implements Handle
func (h *ServiceHandle) Kind() HandleKind { return KindService }

// Access implements Handle
func (h *ServiceHandle) Access() uint32 { return h.access }

// Name returns the key name of the referenced service
func (h *ServiceHandle) Name() string { return h.entry.name }

// LockHandle is the token returned by LockServiceDatabase
type LockHandle struct {
	db       *Database
	released atomic.Bool
}

// Kind implements Handle
func (h *LockHandle) Kind() HandleKind { return KindLock }

// Access implements Handle
func (h *LockHandle) Access() uint32 { return 0 }

func (h *LockHandle) release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrInvalidServiceLock
	}
	h.db.UnlockStartup()
	return nil
}

// checkAccess verifies every bit of need is granted
func checkAccess(granted, need uint32) error {
	if granted&need != need {
		return ErrAccessDenied
	}
	return nil
}

// managerHandle validates h as an open manager handle granting need
func (m *Manager) managerHandle(h Handle, need uint32) (*ManagerHandle, error) {
	mh, ok := h.(*ManagerHandle)
	if !ok || mh == nil {
		m.wrongKind(h, KindManager)
		return nil, ErrInvalidHandle
	}
	if mh.closed.Load() {
		return nil, ErrInvalidHandle
	}
	if err := checkAccess(mh.access, need); err != nil {
		m.log.Debug().Uint32("granted", mh.access).Uint32("need", need).Msg("manager access denied")
		return nil, err
	}
	return mh, nil
}

// serviceHandle validates h as an open service handle granting need
func (m *Manager) serviceHandle(h Handle, need uint32) (*ServiceHandle, error) {
	sh, ok := h.(*ServiceHandle)
	if !ok || sh == nil {
		m.wrongKind(h, KindService)
		return nil, ErrInvalidHandle
	}
	if sh.closed.Load() {
		return nil, ErrInvalidHandle
	}
	if err := checkAccess(sh.access, need); err != nil {
		m.log.Debug().Str("service", sh.entry.name).Uint32("granted", sh.access).Uint32("need", need).Msg("service access denied")
		return nil, err
	}
	return sh, nil
}

func (m *Manager) wrongKind(h Handle, want HandleKind) {
	ev := m.log.Error().Stringer("want", want)
	if h != nil {
		ev = ev.Stringer("kind", h.Kind())
	}
	ev.Msg("handle of wrong kind")
}
