package scm

import (
	"context"
	"strings"

	"github.com/axondata/go-scm/control"
)

// OpenSCManager binds a manager handle to the active database
func (m *Manager) OpenSCManager(database string, access uint32) (*ManagerHandle, error) {
	switch {
	case database == "" || strings.EqualFold(database, ActiveDatabase):
	case strings.EqualFold(database, FailedDatabase):
		return nil, ErrDatabaseDoesNotExist
	default:
		return nil, ErrInvalidName
	}

	h := &ManagerHandle{db: m.db, access: MapManagerAccess(access)}
	m.log.Debug().Uint32("access", h.access).Msg("manager opened")
	return h, nil
}

// CreateService installs a new service and returns a handle to it. The
// password is accepted for compatibility and discarded.
func (m *Manager) CreateService(h Handle, name string, access uint32, cfg Config, password string) (*ServiceHandle, error) {
	if _, err := m.managerHandle(h, ManagerCreateService); err != nil {
		return nil, err
	}
	if !validServiceName(name) {
		return nil, ErrInvalidName
	}
	if name == "" || cfg.BinaryPath == "" {
		return nil, ErrInvalidParameter
	}

	services, groups, err := splitDependencies(cfg.Dependencies)
	if err != nil {
		return nil, err
	}

	e := newEntry(name)
	preshutdown := e.config.PreshutdownTimeout
	e.config = cfg.clone()
	e.config.Dependencies = services
	e.config.GroupDependencies = append(groups, cfg.GroupDependencies...)
	if e.config.PreshutdownTimeout == 0 {
		e.config.PreshutdownTimeout = preshutdown
	}
	if !e.config.validate() {
		return nil, ErrInvalidParameter
	}
	e.status.ServiceType = e.config.ServiceType
	e.refs = 1

	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	if existing := m.db.findLocked(name); existing != nil {
		if existing.markedForDelete {
			return nil, ErrServiceMarkedForDelete
		}
		return nil, ErrServiceExists
	}
	if m.db.displayConflictLocked(e.displayName(), nil) {
		return nil, ErrDuplicateServiceName
	}
	if err := m.db.addLocked(e); err != nil {
		return nil, &OpError{Op: "create", Service: name, Err: err}
	}

	return &ServiceHandle{entry: e, access: MapServiceAccess(access)}, nil
}

// OpenService returns a handle to an installed service
func (m *Manager) OpenService(h Handle, name string, access uint32) (*ServiceHandle, error) {
	if _, err := m.managerHandle(h, 0); err != nil {
		return nil, err
	}
	if !validServiceName(name) {
		return nil, ErrInvalidName
	}

	e, err := m.db.acquire(name)
	if err != nil {
		return nil, err
	}
	return &ServiceHandle{entry: e, access: MapServiceAccess(access)}, nil
}

// DeleteService marks the service for deletion. It is removed once the
// last handle to it is closed.
func (m *Manager) DeleteService(h Handle) error {
	sh, err := m.serviceHandle(h, AccessDelete)
	if err != nil {
		return err
	}

	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.markForDeleteLocked(sh.entry)
}

// QueryServiceConfig returns a copy of the service configuration
func (m *Manager) QueryServiceConfig(h Handle) (Config, error) {
	sh, err := m.serviceHandle(h, ServiceQueryConfig)
	if err != nil {
		return Config{}, err
	}

	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return sh.entry.config.clone(), nil
}

// ChangeServiceConfig applies ch. The whole candidate configuration is
// validated and persisted before anything in memory changes.
func (m *Manager) ChangeServiceConfig(h Handle, ch ConfigChange) error {
	sh, err := m.serviceHandle(h, ServiceChangeConfig)
	if err != nil {
		return err
	}
	e := sh.entry

	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	if e.markedForDelete {
		return ErrServiceMarkedForDelete
	}

	candidate, err := e.config.apply(ch)
	if err != nil {
		return err
	}
	if ch.DisplayName != nil {
		display := candidate.DisplayName
		if display == "" {
			display = e.name
		}
		if m.db.displayConflictLocked(display, e) {
			return ErrDuplicateServiceName
		}
	}

	old := e.config
	e.config = candidate
	if err := m.db.saveLocked(e); err != nil {
		e.config = old
		return &OpError{Op: "change config", Service: e.name, Err: err}
	}
	if e.process == nil {
		e.status.ServiceType = candidate.ServiceType
	}
	m.log.Debug().Str("service", e.name).Msg("configuration changed")
	return nil
}

// QueryServiceConfig2 returns one optional configuration block
func (m *Manager) QueryServiceConfig2(h Handle, level InfoLevel) (ConfigInfo, error) {
	sh, err := m.serviceHandle(h, ServiceQueryConfig)
	if err != nil {
		return ConfigInfo{}, err
	}

	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	switch level {
	case InfoDescription:
		return ConfigInfo{Level: level, Description: sh.entry.config.Description}, nil
	case InfoPreshutdown:
		return ConfigInfo{Level: level, PreshutdownTimeout: sh.entry.config.PreshutdownTimeout}, nil
	default:
		return ConfigInfo{}, ErrInvalidLevel
	}
}

// ChangeServiceConfig2 replaces one optional configuration block
func (m *Manager) ChangeServiceConfig2(h Handle, info ConfigInfo) error {
	sh, err := m.serviceHandle(h, ServiceChangeConfig)
	if err != nil {
		return err
	}
	e := sh.entry

	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	if e.markedForDelete {
		return ErrServiceMarkedForDelete
	}

	old := e.config
	switch info.Level {
	case InfoDescription:
		e.config.Description = info.Description
	case InfoPreshutdown:
		e.config.PreshutdownTimeout = info.PreshutdownTimeout
	case InfoFailureActions:
		// accepted and ignored
		return nil
	default:
		return ErrInvalidLevel
	}

	if err := m.db.saveLocked(e); err != nil {
		e.config = old
		return &OpError{Op: "change config", Service: e.name, Err: err}
	}
	return nil
}

// SetServiceStatus records a status reported by the hosted process. A
// STOPPED report closes the control channel and gives the process
// KillTimeout to exit.
func (m *Manager) SetServiceStatus(h Handle, st ServiceStatus) error {
	sh, err := m.serviceHandle(h, ServiceSetStatus)
	if err != nil {
		return err
	}
	if !st.CurrentState.Valid() {
		return ErrInvalidParameter
	}
	e := sh.entry

	m.db.mu.Lock()
	next := e.status
	next.CurrentState = st.CurrentState
	next.ControlsAccepted = st.ControlsAccepted
	next.Win32ExitCode = st.Win32ExitCode
	next.ServiceSpecificExitCode = st.ServiceSpecificExitCode
	next.CheckPoint = st.CheckPoint
	next.WaitHint = st.WaitHint
	e.setStatusLocked(next)

	var conn *control.Conn
	if sp := e.process; sp != nil && st.CurrentState == StateStopped {
		conn = m.stopReportedLocked(e, sp)
	}
	m.db.mu.Unlock()

	closeConn(conn)
	m.log.Debug().Str("service", e.name).Stringer("state", st.CurrentState).Msg("status reported")
	return nil
}

// QueryServiceStatus returns the current status
func (m *Manager) QueryServiceStatus(h Handle) (ServiceStatus, error) {
	sh, err := m.serviceHandle(h, ServiceQueryStatus)
	if err != nil {
		return ServiceStatus{}, err
	}
	return m.status(sh.entry), nil
}

// QueryServiceStatusEx returns the current status with the process id
func (m *Manager) QueryServiceStatusEx(h Handle) (ServiceStatusProcess, error) {
	sh, err := m.serviceHandle(h, ServiceQueryStatus)
	if err != nil {
		return ServiceStatusProcess{}, err
	}

	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return sh.entry.statusProcessLocked(), nil
}

// StartService spawns the hosted process and waits for it to report
// START_PENDING or RUNNING
func (m *Manager) StartService(ctx context.Context, h Handle, args []string) error {
	sh, err := m.serviceHandle(h, ServiceStart)
	if err != nil {
		return err
	}
	if m.shutdown.Load() {
		return ErrShutdownInProgress
	}
	for _, a := range args {
		if a == "" || strings.IndexByte(a, 0) >= 0 {
			return ErrInvalidParameter
		}
	}
	e := sh.entry

	m.db.mu.Lock()
	switch {
	case e.config.StartType == StartDisabled:
		err = ErrServiceDisabled
	case e.markedForDelete:
		err = ErrServiceMarkedForDelete
	case e.process != nil:
		err = ErrServiceAlreadyRunning
	}
	m.db.mu.Unlock()
	if err != nil {
		return err
	}

	if !m.db.LockStartup(ctx, m.StartupLockTimeout) {
		return ErrServiceDatabaseLocked
	}
	defer m.db.UnlockStartup()

	return m.start(e, args)
}

// ControlService sends a control code to the running service and returns
// the status after delivery
func (m *Manager) ControlService(ctx context.Context, h Handle, c Control) (ServiceStatus, error) {
	need, ok := controlAccess(c)
	if !ok {
		if _, err := m.serviceHandle(h, 0); err != nil {
			return ServiceStatus{}, err
		}
		return ServiceStatus{}, ErrInvalidServiceControl
	}
	sh, err := m.serviceHandle(h, need)
	if err != nil {
		return ServiceStatus{}, err
	}
	return m.sendControl(ctx, sh.entry, c)
}

// WaitServiceStatus blocks until the service reaches one of states or ctx
// is done
func (m *Manager) WaitServiceStatus(ctx context.Context, h Handle, states ...State) (ServiceStatusProcess, error) {
	sh, err := m.serviceHandle(h, ServiceQueryStatus)
	if err != nil {
		return ServiceStatusProcess{}, err
	}
	if len(states) == 0 {
		return ServiceStatusProcess{}, ErrInvalidParameter
	}
	e := sh.entry

	for {
		m.db.mu.Lock()
		st := e.statusProcessLocked()
		changed := e.changed
		m.db.mu.Unlock()

		for _, want := range states {
			if st.CurrentState == want {
				return st, nil
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// EnumServicesStatus lists services whose type intersects typeMask and
// whose state passes filter. A non-nil group restricts the listing to one
// load order group; an empty group selects services without one.
func (m *Manager) EnumServicesStatus(h Handle, typeMask ServiceType, filter StateFilter, group *string) ([]EnumStatus, error) {
	if typeMask == 0 || filter == 0 {
		return nil, ErrInvalidParameter
	}
	if _, err := m.managerHandle(h, ManagerEnumerateService); err != nil {
		return nil, err
	}

	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	entries := m.db.sortedLocked()
	if group != nil && *group != "" {
		found := false
		for _, e := range entries {
			if e.matchGroup(group) {
				found = true
				break
			}
		}
		if !found {
			return nil, ErrServiceDoesNotExist
		}
	}

	var out []EnumStatus
	for _, e := range entries {
		if e.status.ServiceType&typeMask == 0 || !filter.Match(e.status.CurrentState) || !e.matchGroup(group) {
			continue
		}
		out = append(out, EnumStatus{
			ServiceName: e.name,
			DisplayName: e.config.DisplayName,
			Status:      e.statusProcessLocked(),
		})
	}
	return out, nil
}

// GetServiceDisplayName returns the display name of the named service
func (m *Manager) GetServiceDisplayName(h Handle, name string) (string, error) {
	if _, err := m.managerHandle(h, 0); err != nil {
		return "", err
	}

	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	e := m.db.findLocked(name)
	if e == nil {
		return "", ErrServiceDoesNotExist
	}
	return e.displayName(), nil
}

// GetServiceKeyName returns the key name of the service with the given
// display name
func (m *Manager) GetServiceKeyName(h Handle, display string) (string, error) {
	if _, err := m.managerHandle(h, 0); err != nil {
		return "", err
	}

	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	e := m.db.findByDisplayNameLocked(display)
	if e == nil {
		return "", ErrServiceDoesNotExist
	}
	return e.name, nil
}

// LockServiceDatabase takes the startup lock on behalf of the caller.
// It never waits.
func (m *Manager) LockServiceDatabase(h Handle) (*LockHandle, error) {
	mh, err := m.managerHandle(h, ManagerLock)
	if err != nil {
		return nil, err
	}
	if !mh.db.TryLockStartup() {
		return nil, ErrServiceDatabaseLocked
	}
	return &LockHandle{db: mh.db}, nil
}

// UnlockServiceDatabase releases a lock token
func (m *Manager) UnlockServiceDatabase(lh *LockHandle) error {
	if lh == nil {
		return ErrInvalidServiceLock
	}
	return lh.release()
}

// CloseServiceHandle invalidates h. Closing the last handle of a service
// marked for delete removes it.
func (m *Manager) CloseServiceHandle(h Handle) error {
	switch v := h.(type) {
	case *ManagerHandle:
		if v == nil || !v.closed.CompareAndSwap(false, true) {
			return ErrInvalidHandle
		}
		return nil
	case *ServiceHandle:
		if v == nil || !v.closed.CompareAndSwap(false, true) {
			return ErrInvalidHandle
		}
		m.db.release(v.entry)
		return nil
	case *LockHandle:
		if v == nil {
			return ErrInvalidHandle
		}
		return v.release()
	default:
		m.log.Error().Msg("close of unknown handle")
		return ErrInvalidHandle
	}
}
