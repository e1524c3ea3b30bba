package scm

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/juju/clock"
	shellquote "github.com/kballard/go-shellquote"
	"vawter.tech/stopper"

	"github.com/axondata/go-scm/control"
)

// serviceProcess is the live side of a started service: the spawned
// process, its control channel and the control mutex.
type serviceProcess struct {
	proc Process
	pid  uint32

	// conn is nil until the handshake connects and after teardown.
	// Guarded by the database lock.
	conn *control.Conn

	// ctrl is the control mutex, a one slot semaphore. It is created held
	// and released once startup has completed.
	ctrl chan struct{}

	// exited is closed once the process has been reaped
	exited chan struct{}

	// stopReported and killTimer are guarded by the database lock
	stopReported bool
	killTimer    clock.Timer
}

func newServiceProcess(proc Process) *serviceProcess {
	sp := &serviceProcess{
		proc:   proc,
		pid:    uint32(proc.Pid()),
		ctrl:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	sp.ctrl <- struct{}{}
	return sp
}

// lockControl takes the control mutex, waiting at most timeout
func (sp *serviceProcess) lockControl(ctx context.Context, clk clock.Clock, timeout time.Duration) bool {
	select {
	case sp.ctrl <- struct{}{}:
		return true
	default:
	}
	t := clk.NewTimer(timeout)
	defer t.Stop()
	select {
	case sp.ctrl <- struct{}{}:
		return true
	case <-t.Chan():
		return false
	case <-ctx.Done():
		return false
	}
}

func (sp *serviceProcess) unlockControl() {
	select {
	case <-sp.ctrl:
	default:
	}
}

// detachLocked hands the control channel to the caller for closing
func (sp *serviceProcess) detachLocked() *control.Conn {
	c := sp.conn
	sp.conn = nil
	return c
}

func (sp *serviceProcess) hasExited() bool {
	select {
	case <-sp.exited:
		return true
	default:
		return false
	}
}

func closeConn(c *control.Conn) {
	if c != nil {
		_ = c.Close()
	}
}

// channelError maps a control channel failure to a result code
func channelError(err error) error {
	var opErr *control.OpError
	switch {
	case errors.Is(err, control.ErrTimeout):
		return ErrServiceRequestTimeout
	case errors.Is(err, control.ErrMalformed), errors.Is(err, control.ErrMessageTooLarge):
		return ErrInvalidParameter
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return ErrBrokenPipe
	case errors.As(err, &opErr) && opErr.Op == "write":
		return ErrWriteFault
	default:
		return ErrReadFault
	}
}

// launchSpec resolves how the process hosting a service is spawned.
// Drivers run under the device host binary.
func (m *Manager) launchSpec(name string, cfg Config, pipePath string) (LaunchSpec, error) {
	env := []string{
		control.EnvPipe + "=" + pipePath,
		control.EnvServiceName + "=" + name,
	}
	if m.Endpoint != "" {
		env = append(env, control.EnvEndpoint+"="+m.Endpoint)
	}

	if cfg.ServiceType.IsDriver() {
		if m.DeviceHost == "" {
			return LaunchSpec{}, ErrFileNotFound
		}
		return LaunchSpec{Name: name, Path: m.DeviceHost, Args: []string{name}, Env: env}, nil
	}

	argv := splitCommandLine(expandEnvironment(cfg.BinaryPath))
	if len(argv) == 0 {
		return LaunchSpec{}, ErrInvalidParameter
	}
	return LaunchSpec{
		Name:        name,
		Path:        argv[0],
		Args:        argv[1:],
		Env:         env,
		Interactive: cfg.ServiceType.Interactive(),
	}, nil
}

// start runs the start sequence of e. The caller holds the startup lock.
func (m *Manager) start(e *Entry, args []string) error {
	m.db.mu.Lock()
	if m.shutdown.Load() {
		m.db.mu.Unlock()
		return ErrShutdownInProgress
	}
	if e.process != nil {
		m.db.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	if e.markedForDelete {
		m.db.mu.Unlock()
		return ErrServiceMarkedForDelete
	}
	name := e.name
	cfg := e.config.clone()
	m.starting.Add(1)
	m.db.mu.Unlock()
	defer m.starting.Done()

	pipePath, err := m.pipes.Next()
	if err != nil {
		return &OpError{Op: "start", Service: name, Err: err}
	}
	ln, err := control.Listen(pipePath)
	if err != nil {
		return &OpError{Op: "start", Service: name, Err: err}
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(pipePath)
	}()

	spec, err := m.launchSpec(name, cfg, pipePath)
	if err != nil {
		return err
	}
	proc, err := m.launcher.Launch(spec)
	if err != nil {
		m.log.Warn().Err(err).Str("service", name).Str("cmdline", shellquote.Join(append([]string{spec.Path}, spec.Args...)...)).Msg("spawn failed")
		return spawnError(name, err)
	}

	sp := newServiceProcess(proc)
	m.db.mu.Lock()
	e.process = sp
	e.forceShutdown = false
	e.setStatusLocked(ServiceStatus{
		ServiceType:  cfg.ServiceType,
		CurrentState: StateStartPending,
		WaitHint:     uint32(m.PipeTimeout.Milliseconds()),
	})
	m.db.mu.Unlock()

	m.log.Info().
		Str("service", name).
		Uint32("pid", sp.pid).
		Str("cmdline", shellquote.Join(append([]string{spec.Path}, spec.Args...)...)).
		Msg("process spawned")

	m.watchExit(e, sp)

	if err := m.handshake(e, sp, ln, name, args); err != nil {
		m.abortStart(e, sp, err)
		return err
	}

	sp.unlockControl()
	m.log.Info().Str("service", name).Msg("service started")
	return nil
}

// handshake waits for the process to connect, sends the start message and
// waits for the first status report
func (m *Manager) handshake(e *Entry, sp *serviceProcess, ln net.Listener, name string, args []string) error {
	c, err := m.accept(ln, sp)
	if err != nil {
		return err
	}
	conn := control.NewConn(c, m.PipeTimeout)

	m.db.mu.Lock()
	sp.conn = conn
	changed := e.changed
	m.db.mu.Unlock()

	result, err := conn.Start(name, args)
	if err != nil {
		m.log.Warn().Err(err).Str("service", name).Msg("start message failed")
		return channelError(err)
	}
	if result != 0 {
		return Errno(result)
	}

	t := m.clock.NewTimer(m.PipeTimeout)
	defer t.Stop()
	select {
	case <-changed:
	case <-sp.exited:
		return ErrServiceRequestTimeout
	case <-t.Chan():
		return ErrServiceRequestTimeout
	}

	m.db.mu.Lock()
	state := e.status.CurrentState
	m.db.mu.Unlock()
	if state != StateStartPending && state != StateRunning {
		return ErrServiceRequestTimeout
	}
	return nil
}

// accept waits for the hosted process to connect to its control channel
func (m *Manager) accept(ln net.Listener, sp *serviceProcess) (net.Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()

	t := m.clock.NewTimer(m.PipeTimeout)
	defer t.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, ErrServiceRequestTimeout
		}
		return r.c, nil
	case <-sp.exited:
	case <-t.Chan():
	}

	_ = ln.Close()
	if r := <-ch; r.c != nil {
		_ = r.c.Close()
	}
	return nil, ErrServiceRequestTimeout
}

// abortStart undoes a failed start: the process is killed and the entry
// returns to STOPPED with its channel torn down
func (m *Manager) abortStart(e *Entry, sp *serviceProcess, cause error) {
	if !sp.hasExited() {
		if err := sp.proc.Kill(); err != nil {
			m.log.Debug().Err(err).Str("service", e.name).Msg("kill after failed start")
		}
	}

	m.db.mu.Lock()
	conn := sp.detachLocked()
	if e.process == sp {
		e.process = nil
		st := e.status
		st.CurrentState = StateStopped
		st.ControlsAccepted = 0
		st.CheckPoint = 0
		st.WaitHint = 0
		e.setStatusLocked(st)
	}
	m.db.mu.Unlock()

	closeConn(conn)
	m.log.Warn().Err(cause).Str("service", e.name).Msg("service failed to start")
}

// watchExit reaps the process and resets the entry once it is gone
func (m *Manager) watchExit(e *Entry, sp *serviceProcess) {
	reap := func() {
		err := sp.proc.Wait()
		m.onExit(e, sp, err)
	}
	if !m.sctx.Go(func(*stopper.Context) error {
		reap()
		return nil
	}) {
		go reap()
	}
}

func (m *Manager) onExit(e *Entry, sp *serviceProcess, waitErr error) {
	m.db.mu.Lock()
	conn := sp.detachLocked()
	if sp.killTimer != nil {
		sp.killTimer.Stop()
	}
	if e.process == sp {
		e.process = nil
		st := e.status
		if st.CurrentState != StateStopped {
			st.CurrentState = StateStopped
			st.Win32ExitCode = uint32(ErrProcessAborted)
		}
		st.ControlsAccepted = 0
		st.CheckPoint = 0
		st.WaitHint = 0
		e.setStatusLocked(st)
	}
	m.db.mu.Unlock()

	closeConn(conn)
	close(sp.exited)

	ev := m.log.Info()
	if waitErr != nil {
		ev = ev.AnErr("exit", waitErr)
	}
	ev.Str("service", e.name).Uint32("pid", sp.pid).Msg("process exited")
}

// stopReportedLocked handles a hosted process reporting STOPPED: the
// channel is closed and the process gets KillTimeout to exit on its own.
// A control round-trip in flight keeps the channel until it completes.
func (m *Manager) stopReportedLocked(e *Entry, sp *serviceProcess) *control.Conn {
	if sp.stopReported {
		return nil
	}
	sp.stopReported = true
	sp.killTimer = m.clock.AfterFunc(m.KillTimeout, func() {
		if sp.hasExited() {
			return
		}
		m.log.Warn().Str("service", e.name).Uint32("pid", sp.pid).Msg("process still running after stop, killing")
		if err := sp.proc.Kill(); err != nil {
			m.log.Error().Err(err).Str("service", e.name).Msg("kill failed")
		}
	})

	// the control mutex is taken for good
	select {
	case sp.ctrl <- struct{}{}:
		return sp.detachLocked()
	default:
		return nil
	}
}

// terminate forcibly ends a process without waiting for it
func (m *Manager) terminate(e *Entry, sp *serviceProcess) {
	if sp.hasExited() {
		return
	}
	m.log.Warn().Str("service", e.name).Uint32("pid", sp.pid).Msg("terminating process")
	if err := sp.proc.Kill(); err != nil {
		m.log.Error().Err(err).Str("service", e.name).Msg("kill failed")
	}
}

// sendControl delivers c to the process of e. Access has been checked by the
// caller.
func (m *Manager) sendControl(ctx context.Context, e *Entry, c Control) (ServiceStatus, error) {
	m.db.mu.Lock()
	var result error
	switch e.status.CurrentState {
	case StateStopped:
		result = ErrServiceNotActive
	case StateStartPending:
		if c != ControlStop {
			result = ErrServiceCannotAcceptCtrl
		}
	case StateStopPending:
		result = ErrServiceCannotAcceptCtrl
	}

	var kill *serviceProcess
	if result == nil && e.forceShutdown {
		result = ErrServiceCannotAcceptCtrl
		kill = e.process
	}
	if result == nil && !e.status.ControlsAccepted.Accepts(c) {
		result = ErrServiceCannotAcceptCtrl
	}
	if result != nil {
		st := e.status
		m.db.mu.Unlock()
		if kill != nil {
			m.terminate(e, kill)
		}
		return st, result
	}

	if c == ControlStop {
		e.forceShutdown = true
	}
	sp := e.process
	m.db.mu.Unlock()

	if sp == nil {
		return m.status(e), ErrServiceCannotAcceptCtrl
	}

	if !sp.lockControl(ctx, m.clock, m.PipeTimeout) {
		return m.status(e), ErrServiceRequestTimeout
	}

	m.db.mu.Lock()
	conn := sp.conn
	m.db.mu.Unlock()
	if conn == nil {
		sp.unlockControl()
		return m.status(e), ErrServiceCannotAcceptCtrl
	}

	code, err := conn.Control(uint32(c))
	stopping := err == nil && c == ControlStop && code == 0

	// After an accepted stop or a STOPPED report the channel is torn down
	// and the control mutex is never released.
	m.db.mu.Lock()
	teardown := stopping || sp.stopReported
	var detached *control.Conn
	if teardown {
		detached = sp.detachLocked()
	}
	if stopping && e.process == sp && e.status.CurrentState != StateStopped && e.status.CurrentState != StateStopPending {
		st := e.status
		st.CurrentState = StateStopPending
		e.setStatusLocked(st)
	}
	m.db.mu.Unlock()
	closeConn(detached)
	if !teardown {
		sp.unlockControl()
	}

	if err != nil {
		m.log.Warn().Err(err).Str("service", e.name).Stringer("control", c).Msg("control failed")
		return m.status(e), channelError(err)
	}

	m.log.Debug().Str("service", e.name).Stringer("control", c).Uint32("result", code).Msg("control delivered")
	return m.status(e), FromCode(code)
}

func (m *Manager) status(e *Entry) ServiceStatus {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return e.status
}

// shutdownEntry asks the process of e to stop and kills it after the kill
// timeout
func (m *Manager) shutdownEntry(ctx context.Context, e *Entry) error {
	m.db.mu.Lock()
	sp := e.process
	accepted := e.status.ControlsAccepted
	m.db.mu.Unlock()
	if sp == nil {
		return nil
	}

	var err error
	switch {
	case accepted&AcceptShutdown != 0:
		_, err = m.sendControl(ctx, e, ControlShutdown)
	case accepted&AcceptStop != 0:
		_, err = m.sendControl(ctx, e, ControlStop)
	}
	if err != nil {
		m.log.Debug().Err(err).Str("service", e.name).Msg("shutdown control")
	}

	t := m.clock.NewTimer(m.KillTimeout)
	defer t.Stop()
	select {
	case <-sp.exited:
		return nil
	case <-t.Chan():
	case <-ctx.Done():
	}

	m.terminate(e, sp)
	select {
	case <-sp.exited:
		return nil
	case <-ctx.Done():
		return &OpError{Op: "shutdown", Service: e.name, Err: ctx.Err()}
	}
}
