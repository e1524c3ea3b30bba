package svchost

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scm "github.com/axondata/go-scm"
	"github.com/axondata/go-scm/control"
)

type recordingHandler struct {
	mu       sync.Mutex
	name     string
	args     []string
	controls []scm.Control
	result   uint32
}

func (r *recordingHandler) Start(ctx context.Context, name string, args []string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name, r.args = name, args
	return r.result
}

func (r *recordingHandler) Control(ctx context.Context, code scm.Control) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controls = append(r.controls, code)
	if code == scm.ControlPause {
		return uint32(scm.ErrServiceCannotAcceptCtrl)
	}
	return 0
}

func serve(t *testing.T, handler Handler) (*control.Conn, <-chan error) {
	t.Helper()
	managerSide, hostSide := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- New("echo", "").Serve(context.Background(), hostSide, handler)
	}()
	conn := control.NewConn(managerSide, time.Second)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, done
}

func TestServeDispatches(t *testing.T) {
	handler := &recordingHandler{}
	conn, done := serve(t, handler)

	code, err := conn.Start("echo", []string{"-v"})
	require.NoError(t, err)
	assert.Zero(t, code)

	code, err = conn.Control(uint32(scm.ControlInterrogate))
	require.NoError(t, err)
	assert.Zero(t, code)

	code, err = conn.Control(uint32(scm.ControlPause))
	require.NoError(t, err)
	assert.Equal(t, uint32(scm.ErrServiceCannotAcceptCtrl), code)

	// closing the channel ends Serve without error
	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, "echo", handler.name)
	assert.Equal(t, []string{"-v"}, handler.args)
	assert.Equal(t, []scm.Control{scm.ControlInterrogate, scm.ControlPause}, handler.controls)
}

func TestServeStartResult(t *testing.T) {
	conn, _ := serve(t, &recordingHandler{result: 1064})

	code, err := conn.Start("echo", nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1064), code)
}

func TestServeRejectsUnknownTag(t *testing.T) {
	managerSide, hostSide := net.Pipe()
	defer managerSide.Close()

	handler := &recordingHandler{}
	go func() { _ = New("echo", "").Serve(context.Background(), hostSide, handler) }()

	frame := binary.LittleEndian.AppendUint32(nil, 9)
	frame = binary.LittleEndian.AppendUint32(frame, 12)
	frame = binary.LittleEndian.AppendUint32(frame, 0)
	_ = managerSide.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := managerSide.Write(frame)
	require.NoError(t, err)

	code, err := control.ReadResult(managerSide)
	require.NoError(t, err)
	assert.Equal(t, uint32(scm.ErrInvalidParameter), code)

	// the stream stays usable
	_, err = managerSide.Write(control.EncodeControl(uint32(scm.ControlInterrogate)))
	require.NoError(t, err)
	code, err = control.ReadResult(managerSide)
	require.NoError(t, err)
	assert.Zero(t, code)
}

func TestServeStopsWithContext(t *testing.T) {
	managerSide, hostSide := net.Pipe()
	defer managerSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New("echo", "").Serve(ctx, hostSide, &recordingHandler{}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve ignored cancellation")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(control.EnvPipe, "")
	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrNotHosted)

	t.Setenv(control.EnvPipe, "/run/scm/scm-7.sock")
	t.Setenv(control.EnvServiceName, "echo")
	t.Setenv(control.EnvEndpoint, "http://127.0.0.1:7070")

	h, err := FromEnv(WithDialTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "echo", h.Name)
	assert.Equal(t, "/run/scm/scm-7.sock", h.PipePath)
	assert.Equal(t, "http://127.0.0.1:7070", h.Endpoint)
	assert.Equal(t, time.Second, h.DialTimeout)
}

// hostLauncher runs a Host in-process for every launch
type hostLauncher struct {
	m *scm.Manager
}

type hostProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *hostProcess) Pid() int         { return 4242 }
func (p *hostProcess) Wait() error      { <-p.done; return nil }
func (p *hostProcess) Terminate() error { p.cancel(); return nil }
func (p *hostProcess) Kill() error      { p.cancel(); return nil }

func (l *hostLauncher) Launch(spec scm.LaunchSpec) (scm.Process, error) {
	var pipe string
	for _, kv := range spec.Env {
		if v, ok := strings.CutPrefix(kv, control.EnvPipe+"="); ok {
			pipe = v
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &hostProcess{cancel: cancel, done: make(chan struct{})}
	svc := &directService{m: l.m, name: spec.Name, cancel: cancel}
	go func() {
		defer close(p.done)
		_ = New(spec.Name, pipe).Run(ctx, svc)
	}()
	return p, nil
}

// directService reports through the manager API without a transport
type directService struct {
	m      *scm.Manager
	name   string
	cancel context.CancelFunc
}

func (s *directService) report(st scm.ServiceStatus) {
	mgr, err := s.m.OpenSCManager("", scm.ManagerConnect)
	if err != nil {
		return
	}
	defer s.m.CloseServiceHandle(mgr)
	h, err := s.m.OpenService(mgr, s.name, scm.ServiceSetStatus)
	if err != nil {
		return
	}
	defer s.m.CloseServiceHandle(h)
	_ = s.m.SetServiceStatus(h, st)
}

func (s *directService) Start(ctx context.Context, name string, args []string) uint32 {
	go s.report(scm.ServiceStatus{CurrentState: scm.StateRunning, ControlsAccepted: scm.AcceptStop})
	return 0
}

func (s *directService) Control(ctx context.Context, code scm.Control) uint32 {
	if code == scm.ControlStop {
		go func() {
			s.report(scm.ServiceStatus{CurrentState: scm.StateStopped})
			s.cancel()
		}()
	}
	return 0
}

func TestRunUnderManager(t *testing.T) {
	store, err := scm.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	db := scm.NewDatabase(store, zerolog.Nop())

	dir, err := os.MkdirTemp("", "scm")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	pipes, err := scm.NewPipeNamer(dir)
	require.NoError(t, err)

	l := &hostLauncher{}
	m := scm.NewManager(db, pipes, scm.WithLauncher(l), scm.WithPipeTimeout(2*time.Second))
	l.m = m
	defer func() { _ = m.Shutdown(context.Background()) }()

	mgr, err := m.OpenSCManager("", scm.ManagerAllAccess)
	require.NoError(t, err)
	sh, err := m.CreateService(mgr, "echo", scm.ServiceAllAccess, scm.Config{
		ServiceType: scm.ServiceWin32OwnProcess,
		StartType:   scm.StartDemand,
		BinaryPath:  "/usr/bin/echosvc",
	}, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.StartService(ctx, sh, nil))
	st, err := m.QueryServiceStatusEx(sh)
	require.NoError(t, err)
	assert.Equal(t, scm.StateRunning, st.CurrentState)
	assert.Equal(t, uint32(4242), st.ProcessID)

	_, err = m.ControlService(ctx, sh, scm.ControlStop)
	require.NoError(t, err)

	_, err = m.WaitServiceStatus(ctx, sh, scm.StateStopped)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := m.QueryServiceStatusEx(sh)
		return err == nil && st.ProcessID == 0
	}, 5*time.Second, 5*time.Millisecond)
}
