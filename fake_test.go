package scm

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/axondata/go-scm/control"
)

// fakeBehavior scripts a simulated hosted process
type fakeBehavior struct {
	// noConnect keeps the process from ever connecting to its pipe
	noConnect bool
	// startGate delays the answer to the start message until closed
	startGate chan struct{}
	// startResult is the answer to the start message
	startResult uint32
	// report is the state pushed after a successful start; zero reports
	// nothing
	report  State
	accepts Accept
	// onControl answers control messages; nil stops on stop and shutdown
	onControl func(p *fakeProcess, c Control) uint32
}

func runningBehavior() fakeBehavior {
	return fakeBehavior{report: StateRunning, accepts: AcceptStop | AcceptShutdown}
}

// fakeLauncher spawns goroutines that speak the control protocol over the
// real socket and report status straight to the manager
type fakeLauncher struct {
	m *Manager

	mu       sync.Mutex
	behavior fakeBehavior
	fail     error
	nextPid  int
	procs    []*fakeProcess
	specs    []LaunchSpec
}

func (l *fakeLauncher) setBehavior(b fakeBehavior) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.behavior = b
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) launched() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.procs...)
}

func (l *fakeLauncher) setFailure(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

func (l *fakeLauncher) lastSpec() LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1]
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.specs = append(l.specs, spec)
	if l.fail != nil {
		return nil, l.fail
	}
	l.nextPid++
	p := &fakeProcess{
		pid:      1000 + l.nextPid,
		spec:     spec,
		behavior: l.behavior,
		m:        l.m,
		exited:   make(chan struct{}),
	}
	l.procs = append(l.procs, p)
	go p.run()
	return p, nil
}

type fakeProcess struct {
	pid      int
	spec     LaunchSpec
	behavior fakeBehavior
	m        *Manager

	mu   sync.Mutex
	conn net.Conn

	exitOnce  sync.Once
	exited    chan struct{}
	killed    atomic.Bool
	controls  []Control
	startArgs []string
}

func (p *fakeProcess) env(key string) string {
	for _, kv := range p.spec.Env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v
		}
	}
	return ""
}

func (p *fakeProcess) run() {
	if p.behavior.noConnect {
		<-p.exited
		return
	}

	c, err := control.Dial(p.env(control.EnvPipe), time.Second)
	if err != nil {
		p.exit()
		return
	}
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()

	name := p.env(control.EnvServiceName)
	for {
		msg, err := control.ReadMessage(c)
		if err != nil {
			// the manager closed the channel; linger until told to exit
			<-p.exited
			return
		}

		switch msg.Tag {
		case control.TagStart:
			p.mu.Lock()
			p.startArgs = msg.Args
			p.mu.Unlock()
			if p.behavior.startGate != nil {
				<-p.behavior.startGate
			}
			if err := control.WriteResult(c, p.behavior.startResult); err != nil {
				continue
			}
			if p.behavior.startResult == 0 && p.behavior.report != 0 {
				p.report(name, ServiceStatus{CurrentState: p.behavior.report, ControlsAccepted: p.behavior.accepts})
			}
		case control.TagControl:
			ctl := Control(msg.Code)
			p.mu.Lock()
			p.controls = append(p.controls, ctl)
			p.mu.Unlock()

			if p.behavior.onControl != nil {
				_ = control.WriteResult(c, p.behavior.onControl(p, ctl))
				continue
			}
			_ = control.WriteResult(c, 0)
			if ctl == ControlStop || ctl == ControlShutdown {
				p.report(name, ServiceStatus{CurrentState: StateStopped})
				p.exit()
			}
		}
	}
}

// report pushes a status the way a hosted process would, through its own
// handle with the set status right
func (p *fakeProcess) report(name string, st ServiceStatus) {
	mgr, err := p.m.OpenSCManager(ActiveDatabase, ManagerConnect)
	if err != nil {
		return
	}
	defer p.m.CloseServiceHandle(mgr)

	h, err := p.m.OpenService(mgr, name, ServiceSetStatus)
	if err != nil {
		return
	}
	defer p.m.CloseServiceHandle(h)

	_ = p.m.SetServiceStatus(h, st)
}

func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.mu.Unlock()
		close(p.exited)
	})
}

func (p *fakeProcess) receivedControls() []Control {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Control(nil), p.controls...)
}

func (p *fakeProcess) receivedArgs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startArgs
}

func (p *fakeProcess) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() error {
	<-p.exited
	if p.killed.Load() {
		return errors.New("signal: killed")
	}
	return nil
}

func (p *fakeProcess) Terminate() error {
	p.exit()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit()
	return nil
}

// memStore is an in-memory Store with injectable failures
type memStore struct {
	mu         sync.Mutex
	recs       map[string]*Record
	failSave   error
	failDelete error
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*Record)}
}

func (s *memStore) LoadAll() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.recs {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Load(name string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[strings.ToLower(name)]
	if !ok {
		return nil, ErrServiceDoesNotExist
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	cp := *rec
	s.recs[strings.ToLower(rec.Name)] = &cp
	return nil
}

func (s *memStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete != nil {
		return s.failDelete
	}
	delete(s.recs, strings.ToLower(name))
	return nil
}

func (s *memStore) setFailures(save, del error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSave, s.failDelete = save, del
}

func (s *memStore) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recs[strings.ToLower(name)]
	return ok
}

// shortTempDir keeps socket paths below the unix address limit
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "scm")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

type harness struct {
	t        *testing.T
	m        *Manager
	db       *Database
	store    Store
	launcher *fakeLauncher
	mgr      *ManagerHandle
}

func newHarness(t *testing.T, opts ...ManagerOption) *harness {
	return newHarnessWithStore(t, newTestStore(t), opts...)
}

func newHarnessWithStore(t *testing.T, store Store, opts ...ManagerOption) *harness {
	t.Helper()

	db := NewDatabase(store, zerolog.Nop())
	require.NoError(t, db.Load())

	pipes, err := NewPipeNamer(shortTempDir(t))
	require.NoError(t, err)

	l := &fakeLauncher{behavior: runningBehavior()}
	all := append([]ManagerOption{
		WithLauncher(l),
		WithPipeTimeout(2 * time.Second),
		WithKillTimeout(500 * time.Millisecond),
	}, opts...)
	m := NewManager(db, pipes, all...)
	l.m = m

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	mgr, err := m.OpenSCManager(ActiveDatabase, ManagerAllAccess)
	require.NoError(t, err)

	return &harness{t: t, m: m, db: db, store: store, launcher: l, mgr: mgr}
}

// create installs a demand start service and returns an all access handle
func (h *harness) create(name string) *ServiceHandle {
	h.t.Helper()
	return h.createWith(name, ownProcess())
}

func (h *harness) createWith(name string, cfg Config) *ServiceHandle {
	h.t.Helper()
	sh, err := h.m.CreateService(h.mgr, name, ServiceAllAccess, cfg, "")
	require.NoError(h.t, err)
	return sh
}

func (h *harness) state(sh *ServiceHandle) State {
	h.t.Helper()
	st, err := h.m.QueryServiceStatus(sh)
	require.NoError(h.t, err)
	return st.CurrentState
}

// waitState blocks until the service reaches state
func (h *harness) waitState(sh *ServiceHandle, state State) ServiceStatusProcess {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.m.WaitServiceStatus(ctx, sh, state)
	require.NoError(h.t, err, "waiting for %s", state)
	return st
}

// waitExited blocks until the manager has reaped the process of sh
func (h *harness) waitExited(sh *ServiceHandle) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		st, err := h.m.QueryServiceStatusEx(sh)
		return err == nil && st.ProcessID == 0 && st.CurrentState == StateStopped
	}, 5*time.Second, 5*time.Millisecond)
}
