package scm

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/axondata/go-scm/internal/unix"
)

// LaunchSpec describes a hosted process to spawn
type LaunchSpec struct {
	// Name is the service key name
	Name string
	// Path is the executable
	Path string
	// Args are the arguments following the executable
	Args []string
	// Env is appended to the manager's environment
	Env []string
	// Interactive keeps the child attached to the manager's session
	Interactive bool
}

// Process is a spawned hosted process
type Process interface {
	// Pid returns the OS process id
	Pid() int
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
	// Terminate asks the process to exit
	Terminate() error
	// Kill forcibly ends the process
	Kill() error
}

// Launcher spawns hosted processes
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExecLauncher spawns real OS processes
type ExecLauncher struct {
	// Dir is the working directory of spawned processes
	Dir string
	// Stdout and Stderr receive the child's output; nil discards it
	Stdout io.Writer
	Stderr io.Writer
}

// Launch starts the process described by spec
func (l ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if !spec.Interactive {
		cmd.SysProcAttr = unix.DetachedAttr()
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd}
	if proc, err := process.NewProcess(int32(cmd.Process.Pid)); err == nil {
		p.created, _ = proc.CreateTime()
	}
	return p, nil
}

type execProcess struct {
	cmd *exec.Cmd

	// mu orders signals against the reap in Wait
	mu     sync.Mutex
	reaped bool

	// created identifies the child among processes reusing its pid
	created int64
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.reaped = true
	p.mu.Unlock()
	return err
}

// signal delivers sig to the descendants of the child and then to the
// child itself. Descendants are found by pid, so they are only looked up
// while the child has not been reaped. The child is signalled through its
// os.Process, which fails with os.ErrProcessDone once it is reaped.
func (p *execProcess) signal(sig syscall.Signal) error {
	p.mu.Lock()
	if !p.reaped {
		p.signalDescendants(sig)
	}
	p.mu.Unlock()
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) signalDescendants(sig syscall.Signal) {
	proc, err := process.NewProcess(int32(p.cmd.Process.Pid))
	if err != nil {
		return
	}
	if created, err := proc.CreateTime(); err != nil || created != p.created {
		return
	}
	signalTree(proc, sig)
}

func signalTree(proc *process.Process, sig syscall.Signal) {
	children, err := proc.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		signalTree(c, sig)
		_ = c.SendSignal(sig)
	}
}

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

// spawnError maps a launch failure to a result code
func spawnError(name string, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return &OpError{Op: "spawn", Service: name, Err: ErrFileNotFound}
	case errors.Is(err, fs.ErrPermission):
		return &OpError{Op: "spawn", Service: name, Err: ErrAccessDenied}
	default:
		return &OpError{Op: "spawn", Service: name, Err: fmt.Errorf("%w: %v", ErrGenFailure, err)}
	}
}
