//go:build linux

// Package unix provides platform-specific process attributes.
package unix

import "syscall"

// DetachedAttr starts a child in a new session with no controlling
// terminal. The parent's death signals SIGKILL to the child on Linux.
func DetachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid:    true,
		Pdeathsig: syscall.SIGKILL,
	}
}
