//go:build darwin

// Package unix provides platform-specific process attributes.
package unix

import "syscall"

// DetachedAttr starts a child in a new session with no controlling terminal.
func DetachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
