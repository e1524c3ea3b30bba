package scm

import "github.com/axondata/go-scm/control"

// Version is the current version of the go-scm library
const Version = "1.0.0"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string
	// Protocol identifies the control channel framing
	Protocol string
	// MaxMessageSize is the largest control message accepted
	MaxMessageSize int
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:        Version,
		Protocol:       "scm-control/1",
		MaxMessageSize: control.MaxMessageSize,
	}
}
