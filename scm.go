package scm

import (
	"time"
)

// Database names accepted by OpenSCManager
const (
	// ActiveDatabase is the only database a manager handle can be bound to
	ActiveDatabase = "ServicesActive"

	// FailedDatabase is recognised but never available
	FailedDatabase = "ServicesFailed"
)

// Timeouts and limits
const (
	// DefaultPipeTimeout bounds the control channel handshake, the wait for
	// the first status report and every control round-trip.
	// Overridden by ServicesPipeTimeout.
	DefaultPipeTimeout = 10 * time.Second

	// DefaultKillTimeout is how long a process that reported STOPPED may keep
	// running before it is killed. Overridden by WaitToKillServiceTimeout.
	DefaultKillTimeout = 60 * time.Second

	// DefaultStartupLockTimeout is how long StartService waits for the startup lock
	DefaultStartupLockTimeout = 3 * time.Second

	// DefaultPreshutdownTimeout is the preshutdown timeout given to new services
	DefaultPreshutdownTimeout = 180 * time.Second

	// DefaultConcurrency is the width of bulk operations
	DefaultConcurrency = 10

	// MaxServiceNameLength is the longest accepted service key name
	MaxServiceNameLength = 256
)

// File modes
const (
	// DirMode is the default mode for created directories
	DirMode = 0o755

	// FileMode is the default mode for persisted records
	FileMode = 0o644
)

// ServiceType describes how a service is hosted
type ServiceType uint32

// Service types
const (
	ServiceKernelDriver      ServiceType = 0x00000001
	ServiceFileSystemDriver  ServiceType = 0x00000002
	ServiceWin32OwnProcess   ServiceType = 0x00000010
	ServiceWin32ShareProcess ServiceType = 0x00000020
	ServiceInteractive       ServiceType = 0x00000100

	// ServiceDriver matches either driver type
	ServiceDriver = ServiceKernelDriver | ServiceFileSystemDriver
	// ServiceWin32 matches either hosted process type
	ServiceWin32 = ServiceWin32OwnProcess | ServiceWin32ShareProcess
	// ServiceTypeAll matches every service type
	ServiceTypeAll = ServiceDriver | ServiceWin32 | ServiceInteractive
)

// IsDriver reports whether the type names a kernel or file system driver
func (t ServiceType) IsDriver() bool {
	return t&ServiceDriver != 0
}

// IsWin32 reports whether the type names a hosted process
func (t ServiceType) IsWin32() bool {
	return t&ServiceWin32 != 0
}

// Interactive reports whether the interactive flag is set
func (t ServiceType) Interactive() bool {
	return t&ServiceInteractive != 0
}

// StartType is the start policy of a service
type StartType uint32

// Start types
const (
	StartBoot     StartType = 0
	StartSystem   StartType = 1
	StartAuto     StartType = 2
	StartDemand   StartType = 3
	StartDisabled StartType = 4
)

// Start type string constants
const (
	startBootStr     = "boot"
	startSystemStr   = "system"
	startAutoStr     = "auto"
	startDemandStr   = "demand"
	startDisabledStr = "disabled"
	unknownStr       = "unknown"
)

// String returns the string representation of a StartType
func (s StartType) String() string {
	switch s {
	case StartBoot:
		return startBootStr
	case StartSystem:
		return startSystemStr
	case StartAuto:
		return startAutoStr
	case StartDemand:
		return startDemandStr
	case StartDisabled:
		return startDisabledStr
	default:
		return unknownStr
	}
}

// ErrorControl is the severity applied when a service fails to start at boot
type ErrorControl uint32

// Error control levels
const (
	ErrorIgnore   ErrorControl = 0
	ErrorNormal   ErrorControl = 1
	ErrorSevere   ErrorControl = 2
	ErrorCritical ErrorControl = 3
)

// State is the current state of a service
type State uint32

// Service states
const (
	StateStopped         State = 1
	StateStartPending    State = 2
	StateStopPending     State = 3
	StateRunning         State = 4
	StateContinuePending State = 5
	StatePausePending    State = 6
	StatePaused          State = 7
)

// State string constants
const (
	stateStoppedStr         = "stopped"
	stateStartPendingStr    = "start_pending"
	stateStopPendingStr     = "stop_pending"
	stateRunningStr         = "running"
	stateContinuePendingStr = "continue_pending"
	statePausePendingStr    = "pause_pending"
	statePausedStr          = "paused"
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateStopped:
		return stateStoppedStr
	case StateStartPending:
		return stateStartPendingStr
	case StateStopPending:
		return stateStopPendingStr
	case StateRunning:
		return stateRunningStr
	case StateContinuePending:
		return stateContinuePendingStr
	case StatePausePending:
		return statePausePendingStr
	case StatePaused:
		return statePausedStr
	default:
		return unknownStr
	}
}

// Valid reports whether s is one of the defined states
func (s State) Valid() bool {
	return s >= StateStopped && s <= StatePaused
}

// Active reports whether the service has left the stopped state
func (s State) Active() bool {
	return s.Valid() && s != StateStopped
}

// StateFilter selects services by activity in EnumServicesStatus
type StateFilter uint32

// State filters
const (
	FilterActive   StateFilter = 0x1
	FilterInactive StateFilter = 0x2
	FilterAll      StateFilter = FilterActive | FilterInactive
)

// Match reports whether a service in state s passes the filter
func (f StateFilter) Match(s State) bool {
	switch {
	case s == StateStopped:
		return f&FilterInactive != 0
	case s.Valid():
		return f&FilterActive != 0
	default:
		return false
	}
}

// Control is a control code sent to a running service
type Control uint32

// Control codes
const (
	ControlStop                  Control = 0x01
	ControlPause                 Control = 0x02
	ControlContinue              Control = 0x03
	ControlInterrogate           Control = 0x04
	ControlShutdown              Control = 0x05
	ControlParamChange           Control = 0x06
	ControlNetBindAdd            Control = 0x07
	ControlNetBindRemove         Control = 0x08
	ControlNetBindEnable         Control = 0x09
	ControlNetBindDisable        Control = 0x0A
	ControlHardwareProfileChange Control = 0x0C
	ControlPowerEvent            Control = 0x0D
	ControlSessionChange         Control = 0x0E
	ControlPreshutdown           Control = 0x0F

	// ControlUserMin and ControlUserMax bound the user defined control codes
	ControlUserMin Control = 128
	ControlUserMax Control = 255
)

// Control string constants
const (
	controlStopStr        = "stop"
	controlPauseStr       = "pause"
	controlContinueStr    = "continue"
	controlInterrogateStr = "interrogate"
	controlShutdownStr    = "shutdown"
	controlParamChangeStr = "paramchange"
	controlNetBindStr     = "netbind"
	controlHardwareStr    = "hwprofilechange"
	controlPowerStr       = "powerevent"
	controlSessionStr     = "sessionchange"
	controlPreshutdownStr = "preshutdown"
	controlUserStr        = "user"
)

// String returns the string representation of a Control
func (c Control) String() string {
	switch c {
	case ControlStop:
		return controlStopStr
	case ControlPause:
		return controlPauseStr
	case ControlContinue:
		return controlContinueStr
	case ControlInterrogate:
		return controlInterrogateStr
	case ControlShutdown:
		return controlShutdownStr
	case ControlParamChange:
		return controlParamChangeStr
	case ControlNetBindAdd, ControlNetBindRemove, ControlNetBindEnable, ControlNetBindDisable:
		return controlNetBindStr
	case ControlHardwareProfileChange:
		return controlHardwareStr
	case ControlPowerEvent:
		return controlPowerStr
	case ControlSessionChange:
		return controlSessionStr
	case ControlPreshutdown:
		return controlPreshutdownStr
	default:
		if c.UserDefined() {
			return controlUserStr
		}
		return unknownStr
	}
}

// UserDefined reports whether c lies in the user defined range
func (c Control) UserDefined() bool {
	return c >= ControlUserMin && c <= ControlUserMax
}

// Accept is the mask of controls a service advertises
type Accept uint32

// Accepted control flags
const (
	AcceptStop                  Accept = 0x001
	AcceptPauseContinue         Accept = 0x002
	AcceptShutdown              Accept = 0x004
	AcceptParamChange           Accept = 0x008
	AcceptNetBindChange         Accept = 0x010
	AcceptHardwareProfileChange Accept = 0x020
	AcceptPowerEvent            Accept = 0x040
	AcceptSessionChange         Accept = 0x080
	AcceptPreshutdown           Accept = 0x100
)

// Accepts reports whether a service advertising mask a takes control c.
// Interrogate and user defined codes are always accepted.
func (a Accept) Accepts(c Control) bool {
	if c.UserDefined() {
		return true
	}
	switch c {
	case ControlInterrogate:
		return true
	case ControlStop:
		return a&AcceptStop != 0
	case ControlShutdown:
		return a&AcceptShutdown != 0
	case ControlPause, ControlContinue:
		return a&AcceptPauseContinue != 0
	case ControlParamChange:
		return a&AcceptParamChange != 0
	case ControlNetBindAdd, ControlNetBindRemove, ControlNetBindEnable, ControlNetBindDisable:
		return a&AcceptNetBindChange != 0
	case ControlHardwareProfileChange:
		return a&AcceptHardwareProfileChange != 0
	case ControlPowerEvent:
		return a&AcceptPowerEvent != 0
	case ControlSessionChange:
		return a&AcceptSessionChange != 0
	case ControlPreshutdown:
		return a&AcceptPreshutdown != 0
	default:
		return false
	}
}

// ServiceStatus is the live status of a service
type ServiceStatus struct {
	ServiceType             ServiceType `json:"service_type"`
	CurrentState            State       `json:"current_state"`
	ControlsAccepted        Accept      `json:"controls_accepted"`
	Win32ExitCode           uint32      `json:"win32_exit_code"`
	ServiceSpecificExitCode uint32      `json:"service_specific_exit_code"`
	CheckPoint              uint32      `json:"check_point"`
	WaitHint                uint32      `json:"wait_hint"`
}

// ServiceStatusProcess extends ServiceStatus with the hosting process
type ServiceStatusProcess struct {
	ServiceStatus
	ProcessID    uint32 `json:"process_id"`
	ServiceFlags uint32 `json:"service_flags"`
}

// EnumStatus is one row of EnumServicesStatus
type EnumStatus struct {
	ServiceName string               `json:"service_name"`
	DisplayName string               `json:"display_name"`
	Status      ServiceStatusProcess `json:"status"`
}
