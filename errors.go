package scm

import (
	"errors"
	"fmt"
	"strconv"
)

// Errno is a numeric result code of the service control API.
// Zero is success and never returned as an error.
type Errno uint32

// Result codes
const (
	ErrFileNotFound            Errno = 2
	ErrPathNotFound            Errno = 3
	ErrAccessDenied            Errno = 5
	ErrInvalidHandle           Errno = 6
	ErrWriteFault              Errno = 29
	ErrReadFault               Errno = 30
	ErrGenFailure              Errno = 31
	ErrInvalidParameter        Errno = 87
	ErrBrokenPipe              Errno = 109
	ErrInvalidName             Errno = 123
	ErrInvalidLevel            Errno = 124
	ErrMoreData                Errno = 234
	ErrInvalidServiceControl   Errno = 1052
	ErrServiceRequestTimeout   Errno = 1053
	ErrServiceDatabaseLocked   Errno = 1055
	ErrServiceAlreadyRunning   Errno = 1056
	ErrServiceDisabled         Errno = 1058
	ErrServiceDoesNotExist     Errno = 1060
	ErrServiceCannotAcceptCtrl Errno = 1061
	ErrServiceNotActive        Errno = 1062
	ErrDatabaseDoesNotExist    Errno = 1065
	ErrProcessAborted          Errno = 1067
	ErrInvalidServiceLock      Errno = 1071
	ErrServiceMarkedForDelete  Errno = 1072
	ErrServiceExists           Errno = 1073
	ErrServiceNeverStarted     Errno = 1077
	ErrDuplicateServiceName    Errno = 1078
	ErrShutdownInProgress      Errno = 1115
)

var errnoText = map[Errno]string{
	ErrFileNotFound:            "file not found",
	ErrPathNotFound:            "path not found",
	ErrAccessDenied:            "access denied",
	ErrInvalidHandle:           "invalid handle",
	ErrWriteFault:              "write fault",
	ErrReadFault:               "read fault",
	ErrGenFailure:              "general failure",
	ErrInvalidParameter:        "invalid parameter",
	ErrBrokenPipe:              "broken pipe",
	ErrInvalidName:             "invalid name",
	ErrInvalidLevel:            "invalid level",
	ErrMoreData:                "more data is available",
	ErrInvalidServiceControl:   "invalid service control",
	ErrServiceRequestTimeout:   "service did not respond in time",
	ErrServiceDatabaseLocked:   "service database is locked",
	ErrServiceAlreadyRunning:   "service already running",
	ErrServiceDisabled:         "service is disabled",
	ErrServiceDoesNotExist:     "service does not exist",
	ErrServiceCannotAcceptCtrl: "service cannot accept control in its current state",
	ErrServiceNotActive:        "service has not been started",
	ErrDatabaseDoesNotExist:    "database does not exist",
	ErrProcessAborted:          "process terminated unexpectedly",
	ErrInvalidServiceLock:      "invalid service lock",
	ErrServiceMarkedForDelete:  "service marked for deletion",
	ErrServiceExists:           "service already exists",
	ErrServiceNeverStarted:     "service never started",
	ErrDuplicateServiceName:    "name already in use as service or display name",
	ErrShutdownInProgress:      "shutdown in progress",
}

// Error returns the message for the code
func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return "scm: " + s
	}
	return "scm: error " + strconv.FormatUint(uint64(e), 10)
}

// Code extracts the result code carried by err.
// nil maps to 0; errors without a code map to ErrGenFailure.
func Code(err error) uint32 {
	if err == nil {
		return 0
	}
	var errno Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return uint32(ErrGenFailure)
}

// FromCode converts a wire result code back into an error
func FromCode(code uint32) error {
	if code == 0 {
		return nil
	}
	return Errno(code)
}

// OpError represents an error from a service control operation
type OpError struct {
	// Op is the operation that failed
	Op string
	// Service is the service key name involved, if any
	Service string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Service, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// MultiError aggregates multiple errors from bulk operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Unwrap exposes the collected errors to errors.Is and errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}
