package control

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// DefaultTimeout bounds one request/response round-trip
const DefaultTimeout = 10 * time.Second

// ErrTimeout indicates the peer did not answer in time
var ErrTimeout = errors.New("control: timeout")

// OpError reports a failed read or write on the channel
type OpError struct {
	// Op is "write" or "read"
	Op string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	return "control " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// Conn is the manager end of a control channel. Requests are strictly
// one at a time: each write is followed by reading exactly one result.
type Conn struct {
	// Timeout bounds each request/response round-trip
	Timeout time.Duration

	conn net.Conn
	// mu protects concurrent access to exchange operations
	mu sync.Mutex
}

// NewConn wraps an accepted connection
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Conn{conn: c, Timeout: timeout}
}

// Start sends a start request and returns the peer's result code
func (c *Conn) Start(name string, args []string) (uint32, error) {
	msg, err := EncodeStart(name, args)
	if err != nil {
		return 0, err
	}
	return c.exchange(msg)
}

// Control sends a control code and returns the peer's result code
func (c *Conn) Control(code uint32) (uint32, error) {
	return c.exchange(EncodeControl(code))
}

func (c *Conn) exchange(msg []byte) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Network deadlines follow the wall clock.
	_ = c.conn.SetDeadline(time.Now().Add(c.Timeout))
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	if _, err := c.conn.Write(msg); err != nil {
		return 0, classify("write", err)
	}
	result, err := ReadResult(c.conn)
	if err != nil {
		return 0, classify("read", err)
	}
	return result, nil
}

func classify(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	return &OpError{Op: op, Err: err}
}

// Close closes the channel
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Listen creates the socket for one start attempt, replacing a stale file
// left by an earlier run
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", path)
}

// Dial connects a hosted process to its control channel
func Dial(path string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return net.DialTimeout("unix", path, timeout)
}
