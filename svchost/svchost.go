// Package svchost runs inside a process started by the service control
// manager. It connects to the control channel named in the environment,
// hands START and CONTROL messages to a Handler and answers each with the
// handler's result code.
//
//	host, err := svchost.FromEnv(svchost.WithLogger(log))
//	if err != nil {
//	    log.Fatal().Err(err).Msg("not started by the manager")
//	}
//	err = host.Run(ctx, handler)
package svchost

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	scm "github.com/axondata/go-scm"
	"github.com/axondata/go-scm/control"
)

// ErrNotHosted indicates the process was not started by a manager
var ErrNotHosted = errors.New("svchost: control pipe not set")

// Handler implements a hosted service. Both methods run on the channel
// goroutine and must return promptly: the manager waits for their result
// with its pipe timeout. Long running work belongs in goroutines that
// report progress through a StatusSetter.
type Handler interface {
	// Start is called once with the service name and start arguments
	Start(ctx context.Context, name string, args []string) uint32
	// Control is called for every control code
	Control(ctx context.Context, code scm.Control) uint32
}

// StatusSetter reports the service status to the manager
type StatusSetter interface {
	SetServiceStatus(ctx context.Context, st scm.ServiceStatus) error
}

// Host is the hosted process side of a control channel
type Host struct {
	// Name is the service key name from the environment
	Name string
	// PipePath is the control channel socket
	PipePath string
	// Endpoint is the manager RPC endpoint, if advertised
	Endpoint string
	// DialTimeout bounds connecting to the channel
	DialTimeout time.Duration

	log zerolog.Logger
}

// Option configures a Host
type Option func(*Host)

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(h *Host) {
		h.log = log
	}
}

// WithDialTimeout sets the connect timeout
func WithDialTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.DialTimeout = d
	}
}

// New creates a Host for an explicit channel
func New(name, pipePath string, opts ...Option) *Host {
	h := &Host{
		Name:        name,
		PipePath:    pipePath,
		DialTimeout: control.DefaultTimeout,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// FromEnv creates a Host from the environment set up by the manager
func FromEnv(opts ...Option) (*Host, error) {
	path := os.Getenv(control.EnvPipe)
	if path == "" {
		return nil, ErrNotHosted
	}
	h := New(os.Getenv(control.EnvServiceName), path, opts...)
	h.Endpoint = os.Getenv(control.EnvEndpoint)
	return h, nil
}

// Run connects to the control channel and serves it until the manager
// closes it or ctx is done
func (h *Host) Run(ctx context.Context, handler Handler) error {
	conn, err := control.Dial(h.PipePath, h.DialTimeout)
	if err != nil {
		return err
	}
	return h.Serve(ctx, conn, handler)
}

// Serve dispatches messages read from conn. It owns conn and closes it on
// return. A channel closed by the manager is a normal end.
func (h *Host) Serve(ctx context.Context, conn net.Conn, handler Handler) error {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		msg, err := control.ReadMessage(conn)
		switch {
		case err == nil:
		case errors.Is(err, control.ErrUnknownTag), errors.Is(err, control.ErrMalformed):
			// the body was consumed, the stream is still aligned
			h.log.Warn().Err(err).Msg("rejecting message")
			if err := control.WriteResult(conn, uint32(scm.ErrInvalidParameter)); err != nil {
				return h.closed(ctx, err)
			}
			continue
		default:
			return h.closed(ctx, err)
		}

		var code uint32
		switch msg.Tag {
		case control.TagStart:
			h.log.Debug().Str("service", msg.Name).Strs("args", msg.Args).Msg("start requested")
			code = handler.Start(ctx, msg.Name, msg.Args)
		case control.TagControl:
			c := scm.Control(msg.Code)
			h.log.Debug().Stringer("control", c).Msg("control requested")
			code = handler.Control(ctx, c)
		}

		if err := control.WriteResult(conn, code); err != nil {
			return h.closed(ctx, err)
		}
	}
}

// closed folds the ways the channel ends normally into nil
func (h *Host) closed(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
