package scmhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	scm "github.com/axondata/go-scm"
)

// DefaultClientTimeout bounds a single call. WaitServiceStatus is not
// bounded by it.
const DefaultClientTimeout = 30 * time.Second

// Client calls a Server. Failures reported by the manager come back as
// scm.Errno values.
type Client struct {
	// BaseURL is the server address, e.g. http://127.0.0.1:7070
	BaseURL string
	// HTTP is the underlying client
	HTTP *http.Client
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.HTTP = hc
	}
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call posts req to path and decodes the result into out when out is
// non-nil. A non-zero result code is returned as an error after out has
// been filled, so partial results such as control status survive.
func (c *Client) call(ctx context.Context, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")

	hresp, err := c.HTTP.Do(hreq)
	if err != nil {
		return err
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if hresp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s: %s", path, hresp.Status, strings.TrimSpace(string(data)))
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	return scm.FromCode(resp.Code)
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultClientTimeout)
}

func (c *Client) handleCall(ctx context.Context, path string, req any) (Handle, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var res HandleResult
	if err := c.call(ctx, path, req, &res); err != nil {
		return "", err
	}
	return res.Handle, nil
}

// OpenSCManager opens a manager handle
func (c *Client) OpenSCManager(ctx context.Context, database string, access uint32) (Handle, error) {
	return c.handleCall(ctx, PathOpenManager, OpenManagerRequest{Database: database, Access: access})
}

// CreateService installs a service
func (c *Client) CreateService(ctx context.Context, mgr Handle, name string, access uint32, cfg scm.Config, password string) (Handle, error) {
	return c.handleCall(ctx, PathCreate, CreateRequest{Manager: mgr, Name: name, Access: access, Config: cfg, Password: password})
}

// OpenService opens a service handle
func (c *Client) OpenService(ctx context.Context, mgr Handle, name string, access uint32) (Handle, error) {
	return c.handleCall(ctx, PathOpen, OpenRequest{Manager: mgr, Name: name, Access: access})
}

// DeleteService marks a service for deletion
func (c *Client) DeleteService(ctx context.Context, h Handle) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.call(ctx, PathDelete, HandleRequest{Handle: h}, nil)
}

// QueryServiceConfig returns the service configuration
func (c *Client) QueryServiceConfig(ctx context.Context, h Handle) (scm.Config, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var cfg scm.Config
	err := c.call(ctx, PathQueryConfig, HandleRequest{Handle: h}, &cfg)
	return cfg, err
}

// ChangeServiceConfig modifies the service configuration
func (c *Client) ChangeServiceConfig(ctx context.Context, h Handle, ch scm.ConfigChange) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.call(ctx, PathChangeConfig, ChangeConfigRequest{Handle: h, Change: ch}, nil)
}

// QueryServiceConfig2 returns an optional configuration block
func (c *Client) QueryServiceConfig2(ctx context.Context, h Handle, level scm.InfoLevel) (scm.ConfigInfo, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var info scm.ConfigInfo
	err := c.call(ctx, PathQueryConfig2, QueryConfig2Request{Handle: h, Level: level}, &info)
	return info, err
}

// ChangeServiceConfig2 replaces an optional configuration block
func (c *Client) ChangeServiceConfig2(ctx context.Context, h Handle, info scm.ConfigInfo) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.call(ctx, PathChangeConfig2, ChangeConfig2Request{Handle: h, Info: info}, nil)
}

// SetServiceStatus reports a status on behalf of the hosted process
func (c *Client) SetServiceStatus(ctx context.Context, h Handle, st scm.ServiceStatus) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.call(ctx, PathSetStatus, SetStatusRequest{Handle: h, Status: st}, nil)
}

// QueryServiceStatus returns the service status
func (c *Client) QueryServiceStatus(ctx context.Context, h Handle) (scm.ServiceStatus, error) {
	st, err := c.QueryServiceStatusEx(ctx, h)
	return st.ServiceStatus, err
}

// QueryServiceStatusEx returns the service status with its process id
func (c *Client) QueryServiceStatusEx(ctx context.Context, h Handle) (scm.ServiceStatusProcess, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var st scm.ServiceStatusProcess
	err := c.call(ctx, PathQueryStatus, HandleRequest{Handle: h}, &st)
	return st, err
}

// WaitServiceStatus blocks until the service reaches one of states. The
// server gives up after timeout; zero waits until ctx is done.
func (c *Client) WaitServiceStatus(ctx context.Context, h Handle, timeout time.Duration, states ...scm.State) (scm.ServiceStatusProcess, error) {
	var st scm.ServiceStatusProcess
	req := WaitStatusRequest{Handle: h, States: states, TimeoutMs: uint32(timeout.Milliseconds())}
	err := c.call(ctx, PathWaitStatus, req, &st)
	return st, err
}

// StartService starts a service
func (c *Client) StartService(ctx context.Context, h Handle, args []string) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.call(ctx, PathStart, StartRequest{Handle: h, Args: args}, nil)
}

// ControlService sends a control code and returns the resulting status
func (c *Client) ControlService(ctx context.Context, h Handle, ctl scm.Control) (scm.ServiceStatus, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var st scm.ServiceStatus
	err := c.call(ctx, PathControl, ControlRequest{Handle: h, Control: ctl}, &st)
	return st, err
}

// EnumServicesStatus lists services
func (c *Client) EnumServicesStatus(ctx context.Context, mgr Handle, typeMask scm.ServiceType, filter scm.StateFilter, group *string) ([]scm.EnumStatus, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var list []scm.EnumStatus
	err := c.call(ctx, PathEnum, EnumRequest{Manager: mgr, Type: typeMask, State: filter, Group: group}, &list)
	return list, err
}

// GetServiceDisplayName resolves a key name to a display name
func (c *Client) GetServiceDisplayName(ctx context.Context, mgr Handle, name string) (string, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var res NameResult
	err := c.call(ctx, PathDisplayName, NameRequest{Manager: mgr, Name: name}, &res)
	return res.Name, err
}

// GetServiceKeyName resolves a display name to a key name
func (c *Client) GetServiceKeyName(ctx context.Context, mgr Handle, display string) (string, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var res NameResult
	err := c.call(ctx, PathKeyName, NameRequest{Manager: mgr, Name: display}, &res)
	return res.Name, err
}

// LockServiceDatabase takes the startup lock
func (c *Client) LockServiceDatabase(ctx context.Context, mgr Handle) (Handle, error) {
	return c.handleCall(ctx, PathLock, HandleRequest{Handle: mgr})
}

// UnlockServiceDatabase releases a lock token
func (c *Client) UnlockServiceDatabase(ctx context.Context, lock Handle) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.call(ctx, PathUnlock, HandleRequest{Handle: lock}, nil)
}

// CloseServiceHandle closes any handle
func (c *Client) CloseServiceHandle(ctx context.Context, h Handle) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.call(ctx, PathClose, HandleRequest{Handle: h}, nil)
}

// StatusReporter reports the status of one service from inside its hosted
// process. The handles it needs are opened on first use.
type StatusReporter struct {
	client *Client
	name   string

	mu  sync.Mutex
	mgr Handle
	svc Handle
}

// NewStatusReporter creates a reporter for the named service
func NewStatusReporter(c *Client, name string) *StatusReporter {
	return &StatusReporter{client: c, name: name}
}

// SetServiceStatus reports st
func (r *StatusReporter) SetServiceStatus(ctx context.Context, st scm.ServiceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.svc == "" {
		mgr, err := r.client.OpenSCManager(ctx, scm.ActiveDatabase, scm.ManagerConnect)
		if err != nil {
			return err
		}
		svc, err := r.client.OpenService(ctx, mgr, r.name, scm.ServiceSetStatus|scm.ServiceQueryStatus)
		if err != nil {
			_ = r.client.CloseServiceHandle(ctx, mgr)
			return err
		}
		r.mgr, r.svc = mgr, svc
	}
	return r.client.SetServiceStatus(ctx, r.svc, st)
}

// Close releases the reporter's handles
func (r *StatusReporter) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.svc == "" {
		return nil
	}
	merr := &scm.MultiError{}
	merr.Add(r.client.CloseServiceHandle(ctx, r.svc))
	merr.Add(r.client.CloseServiceHandle(ctx, r.mgr))
	r.mgr, r.svc = "", ""
	return merr.Err()
}
