// Package scmhttp carries the service control operations over JSON/HTTP.
//
// Handles never leave the server: callers receive an opaque ULID token
// per handle and pass it back on every call. Each call is a POST with a
// JSON body and is answered with an envelope holding the result code and
// the result. Control requests carry the service status even when they
// fail.
package scmhttp

import (
	"encoding/json"

	scm "github.com/axondata/go-scm"
)

// Routes
const (
	PathOpenManager   = "/v1/manager/open"
	PathCreate        = "/v1/services/create"
	PathOpen          = "/v1/services/open"
	PathDelete        = "/v1/services/delete"
	PathQueryConfig   = "/v1/services/config/query"
	PathChangeConfig  = "/v1/services/config/change"
	PathQueryConfig2  = "/v1/services/config2/query"
	PathChangeConfig2 = "/v1/services/config2/change"
	PathSetStatus     = "/v1/services/status/set"
	PathQueryStatus   = "/v1/services/status/query"
	PathWaitStatus    = "/v1/services/status/wait"
	PathStart         = "/v1/services/start"
	PathControl       = "/v1/services/control"
	PathEnum          = "/v1/services/enum"
	PathDisplayName   = "/v1/services/displayname"
	PathKeyName       = "/v1/services/keyname"
	PathLock          = "/v1/database/lock"
	PathUnlock        = "/v1/database/unlock"
	PathClose         = "/v1/handles/close"
)

// Handle is the token standing for a server side handle
type Handle string

// Response is the envelope of every answer. Code is zero on success.
// Malformed requests are rejected with HTTP 400 instead.
type Response struct {
	Code   uint32          `json:"code"`
	Result json.RawMessage `json:"result,omitempty"`
}

// OpenManagerRequest opens a manager handle
type OpenManagerRequest struct {
	Database string `json:"database"`
	Access   uint32 `json:"access"`
}

// CreateRequest installs a service
type CreateRequest struct {
	Manager  Handle     `json:"manager"`
	Name     string     `json:"name"`
	Access   uint32     `json:"access"`
	Config   scm.Config `json:"config"`
	Password string     `json:"password,omitempty"`
}

// OpenRequest opens a service handle
type OpenRequest struct {
	Manager Handle `json:"manager"`
	Name    string `json:"name"`
	Access  uint32 `json:"access"`
}

// HandleRequest carries a single handle
type HandleRequest struct {
	Handle Handle `json:"handle"`
}

// HandleResult returns a new handle
type HandleResult struct {
	Handle Handle `json:"handle"`
}

// ChangeConfigRequest modifies a service configuration
type ChangeConfigRequest struct {
	Handle Handle           `json:"handle"`
	Change scm.ConfigChange `json:"change"`
}

// QueryConfig2Request reads an optional configuration block
type QueryConfig2Request struct {
	Handle Handle        `json:"handle"`
	Level  scm.InfoLevel `json:"level"`
}

// ChangeConfig2Request replaces an optional configuration block
type ChangeConfig2Request struct {
	Handle Handle         `json:"handle"`
	Info   scm.ConfigInfo `json:"info"`
}

// SetStatusRequest reports a status from the hosted process
type SetStatusRequest struct {
	Handle Handle            `json:"handle"`
	Status scm.ServiceStatus `json:"status"`
}

// WaitStatusRequest blocks until the service reaches one of States.
// TimeoutMs of zero waits as long as the request lives.
type WaitStatusRequest struct {
	Handle    Handle      `json:"handle"`
	States    []scm.State `json:"states"`
	TimeoutMs uint32      `json:"timeout_ms,omitempty"`
}

// StartRequest starts a service
type StartRequest struct {
	Handle Handle   `json:"handle"`
	Args   []string `json:"args,omitempty"`
}

// ControlRequest sends a control code
type ControlRequest struct {
	Handle  Handle      `json:"handle"`
	Control scm.Control `json:"control"`
}

// EnumRequest lists services
type EnumRequest struct {
	Manager Handle          `json:"manager"`
	Type    scm.ServiceType `json:"type"`
	State   scm.StateFilter `json:"state"`
	Group   *string         `json:"group,omitempty"`
}

// NameRequest resolves a key or display name
type NameRequest struct {
	Manager Handle `json:"manager"`
	Name    string `json:"name"`
}

// NameResult is a resolved name
type NameResult struct {
	Name string `json:"name"`
}
