package scmhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/oklog/ulid"
	"github.com/rs/zerolog"

	scm "github.com/axondata/go-scm"
)

// maxBodySize bounds a request body
const maxBodySize = 1 << 20

// Server exposes a Manager over HTTP and owns the handles it hands out
type Server struct {
	m      *scm.Manager
	log    zerolog.Logger
	router *mux.Router

	mu      sync.Mutex
	handles map[Handle]scm.Handle
	entropy io.Reader
}

// NewServer creates a Server for m
func NewServer(m *scm.Manager, log zerolog.Logger) *Server {
	s := &Server{
		m:       m,
		log:     log,
		handles: make(map[Handle]scm.Handle),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	s.router = s.setupRouting(mux.NewRouter())
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRouting(r *mux.Router) *mux.Router {
	r.HandleFunc(PathOpenManager, makeHandler(s, s.openManager)).Methods(http.MethodPost)
	r.HandleFunc(PathCreate, makeHandler(s, s.create)).Methods(http.MethodPost)
	r.HandleFunc(PathOpen, makeHandler(s, s.open)).Methods(http.MethodPost)
	r.HandleFunc(PathDelete, makeHandler(s, s.delete)).Methods(http.MethodPost)
	r.HandleFunc(PathQueryConfig, makeHandler(s, s.queryConfig)).Methods(http.MethodPost)
	r.HandleFunc(PathChangeConfig, makeHandler(s, s.changeConfig)).Methods(http.MethodPost)
	r.HandleFunc(PathQueryConfig2, makeHandler(s, s.queryConfig2)).Methods(http.MethodPost)
	r.HandleFunc(PathChangeConfig2, makeHandler(s, s.changeConfig2)).Methods(http.MethodPost)
	r.HandleFunc(PathSetStatus, makeHandler(s, s.setStatus)).Methods(http.MethodPost)
	r.HandleFunc(PathQueryStatus, makeHandler(s, s.queryStatus)).Methods(http.MethodPost)
	r.HandleFunc(PathWaitStatus, makeHandler(s, s.waitStatus)).Methods(http.MethodPost)
	r.HandleFunc(PathStart, makeHandler(s, s.start)).Methods(http.MethodPost)
	r.HandleFunc(PathControl, makeHandler(s, s.control)).Methods(http.MethodPost)
	r.HandleFunc(PathEnum, makeHandler(s, s.enum)).Methods(http.MethodPost)
	r.HandleFunc(PathDisplayName, makeHandler(s, s.displayName)).Methods(http.MethodPost)
	r.HandleFunc(PathKeyName, makeHandler(s, s.keyName)).Methods(http.MethodPost)
	r.HandleFunc(PathLock, makeHandler(s, s.lock)).Methods(http.MethodPost)
	r.HandleFunc(PathUnlock, makeHandler(s, s.unlock)).Methods(http.MethodPost)
	r.HandleFunc(PathClose, makeHandler(s, s.closeHandle)).Methods(http.MethodPost)
	return r
}

// makeHandler decodes the request body into a Req and encodes whatever fn
// returns into the response envelope
func makeHandler[Req any](s *Server, fn func(ctx context.Context, req *Req) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req Req
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := fn(r.Context(), &req)
		resp := Response{Code: scm.Code(err)}
		if result != nil {
			resp.Result, err = json.Marshal(result)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		if resp.Code != 0 {
			s.log.Debug().Str("path", r.URL.Path).Uint32("code", resp.Code).Msg("request failed")
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.log.Warn().Err(err).Str("path", r.URL.Path).Msg("writing response")
		}
	}
}

// register stores h and returns its token
func (s *Server) register(h scm.Handle) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := Handle(ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String())
	s.handles[tok] = h
	return tok
}

func (s *Server) lookup(tok Handle) (scm.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[tok]
	if !ok {
		return nil, scm.ErrInvalidHandle
	}
	return h, nil
}

func (s *Server) forget(tok Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, tok)
}

// Close closes every handle still held by clients
func (s *Server) Close() error {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[Handle]scm.Handle)
	s.mu.Unlock()

	merr := &scm.MultiError{}
	for _, h := range handles {
		if err := s.m.CloseServiceHandle(h); err != nil && !errors.Is(err, scm.ErrInvalidServiceLock) {
			merr.Add(err)
		}
	}
	return merr.Err()
}

func (s *Server) openManager(_ context.Context, req *OpenManagerRequest) (any, error) {
	h, err := s.m.OpenSCManager(req.Database, req.Access)
	if err != nil {
		return nil, err
	}
	return HandleResult{Handle: s.register(h)}, nil
}

func (s *Server) create(_ context.Context, req *CreateRequest) (any, error) {
	mgr, err := s.lookup(req.Manager)
	if err != nil {
		return nil, err
	}
	h, err := s.m.CreateService(mgr, req.Name, req.Access, req.Config, req.Password)
	if err != nil {
		return nil, err
	}
	return HandleResult{Handle: s.register(h)}, nil
}

func (s *Server) open(_ context.Context, req *OpenRequest) (any, error) {
	mgr, err := s.lookup(req.Manager)
	if err != nil {
		return nil, err
	}
	h, err := s.m.OpenService(mgr, req.Name, req.Access)
	if err != nil {
		return nil, err
	}
	return HandleResult{Handle: s.register(h)}, nil
}

func (s *Server) delete(_ context.Context, req *HandleRequest) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	return nil, s.m.DeleteService(h)
}

func (s *Server) queryConfig(_ context.Context, req *HandleRequest) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	cfg, err := s.m.QueryServiceConfig(h)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Server) changeConfig(_ context.Context, req *ChangeConfigRequest) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	return nil, s.m.ChangeServiceConfig(h, req.Change)
}

func (s *Server) queryConfig2(_ context.Context, req *QueryConfig2Request) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	info, err := s.m.QueryServiceConfig2(h, req.Level)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Server) changeConfig2(_ context.Context, req *ChangeConfig2Request) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	return nil, s.m.ChangeServiceConfig2(h, req.Info)
}

func (s *Server) setStatus(_ context.Context, req *SetStatusRequest) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	return nil, s.m.SetServiceStatus(h, req.Status)
}

func (s *Server) queryStatus(_ context.Context, req *HandleRequest) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	st, err := s.m.QueryServiceStatusEx(h)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Server) waitStatus(ctx context.Context, req *WaitStatusRequest) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	st, err := s.m.WaitServiceStatus(ctx, h, req.States...)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return st, scm.ErrServiceRequestTimeout
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Server) start(ctx context.Context, req *StartRequest) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	return nil, s.m.StartService(ctx, h, req.Args)
}

// control answers with the status even when delivery failed
func (s *Server) control(ctx context.Context, req *ControlRequest) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	st, err := s.m.ControlService(ctx, h, req.Control)
	return st, err
}

func (s *Server) enum(_ context.Context, req *EnumRequest) (any, error) {
	h, err := s.lookup(req.Manager)
	if err != nil {
		return nil, err
	}
	list, err := s.m.EnumServicesStatus(h, req.Type, req.State, req.Group)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []scm.EnumStatus{}
	}
	return list, nil
}

func (s *Server) displayName(_ context.Context, req *NameRequest) (any, error) {
	h, err := s.lookup(req.Manager)
	if err != nil {
		return nil, err
	}
	name, err := s.m.GetServiceDisplayName(h, req.Name)
	if err != nil {
		return nil, err
	}
	return NameResult{Name: name}, nil
}

func (s *Server) keyName(_ context.Context, req *NameRequest) (any, error) {
	h, err := s.lookup(req.Manager)
	if err != nil {
		return nil, err
	}
	name, err := s.m.GetServiceKeyName(h, req.Name)
	if err != nil {
		return nil, err
	}
	return NameResult{Name: name}, nil
}

func (s *Server) lock(_ context.Context, req *HandleRequest) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	lh, err := s.m.LockServiceDatabase(h)
	if err != nil {
		return nil, err
	}
	return HandleResult{Handle: s.register(lh)}, nil
}

func (s *Server) unlock(_ context.Context, req *HandleRequest) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	lh, ok := h.(*scm.LockHandle)
	if !ok {
		return nil, scm.ErrInvalidServiceLock
	}
	if err := s.m.UnlockServiceDatabase(lh); err != nil {
		return nil, err
	}
	s.forget(req.Handle)
	return nil, nil
}

func (s *Server) closeHandle(_ context.Context, req *HandleRequest) (any, error) {
	h, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	s.forget(req.Handle)
	return nil, s.m.CloseServiceHandle(h)
}
