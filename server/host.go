// Package server exposes the services of a running container over
// connect-rpc. Messages are plain Go structs encoded with the CBOR codec of
// vm/dist, so no generated protobuf code is needed.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/xvm/vm"
	"github.com/chazu/xvm/vm/dist"
)

var log = commonlog.GetLogger("xvm.server")

// Procedure paths of the host service.
const (
	ServiceName       = "xvm.v1.HostService"
	InvokeProcedure   = "/" + ServiceName + "/Invoke"
	StatusProcedure   = "/" + ServiceName + "/Status"
	ServicesProcedure = "/" + ServiceName + "/Services"
)

// InvokeRequest calls Method of Service with Args.
type InvokeRequest struct {
	Service string       `cbor:"1,keyasint"`
	Method  string       `cbor:"2,keyasint"`
	Args    []dist.Value `cbor:"3,keyasint,omitempty"`
}

// InvokeResponse carries the results of a call, or the exception it raised.
type InvokeResponse struct {
	Results []dist.Value `cbor:"1,keyasint,omitempty"`
	Error   *dist.Value  `cbor:"2,keyasint,omitempty"`
}

// StatusRequest asks for the status of one service, or of all services
// when Service is empty.
type StatusRequest struct {
	Service string `cbor:"1,keyasint,omitempty"`
}

// ServiceStatus describes one service context.
type ServiceStatus struct {
	Name         string         `cbor:"1,keyasint"`
	Status       string         `cbor:"2,keyasint"`
	Reentrancy   string         `cbor:"3,keyasint"`
	Contended    bool           `cbor:"4,keyasint"`
	Fibers       map[string]int `cbor:"5,keyasint,omitempty"`
	RuntimeNanos int64          `cbor:"6,keyasint"`
}

// StatusResponse lists service statuses sorted by name.
type StatusResponse struct {
	Services []ServiceStatus `cbor:"1,keyasint,omitempty"`
	Faults   int             `cbor:"2,keyasint,omitempty"`
}

// ServicesRequest lists the running services.
type ServicesRequest struct{}

// ServicesResponse holds service names sorted alphabetically.
type ServicesResponse struct {
	Names []string `cbor:"1,keyasint,omitempty"`
}

// HostServer serves the host service for a container driven by a runtime.
type HostServer struct {
	container *vm.Container
	runtime   *vm.Runtime
	policy    *dist.ExposurePolicy
	mux       *http.ServeMux
}

// HostOption configures a HostServer.
type HostOption func(*HostServer)

// WithPolicy restricts which services and methods remote callers may invoke.
// Without it every service is exposed.
func WithPolicy(p *dist.ExposurePolicy) HostOption {
	return func(s *HostServer) { s.policy = p }
}

// New creates a HostServer. rt may be nil when the container is driven
// some other way.
func New(c *vm.Container, rt *vm.Runtime, opts ...HostOption) *HostServer {
	s := &HostServer{
		container: c,
		runtime:   rt,
		policy:    dist.NewPermissivePolicy(),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	codec := connect.WithCodec(dist.Codec{})
	s.mux.Handle(InvokeProcedure, connect.NewUnaryHandler(InvokeProcedure, s.Invoke, codec))
	s.mux.Handle(StatusProcedure, connect.NewUnaryHandler(StatusProcedure, s.Status, codec))
	s.mux.Handle(ServicesProcedure, connect.NewUnaryHandler(ServicesProcedure, s.Services, codec))
	return s
}

// Handler returns the HTTP handler serving all procedures.
func (s *HostServer) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is done.
func (s *HostServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Noticef("listening on %s", addr)
	log.Infof("  invoke: http://%s%s", addr, InvokeProcedure)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Invoke calls a method of a service and waits for its results. A language
// exception is reported in the response, not as an RPC error.
func (s *HostServer) Invoke(
	ctx context.Context,
	req *connect.Request[InvokeRequest],
) (*connect.Response[InvokeResponse], error) {
	msg := req.Msg
	if msg.Service == "" || msg.Method == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("service and method are required"))
	}
	if err := s.policy.Check(msg.Service, msg.Method); err != nil {
		return nil, connect.NewError(connect.CodePermissionDenied, err)
	}

	sc := s.container.Lookup(msg.Service)
	if sc == nil {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("service %q not found", msg.Service))
	}
	svc := sc.Service()
	if svc == nil || sc.Status() == vm.StatusTerminated {
		return nil, connect.NewError(connect.CodeUnavailable, fmt.Errorf("service %q is not running", msg.Service))
	}
	m := svc.Type().FindMethod(msg.Method)
	if m == nil {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("%s has no method %q", svc.Type(), msg.Method))
	}
	args, err := dist.ToHandles(s.container, msg.Args)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	fn := s.container.Registry.NewFunction(m)
	var (
		fut *vm.Future
		ex  *vm.ExceptionHandle
	)
	if n := m.ResultCount(); n > 1 {
		fut, ex = sc.SendInvokeNRequest(nil, fn, args, n)
	} else {
		fut, ex = sc.SendInvoke1Request(nil, fn, args, n)
	}
	if ex != nil {
		return connect.NewResponse(exceptionResponse(ex)), nil
	}

	log.Debugf("invoke %s.%s (%d args)", msg.Service, msg.Method, len(args))
	if fut == nil {
		// Void methods complete without a response.
		return connect.NewResponse(&InvokeResponse{}), nil
	}
	vs, err := fut.Wait(ctx)
	if err != nil {
		var lex *vm.ExceptionHandle
		if errors.As(err, &lex) {
			return connect.NewResponse(exceptionResponse(lex)), nil
		}
		return nil, connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	results, err := dist.FromHandles(vs)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("%s.%s: %w", msg.Service, msg.Method, err))
	}
	return connect.NewResponse(&InvokeResponse{Results: results}), nil
}

func exceptionResponse(ex *vm.ExceptionHandle) *InvokeResponse {
	v, err := dist.FromHandle(ex)
	if err != nil {
		v = dist.String(ex.Error())
	}
	return &InvokeResponse{Error: &v}
}

// Status reports the state of one or all services.
func (s *HostServer) Status(
	ctx context.Context,
	req *connect.Request[StatusRequest],
) (*connect.Response[StatusResponse], error) {
	var contexts []*vm.ServiceContext
	if name := req.Msg.Service; name != "" {
		sc := s.container.Lookup(name)
		if sc == nil {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("service %q not found", name))
		}
		contexts = append(contexts, sc)
	} else {
		contexts = s.container.Contexts()
	}

	resp := &StatusResponse{}
	for _, sc := range contexts {
		st := ServiceStatus{
			Name:         sc.Name,
			Status:       sc.Status().String(),
			Reentrancy:   sc.Reentrancy().String(),
			Contended:    sc.IsContended(),
			RuntimeNanos: sc.RuntimeNanos(),
		}
		for status, n := range sc.FiberCounts() {
			if n == 0 {
				continue
			}
			if st.Fibers == nil {
				st.Fibers = make(map[string]int)
			}
			st.Fibers[status.String()] = n
		}
		resp.Services = append(resp.Services, st)
	}
	sort.Slice(resp.Services, func(i, j int) bool { return resp.Services[i].Name < resp.Services[j].Name })
	if s.runtime != nil {
		resp.Faults = len(s.runtime.Faults())
	}
	return connect.NewResponse(resp), nil
}

// Services lists the names of all services.
func (s *HostServer) Services(
	ctx context.Context,
	req *connect.Request[ServicesRequest],
) (*connect.Response[ServicesResponse], error) {
	var names []string
	for _, sc := range s.container.Contexts() {
		names = append(names, sc.Name)
	}
	sort.Strings(names)
	return connect.NewResponse(&ServicesResponse{Names: names}), nil
}
