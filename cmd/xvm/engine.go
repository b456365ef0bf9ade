package main

import (
	"context"
	"fmt"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/xvm/journal"
	"github.com/chazu/xvm/lib/builtin"
	"github.com/chazu/xvm/manifest"
	"github.com/chazu/xvm/server"
	"github.com/chazu/xvm/vm"
	"github.com/chazu/xvm/vm/dist"
)

var log = commonlog.GetLogger("xvm.cmd")

// defaultServices are started when the manifest declares none.
var defaultServices = map[string]manifest.ServiceSpec{
	"counter": {Template: "Counter"},
	"echo":    {Template: "Echo"},
}

// engine is a running container with its runtime, journal and host.
type engine struct {
	container *vm.Container
	runtime   *vm.Runtime
	host      *server.HostServer
	journal   *journal.SQLiteSink
}

func startEngine(ctx context.Context, m *manifest.Manifest) (*engine, error) {
	cfg, err := m.EngineConfig()
	if err != nil {
		return nil, err
	}
	opts := []vm.ContainerOption{vm.WithConfig(cfg)}

	e := &engine{}
	if path := m.JournalPath(); path != "" {
		if e.journal, err = journal.Open(path); err != nil {
			return nil, err
		}
		opts = append(opts, vm.WithTracer(e.journal))
		log.Infof("journal: %s", path)
	}

	e.container = vm.NewContainer(opts...)
	catalog := builtin.Install(e.container.Registry)
	e.runtime = vm.NewRuntime(e.container, m.Engine.Workers)
	e.runtime.Start(ctx)

	var hostOpts []server.HostOption
	if len(m.Server.Expose) > 0 {
		hostOpts = append(hostOpts, server.WithPolicy(dist.NewRestrictedPolicy(m.Server.Expose)))
	}
	e.host = server.New(e.container, e.runtime, hostOpts...)

	services := m.Services
	if len(services) == 0 {
		services = defaultServices
	}
	if err := e.construct(ctx, catalog, services); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// construct starts every service and waits for all constructors.
func (e *engine) construct(ctx context.Context, catalog builtin.Catalog, services map[string]manifest.ServiceSpec) error {
	futures := make(map[string]*vm.Future, len(services))
	for name, spec := range services {
		opts, err := spec.ContextOptions()
		if err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		args, err := spec.ArgHandles(e.container.Registry)
		if err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		_, fut, err := catalog.Construct(e.container, name, spec.Template, args, opts...)
		if err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		futures[name] = fut
	}
	for name, fut := range futures {
		if _, err := fut.Wait(ctx); err != nil {
			return fmt.Errorf("constructing %q: %w", name, err)
		}
		log.Debugf("started service %s", name)
	}
	return nil
}

// invoke calls a service in-process through the host handler.
func (e *engine) invoke(ctx context.Context, service, method string, args []dist.Value) (*server.InvokeResponse, error) {
	resp, err := e.host.Invoke(ctx, connect.NewRequest(&server.InvokeRequest{
		Service: service,
		Method:  method,
		Args:    args,
	}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (e *engine) close() {
	if e.runtime != nil {
		e.container.Shutdown()
		if err := e.runtime.Stop(); err != nil {
			log.Errorf("runtime: %s", err)
		}
	}
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			log.Errorf("journal: %s", err)
		}
	}
}
