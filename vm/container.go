package vm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("xvm.vm")

// DefaultOpBudget is the number of ops a fiber runs before it is paused.
const DefaultOpBudget = 10

// Config holds the engine settings shared by the contexts of a container.
type Config struct {
	OpBudget    int
	Reentrancy  Reentrancy
	CallTimeout time.Duration
	// AbortOnFault stops the whole runtime on a host fault instead of only
	// removing the faulty service.
	AbortOnFault bool
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{OpBudget: DefaultOpBudget, Reentrancy: Prioritized}
}

// Tracer observes traffic between contexts.
type Tracer interface {
	// MessageEnqueued is called after req was queued on sc.
	MessageEnqueued(sc *ServiceContext, req Request)
	// ResponseSent is called when sc answers a request.
	ResponseSent(sc *ServiceContext, resp *Response)
}

// ---------------------------------------------------------------------------
// Container: the set of service contexts of one VM
// ---------------------------------------------------------------------------

// Container owns the registry and the service contexts of one VM instance.
type Container struct {
	Registry *Registry
	Heap     *ObjectHeap

	config    Config
	unhandled UnhandledExceptionHook
	tracer    Tracer

	mu       sync.RWMutex
	contexts map[int]*ServiceContext
	byName   map[string]*ServiceContext
	retired  []*ServiceContext
	nextID   int
	fiberIDs atomic.Int64

	schedMu   sync.RWMutex
	scheduler func(*ServiceContext)
}

// ContainerOption configures a Container.
type ContainerOption func(*Container)

// WithConfig sets the engine settings.
func WithConfig(cfg Config) ContainerOption {
	return func(c *Container) {
		if cfg.OpBudget <= 0 {
			cfg.OpBudget = DefaultOpBudget
		}
		c.config = cfg
	}
}

// WithRegistry uses reg instead of a fresh registry.
func WithRegistry(reg *Registry) ContainerOption {
	return func(c *Container) { c.Registry = reg }
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) ContainerOption {
	return func(c *Container) { c.tracer = t }
}

// WithDefaultUnhandledExceptionHook replaces the logging default hook.
func WithDefaultUnhandledExceptionHook(h UnhandledExceptionHook) ContainerOption {
	return func(c *Container) {
		if h != nil {
			c.unhandled = h
		}
	}
}

// NewContainer creates an empty container.
func NewContainer(opts ...ContainerOption) *Container {
	c := &Container{
		Heap:      NewObjectHeap(),
		config:    DefaultConfig(),
		unhandled: logUnhandled,
		contexts:  make(map[int]*ServiceContext),
		byName:    make(map[string]*ServiceContext),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	return c
}

func logUnhandled(sc *ServiceContext, ex *ExceptionHandle) {
	log.Errorf("unhandled exception in service %s: %s", sc.Name, ex.StackTrace())
}

// Config returns the engine settings.
func (c *Container) Config() Config { return c.config }

func (c *Container) nextFiberID() int64 { return c.fiberIDs.Add(1) }

// NewServiceContext creates a context with the container's defaults. The
// name must be unique; an empty name is generated.
func (c *Container) NewServiceContext(name string, opts ...ContextOption) (*ServiceContext, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if name == "" {
		name = fmt.Sprintf("service-%d", id)
	}
	if _, exists := c.byName[name]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("service %q already exists", name)
	}
	sc := &ServiceContext{
		ID:        id,
		Name:      name,
		container: c,
		opBudget:  c.config.OpBudget,
		timeout:   c.config.CallTimeout,
	}
	sc.reentrancy.Store(int32(c.config.Reentrancy))
	for _, opt := range opts {
		opt(sc)
	}
	c.contexts[id] = sc
	c.byName[name] = sc
	c.mu.Unlock()

	log.Infof("created service context %s", sc)
	return sc, nil
}

// RemoveServiceContext terminates sc. Work still queued on it is failed
// with ServiceTerminated by the context's own scheduler.
func (c *Container) RemoveServiceContext(sc *ServiceContext) {
	sc.gate.Lock()
	old := ServiceStatus(sc.status.Swap(int32(StatusTerminated)))
	sc.gate.Unlock()
	if old == StatusTerminated {
		return
	}

	c.mu.Lock()
	delete(c.contexts, sc.ID)
	if c.byName[sc.Name] == sc {
		delete(c.byName, sc.Name)
	}
	c.retired = append(c.retired, sc)
	c.mu.Unlock()

	log.Infof("removed service context %s", sc)
	c.schedule(sc)
}

// Lookup finds a live context by name.
func (c *Container) Lookup(name string) *ServiceContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[name]
}

// Contexts returns the live contexts ordered by id.
func (c *Container) Contexts() []*ServiceContext {
	c.mu.RLock()
	list := make([]*ServiceContext, 0, len(c.contexts))
	for _, sc := range c.contexts {
		list = append(list, sc)
	}
	c.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// ConstructService creates a context named name and sends it a construct
// request. caller is nil when the host constructs the service.
func (c *Container) ConstructService(caller *Frame, name string, comp *Composition, ctor *Method,
	args []ObjectHandle, opts ...ContextOption) (*ServiceContext, *Future, error) {
	sc, err := c.NewServiceContext(name, opts...)
	if err != nil {
		return nil, nil, err
	}
	fut, ex := sc.SendConstructRequest(caller, comp, ctor, args)
	if ex != nil {
		c.RemoveServiceContext(sc)
		return nil, nil, ex
	}
	return sc, fut, nil
}

// IsIdle reports whether no live context has pending work.
func (c *Container) IsIdle() bool {
	for _, sc := range c.Contexts() {
		if sc.IsContended() {
			return false
		}
	}
	return true
}

// Shutdown asks every context to stop accepting requests.
func (c *Container) Shutdown() {
	for _, sc := range c.Contexts() {
		sc.Shutdown()
	}
}

// Pump drives every context on the calling goroutine until none of them
// can make progress, and returns the number of Run calls. It must not be
// used while a Runtime is attached.
func (c *Container) Pump() int {
	total := 0
	for {
		progress := 0
		for _, sc := range c.pumpList() {
			n, _ := sc.drive()
			progress += n
		}
		total += progress
		if progress == 0 {
			return total
		}
	}
}

func (c *Container) pumpList() []*ServiceContext {
	list := c.Contexts()
	c.mu.Lock()
	list = append(list, c.retired...)
	c.retired = nil
	c.mu.Unlock()
	return list
}

// setScheduler installs the function that hands a context to a worker.
func (c *Container) setScheduler(fn func(*ServiceContext)) {
	c.schedMu.Lock()
	c.scheduler = fn
	c.schedMu.Unlock()
}

// schedule notifies the attached runtime that sc has work.
func (c *Container) schedule(sc *ServiceContext) {
	c.schedMu.RLock()
	fn := c.scheduler
	c.schedMu.RUnlock()
	if fn != nil {
		fn(sc)
	}
}

// wakeAfter schedules sc once d has elapsed so that expired deadlines are
// noticed without other traffic.
func (c *Container) wakeAfter(sc *ServiceContext, d time.Duration) {
	time.AfterFunc(d, func() { c.schedule(sc) })
}
