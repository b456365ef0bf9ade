package vm

import (
	"fmt"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Composition: the type descriptor of a handle
// ---------------------------------------------------------------------------

// Property describes a named property of a composition. A property with no
// getter or setter is backed by a field of the same name.
type Property struct {
	Name     string
	Getter   *Method
	Setter   *Method
	ReadOnly bool
}

// Composition is a flattened type: a name, an optional super composition,
// its properties and its methods.
type Composition struct {
	Name      string
	Super     *Composition
	Immutable bool

	mu         sync.RWMutex
	properties map[string]*Property
	methods    map[string]*Method
}

func newComposition(name string, super *Composition, immutable bool) *Composition {
	return &Composition{
		Name:       name,
		Super:      super,
		Immutable:  immutable,
		properties: make(map[string]*Property),
		methods:    make(map[string]*Method),
	}
}

func (c *Composition) String() string {
	if c == nil {
		return "<nil>"
	}
	return c.Name
}

// IsA reports whether c is other or inherits from it.
func (c *Composition) IsA(other *Composition) bool {
	for t := c; t != nil; t = t.Super {
		if t == other {
			return true
		}
	}
	return false
}

// AddMethod installs m under m.Name and records c as its owner.
func (c *Composition) AddMethod(m *Method) *Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	m.Owner = c
	c.methods[m.Name] = m
	return m
}

// AddProperty installs p.
func (c *Composition) AddProperty(p *Property) *Property {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.properties[p.Name] = p
	return p
}

// FindMethod looks up name on c and then on its supers.
func (c *Composition) FindMethod(name string) *Method {
	for t := c; t != nil; t = t.Super {
		t.mu.RLock()
		m := t.methods[name]
		t.mu.RUnlock()
		if m != nil {
			return m
		}
	}
	return nil
}

// FindProperty looks up name on c and then on its supers.
func (c *Composition) FindProperty(name string) *Property {
	for t := c; t != nil; t = t.Super {
		t.mu.RLock()
		p := t.properties[name]
		t.mu.RUnlock()
		if p != nil {
			return p
		}
	}
	return nil
}

// MethodNames returns the sorted names of the methods declared on c itself.
func (c *Composition) MethodNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Registry: compositions and the native templates that serve them
// ---------------------------------------------------------------------------

// Registry holds every composition known to a container together with the
// native template registered for it. It is owned by a Container; there is no
// process-wide registry.
type Registry struct {
	mu           sync.RWMutex
	compositions map[string]*Composition
	templates    map[*Composition]Template

	Object       *Composition
	Null         *Composition
	Int          *Composition
	String       *Composition
	Boolean      *Composition
	Tuple        *Composition
	Array        *Composition
	Function     *Composition
	Service      *Composition
	Proxy        *Composition
	Future       *Composition
	Exception    *Composition
	TimedOut     *Composition
	NotShareable *Composition
	Terminated   *Composition
	ReadOnly     *Composition
	Unsupported  *Composition
	IllegalState *Composition
	OutOfBounds  *Composition

	null *NullHandle
	yes  *BoolHandle
	no   *BoolHandle
}

// NewRegistry creates a registry populated with the well-known compositions
// and their templates.
func NewRegistry() *Registry {
	r := &Registry{
		compositions: make(map[string]*Composition),
		templates:    make(map[*Composition]Template),
	}

	r.Object = r.Define("Object", nil, false)
	r.Null = r.Define("Nullable", r.Object, true)
	r.Int = r.Define("Int", r.Object, true)
	r.String = r.Define("String", r.Object, true)
	r.Boolean = r.Define("Boolean", r.Object, true)
	r.Tuple = r.Define("Tuple", r.Object, true)
	r.Array = r.Define("Array", r.Object, false)
	r.Function = r.Define("Function", r.Object, true)
	r.Service = r.Define("Service", r.Object, false)
	r.Proxy = r.Define("Proxy", r.Object, true)
	r.Future = r.Define("Future", r.Object, true)

	r.Exception = r.Define("Exception", r.Object, true)
	r.TimedOut = r.Define("TimedOut", r.Exception, true)
	r.NotShareable = r.Define("NotShareable", r.Exception, true)
	r.Terminated = r.Define("ServiceTerminated", r.Exception, true)
	r.ReadOnly = r.Define("ReadOnly", r.Exception, true)
	r.Unsupported = r.Define("Unsupported", r.Exception, true)
	r.IllegalState = r.Define("IllegalState", r.Exception, true)
	r.OutOfBounds = r.Define("OutOfBounds", r.Exception, true)

	r.RegisterTemplate(r.Object, objectTemplate{})
	r.RegisterTemplate(r.Service, serviceTemplate{})
	r.RegisterTemplate(r.Proxy, proxyTemplate{})

	r.null = &NullHandle{comp: r.Null}
	r.yes = &BoolHandle{comp: r.Boolean, Value: true}
	r.no = &BoolHandle{comp: r.Boolean, Value: false}
	return r
}

// Define creates and registers a composition. Defining an existing name
// returns the existing composition.
func (r *Registry) Define(name string, super *Composition, immutable bool) *Composition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.compositions[name]; ok {
		return c
	}
	c := newComposition(name, super, immutable)
	r.compositions[name] = c
	return c
}

// Lookup finds a composition by name.
func (r *Registry) Lookup(name string) (*Composition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compositions[name]
	return c, ok
}

// MustLookup is Lookup that panics on an unknown name.
func (r *Registry) MustLookup(name string) *Composition {
	c, ok := r.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("vm: unknown composition %q", name))
	}
	return c
}

// RegisterTemplate installs the native template for c and its descendants.
func (r *Registry) RegisterTemplate(c *Composition, t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[c] = t
}

// TemplateOf returns the template registered for c or its nearest super.
func (r *Registry) TemplateOf(c *Composition) Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for t := c; t != nil; t = t.Super {
		if tmpl, ok := r.templates[t]; ok {
			return tmpl
		}
	}
	return objectTemplate{}
}
