// Package manifest handles xvm.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/xvm/vm"
)

// FileName is the name of the configuration file.
const FileName = "xvm.toml"

// Manifest represents an xvm.toml configuration.
type Manifest struct {
	Engine   Engine                 `toml:"engine"`
	Log      Log                    `toml:"log"`
	Journal  Journal                `toml:"journal"`
	Server   Server                 `toml:"server"`
	Services map[string]ServiceSpec `toml:"services"`

	// Dir is the directory containing the xvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Engine configures the scheduler.
type Engine struct {
	OpBudget     int      `toml:"op-budget"`
	Workers      int      `toml:"workers"`
	Reentrancy   string   `toml:"reentrancy"`
	CallTimeout  Duration `toml:"call-timeout"`
	AbortOnFault bool     `toml:"abort-on-fault"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Journal configures the message journal. An empty path disables it.
type Journal struct {
	Path string `toml:"path"`
}

// Server configures the RPC host.
type Server struct {
	Addr   string   `toml:"addr"`
	Expose []string `toml:"expose"`
}

// ServiceSpec declares a service started with the engine.
type ServiceSpec struct {
	Template    string   `toml:"template"`
	Reentrancy  string   `toml:"reentrancy"`
	CallTimeout Duration `toml:"call-timeout"`
	Args        []any    `toml:"args"`
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no xvm.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

// Load parses the xvm.toml file in the given directory.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses the configuration file at path.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	m.applyDefaults()
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find an xvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() {
	if m.Engine.OpBudget <= 0 {
		m.Engine.OpBudget = vm.DefaultOpBudget
	}
	if m.Engine.Workers <= 0 {
		m.Engine.Workers = 4
	}
	if m.Server.Addr == "" {
		m.Server.Addr = "localhost:7411"
	}
	if m.Services == nil {
		m.Services = make(map[string]ServiceSpec)
	}
}

func (m *Manifest) validate() error {
	if _, err := vm.ParseReentrancy(m.Engine.Reentrancy); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	for _, name := range m.ServiceNames() {
		s := m.Services[name]
		if s.Template == "" {
			return fmt.Errorf("service %q: template is required", name)
		}
		if _, err := vm.ParseReentrancy(s.Reentrancy); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
	}
	return nil
}

// EngineConfig converts the [engine] section to container settings.
func (m *Manifest) EngineConfig() (vm.Config, error) {
	r, err := vm.ParseReentrancy(m.Engine.Reentrancy)
	if err != nil {
		return vm.Config{}, err
	}
	return vm.Config{
		OpBudget:     m.Engine.OpBudget,
		Reentrancy:   r,
		CallTimeout:  m.Engine.CallTimeout.Duration,
		AbortOnFault: m.Engine.AbortOnFault,
	}, nil
}

// ServiceNames returns the declared service names in order.
func (m *Manifest) ServiceNames() []string {
	names := make([]string, 0, len(m.Services))
	for name := range m.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JournalPath returns the journal path resolved against Dir, or "" when the
// journal is disabled.
func (m *Manifest) JournalPath() string {
	if m.Journal.Path == "" || filepath.IsAbs(m.Journal.Path) {
		return m.Journal.Path
	}
	return filepath.Join(m.Dir, m.Journal.Path)
}

// ContextOptions returns the per-service overrides of the engine settings.
func (s ServiceSpec) ContextOptions() ([]vm.ContextOption, error) {
	var opts []vm.ContextOption
	if s.Reentrancy != "" {
		r, err := vm.ParseReentrancy(s.Reentrancy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, vm.WithReentrancy(r))
	}
	if s.CallTimeout.Duration > 0 {
		opts = append(opts, vm.WithCallTimeout(s.CallTimeout.Duration))
	}
	return opts, nil
}

// ArgHandles converts the constructor arguments to handles. Integers,
// strings and booleans are supported; arrays become tuples.
func (s ServiceSpec) ArgHandles(reg *vm.Registry) ([]vm.ObjectHandle, error) {
	return argHandles(reg, s.Args)
}

func argHandles(reg *vm.Registry, args []any) ([]vm.ObjectHandle, error) {
	out := make([]vm.ObjectHandle, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case int64:
			out[i] = reg.Int64(v)
		case string:
			out[i] = reg.Str(v)
		case bool:
			out[i] = reg.Bool(v)
		case []any:
			elems, err := argHandles(reg, v)
			if err != nil {
				return nil, err
			}
			out[i] = reg.NewTuple(elems...)
		default:
			return nil, fmt.Errorf("unsupported argument %v (%T)", a, a)
		}
	}
	return out, nil
}
