package dist

import "fmt"

// ExposurePolicy controls which services and methods remote callers may
// invoke. A nil Allowed set means "allow all". Entries are either a service
// name or "service.method".
type ExposurePolicy struct {
	Allowed map[string]bool // nil = allow all
	Denied  map[string]bool
}

// NewPermissivePolicy creates a policy that exposes everything.
func NewPermissivePolicy() *ExposurePolicy {
	return &ExposurePolicy{}
}

// NewRestrictedPolicy creates a policy that only exposes the given services
// or methods.
func NewRestrictedPolicy(allowed []string) *ExposurePolicy {
	m := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		m[a] = true
	}
	return &ExposurePolicy{Allowed: m}
}

// Check returns an error unless method of service may be invoked.
func (p *ExposurePolicy) Check(service, method string) error {
	full := service + "." + method
	if p.Denied[service] || p.Denied[full] {
		return fmt.Errorf("dist: %s is explicitly denied", full)
	}
	if p.Allowed != nil && !p.Allowed[service] && !p.Allowed[full] {
		return fmt.Errorf("dist: %s is not exposed", full)
	}
	return nil
}

// Deny adds a service or method to the deny list.
func (p *ExposurePolicy) Deny(name string) {
	if p.Denied == nil {
		p.Denied = make(map[string]bool)
	}
	p.Denied[name] = true
}
