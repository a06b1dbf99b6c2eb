package permission

import (
	"errors"
	"sort"
	"sync"
)

// RoleManager maps roles to registered permission names.
type RoleManager struct {
	registry *Registry

	mu     sync.RWMutex
	roles  map[string][]string
	frozen bool
}

// NewRoleManager returns a RoleManager that validates against registry.
func NewRoleManager(registry *Registry) *RoleManager {
	return &RoleManager{
		registry: registry,
		roles:    make(map[string][]string),
	}
}

// FromMap registers every permission named in roles, then every role, and
// freezes both. It is the usual way to build a RoleManager from config.
func FromMap(roles map[string][]string) (*RoleManager, error) {
	reg := NewRegistry()
	for _, perms := range roles {
		for _, p := range perms {
			if reg.Has(p) {
				continue
			}
			if err := reg.Register(p); err != nil {
				return nil, err
			}
		}
	}
	reg.Freeze()

	rm := NewRoleManager(reg)
	for role, perms := range roles {
		if err := rm.RegisterRole(role, perms); err != nil {
			return nil, err
		}
	}
	rm.Freeze()
	return rm, nil
}

// RegisterRole grants permissionNames to roleName. Every name must already
// be registered.
func (rm *RoleManager) RegisterRole(roleName string, permissionNames []string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.frozen {
		return errors.New("role manager frozen")
	}
	if roleName == "" {
		return errors.New("role name empty")
	}
	if _, exists := rm.roles[roleName]; exists {
		return errors.New("role already registered")
	}

	for _, perm := range permissionNames {
		if !rm.registry.Has(perm) {
			return errors.New("permission not registered: " + perm)
		}
	}

	rm.roles[roleName] = dedupe(permissionNames)
	return nil
}

// Permissions returns the permissions granted to roleName.
func (rm *RoleManager) Permissions(roleName string) ([]string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	perms, ok := rm.roles[roleName]
	if !ok {
		return nil, false
	}
	return append([]string(nil), perms...), true
}

// Expand returns the sorted union of explicit and the permissions of every
// known role in roles. Unknown roles grant nothing.
func (rm *RoleManager) Expand(roles, explicit []string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	all := append([]string(nil), explicit...)
	for _, role := range roles {
		all = append(all, rm.roles[role]...)
	}
	return dedupe(all)
}

// Freeze prevents further role registrations.
func (rm *RoleManager) Freeze() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.frozen = true
}

// Count returns the number of registered roles.
func (rm *RoleManager) Count() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.roles)
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
