package profile

import (
	"fmt"
	"sync/atomic"

	"github.com/leadgov-io/warden/internal/role"
)

// Registry holds the current generation of bot profiles. The profile map is
// immutable once installed; Reload swaps in a fresh generation atomically so
// new session binds see the new profiles while existing sessions keep the
// profile pointer they were bound with.
type Registry struct {
	current atomic.Pointer[map[role.Role]*BotProfile]
}

// NewRegistry creates a registry serving the given profile generation.
func NewRegistry(profiles map[role.Role]*BotProfile) *Registry {
	r := &Registry{}
	r.current.Store(&profiles)
	return r
}

// Get returns the profile bound to the role, or ErrProfileNotFound when the
// role has no registered profile (a fatal configuration error; the process
// must refuse binds for that role).
func (reg *Registry) Get(r role.Role) (*BotProfile, error) {
	profiles := *reg.current.Load()
	p, ok := profiles[r]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, r)
	}
	return p, nil
}

// Roles returns the roles with a registered profile in the current generation.
func (reg *Registry) Roles() []role.Role {
	profiles := *reg.current.Load()
	out := make([]role.Role, 0, len(profiles))
	for r := range profiles {
		out = append(out, r)
	}
	return out
}

// Reload atomically installs a new profile generation. Sessions bound before
// the swap keep their already-bound profile reference.
func (reg *Registry) Reload(profiles map[role.Role]*BotProfile) {
	reg.current.Store(&profiles)
}
