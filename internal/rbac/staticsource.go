package rbac

import "sync"

// StaticSource is a process-local Source backed by a configuration-loaded
// identity-to-privilege map, standing in for the external RBAC metadata
// store spec.md §1 puts out of scope. It is deliberately simple: no
// persistence, no revocation feed beyond Bump.
type StaticSource struct {
	mu         sync.RWMutex
	generation uint64
	grants     map[string][PrivCount]bool
}

// NewStaticSource builds a Source with one set of granted privileges per
// identity, shared across every bucket name (buckets are not
// independently scoped here, matching the single-bucket default this
// daemon is configured with, spec.md §3).
func NewStaticSource(grants map[string][PrivCount]bool) *StaticSource {
	return &StaticSource{generation: 1, grants: grants}
}

func (s *StaticSource) CurrentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *StaticSource) Resolve(identity, bucket string) ([PrivCount]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	granted, ok := s.grants[identity]
	if !ok {
		return [PrivCount]bool{}, nil
	}
	return granted, nil
}

// Bump advances the generation counter, forcing every outstanding
// PrivilegeContext to report Stale on its next Check (spec.md §4.6 "an
// admin pushed a new RBAC config").
func (s *StaticSource) Bump() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

// SetGrants replaces one identity's privilege set and bumps the
// generation so it takes effect on already-established connections.
func (s *StaticSource) SetGrants(identity string, granted [PrivCount]bool) {
	s.mu.Lock()
	s.grants[identity] = granted
	s.generation++
	s.mu.Unlock()
}

// AllPrivileges is a convenience grant set used for the default
// "full-access" identity in single-tenant deployments.
func AllPrivileges() [PrivCount]bool {
	var g [PrivCount]bool
	for i := range g {
		g[i] = true
	}
	return g
}
