// Package rbac implements the per-cookie privilege check funnel (spec.md
// §4.6 "Auth/RBAC funnel"): PrivilegeContext.check, Stale-triggered
// rebuild, and a process-wide snapshot cache so a rebuild for one
// connection can be reused by another connection authenticated as the
// same identity against the same bucket. The cache uses
// hashicorp/golang-lru the way the teacher reaches for an off-the-shelf
// collection type (xsync.MapOf, google/btree) instead of hand-rolling one.
package rbac

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/mcbpd/mcbpd/pkg/logging"
)

var log = logging.Get("rbac")

// Privilege enumerates the operations a PrivilegeContext can be asked
// about (spec.md §4.6). Kept as a small closed set rather than a string
// to make Check a cheap array index.
type Privilege int

const (
	PrivRead Privilege = iota
	PrivWrite
	PrivDelete
	PrivFlush
	PrivStats
	PrivManageBuckets
	PrivNodeSupervisor
	PrivSystem
	PrivCount
)

// Result is the three-way outcome spec.md §4.6 requires: Ok, Fail, or
// Stale (the snapshot itself needs a rebuild before the answer is
// trustworthy).
type Result int

const (
	Ok Result = iota
	Fail
	Stale
)

// generation counts RBAC metadata reloads process-wide (e.g. an admin
// pushed a new RBAC config); snapshots older than the current generation
// report Stale on next Check.
type Context struct {
	identity   string
	bucket     string
	generation uint64
	privileges [PrivCount]bool
	debug      bool
}

// Source resolves (identity, bucket) to a fresh set of granted
// privileges and the generation they were computed against; provided by
// whatever owns the authoritative RBAC metadata (out of scope here,
// per spec.md §1).
type Source interface {
	CurrentGeneration() uint64
	Resolve(identity, bucket string) (granted [PrivCount]bool, err error)
}

// New builds a PrivilegeContext already populated from source, as if it
// had just been rebuilt once (spec.md §4.6 "initial fetch on auth").
func New(identity, bucket string, source Source) (*Context, error) {
	c := &Context{identity: identity, bucket: bucket}
	if err := c.rebuild(source); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Context) rebuild(source Source) error {
	granted, err := source.Resolve(c.identity, c.bucket)
	if err != nil {
		return err
	}
	c.privileges = granted
	c.generation = source.CurrentGeneration()
	return nil
}

// SetDebug toggles privilege-debug logging for this context (spec.md §9
// Open Question: off by default, config-gated — cmd/mcbpd/serve sets it
// from config.ServerConfig.PrivilegeDebug).
func (c *Context) SetDebug(v bool) { c.debug = v }

// Check implements spec.md §4.6's check(privilege) -> {Ok, Fail, Stale}.
// It never rebuilds itself; the caller (dispatch, C7) is responsible for
// calling Manager.Rebuild on Stale and retrying, up to the configured
// cap.
func (c *Context) Check(p Privilege, source Source) Result {
	if c.generation != source.CurrentGeneration() {
		return Stale
	}
	if p < 0 || p >= PrivCount {
		return Fail
	}
	if !c.privileges[p] {
		if c.debug {
			log.Debugf("privilege denied: identity=%s bucket=%s priv=%d", c.identity, c.bucket, p)
		}
		return Fail
	}
	return Ok
}

// Drop clears all privileges, used when a bucket is deleted or the
// connection's auth is revoked mid-session (spec.md §4.6 "drop").
func (c *Context) Drop() {
	c.privileges = [PrivCount]bool{}
}

// snapshotKey identifies one (identity, bucket) pair in the process-wide
// cache.
type snapshotKey struct {
	identity string
	bucket   string
}

// Manager owns the process-wide rebuild cache and the rebuild-attempt
// cap (spec.md §4.6: "max 100 attempts" before giving up and
// disconnecting).
type Manager struct {
	source       Source
	cache        *lru.Cache
	maxRebuilds  int
}

// NewManager constructs a Manager with a bounded LRU cache of recent
// (identity, bucket) -> granted-set snapshots, sized cacheSize entries.
func NewManager(source Source, cacheSize, maxRebuilds int) (*Manager, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{source: source, cache: cache, maxRebuilds: maxRebuilds}, nil
}

// Build returns a ready PrivilegeContext for (identity, bucket), serving
// from the snapshot cache when the cached generation is current.
func (m *Manager) Build(identity, bucket string) (*Context, error) {
	key := snapshotKey{identity: identity, bucket: bucket}
	if cached, ok := m.cache.Get(key); ok {
		snap := cached.(*Context)
		if snap.generation == m.source.CurrentGeneration() {
			copy := *snap
			return &copy, nil
		}
	}
	c, err := New(identity, bucket, m.source)
	if err != nil {
		return nil, err
	}
	m.cache.Add(key, c)
	return c, nil
}

// Rebuild retries a Stale context's snapshot up to maxRebuilds times,
// evicting the stale cache entry first so concurrent rebuilders don't
// keep re-reading the same stale copy (spec.md §4.6).
func (m *Manager) Rebuild(c *Context, attempt int) (Result, error) {
	if attempt >= m.maxRebuilds {
		return Fail, nil
	}
	key := snapshotKey{identity: c.identity, bucket: c.bucket}
	m.cache.Remove(key)
	if err := c.rebuild(m.source); err != nil {
		return Fail, err
	}
	m.cache.Add(key, c)
	return Ok, nil
}

// MaxRebuilds exposes the configured cap so callers can bound their
// retry loop without reaching into Manager internals.
func (m *Manager) MaxRebuilds() int { return m.maxRebuilds }
