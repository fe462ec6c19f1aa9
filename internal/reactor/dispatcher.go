package reactor

import (
	"net"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
)

// Dispatcher is the accept loop (spec.md §4.6 "Dispatcher (C6)"): it owns
// the listening sockets and hands each accepted connection to one of a
// fixed pool of ReactorThreads, placed by an xxhash of the remote address
// (round-robin when the address cannot be read) so that a
// given remote address tends to land on the same reactor across
// reconnects (spec.md §4.6 "placement should be sticky where practical").
// Each reactor already knows how to build a Connection/Machine pair for
// whatever it Adopts, since that's the build func it was started with.
type Dispatcher struct {
	reactors []*ReactorThread
	next     uint64

	// systemQuota and userQuota bound the number of concurrent
	// connections on each port class independently (spec.md §4.6 "system
	// connections get their own budget" / "reject new non-system
	// connections past the configured limit"). Both slots are held for
	// the connection's entire lifetime and released from the reactor's
	// onClose callback once its state machine reaches StateDestroyed or
	// its reader pump sees the peer close,
	// mirroring the teacher's original_source/daemon/connections.cc
	// accounting (ListeningPort::curr_conns incremented in conn_new,
	// decremented in conn_immediate_close at teardown) rather than
	// releasing right after handoff.
	systemQuota *semaphore.Weighted
	userQuota   *semaphore.Weighted
}

// NewDispatcher constructs a Dispatcher over an already-running reactor
// pool. systemPortQuota and userPortQuota are the live connection
// ceilings for system and non-system listeners respectively (spec.md
// §4.6; bound to --max-system-connections / --max-user-connections).
func NewDispatcher(reactors []*ReactorThread, systemPortQuota, userPortQuota int64) *Dispatcher {
	return &Dispatcher{
		reactors:    reactors,
		systemQuota: semaphore.NewWeighted(systemPortQuota),
		userQuota:   semaphore.NewWeighted(userPortQuota),
	}
}

// placementFor hashes a connection's remote address to choose a reactor,
// falling back to plain round-robin when the address can't be read
// (spec.md §4.6).
func (d *Dispatcher) placementFor(raw net.Conn) *ReactorThread {
	addr := ""
	if ra := raw.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	if addr == "" {
		idx := d.next % uint64(len(d.reactors))
		d.next++
		return d.reactors[idx]
	}
	h := xxhash.Sum64String(addr)
	return d.reactors[h%uint64(len(d.reactors))]
}

// Serve accepts connections from ln until it returns an error (listener
// closed), dispatching each to a reactor. isSystem marks a system-port
// listener whose connections draw from systemQuota instead of
// userQuota. Either quota being exhausted rejects the new connection
// outright by closing it without ever handing it to a reactor (spec.md
// §4.6 "reject new non-system connections past the configured limit").
func (d *Dispatcher) Serve(ln net.Listener, isSystem bool) error {
	quota := d.userQuota
	if isSystem {
		quota = d.systemQuota
	}
	for {
		raw, err := ln.Accept()
		if err != nil {
			return err
		}
		if !quota.TryAcquire(1) {
			_ = raw.Close()
			continue
		}
		d.dispatch(raw, func() { quota.Release(1) })
	}
}

func (d *Dispatcher) dispatch(raw net.Conn, release func()) {
	r := d.placementFor(raw)
	r.Adopt(raw, release)
}

// Stop halts every reactor in the pool.
func (d *Dispatcher) Stop() {
	for _, r := range d.reactors {
		r.Stop()
	}
}
