// Package authmgr implements the external auth manager (spec.md §4.10
// "External Auth Manager (C10)"): a singleton background worker that
// relays SASL steps between one privileged provider connection and any
// number of suspended worker connections, correlated by opaque.
package authmgr

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mcbpd/mcbpd/internal/serverevent"
	"github.com/mcbpd/mcbpd/pkg/logging"
)

var log = logging.Get("authmgr")

// ErrProviderDown is returned (and handed to waiters) once the provider
// connection dies, per spec.md §4.10's "Provider death" invariant.
type providerDownError struct{}

func (providerDownError) Error() string { return "authmgr: provider connection unavailable" }

var ErrProviderDown error = providerDownError{}

// Provider is the narrow surface the manager needs from the registered
// provider connection: enqueue a server-event (the Authenticate /
// ActiveExternalUsers requests) onto it.
type Provider interface {
	Enqueue(serverevent.Event)
}

// pendingRequest is one suspended SASL step awaiting the provider's
// correlated response.
type pendingRequest struct {
	opaque uint32
	result chan stepResult
}

type stepResult struct {
	response []byte
	err      error
}

// Manager owns the provider registration and the opaque-correlated
// request map. Its mutex protects only the request map and the provider
// reference; it is never held while touching a worker connection's
// mutex (spec.md §4.10 "Lock ordering").
type Manager struct {
	mu       sync.Mutex
	provider Provider
	alive    bool

	pending *xsync.MapOf[uint32, *pendingRequest]

	nextOpaque uint32

	broadcastInterval time.Duration
	activeUsers       *xsync.MapOf[string, struct{}]

	stopCh chan struct{}
}

// New constructs a Manager with no provider registered yet.
func New(broadcastInterval time.Duration) *Manager {
	return &Manager{
		pending:           xsync.NewMapOf[uint32, *pendingRequest](),
		activeUsers:       xsync.NewMapOf[string, struct{}](),
		broadcastInterval: broadcastInterval,
	}
}

// RegisterProvider installs the authentication-authority connection,
// replacing any previous one (e.g. after a reconnect).
func (m *Manager) RegisterProvider(p Provider) {
	m.mu.Lock()
	m.provider = p
	m.alive = true
	m.mu.Unlock()
	log.Infof("external auth provider registered")
}

// UnregisterProvider marks the provider dead; every outstanding request
// fails fast with ErrProviderDown, and new requests do too until a
// provider re-registers (spec.md §4.10 "Provider death").
func (m *Manager) UnregisterProvider() {
	m.mu.Lock()
	m.alive = false
	m.provider = nil
	m.mu.Unlock()

	m.pending.Range(func(opaque uint32, req *pendingRequest) bool {
		m.pending.Delete(opaque)
		req.result <- stepResult{err: ErrProviderDown}
		return true
	})
	log.Warnf("external auth provider unregistered; outstanding requests failed")
}

// Authenticate suspends the caller's SASL step, relays it to the
// provider as an Authenticate server-request, and blocks until the
// provider's correlated response arrives or the provider dies.
func (m *Manager) Authenticate(mechanism string, challenge []byte) ([]byte, error) {
	m.mu.Lock()
	if !m.alive || m.provider == nil {
		m.mu.Unlock()
		return nil, ErrProviderDown
	}
	provider := m.provider
	opaque := m.nextOpaque
	m.nextOpaque++
	m.mu.Unlock()

	req := &pendingRequest{opaque: opaque, result: make(chan stepResult, 1)}
	m.pending.Store(opaque, req)

	// Enqueue happens with the manager mutex released, per spec.md §4.10
	// "enqueue onto a worker is always done with the manager mutex
	// released".
	provider.Enqueue(&serverevent.AuthenticationRequest{Mechanism: mechanism, Challenge: challenge, Opaque: opaque})

	res := <-req.result
	return res.response, res.err
}

// CompleteStep is called by the provider connection's response handler
// when a correlated Authenticate reply arrives.
func (m *Manager) CompleteStep(opaque uint32, response []byte, err error) bool {
	req, ok := m.pending.LoadAndDelete(opaque)
	if !ok {
		return false
	}
	req.result <- stepResult{response: response, err: err}
	return true
}

// MarkActiveUser records identity as currently holding a live external
// SASL session, for the next broadcast (spec.md §4.10).
func (m *Manager) MarkActiveUser(identity string) { m.activeUsers.Store(identity, struct{}{}) }

// ClearActiveUser removes identity from the active set (session ended).
func (m *Manager) ClearActiveUser(identity string) { m.activeUsers.Delete(identity) }

// activeUserList snapshots the current active-user set.
func (m *Manager) activeUserList() []string {
	var out []string
	m.activeUsers.Range(func(identity string, _ struct{}) bool {
		out = append(out, identity)
		return true
	})
	return out
}

// Start runs the periodic active-user broadcast loop until Stop is
// called (spec.md §4.10). It is safe to call Start at most once.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	go m.broadcastLoop()
}

func (m *Manager) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
}

func (m *Manager) broadcastLoop() {
	if m.broadcastInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			provider := m.provider
			alive := m.alive
			m.mu.Unlock()
			if !alive || provider == nil {
				continue
			}
			provider.Enqueue(&serverevent.ActiveUserBroadcast{Users: m.activeUserList()})
		}
	}
}
