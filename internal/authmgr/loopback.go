package authmgr

import (
	"strings"

	"github.com/mcbpd/mcbpd/internal/serverevent"
)

// LoopbackProvider answers Authenticate requests in-process instead of
// relaying them to a real external SASL authority connection, standing
// in for the external identity provider spec.md §1 puts out of scope
// (the same simplification Open Question #4 already applies to RBAC
// identity resolution). It implements authmgr.Provider directly —
// Enqueue completes the request synchronously rather than waiting for a
// network round trip — so RegisterProvider(loopback) gives a Manager a
// live, always-up provider without a second listener/protocol.
//
// Grants is a static accept-list of PLAIN authentication identities
// (the authcid field of the \0authzid\0authcid\0passwd payload),
// mirroring rbac.StaticSource's "configuration-loaded map, no real
// backing store" shape.
type LoopbackProvider struct {
	mgr    *Manager
	Grants map[string]bool
}

// NewLoopbackProvider builds a provider and registers it with mgr
// immediately, since a loopback provider never goes down on its own.
func NewLoopbackProvider(mgr *Manager, grants map[string]bool) *LoopbackProvider {
	p := &LoopbackProvider{mgr: mgr, Grants: grants}
	mgr.RegisterProvider(p)
	return p
}

// Enqueue implements Provider. Only *serverevent.AuthenticationRequest is
// meaningful to a loopback provider; ActiveUserBroadcast pushes are
// addressed to a real provider *connection* and have nothing to answer
// here, so they are dropped.
func (p *LoopbackProvider) Enqueue(e serverevent.Event) {
	req, ok := e.(*serverevent.AuthenticationRequest)
	if !ok {
		return
	}
	identity, ok := PlainIdentity(req.Mechanism, req.Challenge)
	if !ok || !p.Grants[identity] {
		p.mgr.CompleteStep(req.Opaque, nil, ErrAuthRejected)
		return
	}
	p.mgr.CompleteStep(req.Opaque, []byte(identity), nil)
}

// ErrAuthRejected is returned to the caller of Authenticate when the
// loopback provider's accept-list does not contain the requested
// identity, distinct from ErrProviderDown (spec.md §4.10 only specifies
// the provider-death error explicitly; this is the natural failure mode
// of a provider that is up but says no).
type authRejectedError struct{}

func (authRejectedError) Error() string { return "authmgr: identity rejected by provider" }

var ErrAuthRejected error = authRejectedError{}

// PlainIdentity extracts the authcid field of a SASL PLAIN payload
// (authzid\0authcid\0passwd). Any other mechanism reports ok=false: this
// loopback provider only understands PLAIN, and internal/commands uses
// the same extraction for its active-user-broadcast label.
func PlainIdentity(mechanism string, challenge []byte) (string, bool) {
	if mechanism != "PLAIN" {
		return "", false
	}
	parts := strings.Split(string(challenge), "\x00")
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
