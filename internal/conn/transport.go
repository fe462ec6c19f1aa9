// Package conn implements the Connection contract (spec.md §4.3) and the
// transport abstraction that backs it. Mirrors the teacher's
// IClientConnector/IServerConnector split in rpc/transport/base — a
// transport answers "how do I get raw bytes on the wire" (plain TCP vs
// TLS) while Connection owns the protocol-level behavior on top of it.
package conn

import (
	"crypto/tls"
	"net"
	"sync/atomic"
)

// Transport upgrades an accepted net.Conn into whatever this listener
// requires (nothing for plain TCP, a handshake for TLS), per spec.md §9
// ("model as a base connection with a capability set and a transport
// trait/interface; TLS wraps a raw byte transport with a pre-connection
// handshake state").
type Transport interface {
	Name() string
	Upgrade(raw net.Conn) (net.Conn, error)
}

// TCPTransport is the identity transport: no upgrade needed.
type TCPTransport struct{}

func (TCPTransport) Name() string { return "tcp" }
func (TCPTransport) Upgrade(raw net.Conn) (net.Conn, error) { return raw, nil }

// TLSTransport wraps connections in a shared *tls.Config, following
// spec.md §9's guidance to share one long-lived TLS context per
// listening port and rotate it atomically on certificate refresh;
// AtomicConfig provides that rotation point.
type TLSTransport struct {
	Config *AtomicTLSConfig
}

func (TLSTransport) Name() string { return "tls" }

func (t TLSTransport) Upgrade(raw net.Conn) (net.Conn, error) {
	cfg := t.Config.Load()
	tlsConn := tls.Server(raw, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// AtomicTLSConfig holds a *tls.Config behind an atomic pointer so
// certificate rotation never races an in-progress handshake (spec.md §9:
// "accepted sessions hold a reference; rotate the context atomically").
type AtomicTLSConfig struct {
	ptr atomic.Pointer[tls.Config]
}

func NewAtomicTLSConfig(cfg *tls.Config) *AtomicTLSConfig {
	a := &AtomicTLSConfig{}
	a.Store(cfg)
	return a
}

func (a *AtomicTLSConfig) Load() *tls.Config     { return a.ptr.Load() }
func (a *AtomicTLSConfig) Store(cfg *tls.Config) { a.ptr.Store(cfg) }
