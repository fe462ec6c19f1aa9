// Package statemachine drives one connection through the states in
// spec.md §4.4: tls_init -> new_cmd -> waiting -> read_packet_header ->
// parse_cmd -> read_packet_body -> validate -> execute -> send_data ->
// drain_send_buffer -> (ship_log for duplex CDC) -> pending_close ->
// immediate_close -> destroyed.
package statemachine

import (
	"context"

	"github.com/mcbpd/mcbpd/internal/conn"
	"github.com/mcbpd/mcbpd/internal/cookie"
	"github.com/mcbpd/mcbpd/internal/dispatch"
	"github.com/mcbpd/mcbpd/internal/engine"
	"github.com/mcbpd/mcbpd/internal/errcode"
	"github.com/mcbpd/mcbpd/internal/rbac"
	"github.com/mcbpd/mcbpd/internal/wire"
	"github.com/mcbpd/mcbpd/pkg/logging"
)

var log = logging.Get("statemachine")

// State is one node of spec.md §4.4's transition table.
type State int

const (
	StateTLSInit State = iota
	StateNewCmd
	StateWaiting
	StateReadPacketHeader
	StateParseCmd
	StateReadPacketBody
	StateValidate
	StateExecute
	StateExecuteResume
	StateSendData
	StateDrainSendBuffer
	StateShipLog
	StatePendingClose
	StateImmediateClose
	StateDestroyed
)

func (s State) String() string {
	names := [...]string{
		"tls_init", "new_cmd", "waiting", "read_packet_header", "parse_cmd",
		"read_packet_body", "validate", "execute", "execute_resume", "send_data",
		"drain_send_buffer", "ship_log", "pending_close", "immediate_close",
		"destroyed",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// Machine is the per-connection driver. One Machine per Connection,
// invoked only from the owning reactor goroutine (spec.md §5: "handler
// code is never preempted").
type Machine struct {
	Conn       *conn.Connection
	Bucket     engine.Bucket
	Table      *dispatch.Table
	PrivMgr    *rbac.Manager
	PrivSource rbac.Source

	PrivilegeDebug bool

	state      State
	current    *cookie.Cookie
	writeAndGo State
	resumeCode errcode.Code

	bucketDying func() bool
}

// New constructs a Machine in its initial state (spec.md §4.4: tls_init
// if TLS else new_cmd). isTLS is decided by which Transport accepted the
// connection.
func New(c *conn.Connection, bucket engine.Bucket, table *dispatch.Table, privMgr *rbac.Manager, privSource rbac.Source, isTLS bool) *Machine {
	m := &Machine{
		Conn: c, Bucket: bucket, Table: table, PrivMgr: privMgr, PrivSource: privSource,
		bucketDying: func() bool { return false },
	}
	if isTLS {
		m.state = StateTLSInit
	} else {
		m.state = StateNewCmd
	}
	return m
}

// SetBucketDyingCheck installs the cancellation hook spec.md §4.5
// describes: consulted at the top of every handler that would dispatch
// engine work.
func (m *Machine) SetBucketDyingCheck(f func() bool) { m.bucketDying = f }

func (m *Machine) State() State { return m.state }

// CurrentBlocked reports whether the in-flight cookie suspended on an
// engine EWouldBlock and is awaiting a PendingIoResult (spec.md §4.5
// step 2). The reactor consults this after Run returns to decide whether
// to register the connection in its pending-I/O map.
func (m *Machine) CurrentBlocked() bool { return m.current != nil && m.current.Blocked() }

// Run drives the machine until it needs more data, suspends, or reaches
// a terminal/yielding point, mirroring spec.md §4.5 step 5 ("run state
// machines for ready connections until each reports 'need more data' or
// exhausts its work budget").
func (m *Machine) Run(ctx context.Context, recvBuf []byte) (consumed int, yield bool) {
	m.Conn.SetBucketReady(m.Bucket == nil || m.Bucket.State() == engine.BucketReady)
	for {
		if m.bucketDying() && m.dispatchesEngineWork() {
			return consumed, true
		}
		switch m.state {
		case StateTLSInit:
			// TLS handshake identity resolution happens at accept time in
			// this module (internal/conn.TLSTransport.Upgrade); by the time
			// a Machine exists the session is already authenticated at the
			// transport layer.
			m.state = StateNewCmd

		case StateNewCmd:
			m.current = cookie.New()
			m.Conn.AddCookie(m.current)
			if m.Conn.Features.Duplex {
				m.state = StateShipLog
			} else if avail, _ := wire.IsPacketAvailable(recvBuf[consumed:], m.Conn.MaxPacketSize); avail {
				m.state = StateParseCmd
			} else {
				m.state = StateWaiting
			}

		case StateWaiting:
			if !m.Conn.Events.Empty() {
				ran, err := m.Conn.Events.DrainOne(m.Conn)
				if err != nil {
					m.state = StateImmediateClose
					continue
				}
				if ran {
					continue
				}
			}
			m.state = StateReadPacketHeader

		case StateReadPacketHeader:
			avail, invalid := wire.IsPacketAvailable(recvBuf[consumed:], m.Conn.MaxPacketSize)
			if invalid {
				m.state = StateImmediateClose
				continue
			}
			if avail {
				m.state = StateParseCmd
			} else {
				return consumed, true
			}

		case StateParseCmd:
			f, n, status := wire.ParseFrame(recvBuf[consumed:], m.Conn.MaxPacketSize)
			switch status {
			case wire.ParseOK:
				m.current.SetPacket(f)
				consumed += n
				m.state = StateValidate
			case wire.ParseNeedMore:
				m.state = StateReadPacketBody
				return consumed, true
			default:
				m.state = StateImmediateClose
			}

		case StateReadPacketBody:
			return consumed, true

		case StateValidate:
			code, closeConn := m.Table.Validate(m.current.Packet, m.datatypePermitted)
			if code != errcode.Success {
				m.sendError(code)
				if closeConn {
					m.writeAndGo = StateImmediateClose
				} else {
					m.writeAndGo = StateNewCmd
				}
				m.state = StateSendData
				continue
			}
			m.state = StateExecute

		case StateExecute:
			entry, ok := m.Table.Lookup(m.current.Packet.Header.Opcode)
			executor := m.Table.Unknown
			var connExecutor dispatch.ConnExecutor
			if ok {
				if privCode := dispatch.CheckPrivileges(entry, m.privilegeContext(), m.PrivMgr, m.PrivSource, m.PrivilegeDebug); privCode != errcode.Success {
					m.sendError(privCode)
					m.writeAndGo = m.postErrorState(privCode)
					m.state = StateSendData
					continue
				}
				executor = entry.Executor
				connExecutor = entry.ConnExecutor
			}
			var extras, value []byte
			var cas uint64
			var code errcode.Code
			if connExecutor != nil {
				extras, value, cas, code = connExecutor(ctx, m.Conn, m.Bucket, m.current)
			} else {
				extras, value, cas, code = executor(ctx, m.Bucket, m.current)
			}
			if code == errcode.EWouldBlock {
				m.current.Block()
			}
			if m.current.Blocked() {
				return consumed, true
			}
			result := errcode.Remap(code, m.Conn.Features.XError, m.Conn.Features.Collections)
			if result.Disconnect {
				m.writeAndGo = StateImmediateClose
				m.state = StateSendData
				continue
			}
			if code != errcode.Success {
				m.current.SetErrorContext(code.String())
			}
			datatype := m.current.Datatype()
			if !datatype.HasSnappy() {
				if compressed, ok := m.Conn.CompressIfNegotiated(value); ok {
					value = compressed
					datatype |= wire.DatatypeSnappy
				}
			}
			resp := m.current.BuildResponse(result.Status, extras, value, cas, datatype)
			_ = m.Conn.CopyToOutputStream(resp)
			m.writeAndGo = StateNewCmd
			m.state = StateSendData

		case StateExecuteResume:
			// spec.md §4.8: completion arrives through the reactor's
			// pending-I/O path rather than a fresh executor call. This
			// build's command contexts never persist pending extras/value
			// onto the cookie before suspending (no executor here ever
			// returns EWouldBlock in practice, see DESIGN.md), so the
			// resumed response carries only the delivered status; a real
			// async engine integration would have the blocking executor
			// stash its pending payload on the cookie first.
			result := errcode.Remap(m.resumeCode, m.Conn.Features.XError, m.Conn.Features.Collections)
			if result.Disconnect {
				m.writeAndGo = StateImmediateClose
				m.state = StateSendData
				continue
			}
			resp := m.current.BuildResponse(result.Status, nil, nil, 0, wire.DatatypeRaw)
			_ = m.Conn.CopyToOutputStream(resp)
			m.writeAndGo = StateNewCmd
			m.state = StateSendData

		case StateSendData:
			switch m.Conn.Transmit() {
			case conn.TransmitComplete:
				m.state = StateDrainSendBuffer
			case conn.TransmitIncomplete, conn.TransmitSoftError:
				// spec.md §4.3/§4.4, §8 scenario 6: a stalled send queue
				// marks the watchdog's term flag; once set, the
				// connection stops waiting for the socket to drain and
				// moves to pending_close instead of yielding forever.
				if m.Conn.WatchdogTripped() {
					m.state = StatePendingClose
					continue
				}
				return consumed, true
			case conn.TransmitHardError:
				m.state = StateImmediateClose
			}

		case StateDrainSendBuffer:
			if m.Conn.OutputPending() {
				m.state = StateSendData
				continue
			}
			// spec.md §3 Cookie lifecycle: destroyed once its response is
			// fully queued. In this always-ordered build (no command
			// context ever suspends; see DESIGN.md's engine-async-
			// completion open question) the cookie removed here is always
			// the sole entry, but the list is kept current so
			// Connection.Close/AnyCookieBlocked stay correct once an
			// async-capable engine starts suspending cookies.
			if m.current != nil {
				m.Conn.RemoveCookie(m.current)
			}
			m.state = m.writeAndGo

		case StateShipLog:
			// Full-duplex CDC: drains whatever internal/cdc has already
			// queued, via send_data, the same way as any other response.
			// This state does not read client bytes (acks stay unconsumed
			// in recvBuf) and does not call CDCEngine.Step.
			if m.Conn.OutputPending() {
				m.writeAndGo = StateShipLog
				m.state = StateSendData
				continue
			}
			return consumed, true

		case StatePendingClose:
			if m.Conn.Close() == conn.CloseFinalized {
				m.state = StateImmediateClose
			} else {
				return consumed, true
			}

		case StateImmediateClose:
			log.Debugf("connection closing from state=%s", m.state)
			m.Conn.Close()
			m.state = StateDestroyed
			return consumed, false

		case StateDestroyed:
			return consumed, false
		}
	}
}

func (m *Machine) dispatchesEngineWork() bool {
	return m.state == StateExecute || m.state == StateExecuteResume || m.state == StateShipLog
}

func (m *Machine) datatypePermitted(d wire.Datatype) bool {
	if d.HasJSON() && !m.Conn.Features.JSON {
		return false
	}
	if d.HasSnappy() && !m.Conn.Features.Snappy {
		return false
	}
	return true
}

func (m *Machine) privilegeContext() *rbac.Context {
	return m.Conn.Priv
}

func (m *Machine) sendError(code errcode.Code) {
	result := errcode.Remap(code, m.Conn.Features.XError, m.Conn.Features.Collections)
	if result.Disconnect {
		return
	}
	m.current.SetErrorContext(code.String())
	resp := m.current.BuildResponse(result.Status, nil, nil, 0, wire.DatatypeRaw)
	_ = m.Conn.CopyToOutputStream(resp)
}

func (m *Machine) postErrorState(code errcode.Code) State {
	result := errcode.Remap(code, m.Conn.Features.XError, m.Conn.Features.Collections)
	if result.Disconnect {
		return StateImmediateClose
	}
	return StateNewCmd
}

// Resume clears a cookie's blocked state once the reactor correlates a
// PendingIoResult back to it, then re-enters Run (spec.md §4.5 step 2).
func (m *Machine) Resume(ctx context.Context, recvBuf []byte, code errcode.Code) (consumed int, yield bool) {
	m.current.Unblock()
	m.resumeCode = code
	m.state = StateExecuteResume
	return m.Run(ctx, recvBuf)
}
