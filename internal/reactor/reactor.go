// Package reactor implements the worker reactor and dispatcher (spec.md
// §4.5 "Worker Reactor (C5)", §4.6 "Dispatcher (C6)"). Idiomatic-Go
// translation of spec.md §9's self-pipe guidance: each ReactorThread is
// exactly one goroutine running a single select loop (preserving the
// "single writer" semantics the spec requires per connection); the
// notification channel stands in for the self-pipe, and per-connection
// reader-pump goroutines forward readiness over that channel instead of
// the reactor polling raw file descriptors itself.
package reactor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mcbpd/mcbpd/internal/conn"
	"github.com/mcbpd/mcbpd/internal/errcode"
	"github.com/mcbpd/mcbpd/internal/statemachine"
	"github.com/mcbpd/mcbpd/pkg/logging"
)

var log = logging.Get("reactor")

// stallRetryInterval bounds how long a connection with a stalled send
// queue but no new inbound bytes can go without another Transmit/
// watchdog check: runReadySlots only walks slots with either buffered
// input or pending output, and without new reads a pure send-stall
// would otherwise never get re-driven between notifications.
const stallRetryInterval = 250 * time.Millisecond

// notification is what arrives on a ReactorThread's notify channel: a
// connection became readable, a PendingIoResult completed, or a new
// socket was handed off by the Dispatcher.
type notification struct {
	kind    notificationKind
	slot    *slot
	raw     net.Conn
	onClose func()
	code    errcode.Code
}

type notificationKind int

const (
	notifyReadable notificationKind = iota
	notifyPendingIO
	notifyNewConnection
	notifyPeerClosed
)

// slot is one connection's entry in a reactor's registry (spec.md §9
// "arena + index": connections live in a per-worker slab referenced by
// index rather than raw pointer elsewhere in the system).
type slot struct {
	index   uint32
	conn    *conn.Connection
	machine *statemachine.Machine
	recvBuf []byte
	onClose func()

	cancelRead context.CancelFunc
}

// idleTimer orders connections by their next idle-timeout deadline; kept
// in a google/btree.BTree so the reactor can cheaply find "who times out
// next" without scanning every connection every tick.
type idleTimer struct {
	deadline int64 // unix nanos
	slotIdx  uint32
}

func (a idleTimer) Less(than btree.Item) bool {
	b := than.(idleTimer)
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.slotIdx < b.slotIdx
}

// ReactorThread is one single-threaded cooperative event loop owning a
// fixed set of connections for their whole lifetime (spec.md §5
// "pinned to a worker for life").
type ReactorThread struct {
	id int

	notify chan notification

	mu       sync.Mutex
	slots    map[uint32]*slot
	nextSlot uint32

	// pendingIO tracks cookies awaiting an engine completion, keyed by a
	// flattened token; xsync.MapOf lets completion-delivery goroutines
	// (outside this reactor's own goroutine) touch it without contending
	// on the reactor's own mutex, matching the teacher's use of
	// xsync.MapOf for concurrent request-correlation maps.
	pendingIO *xsync.MapOf[uint64, *slot]

	idleTimers *btree.BTree
	idleMu     sync.Mutex

	closing chan struct{}
}

// NewReactorThread constructs one reactor; call Run in its own goroutine.
func NewReactorThread(id int) *ReactorThread {
	return &ReactorThread{
		id:         id,
		notify:     make(chan notification, 256),
		slots:      make(map[uint32]*slot),
		pendingIO:  xsync.NewMapOf[uint64, *slot](),
		idleTimers: btree.New(8),
		closing:    make(chan struct{}),
	}
}

// Adopt registers a newly-accepted connection with this reactor (spec.md
// §4.5 step 4: "instantiate a Connection, register read interest").
// Called from the Dispatcher goroutine, never from within Run. The
// connection is built lazily inside Run, using the build func it was
// started with, once the notification is processed. onClose, if
// non-nil, runs exactly once when the connection is torn down (its state
// machine reaches StateDestroyed, or its reader pump sees the peer
// close first), letting the Dispatcher release whatever
// admission quota it charged this connection on accept (spec.md §4.6).
func (r *ReactorThread) Adopt(raw net.Conn, onClose func()) {
	r.notify <- notification{kind: notifyNewConnection, raw: raw, onClose: onClose}
}

// Run drives the single-threaded event loop (spec.md §4.5 "Per
// iteration"). It returns when closing is triggered via Stop. Besides
// reacting to notifications, it re-runs ready slots on a fixed tick so a
// connection stalled purely on the send side (no new inbound bytes, so
// no reader-pump wake-up) still gets Transmit retried and its watchdog
// re-evaluated (spec.md §4.3/§4.4, §8 scenario 6).
func (r *ReactorThread) Run(build func(raw net.Conn) (*conn.Connection, *statemachine.Machine)) {
	ticker := time.NewTicker(stallRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closing:
			return
		case n := <-r.notify:
			r.handleNotification(n, build)
			r.drainRemaining(build)
			r.runReadySlots()
		case <-ticker.C:
			r.runReadySlots()
		}
	}
}

// drainRemaining implements spec.md §4.5 step 1: "Drain notification
// pipe" fully before doing other work, to avoid missed wake-ups.
func (r *ReactorThread) drainRemaining(build func(raw net.Conn) (*conn.Connection, *statemachine.Machine)) {
	for {
		select {
		case n := <-r.notify:
			r.handleNotification(n, build)
		default:
			return
		}
	}
}

func (r *ReactorThread) handleNotification(n notification, build func(raw net.Conn) (*conn.Connection, *statemachine.Machine)) {
	switch n.kind {
	case notifyNewConnection:
		c, m := build(n.raw)
		r.mu.Lock()
		idx := r.nextSlot
		r.nextSlot++
		s := &slot{index: idx, conn: c, machine: m, onClose: n.onClose}
		r.slots[idx] = s
		r.mu.Unlock()
		log.Debugf("reactor %d adopted connection slot=%d", r.id, idx)
		r.startReaderPump(s)

	case notifyPendingIO:
		// clear the blocked-cookie flag and drop the map entry (spec.md
		// §4.5 step 2); the connection is picked up again in
		// runReadySlots since its Machine.Resume will advance past
		// execute.
		n.slot.machine.Resume(context.Background(), nil, n.code)

	case notifyReadable:
		// handled uniformly in runReadySlots via each slot's buffered
		// data; nothing extra to do here beyond having woken the loop.

	case notifyPeerClosed:
		// Socket EOF/error (the reader pump's Read returned an error),
		// grounded on the teacher's event_callback: BEV_EVENT_EOF/ERROR
		// sets term and drives the connection straight to closing rather
		// than waiting for another state-machine pass that may never
		// come. Torn down here directly instead of through Machine.Run
		// since there may be no new bytes to drive a pass with.
		r.mu.Lock()
		s, ok := r.slots[n.slot.index]
		if ok {
			delete(r.slots, n.slot.index)
		}
		r.pendingIO.Delete(uint64(n.slot.index))
		r.mu.Unlock()
		if !ok {
			return
		}
		s.conn.Close()
		if s.onClose != nil {
			s.onClose()
		}
	}
}

// startReaderPump launches the per-connection goroutine that stands in
// for self-pipe readiness notification (package doc): it blocks on
// Read() and forwards a wake-up, never touching connection state itself.
func (r *ReactorThread) startReaderPump(s *slot) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRead = cancel
	go func() {
		buf := make([]byte, 64*1024)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := s.conn.RawConn().Read(buf)
			if err != nil {
				select {
				case r.notify <- notification{kind: notifyPeerClosed, slot: s}:
				case <-r.closing:
				}
				return
			}
			r.mu.Lock()
			s.recvBuf = append(s.recvBuf, buf[:n]...)
			r.mu.Unlock()
			select {
			case r.notify <- notification{kind: notifyReadable, slot: s}:
			case <-r.closing:
				return
			}
		}
	}()
}

// runReadySlots implements spec.md §4.5 step 5: run state machines for
// every connection with buffered data until each needs more data or
// exhausts its budget.
func (r *ReactorThread) runReadySlots() {
	r.mu.Lock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()

	for _, s := range slots {
		r.mu.Lock()
		buf := s.recvBuf
		r.mu.Unlock()
		// A slot with no new input still needs another pass if it has a
		// stalled send queue: runReadySlots is the only place Transmit
		// (and so the watchdog) gets re-evaluated for a connection that
		// isn't producing fresh reads.
		if len(buf) == 0 && !s.conn.OutputPending() {
			continue
		}
		consumed, _ := s.machine.Run(context.Background(), buf)
		r.mu.Lock()
		s.recvBuf = s.recvBuf[consumed:]
		if s.machine.State() == statemachine.StateDestroyed {
			delete(r.slots, s.index)
			onClose := s.onClose
			r.mu.Unlock()
			if onClose != nil {
				onClose()
			}
			continue
		} else if s.machine.CurrentBlocked() {
			// spec.md §3 "PendingIo entry": park the slot until an engine
			// completion thread calls CompletePendingIO with this token.
			r.pendingIO.Store(uint64(s.index), s)
		}
		r.mu.Unlock()
	}
}

// CompletePendingIO delivers an engine completion for a previously
// blocked cookie (spec.md §3 "PendingIo entry", §5 "engine completion
// threads"). Safe to call from any goroutine, including one owned by an
// asynchronous storage engine outside this reactor — it never touches
// connection state directly, only enqueues a notification the reactor's
// own goroutine drains in handleNotification.
func (r *ReactorThread) CompletePendingIO(token uint64, code errcode.Code) {
	s, ok := r.pendingIO.LoadAndDelete(token)
	if !ok {
		return
	}
	select {
	case r.notify <- notification{kind: notifyPendingIO, slot: s, code: code}:
	case <-r.closing:
	}
}

// Stop ends the event loop after the current notification is processed.
func (r *ReactorThread) Stop() { close(r.closing) }

// ID returns this reactor's pool index.
func (r *ReactorThread) ID() int { return r.id }
